package cmd

import (
	"github.com/spf13/cobra"
	"github.com/zijiren233/livesession/cmd/flags"
)

var ClientCmd = &cobra.Command{
	Use:   "client",
	Short: "Publish or play a stream",
	Long:  `Publish an flv file to a server or record a played stream to one`,
}

func init() {
	RootCmd.AddCommand(ClientCmd)
	ClientCmd.PersistentFlags().
		StringVar(&flags.Dial, "dial", "rtmp://127.0.0.1:1935/app/channel", "dial to server")
	ClientCmd.PersistentFlags().
		StringVarP(&flags.FilePath, "file", "f", "", "flv file to publish or to record into")
	ClientCmd.MarkPersistentFlagRequired("file")
}
