package cmd

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/zijiren233/livesession/cmd/flags"
	"github.com/zijiren233/livesession/config"
	"github.com/zijiren233/livesession/utils"
)

var (
	conf *config.Config
	log  zerolog.Logger
)

var RootCmd = &cobra.Command{
	Use:   "livesession",
	Short: "livesession",
	Long:  `livesession https://github.com/zijiren233/livesession`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if flags.ConfigFile != "" {
			conf, err = config.Load(flags.ConfigFile)
			if err != nil {
				return err
			}
		} else {
			conf = config.Default()
		}
		if flags.LogLevel != "" {
			conf.Log.Level = flags.LogLevel
		}
		if flags.Debug {
			conf.Log.Level = "debug"
		}
		log = utils.NewLogger(conf.Log.Level, conf.Log.Pretty)
		return nil
	},
	SilenceUsage: true,
}

func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	RootCmd.PersistentFlags().BoolVar(&flags.Debug, "debug", false, "debug mode")
	RootCmd.PersistentFlags().StringVarP(&flags.ConfigFile, "config", "c", "", "yaml config file")
	RootCmd.PersistentFlags().StringVar(&flags.LogLevel, "log-level", "", "log level, overrides the config file")
}
