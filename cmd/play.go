package cmd

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/zijiren233/livesession/client"
	"github.com/zijiren233/livesession/cmd/flags"
	"github.com/zijiren233/livesession/container/flv"
)

var PlayCmd = &cobra.Command{
	Use:   "play",
	Short: "Record a stream into an flv file",
	Long:  `Play a stream and record it into an flv file until it ends`,
	RunE:  Play,
}

func Play(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	file, err := os.Create(flags.FilePath)
	if err != nil {
		return err
	}
	defer file.Close()
	bw := bufio.NewWriter(file)
	defer bw.Flush()
	w := flv.NewWriter(bw)
	defer w.Close()

	s := client.NewSession(append(conf.SessionOptions(), client.WithLogger(log))...)
	defer s.Close()
	go logEvents(s)
	if err := s.Open(ctx, flags.Dial); err != nil {
		return err
	}
	if err := s.Play(ctx, ""); err != nil {
		return err
	}

	var frames int
	for {
		f, err := s.ReadFrame(ctx)
		if err != nil {
			log.Info().Int("frames", frames).Msg("recording stopped")
			if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		if err := w.Write(f); err != nil {
			return err
		}
		frames++
	}
}

func init() {
	ClientCmd.AddCommand(PlayCmd)
}
