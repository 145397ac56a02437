package cmd

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/zijiren233/livesession/client"
	"github.com/zijiren233/livesession/cmd/flags"
	"github.com/zijiren233/livesession/container/flv"
	"github.com/zijiren233/livesession/reconnect"
)

var PublishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Publish an flv file",
	Long:  `Publish an flv file, paced to its timestamps`,
	RunE:  Publish,
}

func Publish(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	file, err := os.Open(flags.FilePath)
	if err != nil {
		return err
	}
	defer file.Close()
	r := flv.NewReader(file, flv.WithReaderBuffer(64<<10))

	s := client.NewSession(append(conf.SessionOptions(), client.WithLogger(log))...)
	defer s.Close()
	go logEvents(s)
	if err := s.Open(ctx, flags.Dial); err != nil {
		return err
	}
	if err := s.Publish(ctx, ""); err != nil {
		return err
	}

	var (
		start   = time.Now()
		first   time.Duration
		started bool
		dropped int
	)
	for {
		f, err := r.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				log.Info().Int("dropped", dropped).Msg("end of file")
				return nil
			}
			return err
		}
		if !started {
			first, started = f.DecodeTime(), true
		}
		if wait := time.Until(start.Add(f.DecodeTime() - first)); wait > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
			}
		}
		switch err := s.Submit(f); {
		case err == nil:
		case errors.Is(err, reconnect.ErrThrottled):
			dropped++
		default:
			return err
		}
	}
}

// logEvents reports session events until the session is closed.
func logEvents(s *client.Session) {
	for ev := range s.Events() {
		e := log.Info()
		switch ev.Type {
		case client.EventReconnecting:
			e = log.Warn().Int("attempt", ev.Attempt).Dur("delay", ev.Delay)
		case client.EventDiscontinuity:
			e = log.Warn().Stringer("kind", ev.Kind)
		case client.EventClosed:
			e = e.Str("reason", ev.Reason)
		case client.EventStatus:
			e = log.Debug().Str("code", ev.Code).Str("description", ev.Reason)
		}
		e.Err(ev.Err).Msg(ev.Type.String())
	}
}

func init() {
	ClientCmd.AddCommand(PublishCmd)
}
