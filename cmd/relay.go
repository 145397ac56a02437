package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/zijiren233/livesession/cmd/flags"
	"github.com/zijiren233/livesession/protocol/rtmp/rtmprelay"
	"github.com/zijiren233/livesession/reconnect"
)

var RelayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Relay a stream to another server",
	Long:  `Play a stream from one url and publish it to another until interrupted`,
	RunE:  Relay,
}

func Relay(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return runRelay(ctx, flags.From, flags.To)
}

// runRelay keeps a relay between from and to running until ctx is done,
// starting a new one whenever the previous one ends.
func runRelay(ctx context.Context, from, to string) error {
	b := reconnect.NewBackoff(conf.Reconnect)
	l := log.With().Str("from", from).Str("to", to).Logger()
	for {
		relay := rtmprelay.NewRtmpRelay(from, to,
			rtmprelay.WithSessionOptions(conf.SessionOptions()...),
			rtmprelay.WithLogger(log),
		)
		err := relay.Start(ctx)
		if err == nil {
			b.Reset()
			select {
			case <-ctx.Done():
				relay.Stop()
				return nil
			case <-relay.Done():
				err = relay.Err()
			}
		}

		attempt, delay, ok := b.Next()
		if !ok {
			delay = conf.Reconnect.MaxDelay
		}
		l.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("relay ended, restarting")
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

func init() {
	RootCmd.AddCommand(RelayCmd)
	RelayCmd.Flags().StringVar(&flags.From, "from", "", "url to play from")
	RelayCmd.Flags().StringVar(&flags.To, "to", "", "url to publish to")
	RelayCmd.MarkFlagRequired("from")
	RelayCmd.MarkFlagRequired("to")
}
