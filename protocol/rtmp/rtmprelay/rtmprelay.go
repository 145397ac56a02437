package rtmprelay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/zijiren233/livesession/client"
	"github.com/zijiren233/livesession/reconnect"
	"golang.org/x/sync/errgroup"
)

var ErrAlreadyStarted = errors.New("relay already started")

// RtmpRelay plays one stream and publishes it under another URL. Each
// side is a client.Session and reconnects on its own; frames arriving
// while the publishing side is throttled are dropped unless they carry
// configuration.
type RtmpRelay struct {
	PlayUrl    string
	PublishUrl string
	opts       []client.Option
	log        zerolog.Logger

	mu      sync.Mutex
	started bool
	play    *client.Session
	publish *client.Session
	cancel  context.CancelFunc
	done    chan struct{}
	err     error

	relayed atomic.Uint64
	dropped atomic.Uint64
}

type RelayConf func(*RtmpRelay)

// WithSessionOptions applies opts to both sessions.
func WithSessionOptions(opts ...client.Option) RelayConf {
	return func(r *RtmpRelay) {
		r.opts = append(r.opts, opts...)
	}
}

func WithLogger(log zerolog.Logger) RelayConf {
	return func(r *RtmpRelay) {
		r.log = log
	}
}

func NewRtmpRelay(playUrl, publishUrl string, conf ...RelayConf) *RtmpRelay {
	r := &RtmpRelay{
		PlayUrl:    playUrl,
		PublishUrl: publishUrl,
		log:        zerolog.Nop(),
		done:       make(chan struct{}),
	}
	for _, c := range conf {
		c(r)
	}
	r.log = r.log.With().Str("component", "relay").Logger()
	return r
}

// Start connects both sides and begins relaying in the background. The
// relay ends when the played stream ends, either session fails or Stop
// is called.
func (r *RtmpRelay) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return fmt.Errorf("%w, playurl=%s, publishurl=%s", ErrAlreadyStarted, r.PlayUrl, r.PublishUrl)
	}

	play := client.NewSession(append(r.opts, client.WithLogger(r.log.With().Str("side", "play").Logger()))...)
	if err := play.Open(ctx, r.PlayUrl); err != nil {
		return err
	}
	if err := play.Play(ctx, ""); err != nil {
		play.Close()
		return err
	}

	publish := client.NewSession(append(r.opts, client.WithLogger(r.log.With().Str("side", "publish").Logger()))...)
	if err := publish.Open(ctx, r.PublishUrl); err != nil {
		play.Close()
		return err
	}
	if err := publish.Publish(ctx, ""); err != nil {
		play.Close()
		publish.Close()
		return err
	}

	r.started = true
	r.play, r.publish = play, publish
	var rctx context.Context
	rctx, r.cancel = context.WithCancel(context.Background())
	go r.run(rctx)
	r.log.Info().Str("from", r.PlayUrl).Str("to", r.PublishUrl).Msg("relay started")
	return nil
}

func (r *RtmpRelay) run(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer r.play.Close()
		defer r.publish.Close()
		return r.pump(gctx)
	})
	g.Go(func() error {
		r.watch("play", r.play)
		return nil
	})
	g.Go(func() error {
		r.watch("publish", r.publish)
		return nil
	})
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
	r.log.Info().Err(err).
		Uint64("relayed", r.relayed.Load()).
		Uint64("dropped", r.dropped.Load()).
		Msg("relay stopped")
	close(r.done)
}

func (r *RtmpRelay) pump(ctx context.Context) error {
	for {
		f, err := r.play.ReadFrame(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		switch err := r.publish.Submit(f); {
		case err == nil:
			r.relayed.Add(1)
		case errors.Is(err, reconnect.ErrThrottled):
			r.dropped.Add(1)
		default:
			return err
		}
	}
}

func (r *RtmpRelay) watch(side string, s *client.Session) {
	for ev := range s.Events() {
		r.log.Debug().
			Str("side", side).
			Stringer("event", ev.Type).
			Int("attempt", ev.Attempt).
			Str("reason", ev.Reason).
			Err(ev.Err).
			Msg("session event")
	}
}

// Done is closed once the relay has stopped.
func (r *RtmpRelay) Done() <-chan struct{} {
	return r.done
}

// Err is the reason the relay stopped, nil for a normal end.
func (r *RtmpRelay) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Relayed is the number of frames handed to the publishing side.
func (r *RtmpRelay) Relayed() uint64 {
	return r.relayed.Load()
}

// Stop ends both sessions and waits for the relay to finish.
func (r *RtmpRelay) Stop() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	cancel := r.cancel
	r.mu.Unlock()

	cancel()
	<-r.done
}
