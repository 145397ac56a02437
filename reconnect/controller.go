package reconnect

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/zijiren233/livesession/protocol/rtmp/core"
)

var ErrThrottled = errors.New("admission throttled")

type Config struct {
	BaseDelay  time.Duration `yaml:"base_delay"`
	MaxDelay   time.Duration `yaml:"max_delay"`
	Multiplier float64       `yaml:"multiplier"`
	// Jitter is the randomization factor applied to each delay.
	Jitter     float64 `yaml:"jitter"`
	MaxRetries int     `yaml:"max_retries"`
	// AckGrace is how long an ack window deficit may last before
	// admission is throttled.
	AckGrace time.Duration `yaml:"ack_grace"`
	// HighWater is the buffer fill that throttles admission.
	HighWater float64 `yaml:"high_water"`
}

func DefaultConfig() Config {
	return Config{
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   30 * time.Second,
		Multiplier: 2,
		Jitter:     0.2,
		MaxRetries: 5,
		AckGrace:   2 * time.Second,
		HighWater:  0.8,
	}
}

func (c Config) Validate() error {
	switch {
	case c.BaseDelay <= 0:
		return fmt.Errorf("reconnect: base_delay must be positive")
	case c.MaxDelay < c.BaseDelay:
		return fmt.Errorf("reconnect: max_delay %s below base_delay %s", c.MaxDelay, c.BaseDelay)
	case c.Multiplier < 1:
		return fmt.Errorf("reconnect: multiplier %v below 1", c.Multiplier)
	case c.Jitter < 0 || c.Jitter > 1:
		return fmt.Errorf("reconnect: jitter %v outside [0, 1]", c.Jitter)
	case c.MaxRetries < 0:
		return fmt.Errorf("reconnect: max_retries %d is negative", c.MaxRetries)
	case c.HighWater < 0 || c.HighWater > 1:
		return fmt.Errorf("reconnect: high_water %v outside [0, 1]", c.HighWater)
	}
	return nil
}

type Decision uint8

const (
	Retry Decision = iota
	Fatal
)

func (d Decision) String() string {
	if d == Fatal {
		return "fatal"
	}
	return "retry"
}

// Classify says whether a failed connection is worth reopening.
// Rejections and bad handshakes will not improve by retrying.
func Classify(err error) Decision {
	if errors.Is(err, context.Canceled) {
		return Fatal
	}
	switch core.KindOf(err) {
	case core.KindHandshakeFailed, core.KindCommandRejected, core.KindInvalidState:
		return Fatal
	}
	return Retry
}

// Step is one scheduled reconnect.
type Step struct {
	Attempt int
	Delay   time.Duration
}

// Controller owns the retry schedule and the admission throttle of one
// session.
type Controller struct {
	backoff  *Backoff
	throttle *Throttle
	log      zerolog.Logger
}

func New(cfg Config, log zerolog.Logger) *Controller {
	return &Controller{
		backoff:  NewBackoff(cfg),
		throttle: NewThrottle(cfg.AckGrace, cfg.HighWater),
		log:      log,
	}
}

// OnFailure decides what happens after err broke the connection. A
// non-nil error means the session must close with it: either err was
// fatal or the retry ceiling has been reached.
func (c *Controller) OnFailure(err error) (Step, error) {
	if Classify(err) == Fatal {
		c.log.Error().Err(err).Msg("fatal session error")
		return Step{}, err
	}
	attempt, delay, ok := c.backoff.Next()
	if !ok {
		c.log.Error().Err(err).Int("attempts", attempt).Msg("retries exhausted")
		return Step{}, core.ConnectionLost("reconnect", fmt.Errorf("gave up after %d attempts: %w", attempt, err))
	}
	c.log.Info().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("reconnecting")
	return Step{Attempt: attempt, Delay: delay}, nil
}

// OnConnected resets the retry schedule.
func (c *Controller) OnConnected() {
	c.backoff.Reset()
	c.throttle.Reset()
}

// Wait sleeps for the step delay or until ctx is done.
func (c *Controller) Wait(ctx context.Context, s Step) error {
	t := time.NewTimer(s.Delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) Observe(unacked uint32, ackKnown bool, window uint32, fill float64) bool {
	return c.throttle.Observe(unacked, ackKnown, window, fill)
}

func (c *Controller) Throttled() bool {
	return c.throttle.Throttled()
}

func (c *Controller) Signal() <-chan bool {
	return c.throttle.Signal()
}
