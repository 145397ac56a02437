package reconnect

import (
	"errors"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/zijiren233/livesession/protocol/rtmp/core"
)

func TestBackoffNonDecreasingAndCapped(t *testing.T) {
	cfg := Config{
		BaseDelay:  10 * time.Millisecond,
		MaxDelay:   200 * time.Millisecond,
		Multiplier: 2,
		Jitter:     0.5,
		MaxRetries: 12,
	}
	for run := 0; run < 50; run++ {
		b := NewBackoff(cfg)
		var prev time.Duration
		n := 0
		for {
			attempt, d, ok := b.Next()
			if !ok {
				break
			}
			n++
			if attempt != n {
				t.Fatalf("attempt %d, want %d", attempt, n)
			}
			if d < prev {
				t.Fatalf("delay %s after %s", d, prev)
			}
			if d > cfg.MaxDelay {
				t.Fatalf("delay %s above max", d)
			}
			prev = d
		}
		if n != cfg.MaxRetries {
			t.Fatalf("%d attempts, want %d", n, cfg.MaxRetries)
		}
	}
}

func TestBackoffReset(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Jitter = 0
	b := NewBackoff(cfg)
	b.Next()
	b.Next()
	b.Reset()
	attempt, d, ok := b.Next()
	if !ok || attempt != 1 || d != cfg.BaseDelay {
		t.Fatalf("after reset: attempt %d delay %s ok %v", attempt, d, ok)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want Decision
	}{
		{core.HandshakeFailed(errors.New("bad echo")), Fatal},
		{core.CommandRejected("connect", "denied"), Fatal},
		{core.FramingError("read chunk", "bad"), Retry},
		{core.ConnectionLost("read", io.EOF), Retry},
		{io.ErrUnexpectedEOF, Retry},
	}
	for _, tt := range tests {
		if got := Classify(tt.err); got != tt.want {
			t.Errorf("Classify(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}

func TestControllerCeiling(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRetries = 2
	c := New(cfg, zerolog.Nop())
	lost := core.ConnectionLost("write", io.EOF)
	for i := 1; i <= 2; i++ {
		step, err := c.OnFailure(lost)
		if err != nil {
			t.Fatal(err)
		}
		if step.Attempt != i {
			t.Fatalf("attempt %d, want %d", step.Attempt, i)
		}
	}
	_, err := c.OnFailure(lost)
	if !errors.Is(err, core.ErrConnectionLost) {
		t.Fatalf("got %v, want connection lost", err)
	}

	c.OnConnected()
	if _, err := c.OnFailure(lost); err != nil {
		t.Fatalf("after reconnect: %v", err)
	}
}

func TestControllerFatal(t *testing.T) {
	c := New(DefaultConfig(), zerolog.Nop())
	rejected := core.CommandRejected("publish", "bad name")
	_, err := c.OnFailure(rejected)
	if err != rejected {
		t.Fatalf("got %v", err)
	}
}

func TestThrottleAckDeficit(t *testing.T) {
	now := time.Unix(0, 0)
	th := NewThrottle(time.Second, 0)
	th.now = func() time.Time { return now }

	if th.Observe(5000, false, 1000, 0) {
		t.Fatal("throttled before any acknowledgement")
	}
	if th.Observe(5000, true, 1000, 0) {
		t.Fatal("throttled inside the grace period")
	}
	now = now.Add(time.Second)
	if !th.Observe(5000, true, 1000, 0) {
		t.Fatal("not throttled after the grace period")
	}
	if held := <-th.Signal(); !held {
		t.Fatal("signal did not report throttling")
	}
	if !th.Observe(800, true, 1000, 0) {
		t.Fatal("released above half the window")
	}
	if th.Observe(400, true, 1000, 0) {
		t.Fatal("still throttled below half the window")
	}
	if held := <-th.Signal(); held {
		t.Fatal("signal did not report release")
	}
}

func TestThrottleHighWater(t *testing.T) {
	th := NewThrottle(time.Second, 0.8)
	if th.Observe(0, false, 0, 0.5) {
		t.Fatal("throttled at half fill")
	}
	if !th.Observe(0, false, 0, 0.9) {
		t.Fatal("not throttled above high water")
	}
	if !th.Observe(0, false, 0, 0.6) {
		t.Fatal("released above low water")
	}
	if th.Observe(0, false, 0, 0.3) {
		t.Fatal("still throttled below low water")
	}
}

func TestConfigValidate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatal(err)
	}
	cfg := DefaultConfig()
	cfg.MaxDelay = cfg.BaseDelay / 2
	if err := cfg.Validate(); err == nil {
		t.Fatal("max below base accepted")
	}
}
