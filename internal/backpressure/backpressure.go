// Package backpressure keeps the sender's in-flight buffer bounded. The
// primary path parks on the transport's low-buffer event; when the event
// never fires the arbiter permanently downgrades the connection to polling.
package backpressure

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Ronifue/peershare/internal/event"
	"github.com/Ronifue/peershare/internal/overrides"
	"github.com/Ronifue/peershare/internal/transport"
)

const (
	DefaultMaxBufferedAmount = 12 * 1024 * 1024
	DefaultLowThreshold      = 12 * 1024 * 1024
	DefaultEventTimeout      = 5000 * time.Millisecond
	DefaultPollInterval      = 10 * time.Millisecond
)

// ErrChannelClosed reports that the channel closed while waiting. The engine
// treats it as a recoverable send interruption.
var ErrChannelClosed = errors.New("data channel closed during backpressure wait")

// Config tunes the arbiter. Zero fields take defaults.
type Config struct {
	MaxBufferedAmount uint64
	LowThreshold      uint64
	EventTimeout      time.Duration
	PollInterval      time.Duration
	Mode              overrides.BackpressureMode
}

// DefaultConfig returns the production configuration in auto mode.
func DefaultConfig() Config {
	return Config{
		MaxBufferedAmount: DefaultMaxBufferedAmount,
		LowThreshold:      DefaultLowThreshold,
		EventTimeout:      DefaultEventTimeout,
		PollInterval:      DefaultPollInterval,
		Mode:              overrides.ModeAuto,
	}
}

func (c Config) withDefaults() Config {
	if c.MaxBufferedAmount == 0 {
		c.MaxBufferedAmount = DefaultMaxBufferedAmount
	}
	if c.LowThreshold == 0 {
		c.LowThreshold = DefaultLowThreshold
	}
	if c.EventTimeout == 0 {
		c.EventTimeout = DefaultEventTimeout
	}
	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.Mode == "" {
		c.Mode = overrides.ModeAuto
	}
	return c
}

// Outcome describes one completed wait.
type Outcome struct {
	Mode   overrides.BackpressureMode
	Waited time.Duration
}

// Arbiter serializes backpressure waits for one data channel. The downgrade
// to polling is latched for the lifetime of the connection.
type Arbiter struct {
	mu  sync.Mutex
	ch  transport.DataChannel
	cfg Config

	forcedPolling   bool
	fallbackReason  string
	eventModeActive bool

	emitter *event.Emitter
}

// New wires an arbiter to a channel and applies the low-buffer threshold.
func New(ch transport.DataChannel, cfg Config, emitter *event.Emitter) *Arbiter {
	cfg = cfg.withDefaults()
	ch.SetBufferedAmountLowThreshold(cfg.LowThreshold)
	return &Arbiter{ch: ch, cfg: cfg, emitter: emitter}
}

// WaitThreshold is the buffered-amount level above which the sender should
// call Wait.
func (a *Arbiter) WaitThreshold() uint64 {
	if a.effectiveMode() == overrides.ModePolling {
		return a.cfg.MaxBufferedAmount
	}
	if a.cfg.LowThreshold > a.cfg.MaxBufferedAmount {
		return a.cfg.LowThreshold
	}
	return a.cfg.MaxBufferedAmount
}

// Mode reports the mode the next Wait will use.
func (a *Arbiter) Mode() overrides.BackpressureMode {
	return a.effectiveMode()
}

// FallbackReason reports why the arbiter downgraded, empty when it has not.
func (a *Arbiter) FallbackReason() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.fallbackReason
}

func (a *Arbiter) effectiveMode() overrides.BackpressureMode {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cfg.Mode == overrides.ModePolling || a.forcedPolling {
		return overrides.ModePolling
	}
	return overrides.ModeEvent
}

// Wait blocks until bufferedAmount <= MaxBufferedAmount, the channel closes
// (ErrChannelClosed), or ctx is done.
func (a *Arbiter) Wait(ctx context.Context) (Outcome, error) {
	start := time.Now()
	mode := a.effectiveMode()

	if mode == overrides.ModeEvent {
		ok, err := a.waitEvent(ctx)
		if err != nil {
			return Outcome{}, err
		}
		if ok {
			return Outcome{Mode: overrides.ModeEvent, Waited: time.Since(start)}, nil
		}
		// Downgraded; fall through to polling.
	}

	if err := a.waitPolling(ctx); err != nil {
		return Outcome{}, err
	}
	return Outcome{Mode: overrides.ModePolling, Waited: time.Since(start)}, nil
}

// waitEvent returns (true, nil) when the event path satisfied the wait and
// (false, nil) when the arbiter downgraded to polling.
func (a *Arbiter) waitEvent(ctx context.Context) (bool, error) {
	if a.ch.BufferedAmount() <= a.cfg.MaxBufferedAmount {
		a.noteEventSuccess()
		return true, nil
	}
	if !a.ch.IsOpen() {
		return false, ErrChannelClosed
	}

	fired := make(chan struct{}, 1)
	a.ch.OnBufferedAmountLow(func() {
		select {
		case fired <- struct{}{}:
		default:
		}
	})
	defer a.ch.OnBufferedAmountLow(nil)

	// The buffer may have drained between the check and registration.
	if a.ch.BufferedAmount() <= a.cfg.MaxBufferedAmount {
		a.noteEventSuccess()
		return true, nil
	}

	watchdog := time.NewTimer(a.cfg.EventTimeout)
	defer watchdog.Stop()

	for {
		select {
		case <-fired:
			if !a.ch.IsOpen() {
				return false, ErrChannelClosed
			}
			if a.ch.BufferedAmount() <= a.cfg.MaxBufferedAmount {
				a.noteEventSuccess()
				return true, nil
			}
		case <-watchdog.C:
			if !a.ch.IsOpen() {
				return false, ErrChannelClosed
			}
			a.downgrade("event_timeout")
			return false, nil
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}

func (a *Arbiter) waitPolling(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if !a.ch.IsOpen() {
			return ErrChannelClosed
		}
		if a.ch.BufferedAmount() <= a.cfg.MaxBufferedAmount {
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (a *Arbiter) noteEventSuccess() {
	a.mu.Lock()
	first := !a.eventModeActive
	a.eventModeActive = true
	a.mu.Unlock()
	if first {
		a.emitter.Emit("backpressure_mode_active", map[string]any{"mode": "event"})
	}
}

func (a *Arbiter) downgrade(reason string) {
	a.mu.Lock()
	already := a.forcedPolling
	a.forcedPolling = true
	if a.fallbackReason == "" {
		a.fallbackReason = reason
	}
	a.mu.Unlock()
	if !already {
		a.emitter.Emit("backpressure_fallback", map[string]any{"reason": reason})
	}
}
