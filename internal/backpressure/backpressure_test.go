package backpressure

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/Ronifue/peershare/internal/event"
	"github.com/Ronifue/peershare/internal/overrides"
	"github.com/Ronifue/peershare/internal/transport"
)

func testConfig(mode overrides.BackpressureMode) Config {
	return Config{
		MaxBufferedAmount: 1024,
		LowThreshold:      512,
		EventTimeout:      100 * time.Millisecond,
		PollInterval:      5 * time.Millisecond,
		Mode:              mode,
	}
}

func newArbiter(t *testing.T, mode overrides.BackpressureMode) (*Arbiter, *transport.FakeChannel, *bytes.Buffer) {
	t.Helper()
	ch, _ := transport.NewFakeChannelPair("data")
	ch.SetManualDrain(true)
	var buf bytes.Buffer
	a := New(ch, testConfig(mode), event.NewEmitter(&buf, nil, nil))
	return a, ch, &buf
}

func TestWaitReturnsImmediatelyWhenBelowThreshold(t *testing.T) {
	a, _, _ := newArbiter(t, overrides.ModeEvent)
	out, err := a.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if out.Mode != overrides.ModeEvent {
		t.Errorf("mode = %s", out.Mode)
	}
}

func TestWaitEventResolvesOnLowBuffer(t *testing.T) {
	a, ch, buf := newArbiter(t, overrides.ModeEvent)
	ch.AddBuffered(4096)

	done := make(chan error, 1)
	go func() {
		_, err := a.Wait(context.Background())
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	ch.Drain(4096)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Wait failed: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Wait did not resolve after drain")
	}
	if !strings.Contains(buf.String(), "backpressure_mode_active") {
		t.Error("expected backpressure_mode_active event on first event success")
	}
	if strings.Count(buf.String(), "backpressure_mode_active") != 1 {
		t.Error("mode-active event must be emitted once")
	}
}

func TestWaitEventTimeoutDowngradesPermanently(t *testing.T) {
	a, ch, buf := newArbiter(t, overrides.ModeAuto)
	ch.AddBuffered(4096)

	done := make(chan error, 1)
	go func() {
		_, err := a.Wait(context.Background())
		done <- err
	}()

	// Let the watchdog fire, then drain so the polling fallback completes.
	time.Sleep(150 * time.Millisecond)
	ch.Drain(4096)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Wait failed: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Wait did not resolve")
	}

	if a.Mode() != overrides.ModePolling {
		t.Error("expected permanent downgrade to polling")
	}
	if a.FallbackReason() != "event_timeout" {
		t.Errorf("fallback reason = %q", a.FallbackReason())
	}
	if !strings.Contains(buf.String(), "backpressure_fallback") {
		t.Error("expected backpressure_fallback event")
	}
}

func TestWaitPollingMode(t *testing.T) {
	a, ch, _ := newArbiter(t, overrides.ModePolling)
	ch.AddBuffered(4096)

	done := make(chan Outcome, 1)
	go func() {
		out, err := a.Wait(context.Background())
		if err != nil {
			t.Errorf("Wait failed: %v", err)
		}
		done <- out
	}()

	time.Sleep(20 * time.Millisecond)
	ch.Drain(4096)

	select {
	case out := <-done:
		if out.Mode != overrides.ModePolling {
			t.Errorf("mode = %s", out.Mode)
		}
	case <-time.After(time.Second):
		t.Fatal("Wait did not resolve")
	}
}

func TestWaitChannelClosed(t *testing.T) {
	a, ch, _ := newArbiter(t, overrides.ModePolling)
	ch.AddBuffered(4096)

	done := make(chan error, 1)
	go func() {
		_, err := a.Wait(context.Background())
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	_ = ch.Close()

	select {
	case err := <-done:
		if !errors.Is(err, ErrChannelClosed) {
			t.Errorf("expected ErrChannelClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Wait did not resolve after close")
	}
}

func TestWaitContextCancel(t *testing.T) {
	a, ch, _ := newArbiter(t, overrides.ModePolling)
	ch.AddBuffered(4096)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := a.Wait(ctx)
		done <- err
	}()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Wait did not resolve after cancel")
	}
}

func TestWaitThreshold(t *testing.T) {
	a, _, _ := newArbiter(t, overrides.ModeEvent)
	// Event mode: max(MaxBufferedAmount, LowThreshold) with Low < Max.
	if got := a.WaitThreshold(); got != 1024 {
		t.Errorf("event threshold = %d", got)
	}

	p, _, _ := newArbiter(t, overrides.ModePolling)
	if got := p.WaitThreshold(); got != 1024 {
		t.Errorf("polling threshold = %d", got)
	}

	ch, _ := transport.NewFakeChannelPair("data")
	cfg := testConfig(overrides.ModeEvent)
	cfg.LowThreshold = 8192
	hi := New(ch, cfg, event.NewEmitter(nil, nil, nil))
	if got := hi.WaitThreshold(); got != 8192 {
		t.Errorf("event threshold with high low-mark = %d", got)
	}
}
