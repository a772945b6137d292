package recovery

import (
	"bufio"
	"bytes"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Ronifue/peershare/internal/event"
	"github.com/Ronifue/peershare/internal/transport"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) count(t *testing.T, name string) int {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	sc := bufio.NewScanner(bytes.NewReader(b.buf.Bytes()))
	for sc.Scan() {
		ev, err := event.Parse(sc.Bytes())
		if err != nil {
			t.Fatalf("bad event line: %v", err)
		}
		if ev.Event == name {
			n++
		}
	}
	return n
}

func fastConfig() Config {
	return Config{
		GracePeriod:          30 * time.Millisecond,
		MaxRestartICE:        2,
		MaxRebuilds:          2,
		BackoffBase:          10 * time.Millisecond,
		MaxBackoff:           20 * time.Millisecond,
		RecoveryGracePeriod:  30 * time.Millisecond,
		MonitorInterval:      20 * time.Millisecond,
		HighRTTMs:            800,
		ImprovementThreshold: 120,
		MaxProbeAttempts:     1,
	}
}

type harness struct {
	pc       *transport.FakePeerConnection
	ctrl     *Controller
	events   *syncBuffer
	restarts atomic.Int32
	rebuilds atomic.Int32
	terminal chan error
}

func newHarness(t *testing.T, cfg Config, initiator bool) *harness {
	t.Helper()
	h := &harness{
		pc:       transport.NewFakePeerConnection(),
		events:   &syncBuffer{},
		terminal: make(chan error, 1),
	}
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	h.ctrl = New(cfg, Ops{
		RestartICE: func() error { h.restarts.Add(1); return nil },
		Rebuild:    func() error { h.rebuilds.Add(1); return nil },
		Connection: func() transport.PeerConnection { return h.pc },
		OnTerminalFailure: func(err error) {
			select {
			case h.terminal <- err:
			default:
			}
		},
	}, log, event.NewEmitter(h.events, nil, nil))
	h.ctrl.SetInitiator(initiator)
	t.Cleanup(h.ctrl.Close)
	return h
}

func TestGraceThenICERestart(t *testing.T) {
	h := newHarness(t, fastConfig(), true)
	h.pc.SetICEState(transport.ICEConnected)
	h.ctrl.HandleICEStateChange(transport.ICEConnected)

	h.pc.SetICEState(transport.ICEDisconnected)
	h.ctrl.HandleICEStateChange(transport.ICEDisconnected)

	if !h.ctrl.InProgress() {
		t.Fatal("expected recovery latch set on disconnect")
	}
	if h.events.count(t, "ice_disconnected_grace_start") != 1 {
		t.Fatal("expected grace-start event")
	}

	// After the grace period the first ICE restart fires.
	time.Sleep(60 * time.Millisecond)
	if h.restarts.Load() != 1 {
		t.Fatalf("restarts = %d, want 1", h.restarts.Load())
	}

	// The restart brings the connection back.
	h.pc.SetICEState(transport.ICEConnected)
	h.ctrl.HandleICEStateChange(transport.ICEConnected)
	if h.events.count(t, "ice_connected_after_recovery") != 1 {
		t.Fatal("expected recovered event")
	}
	if h.ctrl.InProgress() {
		t.Error("latch should clear on reconnect")
	}

	// Counters reset after the connection holds through the recovery grace.
	time.Sleep(60 * time.Millisecond)
	restarts, rebuilds, _ := h.ctrl.Attempts()
	if restarts != 0 || rebuilds != 0 {
		t.Errorf("counters = %d/%d, want reset", restarts, rebuilds)
	}
}

func TestGraceSelfHeal(t *testing.T) {
	h := newHarness(t, fastConfig(), true)
	h.pc.SetICEState(transport.ICEDisconnected)
	h.ctrl.HandleICEStateChange(transport.ICEDisconnected)

	// The transport heals before the grace timer fires.
	h.pc.SetICEState(transport.ICEConnected)
	h.ctrl.HandleICEStateChange(transport.ICEConnected)

	time.Sleep(60 * time.Millisecond)
	if h.restarts.Load() != 0 {
		t.Errorf("restarts = %d, want 0 after self-heal", h.restarts.Load())
	}
}

func TestNonInitiatorSkipsRestartICE(t *testing.T) {
	h := newHarness(t, fastConfig(), false)
	h.pc.SetICEState(transport.ICEDisconnected)
	h.ctrl.HandleICEStateChange(transport.ICEDisconnected)

	time.Sleep(80 * time.Millisecond)
	if h.restarts.Load() != 0 {
		t.Errorf("non-initiator must not restart ICE, got %d", h.restarts.Load())
	}
	if h.rebuilds.Load() == 0 {
		t.Error("expected rebuild instead of ICE restart")
	}
}

func TestOverlappingDisconnectsSuppressed(t *testing.T) {
	h := newHarness(t, fastConfig(), true)
	h.pc.SetICEState(transport.ICEDisconnected)
	h.ctrl.HandleICEStateChange(transport.ICEDisconnected)
	h.ctrl.HandleICEStateChange(transport.ICEDisconnected)
	h.ctrl.HandleICEStateChange(transport.ICEFailed)

	if h.events.count(t, "ice_disconnected_grace_start") != 1 {
		t.Error("overlapping recovery entries must be suppressed")
	}
}

func TestExhaustionSurfacesTerminalFailure(t *testing.T) {
	h := newHarness(t, fastConfig(), true)
	h.pc.SetICEState(transport.ICEDisconnected)
	h.ctrl.HandleICEStateChange(transport.ICEDisconnected)

	select {
	case err := <-h.terminal:
		if err != ErrRecoveryExhausted {
			t.Errorf("terminal error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected terminal failure after exhausting restarts and rebuilds")
	}

	restarts, rebuilds, _ := h.ctrl.Attempts()
	if restarts != 2 {
		t.Errorf("restart attempts = %d, want 2", restarts)
	}
	if rebuilds != 2 {
		t.Errorf("rebuild attempts = %d, want 2", rebuilds)
	}
	if h.events.count(t, "ice_recovery_failed") != 1 {
		t.Error("expected ice_recovery_failed event")
	}
}

func TestRaceProbeTriggersOnce(t *testing.T) {
	h := newHarness(t, fastConfig(), true)
	h.pc.SetICEState(transport.ICEConnected)
	h.pc.SetStats(transport.Stats{SelectedRTTMs: 900, BestRTTMs: 100})

	h.ctrl.StartMonitor()
	time.Sleep(60 * time.Millisecond)

	if h.events.count(t, "race_probe_triggered") != 1 {
		t.Fatalf("expected exactly one race probe, got %d", h.events.count(t, "race_probe_triggered"))
	}
	if h.restarts.Load() != 1 {
		t.Errorf("restarts = %d, want 1", h.restarts.Load())
	}

	// The probe allowance is spent for this connection lifetime.
	h.pc.SetICEState(transport.ICEConnected)
	h.ctrl.HandleICEStateChange(transport.ICEConnected)
	time.Sleep(60 * time.Millisecond)
	if h.events.count(t, "race_probe_triggered") != 1 {
		t.Error("race probe must trigger at most once per connection")
	}
}

func TestRaceProbeIgnoresHealthyPath(t *testing.T) {
	h := newHarness(t, fastConfig(), true)
	h.pc.SetICEState(transport.ICEConnected)
	h.pc.SetStats(transport.Stats{SelectedRTTMs: 700, BestRTTMs: 100})

	h.ctrl.StartMonitor()
	time.Sleep(60 * time.Millisecond)
	if h.events.count(t, "race_probe_triggered") != 0 {
		t.Error("700ms selected RTT is below the high-RTT bar")
	}

	h.pc.SetStats(transport.Stats{SelectedRTTMs: 900, BestRTTMs: 850})
	time.Sleep(60 * time.Millisecond)
	if h.events.count(t, "race_probe_triggered") != 0 {
		t.Error("50ms improvement is below the threshold")
	}
}

func TestCloseCancelsTimers(t *testing.T) {
	h := newHarness(t, fastConfig(), true)
	h.pc.SetICEState(transport.ICEDisconnected)
	h.ctrl.HandleICEStateChange(transport.ICEDisconnected)
	h.ctrl.Close()

	time.Sleep(80 * time.Millisecond)
	if h.restarts.Load() != 0 || h.rebuilds.Load() != 0 {
		t.Error("no recovery action may run after Close")
	}
	h.ctrl.Close() // idempotent
}
