// Package recovery heals a degraded peer connection in tiers: a grace
// window for self-healing, then ICE restarts, then full rebuilds under
// exponential backoff. A monitor goroutine additionally race-probes
// pathologically slow selected paths.
package recovery

import (
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Ronifue/peershare/internal/event"
	"github.com/Ronifue/peershare/internal/transport"
)

const (
	DefaultGracePeriod          = 8000 * time.Millisecond
	DefaultMaxRestartICE        = 2
	DefaultMaxRebuilds          = 3
	DefaultBackoffBase          = 2000 * time.Millisecond
	DefaultMaxBackoff           = 15000 * time.Millisecond
	DefaultRecoveryGracePeriod  = 5000 * time.Millisecond
	DefaultMonitorInterval      = 5000 * time.Millisecond
	DefaultHighRTTMs            = 800.0
	DefaultImprovementThreshold = 120.0
	DefaultMaxProbeAttempts     = 1
)

// ErrRecoveryExhausted is surfaced when every rebuild attempt failed.
var ErrRecoveryExhausted = errors.New("connection recovery exhausted")

// Config tunes the controller. Zero fields take defaults.
type Config struct {
	GracePeriod          time.Duration
	MaxRestartICE        int
	MaxRebuilds          int
	BackoffBase          time.Duration
	MaxBackoff           time.Duration
	RecoveryGracePeriod  time.Duration
	MonitorInterval      time.Duration
	HighRTTMs            float64
	ImprovementThreshold float64
	MaxProbeAttempts     int
}

// DefaultConfig returns the production tiers.
func DefaultConfig() Config {
	return Config{
		GracePeriod:          DefaultGracePeriod,
		MaxRestartICE:        DefaultMaxRestartICE,
		MaxRebuilds:          DefaultMaxRebuilds,
		BackoffBase:          DefaultBackoffBase,
		MaxBackoff:           DefaultMaxBackoff,
		RecoveryGracePeriod:  DefaultRecoveryGracePeriod,
		MonitorInterval:      DefaultMonitorInterval,
		HighRTTMs:            DefaultHighRTTMs,
		ImprovementThreshold: DefaultImprovementThreshold,
		MaxProbeAttempts:     DefaultMaxProbeAttempts,
	}
}

func (c Config) withDefaults() Config {
	if c.GracePeriod == 0 {
		c.GracePeriod = DefaultGracePeriod
	}
	if c.MaxRestartICE == 0 {
		c.MaxRestartICE = DefaultMaxRestartICE
	}
	if c.MaxRebuilds == 0 {
		c.MaxRebuilds = DefaultMaxRebuilds
	}
	if c.BackoffBase == 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	if c.RecoveryGracePeriod == 0 {
		c.RecoveryGracePeriod = DefaultRecoveryGracePeriod
	}
	if c.MonitorInterval == 0 {
		c.MonitorInterval = DefaultMonitorInterval
	}
	if c.HighRTTMs == 0 {
		c.HighRTTMs = DefaultHighRTTMs
	}
	if c.ImprovementThreshold == 0 {
		c.ImprovementThreshold = DefaultImprovementThreshold
	}
	if c.MaxProbeAttempts == 0 {
		c.MaxProbeAttempts = DefaultMaxProbeAttempts
	}
	return c
}

// Ops are the transport-level actions the controller drives. RestartICE must
// renegotiate explicitly (new offer over signalling); Rebuild must fully
// re-initialize the peer connection and, on the initiator, recreate the data
// channel and offer.
type Ops struct {
	RestartICE        func() error
	Rebuild           func() error
	Connection        func() transport.PeerConnection
	OnTerminalFailure func(err error)
}

// Controller is the per-connection recovery state machine. Every entry point
// checks the in-progress latch, so attempts never overlap.
type Controller struct {
	cfg     Config
	ops     Ops
	log     *logrus.Logger
	emitter *event.Emitter

	mu              sync.Mutex
	isInitiator     bool
	inProgress      bool
	restartAttempts int
	rebuildAttempts int
	probeAttempts   int
	bestRTT         float64

	graceTimer    *time.Timer
	watchdogTimer *time.Timer
	rebuildTimer  *time.Timer
	resetTimer    *time.Timer

	monitorStop chan struct{}
	closed      bool
}

// New builds a controller.
func New(cfg Config, ops Ops, log *logrus.Logger, emitter *event.Emitter) *Controller {
	if log == nil {
		log = logrus.New()
	}
	return &Controller{
		cfg:     cfg.withDefaults(),
		ops:     ops,
		log:     log,
		emitter: emitter,
		bestRTT: -1,
	}
}

// SetInitiator marks this endpoint as the one driving ICE restarts.
func (c *Controller) SetInitiator(v bool) {
	c.mu.Lock()
	c.isInitiator = v
	c.mu.Unlock()
}

// SetOps rebinds the transport actions. Used when the controller must exist
// before the driver that implements them.
func (c *Controller) SetOps(ops Ops) {
	c.mu.Lock()
	c.ops = ops
	c.mu.Unlock()
}

func (c *Controller) getOps() Ops {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ops
}

// InProgress reports whether a recovery attempt is underway.
func (c *Controller) InProgress() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inProgress
}

// Attempts reports the counters, for observability and tests.
func (c *Controller) Attempts() (restarts, rebuilds, probes int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.restartAttempts, c.rebuildAttempts, c.probeAttempts
}

// HandleICEStateChange feeds transport state transitions into the machine.
func (c *Controller) HandleICEStateChange(state transport.ICEState) {
	switch state {
	case transport.ICEDisconnected, transport.ICEFailed:
		c.onDisconnected(state)
	case transport.ICEConnected, transport.ICECompleted:
		c.onConnected()
	}
}

func (c *Controller) onDisconnected(state transport.ICEState) {
	c.mu.Lock()
	if c.closed || c.inProgress {
		c.mu.Unlock()
		return
	}
	c.inProgress = true
	c.stopTimerLocked(&c.resetTimer)
	c.graceTimer = time.AfterFunc(c.cfg.GracePeriod, c.afterGrace)
	c.mu.Unlock()

	c.emitter.Emit("ice_disconnected_grace_start", map[string]any{
		"state":         string(state),
		"gracePeriodMs": c.cfg.GracePeriod.Milliseconds(),
	})
}

func (c *Controller) afterGrace() {
	if c.connected() {
		// The transport healed itself inside the grace window.
		c.onConnected()
		return
	}
	c.advance()
}

// advance picks the next recovery tier.
func (c *Controller) advance() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	var conn transport.PeerConnection
	if c.ops.Connection != nil {
		conn = c.ops.Connection()
	}
	canRestart := c.isInitiator &&
		c.restartAttempts < c.cfg.MaxRestartICE &&
		conn != nil && !conn.Closed() && conn.SupportsICERestart()
	if canRestart {
		c.restartAttempts++
		attempt := c.restartAttempts
		restart := c.ops.RestartICE
		c.watchdogTimer = time.AfterFunc(c.cfg.GracePeriod, c.afterWatchdog)
		c.mu.Unlock()

		c.emitter.Emit("ice_restart_attempt", map[string]any{"attempt": attempt})
		if err := restart(); err != nil {
			c.log.Warnf("ICE restart failed: %v", err)
		}
		return
	}

	if c.rebuildAttempts >= c.cfg.MaxRebuilds {
		c.inProgress = false
		terminal := c.ops.OnTerminalFailure
		c.mu.Unlock()
		c.emitter.Emit("ice_recovery_failed", map[string]any{
			"restartAttempts": c.cfg.MaxRestartICE,
			"rebuildAttempts": c.cfg.MaxRebuilds,
		})
		if terminal != nil {
			terminal(ErrRecoveryExhausted)
		}
		return
	}

	c.rebuildAttempts++
	attempt := c.rebuildAttempts
	delay := c.cfg.BackoffBase << (attempt - 1)
	if delay > c.cfg.MaxBackoff {
		delay = c.cfg.MaxBackoff
	}
	c.rebuildTimer = time.AfterFunc(delay, c.runRebuild)
	c.mu.Unlock()

	c.emitter.Emit("ice_rebuild_scheduled", map[string]any{
		"attempt":   attempt,
		"backoffMs": delay.Milliseconds(),
	})
}

func (c *Controller) runRebuild() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	attempt := c.rebuildAttempts
	rebuild := c.ops.Rebuild
	c.watchdogTimer = time.AfterFunc(c.cfg.GracePeriod, c.afterWatchdog)
	c.mu.Unlock()

	c.emitter.Emit("ice_rebuild_attempt", map[string]any{"attempt": attempt})
	if err := rebuild(); err != nil {
		c.log.Warnf("connection rebuild failed: %v", err)
	}
}

func (c *Controller) afterWatchdog() {
	if c.connected() {
		// Some transports recover without a state transition (a race probe
		// restart on an already-connected pair); settle the latch here.
		c.onConnected()
		return
	}
	c.advance()
}

func (c *Controller) onConnected() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.stopTimerLocked(&c.graceTimer)
	c.stopTimerLocked(&c.watchdogTimer)
	c.stopTimerLocked(&c.rebuildTimer)

	if !c.inProgress {
		// An unmediated connect resets counters immediately.
		c.restartAttempts = 0
		c.rebuildAttempts = 0
		c.mu.Unlock()
		return
	}
	c.inProgress = false
	// Counters reset only if the connection holds through the recovery
	// grace window.
	c.stopTimerLocked(&c.resetTimer)
	c.resetTimer = time.AfterFunc(c.cfg.RecoveryGracePeriod, func() {
		if !c.connected() {
			return
		}
		c.mu.Lock()
		c.restartAttempts = 0
		c.rebuildAttempts = 0
		c.mu.Unlock()
	})
	c.mu.Unlock()

	c.emitter.Emit("ice_connected_after_recovery", nil)
}

// StartMonitor begins the race-probe loop. Only meaningful on the initiator.
func (c *Controller) StartMonitor() {
	c.mu.Lock()
	if c.closed || c.monitorStop != nil {
		c.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	c.monitorStop = stop
	c.mu.Unlock()

	go func() {
		ticker := time.NewTicker(c.cfg.MonitorInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.probe()
			case <-stop:
				return
			}
		}
	}()
}

// probe compares the selected pair's RTT against the best pair in the same
// stats snapshot and triggers a controlled ICE restart when a materially
// better path exists.
func (c *Controller) probe() {
	c.mu.Lock()
	if c.closed || c.inProgress || !c.isInitiator || c.ops.Connection == nil {
		c.mu.Unlock()
		return
	}
	conn := c.ops.Connection()
	c.mu.Unlock()
	if conn == nil || conn.Closed() {
		return
	}
	state := conn.ICEConnectionState()
	if state != transport.ICEConnected && state != transport.ICECompleted {
		return
	}
	stats, err := conn.GetStats()
	if err != nil || stats.SelectedRTTMs < 0 {
		return
	}

	c.mu.Lock()
	c.bestRTT = stats.BestRTTMs
	best := c.bestRTT
	trigger := best >= 0 &&
		stats.SelectedRTTMs >= c.cfg.HighRTTMs &&
		stats.SelectedRTTMs-best >= c.cfg.ImprovementThreshold &&
		c.probeAttempts < c.cfg.MaxProbeAttempts
	if !trigger {
		c.mu.Unlock()
		return
	}
	c.probeAttempts++
	c.inProgress = true
	c.restartAttempts++
	restart := c.ops.RestartICE
	c.watchdogTimer = time.AfterFunc(c.cfg.GracePeriod, c.afterWatchdog)
	c.mu.Unlock()

	c.emitter.Emit("race_probe_triggered", map[string]any{
		"selectedRttMs": stats.SelectedRTTMs,
		"bestRttMs":     best,
	})
	if err := restart(); err != nil {
		c.log.Warnf("race-probe ICE restart failed: %v", err)
	}
}

func (c *Controller) connected() bool {
	ops := c.getOps()
	if ops.Connection == nil {
		return false
	}
	conn := ops.Connection()
	if conn == nil || conn.Closed() {
		return false
	}
	state := conn.ICEConnectionState()
	return state == transport.ICEConnected || state == transport.ICECompleted
}

func (c *Controller) stopTimerLocked(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

// Close cancels every outstanding timer and stops the monitor. Idempotent.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.stopTimerLocked(&c.graceTimer)
	c.stopTimerLocked(&c.watchdogTimer)
	c.stopTimerLocked(&c.rebuildTimer)
	c.stopTimerLocked(&c.resetTimer)
	stop := c.monitorStop
	c.monitorStop = nil
	c.mu.Unlock()
	if stop != nil {
		close(stop)
	}
}
