// Package engine implements the per-file transfer protocol on top of a
// single ordered reliable data channel: offer/ready negotiation, chunk
// streaming under backpressure, persistent resume, retransmit service, and
// streaming finalization on the receive side.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Ronifue/peershare/internal/backpressure"
	"github.com/Ronifue/peershare/internal/chunkplan"
	"github.com/Ronifue/peershare/internal/event"
	"github.com/Ronifue/peershare/internal/integrity"
	"github.com/Ronifue/peershare/internal/overrides"
	"github.com/Ronifue/peershare/internal/sink"
	"github.com/Ronifue/peershare/internal/store"
	"github.com/Ronifue/peershare/internal/transport"
)

const (
	// DefaultReceiverReadyTimeout bounds the wait for receiver-ready.
	DefaultReceiverReadyTimeout = 10 * time.Second
	// DefaultAutoResumeMaxWait bounds the outer auto-resume loop.
	DefaultAutoResumeMaxWait = 120 * time.Second
	// DefaultAutoResumePollInterval paces waitForDataChannelReady.
	DefaultAutoResumePollInterval = 200 * time.Millisecond
	// DefaultMemoryGuardThreshold is the file size above which the receive
	// path emits a memory warning.
	DefaultMemoryGuardThreshold = 256 * 1024 * 1024

	// writeQueueDepth bounds the per-file chunk persistence queue.
	writeQueueDepth = 256
)

// TransferStore is the durable session+chunk service the engine persists
// through (§ persistent store interface).
type TransferStore interface {
	PutSession(ctx context.Context, session store.Session) error
	GetSession(ctx context.Context, sessionKey string) (store.Session, error)
	FindOutgoingSessionByFingerprint(ctx context.Context, fingerprint, remotePeerID string) (store.Session, error)
	PutChunk(ctx context.Context, chunk store.Chunk) error
	GetChunk(ctx context.Context, uploadID string, chunkIndex int) (store.Chunk, error)
	GetChunkCount(ctx context.Context, uploadID string) (int, error)
	GetContiguousChunkCount(ctx context.Context, uploadID string, totalChunks int) (int, error)
	DeleteChunksFrom(ctx context.Context, uploadID string, fromChunk int) error
	DeleteUpload(ctx context.Context, uploadID string) error
}

// Config tunes the engine. Zero fields take defaults.
type Config struct {
	ReceiverReadyTimeout   time.Duration
	AutoResumeMaxWait      time.Duration
	AutoResumePollInterval time.Duration
	Backpressure           backpressure.Config
	BaseChunkSize          int
	MemoryGuardThreshold   int64
	// DownloadDir is where the disk sink assembles files; empty means the
	// OS temp dir. Set UseMemorySink to force the in-memory fallback.
	DownloadDir   string
	UseMemorySink bool
	Overrides     overrides.Overrides
}

// DefaultConfig returns the production configuration.
func DefaultConfig() Config {
	return Config{
		ReceiverReadyTimeout:   DefaultReceiverReadyTimeout,
		AutoResumeMaxWait:      DefaultAutoResumeMaxWait,
		AutoResumePollInterval: DefaultAutoResumePollInterval,
		Backpressure:           backpressure.DefaultConfig(),
		BaseChunkSize:          chunkplan.DefaultChunkSize,
		MemoryGuardThreshold:   DefaultMemoryGuardThreshold,
	}
}

func (c Config) withDefaults() Config {
	if c.ReceiverReadyTimeout == 0 {
		c.ReceiverReadyTimeout = DefaultReceiverReadyTimeout
	}
	if c.AutoResumeMaxWait == 0 {
		c.AutoResumeMaxWait = DefaultAutoResumeMaxWait
	}
	if c.AutoResumePollInterval == 0 {
		c.AutoResumePollInterval = DefaultAutoResumePollInterval
	}
	if c.BaseChunkSize == 0 {
		c.BaseChunkSize = chunkplan.DefaultChunkSize
	}
	if c.MemoryGuardThreshold == 0 {
		c.MemoryGuardThreshold = DefaultMemoryGuardThreshold
	}
	// Overrides win over static config.
	if c.Overrides.BackpressureMode != "" {
		c.Backpressure.Mode = c.Overrides.BackpressureMode
	}
	if c.Overrides.MaxBufferedAmount > 0 {
		c.Backpressure.MaxBufferedAmount = c.Overrides.MaxBufferedAmount
	}
	if c.Overrides.LowThreshold > 0 {
		c.Backpressure.LowThreshold = c.Overrides.LowThreshold
	}
	return c
}

// ReceivedFile is handed to the OnFileReceived callback after a successful
// finalize.
type ReceivedFile struct {
	UploadID string
	Metadata FileMetadata
	Result   sink.Result
}

// Progress reports transfer advancement; Percent only moves in whole steps.
type Progress struct {
	UploadID   string
	Name       string
	Bytes      int64
	TotalBytes int64
	Percent    int
}

// Callbacks is the single user-visible callback surface.
type Callbacks struct {
	OnSendProgress func(p Progress)
	OnFileProgress func(p Progress)
	OnFileReceived func(f ReceivedFile)
	OnOffer        func(meta FileMetadata)
	OnError        func(err error)
}

// Engine drives both transfer directions for one peer connection.
type Engine struct {
	cfg       Config
	store     TransferStore
	hasher    integrity.Hasher
	clock     transport.Clock
	log       *logrus.Logger
	emitter   *event.Emitter
	callbacks Callbacks

	mu           sync.Mutex
	ch           transport.DataChannel
	arbiter      *backpressure.Arbiter
	rtt          *chunkplan.Sampler
	remotePeerID string
	closed       bool
	closedCh     chan struct{}

	// Sender state.
	offers   map[string]*outgoingTransfer
	sessions map[string]*runtimeSession

	// Receiver state.
	incoming               map[string]*incomingTransfer
	currentReceivingFileID string
}

// Options collects the engine's collaborators.
type Options struct {
	Store     TransferStore
	Hasher    integrity.Hasher
	Clock     transport.Clock
	Logger    *logrus.Logger
	Emitter   *event.Emitter
	Config    Config
	Callbacks Callbacks
	// Stats feeds the RTT sampler; nil disables RTT adaptation.
	Stats func() (rttMs float64, ok bool)
}

// New builds an engine. Store is required; every other collaborator has a
// production default.
func New(opts Options) *Engine {
	cfg := opts.Config.withDefaults()
	hasher := opts.Hasher
	if hasher == nil {
		hasher = integrity.SHA256Hex
	}
	clock := opts.Clock
	if clock == nil {
		clock = transport.SystemClock{}
	}
	log := opts.Logger
	if log == nil {
		log = logrus.New()
	}
	e := &Engine{
		cfg:       cfg,
		store:     opts.Store,
		hasher:    hasher,
		clock:     clock,
		log:       log,
		emitter:   opts.Emitter,
		callbacks: opts.Callbacks,
		closedCh:  make(chan struct{}),
		offers:    make(map[string]*outgoingTransfer),
		sessions:  make(map[string]*runtimeSession),
		incoming:  make(map[string]*incomingTransfer),
	}
	e.rtt = chunkplan.NewSampler(opts.Stats, clock.Now)
	return e
}

// SetRemotePeerID records the peer the next sessions bind to.
func (e *Engine) SetRemotePeerID(id string) {
	e.mu.Lock()
	e.remotePeerID = id
	e.mu.Unlock()
}

// AttachChannel binds the engine to a (re)opened data channel. Safe to call
// again after a reconnect; in-flight sends observe the swap through the
// readiness checks.
func (e *Engine) AttachChannel(ch transport.DataChannel) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.ch = ch
	e.arbiter = backpressure.New(ch, e.cfg.Backpressure, e.emitter)
	e.mu.Unlock()

	ch.OnMessage(e.handleMessage)
	ch.OnError(func(err error) {
		e.log.Warnf("data channel error: %v", err)
	})
	ch.OnClose(func() {
		e.log.Debugf("data channel %q closed", ch.Label())
	})
}

// Channel returns the currently attached channel, nil before AttachChannel.
func (e *Engine) Channel() transport.DataChannel {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ch
}

func (e *Engine) handleMessage(msg transport.Message) {
	if !msg.IsString {
		e.handleChunkFrame(msg.Data)
		return
	}
	ctl, err := decodeControl(msg.Data)
	if err != nil {
		e.emit("transfer_control_message_parse_error", map[string]any{"error": err.Error()})
		return
	}
	switch ctl.Type {
	case msgFileOffer:
		if ctl.Metadata == nil {
			e.emit("transfer_control_message_parse_error", map[string]any{"error": "file-offer without metadata"})
			return
		}
		e.handleOffer(*ctl.Metadata)
	case msgReceiverReady:
		e.handleReceiverReady(ctl)
	case msgTransferComplete:
		e.handleTransferComplete(ctl)
	case msgRequestRetransmit:
		e.handleRetransmitRequest(ctl)
	case msgTransferError:
		e.handleTransferError(ctl)
	default:
		e.emit("transfer_control_message_parse_error", map[string]any{
			"error": "unknown control message type",
			"type":  ctl.Type,
		})
	}
}

// sendControl marshals and sends one control message on the current channel.
func (e *Engine) sendControl(msg controlMessage) error {
	encoded, err := encodeControl(msg)
	if err != nil {
		return err
	}
	ch := e.Channel()
	if ch == nil || !ch.IsOpen() {
		return newError(CodeDataChannelNotReady, "no open data channel for %s", msg.Type)
	}
	if err := ch.SendText(encoded); err != nil {
		return wrapError(CodeDataChannelSendFailed, err, "sending %s", msg.Type)
	}
	return nil
}

// sendTransferError best-effort reports a fatal per-transfer error to the
// remote side.
func (e *Engine) sendTransferError(fileID string, code Code, message string) {
	err := e.sendControl(controlMessage{
		Type:   msgTransferError,
		FileID: fileID,
		Error:  &WireError{Code: string(code), Message: message},
	})
	if err != nil {
		e.log.Debugf("could not deliver transfer-error %s: %v", code, err)
	}
}

// waitForDataChannelReady polls until the channel is open, the deadline
// passes, or the engine shuts down.
func (e *Engine) waitForDataChannelReady(ctx context.Context, deadline time.Time) error {
	ticker := time.NewTicker(e.cfg.AutoResumePollInterval)
	defer ticker.Stop()
	for {
		if ch := e.Channel(); ch != nil && ch.IsOpen() {
			return nil
		}
		if e.clock.Now().After(deadline) {
			return newError(CodeAutoResumeTimeout, "data channel did not reopen in time")
		}
		select {
		case <-ticker.C:
		case <-e.closedCh:
			return newError(CodeDataChannelNotReady, "engine shut down")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// maxMessageSize reports the effective transport frame limit, 0 unknown.
func (e *Engine) maxMessageSize() int {
	if e.cfg.Overrides.ForceMaxMessageSize > 0 {
		return e.cfg.Overrides.ForceMaxMessageSize
	}
	if ch := e.Channel(); ch != nil {
		return ch.MaxMessageSize()
	}
	return 0
}

// sampleRTT reports the effective RTT sample, negative when unknown.
func (e *Engine) sampleRTT() float64 {
	if e.cfg.Overrides.ForceRTTMs > 0 {
		return e.cfg.Overrides.ForceRTTMs
	}
	return e.rtt.RTT()
}

func (e *Engine) emit(name string, payload map[string]any) {
	e.emitter.Emit(name, payload)
}

func (e *Engine) reportError(err error) {
	if e.callbacks.OnError != nil {
		e.callbacks.OnError(err)
	}
}

// Disconnect tears down runtime state: pending waits are released, write
// queues closed, and maps cleared. Idempotent; the persistent store is left
// intact so interrupted transfers stay resumable.
func (e *Engine) Disconnect() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	close(e.closedCh)
	ch := e.ch
	e.ch = nil
	incoming := e.incoming
	e.incoming = make(map[string]*incomingTransfer)
	e.offers = make(map[string]*outgoingTransfer)
	e.sessions = make(map[string]*runtimeSession)
	e.currentReceivingFileID = ""
	e.mu.Unlock()

	for _, it := range incoming {
		it.closeQueue()
	}
	if ch != nil {
		ch.OnMessage(nil)
		ch.OnClose(nil)
		ch.OnError(nil)
		_ = ch.Close()
	}
}
