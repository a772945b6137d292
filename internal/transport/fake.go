package transport

import (
	"errors"
	"fmt"
	"sync"
)

// ErrChannelClosed is returned by Send on a closed fake channel.
var ErrChannelClosed = errors.New("data channel is closed")

// FakeChannel is an in-memory DataChannel. Two of them form a pair: frames
// sent on one are delivered, in order, on a dedicated goroutine of the other.
// The outbound buffer is simulated: Send grows BufferedAmount and delivery at
// the far end shrinks it, unless manual drain is enabled.
type FakeChannel struct {
	mu   sync.Mutex
	cond *sync.Cond

	label  string
	peer   *FakeChannel
	open   bool
	closed bool

	buffered       uint64
	lowThreshold   uint64
	maxMessageSize int
	manualDrain    bool

	queue []Message

	onOpen    func()
	onMessage func(Message)
	onClose   func()
	onError   func(error)
	onLow     func()

	sendErr       error
	failNextSends int
	dropFrame     func(Message) bool
}

// NewFakeChannelPair returns two connected open channels.
func NewFakeChannelPair(label string) (*FakeChannel, *FakeChannel) {
	a := newFakeChannel(label)
	b := newFakeChannel(label)
	a.peer = b
	b.peer = a
	go a.pump()
	go b.pump()
	return a, b
}

func newFakeChannel(label string) *FakeChannel {
	c := &FakeChannel{label: label, open: true}
	c.cond = sync.NewCond(&c.mu)
	return c
}

func (c *FakeChannel) Label() string { return c.label }

func (c *FakeChannel) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open && !c.closed
}

func (c *FakeChannel) Send(data []byte) error {
	return c.send(Message{Data: append([]byte(nil), data...)})
}

func (c *FakeChannel) SendText(text string) error {
	return c.send(Message{Data: []byte(text), IsString: true})
}

func (c *FakeChannel) send(msg Message) error {
	c.mu.Lock()
	if c.closed || !c.open {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	if c.sendErr != nil {
		err := c.sendErr
		c.mu.Unlock()
		return err
	}
	if c.failNextSends > 0 {
		c.failNextSends--
		c.mu.Unlock()
		return fmt.Errorf("send failed: simulated transport error")
	}
	if c.maxMessageSize > 0 && len(msg.Data) > c.maxMessageSize {
		c.mu.Unlock()
		return fmt.Errorf("message of size %d exceeds limit %d", len(msg.Data), c.maxMessageSize)
	}
	c.buffered += uint64(len(msg.Data))
	peer := c.peer
	drop := c.dropFrame != nil && c.dropFrame(msg)
	c.mu.Unlock()

	if drop {
		// The bytes still left our buffer.
		c.release(uint64(len(msg.Data)))
		return nil
	}
	peer.enqueue(msg, c)
	return nil
}

func (c *FakeChannel) enqueue(msg Message, _ *FakeChannel) {
	c.mu.Lock()
	c.queue = append(c.queue, msg)
	c.cond.Broadcast()
	c.mu.Unlock()
}

func (c *FakeChannel) pump() {
	for {
		c.mu.Lock()
		for !c.closed && (len(c.queue) == 0 || c.onMessage == nil) {
			c.cond.Wait()
		}
		if c.closed {
			c.mu.Unlock()
			return
		}
		msg := c.queue[0]
		c.queue = c.queue[1:]
		handler := c.onMessage
		peer := c.peer
		c.mu.Unlock()

		handler(msg)
		peer.release(uint64(len(msg.Data)))
	}
}

// release drains n bytes from the outbound buffer and fires the low-buffer
// callback when the threshold is crossed.
func (c *FakeChannel) release(n uint64) {
	c.mu.Lock()
	if c.manualDrain {
		c.mu.Unlock()
		return
	}
	if n > c.buffered {
		n = c.buffered
	}
	c.buffered -= n
	low := c.onLow
	fire := low != nil && c.buffered <= c.lowThreshold
	c.mu.Unlock()
	if fire {
		low()
	}
}

func (c *FakeChannel) BufferedAmount() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buffered
}

func (c *FakeChannel) SetBufferedAmountLowThreshold(threshold uint64) {
	c.mu.Lock()
	c.lowThreshold = threshold
	c.mu.Unlock()
}

func (c *FakeChannel) OnBufferedAmountLow(f func()) {
	c.mu.Lock()
	c.onLow = f
	c.mu.Unlock()
}

func (c *FakeChannel) OnOpen(f func()) {
	c.mu.Lock()
	c.onOpen = f
	alreadyOpen := c.open && !c.closed
	c.mu.Unlock()
	if alreadyOpen && f != nil {
		go f()
	}
}

func (c *FakeChannel) OnMessage(f func(Message)) {
	c.mu.Lock()
	c.onMessage = f
	c.cond.Broadcast()
	c.mu.Unlock()
}

func (c *FakeChannel) OnClose(f func()) {
	c.mu.Lock()
	c.onClose = f
	c.mu.Unlock()
}

func (c *FakeChannel) OnError(f func(error)) {
	c.mu.Lock()
	c.onError = f
	c.mu.Unlock()
}

func (c *FakeChannel) MaxMessageSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxMessageSize
}

func (c *FakeChannel) Close() error {
	c.closeLocal()
	if c.peer != nil {
		c.peer.closeLocal()
	}
	return nil
}

func (c *FakeChannel) closeLocal() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.open = false
	onClose := c.onClose
	c.cond.Broadcast()
	c.mu.Unlock()
	if onClose != nil {
		onClose()
	}
}

// Test hooks.

// SetMaxMessageSize sets the reported transport frame limit.
func (c *FakeChannel) SetMaxMessageSize(n int) {
	c.mu.Lock()
	c.maxMessageSize = n
	c.mu.Unlock()
}

// SetSendError forces every Send to fail with err until cleared with nil.
func (c *FakeChannel) SetSendError(err error) {
	c.mu.Lock()
	c.sendErr = err
	c.mu.Unlock()
}

// FailNextSends makes the next n Send calls fail.
func (c *FakeChannel) FailNextSends(n int) {
	c.mu.Lock()
	c.failNextSends = n
	c.mu.Unlock()
}

// SetDropFrame installs a predicate; frames it matches are silently dropped
// instead of delivered.
func (c *FakeChannel) SetDropFrame(f func(Message) bool) {
	c.mu.Lock()
	c.dropFrame = f
	c.mu.Unlock()
}

// SetManualDrain stops automatic buffer draining; tests drive it via Drain.
func (c *FakeChannel) SetManualDrain(v bool) {
	c.mu.Lock()
	c.manualDrain = v
	c.mu.Unlock()
}

// Drain removes n bytes from the outbound buffer and fires the low-buffer
// callback when the threshold is crossed, regardless of drain mode.
func (c *FakeChannel) Drain(n uint64) {
	c.mu.Lock()
	if n > c.buffered {
		n = c.buffered
	}
	c.buffered -= n
	low := c.onLow
	fire := low != nil && c.buffered <= c.lowThreshold
	c.mu.Unlock()
	if fire {
		low()
	}
}

// AddBuffered grows the simulated outbound buffer without sending.
func (c *FakeChannel) AddBuffered(n uint64) {
	c.mu.Lock()
	c.buffered += n
	c.mu.Unlock()
}

var _ DataChannel = (*FakeChannel)(nil)

// FakePeerConnection is an in-memory PeerConnection for recovery and
// signalling tests. It records descriptions and candidates and lets tests
// drive ICE state transitions.
type FakePeerConnection struct {
	mu sync.Mutex

	iceState   ICEState
	onICEState func(ICEState)
	onDC       func(DataChannel)
	onCand     func(string)

	localDesc  SessionDescription
	remoteDesc SessionDescription
	candidates []string

	stats           Stats
	statsErr        error
	supportsRestart bool
	closed          bool
	lastRemoteEnd   *FakeChannel

	OfferCount   int
	RestartCount int
	CreateErr    error
}

// NewFakePeerConnection returns a connection in the "new" ICE state with ICE
// restart support enabled.
func NewFakePeerConnection() *FakePeerConnection {
	return &FakePeerConnection{
		iceState:        ICENew,
		supportsRestart: true,
		stats:           Stats{SelectedRTTMs: -1, BestRTTMs: -1},
	}
}

func (p *FakePeerConnection) CreateDataChannel(label string) (DataChannel, error) {
	local, remote := NewFakeChannelPair(label)
	p.mu.Lock()
	p.lastRemoteEnd = remote
	p.mu.Unlock()
	return local, nil
}

// RemoteEnd returns the far side of the most recently created channel, for
// tests that need to hand it to a peer fake.
func (p *FakePeerConnection) RemoteEnd() *FakeChannel {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastRemoteEnd
}

func (p *FakePeerConnection) OnDataChannel(f func(DataChannel)) {
	p.mu.Lock()
	p.onDC = f
	p.mu.Unlock()
}

// DeliverDataChannel simulates a remotely-created channel arriving.
func (p *FakePeerConnection) DeliverDataChannel(dc DataChannel) {
	p.mu.Lock()
	f := p.onDC
	p.mu.Unlock()
	if f != nil {
		f(dc)
	}
}

func (p *FakePeerConnection) CreateOffer(iceRestart bool) (SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.CreateErr != nil {
		return SessionDescription{}, p.CreateErr
	}
	p.OfferCount++
	if iceRestart {
		p.RestartCount++
	}
	return SessionDescription{Type: "offer", SDP: fmt.Sprintf("offer-%d", p.OfferCount)}, nil
}

func (p *FakePeerConnection) CreateAnswer() (SessionDescription, error) {
	return SessionDescription{Type: "answer", SDP: "answer"}, nil
}

func (p *FakePeerConnection) SetLocalDescription(desc SessionDescription) error {
	p.mu.Lock()
	p.localDesc = desc
	p.mu.Unlock()
	return nil
}

func (p *FakePeerConnection) SetRemoteDescription(desc SessionDescription) error {
	p.mu.Lock()
	p.remoteDesc = desc
	p.mu.Unlock()
	return nil
}

// RemoteDescription reports whether a remote description has been applied and
// its value.
func (p *FakePeerConnection) RemoteDescription() (SessionDescription, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remoteDesc, p.remoteDesc.Type != ""
}

func (p *FakePeerConnection) AddICECandidate(candidate string) error {
	p.mu.Lock()
	p.candidates = append(p.candidates, candidate)
	p.mu.Unlock()
	return nil
}

// Candidates returns every candidate added so far.
func (p *FakePeerConnection) Candidates() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.candidates...)
}

func (p *FakePeerConnection) OnICECandidate(f func(string)) {
	p.mu.Lock()
	p.onCand = f
	p.mu.Unlock()
}

// EmitCandidate fires the local candidate callback.
func (p *FakePeerConnection) EmitCandidate(candidate string) {
	p.mu.Lock()
	f := p.onCand
	p.mu.Unlock()
	if f != nil {
		f(candidate)
	}
}

func (p *FakePeerConnection) OnICEConnectionStateChange(f func(ICEState)) {
	p.mu.Lock()
	p.onICEState = f
	p.mu.Unlock()
}

func (p *FakePeerConnection) ICEConnectionState() ICEState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.iceState
}

// SetICEState transitions the fake and fires the state-change callback.
func (p *FakePeerConnection) SetICEState(state ICEState) {
	p.mu.Lock()
	p.iceState = state
	f := p.onICEState
	p.mu.Unlock()
	if f != nil {
		f(state)
	}
}

func (p *FakePeerConnection) SupportsICERestart() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.supportsRestart
}

// SetSupportsICERestart toggles restart support.
func (p *FakePeerConnection) SetSupportsICERestart(v bool) {
	p.mu.Lock()
	p.supportsRestart = v
	p.mu.Unlock()
}

func (p *FakePeerConnection) GetStats() (Stats, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats, p.statsErr
}

// SetStats installs the snapshot GetStats returns.
func (p *FakePeerConnection) SetStats(stats Stats) {
	p.mu.Lock()
	p.stats = stats
	p.mu.Unlock()
}

func (p *FakePeerConnection) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *FakePeerConnection) Close() error {
	p.mu.Lock()
	p.closed = true
	p.iceState = ICEClosed
	p.mu.Unlock()
	return nil
}

var _ PeerConnection = (*FakePeerConnection)(nil)
