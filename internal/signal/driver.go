package signal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Ronifue/peershare/internal/engine"
	"github.com/Ronifue/peershare/internal/event"
	"github.com/Ronifue/peershare/internal/recovery"
	"github.com/Ronifue/peershare/internal/transport"
)

// renegotiateDelay is the pause restartICE takes before it sends the explicit
// ICE-restart offer; this codebase never relies on a renegotiation-needed event.
const renegotiateDelay = 100 * time.Millisecond

// maxScanTokenSize bounds one signalling line.
const maxScanTokenSize = 1024 * 1024

// Options wires a Driver to its collaborators.
type Options struct {
	RoomID string
	// NewPeerConnection builds a fresh transport for connect and rebuild.
	NewPeerConnection func() (transport.PeerConnection, error)
	Engine            *engine.Engine
	Recovery          *recovery.Controller
	Logger            *logrus.Logger
	Emitter           *event.Emitter
	// OnChannelOpen fires when a data channel is up and attached.
	OnChannelOpen func()
	// OnChannelClosed fires on terminal recovery failure.
	OnChannelClosed func(err error)
	// OnPeerJoined / OnPeerLeft observe room membership.
	OnPeerJoined func(peerID string)
	OnPeerLeft   func(peerID string)
}

// Driver owns one rendezvous connection and the peer connection it
// negotiates.
type Driver struct {
	opts Options
	log  *logrus.Logger

	conn net.Conn
	wmu  sync.Mutex

	mu                sync.Mutex
	pcMu              sync.Mutex
	pc                transport.PeerConnection
	dc                transport.DataChannel
	peerID            string
	remotePeerID      string
	isCreator         bool
	registered        chan struct{}
	registeredOnce    sync.Once
	regFailed         chan error
	remoteDescSet     bool
	pendingCandidates []string

	done   chan struct{}
	closed bool
}

// Dial connects to the rendezvous relay and registers into a room. It
// returns once the relay has assigned a peer id and role.
func Dial(addr string, opts Options) (*Driver, error) {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dialing rendezvous %s: %w", addr, err)
	}
	d := &Driver{
		opts:       opts,
		log:        opts.Logger,
		conn:       conn,
		registered: make(chan struct{}),
		regFailed:  make(chan error, 1),
		done:       make(chan struct{}),
	}
	if opts.Recovery != nil {
		opts.Recovery.SetOps(recovery.Ops{
			RestartICE:        d.restartICE,
			Rebuild:           d.rebuild,
			Connection:        d.peerConnection,
			OnTerminalFailure: d.onTerminalFailure,
		})
	}

	go d.readLoop()

	if err := d.write(Envelope{Type: TypeRegister, RoomID: opts.RoomID}); err != nil {
		_ = conn.Close()
		return nil, err
	}
	select {
	case <-d.registered:
	case err := <-d.regFailed:
		_ = conn.Close()
		return nil, fmt.Errorf("rendezvous rejected registration: %w", err)
	case <-time.After(10 * time.Second):
		_ = conn.Close()
		return nil, fmt.Errorf("rendezvous did not confirm registration")
	case <-d.done:
		return nil, fmt.Errorf("rendezvous connection closed during registration")
	}
	return d, nil
}

// PeerID returns the relay-assigned id.
func (d *Driver) PeerID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.peerID
}

// IsCreator reports whether this endpoint created the room.
func (d *Driver) IsCreator() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.isCreator
}

func (d *Driver) peerConnection() transport.PeerConnection {
	d.pcMu.Lock()
	defer d.pcMu.Unlock()
	return d.pc
}

func (d *Driver) write(env Envelope) error {
	env.Timestamp = time.Now().UnixMilli()
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding signalling message: %w", err)
	}
	d.wmu.Lock()
	defer d.wmu.Unlock()
	if _, err := d.conn.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing signalling message: %w", err)
	}
	return nil
}

func (d *Driver) readLoop() {
	defer close(d.done)
	sc := bufio.NewScanner(d.conn)
	sc.Buffer(make([]byte, 64*1024), maxScanTokenSize)
	for sc.Scan() {
		var env Envelope
		if err := json.Unmarshal(sc.Bytes(), &env); err != nil {
			d.log.Warnf("unparseable signalling line: %v", err)
			continue
		}
		d.handle(env)
	}
}

func (d *Driver) handle(env Envelope) {
	switch env.Type {
	case TypeRegister:
		var payload RegisterPayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			d.log.Warnf("bad register payload: %v", err)
			return
		}
		d.mu.Lock()
		d.peerID = payload.PeerID
		d.isCreator = payload.IsCreator
		d.mu.Unlock()
		if d.opts.Recovery != nil {
			d.opts.Recovery.SetInitiator(payload.IsCreator)
		}
		d.registeredOnce.Do(func() { close(d.registered) })
		d.log.Infof("registered in room %s as %s (creator=%v)", d.opts.RoomID, payload.PeerID, payload.IsCreator)

	case TypePeerJoined:
		d.mu.Lock()
		d.remotePeerID = env.PeerID
		creator := d.isCreator
		d.mu.Unlock()
		if d.opts.Engine != nil {
			d.opts.Engine.SetRemotePeerID(env.PeerID)
		}
		if d.opts.OnPeerJoined != nil {
			d.opts.OnPeerJoined(env.PeerID)
		}
		// The creator drives the first offer.
		if creator {
			if err := d.initConnection(); err != nil {
				d.log.Errorf("initializing peer connection: %v", err)
			}
		}

	case TypePeerLeft:
		d.log.Infof("peer %s left the room", env.PeerID)
		if d.opts.OnPeerLeft != nil {
			d.opts.OnPeerLeft(env.PeerID)
		}

	case TypeOffer:
		d.handleOffer(env)

	case TypeAnswer:
		d.handleAnswer(env)

	case TypeICECandidate:
		d.handleCandidate(env)

	case TypeError:
		var payload ErrorPayload
		_ = json.Unmarshal(env.Payload, &payload)
		d.log.Errorf("rendezvous error: %s", payload.Message)
		select {
		case d.regFailed <- fmt.Errorf("%s", payload.Message):
		default:
		}

	default:
		d.log.Debugf("ignoring signalling message type %q", env.Type)
	}
}

// initConnection builds a fresh peer connection; on the creator it also
// creates the data channel and emits the offer.
func (d *Driver) initConnection() error {
	pc, err := d.opts.NewPeerConnection()
	if err != nil {
		return err
	}
	d.installConnection(pc)

	d.mu.Lock()
	creator := d.isCreator
	d.mu.Unlock()
	if creator {
		dc, err := pc.CreateDataChannel("data")
		if err != nil {
			return fmt.Errorf("creating data channel: %w", err)
		}
		d.attachChannel(dc)
		return d.sendOffer(false)
	}
	return nil
}

func (d *Driver) installConnection(pc transport.PeerConnection) {
	d.pcMu.Lock()
	old := d.pc
	d.pc = pc
	// Keep any candidates that raced ahead of the SDP; they belong to the
	// session being negotiated and flush once the remote description lands.
	d.remoteDescSet = false
	d.pcMu.Unlock()
	if old != nil {
		_ = old.Close()
	}

	pc.OnICECandidate(func(candidate string) {
		if candidate == "" {
			return
		}
		err := d.write(Envelope{
			Type:     TypeICECandidate,
			RoomID:   d.opts.RoomID,
			PeerID:   d.PeerID(),
			TargetID: d.remotePeer(),
			Payload:  mustMarshal(CandidatePayload{Candidate: candidate}),
		})
		if err != nil {
			d.log.Warnf("relaying ICE candidate: %v", err)
		}
	})
	pc.OnICEConnectionStateChange(func(state transport.ICEState) {
		d.log.Debugf("ICE connection state: %s", state)
		if d.opts.Recovery != nil {
			d.opts.Recovery.HandleICEStateChange(state)
		}
	})
	pc.OnDataChannel(func(dc transport.DataChannel) {
		d.attachChannel(dc)
	})
}

func (d *Driver) attachChannel(dc transport.DataChannel) {
	d.pcMu.Lock()
	d.dc = dc
	d.pcMu.Unlock()
	if d.opts.Engine != nil {
		d.opts.Engine.AttachChannel(dc)
	}
	dc.OnOpen(func() {
		d.log.Infof("data channel %q open", dc.Label())
		if d.opts.Recovery != nil && d.IsCreator() {
			d.opts.Recovery.StartMonitor()
		}
		if d.opts.OnChannelOpen != nil {
			d.opts.OnChannelOpen()
		}
	})
}

func (d *Driver) sendOffer(iceRestart bool) error {
	pc := d.peerConnection()
	if pc == nil {
		return fmt.Errorf("no peer connection to offer on")
	}
	offer, err := pc.CreateOffer(iceRestart)
	if err != nil {
		return fmt.Errorf("creating offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("applying local offer: %w", err)
	}
	return d.write(Envelope{
		Type:     TypeOffer,
		RoomID:   d.opts.RoomID,
		PeerID:   d.PeerID(),
		TargetID: d.remotePeer(),
		Payload:  mustMarshal(DescriptionPayload{Type: offer.Type, SDP: offer.SDP}),
	})
}

func (d *Driver) handleOffer(env Envelope) {
	var payload DescriptionPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		d.log.Warnf("bad offer payload: %v", err)
		return
	}
	d.mu.Lock()
	d.remotePeerID = env.PeerID
	d.mu.Unlock()
	if d.opts.Engine != nil {
		d.opts.Engine.SetRemotePeerID(env.PeerID)
	}

	// The joiner builds its connection lazily, on the first offer. Re-offers
	// after a rebuild land here too and get a fresh connection.
	pc := d.peerConnection()
	if pc == nil || pc.Closed() {
		if err := d.initConnection(); err != nil {
			d.log.Errorf("initializing peer connection for offer: %v", err)
			return
		}
		pc = d.peerConnection()
	}

	if err := pc.SetRemoteDescription(transport.SessionDescription{Type: payload.Type, SDP: payload.SDP}); err != nil {
		d.log.Errorf("applying remote offer: %v", err)
		return
	}
	d.flushCandidates(pc)

	answer, err := pc.CreateAnswer()
	if err != nil {
		d.log.Errorf("creating answer: %v", err)
		return
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		d.log.Errorf("applying local answer: %v", err)
		return
	}
	err = d.write(Envelope{
		Type:     TypeAnswer,
		RoomID:   d.opts.RoomID,
		PeerID:   d.PeerID(),
		TargetID: env.PeerID,
		Payload:  mustMarshal(DescriptionPayload{Type: answer.Type, SDP: answer.SDP}),
	})
	if err != nil {
		d.log.Errorf("relaying answer: %v", err)
	}
}

func (d *Driver) handleAnswer(env Envelope) {
	var payload DescriptionPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		d.log.Warnf("bad answer payload: %v", err)
		return
	}
	pc := d.peerConnection()
	if pc == nil {
		d.log.Warnf("answer with no local peer connection")
		return
	}
	if err := pc.SetRemoteDescription(transport.SessionDescription{Type: payload.Type, SDP: payload.SDP}); err != nil {
		d.log.Errorf("applying remote answer: %v", err)
		return
	}
	d.flushCandidates(pc)
}

func (d *Driver) handleCandidate(env Envelope) {
	var payload CandidatePayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		d.log.Warnf("bad candidate payload: %v", err)
		return
	}
	d.pcMu.Lock()
	pc := d.pc
	ready := d.remoteDescSet
	if !ready {
		// Candidates may race the SDP through the relay; hold them until
		// the remote description lands.
		d.pendingCandidates = append(d.pendingCandidates, payload.Candidate)
		d.pcMu.Unlock()
		return
	}
	d.pcMu.Unlock()
	if pc == nil {
		return
	}
	if err := pc.AddICECandidate(payload.Candidate); err != nil {
		d.log.Warnf("adding ICE candidate: %v", err)
	}
}

// flushCandidates marks the remote description set and applies buffered
// candidates in arrival order.
func (d *Driver) flushCandidates(pc transport.PeerConnection) {
	d.pcMu.Lock()
	d.remoteDescSet = true
	pending := d.pendingCandidates
	d.pendingCandidates = nil
	d.pcMu.Unlock()
	for _, candidate := range pending {
		if err := pc.AddICECandidate(candidate); err != nil {
			d.log.Warnf("adding buffered ICE candidate: %v", err)
		}
	}
}

// restartICE is the recovery controller's restart primitive: it waits
// renegotiateDelay, then sends one offer created with the ICE-restart option.
// No separate transport-level restart call precedes the wait; that offer is
// both the restart and the renegotiation.
func (d *Driver) restartICE() error {
	time.Sleep(renegotiateDelay)
	return d.sendOffer(true)
}

// rebuild tears the connection down and negotiates from scratch. The
// initiator recreates its data channel and sends a new offer.
func (d *Driver) rebuild() error {
	return d.initConnection()
}

func (d *Driver) onTerminalFailure(err error) {
	d.log.Errorf("connection recovery exhausted: %v", err)
	if d.opts.OnChannelClosed != nil {
		d.opts.OnChannelClosed(err)
	}
}

// RemotePeerID reports the other room occupant's id, empty before one is
// known.
func (d *Driver) RemotePeerID() string {
	return d.remotePeer()
}

func (d *Driver) remotePeer() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.remotePeerID
}

// Done is closed when the rendezvous connection drops.
func (d *Driver) Done() <-chan struct{} { return d.done }

// Close shuts the signalling connection and the peer connection down.
// Idempotent.
func (d *Driver) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	if d.opts.Recovery != nil {
		d.opts.Recovery.Close()
	}
	_ = d.conn.Close()
	d.pcMu.Lock()
	pc := d.pc
	d.pc = nil
	d.pcMu.Unlock()
	if pc != nil {
		_ = pc.Close()
	}
}
