// Package pion adapts pion/webrtc to the engine's transport interfaces.
package pion

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v3"

	"github.com/Ronifue/peershare/internal/transport"
)

// DefaultConfiguration is the standard STUN-backed configuration.
func DefaultConfiguration() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
	}
}

// Conn wraps a pion peer connection.
type Conn struct {
	pc *webrtc.PeerConnection
}

// NewConn builds a peer connection from a pion configuration.
func NewConn(config webrtc.Configuration) (*Conn, error) {
	pc, err := webrtc.NewPeerConnection(config)
	if err != nil {
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}
	return &Conn{pc: pc}, nil
}

func (c *Conn) CreateDataChannel(label string) (transport.DataChannel, error) {
	ordered := true
	protocolName := "peershare"
	dc, err := c.pc.CreateDataChannel(label, &webrtc.DataChannelInit{
		Ordered:        &ordered,
		MaxRetransmits: nil,
		Protocol:       &protocolName,
	})
	if err != nil {
		return nil, fmt.Errorf("creating data channel: %w", err)
	}
	return &Channel{dc: dc, conn: c}, nil
}

func (c *Conn) OnDataChannel(f func(transport.DataChannel)) {
	if f == nil {
		c.pc.OnDataChannel(nil)
		return
	}
	c.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		f(&Channel{dc: dc, conn: c})
	})
}

func (c *Conn) CreateOffer(iceRestart bool) (transport.SessionDescription, error) {
	var opts *webrtc.OfferOptions
	if iceRestart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}
	offer, err := c.pc.CreateOffer(opts)
	if err != nil {
		return transport.SessionDescription{}, fmt.Errorf("creating offer: %w", err)
	}
	return transport.SessionDescription{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

func (c *Conn) CreateAnswer() (transport.SessionDescription, error) {
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return transport.SessionDescription{}, fmt.Errorf("creating answer: %w", err)
	}
	return transport.SessionDescription{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

func (c *Conn) SetLocalDescription(desc transport.SessionDescription) error {
	return c.pc.SetLocalDescription(webrtc.SessionDescription{
		Type: webrtc.NewSDPType(desc.Type),
		SDP:  desc.SDP,
	})
}

func (c *Conn) SetRemoteDescription(desc transport.SessionDescription) error {
	return c.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.NewSDPType(desc.Type),
		SDP:  desc.SDP,
	})
}

// AddICECandidate accepts a JSON-serialized ICECandidateInit.
func (c *Conn) AddICECandidate(candidate string) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(candidate), &init); err != nil {
		return fmt.Errorf("decoding ICE candidate: %w", err)
	}
	return c.pc.AddICECandidate(init)
}

func (c *Conn) OnICECandidate(f func(string)) {
	if f == nil {
		c.pc.OnICECandidate(nil)
		return
	}
	c.pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			f("")
			return
		}
		data, err := json.Marshal(candidate.ToJSON())
		if err != nil {
			return
		}
		f(string(data))
	})
}

func (c *Conn) OnICEConnectionStateChange(f func(transport.ICEState)) {
	if f == nil {
		c.pc.OnICEConnectionStateChange(nil)
		return
	}
	c.pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		f(mapICEState(state))
	})
}

func (c *Conn) ICEConnectionState() transport.ICEState {
	return mapICEState(c.pc.ICEConnectionState())
}

func (c *Conn) SupportsICERestart() bool { return true }

// GetStats extracts the selected candidate pair's round-trip time and the
// best round-trip time observed across all succeeded pairs.
func (c *Conn) GetStats() (transport.Stats, error) {
	stats := transport.Stats{SelectedRTTMs: -1, BestRTTMs: -1}
	report := c.pc.GetStats()
	for _, entry := range report {
		pair, ok := entry.(webrtc.ICECandidatePairStats)
		if !ok || pair.State != webrtc.StatsICECandidatePairStateSucceeded {
			continue
		}
		rttMs := pair.CurrentRoundTripTime * 1000
		if rttMs <= 0 {
			continue
		}
		if stats.BestRTTMs < 0 || rttMs < stats.BestRTTMs {
			stats.BestRTTMs = rttMs
		}
		if pair.Nominated {
			stats.SelectedRTTMs = rttMs
		}
	}
	return stats, nil
}

func (c *Conn) Closed() bool {
	return c.pc.ConnectionState() == webrtc.PeerConnectionStateClosed
}

func (c *Conn) Close() error { return c.pc.Close() }

func mapICEState(state webrtc.ICEConnectionState) transport.ICEState {
	switch state {
	case webrtc.ICEConnectionStateNew:
		return transport.ICENew
	case webrtc.ICEConnectionStateChecking:
		return transport.ICEChecking
	case webrtc.ICEConnectionStateConnected:
		return transport.ICEConnected
	case webrtc.ICEConnectionStateCompleted:
		return transport.ICECompleted
	case webrtc.ICEConnectionStateDisconnected:
		return transport.ICEDisconnected
	case webrtc.ICEConnectionStateFailed:
		return transport.ICEFailed
	case webrtc.ICEConnectionStateClosed:
		return transport.ICEClosed
	}
	return transport.ICENew
}

// Channel wraps a pion data channel.
type Channel struct {
	dc   *webrtc.DataChannel
	conn *Conn
}

func (ch *Channel) Label() string { return ch.dc.Label() }

func (ch *Channel) IsOpen() bool {
	return ch.dc.ReadyState() == webrtc.DataChannelStateOpen
}

func (ch *Channel) Send(data []byte) error     { return ch.dc.Send(data) }
func (ch *Channel) SendText(text string) error { return ch.dc.SendText(text) }

func (ch *Channel) BufferedAmount() uint64 { return ch.dc.BufferedAmount() }

func (ch *Channel) SetBufferedAmountLowThreshold(threshold uint64) {
	ch.dc.SetBufferedAmountLowThreshold(threshold)
}

func (ch *Channel) OnBufferedAmountLow(f func()) {
	if f == nil {
		ch.dc.OnBufferedAmountLow(func() {})
		return
	}
	ch.dc.OnBufferedAmountLow(f)
}

func (ch *Channel) OnOpen(f func()) {
	if f == nil {
		f = func() {}
	}
	ch.dc.OnOpen(f)
}

func (ch *Channel) OnMessage(f func(transport.Message)) {
	if f == nil {
		ch.dc.OnMessage(func(webrtc.DataChannelMessage) {})
		return
	}
	ch.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		f(transport.Message{Data: msg.Data, IsString: msg.IsString})
	})
}

func (ch *Channel) OnClose(f func()) {
	if f == nil {
		f = func() {}
	}
	ch.dc.OnClose(f)
}

func (ch *Channel) OnError(f func(error)) {
	if f == nil {
		f = func(error) {}
	}
	ch.dc.OnError(f)
}

// MaxMessageSize reports the SCTP association's message limit, 0 when not
// yet known.
func (ch *Channel) MaxMessageSize() int {
	sctp := ch.conn.pc.SCTP()
	if sctp == nil {
		return 0
	}
	return int(sctp.GetCapabilities().MaxMessageSize)
}

func (ch *Channel) Close() error { return ch.dc.Close() }

var (
	_ transport.PeerConnection = (*Conn)(nil)
	_ transport.DataChannel    = (*Channel)(nil)
)
