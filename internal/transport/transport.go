// Package transport defines the narrow view of the peer transport the engine
// depends on, so the engine can run against pion/webrtc in production and
// against in-memory fakes in tests.
package transport

import "time"

// Message is one frame received on a data channel. Control messages travel
// as string frames, chunk payloads as binary frames.
type Message struct {
	Data     []byte
	IsString bool
}

// DataChannel is an ordered reliable message channel with an observable
// outbound buffer.
type DataChannel interface {
	Label() string
	IsOpen() bool

	Send(data []byte) error
	SendText(text string) error

	BufferedAmount() uint64
	SetBufferedAmountLowThreshold(threshold uint64)
	OnBufferedAmountLow(f func())

	OnOpen(f func())
	OnMessage(f func(msg Message))
	OnClose(f func())
	OnError(f func(err error))

	// MaxMessageSize reports the transport frame limit, 0 when unknown.
	MaxMessageSize() int

	Close() error
}

// ICEState mirrors the transport's ICE connection state.
type ICEState string

const (
	ICENew          ICEState = "new"
	ICEChecking     ICEState = "checking"
	ICEConnected    ICEState = "connected"
	ICECompleted    ICEState = "completed"
	ICEDisconnected ICEState = "disconnected"
	ICEFailed       ICEState = "failed"
	ICEClosed       ICEState = "closed"
)

// SessionDescription is an SDP offer or answer as relayed by signalling.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Stats is the candidate-pair snapshot the race probe and the chunk planner
// consume.
type Stats struct {
	// SelectedRTTMs is the round-trip time of the currently selected
	// candidate pair, in milliseconds. Negative when unknown.
	SelectedRTTMs float64
	// BestRTTMs is the lowest round-trip time observed across all candidate
	// pairs. Negative when unknown.
	BestRTTMs float64
}

// PeerConnection is the slice of the peer transport that signalling and
// recovery drive.
type PeerConnection interface {
	CreateDataChannel(label string) (DataChannel, error)
	OnDataChannel(f func(dc DataChannel))

	CreateOffer(iceRestart bool) (SessionDescription, error)
	CreateAnswer() (SessionDescription, error)
	SetLocalDescription(desc SessionDescription) error
	SetRemoteDescription(desc SessionDescription) error
	AddICECandidate(candidate string) error
	OnICECandidate(f func(candidate string))

	OnICEConnectionStateChange(f func(state ICEState))
	ICEConnectionState() ICEState

	// SupportsICERestart reports whether CreateOffer(true) performs a real
	// ICE restart on this transport.
	SupportsICERestart() bool

	GetStats() (Stats, error)

	Closed() bool
	Close() error
}

// Clock abstracts wall-clock reads for timestamps and caches.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }
