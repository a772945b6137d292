// Package signal drives the rendezvous connection: room registration, role
// assignment, SDP exchange, and ICE candidate relay. The creator of a room
// is the initiator: it sends the first offer and is the only endpoint that
// restarts ICE.
package signal

import "encoding/json"

// Message types exchanged with the rendezvous relay.
const (
	TypeRegister     = "register"
	TypePeerJoined   = "peer-joined"
	TypePeerLeft     = "peer-left"
	TypeOffer        = "offer"
	TypeAnswer       = "answer"
	TypeICECandidate = "ice-candidate"
	TypeError        = "error"
)

// Envelope is one signalling message, both directions, newline-delimited
// JSON on the wire.
type Envelope struct {
	Type      string          `json:"type"`
	RoomID    string          `json:"roomId"`
	PeerID    string          `json:"peerId,omitempty"`
	TargetID  string          `json:"targetId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// RegisterPayload is the relay's answer to a register request.
type RegisterPayload struct {
	PeerID    string `json:"peerId"`
	IsCreator bool   `json:"isCreator"`
}

// DescriptionPayload carries an SDP offer or answer.
type DescriptionPayload struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// CandidatePayload carries one serialized ICE candidate.
type CandidatePayload struct {
	Candidate string `json:"candidate"`
}

// ErrorPayload carries a relay-side failure.
type ErrorPayload struct {
	Message string `json:"message"`
}

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("{}")
	}
	return data
}
