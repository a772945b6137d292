package engine

import (
	"encoding/json"
	"fmt"

	"github.com/Ronifue/peershare/internal/integrity"
)

// ProtocolVersion is carried in every file-offer.
const ProtocolVersion = 2

// MinChunkSize is the smallest chunk size a valid offer may carry.
const MinChunkSize = 16 * 1024

// FileMetadata is the on-wire description of one file. Immutable per
// uploadId.
type FileMetadata struct {
	ID              string `json:"id"`
	UploadID        string `json:"uploadId"`
	ProtocolVersion int    `json:"protocolVersion"`
	Name            string `json:"name"`
	Size            int64  `json:"size"`
	Type            string `json:"type"`
	ChunkSize       int    `json:"chunkSize"`
	TotalChunks     int    `json:"totalChunks"`
	FileChecksum    string `json:"fileChecksum,omitempty"`
	Fingerprint     string `json:"fingerprint,omitempty"`
}

// Control message types. Control frames are UTF-8 JSON on string frames;
// chunk payloads are raw binary frames.
const (
	msgFileOffer         = "file-offer"
	msgReceiverReady     = "receiver-ready"
	msgTransferComplete  = "transfer-complete"
	msgRequestRetransmit = "request-retransmit"
	msgTransferError     = "transfer-error"
)

// WireError is the error payload of a transfer-error message.
type WireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type controlMessage struct {
	Type            string        `json:"type"`
	Metadata        *FileMetadata `json:"metadata,omitempty"`
	FileID          string        `json:"fileId,omitempty"`
	UploadID        string        `json:"uploadId,omitempty"`
	ResumeFromChunk *int          `json:"resumeFromChunk,omitempty"`
	Checksum        string        `json:"checksum,omitempty"`
	FromChunk       *int          `json:"fromChunk,omitempty"`
	Reason          string        `json:"reason,omitempty"`
	Error           *WireError    `json:"error,omitempty"`
}

func encodeControl(msg controlMessage) (string, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("encoding %s message: %w", msg.Type, err)
	}
	return string(data), nil
}

func decodeControl(data []byte) (controlMessage, error) {
	var msg controlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return controlMessage{}, fmt.Errorf("decoding control message: %w", err)
	}
	if msg.Type == "" {
		return controlMessage{}, fmt.Errorf("control message missing type")
	}
	return msg, nil
}

// normalizedUploadID falls back to the file id for peers that predate the
// uploadId field.
func normalizedUploadID(meta FileMetadata) string {
	if meta.UploadID != "" {
		return meta.UploadID
	}
	return meta.ID
}

// validateOffer checks an incoming file-offer. A nil return means the offer
// is acceptable.
func validateOffer(meta FileMetadata) *Error {
	if meta.ID == "" {
		return newError(CodeInvalidFileID, "offer carries no file id")
	}
	if meta.Size < 0 {
		return newError(CodeInvalidMetadata, "negative file size %d", meta.Size)
	}
	if meta.ChunkSize < MinChunkSize {
		return newError(CodeInvalidMetadata, "chunk size %d below minimum %d", meta.ChunkSize, MinChunkSize)
	}
	return nil
}

// recomputeTotalChunks ignores the sender-supplied count and derives it from
// size and chunk size.
func recomputeTotalChunks(meta FileMetadata) int {
	return integrity.CalculateTotalChunks(meta.Size, meta.ChunkSize)
}
