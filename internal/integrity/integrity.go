// Package integrity provides the hashing and chunk arithmetic shared by both
// ends of a transfer. Both peers must be built with the same Hasher or file
// checksums will never agree.
package integrity

import (
	"crypto/sha256"
	"fmt"
	"hash/fnv"
	"strings"
)

// Hasher maps a byte slice to a lowercase hex digest.
type Hasher func(data []byte) string

// SHA256Hex is the default hasher.
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return fmt.Sprintf("%x", sum)
}

// FNV1aHex is a 32-bit non-cryptographic fallback for constrained builds.
// It must never be paired with a SHA-256 peer.
func FNV1aHex(data []byte) string {
	h := fnv.New32a()
	_, _ = h.Write(data)
	return fmt.Sprintf("%08x", h.Sum32())
}

// DeriveFileChecksum computes the file-level checksum from the ordered list
// of chunk checksums. Order-sensitive: both ends derive the same value
// without re-hashing the whole file.
func DeriveFileChecksum(hasher Hasher, chunkChecksums []string) string {
	return hasher([]byte(strings.Join(chunkChecksums, "\n")))
}

// Fingerprint is the sender-local identity of a file. It is used only for
// resume matching against the persistent store and never sent on the wire.
func Fingerprint(name string, size int64, mimeType string, lastModified int64) string {
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return fmt.Sprintf("%s::%d::%s::%d", name, size, mimeType, lastModified)
}

// CalculateTotalChunks returns ceil(size/chunkSize), or 0 for an empty file.
func CalculateTotalChunks(size int64, chunkSize int) int {
	if chunkSize <= 0 || size <= 0 {
		return 0
	}
	return int((size + int64(chunkSize) - 1) / int64(chunkSize))
}

// BytesForChunkIndex returns how many bytes precede chunk i, saturating at
// the file size. Equal to the bytes transferred once chunks [0,i) are done.
func BytesForChunkIndex(i, chunkSize int, size int64) int64 {
	if i <= 0 || chunkSize <= 0 || size <= 0 {
		return 0
	}
	n := int64(i) * int64(chunkSize)
	if n > size {
		return size
	}
	return n
}

// NormalizeChunkIndex clamps v into [0, totalChunks].
func NormalizeChunkIndex(v, totalChunks int) int {
	if totalChunks < 0 {
		totalChunks = 0
	}
	if v < 0 {
		return 0
	}
	if v > totalChunks {
		return totalChunks
	}
	return v
}
