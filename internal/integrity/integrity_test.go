package integrity

import (
	"strings"
	"testing"
)

func TestSHA256Hex(t *testing.T) {
	got := SHA256Hex([]byte("abc"))
	want := "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	if got != want {
		t.Errorf("SHA256Hex(abc) = %q, want %q", got, want)
	}
}

func TestSHA256HexEmpty(t *testing.T) {
	got := SHA256Hex(nil)
	want := "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
	if got != want {
		t.Errorf("SHA256Hex(nil) = %q, want %q", got, want)
	}
}

func TestFNV1aHexDeterministic(t *testing.T) {
	a := FNV1aHex([]byte("hello"))
	b := FNV1aHex([]byte("hello"))
	if a != b {
		t.Errorf("FNV1aHex not deterministic: %q vs %q", a, b)
	}
	if len(a) != 8 {
		t.Errorf("expected 8 hex chars, got %q", a)
	}
	if a == FNV1aHex([]byte("hellp")) {
		t.Error("distinct inputs collided")
	}
}

func TestDeriveFileChecksumOrderSensitive(t *testing.T) {
	sums := []string{"aa", "bb", "cc"}
	forward := DeriveFileChecksum(SHA256Hex, sums)
	reversed := DeriveFileChecksum(SHA256Hex, []string{"cc", "bb", "aa"})
	if forward == reversed {
		t.Error("expected order-sensitive checksum")
	}
	if forward != SHA256Hex([]byte(strings.Join(sums, "\n"))) {
		t.Error("checksum does not match joined-list hash")
	}
}

func TestDeriveFileChecksumEmptyList(t *testing.T) {
	got := DeriveFileChecksum(SHA256Hex, nil)
	if got != SHA256Hex([]byte("")) {
		t.Errorf("empty list should hash the empty string, got %q", got)
	}
}

func TestFingerprint(t *testing.T) {
	got := Fingerprint("a.bin", 42, "text/plain", 1700000000000)
	want := "a.bin::42::text/plain::1700000000000"
	if got != want {
		t.Errorf("Fingerprint = %q, want %q", got, want)
	}
}

func TestFingerprintDefaultsMimeType(t *testing.T) {
	got := Fingerprint("a.bin", 42, "", 7)
	if !strings.Contains(got, "application/octet-stream") {
		t.Errorf("expected default mime type, got %q", got)
	}
}

func TestCalculateTotalChunks(t *testing.T) {
	tests := []struct {
		size      int64
		chunkSize int
		want      int
	}{
		{0, 65536, 0},
		{1, 65536, 1},
		{65536, 65536, 1},
		{65537, 65536, 2},
		{131072, 65536, 2},
		{100, 0, 0},
	}
	for _, tt := range tests {
		if got := CalculateTotalChunks(tt.size, tt.chunkSize); got != tt.want {
			t.Errorf("CalculateTotalChunks(%d, %d) = %d, want %d", tt.size, tt.chunkSize, got, tt.want)
		}
	}
}

func TestBytesForChunkIndex(t *testing.T) {
	tests := []struct {
		i         int
		chunkSize int
		size      int64
		want      int64
	}{
		{0, 65536, 100, 0},
		{1, 65536, 100, 100},
		{1, 64, 100, 64},
		{2, 64, 100, 100},
		{3, 64, 100, 100},
		{-1, 64, 100, 0},
	}
	for _, tt := range tests {
		if got := BytesForChunkIndex(tt.i, tt.chunkSize, tt.size); got != tt.want {
			t.Errorf("BytesForChunkIndex(%d, %d, %d) = %d, want %d", tt.i, tt.chunkSize, tt.size, got, tt.want)
		}
	}
}

func TestNormalizeChunkIndex(t *testing.T) {
	tests := []struct {
		v, total, want int
	}{
		{-5, 10, 0},
		{0, 10, 0},
		{7, 10, 7},
		{10, 10, 10},
		{11, 10, 10},
		{3, 0, 0},
		{1, -1, 0},
	}
	for _, tt := range tests {
		if got := NormalizeChunkIndex(tt.v, tt.total); got != tt.want {
			t.Errorf("NormalizeChunkIndex(%d, %d) = %d, want %d", tt.v, tt.total, got, tt.want)
		}
	}
}
