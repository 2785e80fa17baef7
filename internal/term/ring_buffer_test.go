package term

import (
	"bytes"
	"testing"
)

func TestScrollbackEmpty(t *testing.T) {
	sb := NewScrollbackBuffer(16)
	if sb.Len() != 0 {
		t.Errorf("fresh buffer should be empty, got %d", sb.Len())
	}
	if sb.Bytes() != nil {
		t.Errorf("fresh buffer should yield nil")
	}
}

func TestScrollbackSimpleWrite(t *testing.T) {
	sb := NewScrollbackBuffer(16)
	sb.Write([]byte("hello"))

	if got := sb.Bytes(); !bytes.Equal(got, []byte("hello")) {
		t.Errorf("got %q", got)
	}
}

func TestScrollbackWrapsAround(t *testing.T) {
	sb := NewScrollbackBuffer(8)
	sb.Write([]byte("abcdef"))
	sb.Write([]byte("ghij"))

	// capacity 8, wrote 10 — oldest two bytes evicted
	if got := sb.Bytes(); !bytes.Equal(got, []byte("cdefghij")) {
		t.Errorf("got %q, want %q", got, "cdefghij")
	}
	if sb.Len() != 8 {
		t.Errorf("len should be capped at 8, got %d", sb.Len())
	}
}

func TestScrollbackOversizedWrite(t *testing.T) {
	sb := NewScrollbackBuffer(4)
	sb.Write([]byte("0123456789"))

	if got := sb.Bytes(); !bytes.Equal(got, []byte("6789")) {
		t.Errorf("oversized write should keep the tail, got %q", got)
	}
}

func TestScrollbackChronologicalOrder(t *testing.T) {
	sb := NewScrollbackBuffer(10)
	for _, chunk := range []string{"one ", "two ", "three ", "four"} {
		sb.Write([]byte(chunk))
	}

	// total 18 bytes into capacity 10: last 10 survive
	if got := sb.Bytes(); !bytes.Equal(got, []byte("three four")) {
		t.Errorf("got %q", got)
	}
}
