// Package term provides the auxiliary PTY terminal channel: a real shell in
// the session's working directory, independent of the agent process.
package term

import "sync"

// ScrollbackBuffer is a fixed-size circular byte buffer holding the most
// recent terminal output. When full, the oldest bytes are overwritten. Safe
// for concurrent use.
type ScrollbackBuffer struct {
	mu       sync.Mutex
	buf      []byte
	capacity int
	writePos int
	written  int64
}

const defaultScrollback = 256 * 1024

// NewScrollbackBuffer allocates a buffer of the given byte capacity.
func NewScrollbackBuffer(capacity int) *ScrollbackBuffer {
	if capacity <= 0 {
		capacity = defaultScrollback
	}
	return &ScrollbackBuffer{
		buf:      make([]byte, capacity),
		capacity: capacity,
	}
}

// Write appends output, overwriting the oldest bytes when full. Implements
// io.Writer and never fails.
func (sb *ScrollbackBuffer) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	sb.mu.Lock()
	defer sb.mu.Unlock()

	n := len(p)
	if n >= sb.capacity {
		copy(sb.buf, p[n-sb.capacity:])
		sb.writePos = 0
		sb.written += int64(n)
		return n, nil
	}

	head := sb.capacity - sb.writePos
	if head >= n {
		copy(sb.buf[sb.writePos:], p)
	} else {
		copy(sb.buf[sb.writePos:], p[:head])
		copy(sb.buf, p[head:])
	}
	sb.writePos = (sb.writePos + n) % sb.capacity
	sb.written += int64(n)
	return n, nil
}

// Bytes returns a chronological copy of the buffered output.
func (sb *ScrollbackBuffer) Bytes() []byte {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	length := sb.lenLocked()
	if length == 0 {
		return nil
	}

	out := make([]byte, length)
	if sb.written <= int64(sb.capacity) {
		copy(out, sb.buf[:length])
	} else {
		tail := sb.capacity - sb.writePos
		copy(out, sb.buf[sb.writePos:])
		copy(out[tail:], sb.buf[:sb.writePos])
	}
	return out
}

// Len returns the number of buffered bytes.
func (sb *ScrollbackBuffer) Len() int {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return sb.lenLocked()
}

func (sb *ScrollbackBuffer) lenLocked() int {
	if sb.written <= int64(sb.capacity) {
		return int(sb.written)
	}
	return sb.capacity
}
