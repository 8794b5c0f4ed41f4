package sandbox

import "sync"

// defaultRingSize bounds the output captured per stream.
const defaultRingSize = 1 << 20 // 1 MiB

// ringBuffer retains the most recent writes up to a fixed capacity.
// Writes never block and never fail; the oldest bytes are dropped once
// the capacity is exceeded. Safe for concurrent use.
type ringBuffer struct {
	mu    sync.Mutex
	buf   []byte
	start int
	size  int
}

func newRingBuffer(capacity int) *ringBuffer {
	if capacity <= 0 {
		capacity = defaultRingSize
	}
	return &ringBuffer{buf: make([]byte, capacity)}
}

// Write implements io.Writer. The full length is always reported as
// written; when p exceeds the remaining space only the newest bytes
// are kept.
func (r *ringBuffer) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(p)
	if n >= len(r.buf) {
		copy(r.buf, p[n-len(r.buf):])
		r.start = 0
		r.size = len(r.buf)
		return n, nil
	}

	pos := (r.start + r.size) % len(r.buf)
	written := copy(r.buf[pos:], p)
	if written < n {
		copy(r.buf, p[written:])
	}
	r.size += n
	if r.size > len(r.buf) {
		r.start = (r.start + r.size - len(r.buf)) % len(r.buf)
		r.size = len(r.buf)
	}
	return n, nil
}

// Bytes returns a copy of the buffered output in write order.
func (r *ringBuffer) Bytes() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]byte, r.size)
	end := r.start + r.size
	if end > len(r.buf) {
		end = len(r.buf)
	}
	head := copy(out, r.buf[r.start:end])
	if head < r.size {
		copy(out[head:], r.buf[:r.size-head])
	}
	return out
}

// Tail returns up to n trailing bytes of the buffered output.
func (r *ringBuffer) Tail(n int) []byte {
	b := r.Bytes()
	if n <= 0 || n >= len(b) {
		return b
	}
	return b[len(b)-n:]
}

// Len returns the number of buffered bytes.
func (r *ringBuffer) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}
