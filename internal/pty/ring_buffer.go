package pty

import "sync"

const defaultOutputLimit = 64 * 1024

// RingBuffer is a fixed-size byte ring holding the newest output of a process.
type RingBuffer struct {
	mu      sync.Mutex
	buf     []byte
	next    int
	full    bool
	written int64
}

func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = defaultOutputLimit
	}
	return &RingBuffer{buf: make([]byte, size)}
}

// Write never fails. Bytes beyond the capacity overwrite the oldest ones.
func (r *RingBuffer) Write(p []byte) (int, error) {
	n := len(p)
	size := len(r.buf)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.written += int64(n)
	if n >= size {
		copy(r.buf, p[n-size:])
		r.next, r.full = 0, true
		return n, nil
	}
	for len(p) > 0 {
		c := copy(r.buf[r.next:], p)
		p = p[c:]
		r.next = (r.next + c) % size
		if r.next == 0 {
			r.full = true
		}
	}
	return n, nil
}

// Snapshot returns a copy of the buffered bytes, oldest first, or nil when empty.
func (r *RingBuffer) Snapshot() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		if r.next == 0 {
			return nil
		}
		return append([]byte(nil), r.buf[:r.next]...)
	}
	out := make([]byte, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	return append(out, r.buf[:r.next]...)
}

func (r *RingBuffer) Truncated() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.written > int64(len(r.buf))
}
