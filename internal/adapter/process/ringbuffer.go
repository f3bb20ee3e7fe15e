package process

import (
	"strings"
	"sync"
)

// ringBuffer is a bounded, thread-safe byte buffer that keeps only the most
// recent max bytes of an instance's output.
type ringBuffer struct {
	mu      sync.Mutex
	data    []byte
	max     int
	written int64
}

func newRingBuffer(maxBytes int) *ringBuffer {
	return &ringBuffer{
		data: make([]byte, 0, min(maxBytes, 4096)),
		max:  maxBytes,
	}
}

func (rb *ringBuffer) Write(p []byte) (int, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.data = append(rb.data, p...)
	rb.written += int64(len(p))
	if len(rb.data) > rb.max {
		rb.data = rb.data[len(rb.data)-rb.max:]
	}
	return len(p), nil
}

func (rb *ringBuffer) String() string {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return string(rb.data)
}

// Dropped reports how many bytes were discarded to stay within max.
func (rb *ringBuffer) Dropped() int64 {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.written - int64(len(rb.data))
}

// Tail returns at most n trailing lines.
func (rb *ringBuffer) Tail(n int) string {
	s := strings.TrimRight(rb.String(), "\n")
	if s == "" || n <= 0 {
		return ""
	}
	lines := strings.Split(s, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
