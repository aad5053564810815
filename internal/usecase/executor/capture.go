package executor

import "sync"

// captureBuffer is a goroutine-safe bounded byte buffer that keeps the tail
// of what was written. A detached action can emit unbounded output; the
// spool only ever records the last max bytes of each stream.
type captureBuffer struct {
	mu   sync.Mutex
	data []byte
	max  int
}

func newCaptureBuffer(max int) *captureBuffer {
	return &captureBuffer{
		data: make([]byte, 0, min(max, 4096)),
		max:  max,
	}
}

// Write implements io.Writer.
func (b *captureBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.data = append(b.data, p...)
	if len(b.data) > b.max {
		b.data = b.data[len(b.data)-b.max:]
	}
	return len(p), nil
}

// Bytes returns a copy of the buffered content.
func (b *captureBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := make([]byte, len(b.data))
	copy(cp, b.data)
	return cp
}

// Len returns the current buffer length.
func (b *captureBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}
