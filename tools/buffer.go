package tools

import (
	"io"
	"sync"
)

// AudioBuffer is a bounded byte queue between a producer that must never
// block and a consumer that waits for data. When full, the oldest bytes are
// dropped.
type AudioBuffer struct {
	buffer []byte
	mu     sync.Mutex
	cond   *sync.Cond
	cap    int
	closed bool
}

func NewAudioBuffer(fixedCap int) *AudioBuffer {
	ab := &AudioBuffer{
		buffer: make([]byte, 0, fixedCap),
		cap:    fixedCap,
	}
	ab.cond = sync.NewCond(&ab.mu)
	return ab
}

func (ab *AudioBuffer) Write(data []byte) (dropped int) {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	if ab.closed {
		return len(data)
	}
	if len(data) > ab.cap {
		dropped += len(data) - ab.cap
		data = data[len(data)-ab.cap:]
	}
	if len(ab.buffer)+len(data) > ab.cap {
		drop := len(ab.buffer) + len(data) - ab.cap
		ab.buffer = ab.buffer[drop:]
		dropped += drop
	}
	ab.buffer = append(ab.buffer, data...)
	ab.cond.Signal()
	return dropped
}

// Read blocks until data is available or the buffer is closed.
func (ab *AudioBuffer) Read(p []byte) (n int, err error) {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	for len(ab.buffer) == 0 && !ab.closed {
		ab.cond.Wait()
	}
	if len(ab.buffer) == 0 {
		return 0, io.EOF
	}
	n = copy(p, ab.buffer)
	ab.buffer = ab.buffer[n:]
	return n, nil
}

func (ab *AudioBuffer) Len() int {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	return len(ab.buffer)
}

func (ab *AudioBuffer) Reset() {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	ab.buffer = ab.buffer[:0]
}

func (ab *AudioBuffer) Close() error {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	ab.closed = true
	ab.cond.Broadcast()
	return nil
}
