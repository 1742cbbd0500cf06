package shell

import (
	"bytes"
	"sync"
)

// Buffer accumulates remote output and hands it to a flush function in
// line-sized chunks while a command is still running.
//
// Once at least limit bytes are pending, everything up to and including
// the last newline is flushed. With no newline pending, the whole
// buffer is flushed. A limit of 0 flushes every complete line as soon
// as it arrives. Buffer is safe for concurrent writers (stdout and
// stderr share one buffer).
type Buffer struct {
	mu    sync.Mutex
	buf   []byte
	limit int
	flush func(string)
}

// NewBuffer returns a Buffer that calls flush with each chunk.
func NewBuffer(limit int, flush func(string)) *Buffer {
	if limit < 0 {
		limit = 0
	}
	return &Buffer{limit: limit, flush: flush}
}

// Write implements io.Writer.
func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.flush == nil {
		return len(p), nil
	}
	b.buf = append(b.buf, p...)
	if len(b.buf) == 0 || len(b.buf) < b.limit {
		return len(p), nil
	}

	if i := bytes.LastIndexByte(b.buf, '\n'); i >= 0 {
		b.emit(i + 1)
	} else if b.limit > 0 {
		b.emit(len(b.buf))
	}
	return len(p), nil
}

// Flush hands over everything pending, including a trailing partial
// line.
func (b *Buffer) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.emit(len(b.buf))
}

// Reset drops pending output without flushing it.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = b.buf[:0]
}

// Detach stops all further delivery. Writes after Detach are dropped.
func (b *Buffer) Detach() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flush = nil
	b.buf = nil
}

// Len returns the number of pending bytes.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}

// emit must be called with b.mu held.
func (b *Buffer) emit(n int) {
	if n == 0 {
		return
	}
	chunk := string(b.buf[:n])
	b.buf = append(b.buf[:0], b.buf[n:]...)
	if b.flush != nil {
		b.flush(chunk)
	}
}
