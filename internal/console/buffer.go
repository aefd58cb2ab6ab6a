package console

import (
	"bytes"
	"sync"
)

// Buffer accumulates text and hands it out exactly once.
type Buffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *Buffer) Append(p []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.Write(p)
}

func (b *Buffer) AppendString(s string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.WriteString(s)
}

// TakeAll returns everything appended since the previous call and empties
// the buffer.
func (b *Buffer) TakeAll() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.buf.String()
	b.buf.Reset()
	return out
}

// TakeLine pops one line, including its newline when present. It reports
// false once the buffer is empty.
func (b *Buffer) TakeLine() (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.buf.Len() == 0 {
		return "", false
	}
	// ReadString only fails at the end of the buffer, returning the
	// unterminated last line.
	line, _ := b.buf.ReadString('\n')
	return line, true
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Len()
}
