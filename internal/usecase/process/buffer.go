package process

import (
	"strings"
	"sync"
)

// Buffer is a thread-safe, append-only accumulator of output fragments.
// It is created per run and read concurrently by the status composer.
type Buffer struct {
	mu    sync.Mutex
	parts []string
	size  int
}

// NewBuffer returns an empty Buffer.
func NewBuffer() *Buffer {
	return &Buffer{parts: make([]string, 0, 64)}
}

// Append adds a fragment. Empty fragments are ignored.
func (b *Buffer) Append(s string) {
	if s == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.parts = append(b.parts, s)
	b.size += len(s)
}

// Write implements io.Writer. Invalid UTF-8 is replaced with U+FFFD.
func (b *Buffer) Write(p []byte) (int, error) {
	b.Append(decode(p))
	return len(p), nil
}

// String returns all fragments joined in append order.
func (b *Buffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	var sb strings.Builder
	sb.Grow(b.size)
	for _, p := range b.parts {
		sb.WriteString(p)
	}
	return sb.String()
}

// Fragments returns a copy of the fragments in append order.
func (b *Buffer) Fragments() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := make([]string, len(b.parts))
	copy(cp, b.parts)
	return cp
}

// Len returns the total content length in bytes.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// decode converts raw process output to text, substituting U+FFFD for
// invalid byte sequences.
func decode(p []byte) string {
	return strings.ToValidUTF8(string(p), "\uFFFD")
}
