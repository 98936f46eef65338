package tunnel

import (
	"strings"
	"sync"
)

// ringBuffer keeps the last n lines written to it. Tunnel subprocess stderr
// is teed here for diagnostics without unbounded growth.
type ringBuffer struct {
	mu      sync.Mutex
	lines   []string
	max     int
	partial string
}

func newRingBuffer(maxLines int) *ringBuffer {
	return &ringBuffer{max: maxLines}
}

// Write implements io.Writer, splitting input into lines.
func (r *ringBuffer) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.partial + string(p)
	parts := strings.Split(s, "\n")
	r.partial = parts[len(parts)-1]
	for _, line := range parts[:len(parts)-1] {
		r.lines = append(r.lines, line)
	}
	if over := len(r.lines) - r.max; over > 0 {
		r.lines = append([]string(nil), r.lines[over:]...)
	}
	return len(p), nil
}

// String returns the buffered lines joined by newlines.
func (r *ringBuffer) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.partial != "" {
		return strings.Join(append(append([]string(nil), r.lines...), r.partial), "\n")
	}
	return strings.Join(r.lines, "\n")
}
