package instance

import (
	"sync"

	"github.com/mineguard/mineguard/models"
)

// consoleRing is a fixed-capacity buffer of the most recent console lines.
// Writers never block; the oldest line is overwritten when full.
type consoleRing struct {
	mu    sync.Mutex
	lines []models.ConsoleLine
	next  int
	full  bool
}

func newConsoleRing(capacity int) *consoleRing {
	if capacity <= 0 {
		capacity = 1
	}
	return &consoleRing{
		lines: make([]models.ConsoleLine, capacity),
	}
}

func (r *consoleRing) Append(line models.ConsoleLine) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lines[r.next] = line
	r.next = (r.next + 1) % len(r.lines)
	if r.next == 0 {
		r.full = true
	}
}

// Tail returns up to n of the most recent lines, oldest first.
func (r *consoleRing) Tail(n int) []models.ConsoleLine {
	r.mu.Lock()
	defer r.mu.Unlock()

	size := r.next
	if r.full {
		size = len(r.lines)
	}
	if n <= 0 || n > size {
		n = size
	}

	out := make([]models.ConsoleLine, 0, n)
	start := r.next - n
	if start < 0 {
		start += len(r.lines)
	}
	for i := 0; i < n; i++ {
		out = append(out, r.lines[(start+i)%len(r.lines)])
	}
	return out
}
