package supervisor

import (
	"io"
	"strings"
	"sync"
)

// tailBuffer keeps only the last max bytes written to it. Capture
// processes can emit unbounded stderr; only the tail matters for error
// attribution.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.buf = append(t.buf, p...)
	if len(t.buf) > t.max {
		t.buf = t.buf[len(t.buf)-t.max:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

// stderrTail extracts the last non-empty line from a capture process's
// stderr writer, if it is a tailBuffer.
func stderrTail(w io.Writer) string {
	tb, ok := w.(*tailBuffer)
	if !ok {
		return ""
	}
	lines := strings.Split(strings.TrimSpace(tb.String()), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}
