package media

import (
	"fmt"
	"strings"
)

// stderrExcerptLimit caps how much of each end of stderr is kept.
const stderrExcerptLimit = 4096

// ToolchainError is returned when a toolchain subprocess exits non-zero. The
// adapter does not interpret stderr; it carries an excerpt for diagnostics.
type ToolchainError struct {
	Binary   string
	Args     []string
	ExitCode int
	Stderr   string
}

// Error implements the error interface.
func (e *ToolchainError) Error() string {
	return fmt.Sprintf("%s exited with code %d: %s", e.Binary, e.ExitCode, e.Stderr)
}

// stderrTrap collects subprocess stderr while retaining only the first and
// last stderrExcerptLimit bytes, so runaway output cannot exhaust memory.
type stderrTrap struct {
	head  []byte
	tail  []byte
	total int64
}

// Write implements io.Writer.
func (t *stderrTrap) Write(p []byte) (int, error) {
	n := len(p)
	t.total += int64(n)

	if missing := stderrExcerptLimit - len(t.head); missing > 0 {
		take := missing
		if take > n {
			take = n
		}
		t.head = append(t.head, p[:take]...)
		p = p[take:]
	}

	t.tail = append(t.tail, p...)
	if len(t.tail) > stderrExcerptLimit {
		t.tail = t.tail[len(t.tail)-stderrExcerptLimit:]
	}
	return n, nil
}

// Excerpt returns the captured stderr, eliding the middle when the stream
// exceeded twice the limit.
func (t *stderrTrap) Excerpt() string {
	if t.total <= int64(len(t.head)) {
		return strings.TrimSpace(string(t.head))
	}
	omitted := t.total - int64(len(t.head)) - int64(len(t.tail))
	if omitted <= 0 {
		combined := append(append([]byte{}, t.head...), t.tail[int64(len(t.tail))+int64(len(t.head))-t.total:]...)
		return strings.TrimSpace(string(combined))
	}
	return strings.TrimSpace(fmt.Sprintf("%s\n... [%d bytes omitted] ...\n%s", t.head, omitted, t.tail))
}
