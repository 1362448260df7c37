package sandbox

import (
	"bytes"
	"sync"
)

const truncationMarker = "\n[output truncated]\n"

// boundedBuffer keeps the first limit bytes written to it and silently drops
// the rest. Writes never fail, so the child never sees EPIPE.
type boundedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func newBoundedBuffer(limit int) *boundedBuffer {
	return &boundedBuffer{limit: limit}
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	remaining := b.limit - b.buf.Len()
	if remaining <= 0 {
		if len(p) > 0 {
			b.truncated = true
		}
		return len(p), nil
	}
	if len(p) > remaining {
		b.buf.Write(p[:remaining])
		b.truncated = true
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *boundedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *boundedBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}

// combineOutput joins stdout and stderr the way callers expect to read them,
// capped at limit bytes plus the truncation marker.
func combineOutput(stdout, stderr *boundedBuffer, limit int) (string, bool) {
	out := stdout.String()
	if errOut := stderr.String(); errOut != "" {
		out += "\n[STDERR]\n" + errOut
	}

	truncated := stdout.Truncated() || stderr.Truncated()
	if len(out) > limit {
		out = out[:limit]
		truncated = true
	}
	if truncated {
		out += truncationMarker
	}
	return out, truncated
}
