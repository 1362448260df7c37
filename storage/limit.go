package storage

import (
	"fmt"
	"io"

	"github.com/ruteri/confidential-executor/interfaces"
)

// DefaultMaxEnvelopeBytes bounds the size of a fetched envelope.
const DefaultMaxEnvelopeBytes = 512 << 20

// sizeLimiter is implemented by backends that bound how much they read.
type sizeLimiter interface {
	SetMaxBytes(n int64)
}

// blobLimit is embedded by backends. The zero value applies
// DefaultMaxEnvelopeBytes.
type blobLimit struct {
	maxBytes int64
}

// SetMaxBytes bounds the size of blobs this backend reads. Zero or a
// negative value restores DefaultMaxEnvelopeBytes.
func (l *blobLimit) SetMaxBytes(n int64) {
	l.maxBytes = n
}

func (l *blobLimit) limit() int64 {
	if l.maxBytes <= 0 {
		return DefaultMaxEnvelopeBytes
	}
	return l.maxBytes
}

// readAll reads r up to the limit. It stops after limit+1 bytes, so an
// oversized blob is never buffered whole.
func (l *blobLimit) readAll(r io.Reader) ([]byte, error) {
	limit := l.limit()
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: more than %d bytes", interfaces.ErrBlobTooLarge, limit)
	}
	return data, nil
}
