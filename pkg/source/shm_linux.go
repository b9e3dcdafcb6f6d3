//go:build linux

package source

import (
	"context"
	"errors"
	"io"
	"net/url"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ocupoint/iqscope/pkg/codec"
	"github.com/ocupoint/iqscope/pkg/shmring"
)

// ringReader drains a shared-memory ring, sleeping while it is empty.
type ringReader struct {
	mu     sync.Mutex
	ring   *shmring.Ring
	closed atomic.Bool
}

func (r *ringReader) Read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for {
		if r.closed.Load() {
			return 0, os.ErrClosed
		}
		if n := r.ring.Read(p); n > 0 {
			return n, nil
		}
		time.Sleep(200 * time.Microsecond)
	}
}

func (r *ringReader) Close() error {
	if r.closed.Swap(true) {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ring.Close()
}

// openShm serves "shm:name". A ring that records its payload format
// overrides the configured one.
func openShm(target string, _ url.Values, opts Options) (Source, error) {
	if target == "" {
		return nil, errors.New("shm source needs a ring name")
	}
	s := &stream{
		params: newParams(opts),
		name:   "shm:" + target,
		logger: opts.logger(),
	}
	s.dial = func(context.Context) (io.ReadCloser, error) {
		ring, err := shmring.Open(target)
		if err != nil {
			return nil, err
		}
		if f := codec.WireFormat(ring.Format()); f.Valid() {
			s.format = f
		}
		// start at the live edge
		ring.SetTail(ring.Head())
		return &ringReader{ring: ring}, nil
	}
	if err := s.Reconnect(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

func init() {
	Register("shm", openShm)
}
