//go:build linux

package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

const (
	maxPipeSize = 1024 * 1024
	pollMillis  = 100
)

// fdReader reads a character device or FIFO with raw syscalls. Read polls
// so that Close from another goroutine is noticed within pollMillis; the fd
// is only closed once no Read is using it.
type fdReader struct {
	mu     sync.Mutex
	fd     int
	path   string
	closed atomic.Bool
}

func openDevice(path string) (*fdReader, error) {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("could not open device %s: %w", path, err)
	}
	if err := unix.SetNonblock(fd, false); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("device %s: %w", path, err)
	}
	// Only succeeds on pipes; character devices ignore it.
	_, _ = unix.FcntlInt(uintptr(fd), unix.F_SETPIPE_SZ, maxPipeSize)
	return &fdReader{fd: fd, path: path}, nil
}

func (r *fdReader) Read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fds := []unix.PollFd{{Fd: int32(r.fd), Events: unix.POLLIN}}
	for {
		if r.closed.Load() {
			return 0, os.ErrClosed
		}
		n, err := unix.Poll(fds, pollMillis)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return 0, err
		}
		if n > 0 {
			break
		}
	}
	for {
		n, err := unix.Read(r.fd, p)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if err == unix.EAGAIN {
				return 0, nil
			}
			return 0, err
		}
		if n == 0 {
			return 0, io.EOF
		}
		return n, nil
	}
}

func (r *fdReader) Close() error {
	if r.closed.Swap(true) {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return unix.Close(r.fd)
}

// openDeviceSource serves "device:/dev/path". A FIFO whose writer goes away
// reads EOF, which is treated as a lost connection.
func openDeviceSource(target string, _ url.Values, opts Options) (Source, error) {
	if target == "" {
		return nil, errors.New("device source needs a path")
	}
	s := &stream{
		params: newParams(opts),
		name:   "device:" + target,
		logger: opts.logger(),
		dial: func(context.Context) (io.ReadCloser, error) {
			return openDevice(target)
		},
	}
	if err := s.Reconnect(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

func init() {
	Register("device", openDeviceSource)
}
