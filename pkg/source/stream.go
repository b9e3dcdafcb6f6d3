package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/ocupoint/iqscope/pkg/codec"
)

// stream adapts any interleaved byte stream. dial (re)establishes the
// connection; rewind, when set, restarts the stream at EOF instead of
// ending it.
type stream struct {
	params
	name   string
	dial   func(ctx context.Context) (io.ReadCloser, error)
	rewind func(io.ReadCloser) error
	// eofIsEnd reports a clean EOF as ErrEndOfStream rather than as a
	// lost connection.
	eofIsEnd bool

	rc      io.ReadCloser
	raw     []byte
	samples []complex64
	logger  *zap.SugaredLogger

	// bytes read since the last rewind or reconnect
	sinceRewind int
}

func (s *stream) ReadBlock(ctx context.Context, n int) (Block, error) {
	if s.rc == nil {
		return Block{}, ErrNotConnected
	}
	need := n * s.format.PairSize()
	if cap(s.raw) < need {
		s.raw = make([]byte, need)
	}
	buf := s.raw[:need]

	rc := s.rc
	stop := context.AfterFunc(ctx, func() { rc.Close() })
	err := s.fill(buf)
	if !stop() {
		s.rc = nil
		return Block{}, ctx.Err()
	}
	if err != nil {
		if !errors.Is(err, ErrEndOfStream) {
			s.disconnect()
		}
		return Block{}, err
	}

	out, err := codec.DecodeInto(s.samples, buf, s.format)
	if err != nil {
		return Block{}, err
	}
	s.samples = out
	return Block{Samples: out, CaptureNs: s.clock.stamp(len(out), s.rate)}, nil
}

// fill reads exactly len(buf) bytes. A looping source restarts at EOF and
// drops any trailing bytes that do not form a whole sample pair, so the
// stream stays pair-aligned across rewinds.
func (s *stream) fill(buf []byte) error {
	pair := s.format.PairSize()
	filled := 0
	for filled < len(buf) {
		m, err := s.rc.Read(buf[filled:])
		filled += m
		s.sinceRewind += m
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			if s.rewind != nil {
				if s.sinceRewind < pair {
					// not one whole pair since the last rewind: empty input
					return ErrEndOfStream
				}
				filled -= s.sinceRewind % pair
				if rerr := s.rewind(s.rc); rerr != nil {
					return fmt.Errorf("%s rewind: %w", s.name, rerr)
				}
				s.sinceRewind = 0
				continue
			}
			if s.eofIsEnd {
				return ErrEndOfStream
			}
			return fmt.Errorf("%s closed by peer: %w", s.name, io.ErrUnexpectedEOF)
		default:
			return fmt.Errorf("%s read after %d bytes: %w", s.name, filled, err)
		}
	}
	return nil
}

func (s *stream) disconnect() {
	if s.rc != nil {
		s.rc.Close()
		s.rc = nil
	}
}

func (s *stream) Connected() bool { return s.rc != nil }

func (s *stream) Reconnect(ctx context.Context) error {
	s.disconnect()
	rc, err := s.dial(ctx)
	if err != nil {
		return err
	}
	s.rc = rc
	s.sinceRewind = 0
	s.clock.reset()
	s.logger.Infow("source connected", "source", s.name, "format", s.format, "sample_rate", s.rate)
	return nil
}

func (s *stream) Close() error {
	s.disconnect()
	return nil
}

// openFile serves "file:path[?loop]".
func openFile(target string, q url.Values, opts Options) (Source, error) {
	if target == "" {
		return nil, errors.New("file source needs a path")
	}
	s := &stream{
		params:   newParams(opts),
		name:     "file:" + target,
		eofIsEnd: true,
		logger:   opts.logger(),
		dial: func(context.Context) (io.ReadCloser, error) {
			return os.Open(target)
		},
	}
	if queryBool(q, "loop") {
		s.rewind = func(rc io.ReadCloser) error {
			f, ok := rc.(io.Seeker)
			if !ok {
				return ErrUnsupported
			}
			_, err := f.Seek(0, io.SeekStart)
			return err
		}
	}
	if err := s.Reconnect(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

// openTCP serves "tcp:host:port". The first connection is attempted here;
// a refused connection is left to the reconnect policy.
func openTCP(target string, q url.Values, opts Options) (Source, error) {
	if _, _, err := net.SplitHostPort(target); err != nil {
		return nil, err
	}
	timeout := 5 * time.Second
	if v := q.Get("timeout"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("option timeout: %w", err)
		}
		timeout = d
	}
	s := &stream{
		params: newParams(opts),
		name:   "tcp:" + target,
		logger: opts.logger(),
		dial: func(ctx context.Context) (io.ReadCloser, error) {
			d := net.Dialer{Timeout: timeout}
			return d.DialContext(ctx, "tcp", target)
		},
	}
	if err := s.Reconnect(context.Background()); err != nil {
		s.logger.Warnw("tcp source not reachable yet", "target", target, "error", err)
	}
	return s, nil
}

func init() {
	Register("file", openFile)
	Register("tcp", openTCP)
}
