// Package source provides the acquisition adapters that feed the pipeline
// with blocks of complex samples.
package source

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/ocupoint/iqscope/pkg/codec"
)

var (
	// ErrEndOfStream is a clean, permanent end of input.
	ErrEndOfStream = errors.New("end of stream")
	// ErrNotConnected is returned by ReadBlock on a closed or failed source.
	ErrNotConnected = errors.New("source not connected")
	// ErrUnsupported means the source cannot run on this platform or with
	// these options. Retrying will not help.
	ErrUnsupported = errors.New("source not supported")
)

// Block is one acquisition unit. Samples is owned by the source and is
// only valid until the next ReadBlock.
type Block struct {
	Samples   []complex64
	CaptureNs uint64
}

// Source is consumed by a single goroutine.
type Source interface {
	// ReadBlock returns exactly n samples. It is the only call that may
	// suspend the pipeline.
	ReadBlock(ctx context.Context, n int) (Block, error)
	Connected() bool
	Reconnect(ctx context.Context) error
	SampleRate() float64
	CentreFrequency() float64
	Format() codec.WireFormat
	Close() error
}

// Tunable is implemented by sources that accept new acquisition parameters.
type Tunable interface {
	SetSampleRate(hz float64) error
	SetCentreFrequency(hz float64) error
	SetFormat(f codec.WireFormat) error
}

// IsTransient reports whether err is worth a reconnect attempt.
func IsTransient(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrEndOfStream),
		errors.Is(err, ErrUnsupported),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, codec.ErrUnsupportedFormat):
		return false
	}
	return true
}

// Options are the acquisition parameters a source starts with.
type Options struct {
	SampleRate float64
	CentreHz   float64
	Format     codec.WireFormat
	Logger     *zap.SugaredLogger
}

func (o Options) logger() *zap.SugaredLogger {
	if o.Logger == nil {
		return zap.NewNop().Sugar()
	}
	return o.Logger
}

// Factory builds a source from the part of the spec after the scheme.
type Factory func(target string, query url.Values, opts Options) (Source, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register makes a scheme available to Open.
func Register(scheme string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[strings.ToLower(scheme)] = f
}

// Schemes lists the registered schemes.
func Schemes() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for s := range registry {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Open builds a source from "scheme[:target][?key=value&...]".
func Open(spec string, opts Options) (Source, error) {
	scheme, target, query, err := ParseSpec(spec)
	if err != nil {
		return nil, err
	}
	registryMu.RLock()
	f, ok := registry[scheme]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown source scheme %q (have %s): %w", scheme, strings.Join(Schemes(), ", "), ErrUnsupported)
	}
	if opts.Format == 0 {
		opts.Format = codec.Int16LE
	}
	src, err := f(target, query, opts)
	if err != nil {
		return nil, fmt.Errorf("open source %s: %w", spec, err)
	}
	return src, nil
}

// ParseSpec splits a source spec into scheme, target and query options.
func ParseSpec(spec string) (scheme, target string, query url.Values, err error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return "", "", nil, errors.New("empty source spec")
	}
	if i := strings.LastIndexByte(spec, '?'); i >= 0 {
		query, err = url.ParseQuery(spec[i+1:])
		if err != nil {
			return "", "", nil, fmt.Errorf("source options: %w", err)
		}
		spec = spec[:i]
	}
	scheme, target, _ = strings.Cut(spec, ":")
	return strings.ToLower(scheme), target, query, nil
}

func queryFloat(q url.Values, key string, def float64) (float64, error) {
	s := q.Get(key)
	if s == "" {
		return def, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("option %s: %w", key, err)
	}
	return v, nil
}

func queryBool(q url.Values, key string) bool {
	if !q.Has(key) {
		return false
	}
	s := q.Get(key)
	if s == "" {
		return true
	}
	b, _ := strconv.ParseBool(s)
	return b
}
