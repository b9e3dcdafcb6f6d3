// Package pipeline runs the acquisition cycle: read a block, compute its
// spectrum, offer it for delivery and feed the snapshot recorder. Everything
// except the source read runs without blocking, on one goroutine.
package pipeline

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ocupoint/iqscope/pkg/codec"
	"github.com/ocupoint/iqscope/pkg/control"
	"github.com/ocupoint/iqscope/pkg/delivery"
	"github.com/ocupoint/iqscope/pkg/metrics"
	"github.com/ocupoint/iqscope/pkg/snapshot"
	"github.com/ocupoint/iqscope/pkg/source"
	"github.com/ocupoint/iqscope/pkg/spectral"
)

// ErrStopped is returned by Cycle once a stop has been requested.
var ErrStopped = errors.New("pipeline stopped")

const (
	DefaultFFTSize           = 1024
	MaxFFTSize               = 1 << 20
	DefaultReconnectAttempts = 5
)

// Config is the startup configuration. Later changes arrive as control keys.
type Config struct {
	Source      string
	Acquisition source.Options
	FFTSize     int
	Window      spectral.Window
	Backend     string
	Alpha       float64
	Delivery    delivery.Config
	Snapshot    snapshot.Config

	ReconnectAttempts int
	ReconnectDelay    time.Duration
	ReconnectMaxDelay time.Duration
}

// DefaultConfig is a tone source at 2.048 MS/s with 1024 bins.
func DefaultConfig() Config {
	return Config{
		Source:            "tone",
		Acquisition:       source.Options{SampleRate: 2.048e6, CentreHz: 100e6, Format: codec.Int16LE},
		FFTSize:           DefaultFFTSize,
		Window:            spectral.Hamming,
		Backend:           "auto",
		Alpha:             spectral.DefaultAlpha,
		Delivery:          delivery.DefaultConfig(),
		Snapshot:          snapshot.DefaultConfig(),
		ReconnectAttempts: DefaultReconnectAttempts,
		ReconnectDelay:    time.Second,
		ReconnectMaxDelay: 10 * time.Second,
	}
}

// Opener builds a source from a spec string; source.Open by default.
type Opener func(spec string, opts source.Options) (source.Source, error)

// Driver owns every component of the cycle. Only Status, Updates and
// Delivery may be used from other goroutines.
type Driver struct {
	cfg      Config
	src      source.Source
	engine   *spectral.Engine
	delivery *delivery.Controller
	recorder *snapshot.Recorder
	planners []spectral.Planner

	updates *control.Updates
	errs    *control.Status
	metrics *metrics.Metrics
	logger  *zap.SugaredLogger
	open    Opener

	fftSize      int
	trigger      bool
	fallback     bool
	stopped      bool
	shutdownDone bool
	cycles       uint64
	lastFile     string
	status       atomic.Pointer[Status]
}

// Option configures a Driver.
type Option func(*Driver)

func WithUpdates(u *control.Updates) Option { return func(d *Driver) { d.updates = u } }
func WithErrors(s *control.Status) Option   { return func(d *Driver) { d.errs = s } }
func WithMetrics(m *metrics.Metrics) Option { return func(d *Driver) { d.metrics = m } }
func WithOpener(o Opener) Option            { return func(d *Driver) { d.open = o } }

// WithPlanners restricts the FFT backends the engine may choose from.
func WithPlanners(p ...spectral.Planner) Option { return func(d *Driver) { d.planners = p } }

func WithLogger(l *zap.SugaredLogger) Option {
	return func(d *Driver) {
		if l != nil {
			d.logger = l
		}
	}
}

// New wires a driver around src. A nil src starts on the null source.
func New(cfg Config, src source.Source, opts ...Option) *Driver {
	d := &Driver{
		cfg:      cfg,
		src:      src,
		updates:  control.NewUpdates(),
		errs:     &control.Status{},
		logger:   zap.NewNop().Sugar(),
		open:     source.Open,
		planners: spectral.DefaultPlanners(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if cfg.Acquisition.Logger == nil {
		d.cfg.Acquisition.Logger = d.logger
	}

	d.fftSize = cfg.FFTSize
	if d.fftSize < 2 || d.fftSize > MaxFFTSize {
		d.fftSize = DefaultFFTSize
	}
	if d.cfg.ReconnectAttempts <= 0 {
		d.cfg.ReconnectAttempts = DefaultReconnectAttempts
	}
	if d.cfg.ReconnectDelay <= 0 {
		d.cfg.ReconnectDelay = time.Second
	}
	if d.cfg.ReconnectMaxDelay < d.cfg.ReconnectDelay {
		d.cfg.ReconnectMaxDelay = 10 * d.cfg.ReconnectDelay
	}
	window := cfg.Window
	if window == "" {
		window = spectral.Hamming
	}
	alpha := cfg.Alpha
	if !(alpha > 0) || alpha > 1 {
		alpha = spectral.DefaultAlpha
	}
	selector, err := selectorFor(cfg.Backend, d.planners)
	if err != nil {
		d.logger.Warnw("ignoring fft backend", "backend", cfg.Backend, "error", err)
		selector = spectral.FastestOf{}
	}

	d.engine = spectral.NewEngine(
		spectral.WithWindow(window),
		spectral.WithAlpha(alpha),
		spectral.WithSelector(selector),
		spectral.WithPlanners(d.planners...),
		spectral.WithLogger(d.logger.Named("spectral")),
	)
	d.delivery = delivery.NewController(cfg.Delivery)
	d.recorder = snapshot.NewRecorder(cfg.Snapshot, snapshot.WithLogger(d.logger.Named("snapshot")))

	if d.src == nil {
		d.src = source.Null(d.cfg.Acquisition)
		d.fallback = true
	}
	d.publish()
	return d
}

// Updates is the mailbox control changes are posted to.
func (d *Driver) Updates() *control.Updates { return d.updates }

// Delivery is the consumer side of the spectrum stream.
func (d *Driver) Delivery() *delivery.Controller { return d.delivery }

// Errors is the accumulated error text shared with Status.
func (d *Driver) Errors() *control.Status { return d.errs }

// Run cycles until ctx is cancelled, a stop is requested or the source
// ends. Each of those is a clean stop and returns nil.
func (d *Driver) Run(ctx context.Context) error {
	defer d.Shutdown()
	d.logger.Infow("pipeline started",
		"source", d.cfg.Source,
		"fft_size", d.fftSize,
		"sample_rate", d.src.SampleRate(),
		"centre_hz", d.src.CentreFrequency(),
	)
	for {
		err := d.Cycle(ctx)
		switch {
		case err == nil:
			continue
		case errors.Is(err, ErrStopped), errors.Is(err, source.ErrEndOfStream):
			d.logger.Infow("pipeline stopping", "reason", err)
			return nil
		case ctx.Err() != nil:
			return nil
		default:
			return err
		}
	}
}

// Cycle performs one acquisition cycle.
func (d *Driver) Cycle(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.applyUpdates()
	if d.stopped {
		return ErrStopped
	}

	blk, err := d.src.ReadBlock(ctx, d.fftSize)
	if err != nil {
		err = d.readFailed(ctx, err)
		d.publish()
		return err
	}
	if len(blk.Samples) == 0 {
		return nil
	}

	frame := d.engine.Process(blk.Samples, blk.CaptureNs)
	d.metrics.RecordSpectrum(frame.Size())

	rate, centre := d.src.SampleRate(), d.src.CentreFrequency()
	res := d.delivery.Offer(frame, rate, centre)
	d.metrics.RecordDelivery(res.String())

	d.recorder.SetTuning(centre, rate)
	before := d.recorder.Session().BytesWritten
	out, ferr := d.recorder.Feed(blk.Samples, d.trigger)
	if after := d.recorder.Session().BytesWritten; after > before {
		d.metrics.RecordSnapshotBytes(after - before)
	}
	d.recorded(out, ferr)

	d.cycles++
	d.publish()
	return nil
}

func (d *Driver) recorded(out snapshot.Outcome, err error) {
	for _, w := range out.Warnings {
		d.errs.Errorf("snapshot: %s", w)
	}
	if err != nil {
		d.logger.Errorw("snapshot failed", "error", err)
		d.errs.Add(err)
		d.metrics.RecordSnapshot("failed")
		return
	}
	if out.Status == snapshot.StatusCompleted {
		d.lastFile = out.File
		d.metrics.RecordSnapshot("completed")
	}
}

// readFailed classifies an acquisition error. A nil return means the cycle
// produced no samples and the loop should carry on.
func (d *Driver) readFailed(ctx context.Context, err error) error {
	var decodeErr *codec.DecodeError
	switch {
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, source.ErrEndOfStream):
		return err
	case errors.As(err, &decodeErr):
		d.metrics.RecordAcquisitionError("decode")
		d.errs.Add(err)
		return nil
	case !source.IsTransient(err):
		d.metrics.RecordAcquisitionError("fatal")
		d.fallBack(err)
		return nil
	}

	d.metrics.RecordAcquisitionError("read")
	d.logger.Warnw("acquisition failed, reconnecting", "source", d.cfg.Source, "error", err)
	last := err
	for attempt := 1; attempt <= d.cfg.ReconnectAttempts; attempt++ {
		if werr := d.backoff(ctx, attempt); werr != nil {
			return werr
		}
		d.metrics.RecordReconnect()
		if last = d.src.Reconnect(ctx); last == nil {
			d.logger.Infow("source reconnected", "source", d.cfg.Source, "attempt", attempt)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		d.logger.Warnw("reconnect failed", "attempt", attempt, "error", last)
	}
	d.fallBack(last)
	return nil
}

// backoff waits delay*2^(attempt-1), capped at the configured maximum.
func (d *Driver) backoff(ctx context.Context, attempt int) error {
	delay := time.Duration(float64(d.cfg.ReconnectDelay) * math.Pow(2, float64(attempt-1)))
	if delay > d.cfg.ReconnectMaxDelay || delay <= 0 {
		delay = d.cfg.ReconnectMaxDelay
	}
	d.logger.Infow("reconnecting with backoff", "attempt", attempt, "delay", delay)

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// fallBack swaps in the null source so control and delivery stay alive.
func (d *Driver) fallBack(cause error) {
	d.errs.Errorf("source %s unavailable, using null source: %v", d.cfg.Source, cause)
	d.logger.Errorw("falling back to null source", "source", d.cfg.Source, "error", cause)

	opts := d.cfg.Acquisition
	opts.SampleRate = d.src.SampleRate()
	opts.CentreHz = d.src.CentreFrequency()
	opts.Format = d.src.Format()
	if err := d.src.Close(); err != nil {
		d.logger.Debugw("closing failed source", "error", err)
	}
	d.src = source.Null(opts)
	d.fallback = true
}

// Shutdown finalizes any recording, closes delivery and the source. Run
// calls it on exit; it is idempotent.
func (d *Driver) Shutdown() {
	if d.shutdownDone {
		return
	}
	d.shutdownDone = true
	d.stopped = true

	out, err := d.recorder.Finalize()
	d.recorded(out, err)
	d.delivery.Close()
	if err := d.src.Close(); err != nil {
		d.logger.Warnw("closing source", "error", err)
	}
	d.publish()
	d.logger.Infow("pipeline stopped", "cycles", d.cycles, "last_snapshot", d.lastFile)
}
