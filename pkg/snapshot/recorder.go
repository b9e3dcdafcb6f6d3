// Package snapshot records bounded bursts of raw samples to file when
// triggered, without disturbing the acquisition cycle.
package snapshot

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// BytesPerSample is the on-disk size of one 16-bit I/Q pair.
const BytesPerSample = 4

// State of the recorder.
type State int

const (
	Idle State = iota
	Armed
	Recording
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Armed:
		return "armed"
	case Recording:
		return "recording"
	}
	return "unknown"
}

// Status is the per-call result of Feed.
type Status int

const (
	StatusIdle Status = iota
	StatusInProgress
	StatusCompleted
)

func (s Status) String() string {
	switch s {
	case StatusInProgress:
		return "in-progress"
	case StatusCompleted:
		return "completed"
	}
	return "idle"
}

// Outcome reports what a Feed call did. File is set when Status is
// StatusCompleted. Warnings carry non-fatal admission notes.
type Outcome struct {
	Status   Status
	File     string
	Warnings []string
}

// Config is applied with Configure and governs every following recording.
type Config struct {
	Dir           string
	BaseName      string
	PreTriggerMS  int
	PostTriggerMS int
	// MaxFileSize caps the sample payload, BytesPerSample bytes per sample.
	// The wav header and parquet framing are written on top of it.
	MaxFileSize int64
	Format      Format
}

// DefaultConfig records one second to ./snapshot.*, capped at 1 GiB.
func DefaultConfig() Config {
	return Config{
		Dir:           ".",
		BaseName:      "snapshot",
		PostTriggerMS: 1000,
		MaxFileSize:   1 << 30,
		Format:        FormatRaw,
	}
}

// Session is the bookkeeping of the current or last recording.
type Session struct {
	State            State
	BaseName         string
	RemainingSamples int64
	SamplesWritten   int64
	BytesWritten     uint64
	CentreHz         float64
	SampleRateHz     float64
	StartedAt        time.Time
}

// RecordingError is fatal for one recording; the partial file is removed.
type RecordingError struct {
	Op   string
	Path string
	Err  error
}

func (e *RecordingError) Error() string {
	return fmt.Sprintf("snapshot %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *RecordingError) Unwrap() error { return e.Err }

// Recorder is the trigger-driven state machine. It is owned by the pipeline
// goroutine and is not safe for concurrent use.
type Recorder struct {
	cfg         Config
	session     Session
	centreHz    float64
	sampleRate  float64
	lastTrigger bool

	sink    Sink
	tmpPath string

	open   Opener
	now    func() time.Time
	logger *zap.SugaredLogger
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithOpener replaces the file sink factory.
func WithOpener(o Opener) Option { return func(r *Recorder) { r.open = o } }

// WithClock replaces time.Now for file naming.
func WithClock(now func() time.Time) Option { return func(r *Recorder) { r.now = now } }

// WithLogger attaches a logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(r *Recorder) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRecorder returns an idle recorder using cfg.
func NewRecorder(cfg Config, opts ...Option) *Recorder {
	r := &Recorder{
		cfg:    cfg,
		open:   OpenFile,
		now:    time.Now,
		logger: zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.session.BaseName = cfg.BaseName
	return r
}

// Config returns the active configuration.
func (r *Recorder) Config() Config { return r.cfg }

// Session returns a copy of the session bookkeeping.
func (r *Recorder) Session() Session { return r.session }

// State is shorthand for Session().State.
func (r *Recorder) State() State { return r.session.State }

// SetTuning records the centre frequency and sample rate used for the next
// recording. A running recording keeps the values it started with.
func (r *Recorder) SetTuning(centreHz, sampleRate float64) {
	r.centreHz = centreHz
	r.sampleRate = sampleRate
}

// Configure applies a new recording configuration. A recording in progress
// is finalized first and its outcome returned.
func (r *Recorder) Configure(cfg Config) (Outcome, error) {
	var out Outcome
	var err error
	if r.session.State == Recording {
		out, err = r.finish(Outcome{})
	}
	r.cfg = cfg
	r.session = Session{State: Idle, BaseName: cfg.BaseName}
	return out, err
}

// Arm moves Idle to Armed; otherwise it does nothing.
func (r *Recorder) Arm() {
	if r.session.State == Idle {
		r.session.State = Armed
	}
}

// Feed is called every cycle with the current block and trigger level.
func (r *Recorder) Feed(block []complex64, trigger bool) (Outcome, error) {
	rising := trigger && !r.lastTrigger
	r.lastTrigger = trigger

	var out Outcome
	switch r.session.State {
	case Recording:
		if !trigger {
			return r.finish(out)
		}
	case Armed:
		if !trigger {
			return Outcome{Status: StatusIdle}, nil
		}
		fallthrough
	default:
		if r.session.State == Idle && !rising {
			return Outcome{Status: StatusIdle}, nil
		}
		warnings, err := r.start()
		out.Warnings = warnings
		if err != nil {
			out.Status = StatusIdle
			return out, err
		}
		if r.session.State != Recording {
			out.Status = StatusIdle
			return out, nil
		}
	}

	if n := min(int64(len(block)), r.session.RemainingSamples); n > 0 {
		if err := r.sink.WriteSamples(block[:n]); err != nil {
			path := r.tmpPath
			r.abort()
			out.Status = StatusIdle
			return out, &RecordingError{Op: "write", Path: path, Err: err}
		}
		r.session.RemainingSamples -= n
		r.session.SamplesWritten += n
		r.session.BytesWritten += uint64(n) * BytesPerSample
	}

	if r.session.RemainingSamples <= 0 {
		return r.finish(out)
	}
	out.Status = StatusInProgress
	return out, nil
}

// Finalize completes a recording in progress, as on shutdown.
func (r *Recorder) Finalize() (Outcome, error) {
	if r.session.State != Recording {
		r.session.State = Idle
		return Outcome{Status: StatusIdle}, nil
	}
	return r.finish(Outcome{})
}

// Budget is the number of samples a post-trigger window of postMS covers.
func Budget(sampleRate float64, postMS int) int64 {
	if !(sampleRate > 0) || postMS <= 0 {
		return 0
	}
	b := sampleRate * float64(postMS) / 1000
	if b > math.MaxInt64/2 {
		return math.MaxInt64 / 2
	}
	return int64(b)
}

func (r *Recorder) start() ([]string, error) {
	var warnings []string
	if r.cfg.PreTriggerMS > 0 {
		warnings = append(warnings, fmt.Sprintf("pre-trigger capture is not supported, ignoring %d ms", r.cfg.PreTriggerMS))
	}

	budget := Budget(r.sampleRate, r.cfg.PostTriggerMS)
	if budget <= 0 {
		r.session.State = Idle
		warnings = append(warnings, "snapshot budget is zero, nothing recorded")
		return warnings, nil
	}
	if r.cfg.MaxFileSize > 0 {
		if limit := r.cfg.MaxFileSize / BytesPerSample; budget > limit {
			warnings = append(warnings, fmt.Sprintf("snapshot clamped from %d to %d samples by max file size %d bytes", budget, limit, r.cfg.MaxFileSize))
			budget = limit
		}
	}
	if budget <= 0 {
		r.session.State = Idle
		warnings = append(warnings, "max file size too small for a single sample")
		return warnings, nil
	}

	base := r.cfg.BaseName
	if base == "" {
		base = "snapshot"
	}
	dir := r.cfg.Dir
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		r.session.State = Idle
		return warnings, &RecordingError{Op: "mkdir", Path: dir, Err: err}
	}

	started := r.now()
	tmp := filepath.Join(dir, base+".partial"+r.cfg.Format.Extension())
	sink, err := r.open(r.cfg.Format, tmp, Metadata{Start: started, CentreHz: r.centreHz, SampleRate: r.sampleRate})
	if err != nil {
		r.session.State = Idle
		return warnings, &RecordingError{Op: "open", Path: tmp, Err: err}
	}

	r.sink = sink
	r.tmpPath = tmp
	r.session = Session{
		State:            Recording,
		BaseName:         base,
		RemainingSamples: budget,
		CentreHz:         r.centreHz,
		SampleRateHz:     r.sampleRate,
		StartedAt:        started,
	}
	for _, w := range warnings {
		r.logger.Warnw("snapshot admission", "warning", w)
	}
	r.logger.Infow("snapshot recording started", "file", tmp, "samples", budget, "format", r.cfg.Format)
	return warnings, nil
}

func (r *Recorder) finish(out Outcome) (Outcome, error) {
	sink, tmp := r.sink, r.tmpPath
	r.sink, r.tmpPath = nil, ""
	r.session.State = Idle
	out.Status = StatusIdle

	if err := sink.Close(); err != nil {
		os.Remove(tmp)
		return out, &RecordingError{Op: "close", Path: tmp, Err: err}
	}

	final := filepath.Join(filepath.Dir(tmp), FileName(r.session.BaseName, r.session.StartedAt, r.session.CentreHz, r.session.SampleRateHz)+r.cfg.Format.Extension())
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return out, &RecordingError{Op: "rename", Path: tmp, Err: err}
	}

	r.logger.Infow("snapshot recording complete", "file", final, "samples", r.session.SamplesWritten, "bytes", r.session.BytesWritten)
	out.Status = StatusCompleted
	out.File = final
	return out, nil
}

func (r *Recorder) abort() {
	if r.sink != nil {
		if err := r.sink.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			r.logger.Debugw("closing aborted snapshot", "error", err)
		}
		os.Remove(r.tmpPath)
	}
	r.sink, r.tmpPath = nil, ""
	r.session.State = Idle
	r.session.RemainingSamples = 0
}

// FileName embeds capture metadata in the name so the file can be reopened
// without a sidecar: <base>.<epoch>.cf<centre MHz>.cplx.<rate>.16tle
func FileName(base string, start time.Time, centreHz, sampleRate float64) string {
	return fmt.Sprintf("%s.%d.cf%s.cplx.%d.16tle",
		base,
		start.Unix(),
		strconv.FormatFloat(centreHz/1e6, 'f', -1, 64),
		int64(sampleRate),
	)
}
