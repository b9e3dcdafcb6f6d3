// Package spectral turns fixed-size complex sample blocks into power spectra
// and tracks a per-bin noise floor across blocks.
package spectral

import (
	"math"

	"go.uber.org/zap"
)

// MinPowerDB is reported for bins with zero energy.
const MinPowerDB = -200.0

// Frame is the spectral output for one block. Powers and NoiseFloor are in
// natural FFT order (DC at index 0) and are owned by the Engine: they stay
// valid until the next call to Process.
type Frame struct {
	Powers        []float64
	NoiseFloor    []float64
	CaptureTimeNs uint64
}

// Size is the number of bins in the frame.
func (f Frame) Size() int { return len(f.Powers) }

// Engine windows, transforms and converts blocks to dB. It is not safe for
// concurrent use; each pipeline owns one.
type Engine struct {
	size     int
	window   Window
	coeffs   []float64
	floor    *NoiseFloor
	planners []Planner
	selector Selector
	backend  Candidate
	stale    bool

	in     []complex128
	out    []complex128
	powers []float64

	logger *zap.SugaredLogger
}

// Option configures an Engine.
type Option func(*Engine)

// WithAlpha sets the noise floor EWMA weight.
func WithAlpha(alpha float64) Option {
	return func(e *Engine) { e.floor.SetAlpha(alpha) }
}

// WithWindow sets the taper applied before the transform.
func WithWindow(w Window) Option {
	return func(e *Engine) { e.window = w }
}

// WithSelector sets the backend selection policy.
func WithSelector(s Selector) Option {
	return func(e *Engine) { e.selector = s }
}

// WithPlanners restricts the available FFT backends.
func WithPlanners(p ...Planner) Option {
	return func(e *Engine) { e.planners = p }
}

// WithLogger attaches a logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewEngine returns an engine with a Hamming window, alpha 0.01 and the
// fastest-of-N backend policy. Buffers are sized on the first block.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		window:   Hamming,
		floor:    NewNoiseFloor(0, DefaultAlpha),
		planners: DefaultPlanners(),
		selector: FastestOf{},
		logger:   zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Size is the block length the engine is currently provisioned for.
func (e *Engine) Size() int { return e.size }

// Backend names the FFT implementation in use.
func (e *Engine) Backend() string { return e.backend.Name }

// Window returns the active window.
func (e *Engine) Window() Window { return e.window }

// SetWindow changes the taper from the next block on.
func (e *Engine) SetWindow(w Window) {
	e.window = w
	if e.size > 0 {
		e.coeffs = w.Coefficients(e.size)
	}
}

// SetAlpha changes the noise floor weight.
func (e *Engine) SetAlpha(alpha float64) { e.floor.SetAlpha(alpha) }

// SetSelector swaps the backend policy; selection reruns on the next block.
func (e *Engine) SetSelector(s Selector) {
	e.selector = s
	e.stale = true
}

// Process computes the spectrum of samples. A change of block length
// resets the noise floor and reruns backend selection.
func (e *Engine) Process(samples []complex64, captureNs uint64) Frame {
	n := len(samples)
	if n != e.size {
		e.resize(n)
	} else if e.stale {
		e.selectBackend()
	}
	if n == 0 {
		return Frame{CaptureTimeNs: captureNs}
	}

	for i, s := range samples {
		w := e.coeffs[i]
		e.in[i] = complex(float64(real(s))*w, float64(imag(s))*w)
	}
	e.backend.FFT.Forward(e.out, e.in)

	for i, c := range e.out {
		e.powers[i] = PowerDB(real(c)*real(c) + imag(c)*imag(c))
	}
	e.floor.Update(e.powers)

	return Frame{
		Powers:        e.powers,
		NoiseFloor:    e.floor.Values(),
		CaptureTimeNs: captureNs,
	}
}

func (e *Engine) resize(n int) {
	if e.size != 0 {
		e.logger.Infow("fft size changed, noise floor reset", "from", e.size, "to", n)
	}
	e.size = n
	e.coeffs = e.window.Coefficients(n)
	e.in = make([]complex128, n)
	e.out = make([]complex128, n)
	e.powers = make([]float64, n)
	e.floor.Reset(n)
	if n > 0 {
		e.selectBackend()
	}
}

func (e *Engine) selectBackend() {
	e.stale = false
	candidates := plan(e.size, e.planners)
	chosen, err := e.selector.Select(e.size, candidates)
	if err != nil {
		e.logger.Warnw("fft backend selection failed, benchmarking instead", "size", e.size, "error", err)
		chosen, err = FastestOf{}.Select(e.size, candidates)
	}
	if err != nil {
		// Gonum plans every positive size, so this only happens with a
		// restricted planner list.
		g, _ := Gonum{}.Plan(e.size)
		chosen = Candidate{Name: Gonum{}.Name(), FFT: g}
	}
	e.backend = chosen
	e.logger.Debugw("fft backend selected", "size", e.size, "backend", chosen.Name, "candidates", len(candidates))
}

// PowerDB converts a linear power to dB, clamping silence to MinPowerDB.
func PowerDB(p float64) float64 {
	if p <= 0 || math.IsNaN(p) {
		return MinPowerDB
	}
	db := 10 * math.Log10(p)
	if db < MinPowerDB {
		return MinPowerDB
	}
	return db
}
