// Package delivery decides which spectra reach a slow display consumer.
//
// The producer side runs once per acquisition cycle and never blocks: a
// spectrum that cannot be forwarded is folded into a peak-hold accumulator
// so transient energy survives until the next successful send.
package delivery

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"time"

	"github.com/ocupoint/iqscope/pkg/spectral"
)

const (
	DefaultCapacity     = 10
	DefaultTargetFPS    = 25.0
	DefaultOverrideFPS  = 10.0
	DefaultLagThreshold = 5 * time.Second
	MaxDecimation       = math.MaxInt32

	// SentinelDB fills the accumulator after each forward.
	SentinelDB = -200.0
)

// ErrClosed is returned by Receive after Close.
var ErrClosed = errors.New("delivery channel closed")

// Result says what Offer did with a frame.
type Result int

const (
	Held         Result = iota // merged, decimation threshold not reached
	Forwarded                  // sent to the outbound channel
	Backpressure               // threshold reached but the channel was full
)

func (r Result) String() string {
	switch r {
	case Held:
		return "held"
	case Forwarded:
		return "forwarded"
	case Backpressure:
		return "backpressure"
	}
	return "unknown"
}

// Config sizes the outbound channel and the lag policy.
type Config struct {
	Capacity     int
	TargetFPS    float64
	OverrideFPS  float64
	LagThreshold time.Duration
}

// DefaultConfig returns the stock delivery settings.
func DefaultConfig() Config {
	return Config{
		Capacity:     DefaultCapacity,
		TargetFPS:    DefaultTargetFPS,
		OverrideFPS:  DefaultOverrideFPS,
		LagThreshold: DefaultLagThreshold,
	}
}

// State is a copy of the controller's bookkeeping.
type State struct {
	PeakAccumulator    []float64
	AccumulatedFrames  uint32
	LastForwardedCount uint32
	TargetFPS          float64
	UserFPS            float64
	FPSOverridden      bool
	MeasuredFPS        float64
	ConsumerAckLagSec  float64
	Decimation         int
}

// Controller owns the peak-hold state. Offer, SetTargetFPS, State and Close
// belong to the producer goroutine; Ack, Receive and C may be used from any
// goroutine.
type Controller struct {
	cfg Config
	out chan Message

	peak          []float64
	cycles        int
	accumulated   uint32
	lastForwarded uint32
	firstCapture  uint64
	decimation    int

	userFPS    float64
	targetFPS  float64
	overridden bool
	lag        float64

	measured    float64
	windowStart uint64
	windowCount int

	ack    atomic.Uint64
	closed atomic.Bool
}

// NewController creates a controller with an empty accumulator.
func NewController(cfg Config) *Controller {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.OverrideFPS <= 0 {
		cfg.OverrideFPS = DefaultOverrideFPS
	}
	if cfg.LagThreshold <= 0 {
		cfg.LagThreshold = DefaultLagThreshold
	}
	return &Controller{
		cfg:        cfg,
		out:        make(chan Message, cfg.Capacity),
		userFPS:    cfg.TargetFPS,
		targetFPS:  cfg.TargetFPS,
		decimation: 1,
	}
}

// Decimation is the number of cycles folded into each forwarded spectrum:
// floor(sampleRate / (targetFPS * fftSize)), never below 1.
// A non-positive or non-finite target disables decimation.
func Decimation(sampleRate, targetFPS float64, fftSize int) int {
	if fftSize <= 0 || !(targetFPS > 0) || math.IsInf(targetFPS, 0) || !(sampleRate > 0) {
		return 1
	}
	n := math.Floor(sampleRate / (targetFPS * float64(fftSize)))
	if math.IsNaN(n) || n < 1 {
		return 1
	}
	if n > MaxDecimation {
		return MaxDecimation
	}
	return int(n)
}

// Offer considers one spectrum. It never blocks.
func (c *Controller) Offer(f spectral.Frame, sampleRate, centreHz float64) Result {
	if c.closed.Load() {
		return Held
	}
	powers := f.Powers
	if len(powers) != len(c.peak) {
		c.peak = make([]float64, len(powers))
		fillSentinel(c.peak)
		c.accumulated = 0
		c.cycles = 0
	}

	c.updateLag(f.CaptureTimeNs)
	c.decimation = Decimation(sampleRate, c.targetFPS, len(powers))

	if c.accumulated == 0 {
		copy(c.peak, powers)
		c.firstCapture = f.CaptureTimeNs
	} else {
		for i, p := range powers {
			if p > c.peak[i] {
				c.peak[i] = p
			}
		}
	}
	c.accumulated++
	c.cycles++

	if c.cycles < c.decimation {
		return Held
	}

	msg := Message{
		SampleRate:     sampleRate,
		CentreHz:       centreHz,
		Powers:         spectral.ShiftFloat32(nil, powers),
		PeakHold:       spectral.ShiftFloat32(nil, c.peak),
		FirstCaptureNs: c.firstCapture,
		CaptureNs:      f.CaptureTimeNs,
	}
	select {
	case c.out <- msg:
	default:
		return Backpressure
	}

	c.lastForwarded = c.accumulated
	c.accumulated = 0
	c.cycles = 0
	fillSentinel(c.peak)
	c.measure(f.CaptureTimeNs)
	return Forwarded
}

func (c *Controller) measure(captureNs uint64) {
	if c.windowStart == 0 || captureNs < c.windowStart {
		c.windowStart = captureNs
		c.windowCount = 0
		return
	}
	c.windowCount++
	elapsed := captureNs - c.windowStart
	if elapsed >= uint64(time.Second) {
		c.measured = float64(c.windowCount) * float64(time.Second) / float64(elapsed)
		c.windowStart = captureNs
		c.windowCount = 0
	}
}

// updateLag applies the consumer lag override. It engages while the
// consumer is more than LagThreshold behind and forwarding runs above
// OverrideFPS, and lifts once the measured rate is at or below the
// effective target, whatever the lag.
func (c *Controller) updateLag(captureNs uint64) {
	if c.overridden && c.measured <= c.targetFPS {
		c.overridden = false
		c.targetFPS = c.userFPS
	}

	ack := math.Float64frombits(c.ack.Load())
	if ack <= 0 {
		c.lag = 0
		return
	}
	c.lag = float64(captureNs)/1e9 - ack
	if !c.overridden && c.lag > c.cfg.LagThreshold.Seconds() && c.measured > c.cfg.OverrideFPS {
		c.overridden = true
		c.targetFPS = c.cfg.OverrideFPS
	}
}

// Ack records the capture time, in seconds, of the newest frame the
// consumer has actually rendered.
func (c *Controller) Ack(renderedAt float64) {
	c.ack.Store(math.Float64bits(renderedAt))
}

// SetTargetFPS changes the requested display rate. While the lag override
// is active the new value takes effect once the override lifts.
func (c *Controller) SetTargetFPS(fps float64) {
	c.userFPS = fps
	if !c.overridden {
		c.targetFPS = fps
	}
}

// State returns a copy of the controller bookkeeping.
func (c *Controller) State() State {
	st := c.Summary()
	st.PeakAccumulator = append([]float64(nil), c.peak...)
	return st
}

// Summary is State without the accumulator copy.
func (c *Controller) Summary() State {
	return State{
		AccumulatedFrames:  c.accumulated,
		LastForwardedCount: c.lastForwarded,
		TargetFPS:          c.targetFPS,
		UserFPS:            c.userFPS,
		FPSOverridden:      c.overridden,
		MeasuredFPS:        c.measured,
		ConsumerAckLagSec:  c.lag,
		Decimation:         c.decimation,
	}
}

// C exposes the outbound channel for consumers that select on it directly.
func (c *Controller) C() <-chan Message { return c.out }

// Receive waits up to timeout for the next message. ok is false on timeout.
func (c *Controller) Receive(ctx context.Context, timeout time.Duration) (Message, bool, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case msg, open := <-c.out:
		if !open {
			return Message{}, false, ErrClosed
		}
		return msg, true, nil
	case <-timer.C:
		return Message{}, false, nil
	case <-ctx.Done():
		return Message{}, false, ctx.Err()
	}
}

// Close stops further sends, discards anything still queued and closes the
// channel so blocked consumers wake up.
func (c *Controller) Close() {
	if c.closed.Swap(true) {
		return
	}
	close(c.out)
	for range c.out {
	}
}

func fillSentinel(a []float64) {
	for i := range a {
		a[i] = SentinelDB
	}
}
