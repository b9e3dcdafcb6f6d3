package source

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/ocupoint/iqscope/pkg/codec"
)

// params holds the acquisition parameters every adapter reports and
// implements Tunable for them.
type params struct {
	rate   float64
	centre float64
	format codec.WireFormat
	clock  sampleClock
}

func newParams(opts Options) params {
	p := params{rate: opts.SampleRate, centre: opts.CentreHz, format: opts.Format}
	if !p.format.Valid() {
		p.format = codec.Int16LE
	}
	return p
}

func (p *params) SampleRate() float64      { return p.rate }
func (p *params) CentreFrequency() float64 { return p.centre }
func (p *params) Format() codec.WireFormat { return p.format }

func (p *params) SetSampleRate(hz float64) error {
	if !(hz > 0) || math.IsInf(hz, 0) {
		return fmt.Errorf("invalid sample rate %v", hz)
	}
	p.clock.rebase(p.rate)
	p.rate = hz
	return nil
}

func (p *params) SetCentreFrequency(hz float64) error {
	if math.IsNaN(hz) || math.IsInf(hz, 0) {
		return fmt.Errorf("invalid centre frequency %v", hz)
	}
	p.centre = hz
	return nil
}

func (p *params) SetFormat(f codec.WireFormat) error {
	if !f.Valid() {
		return &codec.DecodeError{Format: f, Err: codec.ErrUnsupportedFormat}
	}
	p.format = f
	return nil
}

// sampleClock stamps blocks with the wall time of their first sample,
// derived from the sample count since the last rebase so that timestamps
// stay monotonic and evenly spaced.
type sampleClock struct {
	baseNs  uint64
	samples uint64
	now     func() time.Time
}

func (c *sampleClock) wall() time.Time {
	if c.now != nil {
		return c.now()
	}
	return time.Now()
}

// rebase folds the samples counted at the old rate into the base time.
func (c *sampleClock) rebase(oldRate float64) {
	if c.baseNs != 0 && oldRate > 0 {
		c.baseNs += uint64(float64(c.samples) * 1e9 / oldRate)
	}
	c.samples = 0
}

func (c *sampleClock) reset() {
	c.baseNs = uint64(c.wall().UnixNano())
	c.samples = 0
}

// stamp returns the capture time of the next n samples and advances.
func (c *sampleClock) stamp(n int, rate float64) uint64 {
	if c.baseNs == 0 {
		c.reset()
	}
	ns := c.baseNs
	if rate > 0 {
		ns += uint64(float64(c.samples) * 1e9 / rate)
	}
	c.samples += uint64(n)
	return ns
}

// pace sleeps until the wall clock catches up with the sample clock.
func (c *sampleClock) pace(ctx context.Context, rate float64) error {
	if !(rate > 0) {
		return ctx.Err()
	}
	due := time.Unix(0, int64(c.baseNs)+int64(float64(c.samples)*1e9/rate))
	d := due.Sub(c.wall())
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
