package source

import (
	"context"
	"math"
	"math/rand"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// DDS is a numerically controlled oscillator. The phase is a 32-bit
// accumulator where 2^32 is one turn, so it never drifts.
type DDS struct {
	phase     uint32
	step      uint32
	amplitude float64
	dither    float64
	rng       *rand.Rand
}

// NewDDS returns an oscillator at freqHz (negative for below centre) with
// the given unit-scale amplitude. dither is the peak of the triangular
// noise added to each component, also unit scale; 0 disables it.
func NewDDS(freqHz, sampleRate, amplitude, dither float64) *DDS {
	d := &DDS{
		amplitude: amplitude,
		dither:    dither,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	d.Tune(freqHz, sampleRate)
	return d
}

// Tune changes the output frequency keeping phase continuity.
func (d *DDS) Tune(freqHz, sampleRate float64) {
	if !(sampleRate > 0) {
		d.step = 0
		return
	}
	turns := math.Mod(freqHz/sampleRate, 1)
	if turns < 0 {
		turns++
	}
	w := turns * 4294967296.0
	if w >= 4294967295.0 {
		w = 0
	}
	d.step = uint32(w)
}

// Fill writes the next len(dst) samples.
func (d *DDS) Fill(dst []complex64) {
	for i := range dst {
		rads := float64(d.phase) * (2.0 * math.Pi / 4294967296.0)
		re := d.amplitude * math.Cos(rads)
		im := d.amplitude * math.Sin(rads)
		if d.dither > 0 {
			// triangular: difference of two uniforms
			re += d.dither * (d.rng.Float64() - d.rng.Float64())
			im += d.dither * (d.rng.Float64() - d.rng.Float64())
		}
		dst[i] = complex(float32(re), float32(im))
		d.phase += d.step
	}
}

// synthetic is a generator-backed source paced to real time.
type synthetic struct {
	params
	name      string
	fill      func([]complex64)
	retune    func(rate float64)
	paced     bool
	connected bool
	buf       []complex64
	logger    *zap.SugaredLogger
}

func (s *synthetic) ReadBlock(ctx context.Context, n int) (Block, error) {
	if !s.connected {
		return Block{}, ErrNotConnected
	}
	if cap(s.buf) < n {
		s.buf = make([]complex64, n)
	}
	s.buf = s.buf[:n]
	s.fill(s.buf)
	ns := s.clock.stamp(n, s.rate)
	if s.paced {
		if err := s.clock.pace(ctx, s.rate); err != nil {
			return Block{}, err
		}
	}
	return Block{Samples: s.buf, CaptureNs: ns}, nil
}

func (s *synthetic) Connected() bool { return s.connected }

func (s *synthetic) Reconnect(context.Context) error {
	s.connected = true
	s.clock.reset()
	s.logger.Debugw("synthetic source restarted", "source", s.name)
	return nil
}

func (s *synthetic) SetSampleRate(hz float64) error {
	if err := s.params.SetSampleRate(hz); err != nil {
		return err
	}
	if s.retune != nil {
		s.retune(hz)
	}
	return nil
}

func (s *synthetic) Close() error {
	s.connected = false
	return nil
}

// toneDefaults apply when the spec gives no sample rate.
const (
	toneDefaultRate      = 2.048e6
	toneDefaultAmplitude = 0.5
	toneDither           = 1.0 / 32767
)

// openTone serves "tone[:offsetHz][?amp=0.5&fast]". The tone sits offsetHz
// from the centre frequency; without an offset it sits at rate/8.
func openTone(target string, q url.Values, opts Options) (Source, error) {
	p := newParams(opts)
	if !(p.rate > 0) {
		p.rate = toneDefaultRate
	}
	offset := p.rate / 8
	if target != "" {
		v, err := strconv.ParseFloat(target, 64)
		if err != nil {
			return nil, err
		}
		offset = v
	}
	amp, err := queryFloat(q, "amp", toneDefaultAmplitude)
	if err != nil {
		return nil, err
	}

	dds := NewDDS(offset, p.rate, amp, toneDither)
	s := &synthetic{
		params:    p,
		name:      "tone",
		fill:      dds.Fill,
		retune:    func(rate float64) { dds.Tune(offset, rate) },
		paced:     !queryBool(q, "fast"),
		connected: true,
		logger:    opts.logger(),
	}
	return s, nil
}

// openNull serves "null[?fast]": silence, paced like a real device.
func openNull(_ string, q url.Values, opts Options) (Source, error) {
	p := newParams(opts)
	if !(p.rate > 0) {
		p.rate = toneDefaultRate
	}
	return &synthetic{
		params:    p,
		name:      "null",
		fill:      func(b []complex64) { clear(b) },
		paced:     !queryBool(q, "fast"),
		connected: true,
		logger:    opts.logger(),
	}, nil
}

// Null returns the fallback source used when a real source cannot be
// recovered. It keeps the control surface alive.
func Null(opts Options) Source {
	s, _ := openNull("", nil, opts)
	return s
}

func init() {
	Register("tone", openTone)
	Register("null", openNull)
}
