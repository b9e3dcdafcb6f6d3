package delivery

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/matryer/is"

	"github.com/ocupoint/iqscope/pkg/spectral"
)

func frame(captureNs uint64, powers ...float64) spectral.Frame {
	return spectral.Frame{Powers: powers, CaptureTimeNs: captureNs}
}

func TestDecimationNeverBelowOne(t *testing.T) {
	is := is.New(t)

	rates := []float64{0, 1, 48e3, 2.4e6, 250e6, 1e12, math.Inf(1), math.NaN(), -5}
	fpss := []float64{0, 1e-12, 0.5, 10, 60, 1e9, math.Inf(1), math.NaN(), -1}
	for _, r := range rates {
		for _, fps := range fpss {
			for _, n := range []int{0, 1, 1024, 65536} {
				d := Decimation(r, fps, n)
				is.True(d >= 1)
				is.True(d <= MaxDecimation)
			}
		}
	}
	is.Equal(Decimation(2.048e6, 10, 1024), 200)
	is.Equal(Decimation(1000, 10, 1024), 1)
}

func TestOfferForwardsEveryNthCycle(t *testing.T) {
	is := is.New(t)
	c := NewController(Config{TargetFPS: 10})

	// 4 bins at 80 Hz sample rate is 20 cycles/s, so every 2nd cycle at 10 fps.
	is.Equal(c.Offer(frame(1, 1, 5, 1, 1), 80, 0), Held)
	is.Equal(c.Offer(frame(2, 2, 2, 7, 2), 80, 100e6), Forwarded)

	msg, ok, err := c.Receive(context.Background(), time.Second)
	is.NoErr(err)
	is.True(ok)
	is.Equal(msg.CentreHz, 100e6)
	is.Equal(msg.FirstCaptureNs, uint64(1))
	is.Equal(msg.CaptureNs, uint64(2))
	// zero-centred: natural [a b c d] becomes [c d a b]
	is.Equal(msg.Powers, []float32{7, 2, 2, 2})
	is.Equal(msg.PeakHold, []float32{7, 2, 2, 5})

	st := c.State()
	is.Equal(st.LastForwardedCount, uint32(2))
	is.Equal(st.AccumulatedFrames, uint32(0))
	for _, p := range st.PeakAccumulator {
		is.Equal(p, SentinelDB) // reset after forward
	}
}

func TestFullChannelKeepsPeakOfEveryFrame(t *testing.T) {
	is := is.New(t)
	c := NewController(Config{Capacity: 1, TargetFPS: 10})

	is.Equal(c.Offer(frame(1, 0, 0, 0), 0, 0), Forwarded) // fills the only slot

	frames := [][]float64{
		{-10, -50, -30},
		{-40, -5, -60},
		{-90, -80, -1},
		{-20, -70, -70},
	}
	want := []float64{-10, -5, -1}
	for i, p := range frames {
		is.Equal(c.Offer(frame(uint64(i+2), p...), 0, 0), Backpressure)
	}

	st := c.State()
	is.Equal(st.PeakAccumulator, want)
	is.Equal(st.AccumulatedFrames, uint32(len(frames)))

	// once the consumer drains, the accumulated peak goes out with the next frame
	_, ok, err := c.Receive(context.Background(), time.Second)
	is.NoErr(err)
	is.True(ok)
	is.Equal(c.Offer(frame(10, -100, -100, -100), 0, 0), Forwarded)
	msg, ok, err := c.Receive(context.Background(), time.Second)
	is.NoErr(err)
	is.True(ok)
	is.Equal(msg.FirstCaptureNs, uint64(2))
	is.Equal(msg.PeakHold, []float32{-1, -10, -5}) // shifted [-10 -5 -1]
	is.Equal(c.State().LastForwardedCount, uint32(len(frames)+1))
}

func TestSizeChangeRestartsAccumulation(t *testing.T) {
	is := is.New(t)
	c := NewController(Config{TargetFPS: 1})

	// huge decimation so nothing is forwarded
	is.Equal(c.Offer(frame(1, 3, 3), 1e9, 0), Held)
	is.Equal(c.Offer(frame(2, 1, 1, 1, 9), 1e9, 0), Held)

	st := c.State()
	is.Equal(st.PeakAccumulator, []float64{1, 1, 1, 9})
	is.Equal(st.AccumulatedFrames, uint32(1))
}

func TestLagOverrideEngagesAndLifts(t *testing.T) {
	is := is.New(t)
	c := NewController(Config{Capacity: 10000, TargetFPS: 100})

	const step = uint64(10 * time.Millisecond)
	const rate = 400.0 // 4 bins, 100 cycles per second
	powers := []float64{-1, -2, -3, -4}

	// the consumer acks once and then goes quiet
	c.Ack(1.0)
	capture := uint64(time.Second)
	offerUntil := func(want bool) State {
		for i := 0; i < 1000; i++ {
			capture += step
			c.Offer(frame(capture, powers...), rate, 0)
			if st := c.State(); st.FPSOverridden == want {
				return st
			}
		}
		t.Fatalf("override never became %v", want)
		return State{}
	}

	st := offerUntil(true)
	is.True(st.ConsumerAckLagSec > 5) // consumer more than 5 s behind
	is.True(st.MeasuredFPS > 10)
	is.Equal(st.TargetFPS, 10.0) // forced down
	is.Equal(st.UserFPS, 100.0)  // request remembered
	is.Equal(st.Decimation, 10)  // 400 / (10 * 4)

	// forwarding slows to the override, which lifts the override even
	// though the consumer is still behind
	st = offerUntil(false)
	is.True(st.ConsumerAckLagSec > 5)
	is.Equal(st.TargetFPS, 100.0)
	is.Equal(st.Decimation, 1)

	// at the restored rate the stale consumer engages it again
	st = offerUntil(true)
	is.Equal(st.TargetFPS, 10.0)
}

func TestSetTargetFPSDuringOverride(t *testing.T) {
	is := is.New(t)
	c := NewController(Config{TargetFPS: 30})
	c.overridden = true
	c.targetFPS = DefaultOverrideFPS

	c.SetTargetFPS(50)
	is.Equal(c.State().TargetFPS, DefaultOverrideFPS)
	is.Equal(c.State().UserFPS, 50.0)
}

func TestReceiveTimesOut(t *testing.T) {
	is := is.New(t)
	c := NewController(DefaultConfig())

	start := time.Now()
	_, ok, err := c.Receive(context.Background(), 20*time.Millisecond)
	is.NoErr(err)
	is.True(!ok)
	is.True(time.Since(start) >= 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err = c.Receive(ctx, time.Second)
	is.True(errors.Is(err, context.Canceled))
}

func TestCloseDrainsAndWakesConsumers(t *testing.T) {
	is := is.New(t)
	c := NewController(Config{Capacity: 3, TargetFPS: 10})
	c.Offer(frame(1, 0), 0, 0)
	c.Offer(frame(2, 0), 0, 0)

	c.Close()
	c.Close() // idempotent
	_, _, err := c.Receive(context.Background(), time.Second)
	is.True(errors.Is(err, ErrClosed))
	is.Equal(c.Offer(frame(3, 0), 0, 0), Held) // no send on a closed channel
}

func TestMessageBinaryFraming(t *testing.T) {
	is := is.New(t)
	in := Message{
		SampleRate:     2.4e6,
		CentreHz:       433.92e6,
		Powers:         []float32{-1, -2.5, 3},
		PeakHold:       []float32{0, 1, 2},
		FirstCaptureNs: 11,
		CaptureNs:      22,
	}
	buf, err := in.MarshalBinary()
	is.NoErr(err)
	is.Equal(len(buf), headerBytes+3*8)

	var out Message
	is.NoErr(out.UnmarshalBinary(buf))
	is.Equal(out, in)
	is.Equal(out.Bins(), 3)

	is.True(out.UnmarshalBinary(buf[:10]) != nil)
	is.True(out.UnmarshalBinary(buf[:len(buf)-1]) != nil)
}
