//go:build linux

package main

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/matryer/is"
	"go.uber.org/zap/zaptest"

	"github.com/ocupoint/iqscope/pkg/codec"
	"github.com/ocupoint/iqscope/pkg/source"
)

func TestSimulatorFeedsDeviceSource(t *testing.T) {
	is := is.New(t)
	logger := zaptest.NewLogger(t).Sugar()
	fifo := filepath.Join(t.TempDir(), "sim_pipe")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	simDone := make(chan error, 1)
	go func() {
		simDone <- runSimulator(ctx, simOptions{
			fifo:       fifo,
			sampleRate: 1e6,
			toneHz:     125e3,
			amplitude:  0.5,
			block:      1024,
		}, logger)
	}()

	for {
		if info, err := os.Stat(fifo); err == nil && info.Mode()&os.ModeNamedPipe != 0 {
			break
		}
		select {
		case <-ctx.Done():
			t.Fatal("simulator never created its fifo")
		case <-time.After(10 * time.Millisecond):
		}
	}

	src, err := source.Open("device:"+fifo, source.Options{SampleRate: 1e6, Format: codec.Int16LE, Logger: logger})
	is.NoErr(err)
	blk, err := src.ReadBlock(ctx, 2048)
	is.NoErr(err)
	is.Equal(len(blk.Samples), 2048)
	for _, s := range blk.Samples {
		mag := math.Hypot(float64(real(s)), float64(imag(s)))
		is.True(math.Abs(mag-0.5) < 0.01) // constant-envelope tone
	}
	is.NoErr(src.Close())

	cancel()
	is.NoErr(<-simDone)
	_, err = os.Stat(fifo)
	is.True(os.IsNotExist(err)) // fifo removed on exit
}
