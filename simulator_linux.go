//go:build linux

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/ocupoint/iqscope/pkg/codec"
	"github.com/ocupoint/iqscope/pkg/source"
)

type simOptions struct {
	fifo       string
	sampleRate float64
	toneHz     float64
	amplitude  float64
	block      int
	logLevel   string
}

func newSimCmd() *cobra.Command {
	o := simOptions{}
	cmd := &cobra.Command{
		Use:   "sim",
		Short: "Stream a dithered test tone as int16 I/Q into a named pipe",
		Long: "Creates a FIFO and writes a synthetic tone into it, so that\n" +
			"`iqscope serve --source device:<fifo>` can run without hardware.",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(o.logLevel)
			if err != nil {
				return err
			}
			defer logger.Sync()
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runSimulator(ctx, o, logger.Named("sim"))
		},
	}
	f := cmd.Flags()
	f.StringVar(&o.fifo, "fifo", "/tmp/iqscope_c2h0", "named pipe to create and feed")
	f.Float64Var(&o.sampleRate, "sample-rate", 2.048e6, "samples per second to pace output at")
	f.Float64Var(&o.toneHz, "tone", 256e3, "tone offset from centre in Hz")
	f.Float64Var(&o.amplitude, "amplitude", 0.5, "tone amplitude, full scale 1")
	f.IntVar(&o.block, "block", 8192, "samples per write")
	f.StringVar(&o.logLevel, "log-level", "info", "debug, info, warn or error")
	return cmd
}

func runSimulator(ctx context.Context, o simOptions, logger *zap.SugaredLogger) error {
	if o.block <= 0 || !(o.sampleRate > 0) {
		return errors.New("sim needs a positive block size and sample rate")
	}
	_ = os.Remove(o.fifo)
	if err := unix.Mkfifo(o.fifo, 0666); err != nil {
		return fmt.Errorf("creating fifo %s: %w", o.fifo, err)
	}
	defer os.Remove(o.fifo)
	logger.Infow("streaming int16le tone", "fifo", o.fifo, "sample_rate", o.sampleRate, "tone_hz", o.toneHz)

	dds := source.NewDDS(o.toneHz, o.sampleRate, o.amplitude, 1.0/32767)
	samples := make([]complex64, o.block)
	buf := make([]byte, 0, o.block*codec.Int16LE.PairSize())
	blockTime := time.Duration(float64(o.block) / o.sampleRate * float64(time.Second))

	fd, err := openWriter(ctx, o.fifo, logger)
	if err != nil {
		return ignoreCancel(ctx, err)
	}
	defer func() { unix.Close(fd) }()

	next := time.Now()
	for {
		dds.Fill(samples)
		buf = codec.EncodeInt16LE(buf[:0], samples)
		if err := writeAll(fd, buf); err != nil {
			logger.Infow("reader went away, waiting for the next one", "error", err)
			unix.Close(fd)
			if fd, err = openWriter(ctx, o.fifo, logger); err != nil {
				return ignoreCancel(ctx, err)
			}
			next = time.Now()
			continue
		}

		next = next.Add(blockTime)
		if wait := time.Until(next); wait > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
			}
		} else if ctx.Err() != nil {
			return nil
		}
	}
}

// openWriter waits for a reader to open the FIFO. A non-blocking open fails
// with ENXIO until one does, which keeps the wait cancellable.
func openWriter(ctx context.Context, path string, logger *zap.SugaredLogger) (int, error) {
	for {
		fd, err := unix.Open(path, unix.O_WRONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
		if err == nil {
			if err := unix.SetNonblock(fd, false); err != nil {
				unix.Close(fd)
				return -1, err
			}
			const maxPipeSize = 1024 * 1024
			if _, err := unix.FcntlInt(uintptr(fd), unix.F_SETPIPE_SZ, maxPipeSize); err != nil {
				logger.Debugw("pipe size unchanged", "error", err)
			}
			logger.Infow("reader connected", "fifo", path)
			return fd, nil
		}
		if !errors.Is(err, unix.ENXIO) {
			return -1, err
		}
		select {
		case <-ctx.Done():
			return -1, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func ignoreCancel(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func writeAll(fd int, buf []byte) error {
	for len(buf) > 0 {
		n, err := unix.Write(fd, buf)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return err
		}
		buf = buf[n:]
	}
	return nil
}
