//go:build linux

// Command shmbridge copies a character device stream (an XDMA card-to-host
// channel or a FIFO) into a shared-memory ring that `iqscope --source shm:`
// reads from. Reads land directly in the mapping.
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
	"github.com/ocupoint/iqscope/pkg/shmring"
	"github.com/ocupoint/iqscope/pkg/snapshot"
)

type bridgeOptions struct {
	device string
	shm    string
	size   string
	block  int
	format string
	keep   bool
}

func main() {
	o := bridgeOptions{}
	cmd := &cobra.Command{
		Use:          "shmbridge",
		Short:        "Stream a device into a shared-memory ring",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := zap.NewProduction()
			if err != nil {
				return err
			}
			defer logger.Sync()
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, o, logger.Sugar())
		},
	}
	f := cmd.Flags()
	f.StringVar(&o.device, "dev", "/dev/xdma0_c2h_0", "device or FIFO to read")
	f.StringVar(&o.shm, "shm", "/iqscope_ring", "shared memory name")
	f.StringVar(&o.size, "size", "1GB", "ring capacity (KB, MB, GB)")
	f.IntVar(&o.block, "block", 4<<20, "read size in bytes")
	f.StringVar(&o.format, "format", "int16le", "wire format recorded in the ring header")
	f.BoolVar(&o.keep, "keep", false, "leave the ring in place on exit")
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, o bridgeOptions, logger *zap.SugaredLogger) error {
	format, err := codec.ParseWireFormat(o.format)
	if err != nil {
		return err
	}
	size, err := snapshot.ParseSize(o.size)
	if err != nil {
		return err
	}
	// whole pairs only, so a pair never straddles the wrap
	align := uint64(format.PairSize())
	total := uint64(size) / align * align
	if total == 0 || o.block < int(align) {
		return errors.New("ring size and block must hold at least one sample pair")
	}

	if err := shmring.Remove(o.shm); err != nil {
		return err
	}
	ring, err := shmring.Create(o.shm, total, uint32(format))
	if err != nil {
		return fmt.Errorf("creating ring %s: %w", o.shm, err)
	}
	defer func() {
		ring.Close()
		if !o.keep {
			shmring.Remove(o.shm)
		}
	}()

	fd, err := unix.Open(o.device, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("opening %s: %w", o.device, err)
	}
	defer unix.Close(fd)

	logger.Infow("bridge started",
		"device", o.device,
		"shm", o.shm,
		"ring_bytes", total,
		"block", o.block,
		"format", format.String(),
	)

	data := ring.Data()
	var pending, totalRead, lastRead uint64
	lastReport := time.Now()
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}

	for ctx.Err() == nil {
		n, err := unix.Poll(fds, 100)
		if errors.Is(err, unix.EINTR) || n == 0 {
			continue
		}
		if err != nil {
			return fmt.Errorf("poll %s: %w", o.device, err)
		}

		head := ring.Head()
		start := head + pending
		want := min(uint64(o.block), total-start)
		got, err := unix.Read(fd, data[start:start+want])
		if errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN) {
			continue
		}
		if err != nil {
			return fmt.Errorf("read %s: %w", o.device, err)
		}
		if got == 0 {
			logger.Infow("device closed", "device", o.device, "total_bytes", totalRead)
			return nil
		}

		pending += uint64(got)
		if aligned := pending / align * align; aligned > 0 {
			ring.AdvanceHead(aligned)
			pending -= aligned
		}
		totalRead += uint64(got)

		if elapsed := time.Since(lastReport); elapsed > 2*time.Second {
			rate := float64(totalRead-lastRead) / elapsed.Seconds()
			logger.Infow("bridge throughput",
				"mb_per_sec", rate/(1<<20),
				"total_gb", float64(totalRead)/(1<<30),
				"head", ring.Head(),
			)
			lastReport = time.Now()
			lastRead = totalRead
		}
	}
	return nil
}
