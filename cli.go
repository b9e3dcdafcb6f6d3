package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ocupoint/iqscope/pkg/control"
	"github.com/ocupoint/iqscope/pkg/delivery"
)

func newRunCmd(opts *options) *cobra.Command {
	var every time.Duration
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the pipeline headless and log spectrum summaries",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.start(cmd)
			if err != nil {
				return err
			}
			defer a.logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			opts.watchConfig(ctx, a)

			go summarize(ctx, a.driver.Delivery(), every, a.logger.Named("spectrum"))
			return a.driver.Run(ctx)
		},
	}
	cmd.Flags().DurationVar(&every, "every", time.Second, "interval between spectrum summaries")
	return cmd
}

// summarize consumes delivered spectra, acknowledges each one and logs the
// strongest bin at most once per interval.
func summarize(ctx context.Context, del *delivery.Controller, every time.Duration, logger *zap.SugaredLogger) {
	var last time.Time
	bins := 0
	for {
		msg, ok, err := del.Receive(ctx, 100*time.Millisecond)
		if err != nil {
			return
		}
		if !ok {
			continue
		}
		del.Ack(float64(msg.CaptureNs) / 1e9)

		if msg.Bins() != bins {
			bins = msg.Bins()
			logger.Infow("spectrum size changed", "bins", bins)
		}
		if time.Since(last) < every {
			continue
		}
		last = time.Now()

		peakBin, peakDB := strongest(msg)
		logger.Infow("spectrum",
			"bins", bins,
			"centre_hz", msg.CentreHz,
			"peak_hz", binFrequency(msg, peakBin),
			"peak_db", peakDB,
			"capture_span_ms", float64(msg.CaptureNs-msg.FirstCaptureNs)/1e6,
		)
	}
}

func strongest(msg delivery.Message) (int, float32) {
	best, at := float32(math.Inf(-1)), 0
	for i, v := range msg.PeakHold {
		if v > best {
			best, at = v, i
		}
	}
	return at, best
}

// binFrequency maps a zero-centred bin index to absolute frequency.
func binFrequency(msg delivery.Message, bin int) float64 {
	n := msg.Bins()
	if n == 0 {
		return msg.CentreHz
	}
	return msg.CentreHz + float64(bin-n/2)*msg.SampleRate/float64(n)
}

func newCaptureCmd(opts *options) *cobra.Command {
	var (
		preMS, postMS int
		timeout       time.Duration
	)
	cmd := &cobra.Command{
		Use:   "capture",
		Short: "Record one I/Q snapshot and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.start(cmd)
			if err != nil {
				return err
			}
			defer a.logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			a.driver.Updates().SetMany(map[string]string{
				control.KeySnapshotWindow:  fmt.Sprintf("%d,%d", preMS, postMS),
				control.KeySnapshotArm:     "true",
				control.KeySnapshotTrigger: "true",
			})

			done := make(chan error, 1)
			go func() { done <- a.driver.Run(ctx) }()

			file, err := waitForSnapshot(ctx, a, done)
			cancel()
			if runErr := <-done; runErr != nil && err == nil {
				err = runErr
			}
			if err != nil {
				return err
			}
			a.logger.Infow("snapshot written", "file", file)
			return nil
		},
	}
	cmd.Flags().IntVar(&preMS, "pre-ms", 0, "pre-trigger window in milliseconds")
	cmd.Flags().IntVar(&postMS, "post-ms", 1000, "post-trigger window in milliseconds")
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "give up if no snapshot completes in time")
	return cmd
}

var errNoSnapshot = errors.New("pipeline stopped before the snapshot completed")

// waitForSnapshot polls status until a file has been written, relaying any
// reported errors to the log.
func waitForSnapshot(ctx context.Context, a *app, done chan error) (string, error) {
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		st := a.driver.Status()
		if st.Error != "" {
			a.logger.Warnw("pipeline reported", "error", st.Error)
		}
		if st.LastFile != "" {
			return st.LastFile, nil
		}
		if st.Stopped {
			return "", errNoSnapshot
		}
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("waiting for snapshot: %w", ctx.Err())
		case err := <-done:
			// Run finished first; its final status may still name the file.
			done <- err
			if st := a.driver.Status(); st.LastFile != "" {
				return st.LastFile, nil
			}
			return "", errNoSnapshot
		case <-tick.C:
		}
	}
}
