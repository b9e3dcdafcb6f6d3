// Command specclient is a headless spectrum consumer: it connects to
// `iqscope serve`, decodes frames, acknowledges each one and logs when the
// spectrum size changes.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ocupoint/iqscope/pkg/delivery"
)

type clientOptions struct {
	addr    string
	fps     float64
	fftSize int
	count   int
	delay   time.Duration
}

func main() {
	o := clientOptions{}
	cmd := &cobra.Command{
		Use:          "specclient",
		Short:        "Consume and acknowledge spectra from an iqscope server",
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
	f.StringVar(&o.addr, "addr", "localhost:8080", "server host:port")
	f.Float64Var(&o.fps, "fps", 0, "request this target frame rate on connect")
	f.IntVar(&o.fftSize, "fft-size", 0, "request this spectrum size on connect")
	f.IntVar(&o.count, "count", 0, "exit after this many frames (0 runs until interrupted)")
	f.DurationVar(&o.delay, "render-delay", 0, "pretend each frame takes this long to render")
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, o clientOptions, logger *zap.SugaredLogger) error {
	u := url.URL{Scheme: "ws", Host: o.addr, Path: "/ws"}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	context.AfterFunc(ctx, func() { conn.Close() })
	logger.Infow("connected", "url", u.String())

	values := map[string]any{}
	if o.fps > 0 {
		values["target-fps"] = o.fps
	}
	if o.fftSize > 0 {
		values["fft-size"] = o.fftSize
	}
	if len(values) > 0 {
		if err := conn.WriteJSON(map[string]any{"type": "control", "values": values}); err != nil {
			return err
		}
	}

	var (
		msg    delivery.Message
		bins   int
		frames int
		start  = time.Now()
	)
	for o.count == 0 || frames < o.count {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				break
			}
			return err
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		if err := msg.UnmarshalBinary(data); err != nil {
			logger.Warnw("bad frame", "error", err)
			continue
		}
		frames++
		if msg.Bins() != bins {
			logger.Infow("spectrum size changed", "from", bins, "to", msg.Bins(), "centre_hz", msg.CentreHz, "sample_rate", msg.SampleRate)
			bins = msg.Bins()
		}
		if o.delay > 0 {
			time.Sleep(o.delay)
		}

		ack, _ := json.Marshal(map[string]any{"type": "ack", "time": float64(msg.CaptureNs) / 1e9})
		if err := conn.WriteMessage(websocket.TextMessage, ack); err != nil {
			if errors.Is(err, websocket.ErrCloseSent) || ctx.Err() != nil {
				break
			}
			return err
		}
	}

	elapsed := time.Since(start).Seconds()
	logger.Infow("done", "frames", frames, "fps", float64(frames)/elapsed)
	return nil
}
