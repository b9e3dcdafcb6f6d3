package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ocupoint/iqscope/pkg/config"
	"github.com/ocupoint/iqscope/pkg/control"
	"github.com/ocupoint/iqscope/pkg/delivery"
	"github.com/ocupoint/iqscope/pkg/metrics"
	"github.com/ocupoint/iqscope/pkg/pipeline"
)

func newServeCmd(opts *options) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the live spectrum over WebSocket with a status page",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.start(cmd)
			if err != nil {
				return err
			}
			defer a.logger.Sync()
			if cmd.Flags().Changed("listen") {
				a.cfg.Server.Listen = listen
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			opts.watchConfig(ctx, a)
			return runServer(ctx, a)
		},
	}
	cmd.Flags().StringVarP(&listen, "listen", "l", ":8080", "HTTP listen address")
	return cmd
}

// runServer runs the pipeline and the HTTP server until ctx is done or the
// pipeline stops.
func runServer(ctx context.Context, a *app) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	h := newHub(a.driver, a.cfg.Server, a.metrics, a.logger.Named("ws"))
	srv := &http.Server{
		Addr:              a.cfg.Server.Listen,
		Handler:           newRouter(h, a.driver, a.metrics, a.logger.Named("http")),
		ReadHeaderTimeout: 10 * time.Second,
	}

	pipeDone := make(chan error, 1)
	go func() {
		pipeDone <- a.driver.Run(ctx)
		cancel()
	}()
	go h.run(ctx)

	srvDone := make(chan error, 1)
	go func() {
		a.logger.Infow("spectrum server listening", "addr", srv.Addr, "source", a.cfg.Pipeline.Source)
		srvDone <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-srvDone:
		if !errors.Is(err, http.ErrServerClosed) {
			cancel()
			<-pipeDone
			return err
		}
	}

	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Warnw("http shutdown", "error", err)
	}
	h.closeAll()
	return <-pipeDone
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// writePump pumps frames from the hub to the websocket connection.
func (c *client) writePump(writeTimeout time.Duration) {
	defer c.conn.Close()
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

// hub fans delivered spectra out to every connected client and turns
// inbound messages into acks and control updates.
type hub struct {
	driver   *pipeline.Driver
	cfg      config.Server
	metrics  *metrics.Metrics
	logger   *zap.SugaredLogger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool
}

func newHub(d *pipeline.Driver, cfg config.Server, m *metrics.Metrics, logger *zap.SugaredLogger) *hub {
	if cfg.ReceiveTimeout <= 0 {
		cfg.ReceiveTimeout = 100 * time.Millisecond
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = time.Second
	}
	return &hub{
		driver:  d,
		cfg:     cfg,
		metrics: m,
		logger:  logger,
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 65536,
		},
		clients: make(map[*client]struct{}),
	}
}

// run forwards spectra until delivery closes or ctx is done.
func (h *hub) run(ctx context.Context) {
	del := h.driver.Delivery()
	for {
		msg, ok, err := del.Receive(ctx, h.cfg.ReceiveTimeout)
		if err != nil {
			if !errors.Is(err, delivery.ErrClosed) && ctx.Err() == nil {
				h.logger.Warnw("spectrum receive failed", "error", err)
			}
			h.closeAll()
			return
		}
		if !ok {
			continue
		}
		frame, err := msg.MarshalBinary()
		if err != nil {
			h.logger.Errorw("encoding spectrum frame", "error", err)
			continue
		}
		h.broadcast(frame)
	}
}

// broadcast never blocks: a client whose queue is full misses the frame.
func (h *hub) broadcast(frame []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- frame:
			h.metrics.RecordWSMessage("sent")
		default:
			h.metrics.RecordWSMessage("dropped")
		}
	}
}

func (h *hub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	h.metrics.RecordWSConnection()
	return true
}

func (h *hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	h.metrics.RecordWSDisconnect()
}

func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
		h.metrics.RecordWSDisconnect()
	}
}

func (h *hub) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warnw("websocket upgrade failed", "error", err)
		return
	}
	c := &client{id: uuid.NewString(), conn: conn, send: make(chan []byte, 16)}
	if !h.register(c) {
		conn.Close()
		return
	}
	h.logger.Infow("client connected", "client", c.id, "remote", r.RemoteAddr)
	go c.writePump(h.cfg.WriteTimeout)

	defer func() {
		h.unregister(c)
		h.logger.Infow("client disconnected", "client", c.id)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		h.metrics.RecordWSMessage("received")
		if err := h.handleInbound(data); err != nil {
			h.logger.Debugw("ignoring client message", "client", c.id, "error", err)
		}
	}
}

var errBadAck = errors.New(`ack needs a numeric "time"`)

// handleInbound applies one client message: {"type":"ack","time":t}
// acknowledges the spectrum captured at t seconds, anything else is a set
// of control key/values.
func (h *hub) handleInbound(data []byte) error {
	kv, err := control.ParseMessage(data)
	if err != nil {
		return err
	}
	kind := kv["type"]
	delete(kv, "type")
	if kind == "ack" {
		t, err := strconv.ParseFloat(kv["time"], 64)
		if err != nil {
			return errBadAck
		}
		h.driver.Delivery().Ack(t)
		return nil
	}
	if len(kv) > 0 {
		h.driver.Updates().SetMany(kv)
	}
	return nil
}
