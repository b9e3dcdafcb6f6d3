package main

import (
	"context"
	"encoding/json"
	"html/template"
	"io"
	"io/fs"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/ocupoint/iqscope/pkg/control"
	"github.com/ocupoint/iqscope/pkg/metrics"
	"github.com/ocupoint/iqscope/pkg/pipeline"
)

const maxControlBody = 64 << 10

func newRouter(h *hub, d *pipeline.Driver, m *metrics.Metrics, logger *zap.SugaredLogger) http.Handler {
	api := &api{driver: d, hub: h, logger: logger}

	templatesContent, _ := fs.Sub(templatesFS, "templates")
	index := template.Must(template.ParseFS(templatesContent, "*.html"))

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" && r.URL.Path != "/index.html" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		if err := index.ExecuteTemplate(w, "index.html", d.Status()); err != nil {
			logger.Warnw("rendering index", "error", err)
		}
	})
	mux.HandleFunc("/ws", h.serveWS)
	mux.HandleFunc("/api/status", api.handleStatus)
	mux.HandleFunc("/api/control", api.handleControl)
	mux.HandleFunc("/api/snapshot/trigger", api.handleSnapshotTrigger)
	mux.Handle("/metrics", m.Handler())
	return mux
}

type api struct {
	driver *pipeline.Driver
	hub    *hub
	logger *zap.SugaredLogger
}

type statusResponse struct {
	pipeline.Status
	Clients int `json:"clients"`
}

func (a *api) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Debugw("writing response", "error", err)
	}
}

func (a *api) writeError(w http.ResponseWriter, code int, err error) {
	a.writeJSON(w, code, map[string]any{"success": false, "error": err.Error()})
}

func (a *api) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	a.writeJSON(w, http.StatusOK, statusResponse{Status: a.driver.Status(), Clients: a.hub.clientCount()})
}

// handleControl posts a JSON object of control key/values. With ?wait=1 the
// response is delayed until the pipeline has applied the change.
func (a *api) handleControl(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	kv, err := readControl(r)
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	delete(kv, "type")
	gen := a.driver.Updates().SetMany(kv)
	a.respondApplied(w, r, gen)
}

// handleSnapshotTrigger arms the recorder and raises the trigger. An optional
// body may carry snapshot keys such as snapshot-name.
func (a *api) handleSnapshotTrigger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	kv, err := readControl(r)
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	delete(kv, "type")
	kv[control.KeySnapshotArm] = "true"
	kv[control.KeySnapshotTrigger] = "true"
	gen := a.driver.Updates().SetMany(kv)
	a.respondApplied(w, r, gen)
}

func (a *api) respondApplied(w http.ResponseWriter, r *http.Request, gen uint64) {
	resp := map[string]any{"success": true, "generation": gen}
	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := a.driver.Updates().WaitApplied(ctx, gen); err != nil {
			a.writeError(w, http.StatusGatewayTimeout, err)
			return
		}
		st := a.driver.Status()
		resp["status"] = st
		if st.Error != "" {
			resp["success"] = false
			resp["error"] = st.Error
		}
	}
	a.writeJSON(w, http.StatusOK, resp)
}

// readControl parses an optional JSON body. An empty body is no keys.
func readControl(r *http.Request) (map[string]string, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxControlBody))
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return map[string]string{}, nil
	}
	return control.ParseMessage(body)
}
