package web

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"plugboard/monitor"
	"plugboard/registry"
	"plugboard/types"
)

//go:embed static
var panelFiles embed.FS

// Refresher triggers a reconciliation pass without blocking the caller.
type Refresher interface {
	StartRefresh(ctx context.Context) error
}

// Switcher dispatches one confirmed toggle command.
type Switcher interface {
	Toggle(ctx context.Context, addr types.Address, on bool) error
}

type Server struct {
	store       *registry.Store
	hub         *Hub
	refresher   Refresher
	switcher    Switcher
	gatherer    prometheus.Gatherer
	showAddress bool
	logger      *zap.Logger
}

func NewServer(store *registry.Store, hub *Hub, refresher Refresher, switcher Switcher, gatherer prometheus.Gatherer, showAddress bool, logger *zap.Logger) *Server {
	return &Server{
		store:       store,
		hub:         hub,
		refresher:   refresher,
		switcher:    switcher,
		gatherer:    gatherer,
		showAddress: showAddress,
		logger:      logger,
	}
}

// Routes builds the whole panel surface: JSON API, websocket and SSE push,
// prometheus, and the embedded single-page panel.
func (s *Server) Routes() http.Handler {
	var router = chi.NewRouter()
	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	router.Get("/api/devices", s.handleDevices)
	router.Post("/api/devices/{address}/toggle", s.handleToggle)
	router.Post("/api/refresh", s.handleRefresh)
	router.Get("/api/stream/devices", s.handleStream)
	router.Get("/ws", s.hub.ServeWs)
	router.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	if panel, err := fs.Sub(panelFiles, "static"); err == nil {
		router.Handle("/*", http.FileServer(http.FS(panel)))
	} else {
		s.logger.Warn("embedded panel unavailable", zap.Error(err))
	}
	return router
}

func (s *Server) handleDevices(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("content-type", "application/json")
	_ = json.NewEncoder(w).Encode(renderSnapshot(s.store.Snapshot(), s.showAddress))
}

type toggleBody struct {
	On bool `json:"on"`
}

func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request) {
	addr, err := types.ParseAddress(chi.URLParam(r, "address"))
	if err != nil {
		http.Error(w, "bad device address", http.StatusBadRequest)
		return
	}
	var body toggleBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}

	err = s.switcher.Toggle(r.Context(), addr, body.On)
	if errors.Is(err, monitor.ErrUnknownAddress) {
		http.Error(w, "unknown device", http.StatusNotFound)
		return
	} else if err != nil {
		http.Error(w, "device rejected the command", http.StatusBadGateway)
		return
	}

	w.Header().Set("content-type", "application/json")
	state, _ := s.store.Get(addr)
	_ = json.NewEncoder(w).Encode(renderDevice(state, s.showAddress))
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var err = s.refresher.StartRefresh(r.Context())
	if errors.Is(err, monitor.ErrPassInFlight) {
		w.WriteHeader(http.StatusConflict)
		return
	} else if err != nil {
		http.Error(w, "could not start a pass", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleStream is the SSE fallback for clients that cannot hold a
// websocket: a full snapshot on every registry change signal.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusBadRequest)
		return
	}
	w.Header().Set("content-type", "text/event-stream")
	w.Header().Set("cache-control", "no-cache")
	w.Header().Set("connection", "keep-alive")

	var ctx = r.Context()
	var changes = s.store.Subscribe(ctx)

	var send = func() {
		data, _ := json.Marshal(renderSnapshot(s.store.Snapshot(), s.showAddress))
		_, _ = fmt.Fprintf(w, "event: devices\ndata: %s\n\n", data)
		flusher.Flush()
	}
	send()

	var heartbeat = time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-changes:
			send()
		case <-heartbeat.C:
			_, _ = fmt.Fprint(w, "event: ping\ndata: 1\n\n")
			flusher.Flush()
		}
	}
}
