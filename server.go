package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"path"
	"regexp"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

type Server struct {
	cfg     *Config
	wall    *Wall
	details *DetailsClient
	logger  *logrus.Logger
	server  *http.Server
}

func NewServer(cfg *Config, wall *Wall, details *DetailsClient, logger *logrus.Logger) *Server {
	return &Server{cfg: cfg, wall: wall, details: details, logger: logger}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/tiles", s.handleList)
	mux.HandleFunc("POST /api/tiles", s.handlePut)
	mux.HandleFunc("GET /api/tiles/{id}", s.handleGet)
	mux.HandleFunc("PUT /api/tiles/{id}", s.handlePut)
	mux.HandleFunc("DELETE /api/tiles/{id}", s.handleDelete)
	mux.HandleFunc("POST /api/tiles/{id}/pause", s.handlePause)
	mux.HandleFunc("POST /api/tiles/{id}/retry", s.handleRetry)
	mux.HandleFunc("POST /api/tiles/{id}/whep", s.handleViewer)
	mux.HandleFunc("DELETE /api/tiles/{id}/whep/{viewer}", s.handleViewerDelete)
	mux.HandleFunc("OPTIONS /", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.Handle("GET /metrics", promhttp.Handler())

	return s.withLogging(s.withCORS(mux))
}

func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.cfg.ListenAddress,
		Handler:           s.Handler(),
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	s.logger.WithField("address", s.cfg.ListenAddress).Info("HTTP server started")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.Stop(shutdownCtx)
	}
}

func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		_ = s.server.Shutdown(ctx)
	}
	return s.wall.Shutdown(ctx)
}

// tileRequest is either a full descriptor or a device reference resolved
// through the details API.
type tileRequest struct {
	StreamingDescriptor
	DeviceID     string `json:"deviceId,omitempty"`
	PayloadIndex string `json:"payloadIndex,omitempty"`
}

type tileResponse struct {
	ID    string `json:"id"`
	State string `json:"state,omitempty"`
	Error string `json:"error,omitempty"`
	Kind  string `json:"kind,omitempty"`
}

var tileIDRe = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

// sessionContext detaches the handshake from the request so a dropped client
// does not abort it midway; StartTimeout still bounds it.
func (s *Server) sessionContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(r.Context()), s.cfg.StartTimeout)
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id != "" && !tileIDRe.MatchString(id) {
		http.Error(w, "invalid tile id", http.StatusBadRequest)
		return
	}

	var req tileRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 64*1024)).Decode(&req); err != nil {
		http.Error(w, "invalid tile body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	ctx, cancel := s.sessionContext(r)
	defer cancel()

	d := &req.StreamingDescriptor
	if req.Platform == "" && req.DeviceID != "" {
		fetched, err := s.details.StreamingDetails(ctx, req.DeviceID, req.PayloadIndex)
		if err != nil {
			s.logger.WithError(err).WithField("device_id", req.DeviceID).Warn("Streaming details lookup failed")
			s.writeError(w, err)
			return
		}
		d = fetched
	}
	if err := s.cfg.CheckDescriptorHosts(d); err != nil {
		s.writeError(w, err)
		return
	}

	s.logger.WithFields(logrus.Fields{
		"event":    "tile_request",
		"tile_id":  id,
		"platform": string(d.Platform),
	}).Info("Tile update request")

	tileID, err := s.wall.Put(ctx, id, d)
	if tileID == "" {
		s.writeError(w, err)
		return
	}

	resp := tileResponse{ID: tileID}
	if sup, ok := s.wall.Supervisor(tileID); ok {
		resp.State = sup.Status().State
	}
	status := http.StatusOK
	if r.Method == http.MethodPost {
		w.Header().Set("Location", path.Join("/api/tiles", tileID))
		status = http.StatusCreated
	}
	if err != nil {
		resp.Error = err.Error()
		resp.Kind = errorKind(err)
		status = statusFor(err)
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.wall.Stats())
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	view, ok := s.wall.View(r.PathValue("id"))
	if !ok {
		s.writeError(w, ErrTileNotFound)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.sessionContext(r)
	defer cancel()
	if err := s.wall.Remove(ctx, r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	sup, ok := s.wall.Supervisor(r.PathValue("id"))
	if !ok {
		s.writeError(w, ErrTileNotFound)
		return
	}
	var body struct {
		Paused bool `json:"paused"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&body); err != nil {
		http.Error(w, "invalid pause body", http.StatusBadRequest)
		return
	}
	if err := sup.SetPaused(body.Paused); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sup.Status())
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	sup, ok := s.wall.Supervisor(r.PathValue("id"))
	if !ok {
		s.writeError(w, ErrTileNotFound)
		return
	}
	ctx, cancel := s.sessionContext(r)
	defer cancel()
	if err := sup.Retry(ctx); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sup.Status())
}

func (s *Server) handleViewer(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	surface, ok := s.wall.Surface(id)
	if !ok {
		s.writeError(w, ErrTileNotFound)
		return
	}
	offer, err := io.ReadAll(io.LimitReader(r.Body, 64*1024))
	if err != nil || len(offer) == 0 {
		http.Error(w, "failed to read offer", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	viewerID, answer, err := surface.AddViewer(string(offer))
	if err != nil {
		s.logger.WithError(err).WithField("tile_id", id).Warn("Viewer rejected")
		s.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/sdp")
	w.Header().Set("Location", path.Join(r.URL.Path, viewerID))
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write([]byte(answer))
}

func (s *Server) handleViewerDelete(w http.ResponseWriter, r *http.Request) {
	surface, ok := s.wall.Surface(r.PathValue("id"))
	if !ok {
		s.writeError(w, ErrTileNotFound)
		return
	}
	if err := surface.RemoveViewer(r.PathValue("viewer")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "healthy",
		"active_tiles": s.wall.Len(),
		"timestamp":    time.Now().Unix(),
		"version":      Version,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.wall.Stats())
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]string{
		"error": err.Error(),
		"kind":  errorKind(err),
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrTileNotFound), errors.Is(err, ErrViewerNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrMaxTiles), errors.Is(err, ErrWallClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrConfiguration):
		return http.StatusBadRequest
	case errors.Is(err, ErrConnection):
		return http.StatusBadGateway
	case errors.Is(err, ErrState), errors.Is(err, ErrNoMedia):
		return http.StatusConflict
	case errors.Is(err, errPauseUnsupported):
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Expose-Headers", "Location")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			return
		}
		s.logger.WithFields(logrus.Fields{
			"event":    "http_request",
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   sw.status,
			"duration": time.Since(start).String(),
		}).Info("HTTP request")
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
