package main

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var errPauseUnsupported = errors.New("adapter does not support pausing")

// TileStatus is what a supervisor reports about its tile.
type TileStatus struct {
	ID        string        `json:"id"`
	Platform  Platform      `json:"platform,omitempty"`
	Stream    string        `json:"stream,omitempty"`
	State     string        `json:"state"`
	Paused    bool          `json:"paused"`
	LastError string        `json:"lastError,omitempty"`
	ErrorKind string        `json:"errorKind,omitempty"`
	Stats     *SessionStats `json:"stats,omitempty"`
	UpdatedAt time.Time     `json:"updatedAt"`
}

// SessionSupervisor keeps exactly one adapter bound to a tile's current
// descriptor. Replacements and teardown are serialized: the previous adapter
// is stopped and destroyed before the next one is initialized.
type SessionSupervisor struct {
	id         string
	surface    RenderSurface
	deps       AdapterDeps
	logger     *logrus.Entry
	newAdapter func(Platform, AdapterDeps) (StreamingSessionAdapter, error)

	opMu sync.Mutex

	mu         sync.Mutex
	adapter    StreamingSessionAdapter
	descriptor *StreamingDescriptor
	paused     bool
	closed     bool
	lastErr    error
	lastStats  *SessionStats
	updatedAt  time.Time
}

func NewSessionSupervisor(id string, surface RenderSurface, deps AdapterDeps) *SessionSupervisor {
	return &SessionSupervisor{
		id:         id,
		surface:    surface,
		deps:       deps,
		logger:     deps.logger().WithField("tile_id", id),
		newAdapter: NewAdapter,
		updatedAt:  time.Now(),
	}
}

// Apply binds the tile to d, or unbinds it when d is nil. A start failure is
// recorded on the tile and returned; it never prevents the next Apply or
// Close from tearing the session down.
func (s *SessionSupervisor) Apply(ctx context.Context, d *StreamingDescriptor) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.applyLocked(ctx, d)
}

// applyLocked requires opMu.
func (s *SessionSupervisor) applyLocked(ctx context.Context, d *StreamingDescriptor) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return stateErrorf("tile %s is closed", s.id)
	}

	s.teardown(ctx)

	s.mu.Lock()
	s.descriptor = d
	s.lastErr = nil
	s.lastStats = nil
	s.updatedAt = time.Now()
	s.mu.Unlock()

	if d == nil {
		return nil
	}

	logger := s.logger.WithFields(logrus.Fields{"platform": string(d.Platform), "stream": d.Label()})
	adapter, err := s.newAdapter(d.Platform, s.deps)
	if err != nil {
		return s.fail(logger, "create", err)
	}
	if err := adapter.SetStatsSink(s.onStats); err != nil {
		_ = adapter.Destroy()
		return s.fail(logger, "stats", err)
	}
	if err := adapter.Initialize(d); err != nil {
		_ = adapter.Destroy()
		return s.fail(logger, "initialize", err)
	}
	if err := adapter.AttachSurface(s.surface); err != nil {
		_ = adapter.Destroy()
		return s.fail(logger, "attach", err)
	}

	// SetPaused may have run during setup
	s.mu.Lock()
	if p, ok := adapter.(Pauser); ok && s.paused {
		_ = p.SetPauseState(true)
	}
	s.adapter = adapter
	s.mu.Unlock()
	sessionsActive.WithLabelValues(string(d.Platform)).Inc()

	if err := adapter.StartStream(ctx); err != nil {
		return s.fail(logger, "start", err)
	}
	logger.WithField("event", "tile_started").Info("Tile stream started")
	return nil
}

func (s *SessionSupervisor) fail(logger *logrus.Entry, step string, err error) error {
	s.mu.Lock()
	s.lastErr = err
	s.updatedAt = time.Now()
	s.mu.Unlock()
	startFailures.WithLabelValues(errorKind(err)).Inc()
	logger.WithError(err).WithFields(logrus.Fields{
		"event": "tile_error",
		"step":  step,
		"kind":  errorKind(err),
	}).Warn("Tile stream failed")
	return err
}

// teardown stops then destroys the active adapter, awaiting both. opMu must be held.
func (s *SessionSupervisor) teardown(ctx context.Context) {
	s.mu.Lock()
	adapter := s.adapter
	s.adapter = nil
	s.mu.Unlock()
	if adapter == nil {
		return
	}
	if err := adapter.StopStream(ctx); err != nil {
		s.logger.WithError(err).Warn("Stop stream failed")
	}
	if err := adapter.Destroy(); err != nil {
		s.logger.WithError(err).Warn("Destroy adapter failed")
	}
	sessionsActive.WithLabelValues(string(adapter.Platform())).Dec()
	s.logger.WithField("event", "tile_stopped").Debug("Tile stream torn down")
}

// Retry starts the stream again on the adapter a failed start left
// initialized, without re-running Initialize. A streaming tile is left alone.
// When no adapter survived (creation or initialization failed) the
// descriptor is applied from scratch.
func (s *SessionSupervisor) Retry(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	adapter, d, closed := s.adapter, s.descriptor, s.closed
	s.mu.Unlock()
	switch {
	case closed:
		return stateErrorf("tile %s is closed", s.id)
	case d == nil:
		return stateErrorf("tile %s has no descriptor", s.id)
	case adapter == nil:
		return s.applyLocked(ctx, d)
	case !restartable(adapter.State()):
		return nil
	}

	logger := s.logger.WithFields(logrus.Fields{"platform": string(d.Platform), "stream": d.Label()})
	if err := adapter.StartStream(ctx); err != nil {
		return s.fail(logger, "retry", err)
	}
	s.mu.Lock()
	s.lastErr = nil
	s.updatedAt = time.Now()
	s.mu.Unlock()
	logger.WithField("event", "tile_restarted").Info("Tile stream restarted")
	return nil
}

// restartable reports whether StartStream may be called in state.
func restartable(state string) bool {
	return state == broadcastInitialized || state == webrtcInitialized ||
		state == broadcastLeft || state == webrtcDisconnected
}

// SetPaused pauses rendering without leaving the session.
func (s *SessionSupervisor) SetPaused(paused bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = paused
	s.updatedAt = time.Now()
	if s.adapter == nil {
		return nil
	}
	p, ok := s.adapter.(Pauser)
	if !ok {
		return errPauseUnsupported
	}
	return p.SetPauseState(paused)
}

// Close tears the tile down and rejects further Apply calls.
func (s *SessionSupervisor) Close(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.teardown(ctx)
	return nil
}

func (s *SessionSupervisor) onStats(st SessionStats) {
	s.mu.Lock()
	s.lastStats = &st
	s.mu.Unlock()
	statsTicks.Inc()
}

func (s *SessionSupervisor) Status() TileStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := TileStatus{
		ID:        s.id,
		State:     "idle",
		Paused:    s.paused,
		Stats:     s.lastStats,
		UpdatedAt: s.updatedAt,
	}
	if s.closed {
		st.State = "closed"
	}
	if s.descriptor != nil {
		st.Platform = s.descriptor.Platform
		st.Stream = s.descriptor.Label()
	}
	if s.adapter != nil {
		st.State = s.adapter.State()
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
		st.ErrorKind = errorKind(s.lastErr)
	}
	return st
}
