package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var (
	ErrMaxTiles     = errors.New("max tiles reached")
	ErrTileNotFound = errors.New("tile not found")
	ErrWallClosed   = errors.New("wall is shut down")
)

type tile struct {
	id         string
	surface    *TileSurface
	supervisor *SessionSupervisor
}

// Wall owns the tiles of the video wall, one supervisor and surface each.
type Wall struct {
	cfg    *Config
	deps   AdapterDeps
	logger *logrus.Logger

	mu     sync.RWMutex
	tiles  map[string]*tile
	closed bool
}

func NewWall(cfg *Config, deps AdapterDeps, logger *logrus.Logger) *Wall {
	return &Wall{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
		tiles:  make(map[string]*tile),
	}
}

func newTileID() string {
	return fmt.Sprintf("tile-%s", uuid.New().String())
}

// Put binds a tile to a descriptor, creating the tile when it does not
// exist. An empty id allocates a new one. The tile is kept even when its
// session fails to start; the error is returned and recorded on the tile.
func (w *Wall) Put(ctx context.Context, id string, d *StreamingDescriptor) (string, error) {
	t, created, err := w.getOrCreate(id)
	if err != nil {
		return "", err
	}
	if created {
		w.logger.WithFields(logrus.Fields{
			"event":   "tile_created",
			"tile_id": t.id,
			"active":  w.Len(),
		}).Info("Tile created")
	}
	return t.id, t.supervisor.Apply(ctx, d)
}

func (w *Wall) getOrCreate(id string) (*tile, bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil, false, ErrWallClosed
	}
	if id == "" {
		id = newTileID()
	}
	if t, ok := w.tiles[id]; ok {
		return t, false, nil
	}
	if w.cfg.MaxTiles > 0 && len(w.tiles) >= w.cfg.MaxTiles {
		return nil, false, ErrMaxTiles
	}
	surface := NewTileSurface(id, w.deps.API, w.logger)
	t := &tile{
		id:         id,
		surface:    surface,
		supervisor: NewSessionSupervisor(id, surface, w.deps),
	}
	w.tiles[id] = t
	tilesActive.Set(float64(len(w.tiles)))
	return t, true, nil
}

// Remove tears the tile down, waiting for its session to close.
func (w *Wall) Remove(ctx context.Context, id string) error {
	w.mu.Lock()
	t, ok := w.tiles[id]
	if ok {
		delete(w.tiles, id)
	}
	tilesActive.Set(float64(len(w.tiles)))
	w.mu.Unlock()

	if !ok {
		return ErrTileNotFound
	}
	err := t.supervisor.Close(ctx)
	t.surface.Close()

	w.logger.WithFields(logrus.Fields{
		"event":   "tile_removed",
		"tile_id": id,
	}).Info("Tile removed")
	return err
}

func (w *Wall) get(id string) (*tile, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	t, ok := w.tiles[id]
	return t, ok
}

func (w *Wall) Supervisor(id string) (*SessionSupervisor, bool) {
	t, ok := w.get(id)
	if !ok {
		return nil, false
	}
	return t.supervisor, true
}

func (w *Wall) Surface(id string) (*TileSurface, bool) {
	t, ok := w.get(id)
	if !ok {
		return nil, false
	}
	return t.surface, true
}

func (w *Wall) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.tiles)
}

func (w *Wall) IDs() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]string, 0, len(w.tiles))
	for id := range w.tiles {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

type TileView struct {
	TileStatus
	Surface SurfaceStatus `json:"surface"`
}

func (w *Wall) View(id string) (TileView, bool) {
	t, ok := w.get(id)
	if !ok {
		return TileView{}, false
	}
	return TileView{TileStatus: t.supervisor.Status(), Surface: t.surface.Status()}, true
}

func (w *Wall) Stats() map[string]any {
	ids := w.IDs()
	tiles := make([]TileView, 0, len(ids))
	for _, id := range ids {
		if v, ok := w.View(id); ok {
			tiles = append(tiles, v)
		}
	}
	return map[string]any{
		"active_tiles": len(tiles),
		"timestamp":    time.Now().Unix(),
		"tiles":        tiles,
	}
}

// Shutdown closes every tile in parallel, bounded by ctx.
func (w *Wall) Shutdown(ctx context.Context) error {
	w.mu.Lock()
	snapshot := make([]*tile, 0, len(w.tiles))
	for _, t := range w.tiles {
		snapshot = append(snapshot, t)
	}
	w.tiles = make(map[string]*tile)
	w.closed = true
	tilesActive.Set(0)
	w.mu.Unlock()

	if len(snapshot) == 0 {
		return nil
	}

	var g errgroup.Group
	for _, t := range snapshot {
		g.Go(func() error {
			defer t.surface.Close()
			return t.supervisor.Close(ctx)
		})
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
