package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// TileEntry is one tile of the tiles file. Either Descriptor is given
// inline or DeviceID/PayloadIndex are resolved through the details API.
type TileEntry struct {
	ID           string               `yaml:"id"`
	DeviceID     string               `yaml:"deviceId,omitempty"`
	PayloadIndex string               `yaml:"payloadIndex,omitempty"`
	Paused       bool                 `yaml:"paused,omitempty"`
	Descriptor   *StreamingDescriptor `yaml:"descriptor,omitempty"`
}

type tilesFile struct {
	Tiles []TileEntry `yaml:"tiles"`
}

func LoadTiles(path string) ([]TileEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return decodeTiles(f)
}

func decodeTiles(r io.Reader) ([]TileEntry, error) {
	var file tilesFile
	if err := yaml.NewDecoder(r).Decode(&file); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("decode tiles: %w", err)
	}
	seen := make(map[string]bool, len(file.Tiles))
	for i, t := range file.Tiles {
		if t.ID == "" {
			return nil, fmt.Errorf("tile %d: id required", i)
		}
		if seen[t.ID] {
			return nil, fmt.Errorf("tile %q listed twice", t.ID)
		}
		seen[t.ID] = true
		if t.Descriptor == nil && t.DeviceID == "" {
			return nil, fmt.Errorf("tile %q: descriptor or deviceId required", t.ID)
		}
		if t.Descriptor != nil {
			t.Descriptor.Platform = normalizePlatform(string(t.Descriptor.Platform))
		}
	}
	return file.Tiles, nil
}

// resolveDescriptor returns the inline descriptor or fetches it.
func resolveDescriptor(ctx context.Context, details *DetailsClient, entry TileEntry) (*StreamingDescriptor, error) {
	if entry.Descriptor != nil {
		return entry.Descriptor, nil
	}
	return details.StreamingDetails(ctx, entry.DeviceID, entry.PayloadIndex)
}

// ApplyTiles puts every tile of the file on the wall. A tile that fails to
// start is logged and left on the wall with its error recorded.
func ApplyTiles(ctx context.Context, wall *Wall, details *DetailsClient, entries []TileEntry, logger *logrus.Logger) {
	for _, entry := range entries {
		log := logger.WithField("tile_id", entry.ID)
		d, err := resolveDescriptor(ctx, details, entry)
		if err != nil {
			log.WithError(err).Warn("Failed to resolve tile descriptor")
			continue
		}
		if _, err := wall.Put(ctx, entry.ID, d); err != nil {
			log.WithError(err).Warn("Tile did not start")
		}
		if entry.Paused {
			if sup, ok := wall.Supervisor(entry.ID); ok {
				_ = sup.SetPaused(true)
			}
		}
	}
}
