package main

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

var (
	ErrNoMedia        = errors.New("tile has no media yet")
	ErrViewerNotFound = errors.New("viewer not found")
)

// TileSurface is the render surface of one tile. Rendered media is written
// into local tracks that viewer peer connections pull from.
type TileSurface struct {
	id     string
	api    *webrtc.API
	logger *logrus.Entry

	mu       sync.RWMutex
	tracks   map[MediaKind]*webrtc.TrackLocalStaticRTP
	rendered map[MediaKind]uint64
	viewers  map[string]*webrtc.PeerConnection
}

func NewTileSurface(id string, api *webrtc.API, logger *logrus.Logger) *TileSurface {
	return &TileSurface{
		id:       id,
		api:      api,
		logger:   logger.WithFields(logrus.Fields{"component": "surface", "tile_id": id}),
		tracks:   make(map[MediaKind]*webrtc.TrackLocalStaticRTP),
		rendered: make(map[MediaKind]uint64),
		viewers:  make(map[string]*webrtc.PeerConnection),
	}
}

func (s *TileSurface) ID() string { return s.id }

func (s *TileSurface) Render(kind MediaKind, codec webrtc.RTPCodecCapability, pkt *rtp.Packet) error {
	s.mu.RLock()
	track := s.tracks[kind]
	s.mu.RUnlock()

	if track == nil || track.Codec().MimeType != codec.MimeType {
		var err error
		if track, err = s.mount(kind, codec); err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.rendered[kind]++
	s.mu.Unlock()
	packetsRendered.WithLabelValues(string(kind)).Inc()
	return track.WriteRTP(pkt)
}

func (s *TileSurface) mount(kind MediaKind, codec webrtc.RTPCodecCapability) (*webrtc.TrackLocalStaticRTP, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if track := s.tracks[kind]; track != nil && track.Codec().MimeType == codec.MimeType {
		return track, nil
	}
	track, err := webrtc.NewTrackLocalStaticRTP(codec, string(kind), "tile-"+s.id)
	if err != nil {
		return nil, fmt.Errorf("create %s output: %w", kind, err)
	}
	if _, replaced := s.tracks[kind]; replaced {
		s.closeViewersLocked()
	}
	s.tracks[kind] = track
	s.logger.WithFields(logrus.Fields{"kind": string(kind), "codec": codec.MimeType}).Debug("Output mounted")
	return track, nil
}

// Clear unmounts the output of a kind. Viewers are dropped with the video output.
func (s *TileSurface) Clear(kind MediaKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tracks[kind]; !ok {
		return
	}
	delete(s.tracks, kind)
	if kind == MediaVideo {
		s.closeViewersLocked()
	}
	s.logger.WithField("kind", string(kind)).Debug("Output cleared")
}

// AddViewer answers a viewer's offer with the tile's current outputs.
func (s *TileSurface) AddViewer(offer string) (id, answer string, err error) {
	if dir := sdpDirection(offer, MediaVideo); dir == "sendonly" {
		return "", "", fmt.Errorf("viewer offer must receive video")
	}

	s.mu.RLock()
	tracks := make([]*webrtc.TrackLocalStaticRTP, 0, len(s.tracks))
	for _, t := range s.tracks {
		tracks = append(tracks, t)
	}
	s.mu.RUnlock()
	if len(tracks) == 0 {
		return "", "", ErrNoMedia
	}

	pc, err := s.api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return "", "", fmt.Errorf("create viewer peer connection: %w", err)
	}
	for _, t := range tracks {
		sender, err := pc.AddTrack(t)
		if err != nil {
			_ = pc.Close()
			return "", "", fmt.Errorf("add %s track: %w", t.Kind(), err)
		}
		go drainRTCP(sender)
	}

	answer, err = answerOffer(pc, offer)
	if err != nil {
		_ = pc.Close()
		return "", "", err
	}

	id = fmt.Sprintf("viewer-%s", uuid.New().String())
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateClosed {
			_ = s.RemoveViewer(id)
		}
	})

	s.mu.Lock()
	s.viewers[id] = pc
	s.mu.Unlock()
	viewersActive.Inc()
	s.logger.WithField("viewer_id", id).Info("Viewer attached")
	return id, answer, nil
}

func (s *TileSurface) RemoveViewer(id string) error {
	s.mu.Lock()
	pc, ok := s.viewers[id]
	delete(s.viewers, id)
	s.mu.Unlock()
	if !ok {
		return ErrViewerNotFound
	}
	viewersActive.Dec()
	return pc.Close()
}

func (s *TileSurface) closeViewersLocked() {
	for id, pc := range s.viewers {
		delete(s.viewers, id)
		viewersActive.Dec()
		go pc.Close()
	}
}

// Close drops all viewers and outputs.
func (s *TileSurface) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeViewersLocked()
	s.tracks = make(map[MediaKind]*webrtc.TrackLocalStaticRTP)
}

type SurfaceStatus struct {
	Outputs  map[MediaKind]string `json:"outputs"`
	Rendered map[MediaKind]uint64 `json:"rendered"`
	Viewers  int                  `json:"viewers"`
}

func (s *TileSurface) Status() SurfaceStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := SurfaceStatus{
		Outputs:  make(map[MediaKind]string, len(s.tracks)),
		Rendered: make(map[MediaKind]uint64, len(s.rendered)),
		Viewers:  len(s.viewers),
	}
	for k, t := range s.tracks {
		st.Outputs[k] = t.Codec().MimeType
	}
	for k, n := range s.rendered {
		st.Rendered[k] = n
	}
	return st
}

// drainRTCP keeps the sender's interceptors running.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}
