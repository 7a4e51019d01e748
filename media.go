package main

import (
	"encoding/binary"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

type MediaKind string

const (
	MediaVideo MediaKind = "video"
	MediaAudio MediaKind = "audio"
)

func mediaKindOf(kind webrtc.RTPCodecType) MediaKind {
	if kind == webrtc.RTPCodecTypeAudio {
		return MediaAudio
	}
	return MediaVideo
}

// RemoteTrack is one incoming media track of a session.
type RemoteTrack interface {
	ID() string
	Kind() MediaKind
	Codec() webrtc.RTPCodecCapability
	ReadRTP() (*rtp.Packet, error)
}

// RenderSurface is a drawable region owned by the caller. Adapters mount at
// most one output per media kind into it and clear it when they let go.
type RenderSurface interface {
	ID() string
	Render(kind MediaKind, codec webrtc.RTPCodecCapability, pkt *rtp.Packet) error
	Clear(kind MediaKind)
}

// pionTrack adapts a pion remote track.
type pionTrack struct {
	track *webrtc.TrackRemote
}

func (t pionTrack) ID() string                       { return t.track.ID() }
func (t pionTrack) Kind() MediaKind                  { return mediaKindOf(t.track.Kind()) }
func (t pionTrack) Codec() webrtc.RTPCodecCapability { return t.track.Codec().RTPCodecCapability }

func (t pionTrack) ReadRTP() (*rtp.Packet, error) {
	pkt, _, err := t.track.ReadRTP()
	return pkt, err
}

// pcTrack is a pion remote track that can request keyframes over its peer connection.
type pcTrack struct {
	pionTrack
	pc *webrtc.PeerConnection
}

func (t pcTrack) RequestKeyframe() error {
	return t.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(t.track.SSRC())}})
}

// maxPendingPackets bounds what an output holds while no surface is attached.
const maxPendingPackets = 512

// mediaOutput is the managed element an adapter mounts into a surface. It
// pumps one remote track into whatever surface is attached at the time.
type mediaOutput struct {
	track    RemoteTrack
	codec    webrtc.RTPCodecCapability
	logger   *logrus.Entry
	keyframe func()

	mu      sync.Mutex
	surface RenderSurface
	paused  bool
	pending []*rtp.Packet

	stopped atomic.Bool
	done    chan struct{}
	stats   trackCounters
}

func newMediaOutput(track RemoteTrack, logger *logrus.Entry, keyframe func()) *mediaOutput {
	return &mediaOutput{
		track:    track,
		codec:    track.Codec(),
		logger:   logger.WithFields(logrus.Fields{"kind": string(track.Kind()), "track_id": track.ID()}),
		keyframe: keyframe,
		done:     make(chan struct{}),
	}
}

func (o *mediaOutput) kind() MediaKind { return o.track.Kind() }

func (o *mediaOutput) start() {
	go o.pump()
}

func (o *mediaOutput) pump() {
	defer close(o.done)
	isVideo := o.kind() == MediaVideo
	mime := strings.ToLower(o.codec.MimeType)
	for {
		pkt, err := o.track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) && !o.stopped.Load() {
				o.logger.WithError(err).Debug("RTP read error")
			}
			return
		}
		if o.stopped.Load() {
			return
		}
		o.stats.observe(pkt, isVideo, mime)
		o.deliver(pkt)
	}
}

func (o *mediaOutput) deliver(pkt *rtp.Packet) {
	o.mu.Lock()
	surface, paused := o.surface, o.paused
	if surface == nil {
		if len(o.pending) >= maxPendingPackets {
			o.pending = o.pending[1:]
		}
		o.pending = append(o.pending, pkt)
	}
	o.mu.Unlock()

	if surface == nil || paused {
		return
	}
	if err := surface.Render(o.kind(), o.codec, pkt); err != nil {
		o.logger.WithError(err).Debug("Render failed")
	}
}

// attach moves the output to a new surface. Packets buffered while detached
// are flushed into it so a late attach does not lose media.
func (o *mediaOutput) attach(surface RenderSurface) {
	o.mu.Lock()
	old := o.surface
	o.surface = surface
	pending := o.pending
	o.pending = nil
	paused := o.paused
	o.mu.Unlock()

	if old != nil && old != surface {
		old.Clear(o.kind())
	}
	if surface == nil || paused {
		return
	}
	for _, pkt := range pending {
		if err := surface.Render(o.kind(), o.codec, pkt); err != nil {
			o.logger.WithError(err).Debug("Render failed")
			break
		}
	}
	if o.keyframe != nil && o.kind() == MediaVideo && o.stats.packets.Load() > 0 {
		go o.keyframe()
	}
}

func (o *mediaOutput) setPaused(paused bool) {
	o.mu.Lock()
	was := o.paused
	o.paused = paused
	surface := o.surface
	o.mu.Unlock()
	if was && !paused && surface != nil && o.keyframe != nil && o.kind() == MediaVideo {
		go o.keyframe()
	}
}

// stop unmounts the output. The pump exits once the track read returns.
func (o *mediaOutput) stop() {
	if !o.stopped.CompareAndSwap(false, true) {
		return
	}
	o.mu.Lock()
	surface := o.surface
	o.surface = nil
	o.pending = nil
	o.mu.Unlock()
	if surface != nil {
		surface.Clear(o.kind())
	}
}

// trackCounters accumulates receive statistics for one track.
type trackCounters struct {
	packets   atomic.Uint64
	lost      atomic.Uint64
	frames    atomic.Uint64
	keyframes atomic.Uint64
	width     atomic.Int32
	height    atomic.Int32

	// only touched by the pump goroutine
	started bool
	lastSeq uint16
}

func (c *trackCounters) observe(pkt *rtp.Packet, isVideo bool, mime string) {
	c.packets.Add(1)
	if c.started {
		gap := pkt.SequenceNumber - c.lastSeq
		if gap > 1 && gap < 0x8000 {
			c.lost.Add(uint64(gap - 1))
		}
		if gap != 0 && gap < 0x8000 {
			c.lastSeq = pkt.SequenceNumber
		}
	} else {
		c.started = true
		c.lastSeq = pkt.SequenceNumber
	}
	if !isVideo {
		return
	}
	if pkt.Marker {
		c.frames.Add(1)
	}
	switch {
	case strings.Contains(mime, "h264"):
		if h264IsKeyframe(pkt.Payload) {
			c.keyframes.Add(1)
		}
		if sps := h264SPSFromPayload(pkt.Payload); sps != nil {
			if w, h, err := parseH264SPS(sps); err == nil {
				c.width.Store(int32(w))
				c.height.Store(int32(h))
			}
		}
	case strings.Contains(mime, "vp8"):
		if w, h, ok := vp8KeyframeSize(pkt.Payload); ok {
			c.keyframes.Add(1)
			c.width.Store(int32(w))
			c.height.Store(int32(h))
		}
	}
}

// vp8KeyframeSize reads the frame size from the first packet of a VP8 keyframe.
func vp8KeyframeSize(payload []byte) (width, height int, ok bool) {
	var vp8 codecs.VP8Packet
	frame, err := vp8.Unmarshal(payload)
	if err != nil || vp8.S != 1 || vp8.PID != 0 {
		return 0, 0, false
	}
	if len(frame) < 10 || frame[0]&0x01 != 0 {
		return 0, 0, false
	}
	if frame[3] != 0x9d || frame[4] != 0x01 || frame[5] != 0x2a {
		return 0, 0, false
	}
	width = int(binary.LittleEndian.Uint16(frame[6:]) & 0x3fff)
	height = int(binary.LittleEndian.Uint16(frame[8:]) & 0x3fff)
	return width, height, width > 0 && height > 0
}

type trackSnapshot struct {
	Packets   uint64
	Lost      uint64
	Frames    uint64
	Keyframes uint64
	Width     int
	Height    int
}

func (o *mediaOutput) snapshot() trackSnapshot {
	return trackSnapshot{
		Packets:   o.stats.packets.Load(),
		Lost:      o.stats.lost.Load(),
		Frames:    o.stats.frames.Load(),
		Keyframes: o.stats.keyframes.Load(),
		Width:     int(o.stats.width.Load()),
		Height:    int(o.stats.height.Load()),
	}
}
