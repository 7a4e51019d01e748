package main

import (
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMediaOutputBuffersUntilAttached(t *testing.T) {
	track := newFakeTrack(MediaVideo)
	out := newMediaOutput(track, testLogger().WithField("test", t.Name()), func() { _ = track.RequestKeyframe() })
	out.start()
	defer func() {
		out.stop()
		track.Close()
	}()

	track.push(1, 2, 3)
	require.Eventually(t, func() bool { return out.snapshot().Packets == 3 }, time.Second, 5*time.Millisecond)

	surface := newFakeSurface("tile-1")
	out.attach(surface)
	require.Eventually(t, func() bool { return surface.renderedCount(MediaVideo) == 3 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return track.keyframes.Load() == 1 }, time.Second, 5*time.Millisecond)

	track.push(4)
	require.Eventually(t, func() bool { return surface.renderedCount(MediaVideo) == 4 }, time.Second, 5*time.Millisecond)
}

func TestMediaOutputPauseAndStop(t *testing.T) {
	track := newFakeTrack(MediaAudio)
	out := newMediaOutput(track, testLogger().WithField("test", t.Name()), nil)
	surface := newFakeSurface("tile-1")
	out.attach(surface)
	out.start()

	out.setPaused(true)
	track.push(1, 2)
	require.Eventually(t, func() bool { return out.snapshot().Packets == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, surface.renderedCount(MediaAudio))

	out.setPaused(false)
	track.push(3)
	require.Eventually(t, func() bool { return surface.renderedCount(MediaAudio) == 1 }, time.Second, 5*time.Millisecond)

	out.stop()
	out.stop()
	assert.Equal(t, 1, surface.clearedCount(MediaAudio))
	track.Close()
	select {
	case <-out.done:
	case <-time.After(time.Second):
		t.Fatal("pump did not exit")
	}
}

func TestMediaOutputReattachClearsOldSurface(t *testing.T) {
	track := newFakeTrack(MediaVideo)
	out := newMediaOutput(track, testLogger().WithField("test", t.Name()), nil)
	first := newFakeSurface("a")
	second := newFakeSurface("b")

	out.attach(first)
	out.attach(second)
	assert.Equal(t, 1, first.clearedCount(MediaVideo))
	assert.Equal(t, 0, second.clearedCount(MediaVideo))
}

func TestTrackCountersLossAndFrames(t *testing.T) {
	var c trackCounters
	for _, seq := range []uint16{10, 11, 14, 14, 15} {
		c.observe(&rtp.Packet{Header: rtp.Header{SequenceNumber: seq, Marker: seq%2 == 1}}, true, "video/h264")
	}
	assert.Equal(t, uint64(5), c.packets.Load())
	assert.Equal(t, uint64(2), c.lost.Load())
	assert.Equal(t, uint64(2), c.frames.Load())

	var wrap trackCounters
	for _, seq := range []uint16{65534, 65535, 0, 2} {
		wrap.observe(&rtp.Packet{Header: rtp.Header{SequenceNumber: seq}}, false, "audio/opus")
	}
	assert.Equal(t, uint64(1), wrap.lost.Load())
}

func TestTrackCountersResolution(t *testing.T) {
	var c trackCounters
	c.observe(&rtp.Packet{Payload: baselineSPS(80, 45, 0)}, true, "video/h264")
	assert.Equal(t, int32(1280), c.width.Load())
	assert.Equal(t, int32(720), c.height.Load())
	assert.Equal(t, uint64(1), c.keyframes.Load())

	vp8 := []byte{0x10, 0x50, 0x02, 0x00, 0x9d, 0x01, 0x2a, 0x80, 0x02, 0xe0, 0x01}
	var v trackCounters
	v.observe(&rtp.Packet{Payload: vp8}, true, "video/vp8")
	assert.Equal(t, int32(640), v.width.Load())
	assert.Equal(t, int32(480), v.height.Load())
	assert.Equal(t, uint64(1), v.keyframes.Load())
}

func TestVP8KeyframeSizeIgnoresInterframes(t *testing.T) {
	_, _, ok := vp8KeyframeSize([]byte{0x10, 0x51, 0x02, 0x00, 0x9d, 0x01, 0x2a, 0x80, 0x02, 0xe0, 0x01})
	assert.False(t, ok)
	_, _, ok = vp8KeyframeSize([]byte{0x00, 0x50, 0x02, 0x00, 0x9d, 0x01, 0x2a, 0x80, 0x02, 0xe0, 0x01})
	assert.False(t, ok)
}
