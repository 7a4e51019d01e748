package main

import (
	"testing"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTileSurfaceMountsOutputsPerKind(t *testing.T) {
	s := NewTileSurface("lobby", nil, testLogger())
	pkt := &rtp.Packet{Header: rtp.Header{Version: 2, SequenceNumber: 1}, Payload: []byte{0x41}}

	require.NoError(t, s.Render(MediaVideo, testH264, pkt))
	require.NoError(t, s.Render(MediaVideo, testH264, pkt))
	require.NoError(t, s.Render(MediaAudio, testOpus, pkt))

	st := s.Status()
	assert.Equal(t, map[MediaKind]string{MediaVideo: webrtc.MimeTypeH264, MediaAudio: webrtc.MimeTypeOpus}, st.Outputs)
	assert.Equal(t, uint64(2), st.Rendered[MediaVideo])
	assert.Zero(t, st.Viewers)

	vp8 := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	require.NoError(t, s.Render(MediaVideo, vp8, pkt))
	assert.Equal(t, webrtc.MimeTypeVP8, s.Status().Outputs[MediaVideo])

	s.Clear(MediaVideo)
	s.Clear(MediaVideo)
	assert.NotContains(t, s.Status().Outputs, MediaVideo)

	s.Close()
	assert.Empty(t, s.Status().Outputs)
}

func TestTileSurfaceViewerErrors(t *testing.T) {
	s := NewTileSurface("lobby", nil, testLogger())

	_, _, err := s.AddViewer("v=0\r\n")
	assert.ErrorIs(t, err, ErrNoMedia)
	assert.ErrorIs(t, s.RemoveViewer("viewer-x"), ErrViewerNotFound)
}
