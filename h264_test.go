package main

import (
	"math/bits"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type bitWriter struct {
	bits []byte
}

func (w *bitWriter) u(n int, v uint) {
	for i := n - 1; i >= 0; i-- {
		w.bits = append(w.bits, byte(v>>uint(i)&1))
	}
}

func (w *bitWriter) ue(v uint) {
	x := v + 1
	n := bits.Len(x)
	w.u(n-1, 0)
	w.u(n, x)
}

// bytes appends the rbsp stop bit and pads to a byte boundary.
func (w *bitWriter) bytes() []byte {
	w.u(1, 1)
	for len(w.bits)%8 != 0 {
		w.bits = append(w.bits, 0)
	}
	out := make([]byte, len(w.bits)/8)
	for i, b := range w.bits {
		out[i/8] |= b << (7 - uint(i%8))
	}
	return out
}

// baselineSPS builds a baseline SPS NAL with optional bottom cropping.
func baselineSPS(widthMbs, heightMbs, cropBottom uint) []byte {
	w := &bitWriter{}
	w.u(8, 66)   // profile_idc
	w.u(8, 0xc0) // constraint flags
	w.u(8, 31)   // level_idc
	w.ue(0)      // seq_parameter_set_id
	w.ue(0)      // log2_max_frame_num_minus4
	w.ue(2)      // pic_order_cnt_type
	w.ue(1)      // max_num_ref_frames
	w.u(1, 0)    // gaps_in_frame_num_allowed
	w.ue(widthMbs - 1)
	w.ue(heightMbs - 1)
	w.u(1, 1) // frame_mbs_only
	w.u(1, 1) // direct_8x8_inference
	if cropBottom > 0 {
		w.u(1, 1)
		w.ue(0)
		w.ue(0)
		w.ue(0)
		w.ue(cropBottom)
	} else {
		w.u(1, 0)
	}
	w.u(1, 0) // vui_parameters_present
	return append([]byte{0x67}, w.bytes()...)
}

func TestParseH264SPS(t *testing.T) {
	w, h, err := parseH264SPS(baselineSPS(80, 45, 0))
	require.NoError(t, err)
	assert.Equal(t, 1280, w)
	assert.Equal(t, 720, h)

	w, h, err = parseH264SPS(baselineSPS(120, 68, 4))
	require.NoError(t, err)
	assert.Equal(t, 1920, w)
	assert.Equal(t, 1080, h)
}

func TestParseH264SPSRejectsGarbage(t *testing.T) {
	_, _, err := parseH264SPS([]byte{0x68, 0xce, 0x3c, 0x80})
	assert.Error(t, err)

	_, _, err = parseH264SPS([]byte{0x67, 0x42})
	assert.Error(t, err)

	sps := baselineSPS(80, 45, 0)
	_, _, err = parseH264SPS(sps[:6])
	assert.Error(t, err)
}

func TestH264SPSFromPayload(t *testing.T) {
	sps := baselineSPS(80, 45, 0)
	pps := []byte{0x68, 0xce, 0x3c, 0x80}

	assert.Equal(t, sps, h264SPSFromPayload(sps))

	stap := []byte{0x78}
	stap = append(stap, byte(len(sps)>>8), byte(len(sps)))
	stap = append(stap, sps...)
	stap = append(stap, byte(len(pps)>>8), byte(len(pps)))
	stap = append(stap, pps...)
	assert.Equal(t, sps, h264SPSFromPayload(stap))

	assert.Nil(t, h264SPSFromPayload(pps))
	assert.Nil(t, h264SPSFromPayload([]byte{0x78, 0x00, 0x40, 0x67}))
	assert.Nil(t, h264SPSFromPayload(nil))
}

func TestH264IsKeyframe(t *testing.T) {
	assert.True(t, h264IsKeyframe([]byte{0x65, 0x88}))
	assert.True(t, h264IsKeyframe(baselineSPS(80, 45, 0)))
	assert.True(t, h264IsKeyframe([]byte{0x7c, 0x85, 0x00}))
	assert.False(t, h264IsKeyframe([]byte{0x7c, 0x05, 0x00}))
	assert.False(t, h264IsKeyframe([]byte{0x41, 0x9a}))
	assert.True(t, h264IsKeyframe([]byte{0x78, 0x00, 0x02, 0x09, 0x10, 0x00, 0x02, 0x65, 0x88}))
	assert.False(t, h264IsKeyframe([]byte{0x78, 0x00, 0x02, 0x09, 0x10, 0x00, 0x02, 0x41, 0x9a}))
	assert.False(t, h264IsKeyframe(nil))
}

func TestParseH264Params(t *testing.T) {
	profile, pm := parseH264Params("level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42E01F")
	assert.Equal(t, "42e01f", profile)
	assert.Equal(t, 1, pm)

	profile, pm = parseH264Params("")
	assert.Equal(t, "", profile)
	assert.Equal(t, -1, pm)
}
