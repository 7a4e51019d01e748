package main

import (
	"bytes"
	"strings"

	"github.com/bluenviron/mediacommon/pkg/codecs/h264"
	"github.com/pion/rtp/codecs"
)

const (
	h264NalMask = 0x1F
	h264NALFUA  = 28
)

var annexBStartCode = []byte{0x00, 0x00, 0x00, 0x01}

// h264NALUs depacketizes a single NAL or STAP-A payload. Fragments yield nothing.
func h264NALUs(payload []byte) [][]byte {
	if len(payload) == 0 || payload[0]&h264NalMask == h264NALFUA {
		return nil
	}
	var pkt codecs.H264Packet
	annexB, err := pkt.Unmarshal(payload)
	if err != nil {
		return nil
	}
	var nalus [][]byte
	for _, nalu := range bytes.Split(annexB, annexBStartCode) {
		if len(nalu) > 0 {
			nalus = append(nalus, nalu)
		}
	}
	return nalus
}

func h264NALUType(nalu []byte) h264.NALUType {
	return h264.NALUType(nalu[0] & h264NalMask)
}

// h264SPSFromPayload returns the SPS NAL unit carried by an RTP payload, if any.
func h264SPSFromPayload(payload []byte) []byte {
	for _, nalu := range h264NALUs(payload) {
		if h264NALUType(nalu) == h264.NALUTypeSPS {
			return nalu
		}
	}
	return nil
}

// h264IsKeyframe reports whether the payload starts an IDR picture or carries an SPS.
func h264IsKeyframe(payload []byte) bool {
	if len(payload) > 1 && payload[0]&h264NalMask == h264NALFUA {
		return payload[1]&0x80 != 0 && h264.NALUType(payload[1]&h264NalMask) == h264.NALUTypeIDR
	}
	for _, nalu := range h264NALUs(payload) {
		switch h264NALUType(nalu) {
		case h264.NALUTypeIDR, h264.NALUTypeSPS:
			return true
		}
	}
	return false
}

// parseH264SPS decodes the cropped picture size from an SPS NAL unit (header included).
func parseH264SPS(nalu []byte) (width, height int, err error) {
	var sps h264.SPS
	if err := sps.Unmarshal(nalu); err != nil {
		return 0, 0, err
	}
	return sps.Width(), sps.Height(), nil
}

// parseH264Params extracts profile-level-id and packetization-mode from fmtp
func parseH264Params(fmtp string) (profile string, pm int) {
	pm = -1
	for _, token := range strings.Split(fmtp, ";") {
		t := strings.TrimSpace(token)
		if t == "" {
			continue
		}
		parts := strings.SplitN(t, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.ToLower(parts[0])
		val := strings.ToLower(strings.TrimSpace(parts[1]))
		switch key {
		case "profile-level-id":
			if len(val) >= 6 {
				profile = val[:6]
			} else {
				profile = val
			}
		case "packetization-mode":
			if val == "0" {
				pm = 0
			} else if val == "1" {
				pm = 1
			}
		}
	}
	return
}
