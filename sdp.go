package main

import (
	"strings"

	"github.com/pion/sdp/v3"
)

// negotiatedCodecs lists the first codec of each media section of an SDP, in
// "kind:encoding" form, with the H264 profile appended when present.
func negotiatedCodecs(raw string) []string {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(raw)); err != nil {
		return nil
	}

	var out []string
	for _, md := range desc.MediaDescriptions {
		if len(md.MediaName.Formats) == 0 || md.MediaName.Port.Value == 0 {
			continue
		}
		rtpmap := rtpMapByPayload(md)
		fmtp := fmtpMapByPayload(md)
		for _, format := range md.MediaName.Formats {
			enc := strings.ToLower(rtpmap[format])
			if enc == "" || strings.Contains(enc, "rtx") || strings.Contains(enc, "red") || strings.Contains(enc, "ulpfec") {
				continue
			}
			name := strings.ToLower(md.MediaName.Media) + ":" + enc
			if strings.Contains(enc, "h264") {
				if profile, _ := parseH264Params(fmtp[format]); profile != "" {
					name += ";" + profile
				}
			}
			out = append(out, name)
			break
		}
	}
	return out
}

// sdpDirection returns the direction attribute of the first media section of
// the given kind, or "" if absent.
func sdpDirection(raw string, kind MediaKind) string {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(raw)); err != nil {
		return ""
	}
	for _, md := range desc.MediaDescriptions {
		if !strings.EqualFold(md.MediaName.Media, string(kind)) {
			continue
		}
		for _, attr := range md.Attributes {
			switch attr.Key {
			case "sendrecv", "sendonly", "recvonly", "inactive":
				return attr.Key
			}
		}
		return ""
	}
	return ""
}

func rtpMapByPayload(md *sdp.MediaDescription) map[string]string {
	out := make(map[string]string)
	for _, attr := range md.Attributes {
		if attr.Key != "rtpmap" {
			continue
		}
		payload, rest := splitAttrValue(attr.Value)
		if payload != "" {
			out[payload] = rest
		}
	}
	return out
}

func fmtpMapByPayload(md *sdp.MediaDescription) map[string]string {
	out := make(map[string]string)
	for _, attr := range md.Attributes {
		if attr.Key != "fmtp" {
			continue
		}
		payload, rest := splitAttrValue(attr.Value)
		if payload != "" {
			out[payload] = rest
		}
	}
	return out
}

func splitAttrValue(val string) (string, string) {
	trimmed := strings.TrimSpace(val)
	if idx := strings.IndexAny(trimmed, " \t"); idx >= 0 {
		return trimmed[:idx], strings.TrimSpace(trimmed[idx+1:])
	}
	return trimmed, ""
}
