package main

import (
	"encoding/json"
	"net/url"
	"strings"
)

type Platform string

const (
	PlatformBroadcast Platform = "broadcast"
	PlatformWebRTC    Platform = "webrtc"
)

// UnmarshalJSON accepts the vendor names the streaming-details API emits.
func (p *Platform) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*p = normalizePlatform(raw)
	return nil
}

func normalizePlatform(raw string) Platform {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "broadcast", "agora":
		return PlatformBroadcast
	case "webrtc", "millicast":
		return PlatformWebRTC
	default:
		return Platform(strings.ToLower(strings.TrimSpace(raw)))
	}
}

type BroadcastCredentials struct {
	AppID        string `json:"appid" yaml:"appId"`
	ChannelToken string `json:"rtc_token" yaml:"channelToken"`
	JoinURL      string `json:"url" yaml:"joinUrl"`
}

type WebRTCEndpoints struct {
	SubscribeAPIURL string `json:"subscribe_api_url" yaml:"subscribeApiUrl"`
	PublishURL      string `json:"publish_api_url" yaml:"publishUrl"`
	WHIPEndpoint    string `json:"whip_endpoint,omitempty" yaml:"whipEndpoint,omitempty"`
}

type WebRTCCredentials struct {
	SubscribeToken string          `json:"subscribe_token" yaml:"subscribeToken"`
	Endpoints      WebRTCEndpoints `json:"endPoints" yaml:"endpoints"`
}

// StreamingDescriptor selects and authorizes one streaming session. Only the
// credentials matching Platform are read.
type StreamingDescriptor struct {
	Platform  Platform              `json:"platform" yaml:"platform"`
	URL       string                `json:"url,omitempty" yaml:"url,omitempty"`
	Broadcast *BroadcastCredentials `json:"agora,omitempty" yaml:"broadcast,omitempty"`
	WebRTC    *WebRTCCredentials    `json:"millicast,omitempty" yaml:"webrtc,omitempty"`
}

// broadcastTarget is a validated broadcast descriptor.
type broadcastTarget struct {
	AppID   string
	Token   string
	Channel string
}

// webrtcTarget is a validated WebRTC descriptor.
type webrtcTarget struct {
	Token       string
	DirectorURL string
	AccountID   string
	StreamName  string
}

func (d *StreamingDescriptor) broadcastTarget() (*broadcastTarget, error) {
	if d == nil || d.Broadcast == nil {
		return nil, configErrorf("broadcast credentials missing")
	}
	c := d.Broadcast
	if strings.TrimSpace(c.AppID) == "" {
		return nil, configErrorf("broadcast app id missing")
	}
	if strings.TrimSpace(c.ChannelToken) == "" {
		return nil, configErrorf("broadcast channel token missing")
	}
	joinURL := c.JoinURL
	if joinURL == "" {
		joinURL = d.URL
	}
	channel, err := channelFromURL(joinURL)
	if err != nil {
		return nil, err
	}
	return &broadcastTarget{AppID: c.AppID, Token: c.ChannelToken, Channel: channel}, nil
}

func (d *StreamingDescriptor) webrtcTarget() (*webrtcTarget, error) {
	if d == nil || d.WebRTC == nil {
		return nil, configErrorf("webrtc credentials missing")
	}
	c := d.WebRTC
	if strings.TrimSpace(c.SubscribeToken) == "" {
		return nil, configErrorf("webrtc subscribe token missing")
	}
	account, stream, err := streamFromURL(c.Endpoints.PublishURL)
	if err != nil {
		return nil, err
	}
	return &webrtcTarget{
		Token:       c.SubscribeToken,
		DirectorURL: c.Endpoints.SubscribeAPIURL,
		AccountID:   account,
		StreamName:  stream,
	}, nil
}

// channelFromURL reads the "channel" query parameter of a join URL.
func channelFromURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", configErrorf("join url missing")
	}
	query := raw
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		query = raw[i+1:]
	}
	values, err := url.ParseQuery(query)
	if err != nil {
		return "", configErrorf("join url query: %v", err)
	}
	channel := strings.TrimSpace(values.Get("channel"))
	if channel == "" {
		return "", configErrorf("channel name not found in url %q", raw)
	}
	return channel, nil
}

// streamFromURL reads ".../{accountId}/{streamName}" from a publish URL.
func streamFromURL(raw string) (account, stream string, err error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", "", configErrorf("publish url missing")
	}
	u, perr := url.Parse(raw)
	if perr != nil {
		return "", "", configErrorf("publish url: %v", perr)
	}
	var segments []string
	for _, seg := range strings.Split(u.Path, "/") {
		if seg != "" {
			segments = append(segments, seg)
		}
	}
	if len(segments) < 2 {
		return "", "", configErrorf("stream name not found in url %q", raw)
	}
	return segments[len(segments)-2], segments[len(segments)-1], nil
}

// Validate checks that the credentials for the selected platform are usable.
func (d *StreamingDescriptor) Validate() error {
	if d == nil {
		return configErrorf("descriptor missing")
	}
	switch d.Platform {
	case PlatformBroadcast:
		_, err := d.broadcastTarget()
		return err
	case PlatformWebRTC:
		_, err := d.webrtcTarget()
		return err
	default:
		return configErrorf("unsupported platform %q", d.Platform)
	}
}

// Label returns a log-safe name for the stream the descriptor points at.
func (d *StreamingDescriptor) Label() string {
	switch d.Platform {
	case PlatformBroadcast:
		if t, err := d.broadcastTarget(); err == nil {
			return t.Channel
		}
	case PlatformWebRTC:
		if t, err := d.webrtcTarget(); err == nil {
			return t.StreamName
		}
	}
	return ""
}
