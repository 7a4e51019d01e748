package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

const subscribeTrackTimeout = 10 * time.Second

type gatewayJoin struct {
	AppID   string `json:"appId"`
	Channel string `json:"channel"`
	Token   string `json:"token"`
	Role    string `json:"role"`
	UID     string `json:"uid"`
}

type gatewayUserEvent struct {
	UID       string    `json:"uid"`
	MediaType MediaKind `json:"mediaType"`
}

type gatewaySubscribe struct {
	UID       string    `json:"uid"`
	MediaType MediaKind `json:"mediaType"`
	SDP       string    `json:"sdp,omitempty"`
}

type gatewayOffer struct {
	SDP string `json:"sdp"`
}

// gatewayClient is the BroadcastClient used in production. It joins channels
// on a websocket channel gateway and receives each subscribed track over its
// own recvonly peer connection.
type gatewayClient struct {
	url         string
	api         *webrtc.API
	insecureTLS bool
	logger      *logrus.Entry
	uid         string

	mu     sync.Mutex
	role   string
	events BroadcastEvents
	sig    *signalConn
	subs   map[string]*webrtc.PeerConnection
}

func newGatewayClient(url string, api *webrtc.API, insecureTLS bool, logger *logrus.Logger) *gatewayClient {
	uid := uuid.New().String()
	return &gatewayClient{
		url:         url,
		api:         api,
		insecureTLS: insecureTLS,
		logger:      logger.WithFields(logrus.Fields{"component": "gateway", "uid": uid}),
		uid:         uid,
		subs:        make(map[string]*webrtc.PeerConnection),
	}
}

func (c *gatewayClient) SetClientRole(role string) error {
	if role != "audience" && role != "host" {
		return fmt.Errorf("unknown client role %q", role)
	}
	c.mu.Lock()
	c.role = role
	c.mu.Unlock()
	return nil
}

func (c *gatewayClient) On(events BroadcastEvents) {
	c.mu.Lock()
	c.events = events
	c.mu.Unlock()
}

func (c *gatewayClient) Join(ctx context.Context, appID, channel, token string) error {
	if c.url == "" {
		return fmt.Errorf("channel gateway url not configured")
	}
	sig, err := dialSignal(ctx, c.url, c.insecureTLS, c.logger, c.handleEvent)
	if err != nil {
		return err
	}

	c.mu.Lock()
	role := c.role
	c.mu.Unlock()

	req := gatewayJoin{AppID: appID, Channel: channel, Token: token, Role: role, UID: c.uid}
	if err := sig.call(ctx, "join", req, nil); err != nil {
		_ = sig.Close()
		return err
	}

	c.mu.Lock()
	c.sig = sig
	c.mu.Unlock()
	return nil
}

func (c *gatewayClient) handleEvent(name string, data json.RawMessage) {
	c.mu.Lock()
	events := c.events
	c.mu.Unlock()

	switch name {
	case "user-published", "user-unpublished":
		var ev gatewayUserEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			c.logger.WithError(err).Warn("Malformed user event")
			return
		}
		if name == "user-published" && events.UserPublished != nil {
			// subscribing waits on the read loop, so it cannot run on it
			go events.UserPublished(ev.UID, ev.MediaType)
		} else if name == "user-unpublished" {
			c.closeSub(ev.UID, ev.MediaType)
			if events.UserUnpublished != nil {
				events.UserUnpublished(ev.UID, ev.MediaType)
			}
		}
	case "network-quality":
		var q NetworkQuality
		if err := json.Unmarshal(data, &q); err != nil {
			c.logger.WithError(err).Warn("Malformed network quality event")
			return
		}
		if events.NetworkQuality != nil {
			events.NetworkQuality(q)
		}
	default:
		c.logger.WithField("name", name).Debug("Ignoring gateway event")
	}
}

func (c *gatewayClient) Subscribe(ctx context.Context, uid string, kind MediaKind) (RemoteTrack, error) {
	c.mu.Lock()
	sig := c.sig
	c.mu.Unlock()
	if sig == nil {
		return nil, fmt.Errorf("not joined")
	}

	var offer gatewayOffer
	if err := sig.call(ctx, "subscribe", gatewaySubscribe{UID: uid, MediaType: kind}, &offer); err != nil {
		return nil, err
	}

	pc, err := c.api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}
	trackCh := make(chan *webrtc.TrackRemote, 1)
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		select {
		case trackCh <- track:
		default:
		}
	})

	answer, err := answerOffer(pc, offer.SDP)
	if err != nil {
		_ = pc.Close()
		return nil, err
	}
	if err := sig.call(ctx, "answer", gatewaySubscribe{UID: uid, MediaType: kind, SDP: answer}, nil); err != nil {
		_ = pc.Close()
		return nil, err
	}

	timer := time.NewTimer(subscribeTrackTimeout)
	defer timer.Stop()
	select {
	case track := <-trackCh:
		c.mu.Lock()
		key := uid + "/" + string(kind)
		old := c.subs[key]
		c.subs[key] = pc
		c.mu.Unlock()
		if old != nil {
			_ = old.Close()
		}
		return pcTrack{pionTrack: pionTrack{track: track}, pc: pc}, nil
	case <-timer.C:
		_ = pc.Close()
		return nil, fmt.Errorf("no %s track from %s", kind, uid)
	case <-ctx.Done():
		_ = pc.Close()
		return nil, ctx.Err()
	}
}

// answerOffer applies a remote offer and returns the gathered local answer.
func answerOffer(pc *webrtc.PeerConnection, offer string) (string, error) {
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer}); err != nil {
		return "", fmt.Errorf("set remote description: %w", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	<-webrtc.GatheringCompletePromise(pc)
	return pc.LocalDescription().SDP, nil
}

func (c *gatewayClient) closeSub(uid string, kind MediaKind) {
	key := uid + "/" + string(kind)
	c.mu.Lock()
	pc := c.subs[key]
	delete(c.subs, key)
	c.mu.Unlock()
	if pc != nil {
		_ = pc.Close()
	}
}

func (c *gatewayClient) Leave(ctx context.Context) error {
	c.mu.Lock()
	sig := c.sig
	c.sig = nil
	c.mu.Unlock()
	if sig == nil {
		return nil
	}
	err := sig.call(ctx, "leave", struct{}{}, nil)
	c.closeSubs()
	_ = sig.Close()
	return err
}

func (c *gatewayClient) Stats() ConnectionStats {
	c.mu.Lock()
	sig := c.sig
	c.mu.Unlock()
	if sig == nil {
		return ConnectionStats{}
	}
	return ConnectionStats{RTT: sig.RTT()}
}

func (c *gatewayClient) Close() error {
	c.mu.Lock()
	sig := c.sig
	c.sig = nil
	c.events = BroadcastEvents{}
	c.mu.Unlock()
	c.closeSubs()
	if sig != nil {
		return sig.Close()
	}
	return nil
}

func (c *gatewayClient) closeSubs() {
	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[string]*webrtc.PeerConnection)
	c.mu.Unlock()
	for _, pc := range subs {
		_ = pc.Close()
	}
}
