package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

// SubscriberEvents are pushed by a live subscriber connection.
type SubscriberEvents struct {
	// OnTrack fires once per remote track with the media stream ids it belongs to.
	OnTrack func(track RemoteTrack, streamIDs []string)
	// OnDisconnect fires at most once when the connection fails or closes remotely.
	OnDisconnect func(err error)
}

// Subscriber is one negotiated viewer connection.
type Subscriber interface {
	Stats() ConnectionStats
	Close() error
}

// SubscriberDialer negotiates a viewer connection using director credentials.
type SubscriberDialer func(ctx context.Context, creds *SignalingCredentials, streamName string, events SubscriberEvents) (Subscriber, error)

type viewPayload struct {
	SDP      string `json:"sdp"`
	StreamID string `json:"streamId"`
}

type viewResponse struct {
	SDP string `json:"sdp"`
}

// viewerConn is a recvonly pion peer connection negotiated over websocket
// signaling with a "view" command.
type viewerConn struct {
	pc     *webrtc.PeerConnection
	sig    *signalConn
	logger *logrus.Entry

	disconnectOnce sync.Once
}

// newViewerDialer returns the production SubscriberDialer.
// Signaling hosts handed out by the director must pass allowHost.
func newViewerDialer(api *webrtc.API, insecureTLS bool, allowHost func(string) bool, logger *logrus.Logger) SubscriberDialer {
	return func(ctx context.Context, creds *SignalingCredentials, streamName string, events SubscriberEvents) (Subscriber, error) {
		wsURL, err := creds.WebSocketURL()
		if err != nil {
			return nil, err
		}
		if u, err := url.Parse(wsURL); err != nil || (allowHost != nil && !allowHost(u.Hostname())) {
			return nil, configErrorf("signaling url %q not allowed", creds.URLs[0])
		}
		entry := logger.WithFields(logrus.Fields{"component": "viewer", "stream": streamName})

		v := &viewerConn{logger: entry}
		sig, err := dialSignal(ctx, wsURL, insecureTLS, entry, v.handleEvent(events))
		if err != nil {
			return nil, err
		}
		v.sig = sig

		pc, err := api.NewPeerConnection(webrtc.Configuration{})
		if err != nil {
			_ = sig.Close()
			return nil, fmt.Errorf("create peer connection: %w", err)
		}
		v.pc = pc

		for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
			if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}); err != nil {
				_ = v.Close()
				return nil, fmt.Errorf("add %s transceiver: %w", kind, err)
			}
		}

		pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
			entry.WithFields(logrus.Fields{
				"kind":  track.Kind().String(),
				"codec": track.Codec().MimeType,
			}).Info("Track received")
			if events.OnTrack != nil {
				events.OnTrack(pcTrack{pionTrack: pionTrack{track: track}, pc: pc}, []string{track.StreamID()})
			}
		})
		pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
			entry.WithField("state", state.String()).Debug("Viewer connection state")
			if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateDisconnected {
				v.disconnect(events, fmt.Errorf("peer connection %s", state))
			}
		})

		offer, err := pc.CreateOffer(nil)
		if err != nil {
			_ = v.Close()
			return nil, fmt.Errorf("create offer: %w", err)
		}
		if err := pc.SetLocalDescription(offer); err != nil {
			_ = v.Close()
			return nil, fmt.Errorf("set local description: %w", err)
		}
		select {
		case <-webrtc.GatheringCompletePromise(pc):
		case <-ctx.Done():
			_ = v.Close()
			return nil, ctx.Err()
		}

		var answer viewResponse
		req := viewPayload{SDP: pc.LocalDescription().SDP, StreamID: streamName}
		if err := sig.call(ctx, "view", req, &answer); err != nil {
			_ = v.Close()
			return nil, err
		}
		if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer.SDP}); err != nil {
			_ = v.Close()
			return nil, fmt.Errorf("set remote description: %w", err)
		}

		if codecs := negotiatedCodecs(answer.SDP); len(codecs) > 0 {
			entry.WithField("codecs", codecs).Debug("Viewer negotiated")
		}
		return v, nil
	}
}

func (v *viewerConn) handleEvent(events SubscriberEvents) func(string, json.RawMessage) {
	return func(name string, _ json.RawMessage) {
		switch name {
		case "stopped":
			v.disconnect(events, fmt.Errorf("publisher stopped"))
		case "active", "inactive":
			v.logger.WithField("name", name).Info("Stream activity changed")
		}
	}
}

func (v *viewerConn) disconnect(events SubscriberEvents, err error) {
	v.disconnectOnce.Do(func() {
		if events.OnDisconnect != nil {
			go events.OnDisconnect(err)
		}
	})
}

func (v *viewerConn) Stats() ConnectionStats {
	var out ConnectionStats
	if v.pc != nil {
		for _, s := range v.pc.GetStats() {
			pair, ok := s.(webrtc.ICECandidatePairStats)
			if !ok || !pair.Nominated || pair.CurrentRoundTripTime <= 0 {
				continue
			}
			out.RTT = time.Duration(pair.CurrentRoundTripTime * float64(time.Second))
			return out
		}
	}
	if v.sig != nil {
		out.RTT = v.sig.RTT()
	}
	return out
}

func (v *viewerConn) Close() error {
	// mark the disconnect as already reported so a local close stays silent
	v.disconnectOnce.Do(func() {})
	var err error
	if v.pc != nil {
		err = v.pc.Close()
	}
	if v.sig != nil {
		_ = v.sig.Close()
	}
	return err
}
