package main

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

var (
	testH264 = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264, ClockRate: 90000}
	testOpus = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
)

// fakeTrack is a RemoteTrack fed from a channel.
type fakeTrack struct {
	id        string
	kind      MediaKind
	codec     webrtc.RTPCodecCapability
	packets   chan *rtp.Packet
	closeOnce sync.Once
	closed    chan struct{}
	keyframes atomic.Int32
}

func newFakeTrack(kind MediaKind) *fakeTrack {
	codec := testH264
	if kind == MediaAudio {
		codec = testOpus
	}
	return &fakeTrack{
		id:      string(kind) + "-track",
		kind:    kind,
		codec:   codec,
		packets: make(chan *rtp.Packet, 1024),
		closed:  make(chan struct{}),
	}
}

func (t *fakeTrack) ID() string                       { return t.id }
func (t *fakeTrack) Kind() MediaKind                  { return t.kind }
func (t *fakeTrack) Codec() webrtc.RTPCodecCapability { return t.codec }

func (t *fakeTrack) ReadRTP() (*rtp.Packet, error) {
	select {
	case pkt := <-t.packets:
		return pkt, nil
	case <-t.closed:
		return nil, io.EOF
	}
}

func (t *fakeTrack) RequestKeyframe() error {
	t.keyframes.Add(1)
	return nil
}

func (t *fakeTrack) push(seqs ...uint16) {
	for _, seq := range seqs {
		t.packets <- &rtp.Packet{
			Header:  rtp.Header{Version: 2, SequenceNumber: seq, Marker: true},
			Payload: []byte{0x41, 0x00},
		}
	}
}

func (t *fakeTrack) Close() {
	t.closeOnce.Do(func() { close(t.closed) })
}

// fakeSurface records what is rendered into it.
type fakeSurface struct {
	id string

	mu       sync.Mutex
	rendered map[MediaKind]int
	cleared  map[MediaKind]int
}

func newFakeSurface(id string) *fakeSurface {
	return &fakeSurface{
		id:       id,
		rendered: make(map[MediaKind]int),
		cleared:  make(map[MediaKind]int),
	}
}

func (s *fakeSurface) ID() string { return s.id }

func (s *fakeSurface) Render(kind MediaKind, _ webrtc.RTPCodecCapability, _ *rtp.Packet) error {
	s.mu.Lock()
	s.rendered[kind]++
	s.mu.Unlock()
	return nil
}

func (s *fakeSurface) Clear(kind MediaKind) {
	s.mu.Lock()
	s.cleared[kind]++
	s.mu.Unlock()
}

func (s *fakeSurface) renderedCount(kind MediaKind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rendered[kind]
}

func (s *fakeSurface) clearedCount(kind MediaKind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cleared[kind]
}

type joinCall struct {
	appID, channel, token string
}

// fakeBroadcastClient is a scriptable BroadcastClient.
type fakeBroadcastClient struct {
	mu        sync.Mutex
	role      string
	events    BroadcastEvents
	joins     []joinCall
	joinErr   error
	joinHook  func()
	leaveErr  error
	leaves    int
	closes    int
	tracks    map[MediaKind]*fakeTrack
	rtt       time.Duration
	subscribe func(uid string, kind MediaKind) (RemoteTrack, error)
}

func newFakeBroadcastClient() *fakeBroadcastClient {
	return &fakeBroadcastClient{tracks: make(map[MediaKind]*fakeTrack)}
}

func (c *fakeBroadcastClient) SetClientRole(role string) error {
	c.mu.Lock()
	c.role = role
	c.mu.Unlock()
	return nil
}

func (c *fakeBroadcastClient) On(events BroadcastEvents) {
	c.mu.Lock()
	c.events = events
	c.mu.Unlock()
}

func (c *fakeBroadcastClient) Join(_ context.Context, appID, channel, token string) error {
	c.mu.Lock()
	c.joins = append(c.joins, joinCall{appID, channel, token})
	err, hook := c.joinErr, c.joinHook
	c.mu.Unlock()
	if hook != nil {
		hook()
	}
	return err
}

func (c *fakeBroadcastClient) Subscribe(_ context.Context, uid string, kind MediaKind) (RemoteTrack, error) {
	c.mu.Lock()
	fn := c.subscribe
	c.mu.Unlock()
	if fn != nil {
		return fn(uid, kind)
	}
	track := newFakeTrack(kind)
	c.mu.Lock()
	c.tracks[kind] = track
	c.mu.Unlock()
	return track, nil
}

func (c *fakeBroadcastClient) Leave(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.leaves++
	for _, t := range c.tracks {
		t.Close()
	}
	return c.leaveErr
}

func (c *fakeBroadcastClient) Stats() ConnectionStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ConnectionStats{RTT: c.rtt}
}

func (c *fakeBroadcastClient) Close() error {
	c.mu.Lock()
	c.closes++
	c.mu.Unlock()
	return nil
}

func (c *fakeBroadcastClient) publish(uid string, kind MediaKind) {
	c.mu.Lock()
	ev := c.events
	c.mu.Unlock()
	ev.UserPublished(uid, kind)
}

func (c *fakeBroadcastClient) unpublish(uid string, kind MediaKind) {
	c.mu.Lock()
	ev := c.events
	c.mu.Unlock()
	ev.UserUnpublished(uid, kind)
}

func (c *fakeBroadcastClient) quality(q NetworkQuality) {
	c.mu.Lock()
	ev := c.events
	c.mu.Unlock()
	ev.NetworkQuality(q)
}

func (c *fakeBroadcastClient) track(kind MediaKind) *fakeTrack {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tracks[kind]
}

func (c *fakeBroadcastClient) joinCalls() []joinCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]joinCall(nil), c.joins...)
}

// fakeDirector answers with fixed credentials or an error.
type fakeDirector struct {
	mu    sync.Mutex
	reqs  []DirectorRequest
	err   error
	creds *SignalingCredentials
}

func (d *fakeDirector) Subscribe(_ context.Context, req DirectorRequest) (*SignalingCredentials, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reqs = append(d.reqs, req)
	if d.err != nil {
		return nil, d.err
	}
	if d.creds != nil {
		return d.creds, nil
	}
	return &SignalingCredentials{URLs: []string{"wss://signal.test/ws"}, JWT: "jwt"}, nil
}

func (d *fakeDirector) calls() []DirectorRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]DirectorRequest(nil), d.reqs...)
}

// fakeSubscriber is a negotiated connection that can push tracks.
type fakeSubscriber struct {
	events SubscriberEvents
	closed atomic.Bool
	rtt    time.Duration
}

func (s *fakeSubscriber) Stats() ConnectionStats { return ConnectionStats{RTT: s.rtt} }

func (s *fakeSubscriber) Close() error {
	s.closed.Store(true)
	return nil
}

// fakeDialer hands out fakeSubscribers, or fails while err is set.
type fakeDialer struct {
	mu     sync.Mutex
	err    error
	subs   []*fakeSubscriber
	onDial func(events SubscriberEvents)
}

func (d *fakeDialer) dial(_ context.Context, _ *SignalingCredentials, _ string, events SubscriberEvents) (Subscriber, error) {
	d.mu.Lock()
	err, hook := d.err, d.onDial
	d.mu.Unlock()
	if hook != nil {
		hook(events)
	}
	if err != nil {
		return nil, err
	}
	sub := &fakeSubscriber{events: events, rtt: 40 * time.Millisecond}
	d.mu.Lock()
	d.subs = append(d.subs, sub)
	d.mu.Unlock()
	return sub, nil
}

func (d *fakeDialer) last() *fakeSubscriber {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.subs) == 0 {
		return nil
	}
	return d.subs[len(d.subs)-1]
}

func broadcastDescriptor(channel string) *StreamingDescriptor {
	return &StreamingDescriptor{
		Platform: PlatformBroadcast,
		Broadcast: &BroadcastCredentials{
			AppID:        "A1",
			ChannelToken: "T1",
			JoinURL:      "https://live.example.com/join?channel=" + channel,
		},
	}
}

func webrtcDescriptor(stream string) *StreamingDescriptor {
	return &StreamingDescriptor{
		Platform: PlatformWebRTC,
		WebRTC: &WebRTCCredentials{
			SubscribeToken: "sub-token",
			Endpoints: WebRTCEndpoints{
				SubscribeAPIURL: "https://director.example.com/api/director/subscribe",
				PublishURL:      "https://director.example.com/api/director/publish/acct1/" + stream,
			},
		},
	}
}

// countingSink counts the snapshots it receives and keeps the first one.
type countingSink struct {
	calls atomic.Int32
	mu    sync.Mutex
	first *SessionStats
}

func (s *countingSink) sink(st SessionStats) {
	s.mu.Lock()
	if s.first == nil {
		s.first = &st
	}
	s.mu.Unlock()
	s.calls.Add(1)
}

func (s *countingSink) firstStats() *SessionStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.first
}

// settled waits until no new snapshot arrives within d and returns the count.
func (s *countingSink) settled(d time.Duration) int32 {
	for {
		n := s.calls.Load()
		time.Sleep(d)
		if s.calls.Load() == n {
			return n
		}
	}
}
