package main

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	webrtcUninitialized = "uninitialized"
	webrtcInitialized   = "initialized"
	webrtcConnecting    = "connecting"
	webrtcConnected     = "connected"
	webrtcDisconnected  = "disconnected"
	webrtcDestroyed     = "destroyed"
)

// WebRTCAdapter subscribes to a stream through a director token exchange
// followed by WebRTC signaling. It never reconnects on its own.
type WebRTCAdapter struct {
	deps   AdapterDeps
	logger *logrus.Entry

	// opMu serializes Initialize, StartStream, StopStream and Destroy.
	opMu sync.Mutex

	mu      sync.Mutex
	state   string
	target  *webrtcTarget
	conn    Subscriber
	session uint64
	surface RenderSurface
	paused  bool
	video   *mediaOutput
	audio   *mediaOutput
	sink    StatsSink
	stats   *statsLoop
	rater   frameRater
}

func NewWebRTCAdapter(deps AdapterDeps) *WebRTCAdapter {
	return &WebRTCAdapter{
		deps:   deps,
		logger: deps.logger().WithField("platform", string(PlatformWebRTC)),
		state:  webrtcUninitialized,
	}
}

func (a *WebRTCAdapter) Platform() Platform { return PlatformWebRTC }

func (a *WebRTCAdapter) State() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *WebRTCAdapter) Initialize(d *StreamingDescriptor) error {
	a.opMu.Lock()
	defer a.opMu.Unlock()

	if state := a.State(); state != webrtcUninitialized {
		return stateErrorf("initialize in state %s", state)
	}
	target, err := d.webrtcTarget()
	if err != nil {
		return err
	}
	if a.deps.Director == nil || a.deps.DialSubscriber == nil {
		return configErrorf("no webrtc subscriber configured")
	}

	a.mu.Lock()
	a.target = target
	a.logger = a.logger.WithField("stream", target.StreamName)
	a.state = webrtcInitialized
	a.mu.Unlock()
	return nil
}

func (a *WebRTCAdapter) AttachSurface(surface RenderSurface) error {
	a.mu.Lock()
	if a.state == webrtcDestroyed {
		a.mu.Unlock()
		return stateErrorf("attach surface after destroy")
	}
	a.surface = surface
	outputs := a.outputsLocked()
	a.mu.Unlock()

	for _, out := range outputs {
		out.attach(surface)
	}
	return nil
}

// SetStatsSink registers, replaces or (with nil) removes the stats sink.
// A running session picks the change up on its next tick.
func (a *WebRTCAdapter) SetStatsSink(sink StatsSink) error {
	a.mu.Lock()
	if a.state == webrtcDestroyed {
		a.mu.Unlock()
		return stateErrorf("set stats sink after destroy")
	}
	a.sink = sink
	var idle *statsLoop
	switch {
	case sink == nil:
		idle, a.stats = a.stats, nil
	case a.state == webrtcConnected && a.stats == nil:
		a.stats = startStatsLoop(a.deps.StatsInterval, a.collect, a.emit)
	}
	a.mu.Unlock()

	idle.stop()
	return nil
}

// emit hands a snapshot to the sink registered at the time of the tick.
func (a *WebRTCAdapter) emit(st SessionStats) {
	a.mu.Lock()
	sink := a.sink
	a.mu.Unlock()
	if sink != nil {
		sink(st)
	}
}

func (a *WebRTCAdapter) StartStream(ctx context.Context) error {
	a.opMu.Lock()
	defer a.opMu.Unlock()

	// a remote disconnect leaves the dead connection in place
	if a.State() == webrtcDisconnected {
		a.stopLocked()
	}

	a.mu.Lock()
	switch a.state {
	case webrtcInitialized, webrtcDisconnected:
	default:
		state := a.state
		a.mu.Unlock()
		return stateErrorf("start stream in state %s", state)
	}
	target := a.target
	a.state = webrtcConnecting
	a.session++
	session := a.session
	a.mu.Unlock()

	fail := func(op string, err error) error {
		a.mu.Lock()
		a.state = webrtcInitialized
		a.session++
		outputs := a.outputsLocked()
		a.video, a.audio = nil, nil
		a.mu.Unlock()
		for _, out := range outputs {
			out.stop()
		}
		a.logger.WithError(err).WithField("step", op).Error("Failed to start stream")
		return connectionError(op, err)
	}

	creds, err := a.deps.Director.Subscribe(ctx, DirectorRequest{
		URL:        target.DirectorURL,
		Token:      target.Token,
		AccountID:  target.AccountID,
		StreamName: target.StreamName,
	})
	if err != nil {
		return fail("director subscribe", err)
	}

	conn, err := a.deps.DialSubscriber(ctx, creds, target.StreamName, SubscriberEvents{
		OnTrack:      func(t RemoteTrack, ids []string) { a.onTrack(session, t, ids) },
		OnDisconnect: func(err error) { a.onDisconnect(session, err) },
	})
	if err != nil {
		return fail("negotiate subscriber", err)
	}

	a.mu.Lock()
	a.conn = conn
	a.state = webrtcConnected
	a.rater = frameRater{}
	if a.sink != nil {
		a.stats = startStatsLoop(a.deps.StatsInterval, a.collect, a.emit)
	}
	a.mu.Unlock()

	a.logger.WithField("event", "stream_connected").Info("WebRTC stream connected")
	return nil
}

func (a *WebRTCAdapter) StopStream(ctx context.Context) error {
	a.opMu.Lock()
	defer a.opMu.Unlock()
	if a.State() == webrtcDestroyed {
		return stateErrorf("stop stream after destroy")
	}
	a.stopLocked()
	return nil
}

// stopLocked requires opMu.
func (a *WebRTCAdapter) stopLocked() {
	a.mu.Lock()
	if a.conn == nil && a.video == nil && a.audio == nil && a.stats == nil {
		a.mu.Unlock()
		return
	}
	loop := a.stats
	a.stats = nil
	conn := a.conn
	a.conn = nil
	outputs := a.outputsLocked()
	a.video, a.audio = nil, nil
	a.session++
	if a.state == webrtcConnected {
		a.state = webrtcDisconnected
	}
	a.mu.Unlock()

	loop.stop()
	for _, out := range outputs {
		out.stop()
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			a.logger.WithError(err).Debug("Close subscriber")
		}
	}
	a.logger.WithField("event", "stream_disconnected").Info("WebRTC stream stopped")
}

func (a *WebRTCAdapter) Destroy() error {
	a.opMu.Lock()
	defer a.opMu.Unlock()
	if a.State() == webrtcDestroyed {
		return nil
	}
	a.stopLocked()

	a.mu.Lock()
	a.target = nil
	a.surface = nil
	a.sink = nil
	a.state = webrtcDestroyed
	a.mu.Unlock()
	return nil
}

func (a *WebRTCAdapter) SetPauseState(paused bool) error {
	a.mu.Lock()
	if a.state == webrtcDestroyed {
		a.mu.Unlock()
		return stateErrorf("pause after destroy")
	}
	a.paused = paused
	outputs := a.outputsLocked()
	a.mu.Unlock()

	for _, out := range outputs {
		out.setPaused(paused)
	}
	return nil
}

// onTrack binds tracks of the first media stream seen to the managed outputs.
func (a *WebRTCAdapter) onTrack(session uint64, track RemoteTrack, streamIDs []string) {
	var keyframe func()
	if kr, ok := track.(keyframeRequester); ok {
		keyframe = func() {
			if err := kr.RequestKeyframe(); err != nil {
				a.logger.WithError(err).Debug("Keyframe request failed")
			}
		}
	}
	out := newMediaOutput(track, a.logger, keyframe)

	a.mu.Lock()
	if session != a.session || a.state == webrtcDestroyed {
		a.mu.Unlock()
		out.stop()
		return
	}
	slot := &a.video
	if track.Kind() == MediaAudio {
		slot = &a.audio
	}
	if *slot != nil {
		a.mu.Unlock()
		out.stop()
		a.logger.WithField("streams", streamIDs).Debug("Ignoring additional track")
		return
	}
	*slot = out
	out.setPaused(a.paused)
	if a.surface != nil {
		out.attach(a.surface)
	}
	out.start()
	a.mu.Unlock()
}

func (a *WebRTCAdapter) onDisconnect(session uint64, err error) {
	a.mu.Lock()
	if session != a.session || a.state != webrtcConnected {
		a.mu.Unlock()
		return
	}
	a.state = webrtcDisconnected
	loop := a.stats
	a.stats = nil
	a.mu.Unlock()

	loop.stop()
	a.logger.WithError(err).Warn("WebRTC stream disconnected")
}

func (a *WebRTCAdapter) collect(now time.Time) SessionStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	stats := SessionStats{Timestamp: now}
	if a.conn != nil {
		stats.RTTMillis = float64(a.conn.Stats().RTT) / float64(time.Millisecond)
	}
	fillMediaStats(&stats, a.video, a.audio, &a.rater)
	stats.NetworkQuality.Downlink = estimateQuality(stats)
	return stats
}

// estimateQuality grades downlink quality 1..5 from loss and RTT; 0 before
// any video is received.
func estimateQuality(s SessionStats) int {
	if s.Video == nil || s.Video.PacketsReceived == 0 {
		return 0
	}
	loss := float64(s.Video.PacketsLost) / float64(s.Video.PacketsReceived+s.Video.PacketsLost)
	switch {
	case loss < 0.01 && s.RTTMillis < 100:
		return 1
	case loss < 0.03 && s.RTTMillis < 200:
		return 2
	case loss < 0.08 && s.RTTMillis < 400:
		return 3
	case loss < 0.15:
		return 4
	default:
		return 5
	}
}

func (a *WebRTCAdapter) outputsLocked() []*mediaOutput {
	var out []*mediaOutput
	if a.video != nil {
		out = append(out, a.video)
	}
	if a.audio != nil {
		out = append(out, a.audio)
	}
	return out
}
