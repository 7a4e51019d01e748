package main

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	broadcastUninitialized = "uninitialized"
	broadcastInitialized   = "initialized"
	broadcastJoined        = "joined"
	broadcastPlaying       = "playing"
	broadcastPaused        = "paused"
	broadcastLeft          = "left"
	broadcastDestroyed     = "destroyed"
)

// BroadcastEvents are the pushes a broadcast client delivers. Handlers may
// be invoked from any goroutine.
type BroadcastEvents struct {
	UserPublished   func(uid string, kind MediaKind)
	UserUnpublished func(uid string, kind MediaKind)
	NetworkQuality  func(q NetworkQuality)
}

// ConnectionStats is what a client reports about its transport.
type ConnectionStats struct {
	RTT time.Duration
}

// BroadcastClient is the channel-join SDK boundary. Construction must not
// touch the network.
type BroadcastClient interface {
	SetClientRole(role string) error
	On(events BroadcastEvents)
	Join(ctx context.Context, appID, channel, token string) error
	Subscribe(ctx context.Context, uid string, kind MediaKind) (RemoteTrack, error)
	Leave(ctx context.Context) error
	Stats() ConnectionStats
	Close() error
}

// keyframeRequester is implemented by tracks that can ask the sender for a keyframe.
type keyframeRequester interface {
	RequestKeyframe() error
}

// BroadcastAdapter plays a live-broadcast channel as an audience member.
type BroadcastAdapter struct {
	deps   AdapterDeps
	logger *logrus.Entry

	// opMu serializes Initialize, StartStream, StopStream and Destroy.
	opMu sync.Mutex

	mu         sync.Mutex
	state      string
	target     *broadcastTarget
	client     BroadcastClient
	surface    RenderSurface
	paused     bool
	video      *mediaOutput
	audio      *mediaOutput
	videoUID   string
	audioUID   string
	quality    NetworkQuality
	sink       StatsSink
	stats      *statsLoop
	rater      frameRater
	sessionCtx context.Context
	endSession context.CancelFunc

	// publications that arrive while the join is still in flight
	joining bool
	early   []publication
}

type publication struct {
	uid  string
	kind MediaKind
}

func NewBroadcastAdapter(deps AdapterDeps) *BroadcastAdapter {
	return &BroadcastAdapter{
		deps:   deps,
		logger: deps.logger().WithField("platform", string(PlatformBroadcast)),
		state:  broadcastUninitialized,
	}
}

func (a *BroadcastAdapter) Platform() Platform { return PlatformBroadcast }

func (a *BroadcastAdapter) State() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *BroadcastAdapter) Initialize(d *StreamingDescriptor) error {
	a.opMu.Lock()
	defer a.opMu.Unlock()

	a.mu.Lock()
	state := a.state
	a.mu.Unlock()
	if state != broadcastUninitialized {
		return stateErrorf("initialize in state %s", state)
	}

	target, err := d.broadcastTarget()
	if err != nil {
		return err
	}
	if a.deps.NewBroadcastClient == nil {
		return configErrorf("no broadcast client configured")
	}
	client := a.deps.NewBroadcastClient()
	if err := client.SetClientRole("audience"); err != nil {
		_ = client.Close()
		return configErrorf("set client role: %v", err)
	}
	client.On(BroadcastEvents{
		UserPublished:   a.onUserPublished,
		UserUnpublished: a.onUserUnpublished,
		NetworkQuality:  a.onNetworkQuality,
	})

	a.mu.Lock()
	a.target = target
	a.client = client
	a.logger = a.logger.WithField("channel", target.Channel)
	a.state = broadcastInitialized
	a.mu.Unlock()
	return nil
}

func (a *BroadcastAdapter) AttachSurface(surface RenderSurface) error {
	a.mu.Lock()
	if a.state == broadcastDestroyed {
		a.mu.Unlock()
		return stateErrorf("attach surface after destroy")
	}
	a.surface = surface
	outputs := a.outputsLocked()
	a.refreshStateLocked()
	a.mu.Unlock()

	for _, out := range outputs {
		out.attach(surface)
	}
	return nil
}

// SetStatsSink registers, replaces or (with nil) removes the stats sink.
// A running session picks the change up on its next tick.
func (a *BroadcastAdapter) SetStatsSink(sink StatsSink) error {
	a.mu.Lock()
	if a.state == broadcastDestroyed {
		a.mu.Unlock()
		return stateErrorf("set stats sink after destroy")
	}
	a.sink = sink
	var idle *statsLoop
	switch {
	case sink == nil:
		idle, a.stats = a.stats, nil
	case a.inSessionLocked() && a.stats == nil:
		a.stats = startStatsLoop(a.deps.StatsInterval, a.collect, a.emit)
	}
	a.mu.Unlock()

	idle.stop()
	return nil
}

// emit hands a snapshot to the sink registered at the time of the tick.
func (a *BroadcastAdapter) emit(st SessionStats) {
	a.mu.Lock()
	sink := a.sink
	a.mu.Unlock()
	if sink != nil {
		sink(st)
	}
}

func (a *BroadcastAdapter) StartStream(ctx context.Context) error {
	a.opMu.Lock()
	defer a.opMu.Unlock()

	a.mu.Lock()
	switch a.state {
	case broadcastInitialized, broadcastLeft:
	default:
		state := a.state
		a.mu.Unlock()
		return stateErrorf("start stream in state %s", state)
	}
	client, target := a.client, a.target
	a.joining = true
	a.mu.Unlock()

	if err := client.Join(ctx, target.AppID, target.Channel, target.Token); err != nil {
		a.mu.Lock()
		a.joining = false
		a.early = nil
		a.mu.Unlock()
		a.logger.WithError(err).Error("Failed to join channel")
		return connectionError("join channel "+target.Channel, err)
	}

	a.mu.Lock()
	a.joining = false
	early := a.early
	a.early = nil
	a.sessionCtx, a.endSession = context.WithCancel(context.Background())
	a.state = broadcastJoined
	a.rater = frameRater{}
	a.refreshStateLocked()
	if a.sink != nil {
		a.stats = startStatsLoop(a.deps.StatsInterval, a.collect, a.emit)
	}
	a.mu.Unlock()

	a.logger.WithField("event", "channel_joined").Info("Joined broadcast channel")
	for _, p := range early {
		go a.onUserPublished(p.uid, p.kind)
	}
	return nil
}

func (a *BroadcastAdapter) StopStream(ctx context.Context) error {
	a.opMu.Lock()
	defer a.opMu.Unlock()
	if a.State() == broadcastDestroyed {
		return stateErrorf("stop stream after destroy")
	}
	return a.stopLocked(ctx)
}

// stopLocked requires opMu.
func (a *BroadcastAdapter) stopLocked(ctx context.Context) error {
	a.mu.Lock()
	if !a.inSessionLocked() {
		a.mu.Unlock()
		return nil
	}
	loop := a.stats
	a.stats = nil
	a.endSession()
	outputs := a.outputsLocked()
	a.video, a.audio = nil, nil
	a.videoUID, a.audioUID = "", ""
	a.state = broadcastLeft
	client := a.client
	a.mu.Unlock()

	loop.stop()
	for _, out := range outputs {
		out.stop()
	}
	if err := client.Leave(ctx); err != nil {
		a.logger.WithError(err).Warn("Leave channel failed")
		return connectionError("leave channel", err)
	}
	a.logger.WithField("event", "channel_left").Info("Left broadcast channel")
	return nil
}

func (a *BroadcastAdapter) Destroy() error {
	a.opMu.Lock()
	defer a.opMu.Unlock()

	a.mu.Lock()
	if a.state == broadcastDestroyed {
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	_ = a.stopLocked(ctx)
	cancel()

	a.mu.Lock()
	client := a.client
	a.client = nil
	a.target = nil
	a.surface = nil
	a.sink = nil
	a.state = broadcastDestroyed
	a.mu.Unlock()

	if client != nil {
		if err := client.Close(); err != nil {
			a.logger.WithError(err).Debug("Close broadcast client")
		}
	}
	return nil
}

func (a *BroadcastAdapter) SetPauseState(paused bool) error {
	a.mu.Lock()
	if a.state == broadcastDestroyed {
		a.mu.Unlock()
		return stateErrorf("pause after destroy")
	}
	a.paused = paused
	outputs := a.outputsLocked()
	a.refreshStateLocked()
	a.mu.Unlock()

	for _, out := range outputs {
		out.setPaused(paused)
	}
	return nil
}

func (a *BroadcastAdapter) onUserPublished(uid string, kind MediaKind) {
	a.mu.Lock()
	if a.joining {
		a.early = append(a.early, publication{uid: uid, kind: kind})
		a.mu.Unlock()
		return
	}
	if !a.inSessionLocked() {
		a.mu.Unlock()
		return
	}
	client, ctx := a.client, a.sessionCtx
	a.mu.Unlock()

	logger := a.logger.WithFields(logrus.Fields{"uid": uid, "kind": string(kind)})
	logger.Info("User published")

	track, err := client.Subscribe(ctx, uid, kind)
	if err != nil {
		if ctx.Err() == nil {
			logger.WithError(err).Error("Subscribe failed")
		}
		return
	}

	var keyframe func()
	if kr, ok := track.(keyframeRequester); ok {
		keyframe = func() {
			if err := kr.RequestKeyframe(); err != nil {
				logger.WithError(err).Debug("Keyframe request failed")
			}
		}
	}
	out := newMediaOutput(track, a.logger, keyframe)

	a.mu.Lock()
	if ctx.Err() != nil {
		a.mu.Unlock()
		out.stop()
		return
	}
	var old *mediaOutput
	if kind == MediaVideo {
		old, a.video, a.videoUID = a.video, out, uid
	} else {
		old, a.audio, a.audioUID = a.audio, out, uid
	}
	if old != nil {
		old.stop()
	}
	out.setPaused(a.paused)
	if a.surface != nil {
		out.attach(a.surface)
	}
	out.start()
	a.refreshStateLocked()
	a.mu.Unlock()
}

// onUserUnpublished clears the slot only when uid is still the one playing in it.
func (a *BroadcastAdapter) onUserUnpublished(uid string, kind MediaKind) {
	logger := a.logger.WithFields(logrus.Fields{"uid": uid, "kind": string(kind)})

	a.mu.Lock()
	slot, owner := &a.video, &a.videoUID
	if kind == MediaAudio {
		slot, owner = &a.audio, &a.audioUID
	}
	if *slot == nil || *owner != uid {
		a.mu.Unlock()
		logger.Debug("Ignoring unpublish of a track not playing")
		return
	}
	old := *slot
	*slot, *owner = nil, ""
	a.refreshStateLocked()
	a.mu.Unlock()

	logger.Info("User unpublished")
	old.stop()
}

func (a *BroadcastAdapter) onNetworkQuality(q NetworkQuality) {
	a.mu.Lock()
	a.quality = q
	a.mu.Unlock()
}

func (a *BroadcastAdapter) collect(now time.Time) SessionStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	stats := SessionStats{Timestamp: now, NetworkQuality: a.quality}
	if a.client != nil {
		stats.RTTMillis = float64(a.client.Stats().RTT) / float64(time.Millisecond)
	}
	fillMediaStats(&stats, a.video, a.audio, &a.rater)
	return stats
}

func (a *BroadcastAdapter) inSessionLocked() bool {
	switch a.state {
	case broadcastJoined, broadcastPlaying, broadcastPaused:
		return true
	}
	return false
}

func (a *BroadcastAdapter) refreshStateLocked() {
	if !a.inSessionLocked() {
		return
	}
	switch {
	case a.paused:
		a.state = broadcastPaused
	case a.surface != nil && (a.video != nil || a.audio != nil):
		a.state = broadcastPlaying
	default:
		a.state = broadcastJoined
	}
}

func (a *BroadcastAdapter) outputsLocked() []*mediaOutput {
	var out []*mediaOutput
	if a.video != nil {
		out = append(out, a.video)
	}
	if a.audio != nil {
		out = append(out, a.audio)
	}
	return out
}
