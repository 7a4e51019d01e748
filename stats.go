package main

import (
	"context"
	"time"
)

// DefaultStatsInterval is the cadence at which SessionStats snapshots are produced.
const DefaultStatsInterval = time.Second

// NetworkQuality ratings run from 1 (excellent) to 5 (very poor); 0 is unknown.
type NetworkQuality struct {
	Uplink   int `json:"uplinkNetworkQuality"`
	Downlink int `json:"downlinkNetworkQuality"`
}

type VideoStats struct {
	Codec             string  `json:"codec,omitempty"`
	PacketsReceived   uint64  `json:"packetsReceived"`
	PacketsLost       uint64  `json:"packetsLost"`
	KeyframesReceived uint64  `json:"keyframesReceived"`
	Width             int     `json:"width,omitempty"`
	Height            int     `json:"height,omitempty"`
	FrameRate         float64 `json:"frameRate"`
}

type AudioStats struct {
	Codec           string `json:"codec,omitempty"`
	PacketsReceived uint64 `json:"packetsReceived"`
	PacketsLost     uint64 `json:"packetsLost"`
}

// SessionStats is a point-in-time snapshot of one streaming session.
type SessionStats struct {
	Timestamp      time.Time      `json:"timestamp"`
	NetworkQuality NetworkQuality `json:"networkQuality"`
	RTTMillis      float64        `json:"rttMs"`
	Video          *VideoStats    `json:"video,omitempty"`
	Audio          *AudioStats    `json:"audio,omitempty"`
}

// StatsSink receives SessionStats snapshots. It runs on the adapter's stats
// goroutine and must not call back into the adapter synchronously.
type StatsSink func(SessionStats)

// statsLoop owns the periodic collection goroutine of one adapter.
type statsLoop struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func startStatsLoop(interval time.Duration, collect func(time.Time) SessionStats, sink StatsSink) *statsLoop {
	if interval <= 0 {
		interval = DefaultStatsInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := &statsLoop{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(l.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				stats := collect(now)
				if ctx.Err() != nil {
					return
				}
				sink(stats)
			}
		}
	}()
	return l
}

// stop cancels the loop and waits for it to exit, so the sink is never
// invoked afterwards. Safe on a nil loop.
func (l *statsLoop) stop() {
	if l == nil {
		return
	}
	l.cancel()
	<-l.done
}

// frameRater turns cumulative frame counts into a per-second rate.
type frameRater struct {
	lastFrames uint64
	lastAt     time.Time
}

func (r *frameRater) rate(frames uint64, now time.Time) float64 {
	defer func() {
		r.lastFrames = frames
		r.lastAt = now
	}()
	if r.lastAt.IsZero() || frames < r.lastFrames {
		return 0
	}
	elapsed := now.Sub(r.lastAt).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(frames-r.lastFrames) / elapsed
}

// fillMediaStats adds per-track statistics for whichever outputs exist.
func fillMediaStats(stats *SessionStats, video, audio *mediaOutput, rater *frameRater) {
	if video != nil {
		snap := video.snapshot()
		stats.Video = &VideoStats{
			Codec:             video.codec.MimeType,
			PacketsReceived:   snap.Packets,
			PacketsLost:       snap.Lost,
			KeyframesReceived: snap.Keyframes,
			Width:             snap.Width,
			Height:            snap.Height,
			FrameRate:         rater.rate(snap.Frames, stats.Timestamp),
		}
	}
	if audio != nil {
		snap := audio.snapshot()
		stats.Audio = &AudioStats{
			Codec:           audio.codec.MimeType,
			PacketsReceived: snap.Packets,
			PacketsLost:     snap.Lost,
		}
	}
}
