package main

import (
	"context"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

// StreamingSessionAdapter is the contract every streaming backend implements.
//
// Initialize validates the descriptor and builds the SDK client without
// touching the network. StartStream performs the handshake; media arrives
// later and independently. StopStream is a no-op when idle. Destroy releases
// everything and may be called repeatedly; any other call after it returns
// an ErrState error. Nothing retries internally: a failed StartStream leaves
// the adapter initialized so the caller can call StartStream again.
type StreamingSessionAdapter interface {
	Platform() Platform
	State() string
	Initialize(d *StreamingDescriptor) error
	AttachSurface(surface RenderSurface) error
	SetStatsSink(sink StatsSink) error
	StartStream(ctx context.Context) error
	StopStream(ctx context.Context) error
	Destroy() error
}

// Pauser is implemented by adapters that can stop local rendering without
// leaving the session.
type Pauser interface {
	SetPauseState(paused bool) error
}

// AdapterDeps carries what adapters need from the process.
type AdapterDeps struct {
	Logger        *logrus.Logger
	API           *webrtc.API
	StatsInterval time.Duration

	// Overridable SDK boundaries.
	NewBroadcastClient func() BroadcastClient
	Director           Director
	DialSubscriber     SubscriberDialer
}

// NewAdapter returns the adapter for the descriptor's platform tag.
func NewAdapter(p Platform, deps AdapterDeps) (StreamingSessionAdapter, error) {
	switch p {
	case PlatformBroadcast:
		return NewBroadcastAdapter(deps), nil
	case PlatformWebRTC:
		return NewWebRTCAdapter(deps), nil
	default:
		return nil, configErrorf("unsupported platform %q", p)
	}
}

func (d AdapterDeps) logger() *logrus.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return logrus.StandardLogger()
}
