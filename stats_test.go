package main

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatsLoopStopsDelivering(t *testing.T) {
	var calls atomic.Int32
	loop := startStatsLoop(5*time.Millisecond, func(now time.Time) SessionStats {
		return SessionStats{Timestamp: now}
	}, func(SessionStats) { calls.Add(1) })

	require.Eventually(t, func() bool { return calls.Load() >= 2 }, time.Second, time.Millisecond)
	loop.stop()
	after := calls.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, calls.Load())

	var nilLoop *statsLoop
	assert.NotPanics(t, nilLoop.stop)
}

func TestFrameRater(t *testing.T) {
	var r frameRater
	start := time.Unix(100, 0)
	assert.Zero(t, r.rate(10, start))
	assert.InDelta(t, 30.0, r.rate(40, start.Add(time.Second)), 0.001)
	assert.InDelta(t, 15.0, r.rate(70, start.Add(3*time.Second)), 0.001)
	assert.Zero(t, r.rate(5, start.Add(4*time.Second)))
}

func TestEstimateQuality(t *testing.T) {
	assert.Equal(t, 0, estimateQuality(SessionStats{}))
	assert.Equal(t, 1, estimateQuality(SessionStats{RTTMillis: 30, Video: &VideoStats{PacketsReceived: 1000}}))
	assert.Equal(t, 2, estimateQuality(SessionStats{RTTMillis: 150, Video: &VideoStats{PacketsReceived: 1000}}))
	assert.Equal(t, 3, estimateQuality(SessionStats{RTTMillis: 50, Video: &VideoStats{PacketsReceived: 950, PacketsLost: 50}}))
	assert.Equal(t, 5, estimateQuality(SessionStats{RTTMillis: 50, Video: &VideoStats{PacketsReceived: 500, PacketsLost: 500}}))
}
