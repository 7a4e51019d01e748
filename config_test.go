package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsHostAllowed(t *testing.T) {
	c := &Config{}
	assert.True(t, c.IsHostAllowed("anything.example.com"))

	c.AllowedHosts = "director.millicast.com, *.example.com"
	assert.True(t, c.IsHostAllowed("director.millicast.com"))
	assert.True(t, c.IsHostAllowed("Director.Example.com"))
	assert.True(t, c.IsHostAllowed("a.b.example.com"))
	assert.False(t, c.IsHostAllowed("example.com"))
	assert.False(t, c.IsHostAllowed("evil.com"))
}

func TestCheckDescriptorHosts(t *testing.T) {
	c := &Config{AllowedHosts: "*.example.com"}
	assert.NoError(t, c.CheckDescriptorHosts(webrtcDescriptor("cam-7")))
	assert.NoError(t, c.CheckDescriptorHosts(broadcastDescriptor("room42")))

	d := webrtcDescriptor("cam-7")
	d.WebRTC.Endpoints.SubscribeAPIURL = "https://director.evil.com/subscribe"
	assert.ErrorIs(t, c.CheckDescriptorHosts(d), ErrConfiguration)
}

func TestParseNAT1To1IPs(t *testing.T) {
	ips, err := parseNAT1To1IPs(" 203.0.113.7, ,198.51.100.2 ")
	require.NoError(t, err)
	assert.Equal(t, []string{"203.0.113.7", "198.51.100.2"}, ips)

	ips, err = parseNAT1To1IPs("")
	require.NoError(t, err)
	assert.Nil(t, ips)

	_, err = parseNAT1To1IPs("not-an-ip")
	assert.Error(t, err)
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("VW_STR", "x")
	t.Setenv("VW_INT", "7")
	t.Setenv("VW_BAD_INT", "seven")
	t.Setenv("VW_BOOL", "Yes")
	t.Setenv("VW_DUR", "250ms")

	assert.Equal(t, "x", env("VW_STR", "d"))
	assert.Equal(t, "d", env("VW_UNSET", "d"))
	assert.Equal(t, 7, envInt("VW_INT", 1))
	assert.Equal(t, 1, envInt("VW_BAD_INT", 1))
	assert.True(t, envBool("VW_BOOL", false))
	assert.Equal(t, 250*time.Millisecond, envDuration("VW_DUR", time.Second))
	assert.Equal(t, time.Second, envDuration("VW_UNSET", time.Second))
}

func TestWebRTCAPI(t *testing.T) {
	c := &Config{UDPPortMin: 20000, UDPPortMax: 20100}
	api, err := c.WebRTCAPI()
	require.NoError(t, err)
	assert.NotNil(t, api)

	c.NAT1To1IP = "bogus"
	_, err = c.WebRTCAPI()
	assert.Error(t, err)
}

func TestAdapterDepsFromConfig(t *testing.T) {
	c := &Config{APITimeout: time.Second, StatsInterval: 2 * time.Second, DirectorURL: DefaultDirectorURL}
	deps := c.AdapterDeps(nil, testLogger())
	assert.Equal(t, 2*time.Second, deps.StatsInterval)
	assert.NotNil(t, deps.Director)
	assert.NotNil(t, deps.DialSubscriber)
	require.NotNil(t, deps.NewBroadcastClient)
	assert.NotNil(t, deps.NewBroadcastClient())
}

func TestViewerDialerChecksSignalingHost(t *testing.T) {
	c := &Config{AllowedHosts: "*.example.com"}
	dial := newViewerDialer(nil, false, c.IsHostAllowed, testLogger())

	creds := &SignalingCredentials{URLs: []string{"wss://signal.evil.com/ws/v2/sub"}, JWT: "j"}
	sub, err := dial(context.Background(), creds, "cam-7", SubscriberEvents{})
	assert.ErrorIs(t, err, ErrConfiguration)
	assert.Nil(t, sub)
}
