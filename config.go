package main

import (
	"flag"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/ice/v4"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

type Config struct {
	ListenAddress string

	DetailsAPIURL string
	APIToken      string
	OrgID         string
	APITimeout    time.Duration

	DirectorURL         string
	BroadcastGatewayURL string

	StatsInterval time.Duration
	StartTimeout  time.Duration
	MaxTiles      int
	TilesFile     string

	Verbose     bool
	InsecureTLS bool
	LogFormat   string

	ICEUDPMuxPort int
	UDPPortMin    uint16
	UDPPortMax    uint16
	NAT1To1IP     string

	AllowedHosts string // Comma-separated list, supports wildcards like *.millicast.com
}

func NewConfig() *Config {
	c := &Config{
		ListenAddress:       env("LISTEN_ADDRESS", ":8080"),
		DetailsAPIURL:       env("DETAILS_API_URL", ""),
		APIToken:            env("API_TOKEN", ""),
		OrgID:               env("ORG_ID", ""),
		APITimeout:          envDuration("API_TIMEOUT", 30*time.Second),
		DirectorURL:         env("DIRECTOR_URL", DefaultDirectorURL),
		BroadcastGatewayURL: env("BROADCAST_GATEWAY_URL", ""),
		StatsInterval:       envDuration("STATS_INTERVAL", DefaultStatsInterval),
		StartTimeout:        envDuration("START_TIMEOUT", 20*time.Second),
		MaxTiles:            envInt("MAX_TILES", 0),
		TilesFile:           env("TILES_FILE", ""),
		Verbose:             envBool("VERBOSE", false),
		InsecureTLS:         envBool("INSECURE_TLS", false),
		LogFormat:           env("LOG_FORMAT", "auto"),
		ICEUDPMuxPort:       envInt("ICE_UDP_MUX_PORT", 0),
		UDPPortMin:          uint16(envInt("UDP_PORT_MIN", 10000)),
		UDPPortMax:          uint16(envInt("UDP_PORT_MAX", 12000)),
		NAT1To1IP:           env("NAT_1TO1_IP", ""),
		AllowedHosts:        env("ALLOWED_HOSTS", ""),
	}

	flag.StringVar(&c.ListenAddress, "listen", c.ListenAddress, "HTTP bind address (env: LISTEN_ADDRESS)")
	flag.StringVar(&c.DetailsAPIURL, "details-api", c.DetailsAPIURL, "Streaming details API base URL (env: DETAILS_API_URL)")
	flag.StringVar(&c.OrgID, "org-id", c.OrgID, "Organization id sent to the details API (env: ORG_ID)")
	flag.StringVar(&c.DirectorURL, "director", c.DirectorURL, "Default WebRTC director subscribe URL (env: DIRECTOR_URL)")
	flag.StringVar(&c.BroadcastGatewayURL, "broadcast-gateway", c.BroadcastGatewayURL, "Broadcast channel gateway websocket URL (env: BROADCAST_GATEWAY_URL)")
	flag.DurationVar(&c.StatsInterval, "stats-interval", c.StatsInterval, "Session statistics cadence (env: STATS_INTERVAL)")
	flag.DurationVar(&c.StartTimeout, "start-timeout", c.StartTimeout, "Max time for one tile session handshake (env: START_TIMEOUT)")
	flag.IntVar(&c.MaxTiles, "max-tiles", c.MaxTiles, "Maximum tiles on the wall, 0=unlimited (env: MAX_TILES)")
	flag.StringVar(&c.TilesFile, "tiles", c.TilesFile, "YAML file of tiles applied at startup (env: TILES_FILE)")
	flag.BoolVar(&c.Verbose, "verbose", c.Verbose, "Enable debug logging (env: VERBOSE)")
	flag.BoolVar(&c.InsecureTLS, "insecure-tls", c.InsecureTLS, "Skip TLS verification (env: INSECURE_TLS)")
	flag.IntVar(&c.ICEUDPMuxPort, "ice-udp-mux-port", c.ICEUDPMuxPort, "Single UDP port for ICE, 0=use range (env: ICE_UDP_MUX_PORT)")
	flag.StringVar(&c.NAT1To1IP, "nat-1to1-ip", c.NAT1To1IP, "Comma-separated public IPs for ICE host candidates (env: NAT_1TO1_IP)")
	flag.StringVar(&c.AllowedHosts, "allowed-hosts", c.AllowedHosts, "Allowed director/signaling hosts, comma-separated, supports wildcards (env: ALLOWED_HOSTS)")

	return c
}

// IsHostAllowed checks if a host is in the allowed list.
// Empty string or "*" means all hosts allowed.
func (c *Config) IsHostAllowed(host string) bool {
	allowed := strings.TrimSpace(c.AllowedHosts)
	if allowed == "" || allowed == "*" {
		return true
	}
	host = strings.ToLower(strings.TrimSpace(host))
	for _, pattern := range strings.Split(allowed, ",") {
		pattern = strings.ToLower(strings.TrimSpace(pattern))
		if pattern == "" || pattern == "*" {
			return true
		}
		if matchHost(pattern, host) {
			return true
		}
	}
	return false
}

// CheckDescriptorHosts rejects descriptors that point the service at hosts
// outside the allowed list.
func (c *Config) CheckDescriptorHosts(d *StreamingDescriptor) error {
	if d == nil || d.Platform != PlatformWebRTC || d.WebRTC == nil {
		return nil
	}
	raw := d.WebRTC.Endpoints.SubscribeAPIURL
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return configErrorf("subscribe api url: %v", err)
	}
	if !c.IsHostAllowed(u.Hostname()) {
		return configErrorf("host %q not allowed", u.Hostname())
	}
	return nil
}

func matchHost(pattern, host string) bool {
	if pattern == host {
		return true
	}
	// Wildcard match: *.example.com matches foo.example.com and bar.foo.example.com
	if strings.HasPrefix(pattern, "*.") {
		suffix := pattern[1:] // .example.com
		return strings.HasSuffix(host, suffix)
	}
	return false
}

func (c *Config) Logger() *logrus.Logger {
	log := logrus.New()

	format := strings.ToLower(c.LogFormat)
	if format == "auto" {
		if os.Getenv("TERM") != "" {
			format = "text"
		} else {
			format = "json"
		}
	}
	if format == "text" {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339, ForceColors: true})
	} else {
		log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	}

	level := logrus.InfoLevel
	if c.Verbose {
		level = logrus.DebugLevel
	}
	log.SetLevel(level)

	return log
}

// WebRTCAPI builds the pion API shared by subscribers and tile viewers.
func (c *Config) WebRTCAPI() (*webrtc.API, error) {
	media := &webrtc.MediaEngine{}

	audioCodecs := []webrtc.RTPCodecParameters{
		{RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2, SDPFmtpLine: "minptime=10;useinbandfec=1"}, PayloadType: 111},
	}
	for _, codec := range audioCodecs {
		if err := media.RegisterCodec(codec, webrtc.RTPCodecTypeAudio); err != nil {
			return nil, err
		}
	}

	videoCodecs := []webrtc.RTPCodecParameters{
		{RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264, ClockRate: 90000, SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f", RTCPFeedback: defaultFeedback()}, PayloadType: 102},
		{RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264, ClockRate: 90000, SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=4d001f", RTCPFeedback: defaultFeedback()}, PayloadType: 106},
		{RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264, ClockRate: 90000, SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=64001f", RTCPFeedback: defaultFeedback()}, PayloadType: 103},
		{RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000, RTCPFeedback: defaultFeedback()}, PayloadType: 97},
	}
	for _, codec := range videoCodecs {
		if err := media.RegisterCodec(codec, webrtc.RTPCodecTypeVideo); err != nil {
			return nil, err
		}
	}

	// NACK, RTCP reports and TWCC for the receive side
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(media, registry); err != nil {
		return nil, err
	}

	settings := webrtc.SettingEngine{}
	settings.SetICETimeouts(10*time.Second, 30*time.Second, time.Second)

	nat1To1IPs, err := parseNAT1To1IPs(c.NAT1To1IP)
	if err != nil {
		return nil, err
	}
	if len(nat1To1IPs) > 0 {
		settings.SetNAT1To1IPs(nat1To1IPs, webrtc.ICECandidateTypeHost)
	}

	if c.ICEUDPMuxPort > 0 {
		udpConn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: c.ICEUDPMuxPort})
		if err != nil {
			return nil, fmt.Errorf("failed to listen on udp4 port %d: %w", c.ICEUDPMuxPort, err)
		}
		settings.SetICEUDPMux(ice.NewUDPMuxDefault(ice.UDPMuxParams{UDPConn: udpConn}))
	} else if err := settings.SetEphemeralUDPPortRange(c.UDPPortMin, c.UDPPortMax); err != nil {
		return nil, fmt.Errorf("udp port range: %w", err)
	}
	settings.SetNetworkTypes([]webrtc.NetworkType{webrtc.NetworkTypeUDP4, webrtc.NetworkTypeTCP4})

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(media),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(settings),
	), nil
}

// AdapterDeps wires the production SDK boundaries.
func (c *Config) AdapterDeps(api *webrtc.API, logger *logrus.Logger) AdapterDeps {
	httpClient := &http.Client{Timeout: c.APITimeout}
	return AdapterDeps{
		Logger:        logger,
		API:           api,
		StatsInterval: c.StatsInterval,
		NewBroadcastClient: func() BroadcastClient {
			return newGatewayClient(c.BroadcastGatewayURL, api, c.InsecureTLS, logger)
		},
		Director:       newHTTPDirector(httpClient, c.DirectorURL),
		DialSubscriber: newViewerDialer(api, c.InsecureTLS, c.IsHostAllowed, logger),
	}
}

func defaultFeedback() []webrtc.RTCPFeedback {
	return []webrtc.RTCPFeedback{
		{Type: "nack"},
		{Type: "nack", Parameter: "pli"},
		{Type: "ccm", Parameter: "fir"},
		{Type: "goog-remb"},
		{Type: "transport-cc"},
	}
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		v = strings.ToLower(v)
		return v == "true" || v == "1" || v == "yes"
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func parseNAT1To1IPs(raw string) ([]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	parts := strings.Split(raw, ",")
	ips := make([]string, 0, len(parts))
	for _, part := range parts {
		ipStr := strings.TrimSpace(part)
		if ipStr == "" {
			continue
		}
		if net.ParseIP(ipStr) == nil {
			return nil, fmt.Errorf("invalid NAT_1TO1_IP value: %q", ipStr)
		}
		ips = append(ips, ipStr)
	}
	return ips, nil
}
