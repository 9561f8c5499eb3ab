// Package config loads and validates the session-wide configuration used to
// construct a media session: local port, ICE server lists, handshake
// timeouts, jitter buffer tuning, log level, and the signaling server's
// address. Unlike internal/signaling's old AWS-IoT Config, nothing here is
// a credential: there is no persisted identity, per spec.md Section 6.
package config

import (
	"encoding/json"
	"io/ioutil"
	"time"

	"golang.org/x/xerrors"

	"github.com/lanikai/p2pcall/internal/logging"
)

// TurnServer is one configured TURN relay, with optional long-term
// credentials.
type TurnServer struct {
	Address    string `json:"address"`
	Username   string `json:"username,omitempty"`
	Credential string `json:"credential,omitempty"`
}

// Config is the full set of knobs a session needs before it can be
// established. Zero-valued fields are filled in by Default() / LoadConfig.
type Config struct {
	// LocalPort is the UDP port the ICE agent binds. Zero means ephemeral.
	LocalPort int `json:"localPort"`

	StunServers []string     `json:"stunServers,omitempty"`
	TurnServers []TurnServer `json:"turnServers,omitempty"`

	// HandshakeTimeout bounds the DTLS handshake (spec.md Section 5: 5s).
	HandshakeTimeout time.Duration `json:"handshakeTimeout"`
	// IceGatherTimeout bounds candidate gathering (spec.md Section 5: 3s).
	IceGatherTimeout time.Duration `json:"iceGatherTimeout"`
	// EstablishTimeout bounds end-to-end establish() (spec.md Section 5: 5s).
	EstablishTimeout time.Duration `json:"establishTimeout"`

	// Jitter buffer tuning, passed through to jitter.Config.
	JitterMinDelayFrames int           `json:"jitterMinDelayFrames"`
	JitterMaxDelayFrames int           `json:"jitterMaxDelayFrames"`
	JitterTargetJitter   time.Duration `json:"jitterTargetJitter"`
	JitterCapacity       int           `json:"jitterCapacity"`
	JitterAdaptationRate float64       `json:"jitterAdaptationRate"`

	// VideoFPS is the nominal encoder frame rate, used to derive the RTP
	// timestamp clock and the jitter buffer's frame-to-duration mapping.
	VideoFPS float64 `json:"videoFPS"`

	LogLevel logging.Level `json:"-"`
	// LogLevelName is LogLevel's string form, for JSON round-tripping
	// ("error", "warn", "info", "debug", "trace").
	LogLevelName string `json:"logLevel,omitempty"`

	// SignalingAddr is the host:port of the external signaling broker.
	SignalingAddr string `json:"signalingAddr,omitempty"`
	// SignalingInsecure skips TLS when dialing SignalingAddr, for local
	// development against a plaintext broker.
	SignalingInsecure bool `json:"signalingInsecure,omitempty"`
}

// Default returns the configuration spec.md Section 5 describes: no TURN,
// Google's public STUN server, and the literal timeout values from the
// concurrency model.
func Default() Config {
	return Config{
		StunServers:          []string{"stun.l.google.com:19302"},
		HandshakeTimeout:      5 * time.Second,
		IceGatherTimeout:      3 * time.Second,
		EstablishTimeout:      5 * time.Second,
		JitterMinDelayFrames:  1,
		JitterMaxDelayFrames:  8,
		JitterTargetJitter:    10 * time.Millisecond,
		JitterCapacity:        250,
		JitterAdaptationRate:  0.15,
		VideoFPS:              30,
		LogLevel:              logging.Info,
		LogLevelName:          "info",
	}
}

// LoadConfig reads a JSON file at filePath and overlays it onto Default(),
// mirroring internal/signaling.LoadConfig's plain ioutil.ReadFile +
// json.Unmarshal pattern. Fields absent from the file keep their default.
func LoadConfig(filePath string) (*Config, error) {
	cfg := Default()

	data, err := ioutil.ReadFile(filePath)
	if err != nil {
		return nil, xerrors.Errorf("config: read %s: %w", filePath, err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, xerrors.Errorf("config: parse %s: %w", filePath, err)
	}
	if cfg.LogLevelName != "" {
		level, err := logging.ParseLevel(cfg.LogLevelName)
		if err != nil {
			return nil, xerrors.Errorf("config: %w", err)
		}
		cfg.LogLevel = level
	}
	return &cfg, nil
}

// Option overrides one field of a Config constructed programmatically,
// e.g. config.Default() then config.WithLocalPort(5000).
type Option func(*Config)

func WithLocalPort(port int) Option {
	return func(c *Config) { c.LocalPort = port }
}

func WithStunServers(servers ...string) Option {
	return func(c *Config) { c.StunServers = servers }
}

func WithTurnServers(servers ...TurnServer) Option {
	return func(c *Config) { c.TurnServers = servers }
}

func WithLogLevel(level logging.Level) Option {
	return func(c *Config) { c.LogLevel = level }
}

func WithSignalingAddr(addr string, insecure bool) Option {
	return func(c *Config) {
		c.SignalingAddr = addr
		c.SignalingInsecure = insecure
	}
}

// Apply returns Default() with each opt applied in order.
func Apply(opts ...Option) Config {
	c := Default()
	for _, opt := range opts {
		opt(&c)
	}
	return c
}
