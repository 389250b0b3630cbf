// Package config loads the broker's settings from the environment.
//
// All options live under the PTY_ prefix except the upstream service URLs
// (READ_MODEL_URL, GATEWAY_URL), which keep their fleet-wide names because
// they are passed through to the spawned dashboard unchanged.
package config

import (
	"errors"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Settings holds the environment-driven configuration. It is loaded once at
// startup and read-only afterward.
type Settings struct {
	WSPort              int    `envconfig:"WS_PORT" default:"9000"`
	MetricsPort         int    `envconfig:"METRICS_PORT" default:"9001"`
	TUIBinaryPath       string `envconfig:"TUI_BINARY" default:"odd-dashboard"`
	AuthToken           string `envconfig:"AUTH_TOKEN" default:""`
	ReadOnly            bool   `envconfig:"READ_ONLY" default:"false"`
	IdleTimeoutSecs     int    `envconfig:"IDLE_TIMEOUT_SECS" default:"1800"`
	PerIPCap            int    `envconfig:"PER_IP_CAP" default:"5"`
	GlobalCap           int    `envconfig:"GLOBAL_CAP" default:"50"`
	DisconnectGraceSecs int    `envconfig:"DISCONNECT_GRACE_SECS" default:"30"`
	MaxOutputQueueBytes int    `envconfig:"MAX_OUTPUT_QUEUE_BYTES" default:"1048576"`
	TokenTTLSecs        int    `envconfig:"TOKEN_TTL_SECS" default:"300"`
	RingMaxBytes        int    `envconfig:"RING_MAX_BYTES" default:"1048576"`
	RingMaxFrames       int    `envconfig:"RING_MAX_FRAMES" default:"1000"`
	CoalesceIntervalMS  int    `envconfig:"COALESCE_INTERVAL_MS" default:"16"`
	TestMode            string `envconfig:"TEST_MODE" default:""`
	InputRulesPath      string `envconfig:"INPUT_RULES" default:""`
	LogPath             string `envconfig:"LOG_PATH" default:""`
	AuditDBPath         string `envconfig:"AUDIT_DB_PATH" default:""`
	AuditRetentionDays  int    `envconfig:"AUDIT_RETENTION_DAYS" default:"90"`

	// Upstream URLs passed through to the spawned TUI. Not PTY_-prefixed.
	ReadModelURL string `ignored:"true"`
	GatewayURL   string `ignored:"true"`
}

// Load reads the environment into a Settings value. Unparseable values are
// logged and fall back to their defaults rather than failing startup.
func Load() Settings {
	var cfg Settings
	for {
		err := envconfig.Process("PTY", &cfg)
		if err == nil {
			break
		}
		var pe *envconfig.ParseError
		if errors.As(err, &pe) {
			log.Printf("config: ignoring unparseable %s=%q (using default)", pe.KeyName, pe.Value)
			os.Unsetenv(pe.KeyName)
			continue
		}
		log.Fatalf("config: %v", err)
	}

	cfg.ReadModelURL = envOr("READ_MODEL_URL", "http://read-model:8080")
	cfg.GatewayURL = envOr("GATEWAY_URL", "http://gateway:3000")
	return cfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// AuthEnabled reports whether a bearer token is configured.
func (s *Settings) AuthEnabled() bool { return s.AuthToken != "" }

func (s *Settings) IdleTimeout() time.Duration {
	return time.Duration(s.IdleTimeoutSecs) * time.Second
}

func (s *Settings) DisconnectGrace() time.Duration {
	return time.Duration(s.DisconnectGraceSecs) * time.Second
}

func (s *Settings) TokenTTL() time.Duration {
	return time.Duration(s.TokenTTLSecs) * time.Second
}

func (s *Settings) CoalesceInterval() time.Duration {
	return time.Duration(s.CoalesceIntervalMS) * time.Millisecond
}

// LogStartup writes every setting to the log so operators can confirm the
// running configuration. The auth token value is never logged; only whether
// one is configured.
func (s *Settings) LogStartup() {
	log.Printf("PTY config: ws_port=%d metrics_port=%d tui=%s idle=%ds per_ip=%d global=%d grace=%ds queue=%dB ttl=%ds ring=%dB/%df coalesce=%dms read_only=%v",
		s.WSPort, s.MetricsPort, s.TUIBinaryPath, s.IdleTimeoutSecs, s.PerIPCap,
		s.GlobalCap, s.DisconnectGraceSecs, s.MaxOutputQueueBytes, s.TokenTTLSecs,
		s.RingMaxBytes, s.RingMaxFrames, s.CoalesceIntervalMS, s.ReadOnly)
	log.Printf("PTY upstream: read_model=%s gateway=%s", s.ReadModelURL, s.GatewayURL)
	if s.AuthEnabled() {
		log.Printf("PTY auth: enabled (token configured)")
	} else {
		log.Printf("PTY auth: disabled (no token configured)")
	}
	if mode := s.ParseTestMode(); mode.Kind != TestModeNone {
		log.Printf("PTY test mode: %s", s.TestMode)
	}
}

// TestModeKind selects the connection chaos behavior used by upstream tests.
type TestModeKind int

const (
	// TestModeNone is normal operation.
	TestModeNone TestModeKind = iota
	// TestModeFailConnections rejects every connection before the handshake.
	TestModeFailConnections
	// TestModeDelayConnections sleeps before accepting each connection.
	TestModeDelayConnections
)

// TestModeSpec is the parsed form of PTY_TEST_MODE.
type TestModeSpec struct {
	Kind  TestModeKind
	Delay time.Duration
}

// ParseTestMode interprets PTY_TEST_MODE: "" (none), "fail", or "delay:<ms>".
// Unrecognized values fall back to none.
func (s *Settings) ParseTestMode() TestModeSpec {
	switch {
	case s.TestMode == "":
		return TestModeSpec{Kind: TestModeNone}
	case s.TestMode == "fail":
		return TestModeSpec{Kind: TestModeFailConnections}
	case strings.HasPrefix(s.TestMode, "delay:"):
		ms, err := strconv.Atoi(strings.TrimPrefix(s.TestMode, "delay:"))
		if err != nil || ms < 0 {
			log.Printf("config: ignoring unparseable PTY_TEST_MODE=%q", s.TestMode)
			return TestModeSpec{Kind: TestModeNone}
		}
		return TestModeSpec{Kind: TestModeDelayConnections, Delay: time.Duration(ms) * time.Millisecond}
	default:
		log.Printf("config: ignoring unknown PTY_TEST_MODE=%q", s.TestMode)
		return TestModeSpec{Kind: TestModeNone}
	}
}
