package config

import (
	"log/slog"
	"strings"
	"testing"
	"time"
)

func envMap(m map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := load(envMap(nil), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.ListenAddr != DefaultListenAddr {
		t.Fatalf("listen addr = %q, want %q", cfg.ListenAddr, DefaultListenAddr)
	}
	if cfg.Mode != ModeDev {
		t.Fatalf("mode = %q, want dev", cfg.Mode)
	}
	if cfg.LogFormat != LogFormatText {
		t.Fatalf("log format = %q, want text (dev default)", cfg.LogFormat)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Fatalf("log level = %v, want debug (dev default)", cfg.LogLevel)
	}
	if cfg.CallSetupTimeout != 0 {
		t.Fatalf("call setup timeout = %v, want 0 (disabled)", cfg.CallSetupTimeout)
	}
	if cfg.MaxMessageBytes != DefaultMaxMessageBytes {
		t.Fatalf("max message bytes = %d, want %d", cfg.MaxMessageBytes, DefaultMaxMessageBytes)
	}
}

func TestLoad_ProdModeSwitchesLogDefaults(t *testing.T) {
	cfg, err := load(envMap(map[string]string{envVarMode: "prod"}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogFormat != LogFormatJSON {
		t.Fatalf("log format = %q, want json (prod default)", cfg.LogFormat)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Fatalf("log level = %v, want info (prod default)", cfg.LogLevel)
	}
}

func TestLoad_FlagOverridesEnv(t *testing.T) {
	env := envMap(map[string]string{envVarListenAddr: "127.0.0.1:9999"})
	cfg, err := load(env, []string{"--listen-addr", "127.0.0.1:1234"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != "127.0.0.1:1234" {
		t.Fatalf("listen addr = %q, want flag value", cfg.ListenAddr)
	}
}

func TestLoad_EnvDurations(t *testing.T) {
	env := envMap(map[string]string{
		envVarCallSetupTimeout: "45s",
		envVarWSIdleTimeout:    "2m",
		envVarWSPingInterval:   "30s",
	})
	cfg, err := load(env, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.CallSetupTimeout != 45*time.Second {
		t.Fatalf("call setup timeout = %v, want 45s", cfg.CallSetupTimeout)
	}
	if cfg.WSIdleTimeout != 2*time.Minute {
		t.Fatalf("ws idle timeout = %v, want 2m", cfg.WSIdleTimeout)
	}
}

func TestLoad_Validation(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
		args []string
		want string
	}{
		{
			name: "ping interval >= idle timeout",
			env:  map[string]string{envVarWSPingInterval: "90s"},
			want: "ws-ping-interval",
		},
		{
			name: "zero max message bytes",
			args: []string{"--max-message-bytes", "0"},
			want: "max-message-bytes",
		},
		{
			name: "bad mode",
			args: []string{"--mode", "staging"},
			want: "unsupported mode",
		},
		{
			name: "bcrypt cost out of range",
			args: []string{"--bcrypt-cost", "99"},
			want: "bcrypt-cost",
		},
		{
			name: "negative call setup timeout",
			args: []string{"--call-setup-timeout", "-5s"},
			want: "call-setup-timeout",
		},
		{
			name: "bad env duration",
			env:  map[string]string{envVarAuthTimeout: "soon"},
			want: envVarAuthTimeout,
		},
		{
			name: "turn urls without rest secret",
			args: []string{"--turn-urls", "turn:turn.example.com:3478"},
			want: "turn-rest-secret",
		},
		{
			name: "stun url with wrong scheme",
			args: []string{"--stun-urls", "turn:turn.example.com:3478"},
			want: envVarSTUNURLs,
		},
		{
			name: "invalid allowed origin",
			args: []string{"--allowed-origins", "chat.example.com"},
			want: "allowed-origins",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := load(envMap(tc.env), tc.args)
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestLoad_ICEAndOrigins(t *testing.T) {
	env := envMap(map[string]string{
		envVarSTUNURLs:       "stun:stun.example.com:3478, stuns:stun2.example.com",
		envVarTURNURLs:       "turn:turn.example.com:3478?transport=udp",
		envVarTURNRESTSecret: "s3cret",
		envVarAllowedOrigins: "https://Chat.Example.com:443,*",
	})
	cfg, err := load(env, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if len(cfg.STUNURLs) != 2 || cfg.STUNURLs[0] != "stun:stun.example.com:3478" {
		t.Fatalf("stun urls = %v", cfg.STUNURLs)
	}
	if !cfg.HasTURN() || cfg.TURNRESTSecret != "s3cret" {
		t.Fatalf("turn config = %v / %q", cfg.TURNURLs, cfg.TURNRESTSecret)
	}
	if cfg.TURNCredentialTTL != DefaultTURNCredentialTTL {
		t.Fatalf("turn credential ttl = %v", cfg.TURNCredentialTTL)
	}
	// Origins are stored normalized.
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[0] != "https://chat.example.com" || cfg.AllowedOrigins[1] != "*" {
		t.Fatalf("allowed origins = %v", cfg.AllowedOrigins)
	}
}

func TestNewLogger_RejectsUnknownFormat(t *testing.T) {
	if _, err := NewLogger(Config{LogFormat: "xml"}); err == nil {
		t.Fatalf("expected error for unknown log format")
	}
	if _, err := NewLogger(Config{LogFormat: LogFormatJSON}); err != nil {
		t.Fatalf("json logger: %v", err)
	}
}
