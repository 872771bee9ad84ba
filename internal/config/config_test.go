package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/wilsonzlin/aero/proxy/mesh-signaling/internal/scope"
)

func lookupMap(m map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func noEnv(string) (string, bool) { return "", false }

func TestDefaultsDev(t *testing.T) {
	cfg, err := load(noEnv, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != DefaultListenAddr {
		t.Fatalf("ListenAddr=%q, want %q", cfg.ListenAddr, DefaultListenAddr)
	}
	if cfg.Mode != ModeDev {
		t.Fatalf("mode=%q, want %q", cfg.Mode, ModeDev)
	}
	if cfg.LogFormat != LogFormatText || cfg.LogLevel != slog.LevelDebug {
		t.Fatalf("log=%q/%v, want text/debug", cfg.LogFormat, cfg.LogLevel)
	}
	if cfg.HostTTL != 15*time.Minute {
		t.Fatalf("HostTTL=%v, want 15m", cfg.HostTTL)
	}
	if cfg.HostSweepInterval != DefaultHostSweepInterval {
		t.Fatalf("HostSweepInterval=%v, want %v", cfg.HostSweepInterval, DefaultHostSweepInterval)
	}
	if cfg.ScopeMode != scope.ModeAny {
		t.Fatalf("ScopeMode=%q, want %q", cfg.ScopeMode, scope.ModeAny)
	}
	if cfg.ScopeIPv4PrefixBits != 24 || cfg.ScopeIPv6PrefixBits != 64 {
		t.Fatalf("scope prefixes=%d/%d, want 24/64", cfg.ScopeIPv4PrefixBits, cfg.ScopeIPv6PrefixBits)
	}
	if cfg.TrustForwardedFor {
		t.Fatalf("TrustForwardedFor=true, want false")
	}
	if cfg.WSIdleTimeout != DefaultWSIdleTimeout || cfg.WSPingInterval != DefaultWSPingInterval {
		t.Fatalf("ws timeouts=%v/%v", cfg.WSIdleTimeout, cfg.WSPingInterval)
	}
	if cfg.MaxMessageBytes != DefaultMaxMessageBytes {
		t.Fatalf("MaxMessageBytes=%d, want %d", cfg.MaxMessageBytes, DefaultMaxMessageBytes)
	}
	if cfg.MaxMessagesPerSecond != DefaultMaxMessagesPerSecond {
		t.Fatalf("MaxMessagesPerSecond=%d, want %d", cfg.MaxMessagesPerSecond, DefaultMaxMessagesPerSecond)
	}
	if !cfg.Compression {
		t.Fatalf("Compression=false, want true")
	}
	if len(cfg.AllowedOrigins) != 0 || len(cfg.ICEServers) != 0 {
		t.Fatalf("unexpected origins=%v ice=%v", cfg.AllowedOrigins, cfg.ICEServers)
	}
}

func TestDefaultsProdWhenModeFlagSet(t *testing.T) {
	cfg, err := load(noEnv, []string{"--mode", "prod"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Mode != ModeProd {
		t.Fatalf("mode=%q, want %q", cfg.Mode, ModeProd)
	}
	if cfg.LogFormat != LogFormatJSON || cfg.LogLevel != slog.LevelInfo {
		t.Fatalf("log=%q/%v, want json/info", cfg.LogFormat, cfg.LogLevel)
	}
}

func TestExplicitLogFormatBeatsModeDefault(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envVarLogFormat: "text",
	}), []string{"--mode", "prod"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogFormat != LogFormatText {
		t.Fatalf("LogFormat=%q, want text", cfg.LogFormat)
	}
}

func TestEnvOverrides(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envVarListenAddr:           "127.0.0.1:9000",
		envVarHostTTL:              "2m",
		envVarHostSweepInterval:    "0",
		envVarScopeMode:            "subnet",
		envVarScopeIPv4Prefix:      "16",
		envVarTrustForwarded:       "true",
		envVarMaxMessagesPerSecond: "5",
		envVarCompression:          "false",
		envVarAllowedOrigins:       "HTTPS://App.Example.com:443, http://localhost:5173",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != "127.0.0.1:9000" {
		t.Fatalf("ListenAddr=%q", cfg.ListenAddr)
	}
	if cfg.HostTTL != 2*time.Minute || cfg.HostSweepInterval != 0 {
		t.Fatalf("HostTTL=%v HostSweepInterval=%v", cfg.HostTTL, cfg.HostSweepInterval)
	}
	if cfg.ScopeMode != scope.ModeSubnet || cfg.ScopeIPv4PrefixBits != 16 {
		t.Fatalf("scope=%q/%d", cfg.ScopeMode, cfg.ScopeIPv4PrefixBits)
	}
	if !cfg.TrustForwardedFor || cfg.Compression || cfg.MaxMessagesPerSecond != 5 {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	want := []string{"https://app.example.com", "http://localhost:5173"}
	if strings.Join(cfg.AllowedOrigins, ",") != strings.Join(want, ",") {
		t.Fatalf("AllowedOrigins=%v, want %v", cfg.AllowedOrigins, want)
	}
}

func TestFlagsOverrideEnv(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envVarHostTTL:   "2m",
		envVarScopeMode: "subnet",
	}), []string{"--host-ttl", "30s", "--scope-mode", "same-address"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HostTTL != 30*time.Second {
		t.Fatalf("HostTTL=%v, want 30s", cfg.HostTTL)
	}
	if cfg.ScopeMode != scope.ModeSameAddress {
		t.Fatalf("ScopeMode=%q, want %q", cfg.ScopeMode, scope.ModeSameAddress)
	}
}

func TestConfigFileLayer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mesh.yaml")
	data := `
listen_addr: ":7000"
host_ttl: 5m
scope_mode: subnet
scope_ipv4_prefix: 20
max_messages_per_second: 10
compression: false
allowed_origins:
  - https://app.example.com
ice:
  stun_urls: stun:stun.example.com:3478
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := load(lookupMap(map[string]string{
		envVarMaxMessagesPerSecond: "20",
	}), []string{"--config", path, "--host-ttl", "90s"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != ":7000" {
		t.Fatalf("ListenAddr=%q, want :7000 from file", cfg.ListenAddr)
	}
	if cfg.HostTTL != 90*time.Second {
		t.Fatalf("HostTTL=%v, want flag value 90s", cfg.HostTTL)
	}
	if cfg.ScopeMode != scope.ModeSubnet || cfg.ScopeIPv4PrefixBits != 20 {
		t.Fatalf("scope=%q/%d", cfg.ScopeMode, cfg.ScopeIPv4PrefixBits)
	}
	if cfg.MaxMessagesPerSecond != 20 {
		t.Fatalf("MaxMessagesPerSecond=%d, want env value 20", cfg.MaxMessagesPerSecond)
	}
	if cfg.Compression {
		t.Fatalf("Compression=true, want false from file")
	}
	if len(cfg.AllowedOrigins) != 1 || cfg.AllowedOrigins[0] != "https://app.example.com" {
		t.Fatalf("AllowedOrigins=%v", cfg.AllowedOrigins)
	}
	if len(cfg.ICEServers) != 1 || cfg.ICEServers[0].URLs[0] != "stun:stun.example.com:3478" {
		t.Fatalf("ICEServers=%#v", cfg.ICEServers)
	}
}

func TestConfigFileFromEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mesh.yaml")
	if err := os.WriteFile(path, []byte("mode: prod\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := load(lookupMap(map[string]string{envVarConfigFile: path}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Mode != ModeProd || cfg.LogFormat != LogFormatJSON {
		t.Fatalf("mode=%q format=%q", cfg.Mode, cfg.LogFormat)
	}
}

func TestConfigFileErrors(t *testing.T) {
	if _, err := load(noEnv, []string{"--config=" + filepath.Join(t.TempDir(), "missing.yaml")}); err == nil {
		t.Fatalf("expected error for missing file")
	}

	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("host_ttl: [1, 2\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := load(noEnv, []string{"--config", path}); err == nil {
		t.Fatalf("expected error for malformed yaml")
	}
}

func TestValidation(t *testing.T) {
	cases := map[string]struct {
		env  map[string]string
		args []string
	}{
		"bad mode":              {args: []string{"--mode", "staging"}},
		"bad log level":         {args: []string{"--log-level", "loud"}},
		"zero ttl":              {args: []string{"--host-ttl", "0s"}},
		"negative sweep":        {args: []string{"--host-sweep-interval", "-1s"}},
		"ping >= idle":          {args: []string{"--signaling-ws-ping-interval", "60s"}},
		"zero message bytes":    {args: []string{"--max-signaling-message-bytes", "0"}},
		"zero rate":             {args: []string{"--max-signaling-messages-per-second", "0"}},
		"bad scope mode":        {args: []string{"--scope-mode", "galaxy"}},
		"bad ipv4 prefix":       {args: []string{"--scope-mode", "subnet", "--scope-ipv4-prefix", "33"}},
		"bad origin":            {env: map[string]string{envVarAllowedOrigins: "example.com"}},
		"turn without creds":    {env: map[string]string{envTurnURLs: "turn:turn.example.com"}},
		"bad duration env":      {env: map[string]string{envVarHostTTL: "soon"}},
		"bad bool env":          {env: map[string]string{envVarTrustForwarded: "maybe"}},
		"bad int env":           {env: map[string]string{envVarScopeIPv6Prefix: "sixty-four"}},
		"unknown flag rejected": {args: []string{"--no-such-flag"}},
	}
	for name, tc := range cases {
		if _, err := load(lookupMap(tc.env), tc.args); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestScopePolicyFromConfig(t *testing.T) {
	cfg, err := load(noEnv, []string{"--scope-mode", "subnet", "--scope-ipv4-prefix", "16"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	p, err := cfg.ScopePolicy()
	if err != nil {
		t.Fatalf("ScopePolicy: %v", err)
	}
	if !p.SameNetwork("10.1.2.3", "10.1.200.4") {
		t.Fatalf("expected same /16")
	}
	if p.SameNetwork("10.1.2.3", "10.2.0.1") {
		t.Fatalf("expected different /16")
	}
}

func TestNewLogger(t *testing.T) {
	if _, err := NewLogger(Config{LogFormat: LogFormatJSON}); err != nil {
		t.Fatalf("NewLogger(json): %v", err)
	}
	if _, err := NewLogger(Config{LogFormat: "xml"}); err == nil {
		t.Fatalf("expected error for unsupported format")
	}
}
