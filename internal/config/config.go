package config

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
	"gopkg.in/yaml.v3"

	"github.com/wilsonzlin/aero/proxy/mesh-signaling/internal/origin"
	"github.com/wilsonzlin/aero/proxy/mesh-signaling/internal/scope"
)

const (
	envVarConfigFile      = "AERO_MESH_SIGNALING_CONFIG"
	envVarListenAddr      = "AERO_MESH_SIGNALING_LISTEN_ADDR"
	envVarAllowedOrigins  = "ALLOWED_ORIGINS"
	envVarLogFormat       = "AERO_MESH_SIGNALING_LOG_FORMAT"
	envVarLogLevel        = "AERO_MESH_SIGNALING_LOG_LEVEL"
	envVarShutdownTimeout = "AERO_MESH_SIGNALING_SHUTDOWN_TIMEOUT"
	envVarMode            = "AERO_MESH_SIGNALING_MODE"

	// Host registry.
	envVarHostTTL           = "HOST_TTL"
	envVarHostSweepInterval = "HOST_SWEEP_INTERVAL"

	// Scope policy.
	envVarScopeMode       = "SCOPE_MODE"
	envVarScopeIPv4Prefix = "SCOPE_IPV4_PREFIX"
	envVarScopeIPv6Prefix = "SCOPE_IPV6_PREFIX"
	envVarTrustForwarded  = "TRUST_FORWARDED_FOR"

	// WebSocket transport hardening.
	envVarWSIdleTimeout        = "SIGNALING_WS_IDLE_TIMEOUT"
	envVarWSPingInterval       = "SIGNALING_WS_PING_INTERVAL"
	envVarMaxMessageBytes      = "MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxMessagesPerSecond = "MAX_SIGNALING_MESSAGES_PER_SECOND"
	envVarCompression          = "SIGNALING_WS_COMPRESSION"

	envICEServersJSON = "AERO_ICE_SERVERS_JSON"
	envStunURLs       = "AERO_STUN_URLS"
	envTurnURLs       = "AERO_TURN_URLS"
	envTurnUsername   = "AERO_TURN_USERNAME"
	envTurnCredential = "AERO_TURN_CREDENTIAL"

	DefaultListenAddr                = ":8080"
	DefaultShutdown                  = 15 * time.Second
	DefaultMode                 Mode = ModeDev
	DefaultHostTTL                   = 15 * time.Minute
	DefaultHostSweepInterval         = time.Minute
	DefaultScopeMode                 = scope.ModeAny
	DefaultWSIdleTimeout             = 60 * time.Second
	DefaultWSPingInterval            = 20 * time.Second
	DefaultMaxMessageBytes           = int64(64 * 1024)
	DefaultMaxMessagesPerSecond      = 50
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type Config struct {
	ListenAddr      string
	AllowedOrigins  []string
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration
	Mode            Mode

	// HostTTL is how long an announced host stays discoverable without
	// re-announcing.
	HostTTL time.Duration
	// HostSweepInterval drives the background expiry sweep. Zero disables it;
	// expiry is still checked inline on every request.
	HostSweepInterval time.Duration

	ScopeMode           scope.Mode
	ScopeIPv4PrefixBits int
	ScopeIPv6PrefixBits int
	// TrustForwardedFor takes the peer address from X-Forwarded-For. Only
	// enable behind a reverse proxy that overwrites the header.
	TrustForwardedFor bool

	WSIdleTimeout        time.Duration
	WSPingInterval       time.Duration
	MaxMessageBytes      int64
	MaxMessagesPerSecond int
	Compression          bool

	ICE        ICESettings
	ICEServers []webrtc.ICEServer
}

// fileConfig is the optional YAML layer. Unset fields keep the built-in
// defaults; env vars and flags override whatever the file sets.
type fileConfig struct {
	ListenAddr           string      `yaml:"listen_addr"`
	AllowedOrigins       []string    `yaml:"allowed_origins"`
	LogFormat            string      `yaml:"log_format"`
	LogLevel             string      `yaml:"log_level"`
	Mode                 string      `yaml:"mode"`
	ShutdownTimeout      string      `yaml:"shutdown_timeout"`
	HostTTL              string      `yaml:"host_ttl"`
	HostSweepInterval    string      `yaml:"host_sweep_interval"`
	ScopeMode            string      `yaml:"scope_mode"`
	ScopeIPv4Prefix      *int        `yaml:"scope_ipv4_prefix"`
	ScopeIPv6Prefix      *int        `yaml:"scope_ipv6_prefix"`
	TrustForwardedFor    *bool       `yaml:"trust_forwarded_for"`
	WSIdleTimeout        string      `yaml:"ws_idle_timeout"`
	WSPingInterval       string      `yaml:"ws_ping_interval"`
	MaxMessageBytes      *int64      `yaml:"max_message_bytes"`
	MaxMessagesPerSecond *int        `yaml:"max_messages_per_second"`
	Compression          *bool       `yaml:"compression"`
	ICE                  ICESettings `yaml:"ice"`
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	file, err := loadFile(lookup, args)
	if err != nil {
		return Config{}, err
	}

	// Layering: defaults, then file, then env. Flags are registered with the
	// result as their defaults, so a set flag wins.
	listenAddr := firstNonEmpty(envOrDefault(lookup, envVarListenAddr, ""), file.ListenAddr, DefaultListenAddr)
	allowedOriginsStr := envOrDefault(lookup, envVarAllowedOrigins, strings.Join(file.AllowedOrigins, ","))
	modeStr := firstNonEmpty(envOrDefault(lookup, envVarMode, ""), file.Mode, string(DefaultMode))

	envLogFormat := firstNonEmpty(envOrDefault(lookup, envVarLogFormat, ""), file.LogFormat)
	envLogLevel := firstNonEmpty(envOrDefault(lookup, envVarLogLevel, ""), file.LogLevel)
	logFormatStr := firstNonEmpty(envLogFormat, defaultLogFormatForMode(modeStr))
	logLevelStr := firstNonEmpty(envLogLevel, defaultLogLevelForMode(modeStr))

	shutdownTimeout, err := durationSetting(lookup, envVarShutdownTimeout, file.ShutdownTimeout, DefaultShutdown)
	if err != nil {
		return Config{}, err
	}
	hostTTL, err := durationSetting(lookup, envVarHostTTL, file.HostTTL, DefaultHostTTL)
	if err != nil {
		return Config{}, err
	}
	hostSweepInterval, err := durationSetting(lookup, envVarHostSweepInterval, file.HostSweepInterval, DefaultHostSweepInterval)
	if err != nil {
		return Config{}, err
	}
	wsIdleTimeout, err := durationSetting(lookup, envVarWSIdleTimeout, file.WSIdleTimeout, DefaultWSIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	wsPingInterval, err := durationSetting(lookup, envVarWSPingInterval, file.WSPingInterval, DefaultWSPingInterval)
	if err != nil {
		return Config{}, err
	}

	scopeModeStr := firstNonEmpty(envOrDefault(lookup, envVarScopeMode, ""), file.ScopeMode, string(DefaultScopeMode))
	scopeIPv4, err := envIntOrDefault(lookup, envVarScopeIPv4Prefix, intOr(file.ScopeIPv4Prefix, scope.DefaultIPv4PrefixBits))
	if err != nil {
		return Config{}, err
	}
	scopeIPv6, err := envIntOrDefault(lookup, envVarScopeIPv6Prefix, intOr(file.ScopeIPv6Prefix, scope.DefaultIPv6PrefixBits))
	if err != nil {
		return Config{}, err
	}
	trustForwarded, err := envBoolOrDefault(lookup, envVarTrustForwarded, boolOr(file.TrustForwardedFor, false))
	if err != nil {
		return Config{}, err
	}

	maxMessageBytes := DefaultMaxMessageBytes
	if file.MaxMessageBytes != nil {
		maxMessageBytes = *file.MaxMessageBytes
	}
	if raw, ok := lookup(envVarMaxMessageBytes); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarMaxMessageBytes, raw, err)
		}
		maxMessageBytes = n
	}
	maxMessagesPerSecond, err := envIntOrDefault(lookup, envVarMaxMessagesPerSecond, intOr(file.MaxMessagesPerSecond, DefaultMaxMessagesPerSecond))
	if err != nil {
		return Config{}, err
	}
	compression, err := envBoolOrDefault(lookup, envVarCompression, boolOr(file.Compression, true))
	if err != nil {
		return Config{}, err
	}

	ice := ICESettings{
		ServersJSON:    envOrDefault(lookup, envICEServersJSON, file.ICE.ServersJSON),
		STUNURLs:       envOrDefault(lookup, envStunURLs, file.ICE.STUNURLs),
		TURNURLs:       envOrDefault(lookup, envTurnURLs, file.ICE.TURNURLs),
		TURNUsername:   envOrDefault(lookup, envTurnUsername, file.ICE.TURNUsername),
		TURNCredential: envOrDefault(lookup, envTurnCredential, file.ICE.TURNCredential),
	}

	fs := newFlagSet()
	var configFile string
	fs.StringVar(&configFile, "config", "", "Path to a YAML config file (env "+envVarConfigFile+")")
	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP/WebSocket listen address (host:port; env "+envVarListenAddr+")")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated list of allowed browser origins (env "+envVarAllowedOrigins+")")
	fs.StringVar(&modeStr, "mode", modeStr, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatStr, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelStr, "Log level: debug, info, warn, error")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (e.g. 15s)")
	fs.DurationVar(&hostTTL, "host-ttl", hostTTL, "How long a host stays discoverable after its last announce (env "+envVarHostTTL+")")
	fs.DurationVar(&hostSweepInterval, "host-sweep-interval", hostSweepInterval, "Background expiry sweep interval, 0 disables (env "+envVarHostSweepInterval+")")
	fs.StringVar(&scopeModeStr, "scope-mode", scopeModeStr, "Peer eligibility: any, same-address, or subnet (env "+envVarScopeMode+")")
	fs.IntVar(&scopeIPv4, "scope-ipv4-prefix", scopeIPv4, "IPv4 prefix length for --scope-mode=subnet (env "+envVarScopeIPv4Prefix+")")
	fs.IntVar(&scopeIPv6, "scope-ipv6-prefix", scopeIPv6, "IPv6 prefix length for --scope-mode=subnet (env "+envVarScopeIPv6Prefix+")")
	fs.BoolVar(&trustForwarded, "trust-forwarded-for", trustForwarded, "Use the first X-Forwarded-For entry as the peer address (env "+envVarTrustForwarded+")")
	fs.DurationVar(&wsIdleTimeout, "signaling-ws-idle-timeout", wsIdleTimeout, "Close signaling WebSocket connections after this long without traffic or pong (env "+envVarWSIdleTimeout+")")
	fs.DurationVar(&wsPingInterval, "signaling-ws-ping-interval", wsPingInterval, "Ping interval for signaling WebSocket connections (must be < idle timeout; env "+envVarWSPingInterval+")")
	fs.Int64Var(&maxMessageBytes, "max-signaling-message-bytes", maxMessageBytes, "Max inbound signaling message size in bytes (env "+envVarMaxMessageBytes+")")
	fs.IntVar(&maxMessagesPerSecond, "max-signaling-messages-per-second", maxMessagesPerSecond, "Max inbound signaling messages per second per connection (env "+envVarMaxMessagesPerSecond+")")
	fs.BoolVar(&compression, "signaling-ws-compression", compression, "Negotiate permessage-deflate on signaling WebSockets (env "+envVarCompression+")")
	fs.StringVar(&ice.ServersJSON, "ice-servers-json", ice.ServersJSON, "ICE server JSON published to peers (env "+envICEServersJSON+")")
	fs.StringVar(&ice.STUNURLs, "stun-urls", ice.STUNURLs, "Comma-separated STUN URLs (env "+envStunURLs+")")
	fs.StringVar(&ice.TURNURLs, "turn-urls", ice.TURNURLs, "Comma-separated TURN URLs (env "+envTurnURLs+")")
	fs.StringVar(&ice.TURNUsername, "turn-username", ice.TURNUsername, "TURN username (env "+envTurnUsername+")")
	fs.StringVar(&ice.TURNCredential, "turn-credential", ice.TURNCredential, "TURN credential (env "+envTurnCredential+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	setFlags := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}
	// A mode chosen by flag still picks the log defaults unless a format or
	// level was given explicitly somewhere.
	if envLogFormat == "" && !setFlags["log-format"] {
		logFormatStr = defaultLogFormatForMode(string(mode))
	}
	if envLogLevel == "" && !setFlags["log-level"] {
		logLevelStr = defaultLogLevelForMode(string(mode))
	}

	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}
	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}
	allowedOrigins, err := parseAllowedOrigins(allowedOriginsStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s: %w", envVarAllowedOrigins, err)
	}
	scopeMode, err := scope.ParseMode(scopeModeStr)
	if err != nil {
		return Config{}, err
	}
	// Validate prefix bounds up front so a bad value fails startup.
	if _, err := scope.New(scopeMode, scopeIPv4, scopeIPv6); err != nil {
		return Config{}, err
	}
	iceServers, err := ResolveICEServers(ice)
	if err != nil {
		return Config{}, err
	}

	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("shutdown timeout must be > 0")
	}
	if hostTTL <= 0 {
		return Config{}, fmt.Errorf("host ttl must be > 0")
	}
	if hostSweepInterval < 0 {
		return Config{}, fmt.Errorf("host sweep interval must be >= 0")
	}
	if wsIdleTimeout <= 0 {
		return Config{}, fmt.Errorf("%s must be > 0", envVarWSIdleTimeout)
	}
	if wsPingInterval <= 0 {
		return Config{}, fmt.Errorf("%s must be > 0", envVarWSPingInterval)
	}
	if wsPingInterval >= wsIdleTimeout {
		return Config{}, fmt.Errorf("%s must be < %s", envVarWSPingInterval, envVarWSIdleTimeout)
	}
	if maxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("%s must be > 0", envVarMaxMessageBytes)
	}
	if maxMessagesPerSecond <= 0 {
		return Config{}, fmt.Errorf("%s must be > 0", envVarMaxMessagesPerSecond)
	}

	return Config{
		ListenAddr:           listenAddr,
		AllowedOrigins:       allowedOrigins,
		LogFormat:            logFormat,
		LogLevel:             level,
		ShutdownTimeout:      shutdownTimeout,
		Mode:                 mode,
		HostTTL:              hostTTL,
		HostSweepInterval:    hostSweepInterval,
		ScopeMode:            scopeMode,
		ScopeIPv4PrefixBits:  scopeIPv4,
		ScopeIPv6PrefixBits:  scopeIPv6,
		TrustForwardedFor:    trustForwarded,
		WSIdleTimeout:        wsIdleTimeout,
		WSPingInterval:       wsPingInterval,
		MaxMessageBytes:      maxMessageBytes,
		MaxMessagesPerSecond: maxMessagesPerSecond,
		Compression:          compression,
		ICE:                  ice,
		ICEServers:           iceServers,
	}, nil
}

// ScopePolicy builds the configured peer eligibility predicate.
func (c Config) ScopePolicy() (scope.Policy, error) {
	return scope.New(c.ScopeMode, c.ScopeIPv4PrefixBits, c.ScopeIPv6PrefixBits)
}

func newFlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet("aero-mesh-signaling", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	return fs
}

// loadFile finds --config/-config in args (or the env var) before the real
// flag parse, since the file feeds the flag defaults.
func loadFile(lookup func(string) (string, bool), args []string) (fileConfig, error) {
	path := envOrDefault(lookup, envVarConfigFile, "")
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			break
		}
		name, value, hasValue := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if !strings.HasPrefix(arg, "-") || name != "config" {
			continue
		}
		if hasValue {
			path = value
		} else if i+1 < len(args) {
			path = args[i+1]
			i++
		}
	}

	var fc fileConfig
	if strings.TrimSpace(path) == "" {
		return fc, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fc, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fc, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return fc, nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func intOr(p *int, fallback int) int {
	if p == nil {
		return fallback
	}
	return *p
}

func boolOr(p *bool, fallback bool) bool {
	if p == nil {
		return fallback
	}
	return *p
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envBoolOrDefault(lookup func(string) (string, bool), key string, fallback bool) (bool, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return v, nil
}

// durationSetting resolves env, then the file value, then fallback.
func durationSetting(lookup func(string) (string, bool), key, fileValue string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	source := key
	if !ok || strings.TrimSpace(raw) == "" {
		raw = fileValue
		source = "config file " + strings.ToLower(key)
	}
	if strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", source, raw, err)
	}
	return d, nil
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

var errInvalidOrigin = errors.New("expected full origin like https://example.com")

func parseAllowedOrigins(raw string) ([]string, error) {
	var out []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		switch entry {
		case "":
			continue
		case "*":
			out = append(out, entry)
			continue
		}
		normalized, _, ok := origin.NormalizeHeader(entry)
		if !ok || normalized == "null" {
			return nil, fmt.Errorf("invalid origin %q: %w", entry, errInvalidOrigin)
		}
		out = append(out, normalized)
	}
	return out, nil
}
