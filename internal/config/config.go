package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	envVarListenAddr      = "GORGIA_SIGNAL_RELAY_LISTEN_ADDR"
	envVarMode            = "GORGIA_SIGNAL_RELAY_MODE"
	envVarLogFormat       = "GORGIA_SIGNAL_RELAY_LOG_FORMAT"
	envVarLogLevel        = "GORGIA_SIGNAL_RELAY_LOG_LEVEL"
	envVarShutdownTimeout = "GORGIA_SIGNAL_RELAY_SHUTDOWN_TIMEOUT"
	envVarAllowedOrigins  = "ALLOWED_ORIGINS"

	// WebSocket endpoint hardening.
	envVarAuthMode           = "AUTH_MODE"
	envVarAPIKey             = "API_KEY"
	envVarWSIdleTimeout      = "WS_IDLE_TIMEOUT"
	envVarWSPingInterval     = "WS_PING_INTERVAL"
	envVarMaxEventBytes      = "MAX_EVENT_BYTES"
	envVarMaxEventsPerSecond = "MAX_EVENTS_PER_SECOND"
	envVarSendQueueBytes     = "SEND_QUEUE_BYTES"

	// Call signaling.
	envVarRingTimeout = "RING_TIMEOUT"

	// Collaborator endpoints (user directory / group membership).
	envVarDirectoryBaseURL = "DIRECTORY_BASE_URL"
	envVarDirectoryTimeout = "DIRECTORY_TIMEOUT"
)

const (
	DefaultListenAddr              = "127.0.0.1:3000"
	DefaultShutdown                = 15 * time.Second
	DefaultMode               Mode = ModeDev
	DefaultAuthMode       AuthMode = AuthModeNone
	DefaultWSIdleTimeout           = 60 * time.Second
	DefaultWSPingInterval          = 20 * time.Second
	DefaultMaxEventBytes     int64 = 64 * 1024
	DefaultMaxEventsPerSecond      = 50
	DefaultSendQueueBytes          = 256 * 1024

	// DefaultRingTimeout is the server-side backstop for unanswered calls. The
	// browser client auto-rejects after the same window, but a crashed or
	// disconnected callee tab must not leave the caller ringing forever.
	DefaultRingTimeout = 30 * time.Second

	DefaultDirectoryTimeout = 2 * time.Second
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

type AuthMode string

const (
	AuthModeNone   AuthMode = "none"
	AuthModeAPIKey AuthMode = "api_key"
)

type Config struct {
	ListenAddr      string
	Mode            Mode
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration
	AllowedOrigins  []string

	// WebSocket endpoint hardening.
	AuthMode           AuthMode
	APIKey             string
	WSIdleTimeout      time.Duration
	WSPingInterval     time.Duration
	MaxEventBytes      int64
	MaxEventsPerSecond int
	SendQueueBytes     int

	// RingTimeout bounds how long a call may stay unanswered before the relay
	// force-expires it and notifies both parties.
	RingTimeout time.Duration

	// DirectoryBaseURL points at the user-directory/group-membership
	// collaborator. Empty disables lookups; the relay then falls back to the
	// identity payload supplied by clients.
	DirectoryBaseURL string
	DirectoryTimeout time.Duration
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	envMode, _ := lookup(envVarMode)
	modeDefault := string(DefaultMode)
	if envMode != "" {
		modeDefault = envMode
	}

	envLogFormat, envLogFormatOK := lookup(envVarLogFormat)
	envLogFormatSet := envLogFormatOK && envLogFormat != ""
	logFormatDefault := envLogFormat
	if !envLogFormatSet {
		logFormatDefault = defaultLogFormatForMode(modeDefault)
	}

	envLogLevel, envLogLevelOK := lookup(envVarLogLevel)
	envLogLevelSet := envLogLevelOK && envLogLevel != ""
	logLevelDefault := envLogLevel
	if !envLogLevelSet {
		logLevelDefault = defaultLogLevelForMode(modeDefault)
	}

	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)
	allowedOriginsStr := envOrDefault(lookup, envVarAllowedOrigins, "")
	apiKey := envOrDefault(lookup, envVarAPIKey, "")
	directoryBaseURL := envOrDefault(lookup, envVarDirectoryBaseURL, "")

	authModeDefault := string(DefaultAuthMode)
	if raw, ok := lookup(envVarAuthMode); ok && strings.TrimSpace(raw) != "" {
		authModeDefault = strings.TrimSpace(raw)
	}

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdown)
	if err != nil {
		return Config{}, err
	}
	wsIdleTimeout, err := envDurationOrDefault(lookup, envVarWSIdleTimeout, DefaultWSIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	wsPingInterval, err := envDurationOrDefault(lookup, envVarWSPingInterval, DefaultWSPingInterval)
	if err != nil {
		return Config{}, err
	}
	ringTimeout, err := envDurationOrDefault(lookup, envVarRingTimeout, DefaultRingTimeout)
	if err != nil {
		return Config{}, err
	}
	directoryTimeout, err := envDurationOrDefault(lookup, envVarDirectoryTimeout, DefaultDirectoryTimeout)
	if err != nil {
		return Config{}, err
	}

	maxEventBytes := DefaultMaxEventBytes
	if raw, ok := lookup(envVarMaxEventBytes); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarMaxEventBytes, raw, err)
		}
		maxEventBytes = n
	}
	maxEventsPerSecond, err := envIntOrDefault(lookup, envVarMaxEventsPerSecond, DefaultMaxEventsPerSecond)
	if err != nil {
		return Config{}, err
	}
	sendQueueBytes, err := envIntOrDefault(lookup, envVarSendQueueBytes, DefaultSendQueueBytes)
	if err != nil {
		return Config{}, err
	}

	fs := flag.NewFlagSet("gorgia-signal-relay", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
		authModeStr  string
	)

	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (host:port; env "+envVarListenAddr+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod (env "+envVarMode+")")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json (env "+envVarLogFormat+")")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error (env "+envVarLogLevel+")")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (env "+envVarShutdownTimeout+")")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated list of allowed browser origins (env "+envVarAllowedOrigins+")")
	fs.StringVar(&authModeStr, "auth-mode", authModeDefault, "WebSocket auth mode: none or api_key (env "+envVarAuthMode+")")
	fs.DurationVar(&wsIdleTimeout, "ws-idle-timeout", wsIdleTimeout, "Close idle WebSocket connections after this duration (env "+envVarWSIdleTimeout+")")
	fs.DurationVar(&wsPingInterval, "ws-ping-interval", wsPingInterval, "Ping interval on WebSocket connections (must be < --ws-idle-timeout; env "+envVarWSPingInterval+")")
	fs.Int64Var(&maxEventBytes, "max-event-bytes", maxEventBytes, "Max inbound WebSocket event size in bytes (env "+envVarMaxEventBytes+")")
	fs.IntVar(&maxEventsPerSecond, "max-events-per-second", maxEventsPerSecond, "Max inbound WebSocket events per second per connection (env "+envVarMaxEventsPerSecond+")")
	fs.IntVar(&sendQueueBytes, "send-queue-bytes", sendQueueBytes, "Max queued outbound bytes per connection before dropping (env "+envVarSendQueueBytes+")")
	fs.DurationVar(&ringTimeout, "ring-timeout", ringTimeout, "Expire unanswered calls after this duration (env "+envVarRingTimeout+")")
	fs.StringVar(&directoryBaseURL, "directory-base-url", directoryBaseURL, "Base URL of the user-directory collaborator (empty = disabled; env "+envVarDirectoryBaseURL+")")
	fs.DurationVar(&directoryTimeout, "directory-timeout", directoryTimeout, "Per-lookup timeout for directory calls (env "+envVarDirectoryTimeout+")")

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

	if !envLogFormatSet && !setFlags["log-format"] {
		logFormatStr = defaultLogFormatForMode(string(mode))
	}
	if !envLogLevelSet && !setFlags["log-level"] {
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
	authMode, err := parseAuthMode(authModeStr)
	if err != nil {
		return Config{}, err
	}

	if listenAddr == "" {
		return Config{}, fmt.Errorf("listen address must not be empty")
	}
	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--shutdown-timeout must be > 0", envVarShutdownTimeout)
	}
	if authMode == AuthModeAPIKey && strings.TrimSpace(apiKey) == "" {
		return Config{}, fmt.Errorf("%s must be set when %s=%s", envVarAPIKey, envVarAuthMode, AuthModeAPIKey)
	}
	if wsIdleTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--ws-idle-timeout must be > 0", envVarWSIdleTimeout)
	}
	if wsPingInterval <= 0 {
		return Config{}, fmt.Errorf("%s/--ws-ping-interval must be > 0", envVarWSPingInterval)
	}
	if wsPingInterval >= wsIdleTimeout {
		return Config{}, fmt.Errorf("%s/--ws-ping-interval must be < %s/--ws-idle-timeout", envVarWSPingInterval, envVarWSIdleTimeout)
	}
	if maxEventBytes <= 0 {
		return Config{}, fmt.Errorf("%s/--max-event-bytes must be > 0", envVarMaxEventBytes)
	}
	if maxEventsPerSecond <= 0 {
		return Config{}, fmt.Errorf("%s/--max-events-per-second must be > 0", envVarMaxEventsPerSecond)
	}
	if sendQueueBytes <= 0 {
		return Config{}, fmt.Errorf("%s/--send-queue-bytes must be > 0", envVarSendQueueBytes)
	}
	if ringTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--ring-timeout must be > 0", envVarRingTimeout)
	}
	if directoryTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--directory-timeout must be > 0", envVarDirectoryTimeout)
	}

	return Config{
		ListenAddr:      listenAddr,
		Mode:            mode,
		LogFormat:       logFormat,
		LogLevel:        level,
		ShutdownTimeout: shutdownTimeout,
		AllowedOrigins:  splitAndTrim(allowedOriginsStr),

		AuthMode:           authMode,
		APIKey:             apiKey,
		WSIdleTimeout:      wsIdleTimeout,
		WSPingInterval:     wsPingInterval,
		MaxEventBytes:      maxEventBytes,
		MaxEventsPerSecond: maxEventsPerSecond,
		SendQueueBytes:     sendQueueBytes,

		RingTimeout: ringTimeout,

		DirectoryBaseURL: directoryBaseURL,
		DirectoryTimeout: directoryTimeout,
	}, nil
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

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func splitAndTrim(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
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

func parseAuthMode(raw string) (AuthMode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(AuthModeNone):
		return AuthModeNone, nil
	case string(AuthModeAPIKey):
		return AuthModeAPIKey, nil
	default:
		return "", fmt.Errorf("invalid %s %q (expected %s or %s)", envVarAuthMode, raw, AuthModeNone, AuthModeAPIKey)
	}
}
