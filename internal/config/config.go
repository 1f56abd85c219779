package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

const (
	envVarListenAddr      = "CONVERSE_RELAY_LISTEN_ADDR"
	envVarDataDir         = "CONVERSE_RELAY_DATA_DIR"
	envVarMode            = "CONVERSE_RELAY_MODE"
	envVarLogFormat       = "CONVERSE_RELAY_LOG_FORMAT"
	envVarLogLevel        = "CONVERSE_RELAY_LOG_LEVEL"
	envVarShutdownTimeout = "CONVERSE_RELAY_SHUTDOWN_TIMEOUT"

	// WebSocket hardening knobs.
	envVarAuthTimeout          = "AUTH_TIMEOUT"
	envVarWSIdleTimeout        = "WS_IDLE_TIMEOUT"
	envVarWSPingInterval       = "WS_PING_INTERVAL"
	envVarMaxMessageBytes      = "MAX_MESSAGE_BYTES"
	envVarMaxMessagesPerSecond = "MAX_MESSAGES_PER_SECOND"

	envVarBcryptCost       = "BCRYPT_COST"
	envVarCallSetupTimeout = "CALL_SETUP_TIMEOUT"

	envVarAllowedOrigins = "CONVERSE_RELAY_ALLOWED_ORIGINS"

	// ICE server advertisement for call clients.
	envVarSTUNURLs          = "CONVERSE_RELAY_STUN_URLS"
	envVarTURNURLs          = "CONVERSE_RELAY_TURN_URLS"
	envVarTURNRESTSecret    = "CONVERSE_RELAY_TURN_REST_SECRET"
	envVarTURNCredentialTTL = "CONVERSE_RELAY_TURN_CREDENTIAL_TTL"
)

const (
	DefaultListenAddr           = "127.0.0.1:8080"
	DefaultDataDir              = "./data"
	DefaultShutdown             = 15 * time.Second
	DefaultMode            Mode = ModeDev
	DefaultAuthTimeout          = 30 * time.Second
	DefaultWSIdleTimeout        = 60 * time.Second
	DefaultWSPingInterval       = 20 * time.Second

	DefaultMaxMessageBytes            = int64(64 * 1024)
	DefaultMaxMessagesPerSecond       = 50
	DefaultBcryptCost                 = bcrypt.DefaultCost
	// DefaultCallSetupTimeout of zero preserves the baseline behavior: an
	// unanswered call-offer stays pending until a hang-up or disconnect.
	DefaultCallSetupTimeout time.Duration = 0

	DefaultTURNCredentialTTL = time.Hour
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
	DataDir         string
	Mode            Mode
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration

	// AuthTimeout bounds how long a connection may stay neither registered nor
	// logged in before being closed.
	AuthTimeout time.Duration

	WSIdleTimeout  time.Duration
	WSPingInterval time.Duration

	MaxMessageBytes      int64
	MaxMessagesPerSecond int

	BcryptCost int

	// CallSetupTimeout, when > 0, tears down call attempts that stay unanswered
	// for longer than this as if either side had hung up.
	CallSetupTimeout time.Duration

	// AllowedOrigins restricts which browser origins may open the WebSocket.
	// Empty means every origin is accepted.
	AllowedOrigins []string

	// STUNURLs and TURNURLs are advertised to call clients via GET /ice.
	// TURN servers require TURNRESTSecret so ephemeral credentials can be
	// minted per request.
	STUNURLs          []string
	TURNURLs          []string
	TURNRESTSecret    string
	TURNCredentialTTL time.Duration
}

// HasTURN reports whether TURN servers are configured for advertisement.
func (c Config) HasTURN() bool {
	return len(c.TURNURLs) > 0
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
	dataDir := envOrDefault(lookup, envVarDataDir, DefaultDataDir)

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdown)
	if err != nil {
		return Config{}, err
	}
	authTimeout, err := envDurationOrDefault(lookup, envVarAuthTimeout, DefaultAuthTimeout)
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
	callSetupTimeout, err := envDurationOrDefault(lookup, envVarCallSetupTimeout, DefaultCallSetupTimeout)
	if err != nil {
		return Config{}, err
	}

	maxMessageBytes := DefaultMaxMessageBytes
	if raw, ok := lookup(envVarMaxMessageBytes); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarMaxMessageBytes, raw, err)
		}
		maxMessageBytes = n
	}
	maxMessagesPerSecond, err := envIntOrDefault(lookup, envVarMaxMessagesPerSecond, DefaultMaxMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}
	bcryptCost, err := envIntOrDefault(lookup, envVarBcryptCost, DefaultBcryptCost)
	if err != nil {
		return Config{}, err
	}

	allowedOrigins := envOrDefault(lookup, envVarAllowedOrigins, "")
	stunURLs := envOrDefault(lookup, envVarSTUNURLs, "")
	turnURLs := envOrDefault(lookup, envVarTURNURLs, "")
	turnRESTSecret := envOrDefault(lookup, envVarTURNRESTSecret, "")
	turnCredentialTTL, err := envDurationOrDefault(lookup, envVarTURNCredentialTTL, DefaultTURNCredentialTTL)
	if err != nil {
		return Config{}, err
	}

	fs := flag.NewFlagSet("converse-relay", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
	)

	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (host:port) (env "+envVarListenAddr+")")
	fs.StringVar(&dataDir, "data-dir", dataDir, "Directory for the durable user/conversation store (env "+envVarDataDir+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod (env "+envVarMode+")")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json (env "+envVarLogFormat+")")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error (env "+envVarLogLevel+")")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (env "+envVarShutdownTimeout+")")
	fs.DurationVar(&authTimeout, "auth-timeout", authTimeout, "Close connections that have not registered or logged in after this duration (env "+envVarAuthTimeout+")")
	fs.DurationVar(&wsIdleTimeout, "ws-idle-timeout", wsIdleTimeout, "Close idle WebSocket connections after this duration (env "+envVarWSIdleTimeout+")")
	fs.DurationVar(&wsPingInterval, "ws-ping-interval", wsPingInterval, "Send ping frames at this interval (must be < --ws-idle-timeout; env "+envVarWSPingInterval+")")
	fs.Int64Var(&maxMessageBytes, "max-message-bytes", maxMessageBytes, "Max inbound WebSocket message size in bytes (env "+envVarMaxMessageBytes+")")
	fs.IntVar(&maxMessagesPerSecond, "max-messages-per-second", maxMessagesPerSecond, "Max inbound WebSocket messages per second per connection (env "+envVarMaxMessagesPerSecond+")")
	fs.IntVar(&bcryptCost, "bcrypt-cost", bcryptCost, "bcrypt cost for password hashing (env "+envVarBcryptCost+")")
	fs.DurationVar(&callSetupTimeout, "call-setup-timeout", callSetupTimeout, "Tear down unanswered call attempts after this duration (0 = never; env "+envVarCallSetupTimeout+")")
	fs.StringVar(&allowedOrigins, "allowed-origins", allowedOrigins, "Comma-separated browser origins allowed on the WebSocket; empty allows all (env "+envVarAllowedOrigins+")")
	fs.StringVar(&stunURLs, "stun-urls", stunURLs, "Comma-separated STUN URLs advertised via GET /ice (env "+envVarSTUNURLs+")")
	fs.StringVar(&turnURLs, "turn-urls", turnURLs, "Comma-separated TURN URLs advertised via GET /ice (env "+envVarTURNURLs+")")
	fs.StringVar(&turnRESTSecret, "turn-rest-secret", turnRESTSecret, "Shared secret for TURN REST credentials; required with --turn-urls (env "+envVarTURNRESTSecret+")")
	fs.DurationVar(&turnCredentialTTL, "turn-credential-ttl", turnCredentialTTL, "Lifetime of minted TURN credentials (env "+envVarTURNCredentialTTL+")")

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

	if listenAddr == "" {
		return Config{}, fmt.Errorf("listen address must not be empty")
	}
	if strings.TrimSpace(dataDir) == "" {
		return Config{}, fmt.Errorf("%s/--data-dir must not be empty", envVarDataDir)
	}
	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("shutdown timeout must be > 0")
	}
	if authTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--auth-timeout must be > 0", envVarAuthTimeout)
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
	if maxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("%s/--max-message-bytes must be > 0", envVarMaxMessageBytes)
	}
	if maxMessagesPerSecond <= 0 {
		return Config{}, fmt.Errorf("%s/--max-messages-per-second must be > 0", envVarMaxMessagesPerSecond)
	}
	if bcryptCost < bcrypt.MinCost || bcryptCost > bcrypt.MaxCost {
		return Config{}, fmt.Errorf("%s/--bcrypt-cost must be between %d and %d", envVarBcryptCost, bcrypt.MinCost, bcrypt.MaxCost)
	}
	if callSetupTimeout < 0 {
		return Config{}, fmt.Errorf("%s/--call-setup-timeout must be >= 0", envVarCallSetupTimeout)
	}

	allowedOriginList, err := parseAllowedOrigins(allowedOrigins)
	if err != nil {
		return Config{}, err
	}
	stunURLList, err := parseICEURLs(envVarSTUNURLs, stunURLs, "stun:", "stuns:")
	if err != nil {
		return Config{}, err
	}
	turnURLList, err := parseICEURLs(envVarTURNURLs, turnURLs, "turn:", "turns:")
	if err != nil {
		return Config{}, err
	}
	if len(turnURLList) > 0 && strings.TrimSpace(turnRESTSecret) == "" {
		return Config{}, fmt.Errorf("%s/--turn-rest-secret must be set when TURN URLs are configured", envVarTURNRESTSecret)
	}
	if turnCredentialTTL <= 0 {
		return Config{}, fmt.Errorf("%s/--turn-credential-ttl must be > 0", envVarTURNCredentialTTL)
	}

	return Config{
		ListenAddr:      listenAddr,
		DataDir:         dataDir,
		Mode:            mode,
		LogFormat:       logFormat,
		LogLevel:        level,
		ShutdownTimeout: shutdownTimeout,

		AuthTimeout:    authTimeout,
		WSIdleTimeout:  wsIdleTimeout,
		WSPingInterval: wsPingInterval,

		MaxMessageBytes:      maxMessageBytes,
		MaxMessagesPerSecond: maxMessagesPerSecond,

		BcryptCost:       bcryptCost,
		CallSetupTimeout: callSetupTimeout,

		AllowedOrigins: allowedOriginList,

		STUNURLs:          stunURLList,
		TURNURLs:          turnURLList,
		TURNRESTSecret:    strings.TrimSpace(turnRESTSecret),
		TURNCredentialTTL: turnCredentialTTL,
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

func parseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("unsupported mode %q (want dev or prod)", s)
	}
}

func parseLogFormat(s string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("unsupported log format %q (want text or json)", s)
	}
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unsupported log level %q", s)
	}
}
