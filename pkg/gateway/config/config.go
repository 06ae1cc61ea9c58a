package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/voxflame/voxgate/pkg/core/faults"
)

type CollabMode string

const (
	CollabLoopback CollabMode = "loopback"
	CollabRedis    CollabMode = "redis"
)

type CorrectorMode string

const (
	// CorrectorBus uses whatever corrector the collaborator mode provides.
	CorrectorBus  CorrectorMode = "bus"
	CorrectorHTTP CorrectorMode = "http"
)

type JournalMode string

const (
	JournalNone     JournalMode = "none"
	JournalPostgres JournalMode = "postgres"
)

const (
	SessionIDRemoteAddr = "remote_addr"
	SessionIDUUID       = "uuid"

	TranscriptScopeSession   = "session"
	TranscriptScopeBroadcast = "broadcast"
)

type Config struct {
	Addr      string `yaml:"addr"`
	LogFormat string `yaml:"log_format"`
	LogLevel  string `yaml:"log_level"`

	// CORS origins allowed to open /v1/live. Requests without an Origin
	// header are always allowed.
	CORSOrigins        []string            `yaml:"cors_origins"`
	CORSAllowedOrigins map[string]struct{} `yaml:"-"`

	// SessionIDPolicy is remote_addr (ip:port, the historical behavior) or uuid.
	SessionIDPolicy string `yaml:"session_id_policy"`

	// Live WebSocket (/v1/live).
	LiveMaxMessageBytes        int64         `yaml:"live_max_message_bytes"`
	LiveMaxAudioFPS            int           `yaml:"live_max_audio_fps"`
	LiveMaxAudioBytesPerSecond int64         `yaml:"live_max_audio_bps"`
	LiveInboundBurstSeconds    int           `yaml:"live_inbound_burst_seconds"`
	LiveOutboundQueueSize      int           `yaml:"live_outbound_queue_size"`
	LiveWSPingInterval         time.Duration `yaml:"live_ws_ping_interval"`
	LiveWSWriteTimeout         time.Duration `yaml:"live_ws_write_timeout"`
	LiveWSReadTimeout          time.Duration `yaml:"live_ws_read_timeout"`

	// Turn taking.
	Greeting               string        `yaml:"greeting"`
	EnableGreeting         bool          `yaml:"enable_greeting"`
	EnableCorrection       bool          `yaml:"enable_correction"`
	EnableInterrupt        bool          `yaml:"enable_interrupt"`
	InterruptThreshold     time.Duration `yaml:"interrupt_threshold"`
	HistoryLimit           int           `yaml:"history_limit"`
	CorrectionContextTurns int           `yaml:"correction_context_turns"`
	CorrectionTimeout      time.Duration `yaml:"correction_timeout"`
	MaxSpeakingDuration    time.Duration `yaml:"max_speaking_duration"`
	InboxSize              int           `yaml:"inbox_size"`
	TranscriptScope        string        `yaml:"transcript_scope"`

	// Collaborators.
	CollabMode       CollabMode    `yaml:"collab_mode"`
	RedisURL         string        `yaml:"redis_url"`
	RedisPrefix      string        `yaml:"redis_prefix"`
	Corrector        CorrectorMode `yaml:"corrector"`
	CorrectorURL     string        `yaml:"corrector_url"`
	CorrectorTimeout time.Duration `yaml:"corrector_timeout"`
	// LoopbackSpeechRate is how long the loopback synthesizer "speaks" per
	// character.
	LoopbackSpeechRate time.Duration `yaml:"loopback_speech_rate"`

	// Conversation journal.
	Journal    JournalMode `yaml:"journal"`
	JournalDSN string      `yaml:"journal_dsn"`

	// Tracing is off unless an OTLP/HTTP endpoint is set.
	OTelEndpoint    string `yaml:"otel_endpoint"`
	OTelServiceName string `yaml:"otel_service_name"`

	MetricsNamespace    string        `yaml:"metrics_namespace"`
	ReadHeaderTimeout   time.Duration `yaml:"read_header_timeout"`
	ShutdownGracePeriod time.Duration `yaml:"shutdown_grace_period"`
}

// Defaults returns the configuration used when nothing is overridden.
func Defaults() Config {
	return Config{
		Addr:                       ":8765",
		LogFormat:                  "text",
		LogLevel:                   "info",
		SessionIDPolicy:            SessionIDRemoteAddr,
		LiveMaxMessageBytes:        256 * 1024,
		LiveMaxAudioFPS:            100,
		LiveMaxAudioBytesPerSecond: 128 * 1024,
		LiveInboundBurstSeconds:    2,
		LiveOutboundQueueSize:      128,
		LiveWSPingInterval:         20 * time.Second,
		LiveWSWriteTimeout:         5 * time.Second,
		LiveWSReadTimeout:          0,
		Greeting:                   "您好，我是燃言语音助手，请说话",
		EnableGreeting:             true,
		EnableCorrection:           true,
		EnableInterrupt:            true,
		InterruptThreshold:         500 * time.Millisecond,
		HistoryLimit:               10,
		CorrectionContextTurns:     3,
		CorrectionTimeout:          3 * time.Second,
		MaxSpeakingDuration:        60 * time.Second,
		InboxSize:                  64,
		TranscriptScope:            TranscriptScopeSession,
		CollabMode:                 CollabLoopback,
		RedisPrefix:                "voxgate",
		Corrector:                  CorrectorBus,
		CorrectorTimeout:           5 * time.Second,
		LoopbackSpeechRate:         120 * time.Millisecond,
		Journal:                    JournalNone,
		OTelServiceName:            "voxgate",
		MetricsNamespace:           "voxgate",
		ReadHeaderTimeout:          10 * time.Second,
		ShutdownGracePeriod:        30 * time.Second,
	}
}

// Load builds the configuration from defaults, then the YAML file named by
// VOXGATE_CONFIG_FILE (if any), then VOXGATE_* environment variables. Any
// failure is a configuration error and must stop startup.
func Load() (Config, error) {
	cfg := Defaults()
	if path := strings.TrimSpace(os.Getenv("VOXGATE_CONFIG_FILE")); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, faults.Config("read config file", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, faults.Config("parse config file", err)
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Addr = envOr("VOXGATE_ADDR", cfg.Addr)
	cfg.LogFormat = envOr("VOXGATE_LOG_FORMAT", cfg.LogFormat)
	cfg.LogLevel = envOr("VOXGATE_LOG_LEVEL", cfg.LogLevel)
	if raw := os.Getenv("VOXGATE_CORS_ORIGINS"); strings.TrimSpace(raw) != "" {
		cfg.CORSOrigins = splitCSV(raw)
	}
	cfg.SessionIDPolicy = envOr("VOXGATE_SESSION_ID_POLICY", cfg.SessionIDPolicy)

	cfg.LiveMaxMessageBytes = envInt64Or("VOXGATE_LIVE_MAX_MESSAGE_BYTES", cfg.LiveMaxMessageBytes)
	cfg.LiveMaxAudioFPS = envIntOr("VOXGATE_LIVE_MAX_AUDIO_FPS", cfg.LiveMaxAudioFPS)
	cfg.LiveMaxAudioBytesPerSecond = envInt64Or("VOXGATE_LIVE_MAX_AUDIO_BPS", cfg.LiveMaxAudioBytesPerSecond)
	cfg.LiveInboundBurstSeconds = envIntOr("VOXGATE_LIVE_INBOUND_BURST_SECONDS", cfg.LiveInboundBurstSeconds)
	cfg.LiveOutboundQueueSize = envIntOr("VOXGATE_LIVE_OUTBOUND_QUEUE_SIZE", cfg.LiveOutboundQueueSize)
	cfg.LiveWSPingInterval = envDurationOr("VOXGATE_LIVE_WS_PING_INTERVAL", cfg.LiveWSPingInterval)
	cfg.LiveWSWriteTimeout = envDurationOr("VOXGATE_LIVE_WS_WRITE_TIMEOUT", cfg.LiveWSWriteTimeout)
	cfg.LiveWSReadTimeout = envDurationOr("VOXGATE_LIVE_WS_READ_TIMEOUT", cfg.LiveWSReadTimeout)

	cfg.Greeting = envOr("VOXGATE_GREETING", cfg.Greeting)
	cfg.EnableGreeting = envBoolOr("VOXGATE_ENABLE_GREETING", cfg.EnableGreeting)
	cfg.EnableCorrection = envBoolOr("VOXGATE_ENABLE_CORRECTION", cfg.EnableCorrection)
	cfg.EnableInterrupt = envBoolOr("VOXGATE_ENABLE_INTERRUPT", cfg.EnableInterrupt)
	cfg.InterruptThreshold = envDurationOr("VOXGATE_INTERRUPT_THRESHOLD", cfg.InterruptThreshold)
	cfg.HistoryLimit = envIntOr("VOXGATE_HISTORY_LIMIT", cfg.HistoryLimit)
	cfg.CorrectionContextTurns = envIntOr("VOXGATE_CORRECTION_CONTEXT_TURNS", cfg.CorrectionContextTurns)
	cfg.CorrectionTimeout = envDurationOr("VOXGATE_CORRECTION_TIMEOUT", cfg.CorrectionTimeout)
	cfg.MaxSpeakingDuration = envDurationOr("VOXGATE_MAX_SPEAKING_DURATION", cfg.MaxSpeakingDuration)
	cfg.InboxSize = envIntOr("VOXGATE_INBOX_SIZE", cfg.InboxSize)
	cfg.TranscriptScope = envOr("VOXGATE_TRANSCRIPT_SCOPE", cfg.TranscriptScope)

	cfg.CollabMode = CollabMode(envOr("VOXGATE_COLLAB_MODE", string(cfg.CollabMode)))
	cfg.RedisURL = envOr("VOXGATE_REDIS_URL", cfg.RedisURL)
	cfg.RedisPrefix = envOr("VOXGATE_REDIS_PREFIX", cfg.RedisPrefix)
	cfg.Corrector = CorrectorMode(envOr("VOXGATE_CORRECTOR", string(cfg.Corrector)))
	cfg.CorrectorURL = envOr("VOXGATE_CORRECTOR_URL", cfg.CorrectorURL)
	cfg.CorrectorTimeout = envDurationOr("VOXGATE_CORRECTOR_TIMEOUT", cfg.CorrectorTimeout)
	cfg.LoopbackSpeechRate = envDurationOr("VOXGATE_LOOPBACK_SPEECH_RATE", cfg.LoopbackSpeechRate)

	cfg.Journal = JournalMode(envOr("VOXGATE_JOURNAL", string(cfg.Journal)))
	cfg.JournalDSN = envOr("VOXGATE_JOURNAL_DSN", cfg.JournalDSN)

	cfg.OTelEndpoint = envOr("VOXGATE_OTEL_ENDPOINT", cfg.OTelEndpoint)
	cfg.OTelServiceName = envOr("VOXGATE_OTEL_SERVICE_NAME", cfg.OTelServiceName)

	cfg.MetricsNamespace = envOr("VOXGATE_METRICS_NAMESPACE", cfg.MetricsNamespace)
	cfg.ReadHeaderTimeout = envDurationOr("VOXGATE_READ_HEADER_TIMEOUT", cfg.ReadHeaderTimeout)
	cfg.ShutdownGracePeriod = envDurationOr("VOXGATE_SHUTDOWN_GRACE_PERIOD", cfg.ShutdownGracePeriod)
}

// Validate checks cross-field constraints and fills derived fields.
func (cfg *Config) Validate() error {
	cfg.CORSAllowedOrigins = make(map[string]struct{}, len(cfg.CORSOrigins))
	for _, origin := range cfg.CORSOrigins {
		if origin = strings.TrimSpace(origin); origin != "" {
			cfg.CORSAllowedOrigins[origin] = struct{}{}
		}
	}

	switch strings.ToLower(cfg.LogFormat) {
	case "text", "json":
	default:
		return faults.Configf("VOXGATE_LOG_FORMAT must be one of text|json")
	}
	switch cfg.SessionIDPolicy {
	case SessionIDRemoteAddr, SessionIDUUID:
	default:
		return faults.Configf("VOXGATE_SESSION_ID_POLICY must be one of remote_addr|uuid")
	}
	switch cfg.TranscriptScope {
	case TranscriptScopeSession, TranscriptScopeBroadcast:
	default:
		return faults.Configf("VOXGATE_TRANSCRIPT_SCOPE must be one of session|broadcast")
	}

	if cfg.LiveMaxMessageBytes <= 0 {
		return faults.Configf("VOXGATE_LIVE_MAX_MESSAGE_BYTES must be > 0")
	}
	if cfg.LiveMaxAudioFPS < 0 {
		return faults.Configf("VOXGATE_LIVE_MAX_AUDIO_FPS must be >= 0")
	}
	if cfg.LiveMaxAudioBytesPerSecond < 0 {
		return faults.Configf("VOXGATE_LIVE_MAX_AUDIO_BPS must be >= 0")
	}
	if (cfg.LiveMaxAudioFPS > 0 || cfg.LiveMaxAudioBytesPerSecond > 0) && cfg.LiveInboundBurstSeconds < 1 {
		return faults.Configf("VOXGATE_LIVE_INBOUND_BURST_SECONDS must be >= 1 when inbound audio limits are enabled")
	}
	if cfg.LiveOutboundQueueSize <= 0 {
		return faults.Configf("VOXGATE_LIVE_OUTBOUND_QUEUE_SIZE must be > 0")
	}
	if cfg.LiveWSPingInterval <= 0 {
		return faults.Configf("VOXGATE_LIVE_WS_PING_INTERVAL must be > 0")
	}
	if cfg.LiveWSWriteTimeout <= 0 {
		return faults.Configf("VOXGATE_LIVE_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.LiveWSReadTimeout < 0 {
		return faults.Configf("VOXGATE_LIVE_WS_READ_TIMEOUT must be >= 0")
	}

	if cfg.EnableGreeting && strings.TrimSpace(cfg.Greeting) == "" {
		return faults.Configf("VOXGATE_GREETING must not be empty when greetings are enabled")
	}
	if cfg.HistoryLimit <= 0 {
		return faults.Configf("VOXGATE_HISTORY_LIMIT must be > 0")
	}
	if cfg.CorrectionContextTurns < 0 {
		return faults.Configf("VOXGATE_CORRECTION_CONTEXT_TURNS must be >= 0")
	}
	if cfg.CorrectionTimeout <= 0 {
		return faults.Configf("VOXGATE_CORRECTION_TIMEOUT must be > 0")
	}
	if cfg.MaxSpeakingDuration < 0 {
		return faults.Configf("VOXGATE_MAX_SPEAKING_DURATION must be >= 0")
	}
	if cfg.InboxSize <= 0 {
		return faults.Configf("VOXGATE_INBOX_SIZE must be > 0")
	}

	switch cfg.CollabMode {
	case CollabLoopback:
	case CollabRedis:
		if strings.TrimSpace(cfg.RedisURL) == "" {
			return faults.Configf("VOXGATE_REDIS_URL must be set when VOXGATE_COLLAB_MODE=redis")
		}
		if strings.TrimSpace(cfg.RedisPrefix) == "" {
			return faults.Configf("VOXGATE_REDIS_PREFIX must not be empty")
		}
	default:
		return faults.Configf("VOXGATE_COLLAB_MODE must be one of loopback|redis")
	}
	switch cfg.Corrector {
	case CorrectorBus:
	case CorrectorHTTP:
		if strings.TrimSpace(cfg.CorrectorURL) == "" {
			return faults.Configf("VOXGATE_CORRECTOR_URL must be set when VOXGATE_CORRECTOR=http")
		}
		if cfg.CorrectorTimeout <= 0 {
			return faults.Configf("VOXGATE_CORRECTOR_TIMEOUT must be > 0")
		}
	default:
		return faults.Configf("VOXGATE_CORRECTOR must be one of bus|http")
	}
	if cfg.LoopbackSpeechRate < 0 {
		return faults.Configf("VOXGATE_LOOPBACK_SPEECH_RATE must be >= 0")
	}

	switch cfg.Journal {
	case JournalNone:
	case JournalPostgres:
		if strings.TrimSpace(cfg.JournalDSN) == "" {
			return faults.Configf("VOXGATE_JOURNAL_DSN must be set when VOXGATE_JOURNAL=postgres")
		}
	default:
		return faults.Configf("VOXGATE_JOURNAL must be one of none|postgres")
	}

	if cfg.ReadHeaderTimeout <= 0 {
		return faults.Configf("VOXGATE_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return faults.Configf("VOXGATE_SHUTDOWN_GRACE_PERIOD must be > 0")
	}
	return nil
}

func (cfg Config) String() string {
	redis := ""
	if cfg.RedisURL != "" {
		redis = "(set)"
	}
	return fmt.Sprintf("addr=%s collab=%s corrector=%s journal=%s redis_url=%s", cfg.Addr, cfg.CollabMode, cfg.Corrector, cfg.Journal, redis)
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envBoolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

// envDurationOr accepts Go durations ("3s") or bare milliseconds ("3000").
func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
