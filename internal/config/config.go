package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all runtime configuration for the dialflow engine.
// Values are read from environment variables (a local .env file is
// loaded first; real environment variables win).
type Config struct {
	ARI      ARIConfig
	Dialer   DialerConfig
	Operator OperatorConfig
	Panel    PanelConfig
	STT      STTConfig
	LLM      LLMConfig
	SMS      SMSConfig
	Limits   LimitsConfig
	Timeouts TimeoutConfig

	Audio AudioConfig

	Company        string
	ScenariosDir   string
	AudioArchive   string
	ArchiveMaxDays int
	OpsHTTPPort    int
	LogDir         string
	LogLevel       string
	LogFormat      string // "text" or "json"
}

// ARIConfig identifies the telephony server's REST and event-stream endpoints.
type ARIConfig struct {
	BaseURL  string
	WSURL    string
	AppName  string
	Username string
	Password string
}

// DialerConfig bounds outbound origination.
type DialerConfig struct {
	OutboundTrunk            string
	OutboundNumbers          []string
	DefaultCallerID          string
	OriginationTimeout       int // seconds
	MaxConcurrentCalls       int
	MaxConcurrentOutbound    int
	MaxConcurrentInbound     int
	MaxCallsPerMinute        int
	MaxCallsPerDay           int
	MaxOriginationsPerSecond float64
	StaticContacts           []string
	BatchSize                int
	DefaultRetry             int // seconds
}

// OperatorConfig describes how operator legs are placed.
type OperatorConfig struct {
	Extension     string
	Trunk         string
	CallerID      string
	Timeout       int // seconds
	MobileNumbers []string
}

// PanelConfig points at the campaign panel API.
type PanelConfig struct {
	BaseURL  string
	APIToken string
}

// STTConfig points at the transcription service.
type STTConfig struct {
	URL   string
	Token string
}

// LLMConfig points at the OpenAI-compatible chat-completions service.
type LLMConfig struct {
	BaseURL string
	APIKey  string
	Model   string
}

// SMSConfig configures the admin alert channel.
type SMSConfig struct {
	APIKey             string
	From               string
	Admins             []string
	FailAlertThreshold int
}

// LimitsConfig bounds external-service parallelism and the HTTP pool.
type LimitsConfig struct {
	MaxParallelSTT     int
	MaxParallelLLM     int
	HTTPMaxConnections int
}

// AudioConfig locates the prompt assets and the telephony server's
// sounds directory they are deployed to.
type AudioConfig struct {
	SrcDir    string
	WavDir    string
	SoundsDir string
}

// TimeoutConfig holds per-service deadlines.
type TimeoutConfig struct {
	HTTP time.Duration
	ARI  time.Duration
	STT  time.Duration
	LLM  time.Duration
}

// defaults
const (
	defaultARIBaseURL   = "http://127.0.0.1:8088/ari"
	defaultARIWSURL     = "ws://127.0.0.1:8088/ari/events"
	defaultARIAppName   = "dialflow"
	defaultLLMBaseURL   = "https://api.openai.com/v1"
	defaultLLMModel     = "gpt-4o-mini"
	defaultScenariosDir = "config/scenarios"
	defaultAudioArchive = "logs/audio-archive"
	defaultLogDir       = "logs"
	defaultLogLevel     = "info"
	defaultLogFormat    = "text"
	defaultOpsHTTPPort  = 8070
)

// Load reads configuration from a .env file (if present) and the
// environment, then validates it.
func Load() (*Config, error) {
	// Existing environment variables always win over .env entries.
	_ = godotenv.Load()

	cfg := &Config{
		ARI: ARIConfig{
			BaseURL:  getString("ARI_BASE_URL", defaultARIBaseURL),
			WSURL:    getString("ARI_WS_URL", defaultARIWSURL),
			AppName:  getString("ARI_APP_NAME", defaultARIAppName),
			Username: getString("ARI_USERNAME", ""),
			Password: getString("ARI_PASSWORD", ""),
		},
		Dialer: DialerConfig{
			OutboundTrunk:            getString("OUTBOUND_TRUNK", ""),
			OutboundNumbers:          getList("OUTBOUND_NUMBERS"),
			DefaultCallerID:          getString("DEFAULT_CALLER_ID", "1000"),
			OriginationTimeout:       getInt("ORIGINATION_TIMEOUT", 30),
			MaxConcurrentCalls:       getInt("MAX_CONCURRENT_CALLS", 2),
			MaxConcurrentOutbound:    getInt("MAX_CONCURRENT_OUTBOUND_CALLS", 0),
			MaxConcurrentInbound:     getInt("MAX_CONCURRENT_INBOUND_CALLS", 0),
			MaxCallsPerMinute:        getInt("MAX_CALLS_PER_MINUTE", 10),
			MaxCallsPerDay:           getInt("MAX_CALLS_PER_DAY", 200),
			MaxOriginationsPerSecond: getFloat("MAX_ORIGINATIONS_PER_SECOND", 3),
			StaticContacts:           getList("STATIC_CONTACTS"),
			BatchSize:                getInt("DIALER_BATCH_SIZE", 10),
			DefaultRetry:             getInt("DIALER_DEFAULT_RETRY", 60),
		},
		Operator: OperatorConfig{
			Extension:     getString("OPERATOR_EXTENSION", "200"),
			Trunk:         getString("OPERATOR_TRUNK", os.Getenv("OUTBOUND_TRUNK")),
			CallerID:      getString("OPERATOR_CALLER_ID", os.Getenv("DEFAULT_CALLER_ID")),
			Timeout:       getInt("OPERATOR_TIMEOUT", 30),
			MobileNumbers: getList("OPERATOR_MOBILE_NUMBERS"),
		},
		Panel: PanelConfig{
			BaseURL:  getString("PANEL_BASE_URL", ""),
			APIToken: getString("PANEL_API_TOKEN", ""),
		},
		STT: STTConfig{
			URL:   getString("STT_URL", ""),
			Token: getString("STT_TOKEN", ""),
		},
		LLM: LLMConfig{
			BaseURL: getString("LLM_BASE_URL", defaultLLMBaseURL),
			APIKey:  getString("LLM_API_KEY", ""),
			Model:   getString("LLM_MODEL", defaultLLMModel),
		},
		SMS: SMSConfig{
			APIKey:             getString("SMS_API_KEY", ""),
			From:               getString("SMS_FROM", ""),
			Admins:             getList("SMS_ADMINS"),
			FailAlertThreshold: getInt("FAIL_ALERT_THRESHOLD", 3),
		},
		Limits: LimitsConfig{
			MaxParallelSTT:     getInt("MAX_PARALLEL_STT", 50),
			MaxParallelLLM:     getInt("MAX_PARALLEL_LLM", 10),
			HTTPMaxConnections: getInt("HTTP_MAX_CONNECTIONS", 100),
		},
		Timeouts: TimeoutConfig{
			HTTP: getSeconds("HTTP_TIMEOUT", 10*time.Second),
			ARI:  getSeconds("ARI_TIMEOUT", 10*time.Second),
			STT:  getSeconds("STT_TIMEOUT", 30*time.Second),
			LLM:  getSeconds("LLM_TIMEOUT", 20*time.Second),
		},
		Audio: AudioConfig{
			SrcDir:    getString("AUDIO_SRC_DIR", "audio/src"),
			WavDir:    getString("AUDIO_WAV_DIR", "audio/wav"),
			SoundsDir: getString("AST_SOUNDS_DIR", ""),
		},
		Company:        getString("COMPANY", ""),
		ScenariosDir:   getString("SCENARIOS_DIR", defaultScenariosDir),
		AudioArchive:   getString("AUDIO_ARCHIVE_DIR", defaultAudioArchive),
		ArchiveMaxDays: getInt("AUDIO_ARCHIVE_MAX_DAYS", 30),
		OpsHTTPPort:    getInt("OPS_HTTP_PORT", defaultOpsHTTPPort),
		LogDir:         getString("LOG_DIR", defaultLogDir),
		LogLevel:       getString("LOG_LEVEL", defaultLogLevel),
		LogFormat:      getString("LOG_FORMAT", defaultLogFormat),
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.ARI.BaseURL == "" {
		return fmt.Errorf("ARI_BASE_URL must not be empty")
	}
	if c.ARI.WSURL == "" {
		return fmt.Errorf("ARI_WS_URL must not be empty")
	}
	if c.Dialer.MaxConcurrentCalls < 1 {
		return fmt.Errorf("MAX_CONCURRENT_CALLS must be at least 1, got %d", c.Dialer.MaxConcurrentCalls)
	}
	if c.Dialer.MaxCallsPerMinute < 1 {
		return fmt.Errorf("MAX_CALLS_PER_MINUTE must be at least 1, got %d", c.Dialer.MaxCallsPerMinute)
	}
	if c.Dialer.MaxCallsPerDay < 1 {
		return fmt.Errorf("MAX_CALLS_PER_DAY must be at least 1, got %d", c.Dialer.MaxCallsPerDay)
	}
	if c.Dialer.MaxOriginationsPerSecond <= 0 {
		return fmt.Errorf("MAX_ORIGINATIONS_PER_SECOND must be positive, got %v", c.Dialer.MaxOriginationsPerSecond)
	}
	if c.Dialer.BatchSize < 1 {
		return fmt.Errorf("DIALER_BATCH_SIZE must be at least 1, got %d", c.Dialer.BatchSize)
	}
	if c.Limits.HTTPMaxConnections < 1 {
		return fmt.Errorf("HTTP_MAX_CONNECTIONS must be at least 1, got %d", c.Limits.HTTPMaxConnections)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("LOG_FORMAT must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	return nil
}

// PanelEnabled reports whether a panel endpoint is configured.
func (c *Config) PanelEnabled() bool {
	return c.Panel.BaseURL != "" && c.Panel.APIToken != ""
}

// SMSEnabled reports whether the SMS alert channel is configured.
func (c *Config) SMSEnabled() bool {
	return c.SMS.APIKey != "" && c.SMS.From != "" && len(c.SMS.Admins) > 0
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func getSeconds(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		return fallback
	}
	return time.Duration(f * float64(time.Second))
}

func getList(key string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	var items []string
	for _, item := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}
