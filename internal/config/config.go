package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// defaultPersona is the coaching system instruction sent as the leading
// prompt entry. Overridable via COACH_SYSTEM_PERSONA or the config file.
const defaultPersona = "你是一位经验丰富的高管教练，专注于引导式对话而非直接给出答案。" +
	"你的核心方法是通过提问帮助对方自己找到解决方案。你擅长倾听、提问和反思，" +
	"帮助高管明确目标、识别障碍、探索可能性。保持专业、同理心和启发性。"

// Config holds all configuration values.
type Config struct {
	// HTTP server
	ListenAddr string `yaml:"listen_addr"`

	// Upstream completion endpoint (OpenAI-compatible)
	UpstreamBaseURL string        `yaml:"upstream_base_url"`
	UpstreamAPIKey  string        `yaml:"upstream_api_key"`
	UpstreamModel   string        `yaml:"upstream_model"`
	UpstreamTimeout time.Duration `yaml:"upstream_timeout"`

	// Conversation behaviour
	SystemPersona string `yaml:"system_persona"`
	HistoryLimit  int    `yaml:"history_limit"`
	MaxRetries    int    `yaml:"max_retries"`

	// SurrealDB connection
	SurrealDBURL       string `yaml:"surrealdb_url"`
	SurrealDBNamespace string `yaml:"surrealdb_namespace"`
	SurrealDBDatabase  string `yaml:"surrealdb_database"`
	SurrealDBUser      string `yaml:"surrealdb_user"`
	SurrealDBPass      string `yaml:"surrealdb_pass"`
	SurrealDBAuthLevel string `yaml:"surrealdb_auth_level"`

	// Logging
	LogFile  string     `yaml:"log_file"`
	LogLevel slog.Level `yaml:"-"`
}

// Load reads configuration from environment variables.
func Load() Config {
	return Config{
		ListenAddr: getEnv("COACH_LISTEN_ADDR", ":8080"),

		UpstreamBaseURL: getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		UpstreamAPIKey:  getEnv("OPENAI_API_KEY", ""),
		UpstreamModel:   getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		UpstreamTimeout: parseDuration(getEnv("COACH_UPSTREAM_TIMEOUT", "60s")),

		SystemPersona: getEnv("COACH_SYSTEM_PERSONA", defaultPersona),
		HistoryLimit:  parseInt(getEnv("COACH_HISTORY_LIMIT", "10"), 10),
		MaxRetries:    parseInt(getEnv("COACH_MAX_RETRIES", "2"), 2),

		SurrealDBURL:       getEnv("SURREALDB_URL", "ws://localhost:8000/rpc"),
		SurrealDBNamespace: getEnv("SURREALDB_NAMESPACE", "coach"),
		SurrealDBDatabase:  getEnv("SURREALDB_DATABASE", "chat"),
		SurrealDBUser:      getEnv("SURREALDB_USER", "root"),
		SurrealDBPass:      getEnv("SURREALDB_PASS", "root"),
		SurrealDBAuthLevel: getEnv("SURREALDB_AUTH_LEVEL", "root"),

		LogFile:  getEnv("COACH_LOG_FILE", "/tmp/coach-server.log"),
		LogLevel: parseLogLevel(getEnv("COACH_LOG_LEVEL", "INFO")),
	}
}

// fileOverlay mirrors Config for YAML parsing. Durations and the log level
// arrive as strings and are converted during merge.
type fileOverlay struct {
	ListenAddr string `yaml:"listen_addr"`

	UpstreamBaseURL string `yaml:"upstream_base_url"`
	UpstreamAPIKey  string `yaml:"upstream_api_key"`
	UpstreamModel   string `yaml:"upstream_model"`
	UpstreamTimeout string `yaml:"upstream_timeout"`

	SystemPersona string `yaml:"system_persona"`
	HistoryLimit  int    `yaml:"history_limit"`
	MaxRetries    int    `yaml:"max_retries"`

	SurrealDBURL       string `yaml:"surrealdb_url"`
	SurrealDBNamespace string `yaml:"surrealdb_namespace"`
	SurrealDBDatabase  string `yaml:"surrealdb_database"`
	SurrealDBUser      string `yaml:"surrealdb_user"`
	SurrealDBPass      string `yaml:"surrealdb_pass"`
	SurrealDBAuthLevel string `yaml:"surrealdb_auth_level"`

	LogFile  string `yaml:"log_file"`
	LogLevel string `yaml:"log_level"`
}

// LoadFile overlays values from a YAML file onto cfg. Fields absent from
// the file keep their existing values.
func LoadFile(cfg Config, path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config file: %w", err)
	}

	var overlay fileOverlay
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return cfg, fmt.Errorf("parse config file: %w", err)
	}

	merged := cfg
	setString(&merged.ListenAddr, overlay.ListenAddr)
	setString(&merged.UpstreamBaseURL, overlay.UpstreamBaseURL)
	setString(&merged.UpstreamAPIKey, overlay.UpstreamAPIKey)
	setString(&merged.UpstreamModel, overlay.UpstreamModel)
	if overlay.UpstreamTimeout != "" {
		d, err := time.ParseDuration(overlay.UpstreamTimeout)
		if err != nil {
			return cfg, fmt.Errorf("parse upstream_timeout: %w", err)
		}
		merged.UpstreamTimeout = d
	}
	setString(&merged.SystemPersona, overlay.SystemPersona)
	if overlay.HistoryLimit != 0 {
		merged.HistoryLimit = overlay.HistoryLimit
	}
	if overlay.MaxRetries != 0 {
		merged.MaxRetries = overlay.MaxRetries
	}
	setString(&merged.SurrealDBURL, overlay.SurrealDBURL)
	setString(&merged.SurrealDBNamespace, overlay.SurrealDBNamespace)
	setString(&merged.SurrealDBDatabase, overlay.SurrealDBDatabase)
	setString(&merged.SurrealDBUser, overlay.SurrealDBUser)
	setString(&merged.SurrealDBPass, overlay.SurrealDBPass)
	setString(&merged.SurrealDBAuthLevel, overlay.SurrealDBAuthLevel)
	setString(&merged.LogFile, overlay.LogFile)
	if overlay.LogLevel != "" {
		merged.LogLevel = parseLogLevel(overlay.LogLevel)
	}
	return merged, nil
}

func setString(dst *string, val string) {
	if val != "" {
		*dst = val
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func parseInt(s string, defaultVal int) int {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return defaultVal
	}
	return n
}

func parseDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 60 * time.Second
	}
	return d
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
