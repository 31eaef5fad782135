package config

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// AppConfig holds environment driven configuration values.
// Sensitive data should never have defaults inside code and must be provided via env files or the environment.
type AppConfig struct {
	AppPort   string
	JWTSecret string

	DatabaseURI string
	DBHost      string
	DBPort      string
	DBUser      string
	DBPassword  string
	DBName      string

	RedisHost     string
	RedisPort     int
	RedisDB       int
	RedisPassword string

	RateLimitPerMinute int
	AllowedOrigins     []string

	// Gin framework configuration
	GinMode string
	GinPath string

	// Logging configuration
	LogLevel      string
	LogPath       string
	LogMaxSizeMB  int
	LogMaxBackups int
	LogMaxAgeDays int
	LogCompress   bool

	// Detection provider
	ProviderAPIKey         string
	ProviderBaseURL        string
	ProviderTimeoutSec     int
	ProviderMaxRetries     int
	ProviderBackoffBaseSec int
	ProviderPollIntervalMs int
	ProviderPollMaxChecks  int
	AuthenticThreshold     float64
	DeepfakeThreshold      float64

	// Object storage (media + avatar buckets)
	MinioEndpoint    string
	MinioAccessKey   string
	MinioSecretKey   string
	MinioUseSSL      bool
	MediaBucket      string
	AvatarBucket     string
	MaxMediaSizeMB   int
	MaxAvatarSizeMB  int
	LocalUploadDir   string
	LocalArtifactTTL int // minutes before degraded-mode local files are purged
}

var cfg AppConfig
var loaded bool

// Load loads the application configuration. It should be called once during boot.
// Precedence: config/config.json -> defaults -> environment variable overrides.
func Load() AppConfig {
	if loaded {
		return cfg
	}

	// Optional .env for local development; real deployments use the environment.
	_ = godotenv.Load()

	_ = loadJSONConfig(filepath.Join("config", "config.json"), &cfg)
	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)

	if cfg.JWTSecret == "" {
		log.Fatal("JWT_SECRET must be set in environment variables")
	}

	loaded = true
	return cfg
}

// Get returns the cached configuration, loading it if necessary.
func Get() AppConfig {
	if !loaded {
		return Load()
	}
	return cfg
}

// ProviderTimeout returns the provider call timeout as a duration.
func (c AppConfig) ProviderTimeout() time.Duration {
	return time.Duration(c.ProviderTimeoutSec) * time.Second
}

// ProviderBackoffBase returns the base delay used for linear retry backoff.
func (c AppConfig) ProviderBackoffBase() time.Duration {
	return time.Duration(c.ProviderBackoffBaseSec) * time.Second
}

// ProviderPollInterval returns the delay between result poll attempts.
func (c AppConfig) ProviderPollInterval() time.Duration {
	return time.Duration(c.ProviderPollIntervalMs) * time.Millisecond
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

// loadJSONConfig reads the JSON file into cfg if present. Returns error only for invalid JSON.
func loadJSONConfig(path string, out *AppConfig) error {
	f, err := os.Open(path)
	if err != nil {
		return nil // silently ignore missing file
	}
	defer f.Close()

	var raw map[string]any
	if err := json.NewDecoder(f).Decode(&raw); err != nil {
		return err
	}

	getString := func(m map[string]any, key string) string {
		if v, ok := m[key]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
		return ""
	}
	getInt := func(m map[string]any, key string) int {
		if v, ok := m[key]; ok {
			switch t := v.(type) {
			case float64:
				return int(t)
			case int:
				return t
			}
		}
		return 0
	}
	getFloat := func(m map[string]any, key string) float64 {
		if v, ok := m[key]; ok {
			if f, ok := v.(float64); ok {
				return f
			}
		}
		return 0
	}
	getBool := func(m map[string]any, key string) bool {
		if v, ok := m[key]; ok {
			if b, ok := v.(bool); ok {
				return b
			}
		}
		return false
	}
	getStringSlice := func(m map[string]any, key string) []string {
		if v, ok := m[key]; ok {
			if arr, ok := v.([]any); ok {
				res := make([]string, 0, len(arr))
				for _, it := range arr {
					if s, ok := it.(string); ok {
						res = append(res, s)
					}
				}
				return res
			}
		}
		return nil
	}

	if app, ok := raw["app"].(map[string]any); ok {
		out.AppPort = getString(app, "AppPort")
		out.JWTSecret = getString(app, "JWTSecret")
		if v := getInt(app, "RateLimitPerMinute"); v != 0 {
			out.RateLimitPerMinute = v
		}
		if list := getStringSlice(app, "AllowedOrigins"); len(list) > 0 {
			out.AllowedOrigins = list
		}
	}

	if dbs, ok := raw["database"].(map[string]any); ok {
		out.DatabaseURI = getString(dbs, "DatabaseURI")
		out.DBHost = getString(dbs, "DBHost")
		out.DBPort = getString(dbs, "DBPort")
		out.DBUser = getString(dbs, "DBUser")
		out.DBPassword = getString(dbs, "DBPassword")
		out.DBName = getString(dbs, "DBName")
	}

	if rds, ok := raw["redis"].(map[string]any); ok {
		out.RedisHost = getString(rds, "RedisHost")
		if v := getInt(rds, "RedisPort"); v != 0 {
			out.RedisPort = v
		}
		if v := getInt(rds, "RedisDB"); v != 0 {
			out.RedisDB = v
		}
		out.RedisPassword = getString(rds, "RedisPassword")
	}

	if pr, ok := raw["provider"].(map[string]any); ok {
		out.ProviderAPIKey = getString(pr, "APIKey")
		out.ProviderBaseURL = getString(pr, "BaseURL")
		if v := getInt(pr, "TimeoutSec"); v != 0 {
			out.ProviderTimeoutSec = v
		}
		if v := getInt(pr, "MaxRetries"); v != 0 {
			out.ProviderMaxRetries = v
		}
		if v := getInt(pr, "BackoffBaseSec"); v != 0 {
			out.ProviderBackoffBaseSec = v
		}
		if v := getInt(pr, "PollIntervalMs"); v != 0 {
			out.ProviderPollIntervalMs = v
		}
		if v := getInt(pr, "PollMaxChecks"); v != 0 {
			out.ProviderPollMaxChecks = v
		}
		if v := getFloat(pr, "AuthenticThreshold"); v != 0 {
			out.AuthenticThreshold = v
		}
		if v := getFloat(pr, "DeepfakeThreshold"); v != 0 {
			out.DeepfakeThreshold = v
		}
	}

	if st, ok := raw["storage"].(map[string]any); ok {
		out.MinioEndpoint = getString(st, "Endpoint")
		out.MinioAccessKey = getString(st, "AccessKey")
		out.MinioSecretKey = getString(st, "SecretKey")
		out.MinioUseSSL = getBool(st, "UseSSL")
		if v := getString(st, "MediaBucket"); v != "" {
			out.MediaBucket = v
		}
		if v := getString(st, "AvatarBucket"); v != "" {
			out.AvatarBucket = v
		}
		if v := getInt(st, "MaxMediaSizeMB"); v != 0 {
			out.MaxMediaSizeMB = v
		}
		if v := getInt(st, "MaxAvatarSizeMB"); v != 0 {
			out.MaxAvatarSizeMB = v
		}
		if v := getString(st, "LocalUploadDir"); v != "" {
			out.LocalUploadDir = v
		}
		if v := getInt(st, "LocalArtifactTTL"); v != 0 {
			out.LocalArtifactTTL = v
		}
	}

	if g, ok := raw["gin"].(map[string]any); ok {
		if v := getString(g, "Mode"); v != "" {
			out.GinMode = v
		}
		if v := getString(g, "LogPath"); v != "" {
			out.GinPath = v
		}
	}

	if lg, ok := raw["log"].(map[string]any); ok {
		if v := getString(lg, "Level"); v != "" {
			out.LogLevel = v
		}
		if v := getString(lg, "Path"); v != "" {
			out.LogPath = v
		}
		if v := getInt(lg, "MaxSizeMB"); v != 0 {
			out.LogMaxSizeMB = v
		}
		if v := getInt(lg, "MaxBackups"); v != 0 {
			out.LogMaxBackups = v
		}
		if v := getInt(lg, "MaxAgeDays"); v != 0 {
			out.LogMaxAgeDays = v
		}
		out.LogCompress = getBool(lg, "Compress")
	}

	return nil
}

// applyDefaults sets sane defaults for zero-value fields.
func applyDefaults(c *AppConfig) {
	if c.AppPort == "" {
		c.AppPort = "8080"
	}
	if c.GinMode == "" {
		c.GinMode = "release"
	}
	if c.GinPath == "" {
		c.GinPath = "logs/go_gin.log"
	}
	if c.RateLimitPerMinute == 0 {
		c.RateLimitPerMinute = 60
	}
	if len(c.AllowedOrigins) == 0 {
		c.AllowedOrigins = []string{"*"}
	}
	if c.DBHost == "" {
		c.DBHost = "127.0.0.1"
	}
	if c.DBPort == "" {
		c.DBPort = "3306"
	}
	if c.DBUser == "" {
		c.DBUser = "root"
	}
	if c.DBName == "" {
		c.DBName = "truelens"
	}
	if c.RedisHost == "" {
		c.RedisHost = "127.0.0.1"
	}
	if c.RedisPort == 0 {
		c.RedisPort = 6379
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogMaxSizeMB == 0 {
		c.LogMaxSizeMB = 100
	}
	if c.LogMaxBackups == 0 {
		c.LogMaxBackups = 3
	}
	if c.LogMaxAgeDays == 0 {
		c.LogMaxAgeDays = 7
	}
	if c.ProviderTimeoutSec == 0 {
		c.ProviderTimeoutSec = 30
	}
	if c.ProviderMaxRetries == 0 {
		c.ProviderMaxRetries = 3
	}
	if c.ProviderBackoffBaseSec == 0 {
		c.ProviderBackoffBaseSec = 1
	}
	if c.ProviderPollIntervalMs == 0 {
		c.ProviderPollIntervalMs = 2000
	}
	if c.ProviderPollMaxChecks == 0 {
		c.ProviderPollMaxChecks = 10
	}
	if c.AuthenticThreshold == 0 {
		c.AuthenticThreshold = 75
	}
	if c.DeepfakeThreshold == 0 {
		c.DeepfakeThreshold = 40
	}
	if c.MediaBucket == "" {
		c.MediaBucket = "media"
	}
	if c.AvatarBucket == "" {
		c.AvatarBucket = "avatars"
	}
	if c.MaxMediaSizeMB == 0 {
		c.MaxMediaSizeMB = 100
	}
	if c.MaxAvatarSizeMB == 0 {
		c.MaxAvatarSizeMB = 5
	}
	if c.LocalUploadDir == "" {
		c.LocalUploadDir = "static/uploads"
	}
	if c.LocalArtifactTTL == 0 {
		c.LocalArtifactTTL = 60
	}
}

// applyEnvOverrides maps known environment variables onto config values when present.
func applyEnvOverrides(c *AppConfig) {
	if v := getEnv("APP_PORT", ""); v != "" {
		c.AppPort = v
	}
	if v := getEnv("JWT_SECRET", ""); v != "" {
		c.JWTSecret = v
	}
	if v := getEnv("GIN_MODE", ""); v != "" {
		c.GinMode = v
	}
	if v := getEnv("GIN_PATH", ""); v != "" {
		c.GinPath = v
	}
	if v := getEnv("DATABASE_URI", ""); v != "" {
		c.DatabaseURI = v
	}
	if v := getEnv("DB_HOST", ""); v != "" {
		c.DBHost = v
	}
	if v := getEnv("DB_PORT", ""); v != "" {
		c.DBPort = v
	}
	if v := getEnv("DB_USER", ""); v != "" {
		c.DBUser = v
	}
	if v := getEnv("DB_PASSWORD", ""); v != "" {
		c.DBPassword = v
	}
	if v := getEnv("DB_NAME", ""); v != "" {
		c.DBName = v
	}
	if v := getEnv("REDIS_HOST", ""); v != "" {
		c.RedisHost = v
	}
	if v := getEnv("REDIS_PORT", ""); v != "" {
		c.RedisPort = mustParseInt(v)
	}
	if v := getEnv("REDIS_DB", ""); v != "" {
		c.RedisDB = mustParseInt(v)
	}
	if v := getEnv("REDIS_PASSWORD", ""); v != "" {
		c.RedisPassword = v
	}
	if v := getEnv("RATE_LIMIT_PER_MINUTE", ""); v != "" {
		c.RateLimitPerMinute = mustParseInt(v)
	}
	if v := getEnv("CORS_ALLOWED_ORIGINS", ""); v != "" {
		c.AllowedOrigins = splitAndTrim(v)
	}
	if v := getEnv("PROVIDER_API_KEY", ""); v != "" {
		c.ProviderAPIKey = v
	}
	if v := getEnv("PROVIDER_BASE_URL", ""); v != "" {
		c.ProviderBaseURL = v
	}
	if v := getEnv("PROVIDER_TIMEOUT_SEC", ""); v != "" {
		c.ProviderTimeoutSec = mustParseInt(v)
	}
	if v := getEnv("PROVIDER_MAX_RETRIES", ""); v != "" {
		c.ProviderMaxRetries = mustParseInt(v)
	}
	if v := getEnv("PROVIDER_BACKOFF_BASE_SEC", ""); v != "" {
		c.ProviderBackoffBaseSec = mustParseInt(v)
	}
	if v := getEnv("PROVIDER_POLL_INTERVAL_MS", ""); v != "" {
		c.ProviderPollIntervalMs = mustParseInt(v)
	}
	if v := getEnv("PROVIDER_POLL_MAX_CHECKS", ""); v != "" {
		c.ProviderPollMaxChecks = mustParseInt(v)
	}
	if v := getEnv("DETECTION_AUTHENTIC_THRESHOLD", ""); v != "" {
		c.AuthenticThreshold = mustParseFloat(v)
	}
	if v := getEnv("DETECTION_DEEPFAKE_THRESHOLD", ""); v != "" {
		c.DeepfakeThreshold = mustParseFloat(v)
	}
	if v := getEnv("MINIO_ENDPOINT", ""); v != "" {
		c.MinioEndpoint = v
	}
	if v := getEnv("MINIO_ACCESS_KEY", ""); v != "" {
		c.MinioAccessKey = v
	}
	if v := getEnv("MINIO_SECRET_KEY", ""); v != "" {
		c.MinioSecretKey = v
	}
	if v := getEnv("MINIO_USE_SSL", ""); v != "" {
		c.MinioUseSSL = v == "true"
	}
	if v := getEnv("MEDIA_BUCKET", ""); v != "" {
		c.MediaBucket = v
	}
	if v := getEnv("AVATAR_BUCKET", ""); v != "" {
		c.AvatarBucket = v
	}
	if v := getEnv("MAX_MEDIA_SIZE_MB", ""); v != "" {
		c.MaxMediaSizeMB = mustParseInt(v)
	}
	if v := getEnv("MAX_AVATAR_SIZE_MB", ""); v != "" {
		c.MaxAvatarSizeMB = mustParseInt(v)
	}
	if v := getEnv("LOCAL_UPLOAD_DIR", ""); v != "" {
		c.LocalUploadDir = v
	}
	if v := getEnv("LOCAL_ARTIFACT_TTL_MINUTES", ""); v != "" {
		c.LocalArtifactTTL = mustParseInt(v)
	}
	if v := getEnv("LOG_LEVEL", ""); v != "" {
		c.LogLevel = v
	}
	if v := getEnv("LOG_PATH", ""); v != "" {
		c.LogPath = v
	}
	if v := getEnv("LOG_MAX_SIZE_MB", ""); v != "" {
		c.LogMaxSizeMB = mustParseInt(v)
	}
	if v := getEnv("LOG_MAX_BACKUPS", ""); v != "" {
		c.LogMaxBackups = mustParseInt(v)
	}
	if v := getEnv("LOG_MAX_AGE_DAYS", ""); v != "" {
		c.LogMaxAgeDays = mustParseInt(v)
	}
	if v := getEnv("LOG_COMPRESS", ""); v != "" {
		c.LogCompress = v == "true"
	}
}

func mustParseInt(val string) int {
	i, err := strconv.Atoi(val)
	if err != nil {
		log.Fatalf("invalid integer value %s: %v", val, err)
	}
	return i
}

func mustParseFloat(val string) float64 {
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		log.Fatalf("invalid float value %s: %v", val, err)
	}
	return f
}

func splitAndTrim(raw string) []string {
	items := []string{}
	for _, item := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}
