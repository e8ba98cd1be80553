package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	// Import godotenv for loading .env files
	_ "github.com/joho/godotenv/autoload"

	"streamvault/internal/policy"
)

type Config struct {
	Server   ServerConfig   `json:"server"`
	Database DatabaseConfig `json:"database"`
	Storage  StorageConfig  `json:"storage"`
	Policy   PolicyConfig   `json:"policy"`
	Schedule ScheduleConfig `json:"schedule"`
	Recorder RecorderConfig `json:"recorder"`
	Ingest   IngestConfig   `json:"ingest"`
	Auth     AuthConfig     `json:"-"`
	Security SecurityConfig `json:"security"`
	Log      LogConfig      `json:"log"`
}

type ServerConfig struct {
	Port         int           `json:"port"`
	Host         string        `json:"host"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout"`
}

type DatabaseConfig struct {
	URI  string `json:"-"` // empty keeps the journal in memory
	Name string `json:"name"`
}

type StorageConfig struct {
	MediaPath string `json:"media_path"`
	Extension string `json:"extension"`
}

type PolicyConfig struct {
	MaxAgeDays       float64 `json:"max_age_days"`
	MaxSpaceMB       int64   `json:"max_space_mb"` // 0 = unlimited
	RotationStrategy string  `json:"rotation_strategy"`
	FilenameFormat   string  `json:"filename_format"`
	Enabled          bool    `json:"enabled"`
	AutoRecord       bool    `json:"auto_record"`
	OverridesFile    string  `json:"overrides_file"`

	Overrides map[string]policy.Override `json:"cameras"`
}

type ScheduleConfig struct {
	CheckInterval       time.Duration `json:"check_interval"`
	CleanupInterval     time.Duration `json:"cleanup_interval"`
	CleanupInitialDelay time.Duration `json:"cleanup_initial_delay"`
}

type RecorderConfig struct {
	FFmpegPath        string        `json:"ffmpeg_path"`
	ExtraArgs         []string      `json:"extra_args"`
	SourceURLTemplate string        `json:"source_url_template"`
	StartDelay        time.Duration `json:"start_delay"`
	ShutdownGrace     time.Duration `json:"shutdown_grace"`
}

type IngestConfig struct {
	RTMPNotifyAddr string `json:"rtmp_notify_addr"` // empty disables the listener
	RTMPApp        string `json:"rtmp_app"`
	HooksEnabled   bool   `json:"hooks_enabled"`
}

type AuthConfig struct {
	User         string
	Password     string
	PasswordHash string // bcrypt, takes precedence over Password
}

type SecurityConfig struct {
	CORSOrigins []string      `json:"cors_origins"`
	RateLimit   int           `json:"rate_limit"`
	RateWindow  time.Duration `json:"rate_window"`
}

type LogConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// LoadConfig loads config from environment variables and the .env file.
func LoadConfig() (*Config, error) {
	config := &Config{}

	if err := config.loadServerConfig(); err != nil {
		return nil, fmt.Errorf("failed to load server config: %w", err)
	}

	config.loadDatabaseConfig()
	config.loadStorageConfig()

	if err := config.loadPolicyConfig(); err != nil {
		return nil, fmt.Errorf("failed to load policy config: %w", err)
	}

	config.loadScheduleConfig()
	config.loadRecorderConfig()
	config.loadIngestConfig()
	config.loadAuthConfig()
	config.loadSecurityConfig()
	config.loadLogConfig()

	return config, nil
}

func (c *Config) loadServerConfig() error {
	portStr := getEnv("PORT", "8096")
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("invalid port: %w", err)
	}

	c.Server = ServerConfig{
		Port:         port,
		Host:         getEnv("HOST", "0.0.0.0"),
		ReadTimeout:  getDurationEnv("READ_TIMEOUT", 10*time.Second),
		WriteTimeout: getDurationEnv("WRITE_TIMEOUT", 10*time.Second),
		IdleTimeout:  getDurationEnv("IDLE_TIMEOUT", 60*time.Second),
	}
	return nil
}

func (c *Config) loadDatabaseConfig() {
	c.Database = DatabaseConfig{
		URI:  getEnv("DB_URI", ""),
		Name: getEnv("DB_NAME", "streamvault"),
	}
}

func (c *Config) loadStorageConfig() {
	c.Storage = StorageConfig{
		MediaPath: getEnv("MEDIA_PATH", "media"),
		Extension: getEnv("RECORDING_EXT", ".mp4"),
	}
}

func (c *Config) loadPolicyConfig() error {
	c.Policy = PolicyConfig{
		MaxAgeDays:       getFloatEnv("RECORDING_MAX_AGE_DAYS", 7),
		MaxSpaceMB:       getInt64Env("RECORDING_MAX_SPACE_MB", 0),
		RotationStrategy: getEnv("RECORDING_ROTATION", string(policy.OldestFirst)),
		FilenameFormat:   getEnv("RECORDING_FILENAME_FORMAT", policy.DefaultFilenameTemplate),
		Enabled:          getBoolEnv("RECORDING_ENABLED", true),
		AutoRecord:       getBoolEnv("AUTO_RECORD", true),
		OverridesFile:    getEnv("STREAM_POLICY_FILE", ""),
	}

	if c.Policy.OverridesFile == "" {
		return nil
	}
	overrides, err := LoadOverrides(c.Policy.OverridesFile)
	if err != nil {
		return err
	}
	c.Policy.Overrides = overrides
	return nil
}

func (c *Config) loadScheduleConfig() {
	c.Schedule = ScheduleConfig{
		CheckInterval:       getDurationEnv("CHECK_INTERVAL", 60*time.Minute),
		CleanupInterval:     getDurationEnv("CLEANUP_INTERVAL", 24*time.Hour),
		CleanupInitialDelay: getDurationEnv("CLEANUP_INITIAL_DELAY", 10*time.Second),
	}
}

func (c *Config) loadRecorderConfig() {
	c.Recorder = RecorderConfig{
		FFmpegPath:        getEnv("FFMPEG_PATH", "ffmpeg"),
		ExtraArgs:         strings.Fields(getEnv("FFMPEG_EXTRA_ARGS", "")),
		SourceURLTemplate: getEnv("SOURCE_URL_TEMPLATE", "rtmp://localhost:1936/live/{streamName}"),
		StartDelay:        getDurationEnv("START_DELAY", 2*time.Second),
		ShutdownGrace:     getDurationEnv("SHUTDOWN_GRACE", 5*time.Second),
	}
}

func (c *Config) loadIngestConfig() {
	c.Ingest = IngestConfig{
		RTMPNotifyAddr: getEnv("RTMP_NOTIFY_ADDR", ""),
		RTMPApp:        getEnv("RTMP_APP", "live"),
		HooksEnabled:   getBoolEnv("HOOKS_ENABLED", true),
	}
}

func (c *Config) loadAuthConfig() {
	c.Auth = AuthConfig{
		User:         getEnv("API_USER", "admin"),
		Password:     getEnv("API_PASS", ""),
		PasswordHash: getEnv("API_PASS_BCRYPT", ""),
	}
}

func (c *Config) loadSecurityConfig() {
	corsOriginsStr := getEnv("CORS_ORIGINS", "*")
	var corsOrigins []string
	if corsOriginsStr != "*" {
		for _, origin := range strings.Split(corsOriginsStr, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				corsOrigins = append(corsOrigins, origin)
			}
		}
	} else {
		corsOrigins = []string{"*"}
	}
	c.Security = SecurityConfig{
		CORSOrigins: corsOrigins,
		RateLimit:   getIntEnv("RATE_LIMIT", 100),
		RateWindow:  getDurationEnv("RATE_WINDOW", 1*time.Minute),
	}
}

func (c *Config) loadLogConfig() {
	c.Log = LogConfig{
		Level:  getEnv("LOG_LEVEL", "info"),
		Format: getEnv("LOG_FORMAT", "json"),
	}
}

// GlobalPolicy converts the global section into an effective policy.
func (c *Config) GlobalPolicy() policy.Policy {
	strategy, err := policy.ParseRotationStrategy(c.Policy.RotationStrategy)
	if err != nil {
		strategy = policy.OldestFirst
	}
	return policy.Policy{
		MaxAge:           time.Duration(c.Policy.MaxAgeDays * float64(policy.Day)),
		MaxSpaceBytes:    c.Policy.MaxSpaceMB * 1024 * 1024,
		Enabled:          c.Policy.Enabled,
		AutoRecord:       c.Policy.AutoRecord,
		RotationStrategy: strategy,
		FilenameTemplate: c.Policy.FilenameFormat,
	}
}

// Resolver builds the policy resolver from the global section and the overrides.
func (c *Config) Resolver() *policy.Resolver {
	return policy.NewResolver(c.GlobalPolicy(), c.Policy.Overrides)
}

// SourceURL renders the pull URL of a stream.
func (c *Config) SourceURL(streamID string) string {
	return strings.ReplaceAll(c.Recorder.SourceURLTemplate, "{streamName}", streamID)
}

func getEnv(key string, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getInt64Env(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}
	if c.Storage.MediaPath == "" {
		return fmt.Errorf("media path is required")
	}
	if c.Policy.MaxAgeDays < 0 {
		return fmt.Errorf("max age must not be negative: %v", c.Policy.MaxAgeDays)
	}
	if c.Policy.MaxSpaceMB < 0 {
		return fmt.Errorf("max space must not be negative: %d", c.Policy.MaxSpaceMB)
	}
	if _, err := policy.ParseRotationStrategy(c.Policy.RotationStrategy); err != nil {
		return err
	}
	if !strings.Contains(c.Policy.FilenameFormat, "{timestamp}") {
		return fmt.Errorf("filename format must contain {timestamp}: %q", c.Policy.FilenameFormat)
	}
	for id, o := range c.Policy.Overrides {
		if err := o.Validate(); err != nil {
			return fmt.Errorf("camera %s: %w", id, err)
		}
	}
	if c.Schedule.CheckInterval <= 0 || c.Schedule.CleanupInterval <= 0 {
		return fmt.Errorf("schedule intervals must be positive")
	}
	if c.Recorder.FFmpegPath == "" {
		return fmt.Errorf("ffmpeg path is required")
	}

	return nil
}

// ValidateAPI checks the settings only the HTTP server needs.
func (c *Config) ValidateAPI() error {
	if c.Auth.User == "" {
		return fmt.Errorf("API_USER is required")
	}
	if c.Auth.Password == "" && c.Auth.PasswordHash == "" {
		return fmt.Errorf("API_PASS or API_PASS_BCRYPT is required")
	}
	return nil
}
