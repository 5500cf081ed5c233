package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	// Import godotenv for loading .env files
	_ "github.com/joho/godotenv/autoload"
)

type Config struct {
	Server    ServerConfig    `json:"server"`
	Database  DatabaseConfig  `json:"database"`
	Store     StoreConfig     `json:"store"`
	Capture   CaptureConfig   `json:"capture"`
	RTMP      RTMPConfig      `json:"rtmp"`
	Recording RecordingConfig `json:"recording"`
	Export    ExportConfig    `json:"export"`
	Security  SecurityConfig  `json:"security"`
	Log       LogConfig       `json:"log"`
}

type ServerConfig struct {
	Port         int           `json:"port"`
	Host         string        `json:"host"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout"`
}

type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     string `json:"port"`
	Name     string `json:"name"`
	Username string `json:"username"`
	Password string `json:"password"`
	URI      string `json:"uri"` // Full connection URI
}

// StoreConfig selects and tunes the chunk store backend.
type StoreConfig struct {
	Backend     string `json:"backend"` // badger, mongo or memory
	Path        string `json:"path"`    // badger directory
	Collection  string `json:"collection"`
	SyncWrites  bool   `json:"sync_writes"`
	ResetOnOpen bool   `json:"reset_on_open"`
}

type CaptureConfig struct {
	Source      string        `json:"source"` // ffmpeg or rtmp
	FFmpegPath  string        `json:"ffmpeg_path"`
	InputFormat string        `json:"input_format"`
	VideoInput  string        `json:"video_input"`
	AudioFormat string        `json:"audio_format"`
	AudioInput  string        `json:"audio_input"`
	FrameRate   int           `json:"frame_rate"`
	Timeslice   time.Duration `json:"timeslice"`
	FlushGrace  time.Duration `json:"flush_grace"`
	StopTimeout time.Duration `json:"stop_timeout"`
}

type RTMPConfig struct {
	Addr           string        `json:"addr"`
	StreamKey      string        `json:"stream_key"`
	AcquireTimeout time.Duration `json:"acquire_timeout"`
}

type RecordingConfig struct {
	WindowMinutes int `json:"window_minutes"`
}

type ExportConfig struct {
	Dir    string `json:"dir"`
	GridFS bool   `json:"gridfs"`
	Bucket string `json:"bucket"`
}

type SecurityConfig struct {
	CORSOrigins []string      `json:"cors_origins"`
	RateLimit   int           `json:"rate_limit"`
	RateWindow  time.Duration `json:"rate_window"`
	JWTSecret   string        `json:"-"`
	JWTIssuer   string        `json:"jwt_issuer"`
}

type LogConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// Load reads the configuration from environment variables and the .env file.
func Load() (*Config, error) {
	config := &Config{}

	if err := config.loadServerConfig(); err != nil {
		return nil, fmt.Errorf("failed to load server config: %w", err)
	}

	config.loadDatabaseConfig()
	config.loadStoreConfig()
	config.loadCaptureConfig()
	config.loadRTMPConfig()
	config.loadRecordingConfig()
	config.loadExportConfig()
	config.loadSecurityConfig()
	config.loadLogConfig()

	return config, nil
}

func (c *Config) loadServerConfig() error {
	portStr := getEnv("PORT", "8080")
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("invalid port: %w", err)
	}

	c.Server = ServerConfig{
		Port:         port,
		Host:         getEnv("HOST", "127.0.0.1"),
		ReadTimeout:  getDurationEnv("READ_TIMEOUT", 10*time.Second),
		WriteTimeout: getDurationEnv("WRITE_TIMEOUT", 60*time.Second),
		IdleTimeout:  getDurationEnv("IDLE_TIMEOUT", 60*time.Second),
	}
	return nil
}

func (c *Config) loadDatabaseConfig() {
	c.Database = DatabaseConfig{
		Host:     getEnv("DB_HOST", "localhost"),
		Port:     getEnv("DB_PORT", "27017"),
		Name:     getEnv("DB_NAME", "screenkeep"),
		Username: getEnv("DB_USERNAME", ""),
		Password: getEnv("DB_PASSWORD", ""),
		URI:      getEnv("DB_URI", ""),
	}

	if c.Database.URI != "" {
		return
	}
	if c.Database.Username != "" && c.Database.Password != "" {
		c.Database.URI = fmt.Sprintf("mongodb://%s:%s@%s:%s", c.Database.Username, c.Database.Password, c.Database.Host, c.Database.Port)
	} else {
		c.Database.URI = fmt.Sprintf("mongodb://%s:%s", c.Database.Host, c.Database.Port)
	}
}

func (c *Config) loadStoreConfig() {
	c.Store = StoreConfig{
		Backend:     strings.ToLower(getEnv("STORE_BACKEND", "badger")),
		Path:        getEnv("STORE_PATH", "storage/chunks"),
		Collection:  getEnv("STORE_COLLECTION", "recording_chunks"),
		SyncWrites:  getBoolEnv("STORE_SYNC_WRITES", true),
		ResetOnOpen: getBoolEnv("STORE_RESET_ON_OPEN", false),
	}
}

func (c *Config) loadCaptureConfig() {
	c.Capture = CaptureConfig{
		Source:      strings.ToLower(getEnv("CAPTURE_SOURCE", "ffmpeg")),
		FFmpegPath:  getEnv("FFMPEG_PATH", "ffmpeg"),
		InputFormat: getEnv("CAPTURE_INPUT_FORMAT", "x11grab"),
		VideoInput:  getEnv("CAPTURE_VIDEO_INPUT", ":0.0"),
		AudioFormat: getEnv("CAPTURE_AUDIO_FORMAT", "pulse"),
		AudioInput:  getEnv("CAPTURE_AUDIO_INPUT", "default"),
		FrameRate:   getIntEnv("CAPTURE_FRAME_RATE", 15),
		Timeslice:   getDurationEnv("CAPTURE_TIMESLICE", 10*time.Second),
		FlushGrace:  getDurationEnv("CAPTURE_FLUSH_GRACE", 200*time.Millisecond),
		StopTimeout: getDurationEnv("CAPTURE_STOP_TIMEOUT", 5*time.Second),
	}
}

func (c *Config) loadRTMPConfig() {
	c.RTMP = RTMPConfig{
		Addr:           getEnv("RTMP_ADDR", "127.0.0.1:1935"),
		StreamKey:      getEnv("RTMP_STREAM_KEY", "screen"),
		AcquireTimeout: getDurationEnv("RTMP_ACQUIRE_TIMEOUT", 30*time.Second),
	}
}

func (c *Config) loadRecordingConfig() {
	c.Recording = RecordingConfig{
		WindowMinutes: getIntEnv("RECORDING_WINDOW_MINUTES", 15),
	}
}

func (c *Config) loadExportConfig() {
	c.Export = ExportConfig{
		Dir:    getEnv("EXPORT_DIR", "storage/recordings"),
		GridFS: getBoolEnv("EXPORT_GRIDFS", false),
		Bucket: getEnv("EXPORT_GRIDFS_BUCKET", "recordings"),
	}
}

func (c *Config) loadSecurityConfig() {
	corsOriginsStr := getEnv("CORS_ORIGINS", "*")
	var corsOrigins []string
	if corsOriginsStr != "*" {
		for _, origin := range strings.Split(corsOriginsStr, ",") {
			corsOrigins = append(corsOrigins, strings.TrimSpace(origin))
		}
	} else {
		corsOrigins = []string{"*"}
	}

	c.Security = SecurityConfig{
		CORSOrigins: corsOrigins,
		RateLimit:   getIntEnv("RATE_LIMIT", 120),
		RateWindow:  getDurationEnv("RATE_WINDOW", 1*time.Minute),
		JWTSecret:   getEnv("JWT_SECRET", ""),
		JWTIssuer:   getEnv("JWT_ISSUER", "screenkeep"),
	}
}

func (c *Config) loadLogConfig() {
	c.Log = LogConfig{
		Level:  getEnv("LOG_LEVEL", "info"),
		Format: getEnv("LOG_FORMAT", "console"),
	}
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

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
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
	switch c.Store.Backend {
	case "badger":
		if c.Store.Path == "" {
			return fmt.Errorf("store path is required for the badger backend")
		}
	case "mongo":
		if c.Database.URI == "" {
			return fmt.Errorf("database uri is required for the mongo backend")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown store backend: %q", c.Store.Backend)
	}
	switch c.Capture.Source {
	case "ffmpeg", "rtmp":
	default:
		return fmt.Errorf("unknown capture source: %q", c.Capture.Source)
	}
	if c.Capture.Timeslice <= 0 {
		return fmt.Errorf("capture timeslice must be positive")
	}
	if c.Capture.FlushGrace < 0 {
		return fmt.Errorf("capture flush grace must not be negative")
	}
	if c.Recording.WindowMinutes <= 0 {
		return fmt.Errorf("recording window must be at least one minute")
	}
	if c.Export.Dir == "" && !c.Export.GridFS {
		return fmt.Errorf("at least one export target is required")
	}

	return nil
}
