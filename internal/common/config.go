package common

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Server   ServerConfig   `mapstructure:"server"`
	Imaging  ImagingConfig  `mapstructure:"imaging"`
	OCR      OCRConfig      `mapstructure:"ocr"`
	LLM      LLMConfig      `mapstructure:"llm"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Sync     SyncConfig     `mapstructure:"sync"`
	Remote   RemoteConfig   `mapstructure:"remote"`
}

// DatabaseConfig holds local store configuration
type DatabaseConfig struct {
	Path        string        `mapstructure:"path"`
	BusyTimeout time.Duration `mapstructure:"busy_timeout"`
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	GRPCAddr string `mapstructure:"grpc_addr"`
	HTTPAddr string `mapstructure:"http_addr"`
}

// ImagingConfig bounds and shapes the normalized image
type ImagingConfig struct {
	MaxInputMB      int     `mapstructure:"max_input_mb"`
	MaxPixels       int     `mapstructure:"max_pixels"`
	MaxDimension    int     `mapstructure:"max_dimension"`
	CropThreshold   float64 `mapstructure:"crop_threshold"`
	CropMinMargin   int     `mapstructure:"crop_min_margin"`
	DisableCropping bool    `mapstructure:"disable_cropping"`
}

// OCRConfig holds OCR-related configuration
type OCRConfig struct {
	Tesseract   string        `mapstructure:"tesseract"`
	Lang        string        `mapstructure:"lang"`
	TessdataDir string        `mapstructure:"tessdata_dir"`
	PSM         int           `mapstructure:"psm"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// LLMConfig holds LLM-related configuration
type LLMConfig struct {
	BaseURL         string        `mapstructure:"base_url"`
	Model           string        `mapstructure:"model"`
	APIKey          string        `mapstructure:"api_key"`
	Temperature     float32       `mapstructure:"temperature"`
	Timeout         time.Duration `mapstructure:"timeout"`
	ReviewThreshold float32       `mapstructure:"review_threshold"`
	OCRWeight       float32       `mapstructure:"ocr_weight"`
	MaxOCRChars     int           `mapstructure:"max_ocr_chars"`
	DefaultCurrency string        `mapstructure:"default_currency"`
}

// PipelineConfig sizes the capture worker pool
type PipelineConfig struct {
	Workers   int `mapstructure:"workers"`
	QueueSize int `mapstructure:"queue_size"`
}

// SyncConfig drives the background sync engine
type SyncConfig struct {
	Policy         string        `mapstructure:"policy"`
	Concurrency    int           `mapstructure:"concurrency"`
	BatchSize      int           `mapstructure:"batch_size"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	OpTimeout      time.Duration `mapstructure:"op_timeout"`
}

// RemoteConfig selects the remote document store
type RemoteConfig struct {
	Kind    string        `mapstructure:"kind"` // http | postgres | memory
	BaseURL string        `mapstructure:"base_url"`
	DSN     string        `mapstructure:"dsn"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// envAliases keeps the historical variable names working next to SCANSYNC_* keys.
var envAliases = map[string]string{
	"database.path":    "DB_PATH",
	"server.grpc_addr": "GRPC_ADDR",
	"ocr.tessdata_dir": "TESSDATA_PREFIX",
	"llm.api_key":      "OPENAI_API_KEY",
	"llm.model":        "OPENAI_MODEL",
	"llm.base_url":     "OPENAI_BASE_URL",
	"llm.temperature":  "OPENAI_TEMPERATURE",
	"llm.timeout":      "OPENAI_TIMEOUT",
	"remote.base_url":  "REMOTE_URL",
	"remote.dsn":       "REMOTE_DB_URL",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "./scansync.db")
	v.SetDefault("database.busy_timeout", 5*time.Second)

	v.SetDefault("server.grpc_addr", ":8080")
	v.SetDefault("server.http_addr", ":8090")

	v.SetDefault("imaging.max_input_mb", 20)
	v.SetDefault("imaging.max_pixels", 40_000_000)
	v.SetDefault("imaging.max_dimension", 2400)
	v.SetDefault("imaging.crop_threshold", 0.92)
	v.SetDefault("imaging.crop_min_margin", 8)
	v.SetDefault("imaging.disable_cropping", false)

	v.SetDefault("ocr.tesseract", "tesseract")
	v.SetDefault("ocr.lang", "eng")
	v.SetDefault("ocr.tessdata_dir", "")
	v.SetDefault("ocr.psm", 6)
	v.SetDefault("ocr.timeout", 30*time.Second)

	v.SetDefault("llm.base_url", "https://api.openai.com/v1")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.temperature", 0.0)
	v.SetDefault("llm.timeout", 45*time.Second)
	v.SetDefault("llm.review_threshold", 0.6)
	v.SetDefault("llm.ocr_weight", 0.6)
	v.SetDefault("llm.max_ocr_chars", 3000)
	v.SetDefault("llm.default_currency", "USD")

	v.SetDefault("pipeline.workers", 4)
	v.SetDefault("pipeline.queue_size", 64)

	v.SetDefault("sync.policy", "timestamp")
	v.SetDefault("sync.concurrency", 4)
	v.SetDefault("sync.batch_size", 64)
	v.SetDefault("sync.poll_interval", 30*time.Second)
	v.SetDefault("sync.initial_backoff", time.Second)
	v.SetDefault("sync.max_backoff", 5*time.Minute)
	v.SetDefault("sync.max_attempts", 8)
	v.SetDefault("sync.op_timeout", 20*time.Second)

	v.SetDefault("remote.kind", "http")
	v.SetDefault("remote.base_url", "http://localhost:8090")
	v.SetDefault("remote.dsn", "")
	v.SetDefault("remote.token", "")
	v.SetDefault("remote.timeout", 15*time.Second)
}

// LoadConfig loads configuration from defaults, an optional config file and the environment.
// Environment keys use the SCANSYNC_ prefix (SCANSYNC_SYNC_MAX_ATTEMPTS); a few legacy names
// such as OPENAI_API_KEY and DB_PATH are honoured as well.
func LoadConfig(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, NewAppError("CONFIG_ERROR", "read config file", err)
		}
	}

	v.SetEnvPrefix("SCANSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range envAliases {
		if err := v.BindEnv(key, "SCANSYNC_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env); err != nil {
			return nil, NewAppError("CONFIG_ERROR", "bind env "+env, err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, NewAppError("CONFIG_ERROR", "unmarshal config", err)
	}
	return &c, nil
}

// Validate validates the loaded configuration
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return NewAppError("CONFIG_ERROR", "database.path (DB_PATH) is required", ErrInvalidInput)
	}
	if c.Server.GRPCAddr == "" {
		return NewAppError("CONFIG_ERROR", "server.grpc_addr (GRPC_ADDR) is required", ErrInvalidInput)
	}
	if c.LLM.APIKey == "" {
		return NewAppError("CONFIG_ERROR", "llm.api_key (OPENAI_API_KEY) is required", ErrInvalidInput)
	}
	if c.LLM.ReviewThreshold < 0 || c.LLM.ReviewThreshold > 1 {
		return NewAppError("CONFIG_ERROR", "llm.review_threshold must be within [0,1]", ErrInvalidInput)
	}
	if c.LLM.OCRWeight < 0 || c.LLM.OCRWeight > 1 {
		return NewAppError("CONFIG_ERROR", "llm.ocr_weight must be within [0,1]", ErrInvalidInput)
	}
	switch c.Sync.Policy {
	case "timestamp", "revision":
	default:
		return NewAppError("CONFIG_ERROR", fmt.Sprintf("sync.policy %q must be timestamp or revision", c.Sync.Policy), ErrInvalidInput)
	}
	if c.Sync.MaxAttempts <= 0 {
		return NewAppError("CONFIG_ERROR", "sync.max_attempts must be positive", ErrInvalidInput)
	}
	switch c.Remote.Kind {
	case "http":
		if c.Remote.BaseURL == "" {
			return NewAppError("CONFIG_ERROR", "remote.base_url (REMOTE_URL) is required for the http remote", ErrInvalidInput)
		}
	case "postgres":
		if c.Remote.DSN == "" {
			return NewAppError("CONFIG_ERROR", "remote.dsn (REMOTE_DB_URL) is required for the postgres remote", ErrInvalidInput)
		}
	case "memory":
	default:
		return NewAppError("CONFIG_ERROR", fmt.Sprintf("remote.kind %q must be http, postgres or memory", c.Remote.Kind), ErrInvalidInput)
	}
	return nil
}
