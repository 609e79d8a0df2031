package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	defaultConfigPath     = "config.json"
	defaultServerAddress  = ":5000"
	defaultTokenTTL       = time.Hour
	defaultSystemPrompt   = "You are a helpful assistant."
	defaultCompletionWait = 60 * time.Second
	defaultMaxMessage     = 32 * 1024
)

// Config represents runtime configuration for the service.
type Config struct {
	Server     ServerConfig     `json:"server" yaml:"server"`
	Auth       AuthConfig       `json:"auth" yaml:"auth"`
	Completion CompletionConfig `json:"completion" yaml:"completion"`
	Storage    StorageConfig    `json:"storage" yaml:"storage"`
	Redis      RedisConfig      `json:"redis" yaml:"redis"`
	Log        LogConfig        `json:"log" yaml:"log"`
	Chat       ChatConfig       `json:"chat" yaml:"chat"`
}

type ServerConfig struct {
	Address           string   `json:"address" yaml:"address"`
	CORSOrigin        string   `json:"cors_origin" yaml:"cors_origin"`
	ReadHeaderTimeout Duration `json:"read_header_timeout" yaml:"read_header_timeout"`
	ShutdownTimeout   Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
}

type AuthConfig struct {
	JWTSecret string   `json:"jwt_secret" yaml:"jwt_secret"`
	TokenTTL  Duration `json:"token_ttl" yaml:"token_ttl"`
}

// CompletionConfig describes the upstream text-completion provider. The
// generation parameters are fixed for every call and are not exposed to clients.
type CompletionConfig struct {
	Provider         string   `json:"provider" yaml:"provider"`
	Model            string   `json:"model" yaml:"model"`
	BaseURL          string   `json:"base_url" yaml:"base_url"`
	APIKey           string   `json:"api_key" yaml:"api_key"`
	Region           string   `json:"region" yaml:"region"`
	SystemPrompt     string   `json:"system_prompt" yaml:"system_prompt"`
	Timeout          Duration `json:"timeout" yaml:"timeout"`
	MaxRetries       *int     `json:"max_retries" yaml:"max_retries"`
	Temperature      *float32 `json:"temperature" yaml:"temperature"`
	MaxTokens        *int     `json:"max_tokens" yaml:"max_tokens"`
	TopP             *float32 `json:"top_p" yaml:"top_p"`
	FrequencyPenalty *float32 `json:"frequency_penalty" yaml:"frequency_penalty"`
	PresencePenalty  *float32 `json:"presence_penalty" yaml:"presence_penalty"`
}

// StorageConfig selects the chat turn store. Driver is one of mongo, sqlite3 or mysql.
type StorageConfig struct {
	Driver   string `json:"driver" yaml:"driver"`
	URI      string `json:"uri" yaml:"uri"`
	Database string `json:"database" yaml:"database"`
	DSN      string `json:"dsn" yaml:"dsn"`
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
}

type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

type ChatConfig struct {
	MaxMessageBytes int `json:"max_message_bytes" yaml:"max_message_bytes"`
}

// Duration accepts either a Go duration string ("90s") or a number of seconds.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalJSON(b []byte) error {
	var raw any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	return d.set(raw)
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw any
	if err := node.Decode(&raw); err != nil {
		return err
	}
	return d.set(raw)
}

func (d *Duration) set(raw any) error {
	switch v := raw.(type) {
	case nil:
		*d = 0
	case float64:
		*d = Duration(time.Duration(v * float64(time.Second)))
	case int:
		*d = Duration(time.Duration(v) * time.Second)
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse duration %q: %w", v, err)
		}
		*d = Duration(parsed)
	default:
		return fmt.Errorf("invalid duration %v", raw)
	}
	return nil
}

// Load reads configuration from the provided path (defaults to config.json),
// applies environment overrides and validates the result. A missing default
// file is tolerated so the service can be configured from the environment alone.
func Load(path string) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	explicit := path != ""
	if !explicit {
		path = defaultConfigPath
	}

	var cfg Config
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	if err := decodeFile(absPath, &cfg); err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}

	applyEnv(&cfg)
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Storage.isSQLite() && cfg.Storage.DSN != ":memory:" && !filepath.IsAbs(cfg.Storage.DSN) && !strings.HasPrefix(cfg.Storage.DSN, "file:") {
		cfg.Storage.DSN = filepath.Join(filepath.Dir(absPath), cfg.Storage.DSN)
	}
	return &cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config %s: %w", path, err)
	}
	defer file.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.NewDecoder(file).Decode(cfg); err != nil {
			return fmt.Errorf("decode config: %w", err)
		}
	default:
		if err := json.NewDecoder(file).Decode(cfg); err != nil {
			return fmt.Errorf("decode config: %w", err)
		}
	}
	return nil
}

func applyEnv(cfg *Config) {
	if port := env("PORT"); port != "" {
		if strings.Contains(port, ":") {
			cfg.Server.Address = port
		} else {
			cfg.Server.Address = ":" + port
		}
	}
	setString(&cfg.Server.CORSOrigin, "CORS_ORIGIN")
	setString(&cfg.Auth.JWTSecret, "JWT_SECRET")
	setString(&cfg.Completion.Provider, "CHATBOT_PROVIDER")
	setString(&cfg.Completion.Model, "CHATBOT_MODEL")
	setString(&cfg.Completion.BaseURL, "CHATBOT_BASE_URL")
	setString(&cfg.Completion.APIKey, "OPENAI_API_KEY")
	setString(&cfg.Completion.APIKey, "CHATBOT_API_KEY")
	setString(&cfg.Storage.Driver, "CHATBOT_DB_DRIVER")
	setString(&cfg.Storage.DSN, "CHATBOT_DB_DSN")
	if uri := env("MONGO_URI"); uri != "" {
		cfg.Storage.URI = uri
		if cfg.Storage.Driver == "" {
			cfg.Storage.Driver = "mongo"
		}
	}
	if addr := env("REDIS_ADDR"); addr != "" {
		host, port, ok := strings.Cut(addr, ":")
		cfg.Redis.Enabled = true
		cfg.Redis.Host = host
		if ok {
			if p, err := strconv.Atoi(port); err == nil {
				cfg.Redis.Port = p
			}
		}
	}
	setString(&cfg.Log.Level, "LOG_LEVEL")
}

func env(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func setString(dst *string, key string) {
	if v := env(key); v != "" {
		*dst = v
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Address == "" {
		c.Server.Address = defaultServerAddress
	}
	if c.Server.ReadHeaderTimeout <= 0 {
		c.Server.ReadHeaderTimeout = Duration(5 * time.Second)
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = Duration(10 * time.Second)
	}
	if c.Auth.TokenTTL <= 0 {
		c.Auth.TokenTTL = Duration(defaultTokenTTL)
	}

	comp := &c.Completion
	comp.Provider = strings.ToLower(strings.TrimSpace(comp.Provider))
	if comp.Provider == "" {
		comp.Provider = "openai"
	}
	if comp.SystemPrompt == "" {
		comp.SystemPrompt = defaultSystemPrompt
	}
	if comp.Timeout <= 0 {
		comp.Timeout = Duration(defaultCompletionWait)
	}
	if comp.MaxRetries == nil {
		comp.MaxRetries = intPtr(1)
	}
	if comp.Temperature == nil {
		comp.Temperature = float32Ptr(1.0)
	}
	if comp.MaxTokens == nil {
		comp.MaxTokens = intPtr(2048)
	}
	if comp.TopP == nil {
		comp.TopP = float32Ptr(1.0)
	}
	if comp.FrequencyPenalty == nil {
		comp.FrequencyPenalty = float32Ptr(0)
	}
	if comp.PresencePenalty == nil {
		comp.PresencePenalty = float32Ptr(0)
	}

	c.Storage.Driver = strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	if c.Storage.Driver == "" {
		c.Storage.Driver = "mongo"
	}
	if c.Storage.Driver == "mongo" && c.Storage.Database == "" {
		c.Storage.Database = "chatbot"
	}
	if c.Redis.Host == "" {
		c.Redis.Host = "127.0.0.1"
	}
	if c.Redis.Port == 0 {
		c.Redis.Port = 6379
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Chat.MaxMessageBytes <= 0 {
		c.Chat.MaxMessageBytes = defaultMaxMessage
	}
}

// Validate reports every missing or invalid required field at once.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Auth.JWTSecret) == "" {
		errs = append(errs, errors.New("auth.jwt_secret (JWT_SECRET) must be configured"))
	}
	switch c.Completion.Provider {
	case "mock":
	case "openai", "claude", "gemini", "ark", "compatible":
		if c.Completion.APIKey == "" {
			errs = append(errs, errors.New("completion.api_key (OPENAI_API_KEY) must be configured"))
		}
		if c.Completion.Provider == "compatible" && c.Completion.BaseURL == "" {
			errs = append(errs, errors.New("completion.base_url must be configured for the compatible provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported completion provider: %s", c.Completion.Provider))
	}
	if c.Completion.MaxRetries != nil && *c.Completion.MaxRetries < 0 {
		errs = append(errs, errors.New("completion.max_retries cannot be negative"))
	}
	switch c.Storage.Driver {
	case "mongo":
		if c.Storage.URI == "" {
			errs = append(errs, errors.New("storage.uri (MONGO_URI) must be configured"))
		}
	case "sqlite", "sqlite3", "mysql":
		if c.Storage.DSN == "" {
			errs = append(errs, errors.New("storage.dsn must be configured"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported storage driver: %s", c.Storage.Driver))
	}
	return errors.Join(errs...)
}

func (s StorageConfig) isSQLite() bool {
	return s.Driver == "sqlite" || s.Driver == "sqlite3"
}

func intPtr(v int) *int             { return &v }
func float32Ptr(v float32) *float32 { return &v }
