// Package config loads the engine, CLI and server configuration from an
// optional YAML file, a .env file and DATAFLOW_* environment variables, in
// that order of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/flowgraph/dataflow/internal/core/cache"
	"github.com/flowgraph/dataflow/internal/infrastructure/logging"
	"github.com/flowgraph/dataflow/pkg/serialization"
)

// ErrInvalidConfig wraps validation failures.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds all configuration.
type Config struct {
	Log           logging.Config      `yaml:"log"`
	Engine        EngineConfig        `yaml:"engine"`
	Cache         CacheConfig         `yaml:"cache"`
	Store         StoreConfig         `yaml:"store"`
	Serialization SerializationConfig `yaml:"serialization"`
	Server        ServerConfig        `yaml:"server"`
	Tracing       TracingConfig       `yaml:"tracing"`
	OpenAI        OpenAIConfig        `yaml:"openai"`
}

// EngineConfig controls graph runs.
type EngineConfig struct {
	// MaxIterations bounds cyclic graphs; zero leaves acyclic graphs unbounded.
	MaxIterations    int  `yaml:"max_iterations" validate:"gte=0"`
	StreamBuffer     int  `yaml:"stream_buffer" validate:"gte=1"`
	PersistSnapshots bool `yaml:"persist_snapshots"`
}

// CacheConfig selects the vertex and snapshot cache.
type CacheConfig struct {
	Backend     string        `yaml:"backend" validate:"oneof=none memory sqlite postgres"`
	DSN         string        `yaml:"dsn" validate:"required_if=Backend postgres"`
	TableName   string        `yaml:"table_name" validate:"omitempty,sql_identifier"`
	TTL         time.Duration `yaml:"ttl" validate:"gte=0"`
	MaxMemoryMB int64         `yaml:"max_memory_mb" validate:"gte=0"`
}

// StoreConfig selects where saved flows live.
type StoreConfig struct {
	Backend   string `yaml:"backend" validate:"oneof=memory sqlite postgres"`
	DSN       string `yaml:"dsn" validate:"required_if=Backend postgres"`
	TableName string `yaml:"table_name" validate:"omitempty,sql_identifier"`
}

// SerializationConfig selects the snapshot encoding pipeline.
type SerializationConfig struct {
	Codec       string `yaml:"codec" validate:"oneof=json msgpack"`
	Compression string `yaml:"compression" validate:"oneof=none gzip zstd"`
	// Key enables AES-GCM sealing of cached snapshots.
	Key string `yaml:"key" validate:"omitempty,len=16|len=24|len=32"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Addr           string        `yaml:"addr" validate:"required"`
	RequestTimeout time.Duration `yaml:"request_timeout" validate:"gt=0"`
	// Mode is the gin mode.
	Mode string `yaml:"mode" validate:"oneof=debug release test"`
}

// TracingConfig selects the span exporter.
type TracingConfig struct {
	Exporter    string `yaml:"exporter" validate:"oneof=none stdout"`
	ServiceName string `yaml:"service_name" validate:"required"`
}

// OpenAIConfig configures the OpenAI chat component.
type OpenAIConfig struct {
	APIKey      string  `yaml:"api_key"`
	BaseURL     string  `yaml:"base_url" validate:"omitempty,url"`
	Model       string  `yaml:"model" validate:"required"`
	Temperature float32 `yaml:"temperature" validate:"gte=0,lte=2"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Log:    logging.Config{Level: "info", Format: "text"},
		Engine: EngineConfig{StreamBuffer: 16},
		Cache: CacheConfig{
			Backend:     "memory",
			TableName:   "cache_entries",
			MaxMemoryMB: 256,
		},
		Store:         StoreConfig{Backend: "memory", TableName: "flows"},
		Serialization: SerializationConfig{Codec: "msgpack", Compression: "zstd"},
		Server: ServerConfig{
			Addr:           ":8080",
			RequestTimeout: 30 * time.Second,
			Mode:           "release",
		},
		Tracing: TracingConfig{Exporter: "none", ServiceName: "dataflow"},
		OpenAI:  OpenAIConfig{Model: "gpt-4o-mini", Temperature: 0.7},
	}
}

// Load builds the configuration. path names an optional YAML file. envFiles
// are loaded with godotenv without overriding variables already set; when
// none are given a missing ./.env is ignored.
func Load(path string, envFiles ...string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if len(envFiles) == 0 {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load .env: %w", err)
		}
	} else if err := godotenv.Load(envFiles...); err != nil {
		return nil, fmt.Errorf("load env files: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("sql_identifier", func(fl validator.FieldLevel) bool {
		return cache.ValidIdentifier(fl.Field().String())
	})
	return v
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// Serializer builds the configured serialization pipeline.
func (s SerializationConfig) Serializer() (*serialization.Serializer, error) {
	codec, err := serialization.ParseCodec(s.Codec)
	if err != nil {
		return nil, err
	}
	compression, err := serialization.ParseCompression(s.Compression)
	if err != nil {
		return nil, err
	}
	opts := serialization.Options{Codec: codec, Compression: compression}
	if s.Key != "" {
		opts.Key = []byte(s.Key)
	}
	return serialization.New(opts)
}

func (c *Config) applyEnv() error {
	c.Log.Level = getEnvWithDefault("DATAFLOW_LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnvWithDefault("DATAFLOW_LOG_FORMAT", c.Log.Format)

	var err error
	if c.Engine.MaxIterations, err = getEnvAsInt("DATAFLOW_MAX_ITERATIONS", c.Engine.MaxIterations); err != nil {
		return err
	}
	if c.Engine.StreamBuffer, err = getEnvAsInt("DATAFLOW_STREAM_BUFFER", c.Engine.StreamBuffer); err != nil {
		return err
	}
	if c.Engine.PersistSnapshots, err = getEnvAsBool("DATAFLOW_PERSIST_SNAPSHOTS", c.Engine.PersistSnapshots); err != nil {
		return err
	}

	c.Cache.Backend = getEnvWithDefault("DATAFLOW_CACHE_BACKEND", c.Cache.Backend)
	c.Cache.DSN = getEnvWithDefault("DATAFLOW_CACHE_DSN", c.Cache.DSN)
	c.Cache.TableName = getEnvWithDefault("DATAFLOW_CACHE_TABLE", c.Cache.TableName)
	if c.Cache.TTL, err = getEnvAsDuration("DATAFLOW_CACHE_TTL", c.Cache.TTL); err != nil {
		return err
	}
	mb, err := getEnvAsInt("DATAFLOW_CACHE_MAX_MEMORY_MB", int(c.Cache.MaxMemoryMB))
	if err != nil {
		return err
	}
	c.Cache.MaxMemoryMB = int64(mb)

	c.Store.Backend = getEnvWithDefault("DATAFLOW_STORE_BACKEND", c.Store.Backend)
	c.Store.DSN = getEnvWithDefault("DATAFLOW_STORE_DSN", c.Store.DSN)
	c.Store.TableName = getEnvWithDefault("DATAFLOW_STORE_TABLE", c.Store.TableName)

	c.Serialization.Codec = getEnvWithDefault("DATAFLOW_CODEC", c.Serialization.Codec)
	c.Serialization.Compression = getEnvWithDefault("DATAFLOW_COMPRESSION", c.Serialization.Compression)
	c.Serialization.Key = getEnvWithDefault("DATAFLOW_ENCRYPTION_KEY", c.Serialization.Key)

	c.Server.Addr = getEnvWithDefault("DATAFLOW_SERVER_ADDR", c.Server.Addr)
	c.Server.Mode = getEnvWithDefault("DATAFLOW_SERVER_MODE", c.Server.Mode)
	if c.Server.RequestTimeout, err = getEnvAsDuration("DATAFLOW_REQUEST_TIMEOUT", c.Server.RequestTimeout); err != nil {
		return err
	}

	c.Tracing.Exporter = getEnvWithDefault("DATAFLOW_TRACE_EXPORTER", c.Tracing.Exporter)
	c.Tracing.ServiceName = getEnvWithDefault("DATAFLOW_SERVICE_NAME", c.Tracing.ServiceName)

	c.OpenAI.APIKey = getEnvWithDefault("OPENAI_API_KEY", c.OpenAI.APIKey)
	c.OpenAI.APIKey = getEnvWithDefault("DATAFLOW_OPENAI_API_KEY", c.OpenAI.APIKey)
	c.OpenAI.BaseURL = getEnvWithDefault("DATAFLOW_OPENAI_BASE_URL", c.OpenAI.BaseURL)
	c.OpenAI.Model = getEnvWithDefault("DATAFLOW_OPENAI_MODEL", c.OpenAI.Model)
	return nil
}

// Helper functions for environment variable parsing

func getEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) (int, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return value, nil
}

func getEnvAsBool(key string, defaultValue bool) (bool, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return value, nil
}

func getEnvAsDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return value, nil
}
