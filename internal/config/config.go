package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Log        LogConfig        `yaml:"log"`
	Cache      CacheConfig      `yaml:"cache"`
	Store      StoreConfig      `yaml:"store"`
	Redis      RedisConfig      `yaml:"redis"`
	Generation GenerationConfig `yaml:"generation"`
	Agent      AgentConfig      `yaml:"agent"`
	Assets     AssetsConfig     `yaml:"assets"`
	Production ProductionConfig `yaml:"production"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
	// PublicBaseURL is where the generation service can reach the API,
	// including the /api/v1 prefix.
	PublicBaseURL    string        `yaml:"public_base_url"`
	CallbackSecret   string        `yaml:"callback_secret"`
	CallbackTokenTTL time.Duration `yaml:"callback_token_ttl"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type CacheConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

type StoreConfig struct {
	Driver       string `yaml:"driver"`
	DSN          string `yaml:"dsn"`
	BoltPath     string `yaml:"bolt_path"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	LockTTL  time.Duration `yaml:"lock_ttl"`
}

type GenerationConfig struct {
	Mock          bool          `yaml:"mock"`
	MockDelay     time.Duration `yaml:"mock_delay"`
	MockCallbacks bool          `yaml:"mock_callbacks"`
	BaseURL       string        `yaml:"base_url"`
	APIKey        string        `yaml:"api_key"`
	ImageModel    string        `yaml:"image_model"`
	VideoModel    string        `yaml:"video_model"`
	Timeout       time.Duration `yaml:"timeout"`
	PollRetries   int           `yaml:"poll_retries"`
}

type AgentConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	Region   string `yaml:"region"`
	APIKey   string `yaml:"api_key"`
	Parallel int    `yaml:"parallel"`
}

type AssetsConfig struct {
	Bucket        string `yaml:"bucket"`
	Region        string `yaml:"region"`
	Prefix        string `yaml:"prefix"`
	PublicBaseURL string `yaml:"public_base_url"`
}

type ProductionConfig struct {
	MaxConcurrentSubmits int           `yaml:"max_concurrent_submits"`
	PollParallel         int           `yaml:"poll_parallel"`
	SweepInterval        time.Duration `yaml:"sweep_interval"`
	SweepEnabled         bool          `yaml:"sweep_enabled"`
}

func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:             ":8080",
			PublicBaseURL:    "http://localhost:8080/api/v1",
			CallbackTokenTTL: 72 * time.Hour,
		},
		Log:   LogConfig{Level: "info", Format: "json"},
		Cache: CacheConfig{TTL: time.Hour},
		Store: StoreConfig{Driver: "memory", BoltPath: "data/adstudio.db", MaxOpenConns: 10},
		Redis: RedisConfig{LockTTL: time.Minute},
		Generation: GenerationConfig{
			Mock:          true,
			MockDelay:     3 * time.Second,
			MockCallbacks: true,
			ImageModel:    "google/nano-banana-edit",
			VideoModel:    "veo3_fast",
			Timeout:       30 * time.Second,
			PollRetries:   3,
		},
		Agent: AgentConfig{Provider: "scripted", Region: "us-east-1", Parallel: 4},
		Production: ProductionConfig{
			MaxConcurrentSubmits: 8,
			PollParallel:         4,
			SweepInterval:        30 * time.Second,
			SweepEnabled:         true,
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file and the
// environment, in that order. A .env file in the working directory is read
// first if present. path falls back to $ADSTUDIO_CONFIG.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path == "" {
		path = os.Getenv("ADSTUDIO_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Server.Addr = env("ADSTUDIO_ADDR", c.Server.Addr)
	c.Server.PublicBaseURL = env("ADSTUDIO_PUBLIC_BASE_URL", c.Server.PublicBaseURL)
	c.Server.CallbackSecret = env("ADSTUDIO_CALLBACK_SECRET", c.Server.CallbackSecret)
	c.Server.CallbackTokenTTL = envDuration("ADSTUDIO_CALLBACK_TOKEN_TTL", c.Server.CallbackTokenTTL)

	c.Log.Level = env("ADSTUDIO_LOG_LEVEL", c.Log.Level)
	c.Log.Format = env("ADSTUDIO_LOG_FORMAT", c.Log.Format)

	c.Cache.TTL = envDuration("ADSTUDIO_CACHE_TTL", c.Cache.TTL)

	c.Store.Driver = env("ADSTUDIO_STORE_DRIVER", c.Store.Driver)
	c.Store.DSN = env("DATABASE_URL", c.Store.DSN)
	c.Store.BoltPath = env("ADSTUDIO_BOLT_PATH", c.Store.BoltPath)
	c.Store.MaxOpenConns = envInt("ADSTUDIO_DB_MAX_OPEN_CONNS", c.Store.MaxOpenConns)

	c.Redis.Addr = env("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = env("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = envInt("REDIS_DB", c.Redis.DB)
	c.Redis.LockTTL = envDuration("ADSTUDIO_LOCK_TTL", c.Redis.LockTTL)

	c.Generation.Mock = envBool("ADSTUDIO_GENERATION_MOCK", c.Generation.Mock)
	c.Generation.MockDelay = envDuration("ADSTUDIO_GENERATION_MOCK_DELAY", c.Generation.MockDelay)
	c.Generation.MockCallbacks = envBool("ADSTUDIO_GENERATION_MOCK_CALLBACKS", c.Generation.MockCallbacks)
	c.Generation.BaseURL = env("ADSTUDIO_GENERATION_BASE_URL", c.Generation.BaseURL)
	c.Generation.APIKey = env("ADSTUDIO_GENERATION_API_KEY", c.Generation.APIKey)
	c.Generation.ImageModel = env("ADSTUDIO_GENERATION_IMAGE_MODEL", c.Generation.ImageModel)
	c.Generation.VideoModel = env("ADSTUDIO_GENERATION_VIDEO_MODEL", c.Generation.VideoModel)
	c.Generation.Timeout = envDuration("ADSTUDIO_GENERATION_TIMEOUT", c.Generation.Timeout)
	c.Generation.PollRetries = envInt("ADSTUDIO_GENERATION_POLL_RETRIES", c.Generation.PollRetries)

	c.Agent.Provider = env("ADSTUDIO_AGENT_PROVIDER", c.Agent.Provider)
	c.Agent.Model = env("ADSTUDIO_AGENT_MODEL", c.Agent.Model)
	c.Agent.Region = env("AWS_REGION", c.Agent.Region)
	c.Agent.APIKey = env("GEMINI_API_KEY", c.Agent.APIKey)
	c.Agent.Parallel = envInt("ADSTUDIO_AGENT_PARALLEL", c.Agent.Parallel)

	c.Assets.Bucket = env("ADSTUDIO_ASSETS_BUCKET", c.Assets.Bucket)
	c.Assets.Region = env("ADSTUDIO_ASSETS_REGION", c.Assets.Region)
	c.Assets.Prefix = env("ADSTUDIO_ASSETS_PREFIX", c.Assets.Prefix)
	c.Assets.PublicBaseURL = env("ADSTUDIO_ASSETS_PUBLIC_BASE_URL", c.Assets.PublicBaseURL)

	c.Production.MaxConcurrentSubmits = envInt("ADSTUDIO_MAX_CONCURRENT_SUBMITS", c.Production.MaxConcurrentSubmits)
	c.Production.PollParallel = envInt("ADSTUDIO_POLL_PARALLEL", c.Production.PollParallel)
	c.Production.SweepInterval = envDuration("ADSTUDIO_SWEEP_INTERVAL", c.Production.SweepInterval)
	c.Production.SweepEnabled = envBool("ADSTUDIO_SWEEP_ENABLED", c.Production.SweepEnabled)
}

// Validate reports every inconsistent setting at once.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Server.Addr) == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if !strings.HasPrefix(c.Server.PublicBaseURL, "http://") && !strings.HasPrefix(c.Server.PublicBaseURL, "https://") {
		errs = append(errs, fmt.Errorf("server.public_base_url must be an http(s) URL, got %q", c.Server.PublicBaseURL))
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log.format must be json or console, got %q", c.Log.Format))
	}
	if c.Cache.TTL <= 0 {
		errs = append(errs, errors.New("cache.ttl must be positive"))
	}
	switch c.Store.Driver {
	case "memory":
	case "bolt":
		if c.Store.BoltPath == "" {
			errs = append(errs, errors.New("store.bolt_path is required for the bolt driver"))
		}
	case "postgres":
		if c.Store.DSN == "" {
			errs = append(errs, errors.New("store.dsn (DATABASE_URL) is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver must be memory, bolt or postgres, got %q", c.Store.Driver))
	}
	if !c.Generation.Mock {
		if c.Generation.BaseURL == "" {
			errs = append(errs, errors.New("generation.base_url is required unless generation.mock is set"))
		}
		if c.Generation.APIKey == "" {
			errs = append(errs, errors.New("generation.api_key is required unless generation.mock is set"))
		}
	}
	switch c.Agent.Provider {
	case "scripted":
	case "bedrock":
		if c.Agent.Model == "" || c.Agent.Region == "" {
			errs = append(errs, errors.New("agent.model and agent.region are required for bedrock"))
		}
	case "genai":
		if c.Agent.Model == "" || c.Agent.APIKey == "" {
			errs = append(errs, errors.New("agent.model and agent.api_key are required for genai"))
		}
	default:
		errs = append(errs, fmt.Errorf("agent.provider must be scripted, bedrock or genai, got %q", c.Agent.Provider))
	}
	if c.Assets.Bucket != "" && c.Assets.Region == "" {
		errs = append(errs, errors.New("assets.region is required when assets.bucket is set"))
	}
	if c.Production.SweepEnabled && c.Production.SweepInterval <= 0 {
		errs = append(errs, errors.New("production.sweep_interval must be positive"))
	}
	return errors.Join(errs...)
}

func env(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
