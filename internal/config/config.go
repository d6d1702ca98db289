package config

import (
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
)

type Config struct {
	Server ServerConfig
	DB     DBConfig
	Log    LogConfig
	Engine EngineConfig
	Blob   BlobConfig
	LLM    LLMConfig
}

type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8080"`
}

type DBConfig struct {
	URL string `envconfig:"DATABASE_URL"`
}

type LogConfig struct {
	Level  string `envconfig:"LOG_LEVEL" default:"info"`
	Format string `envconfig:"LOG_FORMAT" default:"text"`
}

type EngineConfig struct {
	MaxConcurrentActivities    int           `envconfig:"MAX_CONCURRENT_ACTIVITIES" default:"10"`
	MaxConcurrentWorkflowTasks int           `envconfig:"MAX_CONCURRENT_WORKFLOW_TASKS" default:"10"`
	ActivityTimeout            time.Duration `envconfig:"ACTIVITY_TIMEOUT" default:"60s"`
}

type BlobConfig struct {
	Backend  string `envconfig:"BLOB_BACKEND" default:"fs"`
	Dir      string `envconfig:"BLOB_DIR" default:"./data/blobs"`
	S3Bucket string `envconfig:"S3_BUCKET"`
	S3Prefix string `envconfig:"S3_PREFIX"`
}

// LLMConfig configures the cover letter generator. An empty base URL or key
// leaves generation unconfigured and cover letters fail.
type LLMConfig struct {
	BaseURL           string        `envconfig:"LLM_BASE_URL"`
	APIKey            string        `envconfig:"LLM_API_KEY"`
	Model             string        `envconfig:"LLM_MODEL" default:"gpt-4o-mini"`
	Timeout           time.Duration `envconfig:"LLM_TIMEOUT" default:"60s"`
	MaxAttempts       int           `envconfig:"LLM_MAX_ATTEMPTS" default:"3"`
	RequestsPerMinute int           `envconfig:"LLM_REQUESTS_PER_MINUTE" default:"30"`
}

// Load reads envFile (when present) into the environment without overriding
// variables already set, then processes the environment.
func Load(envFile string) (Config, error) {
	if envFile != "" {
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err != nil {
				return Config{}, errors.Wrapf(err, "failed to load %s", envFile)
			}
		}
	}
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, errors.Wrap(err, "failed to process env config")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Blob.Backend {
	case "fs":
		if c.Blob.Dir == "" {
			return errors.New("BLOB_DIR is required for the fs blob backend")
		}
	case "s3":
		if c.Blob.S3Bucket == "" {
			return errors.New("S3_BUCKET is required for the s3 blob backend")
		}
	default:
		return errors.Errorf("unknown BLOB_BACKEND %q", c.Blob.Backend)
	}
	if c.Engine.MaxConcurrentActivities <= 0 || c.Engine.MaxConcurrentWorkflowTasks <= 0 {
		return errors.New("engine concurrency limits must be positive")
	}
	if c.LLM.MaxAttempts <= 0 {
		return errors.New("LLM_MAX_ATTEMPTS must be positive")
	}
	return nil
}
