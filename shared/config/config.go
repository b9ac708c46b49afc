package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	ExecutionReal      = "real"
	ExecutionSimulated = "simulated"
)

type Config struct {
	HTTP struct {
		Addr      string `yaml:"addr"`
		PublicURL string `yaml:"public_url"`
	} `yaml:"http"`

	Log struct {
		Level       string `yaml:"level"`
		Development bool   `yaml:"development"`
	} `yaml:"log"`

	Storage struct {
		Driver string `yaml:"driver"` // memory, redis, sql
		Redis  struct {
			Addr     string `yaml:"addr"`
			Password string `yaml:"password"`
			DB       int    `yaml:"db"`
		} `yaml:"redis"`
		SQL struct {
			Dialect string `yaml:"dialect"` // sqlite, mysql
			DSN     string `yaml:"dsn"`
		} `yaml:"sql"`
	} `yaml:"storage"`

	Queue struct {
		Driver string `yaml:"driver"` // memory, redis, kafka
		Key    string `yaml:"key"`
		Buffer int    `yaml:"buffer"`
	} `yaml:"queue"`

	Kafka struct {
		Brokers string `yaml:"brokers"`
		GroupID string `yaml:"group_id"`
		Relay   bool   `yaml:"relay"`
	} `yaml:"kafka"`

	Builds struct {
		WorkDir        string        `yaml:"work_dir"`
		ArtifactDir    string        `yaml:"artifact_dir"`
		DefaultTimeout time.Duration `yaml:"default_timeout"`
		ExecutionMode  string        `yaml:"execution_mode"`
		MaxParallel    int           `yaml:"max_parallel"`
		NativeClone    bool          `yaml:"native_clone"`
		KeepWorkspaces bool          `yaml:"keep_workspaces"`
		Shell          string        `yaml:"shell"`
	} `yaml:"builds"`

	Auth struct {
		JWTSecret string        `yaml:"jwt_secret"`
		Issuer    string        `yaml:"issuer"`
		TokenTTL  time.Duration `yaml:"token_ttl"`
	} `yaml:"auth"`

	Limits struct {
		DefaultConcurrentBuilds int            `yaml:"default_concurrent_builds"`
		Accounts                map[string]int `yaml:"accounts"`
	} `yaml:"limits"`

	Projects struct {
		File  string `yaml:"file"`
		Watch bool   `yaml:"watch"`
	} `yaml:"projects"`

	Identity struct {
		DefaultToken string            `yaml:"default_token"`
		Tokens       map[string]string `yaml:"tokens"`
	} `yaml:"identity"`

	StatusReport struct {
		Enabled       bool   `yaml:"enabled"`
		GitHubBaseURL string `yaml:"github_base_url"`
		Context       string `yaml:"context"`
	} `yaml:"status_report"`
}

func defaults() Config {
	var c Config
	c.HTTP.Addr = ":8080"
	c.Log.Level = "info"
	c.Storage.Driver = "memory"
	c.Storage.Redis.Addr = "redis:6379"
	c.Storage.SQL.Dialect = "sqlite"
	c.Storage.SQL.DSN = "buildhook.db"
	c.Queue.Driver = "memory"
	c.Queue.Key = "build-jobs"
	c.Queue.Buffer = 1024
	c.Kafka.GroupID = "buildhook-orchestrator"
	c.Builds.WorkDir = "/tmp/builds"
	c.Builds.ArtifactDir = "/tmp/artifacts"
	c.Builds.DefaultTimeout = 30 * time.Minute
	c.Builds.ExecutionMode = ExecutionReal
	c.Builds.MaxParallel = 4
	c.Builds.Shell = "/bin/sh"
	c.Auth.Issuer = "buildhook"
	c.Auth.TokenTTL = 24 * time.Hour
	c.Limits.DefaultConcurrentBuilds = 2
	c.StatusReport.Context = "buildhook"
	return c
}

// Load applies defaults, then the YAML file at path (a missing file is not an
// error), then environment overrides, and validates the result.
func Load(path string) (Config, error) {
	c := defaults()

	if path != "" {
		b, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(b, &c); err != nil {
				return c, fmt.Errorf("parse %s: %w", path, err)
			}
		case !errors.Is(err, os.ErrNotExist):
			return c, err
		}
	}

	applyEnv(&c)

	return c, c.Validate()
}

func applyEnv(c *Config) {
	if v := os.Getenv("PORT"); v != "" {
		c.HTTP.Addr = ":" + v
	}
	if v := os.Getenv("PUBLIC_URL"); v != "" {
		c.HTTP.PublicURL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("STORAGE_DRIVER"); v != "" {
		c.Storage.Driver = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Storage.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Storage.Redis.Password = v
	}
	if v := os.Getenv("DATABASE_DIALECT"); v != "" {
		c.Storage.SQL.Dialect = v
	}
	if v := os.Getenv("DATABASE_DSN"); v != "" {
		c.Storage.SQL.DSN = v
	}
	if v := os.Getenv("QUEUE_DRIVER"); v != "" {
		c.Queue.Driver = v
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv("WORK_DIR"); v != "" {
		c.Builds.WorkDir = v
	}
	if v := os.Getenv("ARTIFACT_DIR"); v != "" {
		c.Builds.ArtifactDir = v
	}
	if v := os.Getenv("EXECUTION_MODE"); v != "" {
		c.Builds.ExecutionMode = strings.ToLower(v)
	}
	if v := os.Getenv("BUILD_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Builds.DefaultTimeout = d
		}
	}
	if v := os.Getenv("MAX_PARALLEL_BUILDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Builds.MaxParallel = n
		}
	}
	if v := os.Getenv("PROJECTS_FILE"); v != "" {
		c.Projects.File = v
	}
	if v := os.Getenv("GITHUB_TOKEN"); v != "" && c.Identity.DefaultToken == "" {
		c.Identity.DefaultToken = v
	}
}

func (c Config) Validate() error {
	var errs []error

	switch c.Storage.Driver {
	case "memory", "redis":
	case "sql":
		if c.Storage.SQL.Dialect != "sqlite" && c.Storage.SQL.Dialect != "mysql" {
			errs = append(errs, fmt.Errorf("storage.sql.dialect: unsupported %q", c.Storage.SQL.Dialect))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unsupported %q", c.Storage.Driver))
	}

	switch c.Queue.Driver {
	case "memory":
	case "redis":
		if c.Storage.Driver != "redis" {
			errs = append(errs, errors.New("queue.driver redis requires storage.driver redis"))
		}
	case "kafka":
		if c.Kafka.Brokers == "" {
			errs = append(errs, errors.New("queue.driver kafka requires kafka.brokers"))
		}
	default:
		errs = append(errs, fmt.Errorf("queue.driver: unsupported %q", c.Queue.Driver))
	}

	if c.Kafka.Relay && c.Kafka.Brokers == "" {
		errs = append(errs, errors.New("kafka.relay requires kafka.brokers"))
	}

	if c.Builds.ExecutionMode != ExecutionReal && c.Builds.ExecutionMode != ExecutionSimulated {
		errs = append(errs, fmt.Errorf("builds.execution_mode: unsupported %q", c.Builds.ExecutionMode))
	}
	if c.Builds.WorkDir == "" {
		errs = append(errs, errors.New("builds.work_dir is required"))
	}
	if c.Builds.DefaultTimeout <= 0 {
		errs = append(errs, errors.New("builds.default_timeout must be positive"))
	}
	if c.Builds.MaxParallel <= 0 {
		errs = append(errs, errors.New("builds.max_parallel must be positive"))
	}
	if c.Limits.DefaultConcurrentBuilds <= 0 {
		errs = append(errs, errors.New("limits.default_concurrent_builds must be positive"))
	}
	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}

	return errors.Join(errs...)
}

func (c Config) Simulated() bool {
	return c.Builds.ExecutionMode == ExecutionSimulated
}
