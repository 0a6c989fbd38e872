package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const (
	defaultConfigPath = "config.yaml"
	envConfigPath     = "SANDBOX_CONFIG_PATH"
)

// Config holds settings for the server, the worker and the autoscaler.
// Values are layered: defaults, then the YAML file, then SANDBOX_* variables.
type Config struct {
	LogLevel    string      `yaml:"log_level"`
	Server      Server      `yaml:"server"`
	Store       Store       `yaml:"store"`
	Worker      Worker      `yaml:"worker"`
	Autoscaling Autoscaling `yaml:"autoscaling"`
	Events      Events      `yaml:"events"`
}

type Server struct {
	ListenAddr    string        `yaml:"listen_addr" validate:"required"`
	WorkerToken   string        `yaml:"worker_token"`
	LeaseDuration time.Duration `yaml:"lease_duration" validate:"gte=0"`
	ReapInterval  time.Duration `yaml:"reap_interval" validate:"gt=0"`
}

type Store struct {
	Driver        string `yaml:"driver" validate:"oneof=sqlite redis"`
	DBPath        string `yaml:"db_path" validate:"required_if=Driver sqlite"`
	RedisAddr     string `yaml:"redis_addr" validate:"required_if=Driver redis"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db" validate:"gte=0"`
}

// RedisURL returns the connection URL for the configured Redis server.
func (s Store) RedisURL() string {
	u := url.URL{Scheme: "redis", Host: s.RedisAddr, Path: "/" + strconv.Itoa(s.RedisDB)}
	if s.RedisPassword != "" {
		u.User = url.UserPassword("", s.RedisPassword)
	}
	return u.String()
}

type Worker struct {
	Endpoint          string        `yaml:"endpoint" validate:"required"`
	Token             string        `yaml:"token"`
	ID                string        `yaml:"id"`
	PollInterval      time.Duration `yaml:"poll_interval" validate:"gt=0"`
	ProgressQueueSize int           `yaml:"progress_queue_size" validate:"gt=0"`
	MetricsAddr       string        `yaml:"metrics_addr"`
	ImageSize         int           `yaml:"image_size" validate:"gte=0"`
	Assets            Assets        `yaml:"assets"`
}

// Assets locates model weights to sync before the worker starts.
type Assets struct {
	Enabled   bool   `yaml:"enabled"`
	Endpoint  string `yaml:"endpoint" validate:"required_if=Enabled true"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
	Bucket    string `yaml:"bucket" validate:"required_if=Enabled true"`
	Prefix    string `yaml:"prefix"`
	CacheDir  string `yaml:"cache_dir"`
}

type Autoscaling struct {
	Enabled        bool          `yaml:"enabled"`
	Provider       string        `yaml:"provider" validate:"oneof=gce firecracker"`
	GCPKey         string        `yaml:"gcp_key"`
	Project        string        `yaml:"project"`
	Zone           string        `yaml:"zone"`
	Instances      []string      `yaml:"instances"`
	Interval       time.Duration `yaml:"interval" validate:"gt=0"`
	StartThreshold int           `yaml:"start_threshold" validate:"gte=1"`
	Cooldown       time.Duration `yaml:"cooldown" validate:"gte=0"`
}

type Events struct {
	Driver  string   `yaml:"driver" validate:"oneof=none nats kafka amqp"`
	URL     string   `yaml:"url"`
	Topic   string   `yaml:"topic"`
	Brokers []string `yaml:"brokers"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		LogLevel: "info",
		Server: Server{
			ListenAddr:    ":8080",
			LeaseDuration: 10 * time.Minute,
			ReapInterval:  30 * time.Second,
		},
		Store: Store{
			Driver:    "sqlite",
			DBPath:    "sandbox.db",
			RedisAddr: "localhost:6379",
		},
		Worker: Worker{
			Endpoint:          "http://localhost:8080",
			PollInterval:      10 * time.Second,
			ProgressQueueSize: 256,
			ImageSize:         256,
			Assets:            Assets{CacheDir: "models"},
		},
		Autoscaling: Autoscaling{
			Provider:       "gce",
			Interval:       30 * time.Second,
			StartThreshold: 1,
			Cooldown:       10 * time.Minute,
		},
		Events: Events{
			Driver: "none",
			Topic:  "sandbox.tasks",
		},
	}
}

// Load builds the configuration from defaults, the YAML file at path and
// the environment. An empty path means SANDBOX_CONFIG_PATH, falling back to
// ./config.yaml. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv(envConfigPath)
	}
	explicit := path != ""
	if !explicit {
		path = defaultConfigPath
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist) && !explicit:
	case errors.Is(err, fs.ErrNotExist):
		return Config{}, fmt.Errorf("config file %s not found", path)
	default:
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks field constraints.
func (c Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Autoscaling.Enabled && len(c.Autoscaling.Instances) == 0 {
		return fmt.Errorf("invalid config: autoscaling enabled without instances")
	}
	return nil
}

// Level returns the slog level for LogLevel.
func (c Config) Level() slog.Level {
	return parseLogLevel(c.LogLevel)
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
