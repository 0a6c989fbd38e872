package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// applyEnv overrides cfg with SANDBOX_* variables that are set.
func applyEnv(cfg *Config) error {
	e := envReader{}

	e.str("SANDBOX_LOG_LEVEL", &cfg.LogLevel)

	e.str("SANDBOX_LISTEN_ADDR", &cfg.Server.ListenAddr)
	e.str("SANDBOX_WORKER_TOKEN", &cfg.Server.WorkerToken)
	e.duration("SANDBOX_LEASE_DURATION", &cfg.Server.LeaseDuration)
	e.duration("SANDBOX_REAP_INTERVAL", &cfg.Server.ReapInterval)

	e.str("SANDBOX_STORE_DRIVER", &cfg.Store.Driver)
	e.str("SANDBOX_DB_PATH", &cfg.Store.DBPath)
	e.str("SANDBOX_REDIS_ADDR", &cfg.Store.RedisAddr)
	e.str("SANDBOX_REDIS_PASSWORD", &cfg.Store.RedisPassword)
	e.integer("SANDBOX_REDIS_DB", &cfg.Store.RedisDB)

	e.str("SANDBOX_WORKER_ENDPOINT", &cfg.Worker.Endpoint)
	e.str("SANDBOX_WORKER_TOKEN", &cfg.Worker.Token)
	e.str("SANDBOX_WORKER_ID", &cfg.Worker.ID)
	e.duration("SANDBOX_POLL_INTERVAL", &cfg.Worker.PollInterval)
	e.integer("SANDBOX_PROGRESS_QUEUE_SIZE", &cfg.Worker.ProgressQueueSize)
	e.str("SANDBOX_WORKER_METRICS_ADDR", &cfg.Worker.MetricsAddr)
	e.integer("SANDBOX_IMAGE_SIZE", &cfg.Worker.ImageSize)
	e.boolean("SANDBOX_ASSETS_ENABLED", &cfg.Worker.Assets.Enabled)
	e.str("SANDBOX_ASSETS_ENDPOINT", &cfg.Worker.Assets.Endpoint)
	e.str("SANDBOX_ASSETS_ACCESS_KEY", &cfg.Worker.Assets.AccessKey)
	e.str("SANDBOX_ASSETS_SECRET_KEY", &cfg.Worker.Assets.SecretKey)
	e.boolean("SANDBOX_ASSETS_USE_SSL", &cfg.Worker.Assets.UseSSL)
	e.str("SANDBOX_ASSETS_BUCKET", &cfg.Worker.Assets.Bucket)
	e.str("SANDBOX_ASSETS_PREFIX", &cfg.Worker.Assets.Prefix)
	e.str("SANDBOX_ASSETS_CACHE_DIR", &cfg.Worker.Assets.CacheDir)

	e.boolean("SANDBOX_AUTOSCALING_ENABLED", &cfg.Autoscaling.Enabled)
	e.str("SANDBOX_AUTOSCALING_PROVIDER", &cfg.Autoscaling.Provider)
	e.str("SANDBOX_GCP_KEY", &cfg.Autoscaling.GCPKey)
	e.str("SANDBOX_GCP_PROJECT", &cfg.Autoscaling.Project)
	e.str("SANDBOX_GCP_ZONE", &cfg.Autoscaling.Zone)
	e.list("SANDBOX_AUTOSCALING_INSTANCES", &cfg.Autoscaling.Instances)
	e.duration("SANDBOX_AUTOSCALING_INTERVAL", &cfg.Autoscaling.Interval)
	e.integer("SANDBOX_AUTOSCALING_START_THRESHOLD", &cfg.Autoscaling.StartThreshold)
	e.duration("SANDBOX_AUTOSCALING_COOLDOWN", &cfg.Autoscaling.Cooldown)

	e.str("SANDBOX_EVENTS_DRIVER", &cfg.Events.Driver)
	e.str("SANDBOX_EVENTS_URL", &cfg.Events.URL)
	e.str("SANDBOX_EVENTS_TOPIC", &cfg.Events.Topic)
	e.list("SANDBOX_EVENTS_BROKERS", &cfg.Events.Brokers)

	return e.err
}

// envReader records the first malformed variable.
type envReader struct {
	err error
}

func (e *envReader) fail(key, v string, err error) {
	if e.err == nil {
		e.err = fmt.Errorf("parse %s=%q: %w", key, v, err)
	}
}

func (e *envReader) str(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func (e *envReader) duration(key string, dst *time.Duration) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.fail(key, v, err)
		return
	}
	*dst = d
}

func (e *envReader) integer(key string, dst *int) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(key, v, err)
		return
	}
	*dst = n
}

func (e *envReader) boolean(key string, dst *bool) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.fail(key, v, err)
		return
	}
	*dst = b
}

// list reads a comma-separated list, dropping empty items.
func (e *envReader) list(key string, dst *[]string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	*dst = out
}
