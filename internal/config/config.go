// Package config loads runtime settings from the environment, in the
// directly-constructed-struct style of the teacher's
// scheduler.SchedulerConfig/DefaultSchedulerConfig (control_plane/scheduler/types.go).
package config

import (
	"os"
	"strconv"
	"time"
)

// WorkerConfig holds the settings spec.md §6 names as "configuration keys
// the core consumes".
type WorkerConfig struct {
	// StuckFlowsTimeout is how long a state method may run before the
	// kill watchdog's re-delivered notification permits a forced Error.
	StuckFlowsTimeout time.Duration
	// NotificationRetryInterval delays re-delivery of a notification
	// whose target request could not yet be processed (a gap or
	// out-of-order arrival).
	NotificationRetryInterval time.Duration
	// QueueShards is the number of notification-queue shards a worker
	// fleet splits across; 0 means unsharded.
	QueueShards int
	// SessionLockTTL bounds how long a worker holds the per-session lock
	// before another worker may reclaim it on lease expiry.
	SessionLockTTL time.Duration
	// QueueDepthThreshold is the notification-queue depth past which a
	// Loop's circuit breaker opens and skips ticks until the cooldown
	// elapses. 0 disables the breaker.
	QueueDepthThreshold int
}

// StoreConfig selects and configures the Store backend.
type StoreConfig struct {
	Backend  string // "memory", "redis", "postgres"
	RedisDSN string
	PgDSN    string
}

// Config is the core's full runtime configuration.
type Config struct {
	Worker WorkerConfig
	Store  StoreConfig
	// OpsHubAddr is the listen address for the operator websocket hub.
	OpsHubAddr string
}

// Default returns production-sane defaults, mirroring
// DefaultSchedulerConfig's role in the teacher.
func Default() Config {
	return Config{
		Worker: WorkerConfig{
			StuckFlowsTimeout:         10 * time.Minute,
			NotificationRetryInterval: 30 * time.Second,
			QueueShards:               0,
			SessionLockTTL:            2 * time.Minute,
			QueueDepthThreshold:       1000,
		},
		Store: StoreConfig{
			Backend: "memory",
		},
		OpsHubAddr: ":8089",
	}
}

// FromEnv overlays environment variables onto Default(), the same
// os.Getenv-with-fallback pattern the teacher's main.go uses for
// REDIS_ADDR/SCHEDULER_CONCURRENCY/CIRCUIT_BREAKER_THRESHOLD.
func FromEnv() Config {
	c := Default()

	if v := os.Getenv("GRR_STUCK_FLOWS_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Worker.StuckFlowsTimeout = d
		}
	}
	if v := os.Getenv("GRR_NOTIFICATION_RETRY_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Worker.NotificationRetryInterval = d
		}
	}
	if v := os.Getenv("GRR_QUEUE_SHARDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Worker.QueueShards = n
		}
	}
	if v := os.Getenv("GRR_SESSION_LOCK_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Worker.SessionLockTTL = d
		}
	}
	if v := os.Getenv("GRR_QUEUE_DEPTH_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Worker.QueueDepthThreshold = n
		}
	}
	if v := os.Getenv("GRR_STORE_BACKEND"); v != "" {
		c.Store.Backend = v
	}
	if v := os.Getenv("GRR_REDIS_DSN"); v != "" {
		c.Store.RedisDSN = v
	}
	if v := os.Getenv("GRR_POSTGRES_DSN"); v != "" {
		c.Store.PgDSN = v
	}
	if v := os.Getenv("GRR_OPSHUB_ADDR"); v != "" {
		c.OpsHubAddr = v
	}

	return c
}
