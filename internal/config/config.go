package config

import (
	"errors"
	"fmt"
	"time"
)

// Config represents the notification delivery service configuration
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Shard        ShardConfig        `mapstructure:"shard"`
	Cache        CacheConfig        `mapstructure:"cache"`
	Filter       FilterConfig       `mapstructure:"filter"`
	WriteThrough WriteThroughConfig `mapstructure:"write_through"`
	Queue        QueueConfig        `mapstructure:"queue"`
	Coordination CoordinationConfig `mapstructure:"coordination"`
	Admission    AdmissionConfig    `mapstructure:"admission"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// ServerConfig represents process-level configuration
type ServerConfig struct {
	InstanceID      string        `mapstructure:"instance_id"`
	HealthPort      int           `mapstructure:"health_port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig represents the PostgreSQL durable store configuration
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Database        string        `mapstructure:"database"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	MaxConnections  int           `mapstructure:"max_connections"`
	MinConnections  int           `mapstructure:"min_connections"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// RedisConfig represents the shared Redis configuration (coordination,
// queue, and the default shard endpoints when none are listed explicitly)
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
}

// ShardEndpoint is one remote cache endpoint (primary or replica)
type ShardEndpoint struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// ShardGroup is a primary endpoint plus its replicas
type ShardGroup struct {
	Primary  ShardEndpoint   `mapstructure:"primary"`
	Replicas []ShardEndpoint `mapstructure:"replicas"`
}

// BreakerConfig represents per-endpoint circuit breaker configuration
type BreakerConfig struct {
	FailureThreshold  int           `mapstructure:"failure_threshold"`
	ResetTimeout      time.Duration `mapstructure:"reset_timeout"`
	RequiredSuccesses int           `mapstructure:"required_successes"`
}

// RebalanceConfig represents shard rebalance configuration
type RebalanceConfig struct {
	Interval       time.Duration `mapstructure:"interval"`
	LoadRatio      float64       `mapstructure:"load_ratio"`
	MoveFraction   float64       `mapstructure:"move_fraction"`
	MaxKeysPerPass int           `mapstructure:"max_keys_per_pass"`
	MigrationDelay time.Duration `mapstructure:"migration_delay"`
}

// ShardConfig represents shard router configuration
type ShardConfig struct {
	Groups              []ShardGroup    `mapstructure:"groups"`
	OperationTimeout    time.Duration   `mapstructure:"operation_timeout"`
	HealthCheckInterval time.Duration   `mapstructure:"health_check_interval"`
	Breaker             BreakerConfig   `mapstructure:"breaker"`
	Rebalance           RebalanceConfig `mapstructure:"rebalance"`
}

// CacheConfig represents the local cache tier configuration
type CacheConfig struct {
	MaxEntries           int           `mapstructure:"max_entries"`
	DefaultTTL           time.Duration `mapstructure:"default_ttl"`
	CompressionThreshold int           `mapstructure:"compression_threshold"`
	AccessWindow         time.Duration `mapstructure:"access_window"`
	HotAccessRate        float64       `mapstructure:"hot_access_rate"`
}

// FilterConfig represents the membership filter configuration
type FilterConfig struct {
	ExpectedItems     int           `mapstructure:"expected_items"`
	FalsePositiveRate float64       `mapstructure:"false_positive_rate"`
	SyncInterval      time.Duration `mapstructure:"sync_interval"`
}

// WriteThroughConfig represents batched durable writer configuration
type WriteThroughConfig struct {
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	MaxRetries    int           `mapstructure:"max_retries"`
}

// QueueConfig represents priority queue configuration
type QueueConfig struct {
	RecordTTL   time.Duration `mapstructure:"record_ttl"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	DecayFactor float64       `mapstructure:"decay_factor"`
	BatchSize   int           `mapstructure:"batch_size"`
	PollWait    time.Duration `mapstructure:"poll_wait"`
}

// CoordinationConfig represents leader election and change propagation
type CoordinationConfig struct {
	ElectionInterval time.Duration `mapstructure:"election_interval"`
	LeaseTTL         time.Duration `mapstructure:"lease_ttl"`
	ChangeSetTTL     time.Duration `mapstructure:"change_set_ttl"`
	LockRetryBase    time.Duration `mapstructure:"lock_retry_base"`
	LockRetryMax     time.Duration `mapstructure:"lock_retry_max"`
}

// AdmissionProfile represents one named rate-limit profile
type AdmissionProfile struct {
	Rate    float64 `mapstructure:"rate"`
	Burst   int     `mapstructure:"burst"`
	MinRate float64 `mapstructure:"min_rate"`
	MaxRate float64 `mapstructure:"max_rate"`
}

// AdmissionConfig represents adaptive admission controller configuration
type AdmissionConfig struct {
	Profiles       map[string]AdmissionProfile `mapstructure:"profiles"`
	AdjustInterval time.Duration               `mapstructure:"adjust_interval"`
	LoadInterval   time.Duration               `mapstructure:"load_interval"`
	SampleWindow   int                         `mapstructure:"sample_window"`
}

// MetricsConfig represents Prometheus metrics configuration
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.InstanceID == "" {
		return errors.New("server.instance_id is required")
	}
	if c.Database.Host == "" {
		return errors.New("database.host is required")
	}
	if c.Database.Database == "" {
		return errors.New("database.database is required")
	}
	if c.Database.User == "" {
		return errors.New("database.user is required")
	}
	if c.Redis.Host == "" {
		return errors.New("redis.host is required")
	}
	if len(c.Shard.Groups) == 0 {
		return errors.New("shard.groups must list at least one shard")
	}
	for i, g := range c.Shard.Groups {
		if g.Primary.Addr == "" {
			return fmt.Errorf("shard.groups[%d].primary.addr is required", i)
		}
	}
	if c.Shard.Breaker.FailureThreshold <= 0 {
		return errors.New("shard.breaker.failure_threshold must be positive")
	}
	if c.Shard.Rebalance.MoveFraction <= 0 || c.Shard.Rebalance.MoveFraction >= 1 {
		return errors.New("shard.rebalance.move_fraction must be in (0, 1)")
	}
	if c.Cache.MaxEntries <= 0 {
		return errors.New("cache.max_entries must be positive")
	}
	if c.Filter.FalsePositiveRate <= 0 || c.Filter.FalsePositiveRate >= 1 {
		return errors.New("filter.false_positive_rate must be in (0, 1)")
	}
	if c.WriteThrough.BatchSize <= 0 {
		return errors.New("write_through.batch_size must be positive")
	}
	if c.Queue.DecayFactor <= 0 || c.Queue.DecayFactor >= 1 {
		return errors.New("queue.decay_factor must be in (0, 1)")
	}
	if c.Coordination.LeaseTTL <= c.Coordination.ElectionInterval {
		return errors.New("coordination.lease_ttl must exceed election_interval")
	}
	for name, p := range c.Admission.Profiles {
		if p.Rate <= 0 || p.Burst <= 0 {
			return fmt.Errorf("admission.profiles.%s: rate and burst must be positive", name)
		}
		if p.MinRate > p.Rate || p.MaxRate < p.Rate {
			return fmt.Errorf("admission.profiles.%s: rate must be within [min_rate, max_rate]", name)
		}
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	return nil
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			InstanceID:      "notifyhub-1",
			HealthPort:      8080,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "notifyhub",
			User:            "notifyhub",
			Password:        "",
			MaxConnections:  50,
			MinConnections:  10,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Redis: RedisConfig{
			Host:         "localhost",
			Port:         6379,
			Password:     "",
			DB:           0,
			PoolSize:     100,
			MinIdleConns: 10,
		},
		Shard: ShardConfig{
			Groups: []ShardGroup{
				{Primary: ShardEndpoint{Addr: "localhost:6379", DB: 1}},
			},
			OperationTimeout:    2 * time.Second,
			HealthCheckInterval: 10 * time.Second,
			Breaker: BreakerConfig{
				FailureThreshold:  5,
				ResetTimeout:      60 * time.Second,
				RequiredSuccesses: 1,
			},
			Rebalance: RebalanceConfig{
				Interval:       5 * time.Minute,
				LoadRatio:      1.5,
				MoveFraction:   0.2,
				MaxKeysPerPass: 500,
				MigrationDelay: 10 * time.Millisecond,
			},
		},
		Cache: CacheConfig{
			MaxEntries:           10000,
			DefaultTTL:           time.Hour,
			CompressionThreshold: 1024,
			AccessWindow:         5 * time.Minute,
			HotAccessRate:        0.1,
		},
		Filter: FilterConfig{
			ExpectedItems:     100000,
			FalsePositiveRate: 0.01,
			SyncInterval:      60 * time.Second,
		},
		WriteThrough: WriteThroughConfig{
			BatchSize:     100,
			FlushInterval: time.Second,
			MaxRetries:    3,
		},
		Queue: QueueConfig{
			RecordTTL:   24 * time.Hour,
			MaxAttempts: 5,
			DecayFactor: 0.8,
			BatchSize:   50,
			PollWait:    time.Second,
		},
		Coordination: CoordinationConfig{
			ElectionInterval: 15 * time.Second,
			LeaseTTL:         45 * time.Second,
			ChangeSetTTL:     2 * time.Minute,
			LockRetryBase:    50 * time.Millisecond,
			LockRetryMax:     2 * time.Second,
		},
		Admission: AdmissionConfig{
			Profiles: map[string]AdmissionProfile{
				"user":   {Rate: 10, Burst: 20, MinRate: 1, MaxRate: 100},
				"ip":     {Rate: 50, Burst: 100, MinRate: 5, MaxRate: 500},
				"global": {Rate: 1000, Burst: 2000, MinRate: 100, MaxRate: 10000},
			},
			AdjustInterval: 60 * time.Second,
			LoadInterval:   5 * time.Second,
			SampleWindow:   1000,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
