// Package config loads obscore's environment-variable configuration:
// typed Get*/MustGet* accessors over os.Getenv, no config file, no
// viper/yaml. The deployment surface only documents environment
// variables, so this stays in that idiom.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// EnvConfig is a prefix-scoped environment accessor.
type EnvConfig struct {
	prefix string
}

func NewEnvConfig(prefix string) *EnvConfig {
	return &EnvConfig{prefix: prefix}
}

func (ec *EnvConfig) buildKey(key string) string {
	if ec.prefix != "" {
		return ec.prefix + "_" + key
	}
	return key
}

func (ec *EnvConfig) GetString(key, defaultValue string) string {
	if value := os.Getenv(ec.buildKey(key)); value != "" {
		return value
	}
	return defaultValue
}

func (ec *EnvConfig) MustGetString(key string) string {
	fullKey := ec.buildKey(key)
	value := os.Getenv(fullKey)
	if value == "" {
		panic(fmt.Sprintf("required environment variable %s not set", fullKey))
	}
	return value
}

func (ec *EnvConfig) GetInt(key string, defaultValue int) int {
	if value := os.Getenv(ec.buildKey(key)); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func (ec *EnvConfig) GetInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(ec.buildKey(key)); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func (ec *EnvConfig) GetBool(key string, defaultValue bool) bool {
	if value := os.Getenv(ec.buildKey(key)); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func (ec *EnvConfig) GetDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(ec.buildKey(key)); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func (ec *EnvConfig) GetStringSlice(key string, defaultValue []string) []string {
	value := os.Getenv(ec.buildKey(key))
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

// Cluster covers cluster.* variables.
type Cluster struct {
	ConsistentHashVnodes int
}

// HealthCheck covers health_check.* variables.
type HealthCheck struct {
	Enabled     bool
	Timeout     time.Duration
	FailedTimes int
}

// Limit covers limit.* variables.
type Limit struct {
	NodeHeartbeatTTL         time.Duration
	AlertScheduleConcurrency int
	AlertScheduleTimeout     time.Duration
	ReportScheduleTimeout    time.Duration
	SchedulerMaxRetries      int
	QueryDefaultLimit        int
	MetaTransactionLockTimeout time.Duration
}

// DiskCache covers disk_cache.* variables.
type DiskCache struct {
	Enabled       bool
	MaxSize       int64
	ResultMaxSize int64
	BucketNum     int
	MultiDir      []string
	CacheStrategy string // "lru" | "fifo"
	ReleaseSize   int64
	GCSize        int64
	GCInterval    time.Duration
	IOWorkers     int
}

// Query covers query.* variables: partitioner sizing and the
// in-flight-query backpressure limit.
type Query struct {
	PartitionSpan    time.Duration
	MaxPartitions    int
	StreamBufferSize int
	PendingNums      int
}

// Scheduler covers scheduler.* variables: poll cadence for the pull
// loop, the timeout reaper, and completed-row cleanup.
type Scheduler struct {
	PullInterval  time.Duration
	ReapInterval  time.Duration
	CleanInterval time.Duration
}

// Common covers common.* variables.
type Common struct {
	ResultCacheEnabled       bool
	ResultCacheDiscardDuration time.Duration
	LocalMode                bool
	ColumnTimestamp          string
	ClusterCoordinator       string // "redis" | "local"
	InstanceName             string
	NodeRole                 string
}

// Config is the fully loaded environment for one obscored process.
type Config struct {
	Cluster     Cluster
	HealthCheck HealthCheck
	Limit       Limit
	DiskCache   DiskCache
	Query       Query
	Scheduler   Scheduler
	Common      Common

	PostgresDSN string
	RedisAddr   string
	DataDir     string
	HTTPAddr    string
}

// Load reads every configuration variable, with the defaults the
// original system ships.
func Load() *Config {
	env := NewEnvConfig("")
	return &Config{
		Cluster: Cluster{
			ConsistentHashVnodes: env.GetInt("CLUSTER_CONSISTENT_HASH_VNODES", 100),
		},
		HealthCheck: HealthCheck{
			Enabled:     env.GetBool("HEALTH_CHECK_ENABLED", true),
			Timeout:     env.GetDuration("HEALTH_CHECK_TIMEOUT", 5*time.Second),
			FailedTimes: env.GetInt("HEALTH_CHECK_FAILED_TIMES", 3),
		},
		Limit: Limit{
			NodeHeartbeatTTL:           env.GetDuration("LIMIT_NODE_HEARTBEAT_TTL", 30*time.Second),
			AlertScheduleConcurrency:   env.GetInt("LIMIT_ALERT_SCHEDULE_CONCURRENCY", 5),
			AlertScheduleTimeout:       env.GetDuration("LIMIT_ALERT_SCHEDULE_TIMEOUT", 10*time.Minute),
			ReportScheduleTimeout:      env.GetDuration("LIMIT_REPORT_SCHEDULE_TIMEOUT", 30*time.Minute),
			SchedulerMaxRetries:        env.GetInt("LIMIT_SCHEDULER_MAX_RETRIES", 3),
			QueryDefaultLimit:          env.GetInt("LIMIT_QUERY_DEFAULT_LIMIT", 1000),
			MetaTransactionLockTimeout: env.GetDuration("LIMIT_META_TRANSACTION_LOCK_TIMEOUT", 5*time.Second),
		},
		DiskCache: DiskCache{
			Enabled:       env.GetBool("DISK_CACHE_ENABLED", true),
			MaxSize:       env.GetInt64("DISK_CACHE_MAX_SIZE", 1<<30),
			ResultMaxSize: env.GetInt64("DISK_CACHE_RESULT_MAX_SIZE", 1<<28),
			BucketNum:     env.GetInt("DISK_CACHE_BUCKET_NUM", 16),
			MultiDir:      env.GetStringSlice("DISK_CACHE_MULTI_DIR", nil),
			CacheStrategy: env.GetString("DISK_CACHE_CACHE_STRATEGY", "lru"),
			ReleaseSize:   env.GetInt64("DISK_CACHE_RELEASE_SIZE", 1<<20),
			GCSize:        env.GetInt64("DISK_CACHE_GC_SIZE", 1<<20),
			GCInterval:    env.GetDuration("DISK_CACHE_GC_INTERVAL", time.Minute),
			IOWorkers:     env.GetInt("DISK_CACHE_IO_WORKERS", 16),
		},
		Query: Query{
			PartitionSpan:    env.GetDuration("QUERY_PARTITION_SPAN", time.Hour),
			MaxPartitions:    env.GetInt("QUERY_MAX_PARTITIONS", 100),
			StreamBufferSize: env.GetInt("QUERY_STREAM_BUFFER_SIZE", 16),
			PendingNums:      env.GetInt("QUERY_PENDING_NUMS", 100),
		},
		Scheduler: Scheduler{
			PullInterval:  env.GetDuration("SCHEDULER_PULL_INTERVAL", time.Second),
			ReapInterval:  env.GetDuration("SCHEDULER_REAP_INTERVAL", 30*time.Second),
			CleanInterval: env.GetDuration("SCHEDULER_CLEAN_INTERVAL", 10*time.Minute),
		},
		Common: Common{
			ResultCacheEnabled:         env.GetBool("COMMON_RESULT_CACHE_ENABLED", true),
			ResultCacheDiscardDuration: env.GetDuration("COMMON_RESULT_CACHE_DISCARD_DURATION", 60*time.Second),
			LocalMode:                 env.GetBool("COMMON_LOCAL_MODE", false),
			ColumnTimestamp:           env.GetString("COMMON_COLUMN_TIMESTAMP", "_timestamp"),
			ClusterCoordinator:        env.GetString("COMMON_CLUSTER_COORDINATOR", "local"),
			InstanceName:              env.GetString("COMMON_INSTANCE_NAME", "obscore"),
			NodeRole:                  env.GetString("COMMON_NODE_ROLE", "all"),
		},
		PostgresDSN: env.GetString("POSTGRES_DSN", "postgres://localhost:5432/obscore?sslmode=disable"),
		RedisAddr:   env.GetString("REDIS_ADDR", "localhost:6379"),
		DataDir:     env.GetString("DATA_DIR", "./data"),
		HTTPAddr:    env.GetString("HTTP_ADDR", ":5080"),
	}
}
