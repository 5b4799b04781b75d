// Package config loads jobschedd settings from JOBSCHED_* environment
// variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/multierr"

	"github.com/azargarov/jobsched"
)

// Config holds all daemon configuration
type Config struct {
	Server    ServerConfig
	Scheduler SchedulerConfig
	Log       LogConfig
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	MetricsEnabled  bool
	FeedEnabled     bool
}

// SchedulerConfig mirrors jobsched.Options for the settings that can be
// expressed as environment variables.
type SchedulerConfig struct {
	MaxConcurrentJobs int
	TierCapacity      map[jobsched.Tier]int
	Cadence           map[jobsched.Tier]time.Duration
	JobTimeout        time.Duration

	MaxRetries      int
	RetryDelay      time.Duration
	RetryMultiplier float64
	RetryMaxDelay   time.Duration
	RetryJitter     bool

	CPUThresholdPercent float64
	MemoryThresholdMB   float64
	PauseOnHighLoad     bool
	PauseCooldown       time.Duration

	SampleInterval      time.Duration
	MaintenanceInterval time.Duration
	Retention           time.Duration
	DrainTimeout        time.Duration

	CacheRefreshType     string
	CacheRefreshInterval time.Duration
}

// LogConfig holds logger settings
type LogConfig struct {
	Level       string
	Development bool
}

// Load reads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Addr:            getEnv("JOBSCHED_ADDR", ":8080"),
			ReadTimeout:     getDurationEnv("JOBSCHED_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getDurationEnv("JOBSCHED_WRITE_TIMEOUT", 15*time.Second),
			ShutdownTimeout: getDurationEnv("JOBSCHED_SHUTDOWN_TIMEOUT", 45*time.Second),
			MetricsEnabled:  getBoolEnv("JOBSCHED_METRICS_ENABLED", true),
			FeedEnabled:     getBoolEnv("JOBSCHED_FEED_ENABLED", true),
		},
		Scheduler: SchedulerConfig{
			MaxConcurrentJobs: getIntEnv("JOBSCHED_MAX_CONCURRENT_JOBS", jobsched.DefaultMaxConcurrentJobs),
			TierCapacity:      make(map[jobsched.Tier]int, len(jobsched.Tiers)),
			Cadence:           make(map[jobsched.Tier]time.Duration, len(jobsched.Tiers)),
			JobTimeout:        getDurationEnv("JOBSCHED_JOB_TIMEOUT", jobsched.DefaultJobTimeout),

			MaxRetries:      getIntEnv("JOBSCHED_MAX_RETRIES", 3),
			RetryDelay:      getDurationEnv("JOBSCHED_RETRY_DELAY", time.Second),
			RetryMultiplier: getFloatEnv("JOBSCHED_RETRY_MULTIPLIER", 2),
			RetryMaxDelay:   getDurationEnv("JOBSCHED_RETRY_MAX_DELAY", 0),
			RetryJitter:     getBoolEnv("JOBSCHED_RETRY_JITTER", false),

			CPUThresholdPercent: getFloatEnv("JOBSCHED_CPU_THRESHOLD", jobsched.DefaultCPUThreshold),
			MemoryThresholdMB:   getFloatEnv("JOBSCHED_MEMORY_THRESHOLD_MB", jobsched.DefaultMemoryThresholdMB),
			PauseOnHighLoad:     getBoolEnv("JOBSCHED_PAUSE_ON_HIGH_LOAD", true),
			PauseCooldown:       getDurationEnv("JOBSCHED_PAUSE_COOLDOWN", jobsched.DefaultPauseCooldown),

			SampleInterval:      getDurationEnv("JOBSCHED_SAMPLE_INTERVAL", jobsched.DefaultSampleInterval),
			MaintenanceInterval: getDurationEnv("JOBSCHED_MAINTENANCE_INTERVAL", jobsched.DefaultMaintenanceInterval),
			Retention:           getDurationEnv("JOBSCHED_RETENTION", jobsched.DefaultRetention),
			DrainTimeout:        getDurationEnv("JOBSCHED_DRAIN_TIMEOUT", jobsched.DefaultDrainTimeout),

			CacheRefreshType:     getEnv("JOBSCHED_CACHE_REFRESH_TYPE", ""),
			CacheRefreshInterval: getDurationEnv("JOBSCHED_CACHE_REFRESH_INTERVAL", 5*time.Minute),
		},
		Log: LogConfig{
			Level:       getEnv("JOBSCHED_LOG_LEVEL", "info"),
			Development: getBoolEnv("JOBSCHED_LOG_DEVELOPMENT", false),
		},
	}
	for _, t := range jobsched.Tiers {
		name := strings.ToUpper(t.String())
		cfg.Scheduler.TierCapacity[t] = getIntEnv("JOBSCHED_"+name+"_CAPACITY", jobsched.DefaultTierCapacity)
		cfg.Scheduler.Cadence[t] = getDurationEnv("JOBSCHED_"+name+"_CADENCE", jobsched.DefaultCadence[t])
	}
	return cfg, nil
}

// Validate checks every setting and reports all failures at once.
func (c *Config) Validate() error {
	var err error

	if c.Server.Addr == "" {
		err = multierr.Append(err, errors.New("JOBSCHED_ADDR is required"))
	}
	if c.Server.ShutdownTimeout <= 0 {
		err = multierr.Append(err, errors.New("JOBSCHED_SHUTDOWN_TIMEOUT must be positive"))
	}

	s := c.Scheduler
	if s.MaxConcurrentJobs <= 0 {
		err = multierr.Append(err, errors.New("JOBSCHED_MAX_CONCURRENT_JOBS must be positive"))
	}
	for _, t := range jobsched.Tiers {
		name := strings.ToUpper(t.String())
		if s.TierCapacity[t] <= 0 {
			err = multierr.Append(err, fmt.Errorf("JOBSCHED_%s_CAPACITY must be positive", name))
		}
		if s.Cadence[t] <= 0 {
			err = multierr.Append(err, fmt.Errorf("JOBSCHED_%s_CADENCE must be positive", name))
		}
	}
	if s.JobTimeout <= 0 {
		err = multierr.Append(err, errors.New("JOBSCHED_JOB_TIMEOUT must be positive"))
	}
	if s.MaxRetries < 0 {
		err = multierr.Append(err, errors.New("JOBSCHED_MAX_RETRIES must not be negative"))
	}
	if s.RetryMultiplier < 1 {
		err = multierr.Append(err, errors.New("JOBSCHED_RETRY_MULTIPLIER must be at least 1"))
	}
	if s.RetryJitter {
		if s.RetryMultiplier != 2 {
			err = multierr.Append(err, fmt.Errorf("JOBSCHED_RETRY_MULTIPLIER must be 2 when JOBSCHED_RETRY_JITTER is set, got %v", s.RetryMultiplier))
		}
		if s.RetryDelay > 0 && s.RetryDelay < jobsched.MinJitterDelay {
			err = multierr.Append(err, fmt.Errorf("JOBSCHED_RETRY_DELAY must be at least %v when JOBSCHED_RETRY_JITTER is set", jobsched.MinJitterDelay))
		}
		if s.RetryMaxDelay > 0 && s.RetryMaxDelay < jobsched.MinJitterDelay {
			err = multierr.Append(err, fmt.Errorf("JOBSCHED_RETRY_MAX_DELAY must be at least %v when JOBSCHED_RETRY_JITTER is set", jobsched.MinJitterDelay))
		}
	}
	if s.CPUThresholdPercent <= 0 || s.CPUThresholdPercent > 100 {
		err = multierr.Append(err, fmt.Errorf("JOBSCHED_CPU_THRESHOLD must be in (0, 100], got %v", s.CPUThresholdPercent))
	}
	if s.MemoryThresholdMB <= 0 {
		err = multierr.Append(err, errors.New("JOBSCHED_MEMORY_THRESHOLD_MB must be positive"))
	}
	if s.CacheRefreshType != "" && s.CacheRefreshInterval <= 0 {
		err = multierr.Append(err, errors.New("JOBSCHED_CACHE_REFRESH_INTERVAL must be positive when JOBSCHED_CACHE_REFRESH_TYPE is set"))
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		err = multierr.Append(err, fmt.Errorf("JOBSCHED_LOG_LEVEL must be debug, info, warn or error, got %q", c.Log.Level))
	}
	return err
}

// Options converts the scheduler settings into jobsched.Options.
// Executor, Metrics and hooks are left for the caller to wire.
func (c *Config) Options() jobsched.Options {
	s := c.Scheduler
	maxRetries := s.MaxRetries
	if maxRetries == 0 {
		// zero means "use the default" in jobsched.RetryPolicy
		maxRetries = -1
	}
	opts := jobsched.Options{
		MaxConcurrentJobs: s.MaxConcurrentJobs,
		TierCapacity:      s.TierCapacity,
		Cadence:           s.Cadence,
		DefaultJobTimeout: s.JobTimeout,
		Retry: jobsched.RetryPolicy{
			MaxRetries:   maxRetries,
			InitialDelay: s.RetryDelay,
			Multiplier:   s.RetryMultiplier,
			MaxDelay:     s.RetryMaxDelay,
			Jitter:       s.RetryJitter,
		},
		Thresholds: jobsched.Thresholds{
			CPUPercent: s.CPUThresholdPercent,
			MemoryMB:   s.MemoryThresholdMB,
		},
		PauseOnHighLoad:     s.PauseOnHighLoad,
		PauseCooldown:       s.PauseCooldown,
		SampleInterval:      s.SampleInterval,
		MaintenanceInterval: s.MaintenanceInterval,
		Retention:           s.Retention,
		DrainTimeout:        s.DrainTimeout,
	}
	if s.CacheRefreshType != "" {
		opts.CacheRefresh = &jobsched.CacheRefresh{
			JobType:  s.CacheRefreshType,
			Tier:     jobsched.TierLow,
			Interval: s.CacheRefreshInterval,
		}
	}
	return opts
}

// Helper functions for reading environment variables

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
