// Package config loads the JSON configuration file used by jobsctl and turns
// it into dispatcher, worker and storage options.
package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/jdziat/priority-jobs/pkg/backoff"
	"github.com/jdziat/priority-jobs/pkg/core"
	"github.com/jdziat/priority-jobs/pkg/dispatcher"
	"github.com/jdziat/priority-jobs/pkg/notify"
	"github.com/jdziat/priority-jobs/pkg/security"
	"github.com/jdziat/priority-jobs/pkg/storage"
	"github.com/jdziat/priority-jobs/pkg/worker"
)

// Duration is a time.Duration written as a string such as "5s" or "1m30s".
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		// Bare numbers are nanoseconds.
		var n int64
		if err2 := json.Unmarshal(b, &n); err2 != nil {
			return fmt.Errorf("duration must be a string like \"5s\": %w", err)
		}
		*d = Duration(n)
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// DatabaseConfig selects and sizes the job store.
type DatabaseConfig struct {
	Driver          string   `json:"driver"`
	DSN             string   `json:"dsn"`
	MaxOpenConns    int      `json:"max_open_conns,omitempty"`
	MaxIdleConns    int      `json:"max_idle_conns,omitempty"`
	ConnMaxLifetime Duration `json:"conn_max_lifetime,omitempty"`
	Verbose         bool     `json:"verbose,omitempty"`
}

// WorkerConfig configures the worker pool hosted by "jobsctl serve".
type WorkerConfig struct {
	ID                string   `json:"id,omitempty"`
	Queues            []string `json:"queues,omitempty"`
	PollInterval      Duration `json:"poll_interval"`
	SweepInterval     Duration `json:"sweep_interval"`
	ExecutionTimeout  Duration `json:"execution_timeout"`
	ShutdownTimeout   Duration `json:"shutdown_timeout"`
	StaleJobThreshold Duration `json:"stale_job_threshold,omitempty"`
	DefaultAttempts   int      `json:"default_attempts"`
	AutoCreateQueues  bool     `json:"auto_create_queues,omitempty"`
	Scheduler         bool     `json:"scheduler,omitempty"`
}

// BackoffConfig is the dispatcher-wide retry delay policy.
type BackoffConfig struct {
	Type   core.BackoffType `json:"type"`
	Base   Duration         `json:"base"`
	Factor float64          `json:"factor,omitempty"`
	Max    Duration         `json:"max,omitempty"`
}

// QueueConfig declares a queue registered at startup.
type QueueConfig struct {
	Name            string           `json:"name"`
	Description     string           `json:"description,omitempty"`
	Concurrency     int              `json:"concurrency,omitempty"`
	RateLimitMax    int              `json:"rate_limit_max,omitempty"`
	RateLimitPer    Duration         `json:"rate_limit_per,omitempty"`
	DefaultAttempts int              `json:"default_attempts,omitempty"`
	BackoffType     core.BackoffType `json:"backoff_type,omitempty"`
	BackoffDelay    Duration         `json:"backoff_delay,omitempty"`
	Timeout         Duration         `json:"timeout,omitempty"`
	Paused          bool             `json:"paused,omitempty"`
}

// RedisConfig enables the Redis event relay when URL is set.
type RedisConfig struct {
	URL           string `json:"url,omitempty"`
	ChannelPrefix string `json:"channel_prefix,omitempty"`
}

// Config is the root of the configuration file.
type Config struct {
	Database  DatabaseConfig `json:"database"`
	Worker    WorkerConfig   `json:"worker"`
	Backoff   BackoffConfig  `json:"backoff"`
	Queues    []QueueConfig  `json:"queues,omitempty"`
	Redis     RedisConfig    `json:"redis"`
	Metrics   bool           `json:"metrics,omitempty"`
	LogLevel  string         `json:"log_level"`
	LogFormat string         `json:"log_format"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	c := &Config{}
	c.SetDefaults()
	return c
}

// SetDefaults fills every unset field.
func (c *Config) SetDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = storage.DriverSQLite
	}
	if c.Database.DSN == "" && c.Database.Driver == storage.DriverSQLite {
		c.Database.DSN = "jobs.db"
	}

	if c.Worker.PollInterval == 0 {
		c.Worker.PollInterval = Duration(worker.DefaultPollInterval)
	}
	if c.Worker.SweepInterval == 0 {
		c.Worker.SweepInterval = Duration(worker.DefaultSweepInterval)
	}
	if c.Worker.ExecutionTimeout == 0 {
		c.Worker.ExecutionTimeout = Duration(dispatcher.DefaultTimeout)
	}
	if c.Worker.ShutdownTimeout == 0 {
		c.Worker.ShutdownTimeout = Duration(worker.DefaultShutdownTimeout)
	}
	if c.Worker.DefaultAttempts == 0 {
		c.Worker.DefaultAttempts = dispatcher.DefaultAttempts
	}

	if c.Backoff.Type == "" {
		c.Backoff.Type = core.BackoffExponential
	}
	if c.Backoff.Base == 0 {
		c.Backoff.Base = Duration(backoff.DefaultBase)
	}
	if c.Backoff.Factor == 0 {
		c.Backoff.Factor = backoff.DefaultFactor
	}

	for i := range c.Queues {
		if c.Queues[i].Concurrency == 0 {
			c.Queues[i].Concurrency = 1
		}
	}

	if c.Redis.ChannelPrefix == "" {
		c.Redis.ChannelPrefix = notify.DefaultPrefix
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error

	switch c.Database.Driver {
	case storage.DriverSQLite, storage.DriverPostgres:
	default:
		errs = append(errs, fmt.Errorf("database.driver must be %q or %q", storage.DriverSQLite, storage.DriverPostgres))
	}
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required"))
	}

	if c.Worker.PollInterval <= 0 {
		errs = append(errs, errors.New("worker.poll_interval must be > 0"))
	}
	if c.Worker.SweepInterval <= 0 {
		errs = append(errs, errors.New("worker.sweep_interval must be > 0"))
	}
	if c.Worker.ExecutionTimeout <= 0 {
		errs = append(errs, errors.New("worker.execution_timeout must be > 0"))
	}
	if c.Worker.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("worker.shutdown_timeout must be > 0"))
	}
	if c.Worker.StaleJobThreshold < 0 {
		errs = append(errs, errors.New("worker.stale_job_threshold must be >= 0"))
	}
	if err := security.ValidateAttempts(c.Worker.DefaultAttempts); err != nil {
		errs = append(errs, fmt.Errorf("worker.default_attempts: %w", err))
	}

	switch c.Backoff.Type {
	case core.BackoffExponential, core.BackoffFixed:
	default:
		errs = append(errs, fmt.Errorf("backoff.type must be %q or %q", core.BackoffExponential, core.BackoffFixed))
	}
	if c.Backoff.Base <= 0 {
		errs = append(errs, errors.New("backoff.base must be > 0"))
	}
	if c.Backoff.Factor < 1 {
		errs = append(errs, errors.New("backoff.factor must be >= 1"))
	}

	seen := make(map[string]bool, len(c.Queues))
	for i, q := range c.Queues {
		if err := security.ValidateQueueName(q.Name); err != nil {
			errs = append(errs, fmt.Errorf("queues[%d]: %w", i, err))
			continue
		}
		if seen[q.Name] {
			errs = append(errs, fmt.Errorf("queues[%d]: duplicate queue %q", i, q.Name))
		}
		seen[q.Name] = true
		if q.Concurrency < 1 {
			errs = append(errs, fmt.Errorf("queues[%d]: concurrency must be >= 1", i))
		}
		if (q.RateLimitMax > 0) != (q.RateLimitPer > 0) {
			errs = append(errs, fmt.Errorf("queues[%d]: rate_limit_max and rate_limit_per must be set together", i))
		}
	}

	if _, err := parseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format must be \"text\" or \"json\", got %q", c.LogFormat))
	}

	return errors.Join(errs...)
}

// Load reads path, applies defaults and validates the result.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	c := &Config{}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		if err := json.Unmarshal(data, c); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	c.SetDefaults()
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return c, nil
}

// Save writes c to path as indented JSON.
func Save(path string, c *Config) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return 0, fmt.Errorf("log_level: unknown level %q", s)
	}
	return l, nil
}

// Logger builds the structured logger described by LogLevel and LogFormat.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// OpenStorage opens and migrates the configured store.
func (c *Config) OpenStorage(ctx context.Context) (*storage.GormStorage, error) {
	var opts []storage.PoolOption
	if c.Database.MaxOpenConns > 0 {
		opts = append(opts, storage.MaxOpenConns(c.Database.MaxOpenConns))
	}
	if c.Database.MaxIdleConns > 0 {
		opts = append(opts, storage.MaxIdleConns(c.Database.MaxIdleConns))
	}
	if c.Database.ConnMaxLifetime > 0 {
		opts = append(opts, storage.ConnMaxLifetime(c.Database.ConnMaxLifetime.Std()))
	}

	s, err := storage.OpenStorage(c.Database.Driver, c.Database.DSN, c.Database.Verbose, opts...)
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// BackoffStrategy returns the dispatcher-wide retry policy.
func (c *Config) BackoffStrategy() backoff.Strategy {
	if c.Backoff.Type == core.BackoffFixed {
		return backoff.NewFixed(c.Backoff.Base.Std())
	}
	return backoff.NewExponential(c.Backoff.Base.Std(), c.Backoff.Factor, c.Backoff.Max.Std())
}

// DispatcherOptions converts the configuration into dispatcher options.
func (c *Config) DispatcherOptions(logger *slog.Logger) []dispatcher.Option {
	return []dispatcher.Option{
		dispatcher.WithDefaultAttempts(c.Worker.DefaultAttempts),
		dispatcher.WithDefaultTimeout(c.Worker.ExecutionTimeout.Std()),
		dispatcher.WithBackoff(c.BackoffStrategy()),
		dispatcher.WithAutoCreateQueues(c.Worker.AutoCreateQueues),
		dispatcher.WithLogger(logger),
	}
}

// WorkerOptions converts the configuration into worker pool options.
func (c *Config) WorkerOptions(logger *slog.Logger) []worker.WorkerOption {
	opts := []worker.WorkerOption{
		worker.WithPollInterval(c.Worker.PollInterval.Std()),
		worker.WithSweepInterval(c.Worker.SweepInterval.Std()),
		worker.WithShutdownTimeout(c.Worker.ShutdownTimeout.Std()),
		worker.WithStaleJobThreshold(c.Worker.StaleJobThreshold.Std()),
		worker.WithScheduler(c.Worker.Scheduler),
		worker.WithLogger(logger),
	}
	if c.Worker.ID != "" {
		opts = append(opts, worker.WithWorkerID(c.Worker.ID))
	}
	if len(c.Worker.Queues) > 0 {
		opts = append(opts, worker.WorkerQueue(c.Worker.Queues...))
	}
	return opts
}

// Options converts a queue declaration into queue options.
func (q QueueConfig) Options() []dispatcher.QueueOption {
	opts := []dispatcher.QueueOption{
		dispatcher.Description(q.Description),
		dispatcher.Concurrency(q.Concurrency),
		dispatcher.RateLimit(q.RateLimitMax, q.RateLimitPer.Std()),
		dispatcher.QueueTimeout(q.Timeout.Std()),
	}
	if q.DefaultAttempts > 0 {
		opts = append(opts, dispatcher.DefaultJobAttempts(q.DefaultAttempts))
	}
	if q.BackoffDelay > 0 {
		kind := q.BackoffType
		if kind == "" {
			kind = core.BackoffExponential
		}
		opts = append(opts, dispatcher.Backoff(kind, q.BackoffDelay.Std()))
	}
	if q.Paused {
		opts = append(opts, dispatcher.Paused())
	}
	return opts
}

// EnsureQueues registers every declared queue. Existing queues are updated
// to match the declaration; a queue paused at runtime stays paused.
func (c *Config) EnsureQueues(ctx context.Context, d *dispatcher.Dispatcher) error {
	for _, q := range c.Queues {
		if _, err := d.GetQueue(ctx, q.Name); err != nil {
			if !core.IsNotFound(err) {
				return err
			}
			if _, err := d.CreateQueue(ctx, q.Name, q.Options()...); err != nil {
				return fmt.Errorf("create queue %s: %w", q.Name, err)
			}
			continue
		}
		if _, err := d.UpdateQueue(ctx, q.Name, q.Options()...); err != nil {
			return fmt.Errorf("update queue %s: %w", q.Name, err)
		}
	}
	return nil
}
