package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/jdziat/fleet-orchestrator/pkg/circuit"
	"github.com/jdziat/fleet-orchestrator/pkg/core"
	"github.com/jdziat/fleet-orchestrator/pkg/governor"
	"github.com/jdziat/fleet-orchestrator/pkg/health"
	"github.com/jdziat/fleet-orchestrator/pkg/instances"
	"github.com/jdziat/fleet-orchestrator/pkg/promotion"
	"github.com/jdziat/fleet-orchestrator/pkg/schedule"
	"github.com/jdziat/fleet-orchestrator/pkg/storage"
)

// MaxFileSize bounds the configuration file.
const MaxFileSize = 1 << 20

// Leader election modes.
const (
	LeaderSingle   = "single"
	LeaderLease    = "lease"
	LeaderAdvisory = "advisory"
)

// Config is the complete daemon configuration.
type Config struct {
	Database  DatabaseConfig   `yaml:"database"`
	Leader    LeaderConfig     `yaml:"leader"`
	HTTP      HTTPConfig       `yaml:"http"`
	Log       LogConfig        `yaml:"log"`
	Notify    NotifyConfig     `yaml:"notify"`
	Workers   WorkersConfig    `yaml:"workers"`
	Instances InstancesConfig  `yaml:"instances"`
	Breaker   BreakerConfig    `yaml:"breaker"`
	Governor  governor.Config  `yaml:"governor"`
	Promotion promotion.Config `yaml:"promotion"`

	// JobTimeouts overrides per-type job timeouts in minutes. The key
	// "default" sets the fallback for unlisted types.
	JobTimeouts map[string]int `yaml:"job_timeouts"`

	// Gates replaces the promotion thresholds of the listed stages.
	Gates map[core.Stage]promotion.Thresholds `yaml:"gates" validate:"dive"`
}

// DatabaseConfig selects and tunes the storage backend.
type DatabaseConfig struct {
	// DSN is a PostgreSQL URL or a SQLite path.
	// Default: "fleet.db"
	DSN string `yaml:"dsn" validate:"required"`

	// Zero keeps the driver-specific pool defaults.
	MaxOpenConns    int           `yaml:"max_open_conns" validate:"gte=0"`
	MaxIdleConns    int           `yaml:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// LeaderConfig selects the leader election strategy.
type LeaderConfig struct {
	// Mode is single, lease or advisory.
	// Default: "single"
	Mode string `yaml:"mode" validate:"oneof=single lease advisory"`

	// Name identifies the lease row or advisory lock.
	// Default: "fleet-leader"
	Name string `yaml:"name" validate:"required"`

	// TTL is the lease validity in lease mode.
	// Default: 30s
	TTL time.Duration `yaml:"ttl"`

	// RenewInterval is how often leadership is renewed or re-campaigned.
	// Default: 10s
	RenewInterval time.Duration `yaml:"renew_interval"`
}

// HTTPConfig configures the status API.
type HTTPConfig struct {
	// Addr is the listen address. Empty disables the status API.
	// Default: "127.0.0.1:8080"
	Addr string `yaml:"addr"`

	// Token is the bearer token required by the operator routes
	// (approve-live, reenable). It is required unless Addr is loopback.
	// Usually set through FLEET_API_TOKEN.
	Token string `yaml:"token"`
}

// Loopback reports whether Addr only accepts local connections.
func (h HTTPConfig) Loopback() bool {
	host, _, err := net.SplitHostPort(h.Addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// LogConfig configures the process logger.
type LogConfig struct {
	// Default: "info"
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
	// Default: "text"
	Format string `yaml:"format" validate:"oneof=text json"`
}

// NotifyConfig configures outbound notifications.
type NotifyConfig struct {
	// WebhookURL receives promotion, demotion and kill notifications.
	// Empty disables notifications.
	WebhookURL string `yaml:"webhook_url" validate:"omitempty,url"`

	// Default: 30
	RatePerMinute int `yaml:"rate_per_minute" validate:"gte=0"`

	// Default: 5s
	Timeout time.Duration `yaml:"timeout"`
}

// WorkersConfig holds the schedule of every background worker. Values are Go
// durations ("30s") or cron expressions ("*/5 * * * *").
type WorkersConfig struct {
	// Default: "1m"
	JobTimeoutMonitor string `yaml:"job_timeout_monitor" validate:"required"`
	// Default: "30s"
	InstanceSupervisor string `yaml:"instance_supervisor" validate:"required"`
	// Default: "10s"
	BacktestConsumer string `yaml:"backtest_consumer" validate:"required"`
	// Default: "30s"
	ImproveConsumer string `yaml:"improve_consumer" validate:"required"`
	// Default: "30s"
	EvolveConsumer string `yaml:"evolve_consumer" validate:"required"`
	// Default: "5m"
	AutonomyLoop string `yaml:"autonomy_loop" validate:"required"`

	// JobHeartbeat is how often consumers refresh running jobs.
	// Default: 30s
	JobHeartbeat time.Duration `yaml:"job_heartbeat"`
}

// InstancesConfig mirrors instances.Config.
type InstancesConfig struct {
	RunnerStaleAfter time.Duration `yaml:"runner_stale_after"`
	JobStaleAfter    time.Duration `yaml:"job_stale_after"`
	StuckJobAfter    time.Duration `yaml:"stuck_job_after"`
	KillStages       []core.Stage  `yaml:"kill_stages"`
	LockTTL          time.Duration `yaml:"lock_ttl"`
	PruneAfter       time.Duration `yaml:"prune_after"`
}

// BreakerConfig configures the per-bot breakers and the backend circuit.
type BreakerConfig struct {
	// Default: 3
	Threshold int `yaml:"threshold" validate:"gte=1"`
	// Default: 10m
	Cooldown time.Duration `yaml:"cooldown"`
	// Default: circuit.DefaultBackendCooldown
	BackendCooldown time.Duration `yaml:"backend_cooldown"`
}

// Default returns the built-in configuration.
func Default() Config {
	inst := instances.DefaultConfig()
	breaker := circuit.DefaultConfig()
	return Config{
		Database: DatabaseConfig{DSN: "fleet.db"},
		Leader: LeaderConfig{
			Mode:          LeaderSingle,
			Name:          "fleet-leader",
			TTL:           30 * time.Second,
			RenewInterval: 10 * time.Second,
		},
		HTTP:   HTTPConfig{Addr: "127.0.0.1:8080"},
		Log:    LogConfig{Level: "info", Format: "text"},
		Notify: NotifyConfig{RatePerMinute: 30, Timeout: 5 * time.Second},
		Workers: WorkersConfig{
			JobTimeoutMonitor:  "1m",
			InstanceSupervisor: "30s",
			BacktestConsumer:   "10s",
			ImproveConsumer:    "30s",
			EvolveConsumer:     "30s",
			AutonomyLoop:       "5m",
			JobHeartbeat:       30 * time.Second,
		},
		Instances: InstancesConfig{
			RunnerStaleAfter: inst.RunnerStaleAfter,
			JobStaleAfter:    inst.JobStaleAfter,
			StuckJobAfter:    inst.StuckJobAfter,
			KillStages:       inst.KillStages,
			LockTTL:          inst.LockTTL,
			PruneAfter:       inst.PruneAfter,
		},
		Breaker: BreakerConfig{
			Threshold:       breaker.Threshold,
			Cooldown:        breaker.Cooldown,
			BackendCooldown: circuit.DefaultBackendCooldown,
		},
		Governor:  governor.DefaultConfig(),
		Promotion: promotion.DefaultConfig(),
	}
}

// Load builds the configuration from defaults, the YAML file at path (if
// path is non-empty) and the environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return cfg, fmt.Errorf("open config: %w", err)
		}
		defer f.Close()
		if err := cfg.decode(io.LimitReader(f, MaxFileSize+1)); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates the result. The
// environment is not consulted.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := cfg.decode(bytes.NewReader(data)); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) decode(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if len(data) > MaxFileSize {
		return fmt.Errorf("config exceeds %d bytes", MaxFileSize)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ApplyEnv applies the FLEET_* overrides read through lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("FLEET_DATABASE_DSN"); ok && v != "" {
		c.Database.DSN = v
	}
	if v, ok := lookup("FLEET_LEADER_MODE"); ok && v != "" {
		c.Leader.Mode = strings.ToLower(v)
	}
	if v, ok := lookup("FLEET_HTTP_ADDR"); ok {
		c.HTTP.Addr = v
	}
	if v, ok := lookup("FLEET_API_TOKEN"); ok {
		c.HTTP.Token = v
	}
	if v, ok := lookup("FLEET_WEBHOOK_URL"); ok {
		c.Notify.WebhookURL = v
	}
	if v, ok := lookup("FLEET_LOG_LEVEL"); ok && v != "" {
		c.Log.Level = strings.ToLower(v)
	}
	for _, t := range core.JobTypes {
		v, ok := lookup("FLEET_JOB_TIMEOUT_" + string(t))
		if !ok || v == "" {
			continue
		}
		m, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("FLEET_JOB_TIMEOUT_%s: %w", t, err)
		}
		if c.JobTimeouts == nil {
			c.JobTimeouts = make(map[string]int)
		}
		c.JobTimeouts[string(t)] = m
	}
	return nil
}

var validate = validator.New()

// Validate checks struct tags and the values tags cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	var errs []error
	if c.Leader.Mode == LeaderAdvisory && !storage.IsPostgresDSN(c.Database.DSN) {
		errs = append(errs, errors.New("leader mode advisory requires a PostgreSQL database"))
	}
	if _, err := c.Schedules(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.TimeoutTable(); err != nil {
		errs = append(errs, err)
	}
	if c.HTTP.Addr != "" && c.HTTP.Token == "" && !c.HTTP.Loopback() {
		errs = append(errs, fmt.Errorf("http.addr %q is not loopback: set http.token or FLEET_API_TOKEN", c.HTTP.Addr))
	}
	for _, st := range c.Instances.KillStages {
		if !st.Valid() {
			errs = append(errs, fmt.Errorf("instances.kill_stages: unknown stage %q", st))
		}
	}
	for st := range c.Gates {
		if !st.Valid() || st == core.StageLive {
			errs = append(errs, fmt.Errorf("gates: no promotion out of stage %q", st))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Schedules parses every worker schedule, keyed by worker name.
func (c *Config) Schedules() (map[string]schedule.Schedule, error) {
	specs := map[string]string{
		"job-timeout-monitor": c.Workers.JobTimeoutMonitor,
		"instance-supervisor": c.Workers.InstanceSupervisor,
		"backtest-consumer":   c.Workers.BacktestConsumer,
		"improve-consumer":    c.Workers.ImproveConsumer,
		"evolve-consumer":     c.Workers.EvolveConsumer,
		"autonomy-loop":       c.Workers.AutonomyLoop,
	}
	out := make(map[string]schedule.Schedule, len(specs))
	for name, spec := range specs {
		s, err := schedule.Parse(spec)
		if err != nil {
			return nil, fmt.Errorf("workers.%s: %w", strings.ReplaceAll(name, "-", "_"), err)
		}
		out[name] = s
	}
	return out, nil
}

// TimeoutTable returns the job timeouts with overrides applied.
func (c *Config) TimeoutTable() (health.TimeoutTable, error) {
	return health.DefaultTimeoutTable().Override(c.JobTimeouts)
}

// PoolOptions returns the storage pool overrides.
func (c *Config) PoolOptions() []storage.PoolOption {
	var opts []storage.PoolOption
	if c.Database.MaxOpenConns > 0 {
		opts = append(opts, storage.MaxOpenConns(c.Database.MaxOpenConns))
	}
	if c.Database.MaxIdleConns > 0 {
		opts = append(opts, storage.MaxIdleConns(c.Database.MaxIdleConns))
	}
	if c.Database.ConnMaxLifetime > 0 {
		opts = append(opts, storage.ConnMaxLifetime(c.Database.ConnMaxLifetime))
	}
	return opts
}

// SupervisorConfig converts the instances section.
func (c *Config) SupervisorConfig() instances.Config {
	return instances.Config{
		RunnerStaleAfter: c.Instances.RunnerStaleAfter,
		JobStaleAfter:    c.Instances.JobStaleAfter,
		StuckJobAfter:    c.Instances.StuckJobAfter,
		KillStages:       c.Instances.KillStages,
		LockTTL:          c.Instances.LockTTL,
		PruneAfter:       c.Instances.PruneAfter,
	}
}

// BreakerOptions returns the per-bot breaker settings.
func (c *Config) BreakerOptions() circuit.Config {
	return circuit.Config{Threshold: c.Breaker.Threshold, Cooldown: c.Breaker.Cooldown}
}

// PromotionGates returns the default gates with configured stages replaced.
func (c *Config) PromotionGates() promotion.Gates {
	gates := promotion.DefaultGates()
	for st, th := range c.Gates {
		gates[st] = th
	}
	return gates
}

// NewLogger builds the process logger writing to w.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	var level slog.Level
	switch c.Log.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
