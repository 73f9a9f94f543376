// Package config holds the control plane's configuration surface: every
// knob named in spec.md §6, loaded with the teacher's three-layer
// priority (defaults, then environment variables, then functional
// options). An optional YAML overlay file is loaded by the WithConfigFile
// option, at its place among the options.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/modelmesh/atprouter/core"
	"gopkg.in/yaml.v3"
)

// ProtocolConfig mirrors spec.md §6 protocol.* options.
type ProtocolConfig struct {
	MaxFrameBytes     int   `json:"max_frame_bytes" yaml:"max_frame_bytes" env:"ATP_PROTOCOL_MAX_FRAME_BYTES" default:"1048576"`
	HeartbeatIntervalMs int `json:"heartbeat_interval_ms" yaml:"heartbeat_interval_ms" env:"ATP_PROTOCOL_HEARTBEAT_INTERVAL_MS" default:"15000"`
}

// SessionConfig mirrors spec.md §6 session.* options.
type SessionConfig struct {
	IdleMissedHeartbeats int `json:"idle_missed_heartbeats" yaml:"idle_missed_heartbeats" env:"ATP_SESSION_IDLE_MISSED_HEARTBEATS" default:"3"`
	AntiReplayWindowMs   int `json:"anti_replay_window_ms" yaml:"anti_replay_window_ms" env:"ATP_SESSION_ANTI_REPLAY_WINDOW_MS" default:"60000"`
	GapTimeoutMs         int `json:"gap_timeout_ms" yaml:"gap_timeout_ms" env:"ATP_SESSION_GAP_TIMEOUT_MS" default:"200"`
}

// SchedulerConfig mirrors spec.md §6 scheduler.* options.
type SchedulerConfig struct {
	TenantWeightGold       int `json:"tenant_weight_gold" yaml:"tenant_weight_gold" env:"ATP_SCHEDULER_WEIGHT_GOLD" default:"8"`
	TenantWeightSilver     int `json:"tenant_weight_silver" yaml:"tenant_weight_silver" env:"ATP_SCHEDULER_WEIGHT_SILVER" default:"4"`
	TenantWeightBronze     int `json:"tenant_weight_bronze" yaml:"tenant_weight_bronze" env:"ATP_SCHEDULER_WEIGHT_BRONZE" default:"1"`
	QueueHighWatermarkMs   int `json:"queue_high_watermark_ms" yaml:"queue_high_watermark_ms" env:"ATP_SCHEDULER_QUEUE_HIGH_WATERMARK_MS" default:"500"`
	QueueLowWatermarkMs    int `json:"queue_low_watermark_ms" yaml:"queue_low_watermark_ms" env:"ATP_SCHEDULER_QUEUE_LOW_WATERMARK_MS" default:"100"`
	StarvationP95ThresholdMs int `json:"starvation_p95_threshold_ms" yaml:"starvation_p95_threshold_ms" env:"ATP_SCHEDULER_STARVATION_P95_THRESHOLD_MS" default:"2000"`
}

// FlowConfig mirrors spec.md §6 flow.* options.
type FlowConfig struct {
	AIMDAlpha float64 `json:"aimd_alpha" yaml:"aimd_alpha" env:"ATP_FLOW_AIMD_ALPHA" default:"1.0"`
	AIMDBeta  float64 `json:"aimd_beta" yaml:"aimd_beta" env:"ATP_FLOW_AIMD_BETA" default:"0.5"`
	MinWindow int     `json:"min_window" yaml:"min_window" env:"ATP_FLOW_MIN_WINDOW" default:"1"`
}

// RoutingConfig mirrors spec.md §6 routing.* options.
type RoutingConfig struct {
	Strategy           string  `json:"strategy" yaml:"strategy" env:"ATP_ROUTING_STRATEGY" default:"thompson"`
	Weights            string  `json:"weights" yaml:"weights" env:"ATP_ROUTING_WEIGHTS"`
	ShadowProbability  float64 `json:"shadow_probability" yaml:"shadow_probability" env:"ATP_ROUTING_SHADOW_PROBABILITY" default:"0.05"`
	PromotionThreshold float64 `json:"promotion_threshold" yaml:"promotion_threshold" env:"ATP_ROUTING_PROMOTION_THRESHOLD" default:"0.02"`
}

// BreakerConfig mirrors spec.md §6 breaker.* options.
type BreakerConfig struct {
	FMax            int `json:"f_max" yaml:"f_max" env:"ATP_BREAKER_F_MAX" default:"5"`
	RMax            int `json:"r_max" yaml:"r_max" env:"ATP_BREAKER_R_MAX" default:"3"`
	CooldownInitialMs int `json:"cooldown_initial_ms" yaml:"cooldown_initial_ms" env:"ATP_BREAKER_COOLDOWN_INITIAL_MS" default:"1000"`
	CooldownMaxMs     int `json:"cooldown_max_ms" yaml:"cooldown_max_ms" env:"ATP_BREAKER_COOLDOWN_MAX_MS" default:"30000"`
}

// ShutdownConfig mirrors spec.md §6 shutdown.* options. The 40/30/30 split
// divides DrainTimeoutMs into: stop accepting new sessions, drain
// in-flight requests, force-close stragglers.
type ShutdownConfig struct {
	DrainTimeoutMs int `json:"drain_timeout_ms" yaml:"drain_timeout_ms" env:"ATP_SHUTDOWN_DRAIN_TIMEOUT_MS" default:"30000"`
}

// Split returns the three deadline-bounded stage durations per the
// 40/30/30 split named in spec.md §6.
func (s ShutdownConfig) Split() (stopAccepting, drainInFlight, forceClose time.Duration) {
	total := time.Duration(s.DrainTimeoutMs) * time.Millisecond
	stopAccepting = total * 40 / 100
	drainInFlight = total * 30 / 100
	forceClose = total - stopAccepting - drainInFlight
	return
}

// RedisConfig backs the Adapter Registry's distributed capability cache
// (grounded on core/redis_discovery.go's Redis usage).
type RedisConfig struct {
	URL string `json:"url" yaml:"url" env:"ATP_REDIS_URL,REDIS_URL" default:"redis://localhost:6379"`
}

// HTTPConfig controls the admin HTTP surface (spec.md §4.10 probes, §6
// admin endpoints).
type HTTPConfig struct {
	Address string `json:"address" yaml:"address" env:"ATP_HTTP_ADDRESS" default:"0.0.0.0:8080"`
}

// Config is the control plane's full configuration surface.
type Config struct {
	Protocol  ProtocolConfig  `json:"protocol" yaml:"protocol"`
	Session   SessionConfig   `json:"session" yaml:"session"`
	Scheduler SchedulerConfig `json:"scheduler" yaml:"scheduler"`
	Flow      FlowConfig      `json:"flow" yaml:"flow"`
	Routing   RoutingConfig   `json:"routing" yaml:"routing"`
	Breaker   BreakerConfig   `json:"breaker" yaml:"breaker"`
	Shutdown  ShutdownConfig  `json:"shutdown" yaml:"shutdown"`
	Redis     RedisConfig     `json:"redis" yaml:"redis"`
	HTTP      HTTPConfig      `json:"http" yaml:"http"`

	Logging     core.LoggingConfig     `json:"logging" yaml:"logging"`
	Development core.DevelopmentConfig `json:"development" yaml:"development"`

	logger core.Logger
}

// Option is a functional option, applied last and overriding env/defaults.
type Option func(*Config) error

// DefaultConfig returns the configuration with every default named in
// spec.md §6.
func DefaultConfig() *Config {
	return &Config{
		Protocol:  ProtocolConfig{MaxFrameBytes: 1 << 20, HeartbeatIntervalMs: 15000},
		Session:   SessionConfig{IdleMissedHeartbeats: 3, AntiReplayWindowMs: 60000, GapTimeoutMs: 200},
		Scheduler: SchedulerConfig{TenantWeightGold: 8, TenantWeightSilver: 4, TenantWeightBronze: 1, QueueHighWatermarkMs: 500, QueueLowWatermarkMs: 100, StarvationP95ThresholdMs: 2000},
		Flow:      FlowConfig{AIMDAlpha: 1.0, AIMDBeta: 0.5, MinWindow: 1},
		Routing:   RoutingConfig{Strategy: "thompson", ShadowProbability: 0.05, PromotionThreshold: 0.02},
		Breaker:   BreakerConfig{FMax: 5, RMax: 3, CooldownInitialMs: 1000, CooldownMaxMs: 30000},
		Shutdown:  ShutdownConfig{DrainTimeoutMs: 30000},
		Redis:     RedisConfig{URL: "redis://localhost:6379"},
		HTTP:      HTTPConfig{Address: "0.0.0.0:8080"},
		Logging:   core.LoggingConfig{Level: "info", Format: "json", Output: "stdout", TimeFormat: time.RFC3339Nano},
	}
}

// LoadFromFile overlays a YAML file onto the config's current values; via
// WithConfigFile in New it runs after the environment layer, so file
// values override env and are overridden by later options. Grounded on core/config.go's
// LoadFromFile, but YAML rather than JSON-only: the teacher's own comment
// there notes YAML support was never wired in, which this module completes.
func (c *Config) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse yaml config file %s: %w", path, err)
	}
	return nil
}

// LoadFromEnv overlays environment variables (spec.md §6 env names use the
// ATP_ prefix matching each option's dotted path).
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv("ATP_PROTOCOL_MAX_FRAME_BYTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Protocol.MaxFrameBytes = n
		}
	}
	if v := os.Getenv("ATP_PROTOCOL_HEARTBEAT_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Protocol.HeartbeatIntervalMs = n
		}
	}
	if v := os.Getenv("ATP_SESSION_IDLE_MISSED_HEARTBEATS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Session.IdleMissedHeartbeats = n
		}
	}
	if v := os.Getenv("ATP_SESSION_ANTI_REPLAY_WINDOW_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Session.AntiReplayWindowMs = n
		}
	}
	if v := os.Getenv("ATP_SESSION_GAP_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Session.GapTimeoutMs = n
		}
	}
	if v := os.Getenv("ATP_SCHEDULER_WEIGHT_GOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Scheduler.TenantWeightGold = n
		}
	}
	if v := os.Getenv("ATP_SCHEDULER_WEIGHT_SILVER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Scheduler.TenantWeightSilver = n
		}
	}
	if v := os.Getenv("ATP_SCHEDULER_WEIGHT_BRONZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Scheduler.TenantWeightBronze = n
		}
	}
	if v := os.Getenv("ATP_SCHEDULER_QUEUE_HIGH_WATERMARK_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Scheduler.QueueHighWatermarkMs = n
		}
	}
	if v := os.Getenv("ATP_SCHEDULER_QUEUE_LOW_WATERMARK_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Scheduler.QueueLowWatermarkMs = n
		}
	}
	if v := os.Getenv("ATP_SCHEDULER_STARVATION_P95_THRESHOLD_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Scheduler.StarvationP95ThresholdMs = n
		}
	}
	if v := os.Getenv("ATP_FLOW_AIMD_ALPHA"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Flow.AIMDAlpha = f
		}
	}
	if v := os.Getenv("ATP_FLOW_AIMD_BETA"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Flow.AIMDBeta = f
		}
	}
	if v := os.Getenv("ATP_FLOW_MIN_WINDOW"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Flow.MinWindow = n
		}
	}
	if v := os.Getenv("ATP_ROUTING_STRATEGY"); v != "" {
		c.Routing.Strategy = v
	}
	if v := os.Getenv("ATP_ROUTING_WEIGHTS"); v != "" {
		c.Routing.Weights = v
	}
	if v := os.Getenv("ATP_ROUTING_SHADOW_PROBABILITY"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Routing.ShadowProbability = f
		}
	}
	if v := os.Getenv("ATP_ROUTING_PROMOTION_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Routing.PromotionThreshold = f
		}
	}
	if v := os.Getenv("ATP_BREAKER_F_MAX"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Breaker.FMax = n
		}
	}
	if v := os.Getenv("ATP_BREAKER_R_MAX"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Breaker.RMax = n
		}
	}
	if v := os.Getenv("ATP_BREAKER_COOLDOWN_INITIAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Breaker.CooldownInitialMs = n
		}
	}
	if v := os.Getenv("ATP_BREAKER_COOLDOWN_MAX_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Breaker.CooldownMaxMs = n
		}
	}
	if v := os.Getenv("ATP_SHUTDOWN_DRAIN_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Shutdown.DrainTimeoutMs = n
		}
	}
	if v := os.Getenv("ATP_REDIS_URL"); v != "" {
		c.Redis.URL = v
	} else if v := os.Getenv("REDIS_URL"); v != "" {
		c.Redis.URL = v
	}
	if v := os.Getenv("ATP_HTTP_ADDRESS"); v != "" {
		c.HTTP.Address = v
	}
	if v := os.Getenv("ATP_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("ATP_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("ATP_DEV_MODE"); v != "" {
		c.Development.Enabled = parseBool(v)
	}
	return nil
}

func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "true" || s == "1" || s == "yes" || s == "on"
}

// Validate checks invariants the rest of the system relies on (spec.md §6,
// §4.6 weight ordering, §4.7 min window).
func (c *Config) Validate() error {
	if c.Protocol.MaxFrameBytes <= 0 {
		return fmt.Errorf("protocol.max_frame_bytes must be positive")
	}
	if c.Scheduler.TenantWeightGold <= c.Scheduler.TenantWeightSilver || c.Scheduler.TenantWeightSilver <= c.Scheduler.TenantWeightBronze {
		return fmt.Errorf("scheduler tenant weights must satisfy gold > silver > bronze")
	}
	if c.Flow.MinWindow < 1 {
		return fmt.Errorf("flow.min_window must be at least 1")
	}
	switch c.Routing.Strategy {
	case "thompson", "ucb", "greedy":
	default:
		return fmt.Errorf("routing.strategy %q must be one of thompson|ucb|greedy", c.Routing.Strategy)
	}
	if c.Breaker.CooldownMaxMs < c.Breaker.CooldownInitialMs {
		return fmt.Errorf("breaker.cooldown_max_ms must be >= breaker.cooldown_initial_ms")
	}
	if c.Shutdown.DrainTimeoutMs <= 0 {
		return fmt.Errorf("shutdown.drain_timeout_ms must be positive")
	}
	return nil
}

// Logger returns the configuration's logger, constructing the teacher's
// ProductionLogger on first use if none was supplied via WithLogger.
func (c *Config) Logger() core.Logger {
	if c.logger == nil {
		c.logger = core.NewProductionLogger(c.Logging, c.Development, "atprouter")
	}
	return c.logger
}

// WithLogger injects a logger, overriding the default ProductionLogger.
func WithLogger(l core.Logger) Option {
	return func(c *Config) error { c.logger = l; return nil }
}

// WithHTTPAddress sets the admin HTTP server's bind address.
func WithHTTPAddress(addr string) Option {
	return func(c *Config) error { c.HTTP.Address = addr; return nil }
}

// WithRedisURL sets the Redis URL backing the Adapter Registry's
// distributed capability cache.
func WithRedisURL(url string) Option {
	return func(c *Config) error { c.Redis.URL = url; return nil }
}

// WithRoutingStrategy selects the bandit policy (thompson|ucb|greedy).
func WithRoutingStrategy(strategy string) Option {
	return func(c *Config) error { c.Routing.Strategy = strategy; return nil }
}

// WithShadowProbability sets the champion/challenger shadow-traffic rate.
func WithShadowProbability(p float64) Option {
	return func(c *Config) error { c.Routing.ShadowProbability = p; return nil }
}

// WithSchedulerWeights sets the gold/silver/bronze deficit round robin
// weights (spec.md §6 scheduler.tenant_weights, default 8/4/1).
func WithSchedulerWeights(gold, silver, bronze int) Option {
	return func(c *Config) error {
		c.Scheduler.TenantWeightGold = gold
		c.Scheduler.TenantWeightSilver = silver
		c.Scheduler.TenantWeightBronze = bronze
		return nil
	}
}

// WithDrainTimeout sets the total graceful shutdown deadline, split
// 40/30/30 across stop-accepting/drain/force-close (spec.md §6).
func WithDrainTimeout(d time.Duration) Option {
	return func(c *Config) error { c.Shutdown.DrainTimeoutMs = int(d / time.Millisecond); return nil }
}

// WithConfigFile overlays a YAML file when this option is applied, in the
// order the options are given.
func WithConfigFile(path string) Option {
	return func(c *Config) error { return c.LoadFromFile(path) }
}

// WithDevelopmentMode enables development-friendly defaults.
func WithDevelopmentMode(enabled bool) Option {
	return func(c *Config) error {
		c.Development.Enabled = enabled
		if enabled {
			c.Development.PrettyLogs = true
			c.Logging.Format = "text"
			c.Logging.Level = "debug"
		}
		return nil
	}
}

// New builds a Config using the teacher's layering: defaults, then
// environment variables, then functional options (which may themselves
// load a YAML file), then validation.
func New(opts ...Option) (*Config, error) {
	cfg := DefaultConfig()

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("load env config: %w", err)
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
