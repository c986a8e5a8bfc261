// Package config loads and validates the pipeline's configuration surface:
// ownership rules, the cost table, admission policy, quality threshold,
// cache and learning parameters, durability, and telemetry endpoints.
// Everything is validated at load time; a bad configuration is a fatal
// startup error, never a runtime warning.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/meridian-labs/aegis/pkg/contracts"
	"github.com/meridian-labs/aegis/pkg/ownership"
)

// EngineVersion is the running pipeline version, checked against a
// configuration's min_engine_version constraint.
const EngineVersion = "1.2.0"

// Config is the full configuration surface.
type Config struct {
	MinEngineVersion string `yaml:"min_engine_version"`

	Ownership []ownership.Rule `yaml:"ownership"`

	CostTable     map[contracts.Category]float64 `yaml:"cost_table"`
	GlobalCeiling float64                        `yaml:"global_ceiling"`
	AdmitPolicy   string                         `yaml:"admit_policy"`
	AdmitRate     float64                        `yaml:"admit_rate"`
	AdmitBurst    int                            `yaml:"admit_burst"`

	QualityThreshold int     `yaml:"quality_threshold"`
	LearningRate     float64 `yaml:"learning_rate"`
	QualityWeight    float64 `yaml:"quality_weight"`
	CostWeight       float64 `yaml:"cost_weight"`

	CacheTTL        time.Duration `yaml:"cache_ttl"`
	CacheCapacity   int           `yaml:"cache_capacity"`
	ExecutorTimeout time.Duration `yaml:"executor_timeout"`

	SQLitePath   string `yaml:"sqlite_path"`
	RedisAddr    string `yaml:"redis_addr"`
	BusAuditSize int    `yaml:"bus_audit_size"`

	ListenAddr   string `yaml:"listen_addr"`
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Telemetry    bool   `yaml:"telemetry"`
}

// Default returns the configuration used when a field is unset.
func Default() *Config {
	return &Config{
		MinEngineVersion: ">= 1.0.0",
		Ownership: []ownership.Rule{
			{Concern: ownership.ConcernCostChecking, Owner: "cost-gate",
				Forbidden: []string{"adaptive-router", "orchestrator"}},
			{Concern: ownership.ConcernDuplicateChecking, Owner: "knowledge-cache",
				Forbidden: []string{"cost-gate", "orchestrator"}},
			{Concern: ownership.ConcernQualityValidation, Owner: "quality-validator",
				Forbidden: []string{"cost-gate", "knowledge-cache"}},
		},
		CostTable: map[contracts.Category]float64{
			contracts.CategoryWebSearch:      1,
			contracts.CategorySummarize:      2,
			contracts.CategoryDataExtract:    4,
			contracts.CategoryMarketAnalysis: 12,
			contracts.CategoryDeepResearch:   20,
		},
		QualityThreshold: 80,
		LearningRate:     0.2,
		QualityWeight:    1.0,
		CostWeight:       0.1,
		CacheTTL:         time.Hour,
		CacheCapacity:    4096,
		ExecutorTimeout:  30 * time.Second,
		BusAuditSize:     256,
		ListenAddr:       ":8090",
		LogLevel:         "INFO",
		OTLPEndpoint:     "localhost:4317",
	}
}

// Load reads a YAML file over the defaults, then applies env overrides.
// An empty path loads defaults plus env only.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("AEGIS_LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("AEGIS_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("AEGIS_SQLITE_PATH"); v != "" {
		c.SQLitePath = v
	}
	if v := os.Getenv("AEGIS_REDIS_ADDR"); v != "" {
		c.RedisAddr = v
	}
	if v := os.Getenv("AEGIS_OTLP_ENDPOINT"); v != "" {
		c.OTLPEndpoint = v
	}
	if v := os.Getenv("AEGIS_TELEMETRY"); v != "" {
		c.Telemetry = v == "true"
	}
	if v := os.Getenv("AEGIS_QUALITY_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.QualityThreshold = n
		}
	}
}

// Validate enforces the whole configuration contract. Any violation aborts
// startup.
func (c *Config) Validate() error {
	if c.MinEngineVersion != "" {
		constraint, err := semver.NewConstraint(c.MinEngineVersion)
		if err != nil {
			return fmt.Errorf("min_engine_version %q: %w", c.MinEngineVersion, err)
		}
		if !constraint.Check(semver.MustParse(EngineVersion)) {
			return fmt.Errorf("engine %s does not satisfy min_engine_version %q",
				EngineVersion, c.MinEngineVersion)
		}
	}

	seen := make(map[string]string, len(c.Ownership))
	for _, rule := range c.Ownership {
		if rule.Concern == "" || rule.Owner == "" {
			return fmt.Errorf("ownership rule requires both concern and owner")
		}
		if owner, dup := seen[rule.Concern]; dup && owner != rule.Owner {
			return &contracts.OwnershipConflictError{
				Concern: rule.Concern, Owner: owner, Claimed: rule.Owner,
			}
		}
		seen[rule.Concern] = rule.Owner
	}
	for _, concern := range []string{
		ownership.ConcernCostChecking,
		ownership.ConcernDuplicateChecking,
		ownership.ConcernQualityValidation,
	} {
		if _, ok := seen[concern]; !ok {
			return fmt.Errorf("required concern %q has no ownership rule", concern)
		}
	}

	if len(c.CostTable) == 0 {
		return fmt.Errorf("cost_table must not be empty")
	}
	for cat, cost := range c.CostTable {
		if cost <= 0 {
			return fmt.Errorf("cost_table entry for %q must be positive, got %v", cat, cost)
		}
	}
	if c.QualityThreshold < 0 || c.QualityThreshold > 100 {
		return fmt.Errorf("quality_threshold %d outside 0..100", c.QualityThreshold)
	}
	if c.LearningRate <= 0 || c.LearningRate > 1 {
		return fmt.Errorf("learning_rate %v outside (0, 1]", c.LearningRate)
	}
	if c.QualityWeight < 0 || c.CostWeight < 0 {
		return fmt.Errorf("score weights must be non-negative")
	}
	if c.CacheTTL <= 0 {
		return fmt.Errorf("cache_ttl must be positive")
	}
	if c.CacheCapacity <= 0 {
		return fmt.Errorf("cache_capacity must be positive")
	}
	if c.ExecutorTimeout <= 0 {
		return fmt.Errorf("executor_timeout must be positive")
	}
	if c.AdmitRate < 0 || c.AdmitBurst < 0 {
		return fmt.Errorf("admit_rate and admit_burst must be non-negative")
	}
	return nil
}

// BuildOwnership registers every rule into a fresh registry and seals it.
// The first conflict aborts.
func (c *Config) BuildOwnership() (*ownership.Registry, error) {
	reg := ownership.NewRegistry()
	for _, rule := range c.Ownership {
		if err := reg.Register(rule); err != nil {
			return nil, err
		}
	}
	reg.Seal()
	return reg, nil
}
