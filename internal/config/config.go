package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

const (
	EnforcementSoft = "soft"
	EnforcementHard = "hard"

	FastPathNone      = "none"
	FastPathValidated = "skip_to_validated"
	FastPathPaid      = "skip_to_payee"
)

// Config models ipmf.yml.
type Config struct {
	Finance       FinanceConfig      `yaml:"finance"`
	Budget        BudgetConfig       `yaml:"budget"`
	Expenses      ExpenseConfig      `yaml:"expenses"`
	Sweep         SweepConfig        `yaml:"sweep"`
	Notifications NotificationConfig `yaml:"notifications"`
	Log           LogConfig          `yaml:"log"`
}

// FinanceConfig holds the amount thresholds. Amounts are decimal strings.
type FinanceConfig struct {
	DGValidationThreshold string `yaml:"dg_validation_threshold"`
	IncomeMin             string `yaml:"income_min"`
	IncomeMax             string `yaml:"income_max"`
}

type BudgetConfig struct {
	Enforcement         string `yaml:"enforcement"`
	FastPath            string `yaml:"fast_path"`
	ReservationAttempts int    `yaml:"reservation_attempts"`
}

// ExpenseConfig drives the derived ageing flags of pending expenses.
type ExpenseConfig struct {
	AlertAfterDays   int `yaml:"alert_after_days"`
	OverdueAfterDays int `yaml:"overdue_after_days"`
}

type SweepConfig struct {
	Interval string `yaml:"interval"`
}

type NotificationConfig struct {
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

func (w WebhookConfig) Active() bool {
	return strings.TrimSpace(w.URL) != "" && (w.Enabled == nil || *w.Enabled)
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; generate one with ipmf config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOrDefault returns the default config when the workspace has no file.
func LoadOrDefault(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	for name, raw := range map[string]string{
		"finance.dg_validation_threshold": c.Finance.DGValidationThreshold,
		"finance.income_min":              c.Finance.IncomeMin,
		"finance.income_max":              c.Finance.IncomeMax,
	} {
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return fmt.Errorf("config.%s must be a decimal amount: %w", name, err)
		}
		if !d.IsPositive() {
			return fmt.Errorf("config.%s must be positive", name)
		}
	}
	if c.Finance.MinIncome().GreaterThan(c.Finance.MaxIncome()) {
		return fmt.Errorf("config.finance.income_min exceeds income_max")
	}
	switch c.Budget.Enforcement {
	case EnforcementSoft, EnforcementHard:
	default:
		return fmt.Errorf("config.budget.enforcement must be %q or %q", EnforcementSoft, EnforcementHard)
	}
	switch c.Budget.FastPath {
	case FastPathNone, FastPathValidated, FastPathPaid:
	default:
		return fmt.Errorf("config.budget.fast_path must be one of %s, %s, %s", FastPathNone, FastPathValidated, FastPathPaid)
	}
	if c.Budget.ReservationAttempts < 1 {
		return fmt.Errorf("config.budget.reservation_attempts must be at least 1")
	}
	if c.Expenses.AlertAfterDays < 0 || c.Expenses.OverdueAfterDays < c.Expenses.AlertAfterDays {
		return fmt.Errorf("config.expenses: overdue_after_days must be >= alert_after_days >= 0")
	}
	if _, err := c.Sweep.Every(); err != nil {
		return err
	}
	for i, hook := range c.Notifications.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.notifications.webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.notifications.webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	switch c.Log.Format {
	case "", "json", "console":
	default:
		return fmt.Errorf("config.log.format must be json or console")
	}
	return nil
}

func (f FinanceConfig) Threshold() decimal.Decimal { return mustDecimal(f.DGValidationThreshold) }
func (f FinanceConfig) MinIncome() decimal.Decimal { return mustDecimal(f.IncomeMin) }
func (f FinanceConfig) MaxIncome() decimal.Decimal { return mustDecimal(f.IncomeMax) }

// Every parses the sweep interval.
func (s SweepConfig) Every() (time.Duration, error) {
	d, err := time.ParseDuration(s.Interval)
	if err != nil {
		return 0, fmt.Errorf("config.sweep.interval: %w", err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("config.sweep.interval must be positive")
	}
	return d, nil
}

func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "ipmf.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Missing keys keep
// their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `finance:
  # expenses at or above this amount need the DG to validate them
  dg_validation_threshold: "500000"
  income_min: "1000"
  income_max: "1000000000"

budget:
  # soft: over-budget expenses follow the manual chain with a warning
  # hard: over-budget expenses are refused
  enforcement: soft
  # none | skip_to_validated | skip_to_payee
  fast_path: none
  reservation_attempts: 3

expenses:
  alert_after_days: 3
  overdue_after_days: 7

sweep:
  interval: 5m

notifications:
  webhooks: []

log:
  level: info
  format: json
`
