// File: internal/config/config.go
package config

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/multierr"
)

// EnvPrefix is prepended to every environment override, e.g.
// SCALPEL_IAST_IAST_MODE=global.
const EnvPrefix = "SCALPEL_IAST"

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Database() DatabaseConfig
	IAST() IASTConfig
	Report() ReportConfig
	Simulate() SimulateConfig
	SetSimulateConfig(sc SimulateConfig)

	// IAST Setters
	SetIASTEnabled(bool)
	SetIASTMode(string)
	SetIASTSamplingPercent(int)

	// Report Setters
	SetReportFormat(string)
	SetReportOutput(string)
}

// Config holds the entire application configuration.
type Config struct {
	LoggerCfg   LoggerConfig   `mapstructure:"logger" yaml:"logger"`
	DatabaseCfg DatabaseConfig `mapstructure:"database" yaml:"database"`
	IASTCfg     IASTConfig     `mapstructure:"iast" yaml:"iast"`
	ReportCfg   ReportConfig   `mapstructure:"report" yaml:"report"`
	// SimulateCfg gets its marching orders from CLI flags, not the config file.
	SimulateCfg SimulateConfig `mapstructure:"-" yaml:"-"`
}

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig     { return c.LoggerCfg }
func (c *Config) Database() DatabaseConfig { return c.DatabaseCfg }
func (c *Config) IAST() IASTConfig         { return c.IASTCfg }
func (c *Config) Report() ReportConfig     { return c.ReportCfg }
func (c *Config) Simulate() SimulateConfig { return c.SimulateCfg }

// --- Interface Method Implementations (Setters) ---

func (c *Config) SetSimulateConfig(sc SimulateConfig) { c.SimulateCfg = sc }

// IAST Setters
func (c *Config) SetIASTEnabled(b bool)        { c.IASTCfg.Enabled = b }
func (c *Config) SetIASTMode(m string)         { c.IASTCfg.Mode = m }
func (c *Config) SetIASTSamplingPercent(p int) { c.IASTCfg.Overhead.SamplingPercent = p }

// Report Setters
func (c *Config) SetReportFormat(f string) { c.ReportCfg.Format = f }
func (c *Config) SetReportOutput(o string) { c.ReportCfg.Output = o }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// DatabaseConfig holds the connection details of the optional findings store.
type DatabaseConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// Taint context modes accepted by iast.mode.
const (
	ModeGlobal  = "global"
	ModeRequest = "request"
	ModeOptOut  = "optout"
)

// IASTConfig holds configuration for the runtime taint tracking engine. A zero
// SourceCacheSize disables source interning.
type IASTConfig struct {
	Enabled         bool             `mapstructure:"enabled" yaml:"enabled"`
	Mode            string           `mapstructure:"mode" yaml:"mode"`
	Overhead        OverheadConfig   `mapstructure:"overhead" yaml:"overhead"`
	TaintMap        TaintMapConfig   `mapstructure:"taint_map" yaml:"taint_map"`
	Dedup           DedupConfig      `mapstructure:"dedup" yaml:"dedup"`
	StackTraces     StackTraceConfig `mapstructure:"stack_traces" yaml:"stack_traces"`
	SourceCacheSize int              `mapstructure:"source_cache_size" yaml:"source_cache_size"`
}

// OverheadConfig bounds how much analysis the engine performs.
type OverheadConfig struct {
	Unlimited                 bool    `mapstructure:"unlimited" yaml:"unlimited"`
	SamplingPercent           int     `mapstructure:"sampling_percent" yaml:"sampling_percent"`
	MaxConcurrentRequests     int     `mapstructure:"max_concurrent_requests" yaml:"max_concurrent_requests"`
	VulnerabilitiesPerRequest int     `mapstructure:"vulnerabilities_per_request" yaml:"vulnerabilities_per_request"`
	ReportsPerSecond          float64 `mapstructure:"reports_per_second" yaml:"reports_per_second"`
}

// TaintMapConfig sizes the tainted object maps.
type TaintMapConfig struct {
	Capacity int           `mapstructure:"capacity" yaml:"capacity"`
	MaxAge   time.Duration `mapstructure:"max_age" yaml:"max_age"`
	PoolSize int           `mapstructure:"pool_size" yaml:"pool_size"`
}

// DedupConfig configures duplicate suppression of reports.
type DedupConfig struct {
	Enabled              bool          `mapstructure:"enabled" yaml:"enabled"`
	MaxSize              int           `mapstructure:"max_size" yaml:"max_size"`
	ResetInterval        time.Duration `mapstructure:"reset_interval" yaml:"reset_interval"`
	ResetTimerOnOverflow bool          `mapstructure:"reset_timer_on_overflow" yaml:"reset_timer_on_overflow"`
	DisabledTypes        []string      `mapstructure:"disabled_types" yaml:"disabled_types"`
}

// StackTraceConfig controls stack snapshots attached to vulnerabilities.
type StackTraceConfig struct {
	Enabled  bool `mapstructure:"enabled" yaml:"enabled"`
	MaxDepth int  `mapstructure:"max_depth" yaml:"max_depth"`
}

// ReportConfig selects how vulnerability batches are delivered.
type ReportConfig struct {
	Format string `mapstructure:"format" yaml:"format"`
	Output string `mapstructure:"output" yaml:"output"`
	// Persist also stores every batch in the database.
	Persist bool `mapstructure:"persist" yaml:"persist"`
}

// SimulateConfig holds settings populated from CLI flags for a simulated
// workload run.
type SimulateConfig struct {
	Requests    int
	Concurrency int
	Seed        int64
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "scalpel-iast")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- IAST --
	v.SetDefault("iast.enabled", true)
	v.SetDefault("iast.mode", ModeRequest)
	v.SetDefault("iast.overhead.unlimited", false)
	v.SetDefault("iast.overhead.sampling_percent", 100)
	v.SetDefault("iast.overhead.max_concurrent_requests", 2)
	v.SetDefault("iast.overhead.vulnerabilities_per_request", 2)
	v.SetDefault("iast.overhead.reports_per_second", 0)
	v.SetDefault("iast.taint_map.capacity", 1<<14)
	v.SetDefault("iast.taint_map.max_age", "1h")
	v.SetDefault("iast.taint_map.pool_size", 2)
	v.SetDefault("iast.dedup.enabled", true)
	v.SetDefault("iast.dedup.max_size", 1000)
	v.SetDefault("iast.dedup.reset_interval", "1h")
	v.SetDefault("iast.dedup.reset_timer_on_overflow", false)
	v.SetDefault("iast.dedup.disabled_types", []string{})
	v.SetDefault("iast.stack_traces.enabled", true)
	v.SetDefault("iast.stack_traces.max_depth", 32)
	v.SetDefault("iast.source_cache_size", 4096)

	// -- Report --
	v.SetDefault("report.format", "json")
	v.SetDefault("report.output", "stdout")
	v.SetDefault("report.persist", false)
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Bind environment variables for sensitive data
	v.BindEnv("database.url", EnvPrefix+"_DATABASE_URL")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
// Every invalid field is reported, not just the first.
func (c *Config) Validate() error {
	var err error
	if c.IASTCfg.Enabled {
		if e := c.IASTCfg.Validate(); e != nil {
			err = multierr.Append(err, fmt.Errorf("iast configuration invalid: %w", e))
		}
	}
	if e := c.ReportCfg.Validate(); e != nil {
		err = multierr.Append(err, fmt.Errorf("report configuration invalid: %w", e))
	}
	if c.ReportCfg.Persist && c.DatabaseCfg.URL == "" {
		err = multierr.Append(err, fmt.Errorf("database.url is required when report.persist is enabled"))
	}
	return err
}

// Validate checks the IAST engine settings.
func (i *IASTConfig) Validate() error {
	var err error
	switch i.Mode {
	case ModeGlobal, ModeRequest, ModeOptOut:
	default:
		err = multierr.Append(err, fmt.Errorf("iast.mode must be one of %q, %q or %q, got %q", ModeGlobal, ModeRequest, ModeOptOut, i.Mode))
	}
	err = multierr.Append(err, i.Overhead.Validate())

	if i.Mode != ModeOptOut && i.TaintMap.Capacity <= 0 {
		err = multierr.Append(err, fmt.Errorf("iast.taint_map.capacity must be a positive integer"))
	}
	if i.Mode == ModeGlobal && i.TaintMap.MaxAge <= 0 {
		err = multierr.Append(err, fmt.Errorf("iast.taint_map.max_age must be a positive duration in global mode"))
	}
	if i.Mode == ModeRequest && i.TaintMap.PoolSize <= 0 {
		err = multierr.Append(err, fmt.Errorf("iast.taint_map.pool_size must be a positive integer in request mode"))
	}
	if i.Dedup.Enabled {
		if i.Dedup.MaxSize <= 0 {
			err = multierr.Append(err, fmt.Errorf("iast.dedup.max_size must be a positive integer"))
		}
		if i.Dedup.ResetInterval < 0 {
			err = multierr.Append(err, fmt.Errorf("iast.dedup.reset_interval must not be negative"))
		}
	}
	if i.StackTraces.Enabled && i.StackTraces.MaxDepth <= 0 {
		err = multierr.Append(err, fmt.Errorf("iast.stack_traces.max_depth must be a positive integer"))
	}
	if i.SourceCacheSize < 0 {
		err = multierr.Append(err, fmt.Errorf("iast.source_cache_size must not be negative"))
	}
	return err
}

// Validate checks the overhead settings. Unlimited mode ignores the rest.
func (o *OverheadConfig) Validate() error {
	if o.Unlimited {
		return nil
	}
	var err error
	if o.SamplingPercent < 1 || o.SamplingPercent > 100 {
		err = multierr.Append(err, fmt.Errorf("iast.overhead.sampling_percent must be between 1 and 100"))
	}
	if o.MaxConcurrentRequests <= 0 {
		err = multierr.Append(err, fmt.Errorf("iast.overhead.max_concurrent_requests must be a positive integer"))
	}
	if o.VulnerabilitiesPerRequest < 0 {
		err = multierr.Append(err, fmt.Errorf("iast.overhead.vulnerabilities_per_request must not be negative"))
	}
	if o.ReportsPerSecond < 0 || math.IsNaN(o.ReportsPerSecond) || math.IsInf(o.ReportsPerSecond, 0) {
		err = multierr.Append(err, fmt.Errorf("iast.overhead.reports_per_second must be a finite non-negative number"))
	}
	return err
}

// Validate checks the report settings.
func (r *ReportConfig) Validate() error {
	switch r.Format {
	case "json", "sarif", "log":
		return nil
	default:
		return fmt.Errorf("report.format must be one of json, sarif or log, got %q", r.Format)
	}
}
