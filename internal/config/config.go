package config

import (
	"fmt"
	"strings"
	"time"
)

// ParameterTarget identifies where an injected parameter is applied.
type ParameterTarget string

const (
	TargetHeader ParameterTarget = "header"
	TargetQuery  ParameterTarget = "query"
	TargetBody   ParameterTarget = "body"
)

// ParameterScope controls how often a template value is resolved.
type ParameterScope string

const (
	// ScopeGlobal resolves the value once per test and reuses it in every session.
	ScopeGlobal ParameterScope = "global"
	// ScopeSession resolves the value against each session's variable context.
	ScopeSession ParameterScope = "session"
)

// ParameterTemplate describes one request parameter to inject into matching
// outgoing requests. URLPattern and Method are optional constraints; an empty
// constraint always matches.
type ParameterTemplate struct {
	Target     ParameterTarget `mapstructure:"target"`
	Name       string          `mapstructure:"name"`
	Value      string          `mapstructure:"value"`
	Scope      ParameterScope  `mapstructure:"scope"`
	URLPattern string          `mapstructure:"url_pattern"`
	Method     string          `mapstructure:"method"`
}

// ResourceLimits bound a single browser instance and the pool as a whole.
type ResourceLimits struct {
	MaxMemoryPerInstanceMB float64 `mapstructure:"max_memory_per_instance_mb"`
	MaxCPUPercentage       float64 `mapstructure:"max_cpu_percentage"`
	MaxConcurrentInstances int     `mapstructure:"max_concurrent_instances"`
}

// RecoveryConfig tunes the circuit breaker and blacklist bookkeeping.
type RecoveryConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	SuccessThreshold int           `mapstructure:"success_threshold"`
	RecoveryTimeout  time.Duration `mapstructure:"recovery_timeout"`
	MonitoringWindow time.Duration `mapstructure:"monitoring_window"`
}

// DriverConfig configures the underlying browser driver.
type DriverConfig struct {
	Headless     bool   `mapstructure:"headless"`
	ChromePath   string `mapstructure:"chrome_path"`
	UserAgent    string `mapstructure:"user_agent"`
	WindowWidth  int    `mapstructure:"window_width"`
	WindowHeight int    `mapstructure:"window_height"`
}

// PoolConfig configures the browser instance pool.
type PoolConfig struct {
	MaxInstances   int            `mapstructure:"max_instances"`
	MinInstances   int            `mapstructure:"min_instances"`
	AcquireTimeout time.Duration  `mapstructure:"acquire_timeout"`
	IdleTimeout    time.Duration  `mapstructure:"idle_timeout"`
	ResourceLimits ResourceLimits `mapstructure:"resource_limits"`
	Recovery       RecoveryConfig `mapstructure:"recovery"`
	Driver         DriverConfig   `mapstructure:"driver"`
}

// DRMConfig extends the built-in license traffic heuristics.
type DRMConfig struct {
	LicenseURLPatterns []string `mapstructure:"license_url_patterns"`
}

// AuthConfig supplies credentials applied to every simulated session.
type AuthConfig struct {
	BearerToken string            `mapstructure:"bearer_token"`
	Headers     map[string]string `mapstructure:"headers"`
}

// TracingConfig configures OTLP trace export.
type TracingConfig struct {
	Enable      bool    `mapstructure:"enabled"`
	Endpoint    string  `mapstructure:"endpoint"`
	Protocol    string  `mapstructure:"protocol"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRate  float64 `mapstructure:"sample_rate"`
	Insecure    bool    `mapstructure:"insecure"`
	Propagate   bool    `mapstructure:"propagate"`
}

// Enabled reports whether tracing should be initialized.
func (t TracingConfig) Enabled() bool { return t.Enable }

// ShouldPropagate reports whether W3C trace headers are injected into
// intercepted requests.
func (t TracingConfig) ShouldPropagate() bool { return t.Enable && t.Propagate }

// Config is the full test configuration.
type Config struct {
	TargetURL         string              `mapstructure:"target"`
	ConcurrentUsers   int                 `mapstructure:"concurrent_users"`
	TestDuration      time.Duration       `mapstructure:"test_duration"`
	RampUpTime        time.Duration       `mapstructure:"ramp_up_time"`
	NavigationTimeout time.Duration       `mapstructure:"navigation_timeout"`
	StreamingOnly     bool                `mapstructure:"streaming_only"`
	AllowedURLs       []string            `mapstructure:"allowed_urls"`
	BlockedURLs       []string            `mapstructure:"blocked_urls"`
	RequestParameters []ParameterTemplate `mapstructure:"request_parameters"`
	ValueArrays       map[string][]string `mapstructure:"value_arrays"`
	Pool              PoolConfig          `mapstructure:"pool"`
	DRM               DRMConfig           `mapstructure:"drm"`
	Auth              AuthConfig          `mapstructure:"auth"`
	Tracing           TracingConfig       `mapstructure:"tracing"`
	ResultsFile       string              `mapstructure:"results_file"`
	ConfigFile        string              `mapstructure:"-"`
}

// ValidationError aggregates every configuration problem found.
type ValidationError struct {
	issues []string
}

func (e ValidationError) Error() string {
	if len(e.issues) == 0 {
		return "validation failed"
	}
	return fmt.Sprintf("validation failed: %s", strings.Join(e.issues, "; "))
}

// Issues returns a copy of the individual validation problems.
func (e ValidationError) Issues() []string {
	return append([]string(nil), e.issues...)
}

// Validate checks the configuration and returns a ValidationError listing
// every problem, or nil when the configuration is usable.
func (c Config) Validate() error {
	var issues []string

	if strings.TrimSpace(c.TargetURL) == "" {
		issues = append(issues, "target is required")
	}
	if c.ConcurrentUsers < 1 {
		issues = append(issues, "concurrent_users must be >= 1")
	}
	if c.TestDuration <= 0 {
		issues = append(issues, "test_duration must be > 0")
	}
	if c.RampUpTime < 0 {
		issues = append(issues, "ramp_up_time must be >= 0")
	}
	if c.NavigationTimeout < 0 {
		issues = append(issues, "navigation_timeout must be >= 0")
	}

	issues = append(issues, validatePool(c.Pool)...)
	issues = append(issues, validateTemplates(c.RequestParameters)...)
	issues = append(issues, validateTracing(c.Tracing)...)

	if len(issues) > 0 {
		return ValidationError{issues: issues}
	}
	return nil
}

func validatePool(p PoolConfig) []string {
	var issues []string
	if p.MaxInstances < 1 {
		issues = append(issues, "pool.max_instances must be >= 1")
	}
	if p.MinInstances < 0 {
		issues = append(issues, "pool.min_instances must be >= 0")
	}
	if p.MinInstances > p.MaxInstances {
		issues = append(issues, "pool.min_instances must not exceed pool.max_instances")
	}
	if p.AcquireTimeout < 0 {
		issues = append(issues, "pool.acquire_timeout must be >= 0")
	}
	if p.ResourceLimits.MaxMemoryPerInstanceMB < 0 {
		issues = append(issues, "pool.resource_limits.max_memory_per_instance_mb must be >= 0")
	}
	if p.ResourceLimits.MaxCPUPercentage < 0 || p.ResourceLimits.MaxCPUPercentage > 100 {
		issues = append(issues, "pool.resource_limits.max_cpu_percentage must be between 0 and 100")
	}
	if p.Recovery.FailureThreshold < 1 {
		issues = append(issues, "pool.recovery.failure_threshold must be >= 1")
	}
	if p.Recovery.SuccessThreshold < 1 {
		issues = append(issues, "pool.recovery.success_threshold must be >= 1")
	}
	if p.Recovery.RecoveryTimeout <= 0 {
		issues = append(issues, "pool.recovery.recovery_timeout must be > 0")
	}
	if p.Recovery.MonitoringWindow <= 0 {
		issues = append(issues, "pool.recovery.monitoring_window must be > 0")
	}
	return issues
}

func validateTemplates(templates []ParameterTemplate) []string {
	var issues []string
	for i, t := range templates {
		switch t.Target {
		case TargetHeader, TargetQuery, TargetBody:
		default:
			issues = append(issues, fmt.Sprintf("request_parameters[%d].target must be header, query, or body", i))
		}
		if strings.TrimSpace(t.Name) == "" {
			issues = append(issues, fmt.Sprintf("request_parameters[%d].name is required", i))
		}
		switch t.Scope {
		case ScopeGlobal, ScopeSession, "":
		default:
			issues = append(issues, fmt.Sprintf("request_parameters[%d].scope must be global or session", i))
		}
	}
	return issues
}

func validateTracing(t TracingConfig) []string {
	var issues []string
	if !t.Enable {
		return nil
	}
	if t.SampleRate < 0 || t.SampleRate > 1.0 {
		issues = append(issues, "tracing.sample_rate must be between 0.0 and 1.0")
	}
	switch strings.ToLower(t.Protocol) {
	case "", "grpc", "http":
	default:
		issues = append(issues, "tracing.protocol must be grpc or http")
	}
	return issues
}

// Defaults returns a Config pre-populated with the values used when neither
// the config file nor a flag provides one.
func Defaults() *Config {
	return &Config{
		ConcurrentUsers:   1,
		TestDuration:      60 * time.Second,
		RampUpTime:        0,
		NavigationTimeout: 30 * time.Second,
		Pool: PoolConfig{
			MaxInstances:   5,
			MinInstances:   1,
			AcquireTimeout: 30 * time.Second,
			IdleTimeout:    5 * time.Minute,
			ResourceLimits: ResourceLimits{
				MaxMemoryPerInstanceMB: 512,
				MaxCPUPercentage:       80,
				MaxConcurrentInstances: 5,
			},
			Recovery: RecoveryConfig{
				FailureThreshold: 3,
				SuccessThreshold: 2,
				RecoveryTimeout:  30 * time.Second,
				MonitoringWindow: 5 * time.Minute,
			},
			Driver: DriverConfig{
				Headless:     true,
				WindowWidth:  1920,
				WindowHeight: 1080,
			},
		},
		ResultsFile: "results.json",
	}
}
