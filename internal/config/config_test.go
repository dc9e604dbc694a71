package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/surgecast/surgecast/internal/config"
)

// writeConfigFile marshals the given document to a config.yaml in a temp
// directory and returns its path.
func writeConfigFile(t *testing.T, doc map[string]any) string {
	t.Helper()
	data, err := yaml.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func validConfig() config.Config {
	cfg := *config.Defaults()
	cfg.TargetURL = "https://stream.example.com/watch"
	return cfg
}

func TestParseFlagsDefaults(t *testing.T) {
	loader := config.NewLoader()

	cfg, err := loader.Load([]string{"--target", "https://stream.example.com"})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.TargetURL != "https://stream.example.com" {
		t.Errorf("TargetURL = %q, want https://stream.example.com", cfg.TargetURL)
	}
	if cfg.ConcurrentUsers != 1 {
		t.Errorf("ConcurrentUsers = %d, want 1", cfg.ConcurrentUsers)
	}
	if cfg.TestDuration != 60*time.Second {
		t.Errorf("TestDuration = %s, want 1m", cfg.TestDuration)
	}
	if cfg.RampUpTime != 0 {
		t.Errorf("RampUpTime = %s, want 0", cfg.RampUpTime)
	}
	if cfg.NavigationTimeout != 30*time.Second {
		t.Errorf("NavigationTimeout = %s, want 30s", cfg.NavigationTimeout)
	}
	if cfg.StreamingOnly {
		t.Errorf("StreamingOnly = true, want false")
	}
	if cfg.Pool.MaxInstances != 5 {
		t.Errorf("Pool.MaxInstances = %d, want 5", cfg.Pool.MaxInstances)
	}
	if cfg.Pool.MinInstances != 1 {
		t.Errorf("Pool.MinInstances = %d, want 1", cfg.Pool.MinInstances)
	}
	if !cfg.Pool.Driver.Headless {
		t.Errorf("Pool.Driver.Headless = false, want true")
	}
	if cfg.Pool.Recovery.FailureThreshold != 3 {
		t.Errorf("Pool.Recovery.FailureThreshold = %d, want 3", cfg.Pool.Recovery.FailureThreshold)
	}
}

func TestHelpRequested(t *testing.T) {
	loader := config.NewLoader()

	if _, err := loader.Load(nil); !errors.Is(err, config.ErrHelpRequested) {
		t.Errorf("Load(nil) error = %v, want ErrHelpRequested", err)
	}
	if _, err := loader.Load([]string{"--help"}); !errors.Is(err, config.ErrHelpRequested) {
		t.Errorf("Load(--help) error = %v, want ErrHelpRequested", err)
	}
}

func TestLoadConfigFileYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(`
target: https://stream.example.com/watch
concurrent_users: 25
test_duration: 2m
ramp_up_time: 30s
streaming_only: true
allowed_urls:
  - "*.example.com/*"
blocked_urls:
  - "*analytics*"
request_parameters:
  - target: header
    name: X-Session-Id
    value: "{{sessionId}}"
  - target: query
    name: bitrate
    value: "{{random:1000-8000}}"
    scope: global
    method: get
value_arrays:
  regions: ["us-east", "eu-west"]
pool:
  max_instances: 10
  min_instances: 2
  recovery:
    failure_threshold: 5
drm:
  license_url_patterns:
    - "*/acquire-license*"
`), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := config.NewLoader().Load([]string{"--config", path})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.TargetURL != "https://stream.example.com/watch" {
		t.Errorf("TargetURL = %q", cfg.TargetURL)
	}
	if cfg.ConcurrentUsers != 25 {
		t.Errorf("ConcurrentUsers = %d, want 25", cfg.ConcurrentUsers)
	}
	if cfg.TestDuration != 2*time.Minute {
		t.Errorf("TestDuration = %s, want 2m", cfg.TestDuration)
	}
	if !cfg.StreamingOnly {
		t.Errorf("StreamingOnly = false, want true")
	}
	if len(cfg.AllowedURLs) != 1 || cfg.AllowedURLs[0] != "*.example.com/*" {
		t.Errorf("AllowedURLs = %v", cfg.AllowedURLs)
	}
	if cfg.Pool.MaxInstances != 10 {
		t.Errorf("Pool.MaxInstances = %d, want 10", cfg.Pool.MaxInstances)
	}
	if cfg.Pool.Recovery.FailureThreshold != 5 {
		t.Errorf("Pool.Recovery.FailureThreshold = %d, want 5", cfg.Pool.Recovery.FailureThreshold)
	}
	if len(cfg.RequestParameters) != 2 {
		t.Fatalf("RequestParameters len = %d, want 2", len(cfg.RequestParameters))
	}
	if cfg.RequestParameters[0].Scope != config.ScopeSession {
		t.Errorf("unset scope = %q, want session default", cfg.RequestParameters[0].Scope)
	}
	if cfg.RequestParameters[1].Method != "GET" {
		t.Errorf("Method = %q, want GET (uppercased)", cfg.RequestParameters[1].Method)
	}
	if got := cfg.ValueArrays["regions"]; len(got) != 2 || got[0] != "us-east" {
		t.Errorf("ValueArrays[regions] = %v", got)
	}
	if got := cfg.DRM.LicenseURLPatterns; len(got) != 1 || got[0] != "*/acquire-license*" {
		t.Errorf("DRM.LicenseURLPatterns = %v", got)
	}
}

func TestFlagsOverrideConfigFile(t *testing.T) {
	path := writeConfigFile(t, map[string]any{
		"target":           "https://file.example.com",
		"concurrent_users": 5,
		"test_duration":    "1m",
		"pool":             map[string]any{"max_instances": 3},
	})

	cfg, err := config.NewLoader().Load([]string{
		"--config", path,
		"--target", "https://flag.example.com",
		"--users", "50",
		"--max-instances", "8",
	})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.TargetURL != "https://flag.example.com" {
		t.Errorf("TargetURL = %q, flag should win over file", cfg.TargetURL)
	}
	if cfg.ConcurrentUsers != 50 {
		t.Errorf("ConcurrentUsers = %d, want 50", cfg.ConcurrentUsers)
	}
	if cfg.Pool.MaxInstances != 8 {
		t.Errorf("Pool.MaxInstances = %d, want 8", cfg.Pool.MaxInstances)
	}
	if cfg.TestDuration != time.Minute {
		t.Errorf("TestDuration = %s, file value should survive", cfg.TestDuration)
	}
}

func TestMaxConcurrentInstancesDefaultsToMaxInstances(t *testing.T) {
	path := writeConfigFile(t, map[string]any{
		"target": "https://stream.example.com",
		"pool": map[string]any{
			"max_instances":   7,
			"resource_limits": map[string]any{"max_concurrent_instances": 0},
		},
	})

	cfg, err := config.NewLoader().Load([]string{"--config", path})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Pool.ResourceLimits.MaxConcurrentInstances != 7 {
		t.Errorf("MaxConcurrentInstances = %d, want 7", cfg.Pool.ResourceLimits.MaxConcurrentInstances)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*config.Config)
		wantIssue string
	}{
		{
			name:   "valid",
			mutate: func(c *config.Config) {},
		},
		{
			name:      "missing target",
			mutate:    func(c *config.Config) { c.TargetURL = "  " },
			wantIssue: "target is required",
		},
		{
			name:      "zero users",
			mutate:    func(c *config.Config) { c.ConcurrentUsers = 0 },
			wantIssue: "concurrent_users must be >= 1",
		},
		{
			name:      "negative ramp-up",
			mutate:    func(c *config.Config) { c.RampUpTime = -time.Second },
			wantIssue: "ramp_up_time must be >= 0",
		},
		{
			name:      "min exceeds max instances",
			mutate:    func(c *config.Config) { c.Pool.MinInstances = 9 },
			wantIssue: "pool.min_instances must not exceed pool.max_instances",
		},
		{
			name:      "cpu limit out of range",
			mutate:    func(c *config.Config) { c.Pool.ResourceLimits.MaxCPUPercentage = 150 },
			wantIssue: "pool.resource_limits.max_cpu_percentage must be between 0 and 100",
		},
		{
			name: "bad template target",
			mutate: func(c *config.Config) {
				c.RequestParameters = []config.ParameterTemplate{{Target: "cookie", Name: "x"}}
			},
			wantIssue: "request_parameters[0].target must be header, query, or body",
		},
		{
			name: "template missing name",
			mutate: func(c *config.Config) {
				c.RequestParameters = []config.ParameterTemplate{{Target: config.TargetHeader}}
			},
			wantIssue: "request_parameters[0].name is required",
		},
		{
			name: "tracing sample rate out of range",
			mutate: func(c *config.Config) {
				c.Tracing = config.TracingConfig{Enable: true, SampleRate: 1.5}
			},
			wantIssue: "tracing.sample_rate must be between 0.0 and 1.0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()

			if tt.wantIssue == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v, want nil", err)
				}
				return
			}

			var verr config.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("Validate() error = %v, want ValidationError", err)
			}
			found := false
			for _, issue := range verr.Issues() {
				if issue == tt.wantIssue {
					found = true
				}
			}
			if !found {
				t.Errorf("issues %v missing %q", verr.Issues(), tt.wantIssue)
			}
		})
	}
}

func TestValidateAggregatesIssues(t *testing.T) {
	cfg := validConfig()
	cfg.TargetURL = ""
	cfg.ConcurrentUsers = 0
	cfg.TestDuration = 0

	err := cfg.Validate()
	var verr config.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("Validate() error = %v, want ValidationError", err)
	}
	if len(verr.Issues()) < 3 {
		t.Errorf("Issues() len = %d, want >= 3", len(verr.Issues()))
	}
	if !strings.Contains(verr.Error(), "target is required") {
		t.Errorf("Error() = %q, should list individual issues", verr.Error())
	}
}
