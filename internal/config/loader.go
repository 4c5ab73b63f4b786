package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// EnvConfigPath names the environment variable consulted by Discover.
const EnvConfigPath = "WARDEN_CONFIG"

// Load reads, interpolates, defaults and validates configuration from a file.
// A directory is resolved to its config.yaml. Files named in include are
// decoded over the root in order, so later files win for keys they set.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}

	cfg := &Config{}
	visited := map[string]bool{absPath: true}
	if err := decodeFile(cfg, absPath); err != nil {
		return nil, err
	}
	if err := loadIncludes(cfg, cfg.Include, filepath.Dir(absPath), visited); err != nil {
		return nil, err
	}

	cfg = applyConfigDefaults(cfg)
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Parse builds a configuration from YAML bytes without touching the filesystem.
// Includes are not followed.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(interpolateEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	cfg = applyConfigDefaults(cfg)
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Discover finds the config file by checking standard locations.
// Priority order: $WARDEN_CONFIG, ~/.config/warden/config.yaml, /etc/warden/config.yaml, ./config.yaml
func Discover() (string, error) {
	var candidates []string
	if p := os.Getenv(EnvConfigPath); p != "" {
		candidates = append(candidates, p)
	}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "warden", "config.yaml"))
	}
	candidates = append(candidates, "/etc/warden/config.yaml", "./config.yaml")

	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c, nil
		}
	}
	return "", fmt.Errorf("no config found (checked: %s)", strings.Join(candidates, ", "))
}

func loadIncludes(cfg *Config, includes []string, baseDir string, visited map[string]bool) error {
	// Each decode may overwrite cfg.Include; walk the list captured here.
	includes = append([]string(nil), includes...)
	for i, includePath := range includes {
		includePath = interpolateEnv(includePath)

		resolvedPath := includePath
		if !filepath.IsAbs(includePath) {
			resolvedPath = filepath.Join(baseDir, includePath)
		}
		absPath, err := filepath.Abs(resolvedPath)
		if err != nil {
			return fmt.Errorf("include[%d]: failed to resolve path %q: %w", i, includePath, err)
		}

		if visited[absPath] {
			return fmt.Errorf("include[%d]: circular dependency detected: %s", i, absPath)
		}
		if _, err := os.Stat(absPath); err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("include[%d]: file not found: %s\n"+
					"Referenced from: %s\n"+
					"Hint: Check the path is correct and the file exists", i, absPath, baseDir)
			}
			return fmt.Errorf("include[%d]: failed to access file %s: %w", i, absPath, err)
		}
		visited[absPath] = true

		cfg.Include = nil
		if err := decodeFile(cfg, absPath); err != nil {
			return fmt.Errorf("include[%d] (%s): %w", i, includePath, err)
		}
		if len(cfg.Include) > 0 {
			if err := loadIncludes(cfg, cfg.Include, filepath.Dir(absPath), visited); err != nil {
				return err
			}
		}
	}
	cfg.Include = includes
	return nil
}

// decodeFile interpolates and decodes path over cfg. Keys absent from the file
// leave cfg untouched; maps are merged key by key.
func decodeFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}
	if err := yaml.Unmarshal([]byte(interpolateEnv(string(data))), cfg); err != nil {
		return fmt.Errorf("failed to parse YAML %s: %w", filepath.Base(path), err)
	}
	return nil
}

func applyConfigDefaults(cfg *Config) *Config {
	defaults := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	if cfg.Service.Instance == "" {
		if host, err := os.Hostname(); err == nil && host != "" {
			cfg.Service.Instance = fmt.Sprintf("%s-%d", host, os.Getpid())
		} else {
			cfg.Service.Instance = fmt.Sprintf("pid-%d", os.Getpid())
		}
	}

	if cfg.State.Path == "" {
		cfg.State.Path = defaults.State.Path
	}

	if cfg.API.Listen == "" {
		cfg.API.Listen = defaults.API.Listen
	}

	setDuration(&cfg.Jobs.TimeoutThreshold, defaults.Jobs.TimeoutThreshold)
	setDuration(&cfg.Jobs.SweepInterval, defaults.Jobs.SweepInterval)
	setDuration(&cfg.Jobs.JobLogRetention, defaults.Jobs.JobLogRetention)

	setDuration(&cfg.Governance.RequestTTL, defaults.Governance.RequestTTL)
	setDuration(&cfg.Governance.TokenTTL, defaults.Governance.TokenTTL)
	setDuration(&cfg.Governance.ExpirySweepInterval, defaults.Governance.ExpirySweepInterval)

	setDuration(&cfg.Supervisor.Interval, defaults.Supervisor.Interval)
	setDuration(&cfg.Supervisor.HeartbeatFreshness, defaults.Supervisor.HeartbeatFreshness)

	if cfg.Autonomy.MinRiskPasses == 0 {
		cfg.Autonomy.MinRiskPasses = defaults.Autonomy.MinRiskPasses
	}
	setDuration(&cfg.Autonomy.LoopStaleAfter, defaults.Autonomy.LoopStaleAfter)

	setDuration(&cfg.Power.CacheTTL, defaults.Power.CacheTTL)
	setDuration(&cfg.Gate.Timeout, defaults.Gate.Timeout)
	setDuration(&cfg.Notify.DeliverTimeout, defaults.Notify.DeliverTimeout)

	return cfg
}

func setDuration(dst *time.Duration, def time.Duration) {
	if *dst == 0 {
		*dst = def
	}
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (not expanded).
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		// Left in place; validate reports it for fields that must be set.
		return match
	})
}

// validate performs the hard checks Load refuses to start without.
func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[strings.ToLower(cfg.Service.LogLevel)] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}

	if cfg.State.Path == "" {
		return fmt.Errorf("state.path is required")
	}

	if err := unresolved("governance.secret", cfg.Governance.Secret); err != nil {
		return err
	}
	if len(cfg.Governance.Secret) < MinSecretLength {
		return fmt.Errorf("governance.secret must be at least %d characters", MinSecretLength)
	}

	positive := map[string]time.Duration{
		"jobs.timeout_threshold":           cfg.Jobs.TimeoutThreshold,
		"jobs.sweep_interval":              cfg.Jobs.SweepInterval,
		"jobs.job_log_retention":           cfg.Jobs.JobLogRetention,
		"governance.request_ttl":           cfg.Governance.RequestTTL,
		"governance.token_ttl":             cfg.Governance.TokenTTL,
		"governance.expiry_sweep_interval": cfg.Governance.ExpirySweepInterval,
		"supervisor.interval":              cfg.Supervisor.Interval,
		"supervisor.heartbeat_freshness":   cfg.Supervisor.HeartbeatFreshness,
		"autonomy.loop_stale_after":        cfg.Autonomy.LoopStaleAfter,
		"power.cache_ttl":                  cfg.Power.CacheTTL,
		"gate.timeout":                     cfg.Gate.Timeout,
	}
	for _, field := range sortedKeys(positive) {
		if positive[field] < 0 {
			return fmt.Errorf("%s must be positive", field)
		}
	}
	if cfg.Autonomy.MinRiskPasses < 0 {
		return fmt.Errorf("autonomy.min_risk_passes must not be negative")
	}

	if cfg.API.Enabled {
		seen := make(map[string]bool, len(cfg.API.Tokens))
		for i, tok := range cfg.API.Tokens {
			field := fmt.Sprintf("api.tokens[%d]", i)
			if tok.Actor == "" {
				return fmt.Errorf("%s.actor is required", field)
			}
			if tok.Token == "" {
				return fmt.Errorf("%s.token is required", field)
			}
			if err := unresolved(field+".token", tok.Token); err != nil {
				return err
			}
			if len(tok.Scopes) == 0 {
				return fmt.Errorf("%s.scopes must be non-empty", field)
			}
			if seen[tok.Token] {
				return fmt.Errorf("%s.token duplicates an earlier token", field)
			}
			seen[tok.Token] = true
		}
	}

	if err := unresolved("gate.token", cfg.Gate.Token); err != nil {
		return err
	}
	if err := unresolved("notify.webhook_secret", cfg.Notify.WebhookSecret); err != nil {
		return err
	}
	if cfg.Notify.WebhookURL != "" && cfg.Notify.WebhookSecret == "" {
		return fmt.Errorf("notify.webhook_secret is required when notify.webhook_url is set")
	}

	return nil
}

// MinSecretLength is the shortest governance secret accepted.
const MinSecretLength = 16

func unresolved(field, value string) error {
	if !envVarPattern.MatchString(value) {
		return nil
	}
	matches := envVarPattern.FindStringSubmatch(value)
	return fmt.Errorf("%s: environment variable ${%s} is not set", field, matches[1])
}
