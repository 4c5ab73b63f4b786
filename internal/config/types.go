package config

import "time"

// Config represents the complete warden configuration.
type Config struct {
	Include      []string         `yaml:"include,omitempty"`
	Service      ServiceConfig    `yaml:"service"`
	State        StateConfig      `yaml:"state"`
	API          APIConfig        `yaml:"api,omitempty"`
	Jobs         JobsConfig       `yaml:"jobs"`
	Governance   GovernanceConfig `yaml:"governance"`
	Supervisor   SupervisorConfig `yaml:"supervisor"`
	Autonomy     AutonomyConfig   `yaml:"autonomy"`
	Power        PowerConfig      `yaml:"power"`
	Integrations map[string]bool  `yaml:"integrations,omitempty"`
	Gate         GateConfig       `yaml:"gate"`
	Notify       NotifyConfig     `yaml:"notify,omitempty"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name     string `yaml:"name"`
	LogLevel string `yaml:"log_level"`
	// Instance names this process in loop heartbeats. Defaults to the hostname.
	Instance string `yaml:"instance,omitempty"`
}

// StateConfig defines state storage settings.
type StateConfig struct {
	Path string `yaml:"path"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool       `yaml:"enabled"`
	Listen  string     `yaml:"listen"`
	Tokens  []APIToken `yaml:"tokens,omitempty"`
}

// APIToken is a bearer token. Actor is recorded as the requester, reviewer
// or trigger of every operation performed with it.
type APIToken struct {
	Actor  string   `yaml:"actor"`
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

// JobsConfig controls the timeout supervisor.
type JobsConfig struct {
	TimeoutThreshold time.Duration `yaml:"timeout_threshold"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
	JobLogRetention  time.Duration `yaml:"job_log_retention"`
}

// GovernanceConfig controls the approval workflow.
type GovernanceConfig struct {
	Secret              string        `yaml:"secret"`
	RequestTTL          time.Duration `yaml:"request_ttl"`
	TokenTTL            time.Duration `yaml:"token_ttl"`
	ExpirySweepInterval time.Duration `yaml:"expiry_sweep_interval"`
}

// SupervisorConfig controls the runner supervisor loop.
type SupervisorConfig struct {
	Interval           time.Duration `yaml:"interval"`
	HeartbeatFreshness time.Duration `yaml:"heartbeat_freshness"`
}

// AutonomyConfig feeds the autonomy gate.
type AutonomyConfig struct {
	RequiredIntegration string        `yaml:"required_integration"`
	MinRiskPasses       int           `yaml:"min_risk_passes"`
	LoopStaleAfter      time.Duration `yaml:"loop_stale_after"`
}

// PowerConfig controls system power caching.
type PowerConfig struct {
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// GateConfig locates the external gate evaluator. An empty URL fails closed.
type GateConfig struct {
	URL     string        `yaml:"url,omitempty"`
	Token   string        `yaml:"token,omitempty"`
	Timeout time.Duration `yaml:"timeout"`
}

// NotifyConfig configures the outbound notification sink. Without a webhook
// URL notifications are written to the log.
type NotifyConfig struct {
	WebhookURL     string        `yaml:"webhook_url,omitempty"`
	WebhookSecret  string        `yaml:"webhook_secret,omitempty"`
	DeliverTimeout time.Duration `yaml:"deliver_timeout,omitempty"`
}

// Defaults returns a configuration with sensible defaults applied.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:     "warden",
			LogLevel: "info",
		},
		State: StateConfig{
			Path: "./data/warden.db",
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "localhost:8080",
		},
		Jobs: JobsConfig{
			TimeoutThreshold: 5 * time.Minute,
			SweepInterval:    30 * time.Second,
			JobLogRetention:  30 * 24 * time.Hour,
		},
		Governance: GovernanceConfig{
			RequestTTL:          24 * time.Hour,
			TokenTTL:            5 * time.Minute,
			ExpirySweepInterval: time.Minute,
		},
		Supervisor: SupervisorConfig{
			Interval:           30 * time.Second,
			HeartbeatFreshness: 2 * time.Minute,
		},
		Autonomy: AutonomyConfig{
			MinRiskPasses:  1,
			LoopStaleAfter: 5 * time.Minute,
		},
		Power: PowerConfig{
			CacheTTL: 5 * time.Second,
		},
		Gate: GateConfig{
			Timeout: 10 * time.Second,
		},
		Notify: NotifyConfig{
			DeliverTimeout: 5 * time.Second,
		},
	}
}
