// Package doctor checks a warden configuration for mistakes that load cleanly
// but leave the system blocked or misbehaving.
package doctor

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mattjoyce/warden/internal/auth"
	"github.com/mattjoyce/warden/internal/config"
	"github.com/mattjoyce/warden/internal/storage"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid       bool                     `json:"valid"`
	Fingerprint string                   `json:"fingerprint,omitempty"`
	State       *storage.StateFilesystem `json:"state,omitempty"`
	Errors      []Issue                  `json:"errors,omitempty"`
	Warnings    []Issue                  `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates a loaded configuration.
type Doctor struct {
	cfg     *config.Config
	inspect func(path string) (storage.StateFilesystem, error)
}

type Option func(*Doctor)

// WithFilesystemInspector replaces the statfs-based state path inspection.
func WithFilesystemInspector(fn func(path string) (storage.StateFilesystem, error)) Option {
	return func(d *Doctor) { d.inspect = fn }
}

func New(cfg *config.Config, opts ...Option) *Doctor {
	d := &Doctor{cfg: cfg, inspect: storage.InspectStateFilesystem}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}
	if fp, err := config.Fingerprint(d.cfg); err == nil {
		r.Fingerprint = fp
	}

	d.validateStatePath(r)
	d.validateAPIConfig(r)
	d.validateTokenScopes(r)
	d.validateAutonomy(r)
	d.validateTimings(r)
	d.warnGate(r)
	d.warnNotify(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validateStatePath reports the filesystem under state.path. The guarded
// writes need SQLite's file lock, which network filesystems do not honour.
func (d *Doctor) validateStatePath(r *Result) {
	st, err := d.inspect(d.cfg.State.Path)
	if err != nil {
		d.addError(r, "state", "state.path", err.Error())
		return
	}
	r.State = &st
	switch st.Class {
	case storage.FilesystemNetwork:
		d.addError(r, "state", "state.path",
			fmt.Sprintf("%s is on network filesystem %q; job claims, kills and promotions would not be serialized", st.Path, st.Type))
	case storage.FilesystemUnknown:
		d.addWarning(r, "state", "state.path",
			fmt.Sprintf("cannot detect the filesystem under %s; make sure it is local", st.Path))
	}
}

func (d *Doctor) validateAPIConfig(r *Result) {
	if !d.cfg.API.Enabled {
		return
	}
	if d.cfg.API.Listen == "" {
		d.addError(r, "api", "api.listen", "api.listen is required when API is enabled")
	}
	if len(d.cfg.API.Tokens) == 0 {
		d.addError(r, "api", "api.tokens", "API enabled but no tokens configured; every request would be rejected")
	}
	actors := make(map[string]int)
	for i, tok := range d.cfg.API.Tokens {
		if prev, ok := actors[tok.Actor]; ok {
			d.addWarning(r, "api", fmt.Sprintf("api.tokens[%d].actor", i),
				fmt.Sprintf("actor %q also used by api.tokens[%d]; audit rows cannot tell them apart", tok.Actor, prev))
			continue
		}
		actors[tok.Actor] = i
	}
}

// validateTokenScopes rejects scopes the API does not understand.
func (d *Doctor) validateTokenScopes(r *Result) {
	for i, token := range d.cfg.API.Tokens {
		for j, scope := range token.Scopes {
			if !auth.IsKnownScope(scope) {
				d.addError(r, "token_scopes", fmt.Sprintf("api.tokens[%d].scopes[%d]", i, j),
					fmt.Sprintf("unknown scope %q (known: %s)", scope, strings.Join(auth.KnownScopes, ", ")))
			}
		}
	}
}

// validateAutonomy flags settings that make the autonomy gate fail closed forever.
func (d *Doctor) validateAutonomy(r *Result) {
	a := d.cfg.Autonomy
	if a.RequiredIntegration == "" {
		d.addWarning(r, "autonomy", "autonomy.required_integration",
			"no required integration configured; autonomy will stay BLOCKED")
	} else if !d.cfg.Integrations[a.RequiredIntegration] {
		d.addWarning(r, "autonomy", "integrations."+a.RequiredIntegration,
			fmt.Sprintf("required integration %q is not marked configured; autonomy will stay BLOCKED", a.RequiredIntegration))
	}
	if a.MinRiskPasses < 1 {
		d.addWarning(r, "autonomy", "autonomy.min_risk_passes",
			"min_risk_passes below 1 lets autonomy proceed without any risk self-test")
	}
}

// validateTimings checks intervals against the windows that judge them.
func (d *Doctor) validateTimings(r *Result) {
	stale := d.cfg.Autonomy.LoopStaleAfter
	loops := []struct {
		field    string
		interval time.Duration
	}{
		{"jobs.sweep_interval", d.cfg.Jobs.SweepInterval},
		{"supervisor.interval", d.cfg.Supervisor.Interval},
		{"governance.expiry_sweep_interval", d.cfg.Governance.ExpirySweepInterval},
	}
	for _, l := range loops {
		field := l.field
		if l.interval >= stale {
			d.addError(r, "timing", field,
				fmt.Sprintf("%s is not shorter than autonomy.loop_stale_after (%s); the loop would always look stale", field, stale))
		}
	}
	if d.cfg.Supervisor.HeartbeatFreshness <= d.cfg.Supervisor.Interval {
		d.addWarning(r, "timing", "supervisor.heartbeat_freshness",
			"heartbeat_freshness is not longer than supervisor.interval; healthy runners may be restarted")
	}
	if d.cfg.Jobs.TimeoutThreshold < d.cfg.Jobs.SweepInterval {
		d.addWarning(r, "timing", "jobs.timeout_threshold",
			"timeout_threshold is shorter than sweep_interval; stuck jobs are detected late")
	}
	if d.cfg.Governance.TokenTTL >= d.cfg.Governance.RequestTTL {
		d.addWarning(r, "timing", "governance.token_ttl",
			"approval tokens outlive approval requests")
	}
}

func (d *Doctor) warnGate(r *Result) {
	if d.cfg.Gate.URL == "" {
		d.addWarning(r, "gate", "gate.url",
			"no gate evaluator configured; every promotion will be refused")
	}
}

func (d *Doctor) warnNotify(r *Result) {
	if d.cfg.Notify.WebhookURL == "" {
		d.addWarning(r, "notify", "notify.webhook_url",
			"no notification webhook; kill and power events only reach the log")
	}
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	switch {
	case r.Valid && len(r.Warnings) == 0:
		b.WriteString("Configuration valid.\n")
	case r.Valid:
		fmt.Fprintf(&b, "Configuration valid (%d warning(s))\n", len(r.Warnings))
	default:
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}
	if r.Fingerprint != "" {
		fmt.Fprintf(&b, "  fingerprint %s\n", r.Fingerprint)
	}
	if r.State != nil {
		fsType := r.State.Type
		if fsType == "" {
			fsType = "?"
		}
		fmt.Fprintf(&b, "  state       %s (%s, %s)\n", r.State.Path, fsType, r.State.Class)
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
