// Package gate talks to the external promotion gate evaluator.
package gate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mattjoyce/warden/internal/bots"
	"github.com/mattjoyce/warden/internal/stage"
)

// ReasonUnconfigured is returned by Deny.
const ReasonUnconfigured = "GATE_EVALUATOR_UNCONFIGURED"

// Deny fails every promotion closed. It stands in when no evaluator URL is
// configured.
type Deny struct{}

func (Deny) Evaluate(context.Context, string, bots.Stage) (stage.GateResult, error) {
	return stage.GateResult{Pass: false, ReasonCodes: []string{ReasonUnconfigured}}, nil
}

type evaluateRequest struct {
	BotID       string     `json:"bot_id"`
	TargetStage bots.Stage `json:"target_stage"`
}

type evaluateResponse struct {
	Pass        *bool    `json:"pass"`
	ReasonCodes []string `json:"reason_codes"`
}

// Client posts {bot_id, target_stage} to the evaluator and expects
// {pass, reason_codes} back.
type Client struct {
	url    string
	token  string
	http   *http.Client
	logger *slog.Logger
}

func NewClient(url, token string, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		url:    url,
		token:  token,
		http:   &http.Client{Timeout: timeout},
		logger: logger.With("component", "gate"),
	}
}

// Evaluate returns an error for any transport or protocol problem; the stage
// machine treats that as a denial.
func (c *Client) Evaluate(ctx context.Context, botID string, target bots.Stage) (stage.GateResult, error) {
	body, err := json.Marshal(evaluateRequest{BotID: botID, TargetStage: target})
	if err != nil {
		return stage.GateResult{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return stage.GateResult{}, fmt.Errorf("build gate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return stage.GateResult{}, fmt.Errorf("call gate evaluator: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return stage.GateResult{}, fmt.Errorf("read gate response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return stage.GateResult{}, fmt.Errorf("gate evaluator returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	var out evaluateResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return stage.GateResult{}, fmt.Errorf("decode gate response: %w", err)
	}
	if out.Pass == nil {
		return stage.GateResult{}, fmt.Errorf("gate response has no pass field")
	}

	c.logger.Debug("gate evaluated", "bot_id", botID, "target", target, "pass", *out.Pass,
		"reasons", out.ReasonCodes, "duration_ms", time.Since(start).Milliseconds())
	return stage.GateResult{Pass: *out.Pass, ReasonCodes: out.ReasonCodes}, nil
}
