package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/warden/internal/apperr"
	"github.com/mattjoyce/warden/internal/autonomy"
	"github.com/mattjoyce/warden/internal/runner"
)

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string          `json:"status"`
	UptimeSeconds int64           `json:"uptime_seconds"`
	QueueDepth    int             `json:"queue_depth"`
	PowerOn       bool            `json:"power_on"`
	Autonomy      autonomy.Status `json:"autonomy"`
}

type PowerBody struct {
	On *bool `json:"on"`
}

type ResearchBody struct {
	Paused *bool `json:"paused"`
}

type RaiseBlockerBody struct {
	Code     string            `json:"code"`
	Severity autonomy.Severity `json:"severity"`
	Detail   string            `json:"detail,omitempty"`
}

type SelfTestBody struct {
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

type StartRunnerBody struct {
	BotID         string `json:"bot_id"`
	AccountID     string `json:"account_id,omitempty"`
	ExecutionMode string `json:"execution_mode,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// handleHealthz handles GET /healthz (no auth). Storage failures degrade the
// status instead of failing the health check.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
	}
	depth, err := s.svc.Jobs.Depth(r.Context())
	if err != nil {
		s.logger.Error("failed to compute queue depth", "error", err)
		resp.Status = "degraded"
	}
	resp.QueueDepth = depth

	power, err := s.svc.Power.Status(r.Context())
	if err != nil {
		s.logger.Error("failed to read system power", "error", err)
		resp.Status = "degraded"
	}
	resp.PowerOn = power.On
	resp.Autonomy = s.svc.Autonomy.Evaluate(r.Context()).Status

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	s.respondJSON(w, status, resp)
}

func (s *Server) handleGetPower(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.Power.Status(r.Context())
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, st)
}

func (s *Server) handleSetPower(w http.ResponseWriter, r *http.Request) {
	var body PowerBody
	if err := decode(r, &body); err != nil {
		s.respondErr(w, r, err)
		return
	}
	if body.On == nil {
		s.respondErr(w, r, apperr.Validation("on is required"))
		return
	}
	ch, err := s.svc.Power.SetSystemPower(r.Context(), *body.On, actor(r))
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, ch)
}

func (s *Server) handleGetResearch(w http.ResponseWriter, r *http.Request) {
	paused, err := s.svc.Jobs.ResearchPaused(r.Context())
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, ResearchBody{Paused: &paused})
}

func (s *Server) handleSetResearch(w http.ResponseWriter, r *http.Request) {
	var body ResearchBody
	if err := decode(r, &body); err != nil {
		s.respondErr(w, r, err)
		return
	}
	if body.Paused == nil {
		s.respondErr(w, r, apperr.Validation("paused is required"))
		return
	}
	if err := s.svc.Jobs.SetResearchPaused(r.Context(), *body.Paused, actor(r)); err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, body)
}

func (s *Server) handleAutonomy(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.svc.Autonomy.Evaluate(r.Context()))
}

func (s *Server) handleListBlockers(w http.ResponseWriter, r *http.Request) {
	list, err := s.svc.Blockers.OpenBlockers(r.Context())
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"blockers": list})
}

func (s *Server) handleRaiseBlocker(w http.ResponseWriter, r *http.Request) {
	var body RaiseBlockerBody
	if err := decode(r, &body); err != nil {
		s.respondErr(w, r, err)
		return
	}
	b, err := s.svc.Blockers.Raise(r.Context(), body.Code, body.Severity, body.Detail, actor(r))
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, b)
}

func (s *Server) handleResolveBlocker(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "blockerID")
	ok, err := s.svc.Blockers.Resolve(r.Context(), id, actor(r))
	s.respondTransition(w, r, id, ok, err)
}

func (s *Server) handleRecordSelfTest(w http.ResponseWriter, r *http.Request) {
	var body SelfTestBody
	if err := decode(r, &body); err != nil {
		s.respondErr(w, r, err)
		return
	}
	if err := s.svc.SelfTests.Record(r.Context(), body.Passed, body.Detail); err != nil {
		s.respondErr(w, r, err)
		return
	}
	passes, err := s.svc.SelfTests.ConsecutivePasses(r.Context())
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, map[string]any{"consecutive_passes": passes})
}

func (s *Server) handleStartRunner(w http.ResponseWriter, r *http.Request) {
	var body StartRunnerBody
	if err := decode(r, &body); err != nil {
		s.respondErr(w, r, err)
		return
	}
	inst, err := s.svc.Runners.Start(r.Context(), runner.StartRequest{
		BotID:         body.BotID,
		AccountID:     body.AccountID,
		ExecutionMode: body.ExecutionMode,
		Actor:         actor(r),
		Reason:        body.Reason,
	})
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, inst)
}

func (s *Server) handleListRunners(w http.ResponseWriter, r *http.Request) {
	list, err := s.svc.Runners.ListActive(r.Context())
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"runners": list})
}

func (s *Server) handleGetRunner(w http.ResponseWriter, r *http.Request) {
	inst, err := s.svc.Runners.Get(r.Context(), chi.URLParam(r, "instanceID"))
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, inst)
}

func (s *Server) handleStopRunner(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "instanceID")
	ok, err := s.svc.Runners.Stop(r.Context(), id, runner.StopManual)
	s.respondTransition(w, r, id, ok, err)
}

func (s *Server) handleRunnerHeartbeat(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "instanceID")
	ok, err := s.svc.Runners.Heartbeat(r.Context(), id)
	s.respondTransition(w, r, id, ok, err)
}
