package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/warden/internal/apperr"
	"github.com/mattjoyce/warden/internal/bots"
	"github.com/mattjoyce/warden/internal/killswitch"
	"github.com/mattjoyce/warden/internal/stage"
)

type RegisterBotRequest struct {
	ID            string `json:"id"`
	AccountID     string `json:"account_id"`
	PromotionMode string `json:"promotion_mode,omitempty"`
}

type LockRequest struct {
	BotIDs []string  `json:"bot_ids"`
	Until  time.Time `json:"until"`
}

type CountResponse struct {
	Count int64 `json:"count"`
}

type PromoteBody struct {
	Target        string `json:"target"`
	ApprovalToken string `json:"approval_token,omitempty"`
	Automated     bool   `json:"automated,omitempty"`
}

type DemoteBody struct {
	Target      string `json:"target"`
	ReasonCode  string `json:"reason_code"`
	ConfirmLive bool   `json:"confirm_live,omitempty"`
}

type KillBody struct {
	ReasonCode string `json:"reason_code"`
	TraceID    string `json:"trace_id,omitempty"`
}

type ResurrectBody struct {
	Reason  string `json:"reason,omitempty"`
	TraceID string `json:"trace_id,omitempty"`
}

func (s *Server) handleRegisterBot(w http.ResponseWriter, r *http.Request) {
	var req RegisterBotRequest
	if err := decode(r, &req); err != nil {
		s.respondErr(w, r, err)
		return
	}
	var mode bots.PromotionMode
	if req.PromotionMode != "" {
		m, err := bots.ParsePromotionMode(req.PromotionMode)
		if err != nil {
			s.respondErr(w, r, apperr.Validation("%v", err))
			return
		}
		mode = m
	}
	bot, err := s.svc.Bots.Register(r.Context(), req.ID, req.AccountID, mode)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, bot)
}

func (s *Server) handleListBots(w http.ResponseWriter, r *http.Request) {
	var f bots.ListFilter
	if raw := r.URL.Query().Get("stage"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			st, err := bots.ParseStage(part)
			if err != nil {
				s.respondErr(w, r, apperr.Validation("%v", err))
				return
			}
			f.Stages = append(f.Stages, st)
		}
	}
	f.ExcludeKilled = r.URL.Query().Get("exclude_killed") == "true"

	list, err := s.svc.Bots.List(r.Context(), f)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"bots": list})
}

func (s *Server) handleGetBot(w http.ResponseWriter, r *http.Request) {
	bot, err := s.svc.Bots.Get(r.Context(), chi.URLParam(r, "botID"))
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, bot)
}

func (s *Server) handleLockStages(w http.ResponseWriter, r *http.Request) {
	var req LockRequest
	if err := decode(r, &req); err != nil {
		s.respondErr(w, r, err)
		return
	}
	if req.Until.IsZero() {
		s.respondErr(w, r, apperr.Validation("until is required"))
		return
	}
	n, err := s.svc.Bots.LockStages(r.Context(), req.BotIDs, req.Until)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.logger.Info("stages locked", "actor", actor(r), "bots", len(req.BotIDs), "until", req.Until)
	s.respondJSON(w, http.StatusOK, CountResponse{Count: n})
}

func (s *Server) handleUnlockStages(w http.ResponseWriter, r *http.Request) {
	var req LockRequest
	if err := decode(r, &req); err != nil {
		s.respondErr(w, r, err)
		return
	}
	n, err := s.svc.Bots.UnlockStages(r.Context(), req.BotIDs)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.logger.Info("stages unlocked", "actor", actor(r), "bots", len(req.BotIDs))
	s.respondJSON(w, http.StatusOK, CountResponse{Count: n})
}

func (s *Server) handlePromote(w http.ResponseWriter, r *http.Request) {
	var body PromoteBody
	if err := decode(r, &body); err != nil {
		s.respondErr(w, r, err)
		return
	}
	target, err := bots.ParseStage(body.Target)
	if err != nil {
		s.respondErr(w, r, apperr.Validation("%v", err))
		return
	}
	res, err := s.svc.Stages.Promote(r.Context(), stage.PromoteRequest{
		BotID:         chi.URLParam(r, "botID"),
		Target:        target,
		TriggeredBy:   actor(r),
		ApprovalToken: body.ApprovalToken,
		Automated:     body.Automated,
	})
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	if res.RequiresApproval {
		s.respondJSON(w, http.StatusForbidden, res)
		return
	}
	s.respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleDemote(w http.ResponseWriter, r *http.Request) {
	var body DemoteBody
	if err := decode(r, &body); err != nil {
		s.respondErr(w, r, err)
		return
	}
	target, err := bots.ParseStage(body.Target)
	if err != nil {
		s.respondErr(w, r, apperr.Validation("%v", err))
		return
	}
	res, err := s.svc.Stages.Demote(r.Context(), stage.DemoteRequest{
		BotID:       chi.URLParam(r, "botID"),
		Target:      target,
		ReasonCode:  body.ReasonCode,
		TriggeredBy: actor(r),
		ConfirmLive: body.ConfirmLive,
	})
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleStageAudit(w http.ResponseWriter, r *http.Request) {
	trail, err := s.svc.Stages.GetStageAuditTrail(r.Context(), chi.URLParam(r, "botID"))
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"changes": trail})
}

func (s *Server) handleKill(w http.ResponseWriter, r *http.Request) {
	var body KillBody
	if err := decode(r, &body); err != nil {
		s.respondErr(w, r, err)
		return
	}
	res, err := s.svc.Kill.Kill(r.Context(), killswitch.KillRequest{
		BotID:      chi.URLParam(r, "botID"),
		ReasonCode: body.ReasonCode,
		Actor:      actor(r),
		TraceID:    firstNonEmpty(body.TraceID, middlewareReqID(r)),
	})
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleResurrect(w http.ResponseWriter, r *http.Request) {
	var body ResurrectBody
	if err := decode(r, &body); err != nil {
		s.respondErr(w, r, err)
		return
	}
	res, err := s.svc.Kill.Resurrect(r.Context(), killswitch.ResurrectRequest{
		BotID:   chi.URLParam(r, "botID"),
		Actor:   actor(r),
		Reason:  body.Reason,
		TraceID: firstNonEmpty(body.TraceID, middlewareReqID(r)),
	})
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleKillEvents(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	evs, err := s.svc.Kill.GetKillEvents(r.Context(), chi.URLParam(r, "botID"), limit)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"events": evs})
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, apperr.Validation("%s must be a non-negative integer", key)
	}
	return n, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
