package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/warden/internal/apperr"
	"github.com/mattjoyce/warden/internal/governance"
)

type RequestApprovalBody struct {
	BotID         string               `json:"bot_id"`
	Justification string               `json:"justification"`
	Evidence      *governance.Evidence `json:"evidence,omitempty"`
}

type RejectBody struct {
	Reason string `json:"reason"`
}

func (s *Server) handleRequestApproval(w http.ResponseWriter, r *http.Request) {
	var body RequestApprovalBody
	if err := decode(r, &body); err != nil {
		s.respondErr(w, r, err)
		return
	}
	a, err := s.svc.Approvals.RequestApproval(r.Context(), governance.RequestInput{
		BotID:         body.BotID,
		RequestedBy:   actor(r),
		Justification: body.Justification,
		Evidence:      body.Evidence,
	})
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, a)
}

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	var status governance.Status
	if raw := r.URL.Query().Get("status"); raw != "" {
		status = governance.Status(strings.ToUpper(raw))
		switch status {
		case governance.StatusPending, governance.StatusApproved, governance.StatusRejected,
			governance.StatusExpired, governance.StatusWithdrawn:
		default:
			s.respondErr(w, r, apperr.Validation("unknown approval status %q", raw))
			return
		}
	}
	list, err := s.svc.Approvals.List(r.Context(), r.URL.Query().Get("bot_id"), status)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"approvals": list})
}

func (s *Server) handleGetApproval(w http.ResponseWriter, r *http.Request) {
	a, err := s.svc.Approvals.Get(r.Context(), chi.URLParam(r, "approvalID"))
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, a)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	grant, err := s.svc.Approvals.Approve(r.Context(), chi.URLParam(r, "approvalID"), actor(r))
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	s.respondJSON(w, http.StatusOK, grant)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	var body RejectBody
	if err := decode(r, &body); err != nil {
		s.respondErr(w, r, err)
		return
	}
	a, err := s.svc.Approvals.Reject(r.Context(), chi.URLParam(r, "approvalID"), actor(r), body.Reason)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, a)
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	a, err := s.svc.Approvals.Withdraw(r.Context(), chi.URLParam(r, "approvalID"), actor(r))
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, a)
}

func (s *Server) handleExpireApprovals(w http.ResponseWriter, r *http.Request) {
	ids, err := s.svc.Approvals.ExpireStale(r.Context())
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"expired": ids})
}
