package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/mattjoyce/warden/internal/apperr"
)

// ErrorBody is the JSON error envelope.
type ErrorBody struct {
	Kind    string   `json:"kind,omitempty"`
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Hint    string   `json:"hint,omitempty"`
	Reasons []string `json:"reasons,omitempty"`
}

type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// statusFor maps an error kind to its HTTP status.
func statusFor(e *apperr.Error) int {
	switch e.Kind {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindBlocked:
		if e.Code == apperr.CodeStageLocked {
			return http.StatusLocked
		}
		return http.StatusForbidden
	case apperr.KindTransient, apperr.KindFatal:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, message string) {
	s.respondJSON(w, status, ErrorResponse{Error: ErrorBody{Code: code, Message: message}})
}

// respondErr renders err through the envelope. Storage details stay in the log.
func (s *Server) respondErr(w http.ResponseWriter, r *http.Request, err error) {
	e, ok := apperr.As(err)
	if !ok {
		s.logger.Error("unclassified error", "path", r.URL.Path, "error", err)
		s.writeError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
		return
	}
	body := ErrorBody{
		Kind:    string(e.Kind),
		Code:    string(e.Code),
		Message: e.Message,
		Hint:    e.Hint,
		Reasons: e.Reasons,
	}
	if e.Kind == apperr.KindFatal {
		s.logger.Error("request failed", "path", r.URL.Path, "code", e.Code, "error", err)
	}
	s.respondJSON(w, statusFor(e), ErrorResponse{Error: body})
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return apperr.Validation("invalid JSON body: %v", err)
	}
	return nil
}
