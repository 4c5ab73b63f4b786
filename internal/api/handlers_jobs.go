package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/warden/internal/apperr"
	"github.com/mattjoyce/warden/internal/queue"
)

type EnqueueBody struct {
	BotID    string          `json:"bot_id"`
	JobType  string          `json:"job_type"`
	Priority int             `json:"priority,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Force    bool            `json:"force,omitempty"`
}

type EnqueueResponse struct {
	JobID  string       `json:"job_id"`
	Status queue.Status `json:"status"`
}

type ClaimBody struct {
	JobType string `json:"job_type"`
}

type CompleteBody struct {
	Result json.RawMessage `json:"result,omitempty"`
}

type FailBody struct {
	Error string `json:"error"`
}

// JobView is a job with its payload rendered as JSON.
type JobView struct {
	*queue.Job
	Payload queue.Payload `json:"payload,omitempty"`
}

// TransitionResponse reports a guarded job or runner update. Applied is
// false when the row was no longer in the expected state.
type TransitionResponse struct {
	ID      string `json:"id"`
	Applied bool   `json:"applied"`
}

func viewJobs(jobs []*queue.Job) []JobView {
	out := make([]JobView, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, JobView{Job: j, Payload: j.Payload})
	}
	return out
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var body EnqueueBody
	if err := decode(r, &body); err != nil {
		s.respondErr(w, r, err)
		return
	}
	jt, err := queue.ParseJobType(body.JobType)
	if err != nil {
		s.respondErr(w, r, apperr.Validation("%v", err))
		return
	}
	payload, err := queue.DecodePayloadData(jt, body.Payload)
	if err != nil {
		s.respondErr(w, r, apperr.Validation("%v", err))
		return
	}
	id, err := s.svc.Jobs.Enqueue(r.Context(), queue.EnqueueRequest{
		BotID:    body.BotID,
		Type:     jt,
		Priority: body.Priority,
		Payload:  payload,
		Force:    body.Force,
	})
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusAccepted, EnqueueResponse{JobID: id, Status: queue.StatusQueued})
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var body ClaimBody
	if err := decode(r, &body); err != nil {
		s.respondErr(w, r, err)
		return
	}
	jt, err := queue.ParseJobType(body.JobType)
	if err != nil {
		s.respondErr(w, r, apperr.Validation("%v", err))
		return
	}
	job, err := s.svc.Jobs.ClaimNext(r.Context(), jt)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	if job == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.respondJSON(w, http.StatusOK, JobView{Job: job, Payload: job.Payload})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.svc.Jobs.Get(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, JobView{Job: job, Payload: job.Payload})
}

func (s *Server) handleListBotJobs(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	jobs, err := s.svc.Jobs.ListByBot(r.Context(), chi.URLParam(r, "botID"), limit)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"jobs": viewJobs(jobs)})
}

func (s *Server) handleStuck(w http.ResponseWriter, r *http.Request) {
	threshold := 5 * time.Minute
	if raw := r.URL.Query().Get("threshold"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			s.respondErr(w, r, apperr.Validation("threshold must be a positive duration"))
			return
		}
		threshold = d
	}
	jobs, err := s.svc.Jobs.ScanStuck(r.Context(), threshold)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"jobs": viewJobs(jobs)})
}

func (s *Server) handleJobHeartbeat(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")
	ok, err := s.svc.Jobs.Heartbeat(r.Context(), id)
	s.respondTransition(w, r, id, ok, err)
}

func (s *Server) handleJobComplete(w http.ResponseWriter, r *http.Request) {
	var body CompleteBody
	if err := decode(r, &body); err != nil {
		s.respondErr(w, r, err)
		return
	}
	id := chi.URLParam(r, "jobID")
	ok, err := s.svc.Jobs.Complete(r.Context(), id, body.Result)
	s.respondTransition(w, r, id, ok, err)
}

func (s *Server) handleJobFail(w http.ResponseWriter, r *http.Request) {
	var body FailBody
	if err := decode(r, &body); err != nil {
		s.respondErr(w, r, err)
		return
	}
	id := chi.URLParam(r, "jobID")
	ok, err := s.svc.Jobs.Fail(r.Context(), id, body.Error)
	s.respondTransition(w, r, id, ok, err)
}

// respondTransition answers 200 when the guarded update applied and 409 when
// the row had already moved on.
func (s *Server) respondTransition(w http.ResponseWriter, r *http.Request, id string, ok bool, err error) {
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	status := http.StatusOK
	if !ok {
		status = http.StatusConflict
	}
	s.respondJSON(w, status, TransitionResponse{ID: id, Applied: ok})
}
