// Package api exposes orchestrator operations over HTTP. Every mutating call
// is attributed to the actor named by the caller's bearer token.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/warden/internal/auth"
	"github.com/mattjoyce/warden/internal/autonomy"
	"github.com/mattjoyce/warden/internal/bots"
	"github.com/mattjoyce/warden/internal/events"
	"github.com/mattjoyce/warden/internal/governance"
	"github.com/mattjoyce/warden/internal/killswitch"
	"github.com/mattjoyce/warden/internal/queue"
	"github.com/mattjoyce/warden/internal/runner"
	"github.com/mattjoyce/warden/internal/stage"
)

// BotStore is the bot registry.
type BotStore interface {
	Register(ctx context.Context, id, accountID string, mode bots.PromotionMode) (*bots.Bot, error)
	Get(ctx context.Context, id string) (*bots.Bot, error)
	List(ctx context.Context, f bots.ListFilter) ([]*bots.Bot, error)
	LockStages(ctx context.Context, ids []string, until time.Time) (int64, error)
	UnlockStages(ctx context.Context, ids []string) (int64, error)
}

// JobQueue is the job store.
type JobQueue interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (string, error)
	ClaimNext(ctx context.Context, jobType queue.JobType) (*queue.Job, error)
	Heartbeat(ctx context.Context, jobID string) (bool, error)
	Complete(ctx context.Context, jobID string, result json.RawMessage) (bool, error)
	Fail(ctx context.Context, jobID string, errMsg string) (bool, error)
	ScanStuck(ctx context.Context, threshold time.Duration) ([]*queue.Job, error)
	Get(ctx context.Context, jobID string) (*queue.Job, error)
	ListByBot(ctx context.Context, botID string, limit int) ([]*queue.Job, error)
	Depth(ctx context.Context) (int, error)
	ResearchPaused(ctx context.Context) (bool, error)
	SetResearchPaused(ctx context.Context, paused bool, actor string) error
}

// StageMachine applies stage transitions.
type StageMachine interface {
	Promote(ctx context.Context, req stage.PromoteRequest) (*stage.PromoteResult, error)
	Demote(ctx context.Context, req stage.DemoteRequest) (*stage.DemoteResult, error)
	GetStageAuditTrail(ctx context.Context, botID string) ([]stage.ChangeRecord, error)
}

// KillSwitch is the per-bot emergency stop.
type KillSwitch interface {
	Kill(ctx context.Context, req killswitch.KillRequest) (killswitch.Result, error)
	Resurrect(ctx context.Context, req killswitch.ResurrectRequest) (killswitch.Result, error)
	GetKillEvents(ctx context.Context, botID string, limit int) ([]killswitch.KillEvent, error)
}

// Approvals is the governance workflow.
type Approvals interface {
	RequestApproval(ctx context.Context, in governance.RequestInput) (*governance.Approval, error)
	Approve(ctx context.Context, approvalID, reviewerID string) (*governance.Grant, error)
	Reject(ctx context.Context, approvalID, reviewerID, reason string) (*governance.Approval, error)
	Withdraw(ctx context.Context, approvalID, requestedBy string) (*governance.Approval, error)
	ExpireStale(ctx context.Context) ([]string, error)
	Get(ctx context.Context, approvalID string) (*governance.Approval, error)
	List(ctx context.Context, botID string, status governance.Status) ([]*governance.Approval, error)
}

// SystemPower is the fleet-wide power toggle.
type SystemPower interface {
	Status(ctx context.Context) (killswitch.PowerState, error)
	SetSystemPower(ctx context.Context, on bool, actor string) (killswitch.PowerChange, error)
}

// AutonomyGate reports whether automated action is currently allowed.
type AutonomyGate interface {
	Evaluate(ctx context.Context) autonomy.Decision
}

// Blockers records operator-raised conditions that hold autonomy back.
type Blockers interface {
	Raise(ctx context.Context, code string, severity autonomy.Severity, detail, actor string) (*autonomy.Blocker, error)
	Resolve(ctx context.Context, id, actor string) (bool, error)
	OpenBlockers(ctx context.Context) ([]autonomy.Blocker, error)
}

// SelfTests records risk-engine self-test runs.
type SelfTests interface {
	Record(ctx context.Context, passed bool, detail string) error
	ConsecutivePasses(ctx context.Context) (int, error)
}

// Runners manages runner instances.
type Runners interface {
	Start(ctx context.Context, req runner.StartRequest) (*runner.Instance, error)
	Stop(ctx context.Context, instanceID, reason string) (bool, error)
	Heartbeat(ctx context.Context, instanceID string) (bool, error)
	Get(ctx context.Context, instanceID string) (*runner.Instance, error)
	ListActive(ctx context.Context) ([]*runner.Instance, error)
}

// Services bundles the components the API fronts. Events may be nil, which
// disables the event stream.
type Services struct {
	Bots      BotStore
	Jobs      JobQueue
	Stages    StageMachine
	Kill      KillSwitch
	Approvals Approvals
	Power     SystemPower
	Autonomy  AutonomyGate
	Blockers  Blockers
	SelfTests SelfTests
	Runners   Runners
	Events    *events.Hub
}

// Config holds API server configuration.
type Config struct {
	Listen string
	Tokens []auth.TokenConfig
}

// Server represents the HTTP API server.
type Server struct {
	config    Config
	svc       Services
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
	now       func() time.Time
}

func New(config Config, svc Services, logger *slog.Logger) *Server {
	return &Server{
		config:    config,
		svc:       svc,
		logger:    logger.With("component", "api"),
		startedAt: time.Now(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Handler returns the routed handler without binding a listener.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.setupRoutes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/openapi.json", s.handleOpenAPI)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		for _, rt := range s.routes() {
			r.With(s.requireScopes(rt.scopes...)).Method(rt.method, rt.path, rt.handler)
		}
	})

	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := auth.ExtractBearerToken(r)
		if err != nil {
			s.writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", err.Error())
			return
		}
		p, ok := auth.Authenticate(token, s.config.Tokens)
		if !ok {
			s.writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "invalid API key")
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), p)))
	})
}

func (s *Server) requireScopes(scopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, _ := auth.PrincipalFromContext(r.Context())
			if !auth.HasAnyScope(p, scopes...) {
				s.writeError(w, http.StatusForbidden, "INSUFFICIENT_SCOPE", "insufficient scope")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// actor is the authenticated caller's audit name.
func actor(r *http.Request) string {
	p, _ := auth.PrincipalFromContext(r.Context())
	return p.Actor
}

func middlewareReqID(r *http.Request) string {
	return middleware.GetReqID(r.Context())
}
