package panel

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/credvault/internal/expressions"
	"github.com/rendis/credvault/internal/integrity"
	"github.com/rendis/credvault/internal/logging"
	"github.com/rendis/credvault/internal/secrets"
	"github.com/rendis/credvault/internal/store"
	"github.com/rendis/credvault/internal/streaming"
)

// Vault is the vault surface the admin API serves.
type Vault interface {
	secrets.Vault
	Path() string
}

// InputValidator checks submitted credentials.
// Satisfied by validation.JSONSchemaValidator.
type InputValidator interface {
	ValidateCredentialInput(input map[string]any) error
}

// Checker runs on-demand integrity checks. Satisfied by integrity.Checker.
type Checker interface {
	Check(ctx context.Context, trigger string) integrity.Result
	Last() (integrity.Result, bool)
}

// PanelDeps holds the dependencies for the admin API. Store, Hub, Checker
// and Validator are optional; their routes degrade when nil.
type PanelDeps struct {
	Vault     Vault
	Store     store.AuditStore
	Hub       streaming.EventHub
	Checker   Checker
	Validator InputValidator
	Engines   expressions.Engines
	Logger    *slog.Logger

	// Token, when set, is required as "Authorization: Bearer <token>".
	Token string
	// MutationRate and MutationBurst bound writes per client IP.
	MutationRate  float64
	MutationBurst int
}

// PanelServer serves the JSON admin API and the change stream.
type PanelServer struct {
	deps    PanelDeps
	limiter *ipLimiter
}

// NewPanelServer creates a new PanelServer.
func NewPanelServer(deps PanelDeps) *PanelServer {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if deps.MutationRate <= 0 {
		deps.MutationRate = 5
	}
	if deps.MutationBurst <= 0 {
		deps.MutationBurst = 10
	}
	return &PanelServer{
		deps:    deps,
		limiter: newIPLimiter(deps.MutationRate, deps.MutationBurst, 10*time.Minute),
	}
}

// Handler returns the HTTP handler for the admin routes.
func (s *PanelServer) Handler() http.Handler {
	mux := http.NewServeMux()

	// Reads.
	mux.HandleFunc("GET /api/credentials", s.handleListCredentials)
	mux.HandleFunc("GET /api/credentials/{id}", s.handleDescribeCredential)
	mux.HandleFunc("GET /api/apps/{appID}/keys", s.handleAppKeys)
	mux.HandleFunc("GET /api/audit", s.handleAudit)
	mux.HandleFunc("GET /api/status", s.handleStatus)

	// SSE stream.
	mux.HandleFunc("GET /sse/events", s.handleSSEGlobal)
	mux.HandleFunc("GET /sse/credentials/{id}", s.handleSSECredential)

	// Mutations.
	mux.Handle("POST /api/credentials", s.limited(s.handleCreateCredential))
	mux.Handle("DELETE /api/credentials/{id}", s.limited(s.handleDeleteCredential))
	mux.Handle("POST /api/verify", s.limited(s.handleVerify))

	return s.withRequestContext(s.withAuth(mux))
}

// withRequestContext tags every request with a request id and actor and
// logs it on completion.
func (s *PanelServer) withRequestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", reqID)

		ctx := logging.WithRequestID(r.Context(), reqID)
		ctx = logging.WithActor(ctx, "api:"+clientIP(r))
		r = r.WithContext(ctx)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)

		logging.LogWith(ctx, s.deps.Logger).Info("request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status),
			slog.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *PanelServer) withAuth(next http.Handler) http.Handler {
	if s.deps.Token == "" {
		return next
	}
	want := []byte("Bearer " + s.deps.Token)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := []byte(r.Header.Get("Authorization"))
		if subtle.ConstantTimeCompare(got, want) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *PanelServer) limited(h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.allow(clientIP(r)) {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		h(w, r)
	})
}

// statusRecorder captures the response status for request logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE working through the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// clientIP is the peer address. Forwarding headers are ignored so clients
// cannot pick their own rate-limit bucket.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
