package adjudicatord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"hubchan/core/chain"
	coreerrors "hubchan/core/errors"
	"hubchan/observability"
	"hubchan/sdk/chainrpc"
)

const (
	serviceName = "adjudicatord"
	maxBody     = 1 << 20
)

// Server exposes a chain.Chain over HTTP.
type Server struct {
	chain   *chain.Chain
	auth    *Authenticator
	limiter *rate.Limiter
	logger  *slog.Logger
	router  http.Handler
}

// NewServer wires the routes. limiter throttles transaction submissions and
// may be nil.
func NewServer(c *chain.Chain, auth *Authenticator, limiter *rate.Limiter, logger *slog.Logger) (*Server, error) {
	if c == nil {
		return nil, fmt.Errorf("chain required")
	}
	if auth == nil {
		return nil, fmt.Errorf("admin authenticator required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{chain: c, auth: auth, limiter: limiter, logger: logger}
	s.router = s.buildRouter()
	return s, nil
}

// Handler exposes the instrumented router.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, serviceName)
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(observe)

	r.Get("/healthz", s.health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(v1 chi.Router) {
		v1.Get("/height", s.getHeight)
		v1.Get("/heights/{height}/passed", s.getHasPassed)
		v1.Get("/challenges/{id}", s.getChallenge)
		v1.Get("/challenges/{id}/outcome", s.getOutcome)
		v1.Get("/challenges/{id}/predicates/{predicate}", s.getPredicate)
		v1.Get("/balances/{owner}/{asset}", s.getBalance)
		v1.Get("/fundings/{id}/{asset}", s.getFunding)
		v1.Get("/withdrawn/{id}/{asset}", s.getWithdrawn)
		v1.Get("/fund-nonces/{depositor}", s.getFundNonce)

		v1.Route("/tx", func(tx chi.Router) {
			tx.Use(s.throttle)
			tx.Post("/set-state", s.setState)
			tx.Post("/progress-state", s.progressState)
			tx.Post("/set-and-progress-state", s.setAndProgressState)
			tx.Post("/cancel-dispute", s.cancelDispute)
			tx.Post("/set-outcome", s.setOutcome)
			tx.Post("/fund", s.fund)
		})
	})

	r.Route("/admin", func(admin chi.Router) {
		admin.Use(s.auth.Middleware(ScopeAdmin))
		admin.Post("/mine", s.mine)
		admin.Post("/credit", s.credit)
	})
	return r
}

// observe records route metrics under the matched chi pattern.
func observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		route := ""
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			route = rctx.RoutePattern()
		}
		observability.Routes().Observe(serviceName, route, recorder.status, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *Server) throttle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow() {
			observability.Routes().RecordThrottle(serviceName, "rate_limit")
			writeFailure(w, http.StatusTooManyRequests, "RateLimited", "too many submissions")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	height, err := s.chain.Height(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "height": height})
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return badRequest("decode body: %v", err)
	}
	return nil
}

type requestError struct {
	msg string
}

func (e *requestError) Error() string { return e.msg }

func badRequest(format string, args ...any) error {
	return &requestError{msg: fmt.Sprintf(format, args...)}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeFailure(w http.ResponseWriter, status int, reason, detail string) {
	writeJSON(w, status, chainrpc.ErrorResponse{Reason: reason, Detail: detail})
}

// writeError maps reverts to 409 and other protocol failures to 422 so the
// client can rebuild them; anything else is a 5xx.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var reqErr *requestError
	var structured *coreerrors.Error
	switch {
	case errors.As(err, &reqErr):
		writeFailure(w, http.StatusBadRequest, "BadRequest", reqErr.msg)
	case errors.As(err, &structured) && errors.Is(err, coreerrors.ErrChainState):
		writeJSON(w, http.StatusConflict, chainrpc.EncodeError(err))
	case errors.As(err, &structured):
		writeJSON(w, http.StatusUnprocessableEntity, chainrpc.EncodeError(err))
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeFailure(w, http.StatusServiceUnavailable, "Unavailable", err.Error())
	default:
		s.logger.Error("request failed",
			slog.String("path", r.URL.Path),
			slog.String("request_id", chimw.GetReqID(r.Context())),
			slog.Any("error", err))
		writeFailure(w, http.StatusInternalServerError, "Internal", "internal error")
	}
}
