/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package apiserver exposes the validator HTTP API: miner-facing submission
// and discovery routes, worker-facing evaluation routes, and read-only score
// and weight queries
package apiserver

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kibotos/kibotos/pkg/admission"
	"github.com/kibotos/kibotos/pkg/errors"
	"github.com/kibotos/kibotos/pkg/logging"
	"github.com/kibotos/kibotos/pkg/metrics"
	"github.com/kibotos/kibotos/pkg/providers/storage"
	"github.com/kibotos/kibotos/pkg/store"
)

// Store is the slice of the store the API serves
type Store interface {
	GetCycleStatus(ctx context.Context) (*store.CycleStatus, error)
	GetPrompt(ctx context.Context, id string) (*store.Prompt, error)
	ListPrompts(ctx context.Context, category string) ([]store.Prompt, error)
	ListCategories(ctx context.Context) ([]store.CategoryCount, error)
	CreatePrompt(ctx context.Context, prompt *store.Prompt) error
	GetSubmission(ctx context.Context, uuid string) (*store.Submission, error)
	GetEvaluation(ctx context.Context, uuid string) (*store.Evaluation, error)
	LeasePending(ctx context.Context, workerID string, n int, leaseDuration time.Duration) ([]store.Submission, error)
	RenewLease(ctx context.Context, workerID, uuid string, leaseDuration time.Duration) (time.Time, error)
	ReleaseLease(ctx context.Context, workerID, uuid string) (int, error)
	CommitEvaluation(ctx context.Context, workerID, uuid string, outcome store.Outcome) error
	DedupWindow(ctx context.Context, minerUID int64, cycleIDs []int64, globalLimit int) ([]store.PHashRecord, error)
	GetWeights(ctx context.Context, cycleID int64) (*store.CycleWeights, error)
	GetLatestWeights(ctx context.Context) (*store.CycleWeights, error)
	GetMinerScores(ctx context.Context, cycleID int64) ([]store.MinerScore, error)
}

type Options struct {
	ListenAddress string
	AdminToken    string
	Version       string
	Commit        string
}

type Server struct {
	store    Store
	admitter *admission.Admitter
	storage  storage.Provider
	validate *validator.Validate
	opts     Options
}

func New(s Store, admitter *admission.Admitter, storageProvider storage.Provider, opts Options) *Server {
	return &Server{
		store:    s,
		admitter: admitter,
		storage:  storageProvider,
		validate: validator.New(),
		opts:     opts,
	}
}

func (s *Server) Routes() http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(s.observe)
	router.Use(middleware.Recoverer)

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		s.respond(w, r, http.StatusOK, map[string]string{"status": "ok"})
	})
	router.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	router.Route("/v1", func(router chi.Router) {
		router.Get("/status", s.handleStatus)
		router.Get("/cycles/status", s.handleCycleStatus)
		router.Get("/prompts", s.handleListPrompts)
		router.Get("/prompts/categories", s.handleCategories)
		router.Get("/prompts/{id}", s.handleGetPrompt)
		router.With(s.adminOnly).Post("/admin/prompts", s.handleCreatePrompt)
		router.Post("/upload/presign", s.handlePresignUpload)
		router.Post("/submissions", s.handleAdmit)
		router.Get("/submissions/{uuid}", s.handleGetSubmission)
		router.Post("/evaluate/fetch", s.handleFetch)
		router.Post("/evaluate/submit", s.handleCommit)
		router.Post("/evaluate/renew", s.handleRenew)
		router.Get("/scores/latest", s.handleLatestScores)
		router.Get("/scores/{cycleID}", s.handleScores)
		router.Get("/weights/latest", s.handleLatestWeights)
		router.Get("/weights/{cycleID}", s.handleWeights)
	})
	return router
}

// Run serves until ctx is canceled, then drains connections
func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.opts.ListenAddress,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logging.FromContext(ctx).With("address", s.opts.ListenAddress).Infof("starting the api server")
		errCh <- server.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		logging.FromContext(ctx).Infof("stopping the api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}

// observe stamps the request id onto the response, runs the handler with a
// request-scoped logger and records latency
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := middleware.GetReqID(r.Context())
		w.Header().Set("X-Request-Id", requestID)
		logger := logging.FromContext(r.Context()).With("request-id", requestID)
		wrapped := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(wrapped, r.WithContext(logging.WithLogger(r.Context(), logger)))
		requestDuration.WithLabelValues(r.Method, routePattern(r)).Observe(time.Since(start).Seconds())
	})
}

// adminOnly guards mutating admin routes with a bearer token
func (s *Server) adminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opts.AdminToken == "" || r.Header.Get("Authorization") != "Bearer "+s.opts.AdminToken {
			s.respondError(w, r, errors.New(errors.CodeNotFound, "not found"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}

func (s *Server) respond(w http.ResponseWriter, r *http.Request, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logging.FromContext(r.Context()).Errorf("encoding response, %v", err)
	}
}

func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	code := errors.CodeOf(err)
	status := errors.HTTPStatus(code)
	if status >= 500 {
		logging.FromContext(r.Context()).Errorf("request failed, %v", err)
		// internal detail stays out of the response body
		s.respond(w, r, status, errorBody(code, "internal error"))
		return
	}
	message := err.Error()
	var domainErr *errors.Error
	if stdAs(err, &domainErr) {
		message = domainErr.Message
	}
	s.respond(w, r, status, errorBody(code, message))
}
