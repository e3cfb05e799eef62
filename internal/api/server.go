// Package api serves the admin endpoints and the read-only portrait API.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/portrait-cli/internal/admin"
	"github.com/sells-group/portrait-cli/internal/config"
	"github.com/sells-group/portrait-cli/internal/model"
	"github.com/sells-group/portrait-cli/internal/store"
)

// Server holds the HTTP handlers.
type Server struct {
	admin *admin.Service
	st    store.Store
	cfg   config.ServerConfig
	log   *zap.Logger
}

// New creates a server over the admin service and its store.
func New(adm *admin.Service, cfg config.ServerConfig) *Server {
	return &Server{
		admin: adm,
		st:    adm.Store(),
		cfg:   cfg,
		log:   zap.L().With(zap.String("component", "api")),
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	origins := s.cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)

	r.Route("/admin", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/periods", s.handleListRegistry)
		r.Post("/sync", s.handleSync)
		r.Post("/analyze", s.handleAnalyze)
		r.Post("/compute", s.handleCompute)
		r.Post("/summary", s.handleSummary)
		r.Post("/group-names", s.handleGroupNames)
		r.Post("/periods/reset", s.handleResetPeriod)
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/periods", s.handlePeriods)
		r.Get("/groups", s.handleGroups)
		r.Route("/groups/{group}", func(r chi.Router) {
			r.Get("/summary", s.handleGroupSummary)
			r.Get("/trend", s.handleGroupTrend)
			r.Get("/subjects", s.handleGroupSubjects)
		})
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	body := map[string]string{"status": "ok"}
	if err := s.st.Ping(r.Context()); err != nil {
		status = http.StatusServiceUnavailable
		body = map[string]string{"status": "unavailable", "error": err.Error()}
	}
	writeJSON(w, status, body)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeResult maps an operation outcome to an HTTP status. Skips are not
// errors except a concurrent computation, which is a conflict.
func writeResult(w http.ResponseWriter, res model.Result) {
	status := http.StatusOK
	switch res.Outcome {
	case model.OutcomeFailed:
		status = http.StatusInternalServerError
		if res.Reason == model.ReasonInvalidPeriod {
			status = http.StatusBadRequest
		}
	case model.OutcomeSkipped:
		if res.Reason == model.ReasonAlreadyComputing {
			status = http.StatusConflict
		}
	}
	writeJSON(w, status, res)
}

// intParam reads a positive integer query parameter, clamped to max.
func intParam(r *http.Request, name string, def, max int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, false
	}
	if max > 0 && n > max {
		n = max
	}
	return n, true
}

func boolParam(r *http.Request, name string) bool {
	b, _ := strconv.ParseBool(r.URL.Query().Get(name))
	return b
}
