package api

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/portrait-cli/internal/model"
)

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.admin.Status(r.Context())
	if err != nil {
		s.log.Error("api: status", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "status unavailable")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleListRegistry(w http.ResponseWriter, r *http.Request) {
	limit, ok := intParam(r, "limit", 50, 500)
	if !ok {
		writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return
	}
	entries, err := s.admin.ListPeriods(r.Context(), r.URL.Query().Get("type"), limit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if entries == nil {
		entries = []model.PeriodEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"periods": entries})
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	var date time.Time
	if raw := r.URL.Query().Get("date"); raw != "" {
		d, err := model.ParseDate(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
			return
		}
		date = d
	}
	writeResult(w, s.admin.Sync(r.Context(), date))
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	limit, ok := intParam(r, "limit", 0, 0)
	if !ok {
		writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return
	}
	writeResult(w, s.admin.Analyze(r.Context(), limit))
}

func (s *Server) handleCompute(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	writeResult(w, s.admin.ComputeSnapshot(r.Context(), q.Get("type"), q.Get("key"), boolParam(r, "force")))
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	writeResult(w, s.admin.ComputeGroupSummary(r.Context(), q.Get("type"), q.Get("key"), boolParam(r, "force")))
}

func (s *Server) handleGroupNames(w http.ResponseWriter, r *http.Request) {
	writeResult(w, s.admin.SyncGroupNames(r.Context()))
}

func (s *Server) handleResetPeriod(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	writeResult(w, s.admin.ResetPeriod(r.Context(), q.Get("type"), q.Get("key")))
}
