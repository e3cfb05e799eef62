package api

import (
	"net/http"
	"slices"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/sells-group/portrait-cli/internal/model"
	"github.com/sells-group/portrait-cli/internal/store"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
	defaultTrendN   = 8
	maxTrendN       = 52
)

// Metrics selectable in a trend series.
var metrics = map[string]func(model.GroupSummary) float64{
	"connect_rate":        func(g model.GroupSummary) float64 { return g.ConnectRate },
	"avg_duration":        func(g model.GroupSummary) float64 { return g.AvgDuration },
	"positive_rate":       func(g model.GroupSummary) float64 { return g.PositiveRate },
	"negative_rate":       func(g model.GroupSummary) float64 { return g.NegativeRate },
	"high_complaint_rate": func(g model.GroupSummary) float64 { return g.HighComplaintRate },
	"high_churn_rate":     func(g model.GroupSummary) float64 { return g.HighChurnRate },
	"total_events":        func(g model.GroupSummary) float64 { return float64(g.TotalEvents) },
	"total_subjects":      func(g model.GroupSummary) float64 { return float64(g.TotalSubjects) },
}

// GroupItem is one row of the group listing.
type GroupItem struct {
	GroupID       string `json:"group_id"`
	GroupName     string `json:"group_name"`
	TotalSubjects int64  `json:"total_subjects"`
	TotalEvents   int64  `json:"total_events"`
}

// TrendPoint is one period of a metric series. Value is null for a period
// without a group summary.
type TrendPoint struct {
	PeriodKey string   `json:"period_key"`
	Label     string   `json:"label"`
	Value     *float64 `json:"value"`
}

// PeriodItem is a recent period with its registry state.
type PeriodItem struct {
	model.Period
	Label  string             `json:"label"`
	Status model.PeriodStatus `json:"status"`
}

func (s *Server) periodType(r *http.Request) (model.PeriodType, bool) {
	raw := r.URL.Query().Get("type")
	if raw == "" {
		return model.PeriodWeek, true
	}
	pt, err := model.ParsePeriodType(raw)
	return pt, err == nil
}

// period reads type and key, defaulting to the last closed week.
func (s *Server) period(w http.ResponseWriter, r *http.Request) (model.Period, bool) {
	pt, ok := s.periodType(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "type must be week, month or quarter")
		return model.Period{}, false
	}
	key := r.URL.Query().Get("key")
	if key == "" {
		return model.RecentPeriods(pt, s.admin.Today(), 1, false)[0], true
	}
	p, err := model.ParsePeriod(pt, key)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return model.Period{}, false
	}
	return p, true
}

func (s *Server) handleGroups(w http.ResponseWriter, r *http.Request) {
	p, ok := s.period(w, r)
	if !ok {
		return
	}
	sums, err := s.st.ListGroupSummaries(r.Context(), p.Type, p.Key)
	if err != nil {
		s.internal(w, "list groups", err)
		return
	}
	items := make([]GroupItem, 0, len(sums))
	for _, g := range sums {
		items = append(items, GroupItem{
			GroupID:       g.GroupID,
			GroupName:     g.GroupName,
			TotalSubjects: g.TotalSubjects,
			TotalEvents:   g.TotalEvents,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"period": p, "groups": items})
}

func (s *Server) handleGroupSummary(w http.ResponseWriter, r *http.Request) {
	p, ok := s.period(w, r)
	if !ok {
		return
	}
	group := chi.URLParam(r, "group")
	g, err := s.st.GetGroupSummary(r.Context(), group, p.Type, p.Key)
	if err != nil {
		s.internal(w, "get group summary", err)
		return
	}
	if g == nil {
		writeError(w, http.StatusNotFound, "no summary for group "+group+" in "+p.String())
		return
	}
	writeJSON(w, http.StatusOK, g)
}

// handleGroupTrend serves a metric over n consecutive periods ending at key
// (default: the last closed period), oldest first.
func (s *Server) handleGroupTrend(w http.ResponseWriter, r *http.Request) {
	last, ok := s.period(w, r)
	if !ok {
		return
	}
	metric := r.URL.Query().Get("metric")
	if metric == "" {
		metric = "connect_rate"
	}
	value, ok := metrics[metric]
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown metric "+metric)
		return
	}
	n, ok := intParam(r, "n", defaultTrendN, maxTrendN)
	if !ok {
		writeError(w, http.StatusBadRequest, "n must be a positive integer")
		return
	}

	periods := make([]model.Period, n)
	cur := last
	for i := n - 1; i >= 0; i-- {
		periods[i] = cur
		cur = cur.Prev()
	}

	group := chi.URLParam(r, "group")
	history, err := s.st.GroupHistory(r.Context(), group, last.Type, periods[0].Start, last.Start)
	if err != nil {
		s.internal(w, "group history", err)
		return
	}
	byKey := make(map[string]model.GroupSummary, len(history))
	for _, g := range history {
		byKey[g.PeriodKey] = g
	}

	points := make([]TrendPoint, 0, n)
	for _, p := range periods {
		pt := TrendPoint{PeriodKey: p.Key, Label: p.Label()}
		if g, ok := byKey[p.Key]; ok {
			v := value(g)
			pt.Value = &v
		}
		points = append(points, pt)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"group_id":    group,
		"period_type": last.Type,
		"metric":      metric,
		"points":      points,
	})
}

func (s *Server) handleGroupSubjects(w http.ResponseWriter, r *http.Request) {
	p, ok := s.period(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	f := store.SubjectFilter{
		GroupID:    chi.URLParam(r, "group"),
		PeriodType: p.Type,
		PeriodKey:  p.Key,
	}
	if raw := q.Get("risk"); raw != "" {
		rl := model.RiskLevel(raw)
		if !slices.Contains([]model.RiskLevel{model.RiskLevelChurn, model.RiskLevelComplaint, model.RiskLevelMedium, model.RiskLevelNone}, rl) {
			writeError(w, http.StatusBadRequest, "risk must be churn, complaint, medium or none")
			return
		}
		f.RiskLevel = rl
	}
	if raw := q.Get("sentiment"); raw != "" {
		sent := model.Sentiment(raw)
		if !slices.Contains([]model.Sentiment{model.SentimentPositive, model.SentimentNeutral, model.SentimentNegative}, sent) {
			writeError(w, http.StatusBadRequest, "sentiment must be positive, neutral or negative")
			return
		}
		f.Sentiment = sent
	}
	page, ok := intParam(r, "page", 1, 0)
	if !ok {
		writeError(w, http.StatusBadRequest, "page must be a positive integer")
		return
	}
	size, ok := intParam(r, "page_size", defaultPageSize, maxPageSize)
	if !ok {
		writeError(w, http.StatusBadRequest, "page_size must be a positive integer")
		return
	}
	f.Limit = size
	f.Offset = (page - 1) * size

	snaps, total, err := s.st.ListSubjectSnapshots(r.Context(), f)
	if err != nil {
		s.internal(w, "list subjects", err)
		return
	}
	if snaps == nil {
		snaps = []model.SubjectSnapshot{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"period":    p,
		"subjects":  snaps,
		"total":     total,
		"page":      page,
		"page_size": size,
	})
}

func (s *Server) handlePeriods(w http.ResponseWriter, r *http.Request) {
	pt, ok := s.periodType(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "type must be week, month or quarter")
		return
	}
	n, ok := intParam(r, "n", defaultTrendN, maxTrendN)
	if !ok {
		writeError(w, http.StatusBadRequest, "n must be a positive integer")
		return
	}

	recent := model.RecentPeriods(pt, s.admin.Today(), n, false)
	items := make([]PeriodItem, 0, len(recent))
	for _, p := range recent {
		item := PeriodItem{Period: p, Label: p.Label(), Status: model.PeriodPending}
		e, err := s.st.GetPeriod(r.Context(), p.Type, p.Key)
		if err != nil {
			s.internal(w, "get period", err)
			return
		}
		if e != nil {
			item.Status = e.Status
		}
		items = append(items, item)
	}
	writeJSON(w, http.StatusOK, map[string]any{"periods": items})
}

func (s *Server) internal(w http.ResponseWriter, op string, err error) {
	s.log.Error("api: "+op, zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal error")
}
