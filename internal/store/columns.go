package store

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/portrait-cli/internal/model"
)

// Column lists shared by both backends. Order matches the scan and value
// helpers below.
var (
	recordSyncColumns = []string{
		"id", "external_id", "group_id", "subject_id", "event_date", "event_time",
		"duration_seconds", "interaction_rounds", "terminator", "connect_status",
		"intent_level", "synced_at",
	}

	// recordMutableColumns are the sync fields a re-sync may overwrite.
	recordMutableColumns = []string{
		"group_id", "subject_id", "event_date", "event_time", "duration_seconds",
		"interaction_rounds", "terminator", "connect_status", "intent_level",
	}

	recordColumns = append(append([]string{}, recordSyncColumns...),
		"sentiment", "sentiment_score", "complaint_risk", "churn_risk",
		"analysis_source", "analysis_reason", "analysis_raw", "analysis_attempts",
		"last_error", "claimed_at", "analyzed_at",
	)

	periodColumns = []string{
		"period_type", "period_key", "period_start", "period_end", "status",
		"total_subjects", "total_records", "total_groups", "computed_at",
		"summary_computed_at", "last_error", "created_at", "updated_at",
	}

	snapshotColumns = []string{
		"subject_id", "group_id", "period_type", "period_key", "period_start", "period_end",
		"total_events", "connected_events", "connect_rate", "total_duration", "avg_duration",
		"max_duration", "total_rounds", "avg_rounds", "level_counts", "robot_hangups",
		"customer_hangups", "sentiment_positive", "sentiment_neutral", "sentiment_negative",
		"sentiment_unset", "avg_sentiment_score", "complaint_high", "complaint_medium",
		"complaint_low", "complaint_unset", "churn_high", "churn_medium", "churn_low",
		"churn_unset", "dominant_sentiment", "risk_level", "engagement", "computed_at",
	}

	summaryColumns = []string{
		"group_id", "group_name", "period_type", "period_key", "period_start", "period_end",
		"total_subjects", "total_events", "connected_events", "connect_rate", "avg_duration",
		"positive_count", "neutral_count", "negative_count", "positive_rate", "negative_rate",
		"avg_sentiment_score", "high_complaint_subjects", "high_complaint_rate",
		"high_churn_subjects", "high_churn_rate", "computed_at",
	}

	syncRunColumns = []string{
		"id", "target_date", "outcome", "reason", "tables", "fetched", "upserted",
		"started_at", "finished_at",
	}
)

func columnList(cols []string) string {
	return strings.Join(cols, ", ")
}

// dialect converts values into driver arguments. Postgres takes time.Time
// and jsonb bytes; SQLite stores fixed-width text so lexical order is time
// order.
type dialect struct {
	date  func(time.Time) any
	stamp func(time.Time) any
	json  func([]byte) any
}

const sqliteStampLayout = "2006-01-02 15:04:05.000000000"

var (
	pgDialect = dialect{
		date:  func(t time.Time) any { return model.DateOf(t) },
		stamp: func(t time.Time) any { return t.UTC() },
		json:  func(b []byte) any { return b },
	}
	sqliteDialect = dialect{
		date:  func(t time.Time) any { return t.Format(model.DateLayout) },
		stamp: func(t time.Time) any { return t.UTC().Format(sqliteStampLayout) },
		json:  func(b []byte) any { return string(b) },
	}
)

func (c dialect) stampPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return c.stamp(*t)
}

func floatArg(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

func recordSyncValues(r model.EnrichedRecord, d dialect) []any {
	return []any{
		r.ID, r.ExternalID, r.GroupID, r.SubjectID, d.date(r.EventDate), d.stamp(r.EventTime),
		r.DurationSeconds, r.InteractionRounds, string(r.Terminator), string(r.ConnectStatus),
		r.IntentLevel, d.stamp(r.SyncedAt),
	}
}

func snapshotValues(s model.SubjectSnapshot, d dialect) ([]any, error) {
	levels, err := json.Marshal(s.LevelCounts)
	if err != nil {
		return nil, eris.Wrap(err, "store: marshal level counts")
	}
	return []any{
		s.SubjectID, s.GroupID, string(s.PeriodType), s.PeriodKey, d.date(s.PeriodStart), d.date(s.PeriodEnd),
		s.TotalEvents, s.ConnectedEvents, s.ConnectRate, s.TotalDuration, s.AvgDuration,
		s.MaxDuration, s.TotalRounds, s.AvgRounds, d.json(levels), s.RobotHangups,
		s.CustomerHangups, s.Sentiment.Positive, s.Sentiment.Neutral, s.Sentiment.Negative,
		s.Sentiment.Unset, floatArg(s.AvgSentiment), s.Complaint.High, s.Complaint.Medium,
		s.Complaint.Low, s.Complaint.Unset, s.Churn.High, s.Churn.Medium, s.Churn.Low,
		s.Churn.Unset, string(s.DominantMood), string(s.RiskLevel), string(s.Engagement), d.stamp(s.ComputedAt),
	}, nil
}

func summaryValues(g model.GroupSummary, d dialect) []any {
	return []any{
		g.GroupID, g.GroupName, string(g.PeriodType), g.PeriodKey, d.date(g.PeriodStart), d.date(g.PeriodEnd),
		g.TotalSubjects, g.TotalEvents, g.ConnectedEvents, g.ConnectRate, g.AvgDuration,
		g.PositiveCount, g.NeutralCount, g.NegativeCount, g.PositiveRate, g.NegativeRate,
		floatArg(g.AvgSentiment), g.HighComplaintSubjects, g.HighComplaintRate,
		g.HighChurnSubjects, g.HighChurnRate, d.stamp(g.ComputedAt),
	}
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRecord(row scannable) (model.EnrichedRecord, error) {
	var (
		r                                                            model.EnrichedRecord
		eventDate, eventTime, syncedAt, score, claimedAt, analyzedAt any
		terminator, connect, sentiment, complaint, churn, source     string
		duration, rounds, attempts                                   int64
	)
	if err := row.Scan(
		&r.ID, &r.ExternalID, &r.GroupID, &r.SubjectID, &eventDate, &eventTime,
		&duration, &rounds, &terminator, &connect, &r.IntentLevel, &syncedAt,
		&sentiment, &score, &complaint, &churn, &source, &r.AnalysisReason,
		&r.AnalysisRaw, &attempts, &r.LastError, &claimedAt, &analyzedAt,
	); err != nil {
		return r, err
	}

	r.DurationSeconds = int(duration)
	r.InteractionRounds = int(rounds)
	r.AnalysisAttempts = int(attempts)
	r.Terminator = model.Terminator(terminator)
	r.ConnectStatus = model.ConnectStatus(connect)
	r.Sentiment = model.Sentiment(sentiment)
	r.ComplaintRisk = model.Risk(complaint)
	r.ChurnRisk = model.Risk(churn)
	r.AnalysisSource = model.AnalysisSource(source)

	var err error
	if r.EventDate, err = asTime(eventDate); err != nil {
		return r, err
	}
	r.EventDate = model.DateOf(r.EventDate)
	if r.EventTime, err = asTime(eventTime); err != nil {
		return r, err
	}
	if r.SyncedAt, err = asTime(syncedAt); err != nil {
		return r, err
	}
	if r.SentimentScore, err = asFloatPtr(score); err != nil {
		return r, err
	}
	if r.ClaimedAt, err = asTimePtr(claimedAt); err != nil {
		return r, err
	}
	r.AnalyzedAt, err = asTimePtr(analyzedAt)
	return r, err
}

func scanPeriod(row scannable) (model.PeriodEntry, error) {
	var (
		e                             model.PeriodEntry
		typ, status                   string
		start, end, computed, summary any
		created, updated              any
	)
	if err := row.Scan(
		&typ, &e.Key, &start, &end, &status, &e.TotalSubjects, &e.TotalRecords,
		&e.TotalGroups, &computed, &summary, &e.LastError, &created, &updated,
	); err != nil {
		return e, err
	}
	e.Type = model.PeriodType(typ)
	e.Status = model.PeriodStatus(status)

	var err error
	if e.Start, err = asTime(start); err != nil {
		return e, err
	}
	if e.End, err = asTime(end); err != nil {
		return e, err
	}
	e.Start, e.End = model.DateOf(e.Start), model.DateOf(e.End)
	if e.ComputedAt, err = asTimePtr(computed); err != nil {
		return e, err
	}
	if e.SummaryComputedAt, err = asTimePtr(summary); err != nil {
		return e, err
	}
	if e.CreatedAt, err = asTime(created); err != nil {
		return e, err
	}
	e.UpdatedAt, err = asTime(updated)
	return e, err
}

func scanSnapshot(row scannable) (model.SubjectSnapshot, error) {
	var (
		s                              model.SubjectSnapshot
		typ, mood, risk, engagement    string
		start, end, avgScore, computed any
		levels                         any
	)
	if err := row.Scan(
		&s.SubjectID, &s.GroupID, &typ, &s.PeriodKey, &start, &end,
		&s.TotalEvents, &s.ConnectedEvents, &s.ConnectRate, &s.TotalDuration, &s.AvgDuration,
		&s.MaxDuration, &s.TotalRounds, &s.AvgRounds, &levels, &s.RobotHangups,
		&s.CustomerHangups, &s.Sentiment.Positive, &s.Sentiment.Neutral, &s.Sentiment.Negative,
		&s.Sentiment.Unset, &avgScore, &s.Complaint.High, &s.Complaint.Medium,
		&s.Complaint.Low, &s.Complaint.Unset, &s.Churn.High, &s.Churn.Medium, &s.Churn.Low,
		&s.Churn.Unset, &mood, &risk, &engagement, &computed,
	); err != nil {
		return s, err
	}
	s.PeriodType = model.PeriodType(typ)
	s.DominantMood = model.Sentiment(mood)
	s.RiskLevel = model.RiskLevel(risk)
	s.Engagement = model.Engagement(engagement)

	var err error
	if s.LevelCounts, err = asLevelCounts(levels); err != nil {
		return s, err
	}
	if s.PeriodStart, err = asTime(start); err != nil {
		return s, err
	}
	if s.PeriodEnd, err = asTime(end); err != nil {
		return s, err
	}
	s.PeriodStart, s.PeriodEnd = model.DateOf(s.PeriodStart), model.DateOf(s.PeriodEnd)
	if s.AvgSentiment, err = asFloatPtr(avgScore); err != nil {
		return s, err
	}
	s.ComputedAt, err = asTime(computed)
	return s, err
}

func scanSummary(row scannable) (model.GroupSummary, error) {
	var (
		g                              model.GroupSummary
		typ                            string
		start, end, avgScore, computed any
	)
	if err := row.Scan(
		&g.GroupID, &g.GroupName, &typ, &g.PeriodKey, &start, &end,
		&g.TotalSubjects, &g.TotalEvents, &g.ConnectedEvents, &g.ConnectRate, &g.AvgDuration,
		&g.PositiveCount, &g.NeutralCount, &g.NegativeCount, &g.PositiveRate, &g.NegativeRate,
		&avgScore, &g.HighComplaintSubjects, &g.HighComplaintRate,
		&g.HighChurnSubjects, &g.HighChurnRate, &computed,
	); err != nil {
		return g, err
	}
	g.PeriodType = model.PeriodType(typ)

	var err error
	if g.PeriodStart, err = asTime(start); err != nil {
		return g, err
	}
	if g.PeriodEnd, err = asTime(end); err != nil {
		return g, err
	}
	g.PeriodStart, g.PeriodEnd = model.DateOf(g.PeriodStart), model.DateOf(g.PeriodEnd)
	if g.AvgSentiment, err = asFloatPtr(avgScore); err != nil {
		return g, err
	}
	g.ComputedAt, err = asTime(computed)
	return g, err
}

func scanSyncRun(row scannable) (model.SyncRun, error) {
	var (
		r                         model.SyncRun
		outcome, tables           string
		target, started, finished any
	)
	if err := row.Scan(&r.ID, &target, &outcome, &r.Reason, &tables, &r.Fetched, &r.Upserted, &started, &finished); err != nil {
		return r, err
	}
	r.Outcome = model.Outcome(outcome)
	if tables != "" {
		r.Tables = strings.Split(tables, ",")
	}

	var err error
	if r.TargetDate, err = asTime(target); err != nil {
		return r, err
	}
	r.TargetDate = model.DateOf(r.TargetDate)
	if r.StartedAt, err = asTime(started); err != nil {
		return r, err
	}
	r.FinishedAt, err = asTime(finished)
	return r, err
}

var timeLayouts = []string{
	sqliteStampLayout,
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05",
	model.DateLayout,
}

func asTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case nil:
		return time.Time{}, nil
	case time.Time:
		return t.UTC(), nil
	case []byte:
		return parseTime(string(t))
	case string:
		return parseTime(t)
	}
	return time.Time{}, eris.Errorf("store: cannot convert %T to time", v)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, eris.Errorf("store: unparseable time %q", s)
}

func asTimePtr(v any) (*time.Time, error) {
	t, err := asTime(v)
	if err != nil || t.IsZero() {
		return nil, err
	}
	return &t, nil
}

func asFloatPtr(v any) (*float64, error) {
	var f float64
	switch n := v.(type) {
	case nil:
		return nil, nil
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int64:
		f = float64(n)
	case []byte:
		return asFloatPtr(string(n))
	case string:
		parsed, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return nil, eris.Wrapf(err, "store: parse float %q", n)
		}
		f = parsed
	default:
		return nil, eris.Errorf("store: cannot convert %T to float", v)
	}
	return &f, nil
}

func asLevelCounts(v any) (map[string]int64, error) {
	var raw []byte
	switch b := v.(type) {
	case nil:
		return map[string]int64{}, nil
	case []byte:
		raw = b
	case string:
		raw = []byte(b)
	case map[string]any:
		out := make(map[string]int64, len(b))
		for k, n := range b {
			if f, ok := n.(float64); ok {
				out[k] = int64(f)
			}
		}
		return out, nil
	default:
		return nil, eris.Errorf("store: cannot convert %T to level counts", v)
	}
	out := map[string]int64{}
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal level counts")
	}
	return out, nil
}
