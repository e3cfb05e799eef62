package aggregate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/portrait-cli/internal/model"
)

var (
	w48      = model.PeriodOf(model.PeriodWeek, model.Date(2025, 11, 25))
	computed = time.Date(2025, 12, 1, 2, 0, 0, 0, time.UTC)
)

func score(f float64) *float64 { return &f }

func rec(subject, group string, day time.Time, duration int) model.EnrichedRecord {
	r := model.EnrichedRecord{
		SubjectID:         subject,
		GroupID:           group,
		EventDate:         day,
		DurationSeconds:   duration,
		InteractionRounds: duration / 10,
		ConnectStatus:     model.ConnectFailed,
		Terminator:        model.TerminatorRobot,
	}
	if duration > 0 {
		r.ConnectStatus = model.ConnectConnected
		r.Terminator = model.TerminatorCustomer
	}
	return r
}

func labelled(r model.EnrichedRecord, s model.Sentiment, sc float64, complaint, churn model.Risk) model.EnrichedRecord {
	r.Sentiment = s
	r.SentimentScore = score(sc)
	r.ComplaintRisk = complaint
	r.ChurnRisk = churn
	return r
}

func TestFoldSubjects_ExampleScenario(t *testing.T) {
	t.Parallel()
	day := model.Date(2025, 11, 25)
	recs := []model.EnrichedRecord{
		labelled(rec("S1", "G1", day, 0), model.SentimentNeutral, 0.5, model.RiskLow, model.RiskLow),
		labelled(rec("S1", "G1", day, 30), model.SentimentPositive, 0.75, model.RiskLow, model.RiskLow),
		labelled(rec("S1", "G1", day, 45), model.SentimentPositive, 0.75, model.RiskLow, model.RiskMedium),
	}
	recs[1].IntentLevel = "B"
	recs[2].IntentLevel = "A"

	snaps := FoldSubjects(w48, recs, computed)
	require.Len(t, snaps, 1)
	s := snaps[0]

	assert.Equal(t, "S1", s.SubjectID)
	assert.Equal(t, "G1", s.GroupID)
	assert.Equal(t, "2025-W48", s.PeriodKey)
	assert.Equal(t, model.Date(2025, 11, 24), s.PeriodStart)
	assert.Equal(t, model.Date(2025, 11, 30), s.PeriodEnd)
	assert.Equal(t, int64(3), s.TotalEvents)
	assert.Equal(t, int64(2), s.ConnectedEvents)
	assert.InDelta(t, 0.667, s.ConnectRate, 0.001)
	assert.Equal(t, 25.0, s.AvgDuration)
	assert.Equal(t, int64(75), s.TotalDuration)
	assert.Equal(t, int64(45), s.MaxDuration)
	assert.Equal(t, map[string]int64{"A": 1, "B": 1}, s.LevelCounts)
	assert.Equal(t, int64(1), s.RobotHangups)
	assert.Equal(t, int64(2), s.CustomerHangups)
	assert.Equal(t, model.SentimentCounts{Positive: 2, Neutral: 1}, s.Sentiment)
	require.NotNil(t, s.AvgSentiment)
	assert.InDelta(t, 0.6667, *s.AvgSentiment, 0.0001)
	assert.Equal(t, model.SentimentPositive, s.DominantMood)
	assert.Equal(t, model.RiskLevelMedium, s.RiskLevel)
	assert.Equal(t, model.EngagementNormal, s.Engagement)
	assert.Equal(t, computed, s.ComputedAt)
}

func TestFoldSubjects_SplitsByGroupAndIgnoresOutsideRecords(t *testing.T) {
	t.Parallel()
	recs := []model.EnrichedRecord{
		rec("S1", "G1", model.Date(2025, 11, 24), 10),
		rec("S1", "G2", model.Date(2025, 11, 30), 10),
		rec("S2", "G1", model.Date(2025, 11, 26), 0),
		rec("S1", "G1", model.Date(2025, 12, 1), 10),
		rec("S1", "G1", model.Date(2025, 11, 23), 10),
	}

	snaps := FoldSubjects(w48, recs, computed)
	require.Len(t, snaps, 3)
	assert.Equal(t, [][2]string{{"G1", "S1"}, {"G1", "S2"}, {"G2", "S1"}},
		[][2]string{{snaps[0].GroupID, snaps[0].SubjectID}, {snaps[1].GroupID, snaps[1].SubjectID}, {snaps[2].GroupID, snaps[2].SubjectID}})
	assert.Equal(t, int64(1), snaps[0].TotalEvents)

	// Unanalyzed and never-connected subject.
	s2 := snaps[1]
	assert.Equal(t, 0.0, s2.ConnectRate)
	assert.Equal(t, 0.0, s2.AvgDuration)
	assert.Nil(t, s2.AvgSentiment)
	assert.Equal(t, int64(1), s2.Sentiment.Unset)
	assert.Equal(t, model.SentimentUnset, s2.DominantMood)
	assert.Equal(t, model.RiskLevelNone, s2.RiskLevel)
	assert.Equal(t, model.EngagementShallow, s2.Engagement)
}

func TestFoldSubjects_Empty(t *testing.T) {
	t.Parallel()
	assert.Empty(t, FoldSubjects(w48, nil, computed))
}

func TestFoldGroups(t *testing.T) {
	t.Parallel()
	day := model.Date(2025, 11, 25)
	recs := []model.EnrichedRecord{
		labelled(rec("S1", "G1", day, 0), model.SentimentNeutral, 0.5, model.RiskLow, model.RiskLow),
		labelled(rec("S1", "G1", day, 30), model.SentimentPositive, 0.8, model.RiskLow, model.RiskLow),
		labelled(rec("S2", "G1", day, 60), model.SentimentNegative, 0.2, model.RiskHigh, model.RiskLow),
		labelled(rec("S3", "G1", day, 90), model.SentimentNegative, 0.1, model.RiskHigh, model.RiskHigh),
		rec("S3", "G1", day, 0),
		labelled(rec("S1", "G2", day, 20), model.SentimentPositive, 0.9, model.RiskLow, model.RiskLow),
	}
	snaps := FoldSubjects(w48, recs, computed)
	sums := FoldGroups(w48, snaps, map[string]string{"G1": "November renewals"}, computed)
	require.Len(t, sums, 2)

	g1 := sums[0]
	assert.Equal(t, "G1", g1.GroupID)
	assert.Equal(t, "November renewals", g1.GroupName)
	assert.Equal(t, int64(3), g1.TotalSubjects)
	assert.Equal(t, int64(5), g1.TotalEvents)
	assert.Equal(t, int64(3), g1.ConnectedEvents)
	assert.InDelta(t, 0.6, g1.ConnectRate, 0.0001)
	assert.InDelta(t, 36.0, g1.AvgDuration, 0.0001)
	assert.Equal(t, int64(1), g1.PositiveCount)
	assert.Equal(t, int64(1), g1.NeutralCount)
	assert.Equal(t, int64(2), g1.NegativeCount)
	assert.InDelta(t, 0.25, g1.PositiveRate, 0.0001, "unset records are excluded")
	assert.InDelta(t, 0.5, g1.NegativeRate, 0.0001)
	assert.Equal(t, int64(2), g1.HighComplaintSubjects)
	assert.InDelta(t, 2.0/3.0, g1.HighComplaintRate, 0.0001)
	assert.Equal(t, int64(1), g1.HighChurnSubjects)
	require.NotNil(t, g1.AvgSentiment)
	assert.InDelta(t, 0.4, *g1.AvgSentiment, 0.0001)

	g2 := sums[1]
	assert.Equal(t, "", g2.GroupName)
	assert.Equal(t, int64(1), g2.TotalSubjects)
	assert.Equal(t, 1.0, g2.ConnectRate)
}

func TestFoldGroups_TotalSubjectsMatchesSnapshots(t *testing.T) {
	t.Parallel()
	day := model.Date(2025, 11, 27)
	var recs []model.EnrichedRecord
	for i, subject := range []string{"S1", "S2", "S3", "S4", "S5", "S1", "S2"} {
		group := "G1"
		if i%3 == 0 {
			group = "G2"
		}
		recs = append(recs, rec(subject, group, day, i*7))
	}
	snaps := FoldSubjects(w48, recs, computed)
	sums := FoldGroups(w48, snaps, nil, computed)

	distinct := map[string]map[string]bool{}
	for _, s := range snaps {
		if distinct[s.GroupID] == nil {
			distinct[s.GroupID] = map[string]bool{}
		}
		distinct[s.GroupID][s.SubjectID] = true
	}
	for _, g := range sums {
		assert.Equal(t, int64(len(distinct[g.GroupID])), g.TotalSubjects, g.GroupID)
		for _, r := range []float64{g.ConnectRate, g.PositiveRate, g.NegativeRate, g.HighComplaintRate, g.HighChurnRate} {
			assert.GreaterOrEqual(t, r, 0.0)
			assert.LessOrEqual(t, r, 1.0)
		}
	}
}

func TestFoldGroups_IgnoresOtherPeriods(t *testing.T) {
	t.Parallel()
	snaps := FoldSubjects(w48, []model.EnrichedRecord{rec("S1", "G1", model.Date(2025, 11, 25), 10)}, computed)
	nov := model.PeriodOf(model.PeriodMonth, model.Date(2025, 11, 25))
	assert.Empty(t, FoldGroups(nov, snaps, nil, computed))
}
