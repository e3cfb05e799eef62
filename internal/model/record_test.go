package model

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseSentiment(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want Sentiment
	}{
		{"positive", SentimentPositive},
		{" NEGATIVE ", SentimentNegative},
		{"neutral", SentimentNeutral},
		{"happy", SentimentNeutral},
		{"", SentimentNeutral},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseSentiment(tt.in), tt.in)
	}
}

func TestParseRisk(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want Risk
	}{
		{"high", RiskHigh},
		{"Medium", RiskMedium},
		{"low", RiskLow},
		{"severe", RiskLow},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseRisk(tt.in), tt.in)
	}
}

func TestTerminatorFromDisposition(t *testing.T) {
	t.Parallel()

	assert.Equal(t, TerminatorRobot, TerminatorFromDisposition(1))
	assert.Equal(t, TerminatorCustomer, TerminatorFromDisposition(2))
	assert.Equal(t, TerminatorUnknown, TerminatorFromDisposition(0))
}

func TestTruncate(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "abc", Truncate("abc", 5))
	assert.Equal(t, "ab", Truncate("abc", 2))
	assert.Equal(t, "您好", Truncate("您好吗", 2))
	assert.Equal(t, "", Truncate("abc", 0))
}

func TestResultConstructors(t *testing.T) {
	t.Parallel()

	ok := Success(map[string]int64{CountSynced: 3})
	assert.True(t, ok.OK())
	assert.Equal(t, int64(3), ok.Count(CountSynced))
	assert.Equal(t, int64(0), ok.Count(CountFetched))

	skip := Skipped(ReasonSourceUnavailable)
	assert.Equal(t, OutcomeSkipped, skip.Outcome)
	assert.Equal(t, "source_unavailable", skip.Reason)
	assert.False(t, skip.OK())

	fail := Failed(ReasonTimeout, errors.New("deadline exceeded"))
	assert.Equal(t, OutcomeFailed, fail.Outcome)
	assert.Equal(t, "deadline exceeded", fail.Error)
}

func TestRate(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 0.0, Rate(0, 0))
	assert.Equal(t, 0.0, Rate(5, 0))
	assert.InDelta(t, 0.6667, Rate(2, 3), 0.0001)
	assert.Equal(t, 1.0, Rate(4, 3))
	assert.Equal(t, 0.0, Mean(10, 0))
	assert.Equal(t, 25.0, Mean(75, 3))
}

func TestSentimentCounts_Dominant(t *testing.T) {
	t.Parallel()

	assert.Equal(t, SentimentUnset, SentimentCounts{Unset: 2}.Dominant())
	assert.Equal(t, SentimentNegative, SentimentCounts{Positive: 5, Negative: 1}.Dominant())
	assert.Equal(t, SentimentPositive, SentimentCounts{Positive: 2, Neutral: 1}.Dominant())
	assert.Equal(t, SentimentNeutral, SentimentCounts{Positive: 1, Neutral: 1}.Dominant())
}

func TestCombineRisk(t *testing.T) {
	t.Parallel()

	assert.Equal(t, RiskLevelChurn, CombineRisk(RiskHigh, RiskHigh))
	assert.Equal(t, RiskLevelComplaint, CombineRisk(RiskHigh, RiskLow))
	assert.Equal(t, RiskLevelMedium, CombineRisk(RiskLow, RiskMedium))
	assert.Equal(t, RiskLevelNone, CombineRisk(RiskLow, RiskUnset))
}

func TestGradeEngagement(t *testing.T) {
	t.Parallel()

	assert.Equal(t, EngagementDeep, GradeEngagement(61, 1))
	assert.Equal(t, EngagementDeep, GradeEngagement(10, 6))
	assert.Equal(t, EngagementNormal, GradeEngagement(25, 1))
	assert.Equal(t, EngagementShallow, GradeEngagement(5, 1))
}
