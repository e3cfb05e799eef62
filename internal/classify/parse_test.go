package classify

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/portrait-cli/internal/config"
	"github.com/sells-group/portrait-cli/internal/model"
)

func TestParse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		raw       string
		sentiment model.Sentiment
		score     float64
		complaint model.Risk
		churn     model.Risk
	}{
		{
			name:      "plain object",
			raw:       `{"sentiment":"negative","sentiment_score":0.2,"complaint_risk":"high","churn_risk":"low","reason":"threatens 12315"}`,
			sentiment: model.SentimentNegative, score: 0.2, complaint: model.RiskHigh, churn: model.RiskLow,
		},
		{
			name:      "fenced with chatter",
			raw:       "Here you go:\n```json\n{\"sentiment\": \"positive\", \"sentiment_score\": \"0.9\", \"complaint_risk\": \"low\", \"churn_risk\": \"medium\"}\n```\nThanks",
			sentiment: model.SentimentPositive, score: 0.9, complaint: model.RiskLow, churn: model.RiskMedium,
		},
		{
			name:      "fence on one line",
			raw:       "```{\"sentiment\":\"neutral\",\"sentiment_score\":0.5}```",
			sentiment: model.SentimentNeutral, score: 0.5, complaint: model.RiskLow, churn: model.RiskLow,
		},
		{
			name:      "chinese labels",
			raw:       `{"sentiment":"消极","sentiment_score":0.1,"complaint_risk":"高","churn_risk":"中"}`,
			sentiment: model.SentimentNegative, score: 0.1, complaint: model.RiskHigh, churn: model.RiskMedium,
		},
		{
			name:      "out of range score and unknown labels",
			raw:       `{"sentiment":"ecstatic","sentiment_score":7,"complaint_risk":"extreme","churn_risk":null}`,
			sentiment: model.SentimentNeutral, score: 1, complaint: model.RiskLow, churn: model.RiskLow,
		},
		{
			name:      "missing score",
			raw:       `{"sentiment":"negative","reason":"said {not happy}"}`,
			sentiment: model.SentimentNegative, score: 0.5, complaint: model.RiskLow, churn: model.RiskLow,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := Parse(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.sentiment, got.Sentiment)
			assert.InDelta(t, tt.score, got.Score, 0.0001)
			assert.Equal(t, tt.complaint, got.ComplaintRisk)
			assert.Equal(t, tt.churn, got.ChurnRisk)
			assert.Equal(t, tt.raw, got.Raw)
		})
	}
}

func TestParse_BraceInsideString(t *testing.T) {
	t.Parallel()

	got, err := Parse(`{"sentiment":"negative","reason":"customer typed }{ twice"} trailing {"x":1}`)
	require.NoError(t, err)
	assert.Equal(t, "customer typed }{ twice", got.Reason)
}

func TestParse_Malformed(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{"", "I cannot answer that", `{"sentiment": "positive"`, `{sentiment: positive}`} {
		_, err := Parse(raw)
		require.Error(t, err, raw)
		assert.True(t, errors.Is(err, ErrMalformedReply), raw)
	}
}

func TestParse_Unclassifiable(t *testing.T) {
	t.Parallel()

	_, err := Parse(`{"unclassifiable": true}`)
	assert.True(t, errors.Is(err, ErrUnclassifiable))
}

func TestParse_TruncatesReasonAndRaw(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("很", 300)
	raw := `{"sentiment":"neutral","reason":"` + long + `","pad":"` + strings.Repeat("x", 3000) + `"}`
	got, err := Parse(raw)
	require.NoError(t, err)
	assert.Len(t, []rune(got.Reason), 200)
	assert.Len(t, []rune(got.Raw), model.MaxRawResponse)
}

func TestResult_Analysis(t *testing.T) {
	t.Parallel()

	res := Fallback("retries_exhausted")
	res.Raw = strings.Repeat("r", 2500)
	a := res.Analysis("rec-1", 3)

	assert.Equal(t, "rec-1", a.RecordID)
	assert.Equal(t, model.SentimentNeutral, a.Sentiment)
	require.NotNil(t, a.SentimentScore)
	assert.Equal(t, 0.5, *a.SentimentScore)
	assert.Equal(t, model.RiskLow, a.ComplaintRisk)
	assert.Equal(t, model.RiskLow, a.ChurnRisk)
	assert.Equal(t, model.SourceFallback, a.Source)
	assert.Equal(t, "retries_exhausted", a.Reason)
	assert.Equal(t, 3, a.Attempts)
	assert.Len(t, a.Raw, model.MaxRawResponse)
}

func TestRenderDialogue(t *testing.T) {
	t.Parallel()

	turns := []model.Turn{
		{Sequence: 1, Robot: "您好，这里是客服中心"},
		{Sequence: 2, Customer: " 什么事 ", Robot: "想了解一下您的使用情况"},
		{Sequence: 3, Customer: "  "},
	}
	assert.Equal(t, "Robot: 您好，这里是客服中心\nCustomer: 什么事\nRobot: 想了解一下您的使用情况\n", RenderDialogue(turns))
	assert.Equal(t, "什么事", CustomerText(turns))
}

func TestNew_Providers(t *testing.T) {
	t.Parallel()

	c, err := New(config.ClassifierConfig{Provider: "rules"})
	require.NoError(t, err)
	assert.Equal(t, "rules", c.Name())

	_, err = New(config.ClassifierConfig{Provider: "anthropic"})
	assert.ErrorContains(t, err, "api_key")

	_, err = New(config.ClassifierConfig{Provider: "openai"})
	assert.ErrorContains(t, err, "api_key")

	c, err = New(config.ClassifierConfig{Provider: "openai", APIKey: "k", Model: "qwen-plus"})
	require.NoError(t, err)
	assert.Equal(t, "openai", c.Name())

	_, err = New(config.ClassifierConfig{Provider: "oracle"})
	assert.Error(t, err)
}
