// Package classify labels a call dialogue with customer sentiment and
// complaint/churn risk. Providers are an LLM (Anthropic or any
// OpenAI-compatible endpoint) or a keyword rule engine.
package classify

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/portrait-cli/internal/config"
	"github.com/sells-group/portrait-cli/internal/model"
	"github.com/sells-group/portrait-cli/pkg/anthropic"
)

// ErrUnclassifiable means the provider cannot label this dialogue. It is
// permanent for the record; callers fall back instead of retrying.
var ErrUnclassifiable = eris.New("classify: dialogue is unclassifiable")

// ErrMalformedReply means the provider answered without a usable JSON object.
// A second attempt usually succeeds.
var ErrMalformedReply = eris.New("classify: malformed reply")

// Classifier labels one dialogue.
type Classifier interface {
	Classify(ctx context.Context, turns []model.Turn) (Result, error)
	Name() string
}

// Result is the label set for one call.
type Result struct {
	Sentiment     model.Sentiment      `json:"sentiment"`
	Score         float64              `json:"sentiment_score"`
	ComplaintRisk model.Risk           `json:"complaint_risk"`
	ChurnRisk     model.Risk           `json:"churn_risk"`
	Reason        string               `json:"reason"`
	Raw           string               `json:"-"`
	Source        model.AnalysisSource `json:"-"`
}

// Analysis converts the result into a write-back for record id.
func (r Result) Analysis(recordID string, attempts int) model.Analysis {
	score := r.Score
	return model.Analysis{
		RecordID:       recordID,
		Sentiment:      r.Sentiment,
		SentimentScore: &score,
		ComplaintRisk:  r.ComplaintRisk,
		ChurnRisk:      r.ChurnRisk,
		Source:         r.Source,
		Reason:         r.Reason,
		Raw:            model.Truncate(r.Raw, model.MaxRawResponse),
		Attempts:       attempts,
	}
}

// Fallback is the neutral label set recorded when a call cannot be classified.
func Fallback(reason string) Result {
	return Result{
		Sentiment:     model.SentimentNeutral,
		Score:         0.5,
		ComplaintRisk: model.RiskLow,
		ChurnRisk:     model.RiskLow,
		Reason:        reason,
		Source:        model.SourceFallback,
	}
}

// New builds the classifier selected by cfg.Provider.
func New(cfg config.ClassifierConfig) (Classifier, error) {
	switch cfg.Provider {
	case "rules":
		lex, err := LoadLexicon(cfg.LexiconPath)
		if err != nil {
			return nil, err
		}
		return NewRules(lex), nil
	case "anthropic":
		if cfg.APIKey == "" {
			return nil, eris.New("classify: anthropic provider requires classifier.api_key")
		}
		return NewAnthropic(anthropic.NewClient(cfg.APIKey, cfg.BaseURL), cfg), nil
	case "openai":
		if cfg.APIKey == "" {
			return nil, eris.New("classify: openai provider requires classifier.api_key")
		}
		return NewOpenAI(cfg), nil
	}
	return nil, eris.Errorf("classify: unknown provider %q", cfg.Provider)
}

// CustomerText joins everything the customer said.
func CustomerText(turns []model.Turn) string {
	var parts []string
	for _, t := range turns {
		if s := strings.TrimSpace(t.Customer); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " ")
}

// RenderDialogue formats turns as a transcript, one speaker per line.
func RenderDialogue(turns []model.Turn) string {
	var b strings.Builder
	for _, t := range turns {
		if s := strings.TrimSpace(t.Robot); s != "" {
			b.WriteString("Robot: ")
			b.WriteString(s)
			b.WriteByte('\n')
		}
		if s := strings.TrimSpace(t.Customer); s != "" {
			b.WriteString("Customer: ")
			b.WriteString(s)
			b.WriteByte('\n')
		}
	}
	return b.String()
}

const systemPrompt = `You review transcripts of outbound calls placed by a voice robot and judge the customer's mood and risk.

Reply with a single JSON object and nothing else:
{"sentiment": "positive|neutral|negative", "sentiment_score": 0.0-1.0, "complaint_risk": "low|medium|high", "churn_risk": "low|medium|high", "reason": "short explanation, under 50 characters"}

- sentiment: the customer's overall mood.
- sentiment_score: 0 is extremely negative, 1 is extremely positive.
- complaint_risk: high when the customer threatens to complain or report, e.g. 投诉, 举报, 工信部, 12315.
- churn_risk: high when the customer wants to cancel or switch, e.g. 不用了, 取消, 销户, 携号转网.
- If the transcript contains nothing the customer said that can be judged, reply {"unclassifiable": true}.`

func userPrompt(turns []model.Turn) string {
	return "Transcript:\n" + RenderDialogue(turns)
}
