package classify

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/portrait-cli/internal/config"
	"github.com/sells-group/portrait-cli/internal/model"
	"github.com/sells-group/portrait-cli/internal/resilience"
	"github.com/sells-group/portrait-cli/pkg/anthropic"
)

// Anthropic classifies through the Messages API.
type Anthropic struct {
	client      anthropic.Client
	model       string
	maxTokens   int64
	temperature float64
}

// NewAnthropic creates a classifier around client.
func NewAnthropic(client anthropic.Client, cfg config.ClassifierConfig) *Anthropic {
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 500
	}
	return &Anthropic{client: client, model: cfg.Model, maxTokens: maxTokens, temperature: cfg.Temperature}
}

func (a *Anthropic) Name() string { return "anthropic" }

func (a *Anthropic) Classify(ctx context.Context, turns []model.Turn) (Result, error) {
	temp := a.temperature
	resp, err := a.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       a.model,
		MaxTokens:   a.maxTokens,
		System:      anthropic.CachedSystem(systemPrompt, "5m"),
		Messages:    []anthropic.Message{{Role: "user", Content: userPrompt(turns)}},
		Temperature: &temp,
	})
	if err != nil {
		if status := anthropic.StatusCode(err); resilience.IsTransientHTTPStatus(status) {
			return Result{}, resilience.NewTransientError(err, status)
		}
		return Result{}, eris.Wrap(err, "classify: anthropic")
	}
	resp.Usage.LogCost(a.model, "classify")

	if resp.StopReason == "refusal" {
		return Result{}, ErrUnclassifiable
	}
	res, err := Parse(resp.Text())
	if err != nil {
		return Result{}, err
	}
	res.Source = model.SourceLLM
	return res, nil
}
