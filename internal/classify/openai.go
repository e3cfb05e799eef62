package classify

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/invopop/jsonschema"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/portrait-cli/internal/config"
	"github.com/sells-group/portrait-cli/internal/model"
	"github.com/sells-group/portrait-cli/internal/resilience"
)

// labels is the reply shape the OpenAI-compatible endpoint is held to.
type labels struct {
	Sentiment      string  `json:"sentiment" jsonschema:"enum=positive,enum=neutral,enum=negative"`
	SentimentScore float64 `json:"sentiment_score" jsonschema:"description=0 is extremely negative and 1 is extremely positive"`
	ComplaintRisk  string  `json:"complaint_risk" jsonschema:"enum=low,enum=medium,enum=high"`
	ChurnRisk      string  `json:"churn_risk" jsonschema:"enum=low,enum=medium,enum=high"`
	Reason         string  `json:"reason"`
}

// OpenAI classifies through an OpenAI-compatible chat completions endpoint
// such as DashScope's compatible mode.
type OpenAI struct {
	client      openai.Client
	model       string
	maxTokens   int64
	temperature float64
	schema      map[string]any
}

// NewOpenAI creates a classifier from cfg. BaseURL selects a gateway.
func NewOpenAI(cfg config.ClassifierConfig, opts ...option.RequestOption) *OpenAI {
	reqOpts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	reqOpts = append(reqOpts, opts...)

	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 500
	}
	return &OpenAI{
		client:      openai.NewClient(reqOpts...),
		model:       cfg.Model,
		maxTokens:   maxTokens,
		temperature: cfg.Temperature,
		schema:      labelSchema(),
	}
}

func (o *OpenAI) Name() string { return "openai" }

func (o *OpenAI) Classify(ctx context.Context, turns []model.Turn) (Result, error) {
	resp, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(o.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(userPrompt(turns)),
		},
		MaxTokens:   openai.Int(o.maxTokens),
		Temperature: openai.Float(o.temperature),
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{
				JSONSchema: openai.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:        "call_labels",
					Description: openai.String("Sentiment and risk labels for one call"),
					Schema:      o.schema,
					Strict:      openai.Bool(true),
				},
			},
		},
	})
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) && resilience.IsTransientHTTPStatus(apiErr.StatusCode) {
			return Result{}, resilience.NewTransientError(err, apiErr.StatusCode)
		}
		return Result{}, eris.Wrap(err, "classify: openai")
	}
	if len(resp.Choices) == 0 {
		return Result{}, eris.Wrap(ErrMalformedReply, "no choices")
	}
	zap.L().Debug("classifier usage",
		zap.String("model", resp.Model),
		zap.Int64("input_tokens", resp.Usage.PromptTokens),
		zap.Int64("output_tokens", resp.Usage.CompletionTokens),
	)

	msg := resp.Choices[0].Message
	if msg.Refusal != "" {
		return Result{}, ErrUnclassifiable
	}
	res, err := Parse(msg.Content)
	if err != nil {
		return Result{}, err
	}
	res.Source = model.SourceLLM
	return res, nil
}

func labelSchema() map[string]any {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	b, err := reflector.Reflect(labels{}).MarshalJSON()
	if err != nil {
		panic(err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		panic(err)
	}
	// Strict mode rejects the draft marker.
	delete(m, "$schema")
	delete(m, "$id")
	return m
}
