package classify

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/portrait-cli/internal/model"
)

const maxReason = 200

// Parse extracts labels from an LLM reply. Code fences and chatter around
// the first JSON object are ignored. Unknown labels normalize to
// neutral/low and the score is clamped into [0,1].
func Parse(raw string) (Result, error) {
	obj, ok := firstJSONObject(stripFences(raw))
	if !ok {
		return Result{}, eris.Wrapf(ErrMalformedReply, "no JSON object in %q", model.Truncate(raw, 80))
	}

	var fields map[string]any
	if err := json.Unmarshal([]byte(obj), &fields); err != nil {
		return Result{}, eris.Wrapf(ErrMalformedReply, "decode: %v", err)
	}
	if b, _ := fields["unclassifiable"].(bool); b {
		return Result{}, ErrUnclassifiable
	}

	res := Result{
		Sentiment:     normalizeSentiment(str(fields["sentiment"])),
		Score:         score(fields["sentiment_score"]),
		ComplaintRisk: normalizeRisk(str(fields["complaint_risk"])),
		ChurnRisk:     normalizeRisk(str(fields["churn_risk"])),
		Reason:        model.Truncate(strings.TrimSpace(str(fields["reason"])), maxReason),
		Raw:           model.Truncate(raw, model.MaxRawResponse),
	}
	return res, nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	start := strings.Index(s, "```")
	if start < 0 {
		return s
	}
	body := s[start+3:]
	// Drop the info string ("json") on the opening fence line.
	if nl := strings.IndexByte(body, '\n'); nl >= 0 && !strings.Contains(body[:nl], "{") {
		body = body[nl+1:]
	}
	if end := strings.Index(body, "```"); end >= 0 {
		body = body[:end]
	}
	return strings.TrimSpace(body)
}

// firstJSONObject returns the first balanced {...} in s, honoring strings.
func firstJSONObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString, escaped := false, false
	for i := start; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case inString && c == '\\':
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

func str(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	}
	b, _ := json.Marshal(v)
	return string(b)
}

func score(v any) float64 {
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case string:
		p, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0.5
		}
		f = p
	default:
		return 0.5
	}
	if math.IsNaN(f) {
		return 0.5
	}
	return math.Max(0, math.Min(1, f))
}

func normalizeSentiment(s string) model.Sentiment {
	switch strings.TrimSpace(s) {
	case "积极", "正面":
		return model.SentimentPositive
	case "消极", "负面":
		return model.SentimentNegative
	}
	return model.ParseSentiment(s)
}

func normalizeRisk(s string) model.Risk {
	switch strings.TrimSpace(s) {
	case "高":
		return model.RiskHigh
	case "中":
		return model.RiskMedium
	}
	return model.ParseRisk(s)
}
