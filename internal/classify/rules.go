package classify

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/text/unicode/norm"
	"golang.org/x/text/width"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/portrait-cli/internal/model"
)

//go:embed lexicon.yaml
var defaultLexicon []byte

// RiskKeywords are the two tiers of a risk dimension.
type RiskKeywords struct {
	High   []string `yaml:"high"`
	Medium []string `yaml:"medium"`
}

// EmotionKeywords drive the sentiment label.
type EmotionKeywords struct {
	Positive []string `yaml:"positive"`
	Negative []string `yaml:"negative"`
}

// Lexicon is the keyword set of the rule classifier.
type Lexicon struct {
	// MediumEscalation is how many medium hits count as high.
	MediumEscalation int             `yaml:"medium_escalation"`
	Complaint        RiskKeywords    `yaml:"complaint"`
	Churn            RiskKeywords    `yaml:"churn"`
	Emotion          EmotionKeywords `yaml:"emotion"`
}

// LoadLexicon reads a lexicon from path, or the built-in one when path is empty.
func LoadLexicon(path string) (*Lexicon, error) {
	data := defaultLexicon
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, eris.Wrapf(err, "classify: read lexicon %s", path)
		}
		data = b
	}
	var lex Lexicon
	if err := yaml.Unmarshal(data, &lex); err != nil {
		return nil, eris.Wrap(err, "classify: parse lexicon")
	}
	if lex.MediumEscalation <= 0 {
		lex.MediumEscalation = 3
	}
	for _, list := range []*[]string{
		&lex.Complaint.High, &lex.Complaint.Medium,
		&lex.Churn.High, &lex.Churn.Medium,
		&lex.Emotion.Positive, &lex.Emotion.Negative,
	} {
		*list = foldAll(*list)
	}
	if len(lex.Emotion.Positive)+len(lex.Emotion.Negative) == 0 {
		return nil, eris.New("classify: lexicon has no emotion keywords")
	}
	return &lex, nil
}

// Rules labels dialogues by keyword matching. It never calls out and is the
// default when no LLM is configured.
type Rules struct {
	lex *Lexicon
}

// NewRules creates a rule classifier.
func NewRules(lex *Lexicon) *Rules {
	return &Rules{lex: lex}
}

func (r *Rules) Name() string { return "rules" }

func (r *Rules) Classify(_ context.Context, turns []model.Turn) (Result, error) {
	text := fold(CustomerText(turns))
	if text == "" {
		return Result{}, ErrUnclassifiable
	}

	pos := matches(text, r.lex.Emotion.Positive)
	neg := matches(text, r.lex.Emotion.Negative)
	complaintHigh := matches(text, r.lex.Complaint.High)
	complaintMed := matches(text, r.lex.Complaint.Medium)
	churnHigh := matches(text, r.lex.Churn.High)
	churnMed := matches(text, r.lex.Churn.Medium)

	res := Result{
		Sentiment:     model.SentimentNeutral,
		Score:         0.5,
		ComplaintRisk: r.risk(complaintHigh, complaintMed),
		ChurnRisk:     r.risk(churnHigh, churnMed),
		Source:        model.SourceRules,
	}
	// Negative words outweigh polite filler.
	switch {
	case len(neg) > 0:
		res.Sentiment = model.SentimentNegative
		res.Score = 0.25
	case len(pos) > 0:
		res.Sentiment = model.SentimentPositive
		res.Score = 0.75
	}

	hits := make([]string, 0, 5)
	for _, group := range [][]string{complaintHigh, churnHigh, neg, complaintMed, churnMed, pos} {
		for _, kw := range group {
			if len(hits) == cap(hits) {
				break
			}
			if !slices.Contains(hits, kw) {
				hits = append(hits, kw)
			}
		}
	}
	if len(hits) > 0 {
		res.Reason = fmt.Sprintf("keywords: %s", strings.Join(hits, ", "))
	} else {
		res.Reason = "no keywords matched"
	}
	return res, nil
}

func (r *Rules) risk(high, medium []string) model.Risk {
	switch {
	case len(high) > 0 || len(medium) >= r.lex.MediumEscalation:
		return model.RiskHigh
	case len(medium) > 0:
		return model.RiskMedium
	default:
		return model.RiskLow
	}
}

func matches(text string, keywords []string) []string {
	var hit []string
	for _, kw := range keywords {
		if kw != "" && strings.Contains(text, kw) {
			hit = append(hit, kw)
		}
	}
	return hit
}

// fold maps full-width forms and case so that "１２３１５" matches "12315".
func fold(s string) string {
	return strings.ToLower(norm.NFKC.String(width.Fold.String(strings.TrimSpace(s))))
}

func foldAll(list []string) []string {
	out := make([]string, 0, len(list))
	for _, s := range list {
		if f := fold(s); f != "" {
			out = append(out, f)
		}
	}
	return out
}
