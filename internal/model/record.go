package model

import (
	"strings"
	"time"
)

// Sentiment is the customer mood label attached to a call by enrichment.
type Sentiment string

const (
	SentimentPositive Sentiment = "positive"
	SentimentNeutral  Sentiment = "neutral"
	SentimentNegative Sentiment = "negative"
	SentimentUnset    Sentiment = ""
)

// ParseSentiment normalizes a classifier label. Unknown values map to neutral.
func ParseSentiment(s string) Sentiment {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "positive", "pos":
		return SentimentPositive
	case "negative", "neg":
		return SentimentNegative
	default:
		return SentimentNeutral
	}
}

// Risk is a three-level risk label for complaint and churn.
type Risk string

const (
	RiskHigh   Risk = "high"
	RiskMedium Risk = "medium"
	RiskLow    Risk = "low"
	RiskUnset  Risk = ""
)

// ParseRisk normalizes a classifier label. Unknown values map to low.
func ParseRisk(s string) Risk {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high":
		return RiskHigh
	case "medium", "med", "moderate":
		return RiskMedium
	default:
		return RiskLow
	}
}

// Terminator records which side ended a call.
type Terminator string

const (
	TerminatorRobot    Terminator = "robot"
	TerminatorCustomer Terminator = "customer"
	TerminatorUnknown  Terminator = "unknown"
)

// TerminatorFromDisposition maps the dialer's hangup_disposition code.
func TerminatorFromDisposition(code int) Terminator {
	switch code {
	case 1:
		return TerminatorRobot
	case 2:
		return TerminatorCustomer
	default:
		return TerminatorUnknown
	}
}

// ConnectStatus is whether the callee picked up.
type ConnectStatus string

const (
	ConnectConnected ConnectStatus = "connected"
	ConnectFailed    ConnectStatus = "failed"
)

// AnalysisSource identifies what produced a record's labels.
type AnalysisSource string

const (
	SourceLLM      AnalysisSource = "llm"
	SourceRules    AnalysisSource = "rules"
	SourceFallback AnalysisSource = "fallback"
)

// EnrichedRecord is one normalized call event. Sync owns the fields up to
// SyncedAt; enrichment owns the rest.
type EnrichedRecord struct {
	ID                string        `json:"id"`
	ExternalID        string        `json:"external_id"`
	GroupID           string        `json:"group_id"`
	SubjectID         string        `json:"subject_id"`
	EventDate         time.Time     `json:"event_date"`
	EventTime         time.Time     `json:"event_time"`
	DurationSeconds   int           `json:"duration_seconds"`
	InteractionRounds int           `json:"interaction_rounds"`
	Terminator        Terminator    `json:"terminator"`
	ConnectStatus     ConnectStatus `json:"connect_status"`
	IntentLevel       string        `json:"intent_level,omitempty"`
	SyncedAt          time.Time     `json:"synced_at"`

	Sentiment        Sentiment      `json:"sentiment"`
	SentimentScore   *float64       `json:"sentiment_score,omitempty"`
	ComplaintRisk    Risk           `json:"complaint_risk"`
	ChurnRisk        Risk           `json:"churn_risk"`
	AnalysisSource   AnalysisSource `json:"analysis_source,omitempty"`
	AnalysisReason   string         `json:"analysis_reason,omitempty"`
	AnalysisRaw      string         `json:"-"`
	AnalysisAttempts int            `json:"analysis_attempts"`
	LastError        string         `json:"last_error,omitempty"`
	ClaimedAt        *time.Time     `json:"claimed_at,omitempty"`
	AnalyzedAt       *time.Time     `json:"analyzed_at,omitempty"`
}

// Connected reports whether the call was picked up.
func (r EnrichedRecord) Connected() bool {
	return r.ConnectStatus == ConnectConnected
}

// Analysis is the write-back of one enrichment attempt. A zero AnalyzedAt
// means the record failed retryably and its claim should be released.
type Analysis struct {
	RecordID       string
	Sentiment      Sentiment
	SentimentScore *float64
	ComplaintRisk  Risk
	ChurnRisk      Risk
	Source         AnalysisSource
	Reason         string
	Raw            string
	Attempts       int
	Error          string
	AnalyzedAt     time.Time
}

// Done reports whether the analysis takes the record out of the unanalyzed set.
func (a Analysis) Done() bool {
	return !a.AnalyzedAt.IsZero()
}

// MaxRawResponse bounds the stored classifier response.
const MaxRawResponse = 2000

// Truncate cuts s to at most n runes.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// Turn is one exchange in a call dialogue.
type Turn struct {
	Sequence int    `json:"sequence"`
	Customer string `json:"customer,omitempty"`
	Robot    string `json:"robot,omitempty"`
}

// GroupName is the display name for a group (dialer task).
type GroupName struct {
	GroupID   string    `json:"group_id"`
	Name      string    `json:"name"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SyncRun is one row of the sync log.
type SyncRun struct {
	ID         string    `json:"id"`
	TargetDate time.Time `json:"target_date"`
	Outcome    Outcome   `json:"outcome"`
	Reason     string    `json:"reason,omitempty"`
	Tables     []string  `json:"tables,omitempty"`
	Fetched    int64     `json:"fetched"`
	Upserted   int64     `json:"upserted"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}
