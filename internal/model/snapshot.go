package model

import "time"

// IntentLevels are the dialer's intention grades, best first.
var IntentLevels = []string{"A", "B", "C", "D", "E", "F"}

// RiskCounts tallies records by risk label.
type RiskCounts struct {
	High   int64 `json:"high"`
	Medium int64 `json:"medium"`
	Low    int64 `json:"low"`
	Unset  int64 `json:"unset"`
}

// Add counts one record.
func (c *RiskCounts) Add(r Risk) {
	switch r {
	case RiskHigh:
		c.High++
	case RiskMedium:
		c.Medium++
	case RiskLow:
		c.Low++
	default:
		c.Unset++
	}
}

// Max returns the most severe label with a non-zero count.
func (c RiskCounts) Max() Risk {
	switch {
	case c.High > 0:
		return RiskHigh
	case c.Medium > 0:
		return RiskMedium
	case c.Low > 0:
		return RiskLow
	}
	return RiskUnset
}

// SentimentCounts tallies records by sentiment label.
type SentimentCounts struct {
	Positive int64 `json:"positive"`
	Neutral  int64 `json:"neutral"`
	Negative int64 `json:"negative"`
	Unset    int64 `json:"unset"`
}

// Add counts one record.
func (c *SentimentCounts) Add(s Sentiment) {
	switch s {
	case SentimentPositive:
		c.Positive++
	case SentimentNeutral:
		c.Neutral++
	case SentimentNegative:
		c.Negative++
	default:
		c.Unset++
	}
}

// Labelled is the number of records that carry a sentiment.
func (c SentimentCounts) Labelled() int64 {
	return c.Positive + c.Neutral + c.Negative
}

// Dominant picks one label for the whole set. Any negative call wins, then
// positive if it outnumbers neutral.
func (c SentimentCounts) Dominant() Sentiment {
	switch {
	case c.Negative > 0:
		return SentimentNegative
	case c.Positive > c.Neutral:
		return SentimentPositive
	case c.Labelled() > 0:
		return SentimentNeutral
	}
	return SentimentUnset
}

// RiskLevel is the combined risk label of a subject.
type RiskLevel string

const (
	RiskLevelChurn     RiskLevel = "churn"
	RiskLevelComplaint RiskLevel = "complaint"
	RiskLevelMedium    RiskLevel = "medium"
	RiskLevelNone      RiskLevel = "none"
)

// CombineRisk ranks churn over complaint, then any medium.
func CombineRisk(complaint, churn Risk) RiskLevel {
	switch {
	case churn == RiskHigh:
		return RiskLevelChurn
	case complaint == RiskHigh:
		return RiskLevelComplaint
	case churn == RiskMedium || complaint == RiskMedium:
		return RiskLevelMedium
	}
	return RiskLevelNone
}

// Engagement grades how deeply a subject talked with the robot.
type Engagement string

const (
	EngagementDeep    Engagement = "deep"
	EngagementNormal  Engagement = "normal"
	EngagementShallow Engagement = "shallow"
)

// GradeEngagement grades average call depth.
func GradeEngagement(avgDuration, avgRounds float64) Engagement {
	switch {
	case avgDuration > 60 || avgRounds > 5:
		return EngagementDeep
	case avgDuration > 20 || avgRounds > 2:
		return EngagementNormal
	}
	return EngagementShallow
}

// SubjectSnapshot is the rollup of one subject within one group for one period.
type SubjectSnapshot struct {
	SubjectID       string           `json:"subject_id"`
	GroupID         string           `json:"group_id"`
	PeriodType      PeriodType       `json:"period_type"`
	PeriodKey       string           `json:"period_key"`
	PeriodStart     time.Time        `json:"period_start"`
	PeriodEnd       time.Time        `json:"period_end"`
	TotalEvents     int64            `json:"total_events"`
	ConnectedEvents int64            `json:"connected_events"`
	ConnectRate     float64          `json:"connect_rate"`
	TotalDuration   int64            `json:"total_duration"`
	AvgDuration     float64          `json:"avg_duration"`
	MaxDuration     int64            `json:"max_duration"`
	TotalRounds     int64            `json:"total_rounds"`
	AvgRounds       float64          `json:"avg_rounds"`
	LevelCounts     map[string]int64 `json:"level_counts"`
	RobotHangups    int64            `json:"robot_hangups"`
	CustomerHangups int64            `json:"customer_hangups"`
	Sentiment       SentimentCounts  `json:"sentiment"`
	AvgSentiment    *float64         `json:"avg_sentiment_score,omitempty"`
	Complaint       RiskCounts       `json:"complaint"`
	Churn           RiskCounts       `json:"churn"`
	DominantMood    Sentiment        `json:"dominant_sentiment"`
	RiskLevel       RiskLevel        `json:"risk_level"`
	Engagement      Engagement       `json:"engagement"`
	ComputedAt      time.Time        `json:"computed_at"`
}

// GroupSummary is the rollup of one group for one period, derived from the
// period's subject snapshots.
type GroupSummary struct {
	GroupID               string     `json:"group_id"`
	GroupName             string     `json:"group_name"`
	PeriodType            PeriodType `json:"period_type"`
	PeriodKey             string     `json:"period_key"`
	PeriodStart           time.Time  `json:"period_start"`
	PeriodEnd             time.Time  `json:"period_end"`
	TotalSubjects         int64      `json:"total_subjects"`
	TotalEvents           int64      `json:"total_events"`
	ConnectedEvents       int64      `json:"connected_events"`
	ConnectRate           float64    `json:"connect_rate"`
	AvgDuration           float64    `json:"avg_duration"`
	PositiveCount         int64      `json:"positive_count"`
	NeutralCount          int64      `json:"neutral_count"`
	NegativeCount         int64      `json:"negative_count"`
	PositiveRate          float64    `json:"positive_rate"`
	NegativeRate          float64    `json:"negative_rate"`
	AvgSentiment          *float64   `json:"avg_sentiment_score,omitempty"`
	HighComplaintSubjects int64      `json:"high_complaint_subjects"`
	HighComplaintRate     float64    `json:"high_complaint_rate"`
	HighChurnSubjects     int64      `json:"high_churn_subjects"`
	HighChurnRate         float64    `json:"high_churn_rate"`
	ComputedAt            time.Time  `json:"computed_at"`
}

// Rate divides num by den, returning 0 on an empty denominator and clamping
// into [0,1].
func Rate(num, den int64) float64 {
	if den <= 0 || num <= 0 {
		return 0
	}
	r := float64(num) / float64(den)
	if r > 1 {
		return 1
	}
	return r
}

// Mean divides sum by n, returning 0 when n is 0.
func Mean(sum float64, n int64) float64 {
	if n <= 0 {
		return 0
	}
	return sum / float64(n)
}
