package aggregate

import (
	"sort"
	"time"

	"github.com/sells-group/portrait-cli/internal/model"
)

type subjectKey struct {
	subject string
	group   string
}

type subjectAcc struct {
	snap       model.SubjectSnapshot
	scoreSum   float64
	scoreCount int64
}

// FoldSubjects rolls the period's records up per (subject, group). Records
// outside p are ignored. Output is ordered by group, then subject.
func FoldSubjects(p model.Period, recs []model.EnrichedRecord, computedAt time.Time) []model.SubjectSnapshot {
	accs := make(map[subjectKey]*subjectAcc)
	for _, r := range recs {
		if !p.Contains(r.EventDate) {
			continue
		}
		k := subjectKey{subject: r.SubjectID, group: r.GroupID}
		acc, ok := accs[k]
		if !ok {
			acc = &subjectAcc{snap: model.SubjectSnapshot{
				SubjectID:   r.SubjectID,
				GroupID:     r.GroupID,
				PeriodType:  p.Type,
				PeriodKey:   p.Key,
				PeriodStart: p.Start,
				PeriodEnd:   p.End,
				LevelCounts: map[string]int64{},
				ComputedAt:  computedAt,
			}}
			accs[k] = acc
		}

		s := &acc.snap
		s.TotalEvents++
		if r.Connected() {
			s.ConnectedEvents++
		}
		d := int64(r.DurationSeconds)
		s.TotalDuration += d
		s.MaxDuration = max(s.MaxDuration, d)
		s.TotalRounds += int64(r.InteractionRounds)
		if r.IntentLevel != "" {
			s.LevelCounts[r.IntentLevel]++
		}
		switch r.Terminator {
		case model.TerminatorRobot:
			s.RobotHangups++
		case model.TerminatorCustomer:
			s.CustomerHangups++
		}
		s.Sentiment.Add(r.Sentiment)
		s.Complaint.Add(r.ComplaintRisk)
		s.Churn.Add(r.ChurnRisk)
		if r.SentimentScore != nil {
			acc.scoreSum += *r.SentimentScore
			acc.scoreCount++
		}
	}

	out := make([]model.SubjectSnapshot, 0, len(accs))
	for _, acc := range accs {
		s := acc.snap
		s.ConnectRate = model.Rate(s.ConnectedEvents, s.TotalEvents)
		s.AvgDuration = model.Mean(float64(s.TotalDuration), s.TotalEvents)
		s.AvgRounds = model.Mean(float64(s.TotalRounds), s.TotalEvents)
		if acc.scoreCount > 0 {
			avg := clamp01(acc.scoreSum / float64(acc.scoreCount))
			s.AvgSentiment = &avg
		}
		s.DominantMood = s.Sentiment.Dominant()
		s.RiskLevel = model.CombineRisk(s.Complaint.Max(), s.Churn.Max())
		s.Engagement = model.GradeEngagement(s.AvgDuration, s.AvgRounds)
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].GroupID != out[j].GroupID {
			return out[i].GroupID < out[j].GroupID
		}
		return out[i].SubjectID < out[j].SubjectID
	})
	return out
}

type groupAcc struct {
	sum         model.GroupSummary
	subjects    map[string]struct{}
	duration    int64
	scoreSum    float64
	scoreWeight int64
}

// FoldGroups rolls subject snapshots up per group. names supplies display
// names; groups without one keep an empty name. Output is ordered by group id.
func FoldGroups(p model.Period, snaps []model.SubjectSnapshot, names map[string]string, computedAt time.Time) []model.GroupSummary {
	accs := make(map[string]*groupAcc)
	for _, s := range snaps {
		if s.PeriodType != p.Type || s.PeriodKey != p.Key {
			continue
		}
		acc, ok := accs[s.GroupID]
		if !ok {
			acc = &groupAcc{
				sum: model.GroupSummary{
					GroupID:     s.GroupID,
					GroupName:   names[s.GroupID],
					PeriodType:  p.Type,
					PeriodKey:   p.Key,
					PeriodStart: p.Start,
					PeriodEnd:   p.End,
					ComputedAt:  computedAt,
				},
				subjects: map[string]struct{}{},
			}
			accs[s.GroupID] = acc
		}

		g := &acc.sum
		acc.subjects[s.SubjectID] = struct{}{}
		g.TotalEvents += s.TotalEvents
		g.ConnectedEvents += s.ConnectedEvents
		acc.duration += s.TotalDuration
		g.PositiveCount += s.Sentiment.Positive
		g.NeutralCount += s.Sentiment.Neutral
		g.NegativeCount += s.Sentiment.Negative
		if s.Complaint.High > 0 {
			g.HighComplaintSubjects++
		}
		if s.Churn.High > 0 {
			g.HighChurnSubjects++
		}
		// Snapshot means are weighted by their labelled record counts.
		if s.AvgSentiment != nil {
			w := max(s.Sentiment.Labelled(), 1)
			acc.scoreSum += *s.AvgSentiment * float64(w)
			acc.scoreWeight += w
		}
	}

	out := make([]model.GroupSummary, 0, len(accs))
	for _, acc := range accs {
		g := acc.sum
		g.TotalSubjects = int64(len(acc.subjects))
		g.ConnectRate = model.Rate(g.ConnectedEvents, g.TotalEvents)
		g.AvgDuration = model.Mean(float64(acc.duration), g.TotalEvents)
		labelled := g.PositiveCount + g.NeutralCount + g.NegativeCount
		g.PositiveRate = model.Rate(g.PositiveCount, labelled)
		g.NegativeRate = model.Rate(g.NegativeCount, labelled)
		g.HighComplaintRate = model.Rate(g.HighComplaintSubjects, g.TotalSubjects)
		g.HighChurnRate = model.Rate(g.HighChurnSubjects, g.TotalSubjects)
		if acc.scoreWeight > 0 {
			avg := clamp01(acc.scoreSum / float64(acc.scoreWeight))
			g.AvgSentiment = &avg
		}
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GroupID < out[j].GroupID })
	return out
}

func clamp01(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}
