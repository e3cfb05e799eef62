package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// PeriodType is the granularity of a reporting period.
type PeriodType string

const (
	PeriodWeek    PeriodType = "week"
	PeriodMonth   PeriodType = "month"
	PeriodQuarter PeriodType = "quarter"
)

// PeriodTypes lists every supported granularity, finest first.
var PeriodTypes = []PeriodType{PeriodWeek, PeriodMonth, PeriodQuarter}

// ErrInvalidPeriod is returned for unknown period types or malformed keys.
var ErrInvalidPeriod = eris.New("invalid period")

// DateLayout is the canonical format of event and period dates.
const DateLayout = "2006-01-02"

// ParsePeriodType validates a period type name.
func ParsePeriodType(s string) (PeriodType, error) {
	switch PeriodType(strings.ToLower(strings.TrimSpace(s))) {
	case PeriodWeek:
		return PeriodWeek, nil
	case PeriodMonth:
		return PeriodMonth, nil
	case PeriodQuarter:
		return PeriodQuarter, nil
	}
	return "", eris.Wrapf(ErrInvalidPeriod, "period type %q", s)
}

// Date returns midnight UTC for the given calendar day.
func Date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// DateOf truncates t to its calendar day, keeping the wall date of t's location.
func DateOf(t time.Time) time.Time {
	return Date(t.Year(), t.Month(), t.Day())
}

// ParseDate parses a YYYY-MM-DD date.
func ParseDate(s string) (time.Time, error) {
	d, err := time.Parse(DateLayout, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, eris.Wrapf(err, "parse date %q", s)
	}
	return d, nil
}

// Period is a bounded window identified by type and key. Start and End are
// inclusive calendar days.
type Period struct {
	Type  PeriodType `json:"period_type"`
	Key   string     `json:"period_key"`
	Start time.Time  `json:"period_start"`
	End   time.Time  `json:"period_end"`
}

// EndExclusive is the first day after the period.
func (p Period) EndExclusive() time.Time {
	return p.End.AddDate(0, 0, 1)
}

// Contains reports whether day d falls within the period.
func (p Period) Contains(d time.Time) bool {
	d = DateOf(d)
	return !d.Before(p.Start) && !d.After(p.End)
}

// Ended reports whether the period is fully in the past relative to today.
func (p Period) Ended(today time.Time) bool {
	return DateOf(today).After(p.End)
}

// Prev returns the period immediately before p.
func (p Period) Prev() Period {
	return PeriodOf(p.Type, p.Start.AddDate(0, 0, -1))
}

// Next returns the period immediately after p.
func (p Period) Next() Period {
	return PeriodOf(p.Type, p.EndExclusive())
}

// Label renders a human-readable name such as "2025 W48 (Nov 24 - Nov 30)".
func (p Period) Label() string {
	switch p.Type {
	case PeriodWeek:
		y, w := p.Start.ISOWeek()
		return fmt.Sprintf("%d W%d (%s - %s)", y, w, p.Start.Format("Jan 2"), p.End.Format("Jan 2"))
	case PeriodMonth:
		return p.Start.Format("January 2006")
	case PeriodQuarter:
		return fmt.Sprintf("%d Q%d", p.Start.Year(), quarterOf(p.Start.Month()))
	}
	return p.Key
}

func (p Period) String() string {
	return string(p.Type) + ":" + p.Key
}

// PeriodOf returns the period of the given type containing day d.
func PeriodOf(typ PeriodType, d time.Time) Period {
	d = DateOf(d)
	switch typ {
	case PeriodWeek:
		offset := (int(d.Weekday()) + 6) % 7
		start := d.AddDate(0, 0, -offset)
		y, w := start.ISOWeek()
		return Period{Type: typ, Key: fmt.Sprintf("%d-W%02d", y, w), Start: start, End: start.AddDate(0, 0, 6)}
	case PeriodMonth:
		start := Date(d.Year(), d.Month(), 1)
		return Period{Type: typ, Key: start.Format("2006-01"), Start: start, End: start.AddDate(0, 1, -1)}
	default:
		q := quarterOf(d.Month())
		start := Date(d.Year(), time.Month((q-1)*3+1), 1)
		return Period{Type: PeriodQuarter, Key: fmt.Sprintf("%d-Q%d", d.Year(), q), Start: start, End: start.AddDate(0, 3, -1)}
	}
}

// ParsePeriod resolves a key like "2025-W48", "2025-11" or "2025-Q4".
func ParsePeriod(typ PeriodType, key string) (Period, error) {
	key = strings.TrimSpace(key)
	bad := eris.Wrapf(ErrInvalidPeriod, "%s key %q", typ, key)

	switch typ {
	case PeriodWeek:
		ys, ws, ok := strings.Cut(key, "-W")
		if !ok {
			return Period{}, bad
		}
		year, err1 := strconv.Atoi(ys)
		week, err2 := strconv.Atoi(ws)
		if err1 != nil || err2 != nil || week < 1 || week > 53 {
			return Period{}, bad
		}
		jan4 := Date(year, time.January, 4)
		monday := jan4.AddDate(0, 0, -((int(jan4.Weekday())+6)%7)+(week-1)*7)
		p := PeriodOf(PeriodWeek, monday)
		// W53 only exists in long ISO years.
		if p.Key != fmt.Sprintf("%d-W%02d", year, week) {
			return Period{}, bad
		}
		return p, nil
	case PeriodMonth:
		d, err := time.Parse("2006-01", key)
		if err != nil {
			return Period{}, bad
		}
		return PeriodOf(PeriodMonth, d), nil
	case PeriodQuarter:
		ys, qs, ok := strings.Cut(key, "-Q")
		if !ok {
			return Period{}, bad
		}
		year, err1 := strconv.Atoi(ys)
		q, err2 := strconv.Atoi(qs)
		if err1 != nil || err2 != nil || q < 1 || q > 4 || year < 1 {
			return Period{}, bad
		}
		return PeriodOf(PeriodQuarter, Date(year, time.Month((q-1)*3+1), 1)), nil
	}
	return Period{}, eris.Wrapf(ErrInvalidPeriod, "period type %q", typ)
}

// RecentPeriods returns up to n periods ending at the one containing now,
// newest first. When includeCurrent is false the list starts one period back.
func RecentPeriods(typ PeriodType, now time.Time, n int, includeCurrent bool) []Period {
	if n <= 0 {
		return nil
	}
	p := PeriodOf(typ, now)
	if !includeCurrent {
		p = p.Prev()
	}
	out := make([]Period, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, p)
		p = p.Prev()
	}
	return out
}

// BoundaryPeriods returns the periods that closed yesterday, given today:
// last week on Mondays, last month on the 1st, last quarter on a quarter's
// first day.
func BoundaryPeriods(today time.Time) []Period {
	today = DateOf(today)
	var out []Period
	if today.Weekday() == time.Monday {
		out = append(out, PeriodOf(PeriodWeek, today).Prev())
	}
	if today.Day() == 1 {
		out = append(out, PeriodOf(PeriodMonth, today).Prev())
		if (today.Month()-1)%3 == 0 {
			out = append(out, PeriodOf(PeriodQuarter, today).Prev())
		}
	}
	return out
}

func quarterOf(m time.Month) int {
	return (int(m)-1)/3 + 1
}

// PeriodStatus is the lifecycle state of a registry entry.
type PeriodStatus string

const (
	PeriodPending   PeriodStatus = "pending"
	PeriodComputing PeriodStatus = "computing"
	PeriodCompleted PeriodStatus = "completed"
	PeriodFailed    PeriodStatus = "failed"
)

// PeriodEntry is one row of the period registry.
type PeriodEntry struct {
	Period
	Status            PeriodStatus `json:"status"`
	TotalSubjects     int64        `json:"total_subjects"`
	TotalRecords      int64        `json:"total_records"`
	TotalGroups       int64        `json:"total_groups"`
	ComputedAt        *time.Time   `json:"computed_at,omitempty"`
	SummaryComputedAt *time.Time   `json:"summary_computed_at,omitempty"`
	LastError         string       `json:"last_error,omitempty"`
	CreatedAt         time.Time    `json:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at"`
}

// SummaryFresh reports whether the group summary was computed after the
// latest subject snapshot computation.
func (e PeriodEntry) SummaryFresh() bool {
	if e.SummaryComputedAt == nil || e.ComputedAt == nil {
		return false
	}
	return !e.SummaryComputedAt.Before(*e.ComputedAt)
}
