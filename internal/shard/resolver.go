// Package shard maps logical keys to the physical tables of the dialer's
// sharded operational store.
package shard

import (
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
)

// ErrUnresolvableShard is returned when a key cannot be mapped to a table.
// It is not retryable.
var ErrUnresolvableShard = eris.New("unresolvable shard")

// Kind selects a family of physical tables.
type Kind string

const (
	// KindRecord is the monthly call-record table.
	KindRecord Kind = "record"
	// KindDetail is the monthly call-detail (dialogue) table.
	KindDetail Kind = "detail"
	// KindNumber is the per-group dialed-number table.
	KindNumber Kind = "number"
)

// Prefixes names the table families. Zero fields take the dialer defaults.
type Prefixes struct {
	Record string `yaml:"record" mapstructure:"record"`
	Detail string `yaml:"detail" mapstructure:"detail"`
	Number string `yaml:"number" mapstructure:"number"`
}

// DefaultPrefixes matches the autodialer schema.
var DefaultPrefixes = Prefixes{
	Record: "autodialer_call_record_",
	Detail: "autodialer_call_record_detail_",
	Number: "autodialer_number_",
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// anchorLayouts are the accepted spellings of a date or creation time.
var anchorLayouts = []string{
	"2006-01-02",
	"2006-01-02 15:04:05",
	time.RFC3339,
	"2006-01",
	"2006_01",
}

// Resolver maps logical keys to table names. It performs no I/O.
type Resolver struct {
	p Prefixes
}

// New creates a resolver. Empty prefixes fall back to DefaultPrefixes.
func New(p Prefixes) (*Resolver, error) {
	if p.Record == "" {
		p.Record = DefaultPrefixes.Record
	}
	if p.Detail == "" {
		p.Detail = DefaultPrefixes.Detail
	}
	if p.Number == "" {
		p.Number = DefaultPrefixes.Number
	}
	for _, prefix := range []string{p.Record, p.Detail, p.Number} {
		if !identRe.MatchString(prefix) {
			return nil, eris.Errorf("shard: invalid table prefix %q", prefix)
		}
	}
	return &Resolver{p: p}, nil
}

// Default returns a resolver with the dialer's table names.
func Default() *Resolver {
	return &Resolver{p: DefaultPrefixes}
}

// RecordTable returns the call-record table holding records anchored at t.
func (r *Resolver) RecordTable(t time.Time) string {
	return r.p.Record + suffix(t)
}

// DetailTable returns the dialogue-detail table anchored at t.
func (r *Resolver) DetailTable(t time.Time) string {
	return r.p.Detail + suffix(t)
}

// NumberTable returns the dialed-number table of a group. Group ids must be UUIDs.
func (r *Resolver) NumberTable(groupID string) (string, error) {
	id, err := uuid.Parse(strings.TrimSpace(groupID))
	if err != nil {
		return "", eris.Wrapf(ErrUnresolvableShard, "group id %q", groupID)
	}
	return r.p.Number + strings.ReplaceAll(id.String(), "-", ""), nil
}

// Resolve maps an anchor to a table of the given kind. For record and detail
// tables the anchor is an event date or a group's creation time; for number
// tables it is the group id.
func (r *Resolver) Resolve(kind Kind, anchor string) (string, error) {
	switch kind {
	case KindNumber:
		return r.NumberTable(anchor)
	case KindRecord, KindDetail:
		t, err := ParseAnchor(anchor)
		if err != nil {
			return "", err
		}
		if kind == KindRecord {
			return r.RecordTable(t), nil
		}
		return r.DetailTable(t), nil
	}
	return "", eris.Wrapf(ErrUnresolvableShard, "table kind %q", kind)
}

// Table resolves a (group id or creation time, event date) key. A group id
// maps to the group's number table; otherwise the creation time, or failing
// that the event date, anchors the monthly record shard.
func (r *Resolver) Table(groupIDOrCreatedAt, eventDate string) (string, error) {
	if _, err := uuid.Parse(strings.TrimSpace(groupIDOrCreatedAt)); err == nil {
		return r.NumberTable(groupIDOrCreatedAt)
	}
	anchor := groupIDOrCreatedAt
	if strings.TrimSpace(anchor) == "" {
		anchor = eventDate
	}
	return r.Resolve(KindRecord, anchor)
}

// TablesForRange lists, in order, the distinct monthly tables of the given
// kind spanned by the inclusive day range [start, end].
func (r *Resolver) TablesForRange(kind Kind, start, end time.Time) ([]string, error) {
	if kind != KindRecord && kind != KindDetail {
		return nil, eris.Wrapf(ErrUnresolvableShard, "table kind %q is not date-sharded", kind)
	}
	if start.IsZero() || end.IsZero() || end.Before(start) {
		return nil, eris.Wrapf(ErrUnresolvableShard, "range %s..%s", start.Format("2006-01-02"), end.Format("2006-01-02"))
	}

	var tables []string
	cur := time.Date(start.Year(), start.Month(), 1, 0, 0, 0, 0, time.UTC)
	last := time.Date(end.Year(), end.Month(), 1, 0, 0, 0, 0, time.UTC)
	for !cur.After(last) {
		if kind == KindRecord {
			tables = append(tables, r.RecordTable(cur))
		} else {
			tables = append(tables, r.DetailTable(cur))
		}
		cur = cur.AddDate(0, 1, 0)
	}
	return tables, nil
}

// ParseAnchor parses a date or timestamp used to pick a monthly shard.
func ParseAnchor(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range anchorLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, eris.Wrapf(ErrUnresolvableShard, "anchor %q", s)
}

func suffix(t time.Time) string {
	return t.Format("2006_01")
}
