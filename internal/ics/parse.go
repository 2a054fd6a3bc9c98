package ics

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	appLog "taskcal/internal/log"
)

// Kind names the iCalendar component an item was read from.
type Kind string

const (
	KindTodo  Kind = "VTODO"
	KindEvent Kind = "VEVENT"
)

// ParsedItem is the normalized form of one VTODO or VEVENT. Recurrence is
// recorded, not expanded; ToModel turns items into definitions, overrides
// and plain tasks.
type ParsedItem struct {
	Source Source
	Kind   Kind

	UID         string
	Summary     string
	Description string
	Priority    int

	Start  time.Time
	Due    time.Time
	AllDay bool

	// TimeZone is the TZID of DTSTART, "UTC" for Z-suffixed values and
	// empty for floating ones.
	TimeZone string
	// Floating is set when DTSTART carried neither TZID nor Z. Floating
	// values are parsed as UTC wall clock and re-anchored by ToModel.
	Floating bool

	RawRRule     string
	ExDates      []time.Time
	RecurrenceID *time.Time
	CompletedAt  *time.Time
}

var (
	errEmptyBody    = errors.New("ics: empty body")
	errMissingUID   = errors.New("missing UID")
	errMissingStart = errors.New("missing DTSTART and DUE")
)

// ParseICS parses one iCalendar payload into items. A component that
// cannot be read is logged and skipped; only an unreadable calendar is an
// error.
func ParseICS(src Source, body []byte) ([]ParsedItem, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, errEmptyBody
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		appLog.Error("ics parse failed", err, "source", src.ID)
		return nil, fmt.Errorf("ics: parse %s: %w", src.ID, err)
	}

	items := make([]ParsedItem, 0)
	for _, todo := range cal.Todos() {
		item, err := parseComponent(src, KindTodo, &todo.ComponentBase)
		if err != nil {
			appLog.Warn("ics vtodo skipped", "source", src.ID, "reason", err.Error())
			continue
		}
		items = append(items, item)
	}
	for _, ev := range cal.Events() {
		item, err := parseComponent(src, KindEvent, &ev.ComponentBase)
		if err != nil {
			appLog.Warn("ics vevent skipped", "source", src.ID, "reason", err.Error())
			continue
		}
		items = append(items, item)
	}

	appLog.Info("ics parse completed", "source", src.ID, "item_count", len(items))
	return items, nil
}

func parseComponent(src Source, kind Kind, c *ical.ComponentBase) (ParsedItem, error) {
	out := ParsedItem{Source: src, Kind: kind}

	uid := c.GetProperty(ical.ComponentPropertyUniqueId)
	if uid == nil || strings.TrimSpace(uid.Value) == "" {
		return out, errMissingUID
	}
	out.UID = strings.TrimSpace(uid.Value)

	if p := c.GetProperty(ical.ComponentPropertySummary); p != nil {
		out.Summary = p.Value
	}
	if p := c.GetProperty(ical.ComponentPropertyDescription); p != nil {
		out.Description = p.Value
	}
	if p := c.GetProperty(ical.ComponentPropertyPriority); p != nil {
		if n, err := strconv.Atoi(strings.TrimSpace(p.Value)); err == nil {
			out.Priority = n
		}
	}

	var (
		start, due       time.Time
		hasStart, hasDue bool
	)
	if p := c.GetProperty(ical.ComponentPropertyDtStart); p != nil {
		v, err := parseTimeProp(p)
		if err != nil {
			return out, fmt.Errorf("uid %s: DTSTART: %w", out.UID, err)
		}
		start, hasStart = v.t, true
		out.AllDay = v.allDay
		out.Floating = v.floating
		out.TimeZone = v.zone
	}

	endProp := ical.ComponentPropertyDue
	if kind == KindEvent {
		endProp = ical.ComponentPropertyDtEnd
	}
	if p := c.GetProperty(endProp); p != nil {
		v, err := parseTimeProp(p)
		if err != nil {
			return out, fmt.Errorf("uid %s: %s: %w", out.UID, endProp, err)
		}
		due, hasDue = v.t, true
		if !hasStart {
			out.AllDay = v.allDay
			out.Floating = v.floating
			out.TimeZone = v.zone
		}
	}

	switch {
	case !hasStart && !hasDue:
		return out, fmt.Errorf("uid %s: %w", out.UID, errMissingStart)
	case !hasStart:
		start = due
	case !hasDue:
		due = start
		if kind == KindEvent && out.AllDay {
			due = start.AddDate(0, 0, 1)
		}
	}
	if due.Before(start) {
		due = start
	}
	out.Start, out.Due = start, due

	if p := c.GetProperty(ical.ComponentPropertyRrule); p != nil {
		out.RawRRule = strings.TrimSpace(p.Value)
	}

	for _, p := range c.GetProperties(ical.ComponentPropertyExdate) {
		for _, part := range strings.Split(p.Value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			v, err := parseTimeValue(part, p.ICalParameters)
			if err != nil {
				appLog.Warn("ics exdate ignored", "uid", out.UID, "value", part)
				continue
			}
			out.ExDates = append(out.ExDates, v.t)
		}
	}

	if p := c.GetProperty(ical.ComponentPropertyRecurrenceId); p != nil {
		v, err := parseTimeProp(p)
		if err != nil {
			return out, fmt.Errorf("uid %s: RECURRENCE-ID: %w", out.UID, err)
		}
		out.RecurrenceID = &v.t
	}

	if p := c.GetProperty(ical.ComponentPropertyCompleted); p != nil {
		if v, err := parseTimeProp(p); err == nil {
			out.CompletedAt = &v.t
		}
	}
	if out.CompletedAt == nil {
		if p := c.GetProperty(ical.ComponentPropertyStatus); p != nil &&
			strings.EqualFold(strings.TrimSpace(p.Value), string(ical.ObjectStatusCompleted)) {
			at := out.Start
			out.CompletedAt = &at
		}
	}

	return out, nil
}

type timeValue struct {
	t        time.Time
	allDay   bool
	floating bool
	zone     string
}

func parseTimeProp(p *ical.IANAProperty) (timeValue, error) {
	return parseTimeValue(p.Value, p.ICalParameters)
}

// parseTimeValue reads an iCalendar DATE or DATE-TIME honoring the TZID
// and VALUE parameters. Floating values are returned as UTC wall clock.
func parseTimeValue(raw string, params map[string][]string) (timeValue, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return timeValue{}, errors.New("empty time value")
	}

	loc := time.UTC
	zone := ""
	if tz := firstParam(params, "TZID"); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return timeValue{}, fmt.Errorf("unknown TZID %q: %w", tz, err)
		}
		loc, zone = l, tz
	}

	allDay := strings.EqualFold(firstParam(params, "VALUE"), "DATE") || !strings.Contains(raw, "T")

	switch {
	case allDay:
		t, err := time.ParseInLocation("20060102", strings.TrimSuffix(raw, "Z"), loc)
		if err != nil {
			return timeValue{}, err
		}
		return timeValue{t: t, allDay: true, floating: zone == "", zone: zone}, nil
	case strings.HasSuffix(raw, "Z"):
		t, err := time.Parse("20060102T150405Z", raw)
		if err != nil {
			return timeValue{}, err
		}
		return timeValue{t: t, zone: "UTC"}, nil
	default:
		t, err := time.ParseInLocation("20060102T150405", raw, loc)
		if err != nil {
			return timeValue{}, err
		}
		return timeValue{t: t, floating: zone == "", zone: zone}, nil
	}
}

func firstParam(params map[string][]string, key string) string {
	for k, vs := range params {
		if strings.EqualFold(k, key) && len(vs) > 0 {
			return vs[0]
		}
	}
	return ""
}
