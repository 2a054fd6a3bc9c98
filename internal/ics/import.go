package ics

import (
	"time"

	appLog "taskcal/internal/log"
	"taskcal/internal/model"
)

// Imported is the model-side result of one feed.
type Imported struct {
	Definitions []model.Definition
	Tasks       []model.Task
}

// ToModel converts parsed items into definitions, overrides and plain
// tasks. Masters with an RRULE become definitions with id "source:uid";
// components carrying RECURRENCE-ID become overrides of that definition
// keyed by the RECURRENCE-ID instant; everything else becomes a plain
// task. Floating times are read as wall clock in defaultZone (nil: UTC).
func ToModel(items []ParsedItem, defaultZone *time.Location) Imported {
	if defaultZone == nil {
		defaultZone = time.UTC
	}

	var (
		order     []string
		masters   = make(map[string]ParsedItem)
		instances = make(map[string][]ParsedItem)
	)
	for _, it := range items {
		if it.Floating {
			it = anchor(it, defaultZone)
		}
		key := it.Source.ID + ":" + it.UID
		if it.RecurrenceID != nil {
			instances[key] = append(instances[key], it)
			continue
		}
		if _, dup := masters[key]; dup {
			appLog.Warn("ics duplicate master ignored", "source", it.Source.ID, "uid", it.UID)
			continue
		}
		masters[key] = it
		order = append(order, key)
	}

	var out Imported
	for _, key := range order {
		m := masters[key]
		if m.RawRRule == "" {
			out.Tasks = append(out.Tasks, model.Task{
				ID:          key,
				Title:       m.Summary,
				Description: m.Description,
				Priority:    m.Priority,
				Start:       m.Start.UTC(),
				Due:         m.Due.UTC(),
				CompletedAt: utcPtr(m.CompletedAt),
			})
			if n := len(instances[key]); n > 0 {
				appLog.Debug("ics instances of non-recurring item dropped", "id", key, "count", n)
			}
			continue
		}

		zone := m.TimeZone
		if zone == "" {
			zone = defaultZone.String()
		}
		def := model.Definition{
			ID:             key,
			Title:          m.Summary,
			Description:    m.Description,
			Priority:       m.Priority,
			Start:          m.Start.UTC(),
			Due:            m.Due.UTC(),
			RecurrenceRule: m.RawRRule,
			TimeZone:       zone,
		}
		for _, ex := range m.ExDates {
			def.ExcludedOccurrences = append(def.ExcludedOccurrences, ex.UTC())
		}
		for _, inst := range instances[key] {
			def.Overrides = append(def.Overrides, overrideFrom(def, inst))
		}
		if m.CompletedAt != nil {
			appLog.Debug("ics completion on recurring master ignored", "id", key)
		}
		out.Definitions = append(out.Definitions, def)
	}

	for key, insts := range instances {
		if _, ok := masters[key]; !ok {
			appLog.Warn("ics orphan instances dropped", "id", key, "count", len(insts))
		}
	}
	return out
}

// overrideFrom maps a RECURRENCE-ID component onto an override. Start and
// due are always carried; text fields only when they differ from the
// master so later master edits keep flowing through.
func overrideFrom(def model.Definition, inst ParsedItem) model.Override {
	natural := inst.RecurrenceID.UTC()
	start, due := inst.Start.UTC(), inst.Due.UTC()
	ov := model.Override{
		ID:          def.ID + ":" + natural.Format("20060102T150405Z"),
		ParentID:    def.ID,
		NaturalKey:  natural,
		Start:       &start,
		Due:         &due,
		CompletedAt: utcPtr(inst.CompletedAt),
	}
	if inst.Summary != def.Title {
		title := inst.Summary
		ov.Title = &title
	}
	if inst.Description != def.Description {
		desc := inst.Description
		ov.Description = &desc
	}
	if inst.Priority != def.Priority {
		prio := inst.Priority
		ov.Priority = &prio
	}
	return ov
}

// anchor moves the floating wall-clock values of an item into loc. Values
// that carried their own TZID keep it.
func anchor(it ParsedItem, loc *time.Location) ParsedItem {
	it.Start = rezone(it.Start, loc)
	it.Due = rezone(it.Due, loc)
	exdates := make([]time.Time, len(it.ExDates))
	for i, ex := range it.ExDates {
		exdates[i] = rezone(ex, loc)
	}
	it.ExDates = exdates
	if it.RecurrenceID != nil {
		rid := rezone(*it.RecurrenceID, loc)
		it.RecurrenceID = &rid
	}
	it.TimeZone = loc.String()
	it.Floating = false
	return it
}

func rezone(t time.Time, loc *time.Location) time.Time {
	if t.IsZero() || t.Location() != time.UTC {
		return t
	}
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), loc)
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
