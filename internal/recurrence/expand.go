package recurrence

import (
	"fmt"
	"strings"
	"time"

	"github.com/teambition/rrule-go"

	appLog "taskcal/internal/log"
	"taskcal/internal/model"
)

// Expanded is a natural occurrence produced by Expand, still carrying the
// override index of its definition so Merge can overlay it.
type Expanded struct {
	Occurrence model.Occurrence

	def       *model.Definition
	overrides map[model.OccurrenceKey]*model.Override
}

// Expand enumerates the natural occurrences of every definition that
// overlap w. Occurrences starting before w.Start are found as long as their
// due time reaches into the window. A definition whose rule cannot be
// parsed contributes nothing and is recorded in the report.
func (e *Engine) Expand(defs []model.Definition, w model.Window) ([]Expanded, Report) {
	var report Report
	out := make([]Expanded, 0)

	for i := range defs {
		def := &defs[i]

		starts, truncated, zoneOK, err := e.naturalStarts(def, w)
		if !zoneOK {
			report.ZoneFallbacks = append(report.ZoneFallbacks, def.ID)
		}
		if err != nil {
			report.Failures = append(report.Failures, Failure{DefinitionID: def.ID, Err: err})
			appLog.Error("recurrence: cannot expand definition; skipping", err,
				"definition_id", def.ID,
				"rrule", def.RecurrenceRule,
			)
			continue
		}
		if truncated {
			report.Truncated = append(report.Truncated, def.ID)
			appLog.Warn("recurrence: truncated occurrences for definition due to cap",
				"definition_id", def.ID,
				"cap", e.maxPerDef,
			)
		}

		index := indexOverrides(def)
		for _, start := range starts {
			out = append(out, Expanded{
				Occurrence: BuildOccurrence(def, nil, start),
				def:        def,
				overrides:  index,
			})
		}
	}

	return out, report
}

// naturalStarts evaluates the definition's rule in its own zone and
// returns the absolute natural starts whose span overlaps w.
func (e *Engine) naturalStarts(def *model.Definition, w model.Window) ([]time.Time, bool, bool, error) {
	loc, zoneOK := e.location(def)

	set, err := buildRuleSet(def, loc)
	if err != nil {
		return nil, false, zoneOK, err
	}

	dur := def.Duration()
	if dur < 0 {
		dur = 0
	}

	// Search from w.Start - duration so an occurrence that started before
	// the window but is still running inside it is found.
	searchStart := w.Start.Add(-dur).In(loc)
	searchEnd := w.End.In(loc)

	occTimes := set.Between(searchStart, searchEnd, true)

	truncated := false
	if len(occTimes) > e.maxPerDef {
		occTimes = occTimes[:e.maxPerDef]
		truncated = true
	}

	out := make([]time.Time, 0, len(occTimes))
	for _, t := range occTimes {
		// Ending exactly at w.Start is not an overlap.
		if !t.Add(dur).After(w.Start) {
			continue
		}
		out = append(out, t.UTC())
	}
	return out, truncated, zoneOK, nil
}

// buildRuleSet reinterprets the definition's start as wall-clock time in
// loc, so "every Tuesday" follows the user's Tuesday across offsets and
// DST changes, and applies the exclusions.
func buildRuleSet(def *model.Definition, loc *time.Location) (*rrule.Set, error) {
	if def.Start.IsZero() {
		return nil, fmt.Errorf("definition %s: %w", def.ID, errMissingStart)
	}

	raw := strings.TrimSpace(def.RecurrenceRule)
	if raw == "" {
		return nil, &RuleError{DefinitionID: def.ID, Rule: def.RecurrenceRule, Err: errEmptyRule}
	}

	// Local UNTIL values are read in the definition's zone.
	opt, err := rrule.StrToROptionInLocation(raw, loc)
	if err != nil {
		return nil, &RuleError{DefinitionID: def.ID, Rule: def.RecurrenceRule, Err: err}
	}
	opt.Dtstart = def.Start.In(loc)

	r, err := rrule.NewRRule(*opt)
	if err != nil {
		return nil, &RuleError{DefinitionID: def.ID, Rule: def.RecurrenceRule, Err: err}
	}

	var set rrule.Set
	set.RRule(r)
	for _, ex := range def.ExcludedOccurrences {
		set.ExDate(ex.In(loc))
	}
	return &set, nil
}
