package recurrence

import (
	"time"

	"github.com/teambition/rrule-go"

	appLog "taskcal/internal/log"
	"taskcal/internal/model"
)

// seenKey identifies an instance for de-duplication between the merged
// set and recovered overrides.
type seenKey struct {
	definitionID string
	start        int64
	logical      int64
}

func seenKeyOf(definitionID string, start, logical time.Time) seenKey {
	return seenKey{
		definitionID: definitionID,
		start:        start.UnixNano(),
		logical:      logical.UnixNano(),
	}
}

// RecoverMoved returns overrides whose edited time overlaps w but whose
// natural occurrence was not expanded for w, because the edit moved the
// occurrence away from where the rule places it. Instances already in
// merged are never returned again, and an override on an excluded natural
// start is never resurrected. Only overrides that set both start and due
// are considered, and only when the rule still produces their natural
// start; definitions whose rule does not build contribute nothing.
func (e *Engine) RecoverMoved(defs []model.Definition, merged []model.Occurrence, w model.Window) []model.Occurrence {
	seen := make(map[seenKey]struct{}, len(merged))
	for _, occ := range merged {
		if !occ.Recurring {
			continue
		}
		seen[seenKeyOf(occ.DefinitionID, occ.Start, occ.LogicalDate)] = struct{}{}
	}

	out := make([]model.Occurrence, 0)
	for i := range defs {
		def := &defs[i]
		var (
			set *rrule.Set
			loc *time.Location
		)
		for j := range def.Overrides {
			ov := &def.Overrides[j]
			if ov.ParentID != def.ID || !ov.Moves() {
				continue
			}
			if def.IsExcluded(ov.NaturalKey) {
				continue
			}
			if ov.Start.After(w.End) || ov.Due.Before(w.Start) {
				continue
			}
			key := seenKeyOf(def.ID, *ov.Start, ov.NaturalKey)
			if _, ok := seen[key]; ok {
				continue
			}
			if set == nil {
				loc, _ = e.location(def)
				built, err := buildRuleSet(def, loc)
				if err != nil {
					break
				}
				set = built
			}
			if !produces(set, ov.NaturalKey.In(loc)) {
				appLog.Debug("recurrence: override natural start not produced by rule; skipped",
					"definition_id", def.ID,
					"override_id", ov.ID,
					"natural_key", ov.NaturalKey.UTC(),
				)
				continue
			}
			seen[key] = struct{}{}
			out = append(out, BuildOccurrence(def, ov, ov.NaturalKey))
		}
	}
	return out
}

// produces reports whether set yields an occurrence exactly at t.
func produces(set *rrule.Set, t time.Time) bool {
	return len(set.Between(t, t, true)) > 0
}
