package recurrence

import (
	"time"

	appLog "taskcal/internal/log"
	"taskcal/internal/model"
)

// BuildOccurrence materializes one occurrence of def starting naturally at
// natural, with ov applied on top when non-nil. Both the normal merge and
// drift recovery go through here so they apply overrides identically.
func BuildOccurrence(def *model.Definition, ov *model.Override, natural time.Time) model.Occurrence {
	natural = natural.UTC()
	occ := model.Occurrence{
		DefinitionID: def.ID,
		Title:        def.Title,
		Description:  def.Description,
		Priority:     def.Priority,
		SortOrder:    def.SortOrder,
		Start:        natural,
		Due:          natural.Add(def.Duration()),
		LogicalDate:  natural,
		Recurring:    true,
	}
	if ov == nil {
		return occ
	}

	occ.OverrideID = ov.ID
	if ov.Title != nil {
		occ.Title = *ov.Title
	}
	if ov.Description != nil {
		occ.Description = *ov.Description
	}
	if ov.Priority != nil {
		occ.Priority = *ov.Priority
	}
	if ov.Start != nil {
		occ.Start = ov.Start.UTC()
	}
	if ov.Due != nil {
		occ.Due = ov.Due.UTC()
	}
	occ.Completed = ov.CompletedAt != nil
	occ.LogicalDate = ov.NaturalKey.UTC()
	return occ
}

// Merge overlays each expanded occurrence with the override stored under
// its natural start. Occurrences without an override pass through.
func Merge(expanded []Expanded) []model.Occurrence {
	out := make([]model.Occurrence, 0, len(expanded))
	for _, ex := range expanded {
		occ := ex.Occurrence
		// occ.Start is still the natural start here.
		if ov, ok := ex.overrides[model.KeyFor(occ.DefinitionID, occ.Start)]; ok && ex.def != nil {
			occ = BuildOccurrence(ex.def, ov, occ.Start)
		}
		out = append(out, occ)
	}
	return out
}

// indexOverrides keys a definition's overrides by (parent, natural start).
// Overrides that name another parent are ignored; if two overrides share
// a key the first one wins.
func indexOverrides(def *model.Definition) map[model.OccurrenceKey]*model.Override {
	index := make(map[model.OccurrenceKey]*model.Override, len(def.Overrides))
	for i := range def.Overrides {
		ov := &def.Overrides[i]
		if ov.ParentID != def.ID {
			appLog.Debug("recurrence: ignoring override attached to wrong definition",
				"override_id", ov.ID,
				"parent_id", ov.ParentID,
				"definition_id", def.ID,
			)
			continue
		}
		key := ov.Key()
		if _, dup := index[key]; dup {
			appLog.Debug("recurrence: duplicate override key; keeping first",
				"override_id", ov.ID,
				"definition_id", def.ID,
				"natural_key", ov.NaturalKey,
			)
			continue
		}
		index[key] = ov
	}
	return index
}
