package recurrence

import (
	"cmp"
	"slices"
	"strings"

	appLog "taskcal/internal/log"
	"taskcal/internal/model"
)

// SortOrder selects the primary ordering of assembled instances.
type SortOrder string

const (
	SortByStart    SortOrder = "start"
	SortByPriority SortOrder = "priority"
	SortByOrder    SortOrder = "order"
)

// ParseSortOrder maps a query/CLI value to a SortOrder, defaulting to
// SortByStart.
func ParseSortOrder(s string) SortOrder {
	switch SortOrder(strings.ToLower(strings.TrimSpace(s))) {
	case SortByPriority:
		return SortByPriority
	case SortByOrder:
		return SortByOrder
	default:
		return SortByStart
	}
}

// Query holds the caller's filters for Assemble.
type Query struct {
	// IncludeCompleted keeps completed recurring instances in the result.
	IncludeCompleted bool
	SortBy           SortOrder
}

// Result is the output of Assemble.
type Result struct {
	Instances []model.Occurrence
	Report    Report
}

// Assemble materializes defs for w and concatenates the plain tasks.
// Plain tasks are passed through as given; recurring instances are kept
// only if their edited span overlaps w and, unless q.IncludeCompleted,
// are not completed; an occurrence moved past w.End shows up in the
// window it was moved to instead. The only error is an invalid window.
func (e *Engine) Assemble(tasks []model.Task, defs []model.Definition, w model.Window, q Query) (Result, error) {
	if err := validateWindow(w); err != nil {
		return Result{}, err
	}

	expanded, report := e.Expand(defs, w)
	merged := Merge(expanded)
	recovered := e.RecoverMoved(healthy(defs, &report), merged, w)

	out := make([]model.Occurrence, 0, len(tasks)+len(merged)+len(recovered))
	for _, t := range tasks {
		out = append(out, model.FromTask(t))
	}

	for _, group := range [][]model.Occurrence{merged, recovered} {
		for _, occ := range group {
			if !w.Overlaps(occ.Start, occ.Due) {
				continue
			}
			if occ.Completed && !q.IncludeCompleted {
				continue
			}
			out = append(out, occ)
		}
	}

	SortInstances(out, q.SortBy)

	appLog.Debug("recurrence: assembled instances",
		"definitions", len(defs),
		"tasks", len(tasks),
		"merged", len(merged),
		"recovered", len(recovered),
		"returned", len(out),
		"failures", len(report.Failures),
	)

	return Result{Instances: out, Report: report}, nil
}

// healthy drops definitions that failed to expand so they contribute no
// instances through drift recovery either.
func healthy(defs []model.Definition, report *Report) []model.Definition {
	if len(report.Failures) == 0 {
		return defs
	}
	out := make([]model.Definition, 0, len(defs))
	for _, def := range defs {
		if report.failed(def.ID) {
			continue
		}
		out = append(out, def)
	}
	return out
}

// AttachOverrides returns a copy of defs with loose overrides attached to
// their parent by ParentID. Overrides whose parent is not in defs are
// orphaned data and are dropped.
func AttachOverrides(defs []model.Definition, overrides []model.Override) []model.Definition {
	out := make([]model.Definition, len(defs))
	byID := make(map[string]int, len(defs))
	for i, def := range defs {
		def.Overrides = slices.Clone(def.Overrides)
		out[i] = def
		byID[def.ID] = i
	}

	for _, ov := range overrides {
		i, ok := byID[ov.ParentID]
		if !ok {
			appLog.Debug("recurrence: dropping orphaned override",
				"override_id", ov.ID,
				"parent_id", ov.ParentID,
			)
			continue
		}
		out[i].Overrides = append(out[i].Overrides, ov)
	}
	return out
}

// SortInstances orders instances deterministically by the selected key,
// breaking ties by start, identity and logical date.
func SortInstances(items []model.Occurrence, by SortOrder) {
	slices.SortStableFunc(items, func(a, b model.Occurrence) int {
		var c int
		switch by {
		case SortByPriority:
			c = cmp.Compare(priorityRank(a.Priority), priorityRank(b.Priority))
		case SortByOrder:
			c = cmp.Compare(a.SortOrder, b.SortOrder)
		}
		if c != 0 {
			return c
		}
		if c = a.Start.Compare(b.Start); c != 0 {
			return c
		}
		if c = cmp.Compare(a.DefinitionID, b.DefinitionID); c != 0 {
			return c
		}
		if c = cmp.Compare(a.TaskID, b.TaskID); c != 0 {
			return c
		}
		return a.LogicalDate.Compare(b.LogicalDate)
	})
}

// priorityRank follows iCalendar PRIORITY: 1 is highest, 9 lowest and 0
// (undefined) sorts after everything else.
func priorityRank(p int) int {
	if p <= 0 {
		return 10
	}
	return p
}
