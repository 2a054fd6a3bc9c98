package recurrence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskcal/internal/model"
)

func weeklyDefinition(overrides ...model.Override) model.Definition {
	return model.Definition{
		ID:             "weekly",
		Title:          "Review",
		Start:          utc(2025, 1, 6, 9, 0, 0), // Monday
		Due:            utc(2025, 1, 6, 10, 0, 0),
		RecurrenceRule: "FREQ=WEEKLY;BYDAY=MO",
		TimeZone:       "UTC",
		Overrides:      overrides,
	}
}

func dayWindow(y int, m time.Month, d int) model.Window {
	start := utc(y, m, d, 0, 0, 0)
	return model.Window{Start: start, End: start.Add(24*time.Hour - time.Second)}
}

func assemble(t *testing.T, defs []model.Definition, w model.Window) []model.Occurrence {
	t.Helper()
	res, err := newTestEngine().Assemble(nil, defs, w, Query{})
	require.NoError(t, err)
	return res.Instances
}

func TestAssemble_IdentitySurvivesRescheduling(t *testing.T) {
	t0 := utc(2025, 1, 13, 9, 0, 0)
	t1 := utc(2025, 3, 5, 14, 0, 0) // a Wednesday, far from t0
	ov := model.Override{
		ID:         "ov-x",
		ParentID:   "weekly",
		NaturalKey: t0,
		Start:      ptr(t1),
		Due:        ptr(t1.Add(time.Hour)),
	}
	def := weeklyDefinition(ov)

	got := assemble(t, []model.Definition{def}, dayWindow(2025, 3, 5))
	require.Len(t, got, 1)
	assert.True(t, got[0].Start.Equal(t1))
	assert.True(t, got[0].LogicalDate.Equal(t0))
	assert.Equal(t, "ov-x", got[0].OverrideID)

	// The natural day no longer shows the moved instance.
	assert.Empty(t, assemble(t, []model.Definition{def}, dayWindow(2025, 1, 13)))

	// A second edit addressed by (definition, logical date) updates the
	// same override rather than creating another one.
	key := got[0].Key()
	require.Equal(t, ov.Key(), key)

	t2 := utc(2025, 4, 2, 8, 0, 0)
	def.Overrides[0].Start = ptr(t2)
	def.Overrides[0].Due = ptr(t2.Add(time.Hour))

	got = assemble(t, []model.Definition{def}, dayWindow(2025, 4, 2))
	require.Len(t, got, 1)
	assert.True(t, got[0].Start.Equal(t2))
	assert.True(t, got[0].LogicalDate.Equal(t0))
	assert.Equal(t, key, got[0].Key())
	assert.Empty(t, assemble(t, []model.Definition{def}, dayWindow(2025, 3, 5)))
}

func TestAssemble_NoDoubleCounting(t *testing.T) {
	// Moved within its own day: found by both merge and drift scan.
	natural := utc(2025, 1, 5, 9, 0, 0)
	def := dailyDefinition(
		model.Override{
			ID:         "same-day",
			ParentID:   "daily",
			NaturalKey: natural,
			Start:      ptr(utc(2025, 1, 5, 15, 0, 0)),
			Due:        ptr(utc(2025, 1, 5, 16, 0, 0)),
		},
		model.Override{
			ID:         "next-day",
			ParentID:   "daily",
			NaturalKey: utc(2025, 1, 4, 9, 0, 0),
			Start:      ptr(utc(2025, 1, 6, 11, 0, 0)),
			Due:        ptr(utc(2025, 1, 6, 12, 0, 0)),
		},
	)

	windows := []model.Window{
		dayWindow(2025, 1, 4),
		dayWindow(2025, 1, 5),
		dayWindow(2025, 1, 6),
		{Start: utc(2025, 1, 1, 0, 0, 0), End: utc(2025, 1, 31, 0, 0, 0)},
	}
	for _, w := range windows {
		got := assemble(t, []model.Definition{def}, w)
		seen := map[seenKey]bool{}
		for _, occ := range got {
			k := seenKeyOf(occ.DefinitionID, occ.Start, occ.LogicalDate)
			assert.False(t, seen[k], "duplicate instance %v in window %v", k, w)
			seen[k] = true
		}
	}

	got := assemble(t, []model.Definition{def}, dayWindow(2025, 1, 5))
	require.Len(t, got, 1)
	assert.True(t, got[0].Start.Equal(utc(2025, 1, 5, 15, 0, 0)))

	got = assemble(t, []model.Definition{def}, dayWindow(2025, 1, 6))
	require.Len(t, got, 2)
	assert.True(t, got[0].Start.Equal(utc(2025, 1, 6, 9, 0, 0)))
	assert.True(t, got[1].Start.Equal(utc(2025, 1, 6, 11, 0, 0)))
	assert.True(t, got[1].LogicalDate.Equal(utc(2025, 1, 4, 9, 0, 0)))
}

func TestAssemble_ExclusionBeatsDriftRecovery(t *testing.T) {
	ny := mustLoc(t, "America/New_York")
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, ny).UTC()
	def := model.Definition{
		ID:                  "spanning",
		Start:               start,
		Due:                 time.Date(2025, 1, 2, 12, 0, 0, 0, ny).UTC(),
		RecurrenceRule:      "FREQ=WEEKLY",
		TimeZone:            "America/New_York",
		ExcludedOccurrences: []time.Time{start},
		Overrides: []model.Override{{
			ID:         "edited-then-cancelled",
			ParentID:   "spanning",
			NaturalKey: start,
			Start:      ptr(time.Date(2025, 1, 2, 8, 0, 0, 0, ny).UTC()),
			Due:        ptr(time.Date(2025, 1, 2, 9, 0, 0, 0, ny).UTC()),
		}},
	}
	day2 := time.Date(2025, 1, 2, 0, 0, 0, 0, ny)
	w := model.Window{Start: day2.UTC(), End: day2.AddDate(0, 0, 1).Add(-time.Second).UTC()}

	assert.Empty(t, assemble(t, []model.Definition{def}, w))
}

func TestAssemble_MetadataOnlyOverrideIsNotRecovered(t *testing.T) {
	def := weeklyDefinition(model.Override{
		ID:         "title-only",
		ParentID:   "weekly",
		NaturalKey: utc(2025, 1, 13, 9, 0, 0),
		Title:      ptr("Renamed review"),
	})

	assert.Empty(t, assemble(t, []model.Definition{def}, dayWindow(2025, 1, 14)))

	got := assemble(t, []model.Definition{def}, dayWindow(2025, 1, 13))
	require.Len(t, got, 1)
	assert.Equal(t, "Renamed review", got[0].Title)
}

func TestAssemble_CompletedFilter(t *testing.T) {
	natural := utc(2025, 1, 3, 9, 0, 0)
	def := dailyDefinition(model.Override{
		ID:          "done",
		ParentID:    "daily",
		NaturalKey:  natural,
		CompletedAt: ptr(utc(2025, 1, 3, 9, 45, 0)),
	})
	w := dayWindow(2025, 1, 3)
	engine := newTestEngine()

	res, err := engine.Assemble(nil, []model.Definition{def}, w, Query{})
	require.NoError(t, err)
	assert.Empty(t, res.Instances)

	res, err = engine.Assemble(nil, []model.Definition{def}, w, Query{IncludeCompleted: true})
	require.NoError(t, err)
	require.Len(t, res.Instances, 1)
	assert.True(t, res.Instances[0].Completed)
	assert.True(t, res.Instances[0].LogicalDate.Equal(natural))
}

func TestAssemble_BrokenDefinitionContributesNothing(t *testing.T) {
	broken := model.Definition{
		ID:             "broken",
		Start:          utc(2025, 1, 1, 9, 0, 0),
		Due:            utc(2025, 1, 1, 10, 0, 0),
		RecurrenceRule: "FREQ=DAILY;BYHOUR=99",
		Overrides: []model.Override{{
			ID:         "moved",
			ParentID:   "broken",
			NaturalKey: utc(2025, 1, 1, 9, 0, 0),
			Start:      ptr(utc(2025, 1, 3, 9, 0, 0)),
			Due:        ptr(utc(2025, 1, 3, 10, 0, 0)),
		}},
	}

	res, err := newTestEngine().Assemble(nil, []model.Definition{broken, dailyDefinition()}, dayWindow(2025, 1, 3), Query{})
	require.NoError(t, err)
	require.Len(t, res.Instances, 1)
	assert.Equal(t, "daily", res.Instances[0].DefinitionID)
	require.Len(t, res.Report.Failures, 1)
	assert.Equal(t, "broken", res.Report.Failures[0].DefinitionID)
}

func TestAssemble_PlainTasksAndSorting(t *testing.T) {
	tasks := []model.Task{
		{ID: "t-late", Title: "Pay rent", Priority: 1, SortOrder: 2, Start: utc(2025, 1, 3, 18, 0, 0), Due: utc(2025, 1, 3, 19, 0, 0)},
		{ID: "t-early", Title: "Call mom", Priority: 0, SortOrder: 0, Start: utc(2025, 1, 3, 7, 0, 0), Due: utc(2025, 1, 3, 7, 30, 0)},
	}
	defs := []model.Definition{dailyDefinition()}
	w := dayWindow(2025, 1, 3)
	engine := newTestEngine()

	ids := func(items []model.Occurrence) []string {
		out := make([]string, 0, len(items))
		for _, it := range items {
			if it.TaskID != "" {
				out = append(out, it.TaskID)
			} else {
				out = append(out, it.DefinitionID)
			}
		}
		return out
	}

	res, err := engine.Assemble(tasks, defs, w, Query{})
	require.NoError(t, err)
	assert.Equal(t, []string{"t-early", "daily", "t-late"}, ids(res.Instances))
	assert.False(t, res.Instances[0].Recurring)

	res, err = engine.Assemble(tasks, defs, w, Query{SortBy: SortByPriority})
	require.NoError(t, err)
	assert.Equal(t, []string{"t-late", "daily", "t-early"}, ids(res.Instances))

	res, err = engine.Assemble(tasks, defs, w, Query{SortBy: SortByOrder})
	require.NoError(t, err)
	assert.Equal(t, []string{"t-early", "daily", "t-late"}, ids(res.Instances))
}

func TestAssemble_Deterministic(t *testing.T) {
	defs := []model.Definition{
		dailyDefinition(model.Override{
			ID:         "moved",
			ParentID:   "daily",
			NaturalKey: utc(2025, 1, 2, 9, 0, 0),
			Start:      ptr(utc(2025, 1, 9, 9, 0, 0)),
			Due:        ptr(utc(2025, 1, 9, 10, 0, 0)),
		}),
		weeklyDefinition(),
	}
	w := model.Window{Start: utc(2025, 1, 5, 0, 0, 0), End: utc(2025, 1, 20, 0, 0, 0)}
	engine := newTestEngine()

	first, err := engine.Assemble(nil, defs, w, Query{})
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := engine.Assemble(nil, defs, w, Query{})
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestAssemble_InvalidWindow(t *testing.T) {
	w := model.Window{Start: utc(2025, 1, 2, 0, 0, 0), End: utc(2025, 1, 1, 0, 0, 0)}
	_, err := newTestEngine().Assemble(nil, nil, w, Query{})
	assert.ErrorIs(t, err, ErrInvalidWindow)
}

func TestParseSortOrder(t *testing.T) {
	assert.Equal(t, SortByPriority, ParseSortOrder("Priority"))
	assert.Equal(t, SortByOrder, ParseSortOrder("order"))
	assert.Equal(t, SortByStart, ParseSortOrder(""))
	assert.Equal(t, SortByStart, ParseSortOrder("bogus"))
}

func TestAssemble_OverrideOnDroppedNaturalStartIsSkipped(t *testing.T) {
	def := weeklyDefinition(model.Override{
		ID:         "past-count",
		ParentID:   "weekly",
		NaturalKey: utc(2025, 1, 27, 9, 0, 0), // fourth Monday, beyond COUNT
		Start:      ptr(utc(2025, 2, 5, 9, 0, 0)),
		Due:        ptr(utc(2025, 2, 5, 10, 0, 0)),
	}, model.Override{
		ID:         "off-rule",
		ParentID:   "weekly",
		NaturalKey: utc(2025, 1, 14, 9, 0, 0), // a Tuesday
		Start:      ptr(utc(2025, 2, 5, 12, 0, 0)),
		Due:        ptr(utc(2025, 2, 5, 13, 0, 0)),
	}, model.Override{
		ID:         "kept",
		ParentID:   "weekly",
		NaturalKey: utc(2025, 1, 13, 9, 0, 0),
		Start:      ptr(utc(2025, 2, 5, 15, 0, 0)),
		Due:        ptr(utc(2025, 2, 5, 16, 0, 0)),
	})
	def.RecurrenceRule = "FREQ=WEEKLY;BYDAY=MO;COUNT=3"

	got := assemble(t, []model.Definition{def}, dayWindow(2025, 2, 5))
	require.Len(t, got, 1)
	assert.Equal(t, "kept", got[0].OverrideID)
	assert.True(t, got[0].LogicalDate.Equal(utc(2025, 1, 13, 9, 0, 0)))
}

func TestAssemble_MovedPastWindowEndIsDropped(t *testing.T) {
	natural := utc(2025, 1, 13, 9, 0, 0)
	def := weeklyDefinition(model.Override{
		ID:         "pushed",
		ParentID:   "weekly",
		NaturalKey: natural,
		Start:      ptr(utc(2025, 1, 14, 9, 0, 0)),
		Due:        ptr(utc(2025, 1, 14, 10, 0, 0)),
	})

	// The natural start lies inside the Jan 13 window, the edited one does not.
	assert.Empty(t, assemble(t, []model.Definition{def}, dayWindow(2025, 1, 13)))

	got := assemble(t, []model.Definition{def}, dayWindow(2025, 1, 14))
	require.Len(t, got, 1)
	assert.True(t, got[0].LogicalDate.Equal(natural))
}
