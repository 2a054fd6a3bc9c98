package recurrence

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskcal/internal/model"
)

func utc(y int, m time.Month, d, h, min, s int) time.Time {
	return time.Date(y, m, d, h, min, s, 0, time.UTC)
}

func mustLoc(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	require.NoError(t, err)
	return loc
}

func newTestEngine() *Engine {
	return New(Options{DefaultLocation: time.UTC})
}

func naturalStartsOf(expanded []Expanded) []time.Time {
	out := make([]time.Time, 0, len(expanded))
	for _, ex := range expanded {
		out = append(out, ex.Occurrence.Start)
	}
	return out
}

func TestExpand_ZoneCorrectness(t *testing.T) {
	engine := newTestEngine()

	// Local midnight Oct-12 in Shanghai.
	def := model.Definition{
		ID:             "daily-sh",
		Start:          utc(2025, 10, 11, 16, 0, 0),
		Due:            utc(2025, 10, 11, 17, 0, 0),
		RecurrenceRule: "FREQ=DAILY",
		TimeZone:       "Asia/Shanghai",
	}

	// Local Oct-13 in Shanghai.
	w := model.Window{
		Start: utc(2025, 10, 12, 16, 0, 0),
		End:   utc(2025, 10, 13, 15, 59, 59),
	}

	expanded, report := engine.Expand([]model.Definition{def}, w)
	require.Empty(t, report.Failures)
	require.Len(t, expanded, 1)

	occ := expanded[0].Occurrence
	assert.True(t, occ.Start.Equal(utc(2025, 10, 12, 16, 0, 0)))
	assert.True(t, occ.Due.Equal(utc(2025, 10, 12, 17, 0, 0)))
	assert.True(t, occ.LogicalDate.Equal(occ.Start))
	assert.Equal(t, time.UTC, occ.Start.Location())
}

func TestExpand_WeekdayFollowsLocalZone(t *testing.T) {
	engine := newTestEngine()

	// Tuesday 00:00 in Shanghai is Monday 16:00 UTC.
	def := model.Definition{
		ID:             "weekly-tu",
		Start:          utc(2025, 10, 6, 16, 0, 0),
		Due:            utc(2025, 10, 6, 17, 0, 0),
		RecurrenceRule: "FREQ=WEEKLY;BYDAY=TU",
		TimeZone:       "Asia/Shanghai",
	}
	w := model.Window{Start: utc(2025, 10, 13, 0, 0, 0), End: utc(2025, 10, 14, 23, 59, 59)}

	expanded, _ := engine.Expand([]model.Definition{def}, w)
	require.Len(t, expanded, 1)
	assert.True(t, expanded[0].Occurrence.Start.Equal(utc(2025, 10, 13, 16, 0, 0)))
	assert.Equal(t, time.Tuesday, expanded[0].Occurrence.Start.In(mustLoc(t, "Asia/Shanghai")).Weekday())
}

func TestExpand_DSTKeepsWallClock(t *testing.T) {
	engine := newTestEngine()
	ny := mustLoc(t, "America/New_York")

	start := time.Date(2025, 3, 4, 9, 0, 0, 0, ny) // EST, before the March 9 change
	def := model.Definition{
		ID:             "weekly-ny",
		Start:          start.UTC(),
		Due:            start.Add(30 * time.Minute).UTC(),
		RecurrenceRule: "RRULE:FREQ=WEEKLY;BYDAY=TU",
		TimeZone:       "America/New_York",
	}
	w := model.Window{Start: utc(2025, 3, 11, 0, 0, 0), End: utc(2025, 3, 11, 23, 59, 59)}

	expanded, _ := engine.Expand([]model.Definition{def}, w)
	require.Len(t, expanded, 1)

	got := expanded[0].Occurrence
	assert.True(t, got.Start.Equal(utc(2025, 3, 11, 13, 0, 0)), "09:00 EDT is 13:00 UTC, got %s", got.Start)
	assert.Equal(t, 9, got.Start.In(ny).Hour())
	assert.Equal(t, 30*time.Minute, got.Due.Sub(got.Start))
}

func TestExpand_BoundaryExclusivity(t *testing.T) {
	engine := newTestEngine()
	def := model.Definition{
		ID:             "daily",
		Start:          utc(2025, 1, 1, 9, 0, 0),
		Due:            utc(2025, 1, 1, 10, 0, 0),
		RecurrenceRule: "FREQ=DAILY",
		TimeZone:       "UTC",
	}

	tests := []struct {
		name       string
		windowFrom time.Time
		want       int
	}{
		{
			name:       "due equals window start",
			windowFrom: utc(2025, 1, 5, 10, 0, 0),
			want:       0,
		},
		{
			name:       "due one nanosecond after window start",
			windowFrom: utc(2025, 1, 5, 10, 0, 0).Add(-time.Nanosecond),
			want:       1,
		},
		{
			name:       "partial overlap at window start",
			windowFrom: utc(2025, 1, 5, 9, 30, 0),
			want:       1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := model.Window{Start: tt.windowFrom, End: utc(2025, 1, 5, 11, 0, 0)}
			expanded, _ := engine.Expand([]model.Definition{def}, w)
			assert.Len(t, expanded, tt.want)
		})
	}

	t.Run("start equal to window end is included", func(t *testing.T) {
		w := model.Window{Start: utc(2025, 1, 5, 8, 0, 0), End: utc(2025, 1, 5, 9, 0, 0)}
		expanded, _ := engine.Expand([]model.Definition{def}, w)
		require.Len(t, expanded, 1)
		assert.True(t, expanded[0].Occurrence.Start.Equal(utc(2025, 1, 5, 9, 0, 0)))
	})
}

func TestExpand_CountAndUntilExhaustion(t *testing.T) {
	engine := newTestEngine()
	base := model.Definition{
		Start:    utc(2025, 1, 1, 9, 0, 0),
		Due:      utc(2025, 1, 1, 10, 0, 0),
		TimeZone: "UTC",
	}

	tests := []struct {
		name string
		rule string
		w    model.Window
		want []time.Time
	}{
		{
			name: "count covers days one to three",
			rule: "FREQ=DAILY;COUNT=3",
			w:    model.Window{Start: utc(2025, 1, 1, 0, 0, 0), End: utc(2025, 1, 10, 0, 0, 0)},
			want: []time.Time{utc(2025, 1, 1, 9, 0, 0), utc(2025, 1, 2, 9, 0, 0), utc(2025, 1, 3, 9, 0, 0)},
		},
		{
			name: "count exhausted before window",
			rule: "FREQ=DAILY;COUNT=3",
			w:    model.Window{Start: utc(2025, 1, 4, 0, 0, 0), End: utc(2025, 2, 1, 0, 0, 0)},
			want: []time.Time{},
		},
		{
			name: "until is inclusive",
			rule: "FREQ=DAILY;UNTIL=20250103T090000Z",
			w:    model.Window{Start: utc(2025, 1, 2, 0, 0, 0), End: utc(2025, 1, 10, 0, 0, 0)},
			want: []time.Time{utc(2025, 1, 2, 9, 0, 0), utc(2025, 1, 3, 9, 0, 0)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := base
			def.ID = tt.name
			def.RecurrenceRule = tt.rule

			expanded, report := engine.Expand([]model.Definition{def}, tt.w)
			require.Empty(t, report.Failures)
			assert.Equal(t, tt.want, naturalStartsOf(expanded))
		})
	}
}

func TestExpand_MultiDaySpanningTask(t *testing.T) {
	engine := newTestEngine()
	ny := mustLoc(t, "America/New_York")

	def := model.Definition{
		ID:             "spanning",
		Start:          time.Date(2025, 1, 1, 0, 0, 0, 0, ny).UTC(),
		Due:            time.Date(2025, 1, 2, 12, 0, 0, 0, ny).UTC(),
		RecurrenceRule: "FREQ=WEEKLY",
		TimeZone:       "America/New_York",
	}

	localDay := func(d int) model.Window {
		start := time.Date(2025, 1, d, 0, 0, 0, 0, ny)
		return model.Window{Start: start.UTC(), End: start.AddDate(0, 0, 1).Add(-time.Second).UTC()}
	}

	expanded, _ := engine.Expand([]model.Definition{def}, localDay(2))
	require.Len(t, expanded, 1)
	assert.True(t, expanded[0].Occurrence.Start.Equal(def.Start))

	expanded, _ = engine.Expand([]model.Definition{def}, localDay(3))
	assert.Empty(t, expanded)

	t.Run("excluded natural start is not materialized", func(t *testing.T) {
		excluded := def
		excluded.ExcludedOccurrences = []time.Time{def.Start}

		expanded, _ := engine.Expand([]model.Definition{excluded}, localDay(2))
		assert.Empty(t, expanded)
	})
}

func TestExpand_MalformedRuleIsIsolated(t *testing.T) {
	engine := newTestEngine()
	defs := []model.Definition{
		{
			ID:             "broken",
			Start:          utc(2025, 1, 1, 9, 0, 0),
			Due:            utc(2025, 1, 1, 10, 0, 0),
			RecurrenceRule: "FREQ=SOMETIMES",
		},
		{
			ID:             "empty",
			Start:          utc(2025, 1, 1, 9, 0, 0),
			Due:            utc(2025, 1, 1, 10, 0, 0),
			RecurrenceRule: "  ",
		},
		{
			ID:             "ok",
			Start:          utc(2025, 1, 1, 9, 0, 0),
			Due:            utc(2025, 1, 1, 10, 0, 0),
			RecurrenceRule: "FREQ=DAILY",
		},
	}
	w := model.Window{Start: utc(2025, 1, 2, 0, 0, 0), End: utc(2025, 1, 2, 23, 59, 59)}

	expanded, report := engine.Expand(defs, w)
	require.Len(t, expanded, 1)
	assert.Equal(t, "ok", expanded[0].Occurrence.DefinitionID)

	require.Len(t, report.Failures, 2)
	assert.Equal(t, "broken", report.Failures[0].DefinitionID)
	assert.Equal(t, "empty", report.Failures[1].DefinitionID)

	var ruleErr *RuleError
	require.True(t, errors.As(report.Failures[0].Err, &ruleErr))
	assert.Equal(t, "FREQ=SOMETIMES", ruleErr.Rule)
	assert.ErrorIs(t, report.Failures[1].Err, errEmptyRule)
}

func TestExpand_UnknownZoneFallsBack(t *testing.T) {
	engine := New(Options{DefaultLocation: time.UTC})
	def := model.Definition{
		ID:             "mars",
		Start:          utc(2025, 1, 1, 9, 0, 0),
		Due:            utc(2025, 1, 1, 10, 0, 0),
		RecurrenceRule: "FREQ=DAILY",
		TimeZone:       "Mars/Olympus_Mons",
	}
	w := model.Window{Start: utc(2025, 1, 2, 0, 0, 0), End: utc(2025, 1, 2, 23, 59, 59)}

	expanded, report := engine.Expand([]model.Definition{def}, w)
	require.Len(t, expanded, 1)
	assert.Empty(t, report.Failures)
	assert.Equal(t, []string{"mars"}, report.ZoneFallbacks)
	assert.True(t, expanded[0].Occurrence.Start.Equal(utc(2025, 1, 2, 9, 0, 0)))
}

func TestExpand_CapTruncates(t *testing.T) {
	engine := New(Options{DefaultLocation: time.UTC, MaxOccurrencesPerDefinition: 2})
	def := model.Definition{
		ID:             "capped",
		Start:          utc(2025, 1, 1, 9, 0, 0),
		Due:            utc(2025, 1, 1, 10, 0, 0),
		RecurrenceRule: "FREQ=DAILY",
		TimeZone:       "UTC",
	}
	w := model.Window{Start: utc(2025, 1, 1, 0, 0, 0), End: utc(2025, 1, 5, 23, 59, 59)}

	expanded, report := engine.Expand([]model.Definition{def}, w)
	assert.Len(t, expanded, 2)
	assert.Equal(t, []string{"capped"}, report.Truncated)
}

func TestValidate(t *testing.T) {
	base := model.Definition{
		ID:             "v",
		Start:          utc(2025, 1, 1, 9, 0, 0),
		Due:            utc(2025, 1, 1, 10, 0, 0),
		RecurrenceRule: "FREQ=DAILY",
		TimeZone:       "Europe/Paris",
	}
	require.NoError(t, Validate(&base))

	badRule := base
	badRule.RecurrenceRule = "FREQ=SOMETIMES"
	var ruleErr *RuleError
	assert.ErrorAs(t, Validate(&badRule), &ruleErr)

	badZone := base
	badZone.TimeZone = "Mars/Olympus"
	assert.Error(t, Validate(&badZone))
}
