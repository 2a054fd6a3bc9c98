package ics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToModel_DefinitionWithOverrideAndExclusion(t *testing.T) {
	items, err := ParseICS(testSource, calendar(weeklyTodo, movedInstance))
	require.NoError(t, err)

	got := ToModel(items, time.UTC)
	require.Len(t, got.Definitions, 1)
	assert.Empty(t, got.Tasks)

	def := got.Definitions[0]
	assert.Equal(t, "home:bins", def.ID)
	assert.Equal(t, "Europe/Berlin", def.TimeZone)
	assert.Equal(t, "FREQ=WEEKLY;BYDAY=MO", def.RecurrenceRule)
	assert.True(t, def.IsExcluded(time.Date(2025, 1, 13, 18, 0, 0, 0, time.UTC)))

	require.Len(t, def.Overrides, 1)
	ov := def.Overrides[0]
	assert.Equal(t, "home:bins", ov.ParentID)
	assert.True(t, ov.NaturalKey.Equal(time.Date(2025, 1, 20, 18, 0, 0, 0, time.UTC)))
	assert.True(t, ov.Moves())
	require.NotNil(t, ov.Title)
	assert.Equal(t, "Take out bins (late)", *ov.Title)
	assert.Nil(t, ov.Description, "unchanged text inherits from the master")
	assert.Nil(t, ov.Priority)
}

func TestToModel_PlainTasksAndOrphans(t *testing.T) {
	body := calendar(`BEGIN:VTODO
UID:once
SUMMARY:Renew passport
DTSTART:20250301T090000Z
DUE:20250301T100000Z
END:VTODO`, `BEGIN:VTODO
UID:ghost
RECURRENCE-ID:20250301T090000Z
SUMMARY:instance without master
DTSTART:20250302T090000Z
END:VTODO`)

	items, err := ParseICS(testSource, body)
	require.NoError(t, err)

	got := ToModel(items, time.UTC)
	assert.Empty(t, got.Definitions)
	require.Len(t, got.Tasks, 1)
	assert.Equal(t, "home:once", got.Tasks[0].ID)
	assert.Equal(t, time.Hour, got.Tasks[0].Due.Sub(got.Tasks[0].Start))
}

func TestToModel_FloatingTimesUseDefaultZone(t *testing.T) {
	body := calendar(`BEGIN:VTODO
UID:stretch
SUMMARY:Stretch
DTSTART:20250106T080000
DUE:20250106T081500
RRULE:FREQ=DAILY
EXDATE:20250107T080000
END:VTODO`)

	items, err := ParseICS(testSource, body)
	require.NoError(t, err)

	shanghai, err := time.LoadLocation("Asia/Shanghai")
	require.NoError(t, err)

	got := ToModel(items, shanghai)
	require.Len(t, got.Definitions, 1)
	def := got.Definitions[0]
	assert.Equal(t, "Asia/Shanghai", def.TimeZone)
	assert.True(t, def.Start.Equal(time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC)))
	assert.True(t, def.IsExcluded(time.Date(2025, 1, 7, 0, 0, 0, 0, time.UTC)))
}

func TestToModel_DuplicateMasterFirstWins(t *testing.T) {
	dup := `BEGIN:VTODO
UID:bins
SUMMARY:second copy
DTSTART:20250106T180000Z
RRULE:FREQ=DAILY
END:VTODO`
	items, err := ParseICS(testSource, calendar(weeklyTodo, dup))
	require.NoError(t, err)

	got := ToModel(items, time.UTC)
	require.Len(t, got.Definitions, 1)
	assert.Equal(t, "Take out bins", got.Definitions[0].Title)
}
