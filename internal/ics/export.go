package ics

import (
	"time"

	ical "github.com/arran4/golang-ical"

	"taskcal/internal/model"
)

const productName = "taskcal"

// stamp is the DTSTAMP source; tests pin it.
var stamp = time.Now

// Export renders materialized instances as a VTODO feed. Recurring
// instances share their definition id as UID and are told apart by a
// RECURRENCE-ID equal to their logical date, so clients can address a
// moved occurrence by its original slot.
func Export(instances []model.Occurrence, name string) string {
	cal := ical.NewCalendarFor(productName)
	cal.SetMethod(ical.MethodPublish)
	if name != "" {
		cal.SetName(name)
		cal.SetXWRCalName(name)
	}

	now := stamp().UTC()
	for _, occ := range instances {
		uid := occ.TaskID
		if occ.Recurring {
			uid = occ.DefinitionID
		}
		if uid == "" {
			continue
		}

		todo := cal.AddTodo(uid)
		todo.SetDtStampTime(now)
		todo.SetSummary(occ.Title)
		if occ.Description != "" {
			todo.SetDescription(occ.Description)
		}
		todo.SetStartAt(occ.Start)
		todo.SetDueAt(occ.Due)
		if occ.Priority > 0 {
			todo.SetPriority(occ.Priority)
		}
		if occ.Recurring {
			todo.SetProperty(ical.ComponentPropertyRecurrenceId, occ.LogicalDate.UTC().Format("20060102T150405Z"))
		}
		if occ.Completed {
			todo.SetStatus(ical.ObjectStatusCompleted)
		} else {
			todo.SetStatus(ical.ObjectStatusNeedsAction)
		}
	}
	return cal.Serialize()
}
