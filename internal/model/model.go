package model

import "time"

// Definition is the persistent parent of a recurring task. The natural
// occurrence set is a pure function of Start, RecurrenceRule, TimeZone and
// ExcludedOccurrences; Due only contributes the per-occurrence duration.
type Definition struct {
	ID          string
	Title       string
	Description string
	Priority    int
	SortOrder   int

	// Start / Due are absolute instants of the first occurrence.
	Start time.Time
	Due   time.Time

	// RecurrenceRule is an RFC 5545 RRULE body, with or without the
	// "RRULE:" prefix.
	RecurrenceRule string

	// TimeZone is the IANA zone in which the rule's wall-clock cadence is
	// evaluated.
	TimeZone string

	// ExcludedOccurrences holds natural starts of cancelled occurrences.
	ExcludedOccurrences []time.Time

	Overrides []Override
}

// Duration is invariant across all occurrences of the definition.
func (d Definition) Duration() time.Duration {
	return d.Due.Sub(d.Start)
}

// IsExcluded reports whether the natural start t has been cancelled.
func (d Definition) IsExcluded(t time.Time) bool {
	for _, ex := range d.ExcludedOccurrences {
		if ex.Equal(t) {
			return true
		}
	}
	return false
}

// Override customizes one occurrence of a Definition. Nil fields inherit
// from the parent.
type Override struct {
	ID       string
	ParentID string

	// NaturalKey is the un-overridden start of the customized occurrence.
	// It is fixed when the override is created and never recomputed from
	// Start, so the occurrence keeps its identity across reschedules.
	NaturalKey time.Time

	Start       *time.Time
	Due         *time.Time
	Title       *string
	Description *string
	Priority    *int

	CompletedAt *time.Time
}

// Key returns the identity under which the override is stored and looked up.
func (o Override) Key() OccurrenceKey {
	return KeyFor(o.ParentID, o.NaturalKey)
}

// Moves reports whether the override carries both an edited start and due,
// which is what makes it a candidate for drift recovery.
func (o Override) Moves() bool {
	return o.Start != nil && o.Due != nil
}

// OccurrenceKey is the value-typed identity of one occurrence:
// parent definition plus natural start. Instants are stored as unix
// nanoseconds so keys compare equal regardless of time.Location.
type OccurrenceKey struct {
	ParentID string
	At       int64
}

func KeyFor(parentID string, natural time.Time) OccurrenceKey {
	return OccurrenceKey{ParentID: parentID, At: natural.UnixNano()}
}

// Time returns the natural start encoded in the key, in UTC.
func (k OccurrenceKey) Time() time.Time {
	return time.Unix(0, k.At).UTC()
}

// Task is a plain, non-recurring task. The engine passes these through
// unchanged.
type Task struct {
	ID          string
	Title       string
	Description string
	Priority    int
	SortOrder   int
	Start       time.Time
	Due         time.Time
	CompletedAt *time.Time
}

// Occurrence is one materialized (never persisted) task instance.
// Recurring instances are addressed by (DefinitionID, LogicalDate);
// plain tasks carry TaskID and a zero LogicalDate.
type Occurrence struct {
	DefinitionID string
	TaskID       string
	OverrideID   string

	Title       string
	Description string
	Priority    int
	SortOrder   int

	Start time.Time
	Due   time.Time

	// LogicalDate is the natural start this instance descends from; it
	// equals the override's NaturalKey when an override is applied.
	LogicalDate time.Time

	Completed bool
	Recurring bool
}

// Key returns the addressable identity of a recurring instance.
func (o Occurrence) Key() OccurrenceKey {
	return KeyFor(o.DefinitionID, o.LogicalDate)
}

// FromTask wraps a plain task in the common output shape.
func FromTask(t Task) Occurrence {
	return Occurrence{
		TaskID:      t.ID,
		Title:       t.Title,
		Description: t.Description,
		Priority:    t.Priority,
		SortOrder:   t.SortOrder,
		Start:       t.Start,
		Due:         t.Due,
		Completed:   t.CompletedAt != nil,
	}
}

// Window is the [Start, End] query range in absolute time.
type Window struct {
	Start time.Time
	End   time.Time
}

// Overlaps reports whether an interval intersects the window. An interval
// that ends exactly at w.Start does not overlap.
func (w Window) Overlaps(start, due time.Time) bool {
	return !start.After(w.End) && due.After(w.Start)
}
