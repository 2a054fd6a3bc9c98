// Package recurrence materializes recurring task definitions into concrete
// instances for a query window.
//
// The pipeline is Expand -> Merge -> RecoverMoved, orchestrated by
// Assemble. Every stage is a pure function of its inputs: nothing is
// cached between calls and an Engine may be shared by concurrent callers.
package recurrence

import (
	"errors"
	"fmt"
	"time"

	appLog "taskcal/internal/log"
	"taskcal/internal/model"
)

const (
	defaultMaxOccurrencesPerDefinition = 5000
)

// ErrInvalidWindow is returned when a window ends before it starts.
var ErrInvalidWindow = errors.New("recurrence: window end is before window start")

var (
	errEmptyRule    = errors.New("empty rule")
	errMissingStart = errors.New("definition has no start instant")
)

// Options controls how an Engine expands definitions.
type Options struct {
	// DefaultLocation is used when a definition's TimeZone is empty or
	// cannot be loaded. If nil, time.Local is used.
	DefaultLocation *time.Location

	// MaxOccurrencesPerDefinition caps how many natural occurrences a
	// single definition may produce for one window. If zero,
	// defaultMaxOccurrencesPerDefinition is used.
	MaxOccurrencesPerDefinition int
}

// Engine is the recurring-task instance materialization engine.
type Engine struct {
	defaultLoc *time.Location
	maxPerDef  int
}

// New builds an Engine from opts, filling zero values with defaults.
func New(opts Options) *Engine {
	if opts.DefaultLocation == nil {
		opts.DefaultLocation = time.Local
	}
	if opts.MaxOccurrencesPerDefinition <= 0 {
		opts.MaxOccurrencesPerDefinition = defaultMaxOccurrencesPerDefinition
	}
	return &Engine{
		defaultLoc: opts.DefaultLocation,
		maxPerDef:  opts.MaxOccurrencesPerDefinition,
	}
}

// RuleError reports a recurrence rule that could not be parsed.
type RuleError struct {
	DefinitionID string
	Rule         string
	Err          error
}

func (e *RuleError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("definition %s: invalid recurrence rule %q: %v", e.DefinitionID, e.Rule, e.Err)
}

func (e *RuleError) Unwrap() error { return e.Err }

// Failure is a per-definition problem that did not stop the batch.
type Failure struct {
	DefinitionID string
	Err          error
}

// Report collects the local, recoverable problems met while expanding a
// batch of definitions.
type Report struct {
	// Failures lists definitions that contributed no occurrences.
	Failures []Failure
	// Truncated lists definitions that hit the per-definition cap.
	Truncated []string
	// ZoneFallbacks lists definitions whose TimeZone could not be loaded
	// and were evaluated in the default location instead.
	ZoneFallbacks []string
}

func (r *Report) failed(id string) bool {
	for _, f := range r.Failures {
		if f.DefinitionID == id {
			return true
		}
	}
	return false
}

// location resolves the zone a definition's rule is evaluated in. A bad
// stored zone degrades to the default location instead of failing.
func (e *Engine) location(def *model.Definition) (*time.Location, bool) {
	if def.TimeZone == "" {
		return e.defaultLoc, true
	}
	loc, err := time.LoadLocation(def.TimeZone)
	if err != nil {
		appLog.Warn("recurrence: unknown timezone; using default",
			"definition_id", def.ID,
			"timezone", def.TimeZone,
			"default", e.defaultLoc.String(),
		)
		return e.defaultLoc, false
	}
	return loc, true
}

func validateWindow(w model.Window) error {
	if w.End.Before(w.Start) {
		return fmt.Errorf("%w: [%s, %s]", ErrInvalidWindow,
			w.Start.Format(time.RFC3339), w.End.Format(time.RFC3339))
	}
	return nil
}

// Validate reports whether def can be expanded: its rule must parse and
// its zone, when set, must load. Definitions are expanded regardless;
// this lets write paths reject bad input early.
func Validate(def *model.Definition) error {
	loc := time.UTC
	if def.TimeZone != "" {
		l, err := time.LoadLocation(def.TimeZone)
		if err != nil {
			return fmt.Errorf("definition %s: timezone %q: %w", def.ID, def.TimeZone, err)
		}
		loc = l
	}
	_, err := buildRuleSet(def, loc)
	return err
}
