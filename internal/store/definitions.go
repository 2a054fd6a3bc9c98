package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	appLog "taskcal/internal/log"
	"taskcal/internal/model"
)

// Schedule is the part of a definition that determines its natural
// occurrence set.
type Schedule struct {
	Start          time.Time
	Due            time.Time
	RecurrenceRule string
	TimeZone       string
}

// validateDefinition checks def and truncates its instants to whole
// seconds, the resolution recurrence rules are evaluated at, so the first
// natural start always equals the stored start.
func validateDefinition(def *model.Definition) error {
	def.Start = def.Start.Truncate(time.Second)
	def.Due = def.Due.Truncate(time.Second)
	if len(def.ExcludedOccurrences) > 0 {
		excluded := make([]time.Time, len(def.ExcludedOccurrences))
		for i, ex := range def.ExcludedOccurrences {
			excluded[i] = ex.Truncate(time.Second)
		}
		def.ExcludedOccurrences = excluded
	}

	switch {
	case strings.TrimSpace(def.Title) == "":
		return fmt.Errorf("%w: title is required", ErrInvalidDefinition)
	case def.Start.IsZero() || def.Due.IsZero():
		return fmt.Errorf("%w: start and due are required", ErrInvalidDefinition)
	case def.Due.Before(def.Start):
		return fmt.Errorf("%w: due is before start", ErrInvalidDefinition)
	case strings.TrimSpace(def.RecurrenceRule) == "":
		return fmt.Errorf("%w: recurrence rule is required", ErrInvalidDefinition)
	}
	return nil
}

// CreateDefinition stores a new definition together with its exclusions.
// An empty ID is replaced by a fresh UUID. Overrides on def are ignored;
// use UpsertOverride.
func (s *Store) CreateDefinition(ctx context.Context, def model.Definition) (model.Definition, error) {
	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	if err := validateDefinition(&def); err != nil {
		return model.Definition{}, err
	}
	def.Overrides = nil

	err := s.inTx(ctx, false, func(tx *sql.Tx) error {
		return insertDefinition(ctx, tx, "", def, s.now())
	})
	if err != nil {
		return model.Definition{}, err
	}

	appLog.Info("definition created", "definition_id", def.ID, "rrule", def.RecurrenceRule, "timezone", def.TimeZone)
	return def, nil
}

func insertDefinition(ctx context.Context, tx *sql.Tx, source string, def model.Definition, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO definitions
			(id, source, title, description, priority, sort_order, start_at, due_at, rrule, time_zone, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		def.ID, source, def.Title, def.Description, def.Priority, def.SortOrder,
		toNanos(def.Start), toNanos(def.Due), def.RecurrenceRule, def.TimeZone,
		toNanos(now), toNanos(now),
	)
	if err != nil {
		return fmt.Errorf("store: insert definition %s: %w", def.ID, err)
	}

	return insertExclusions(ctx, tx, def.ID, def.ExcludedOccurrences, source != "")
}

// insertExclusions adds exclusions for id. Existing rows keep their
// origin, so a local cancellation is never downgraded to an imported one.
func insertExclusions(ctx context.Context, tx *sql.Tx, id string, at []time.Time, imported bool) error {
	for _, ex := range at {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO exclusions (definition_id, occurrence_at, imported) VALUES (?, ?, ?)`,
			id, toNanos(ex), imported,
		); err != nil {
			return fmt.Errorf("store: insert exclusion for %s: %w", id, err)
		}
	}
	return nil
}

// GetDefinition loads one definition with its overrides and exclusions.
func (s *Store) GetDefinition(ctx context.Context, id string) (model.Definition, error) {
	var def model.Definition
	err := s.inTx(ctx, true, func(tx *sql.Tx) error {
		defs, err := loadDefinitions(ctx, tx, "WHERE id = ?", id)
		if err != nil {
			return err
		}
		if len(defs) == 0 {
			return fmt.Errorf("%w: definition %s", ErrNotFound, id)
		}
		def = defs[0]
		return nil
	})
	return def, err
}

// DeleteDefinition removes a definition; its overrides and exclusions
// go with it.
func (s *Store) DeleteDefinition(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM definitions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete definition %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: definition %s", ErrNotFound, id)
	}
	appLog.Info("definition deleted", "definition_id", id)
	return nil
}

// UpdateSchedule replaces a definition's schedule. Changing the start
// instant or the rule changes every natural occurrence key, so all of
// the definition's overrides are cleared in the same transaction. It
// returns the number of overrides removed.
func (s *Store) UpdateSchedule(ctx context.Context, id string, sched Schedule) (int, error) {
	candidate := model.Definition{
		ID:             id,
		Title:          "-",
		Start:          sched.Start,
		Due:            sched.Due,
		RecurrenceRule: sched.RecurrenceRule,
	}
	if err := validateDefinition(&candidate); err != nil {
		return 0, err
	}
	sched.Start, sched.Due = candidate.Start, candidate.Due

	cleared := 0
	err := s.inTx(ctx, false, func(tx *sql.Tx) error {
		var (
			startAt int64
			rule    string
		)
		err := tx.QueryRowContext(ctx, `SELECT start_at, rrule FROM definitions WHERE id = ?`, id).Scan(&startAt, &rule)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: definition %s", ErrNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("store: load definition %s: %w", id, err)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE definitions
			SET start_at = ?, due_at = ?, rrule = ?, time_zone = ?, updated_at = ?
			WHERE id = ?`,
			toNanos(sched.Start), toNanos(sched.Due), sched.RecurrenceRule, sched.TimeZone, toNanos(s.now()), id,
		); err != nil {
			return fmt.Errorf("store: update definition %s: %w", id, err)
		}

		if startAt == toNanos(sched.Start) && rule == sched.RecurrenceRule {
			return nil
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM overrides WHERE parent_id = ?`, id)
		if err != nil {
			return fmt.Errorf("store: clear overrides of %s: %w", id, err)
		}
		n, _ := res.RowsAffected()
		cleared = int(n)
		return nil
	})
	if err != nil {
		return 0, err
	}

	appLog.Info("definition schedule updated", "definition_id", id, "rrule", sched.RecurrenceRule, "overrides_cleared", cleared)
	return cleared, nil
}

// CancelOccurrence excludes the occurrence whose natural start is natural.
// Cancelling twice is a no-op. A cancellation is local and survives feed
// refreshes even if the feed also excluded the same start.
func (s *Store) CancelOccurrence(ctx context.Context, parentID string, natural time.Time) error {
	if natural.IsZero() {
		return ErrInvalidKey
	}
	natural = natural.Truncate(time.Second)
	err := s.inTx(ctx, false, func(tx *sql.Tx) error {
		if err := definitionExists(ctx, tx, parentID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO exclusions (definition_id, occurrence_at, imported) VALUES (?, ?, 0)
			ON CONFLICT (definition_id, occurrence_at) DO UPDATE SET imported = 0`,
			parentID, toNanos(natural),
		)
		if err != nil {
			return fmt.Errorf("store: cancel occurrence: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	appLog.Info("occurrence cancelled", "definition_id", parentID, "logical_date", natural)
	return nil
}

func definitionExists(ctx context.Context, tx *sql.Tx, id string) error {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM definitions WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: definition %s", ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("store: lookup definition %s: %w", id, err)
	}
	return nil
}

// loadDefinitions reads definitions matching where (may be empty) and
// attaches their exclusions and overrides, ordered by id.
func loadDefinitions(ctx context.Context, tx *sql.Tx, where string, args ...any) ([]model.Definition, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, title, description, priority, sort_order, start_at, due_at, rrule, time_zone
		FROM definitions `+where+` ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query definitions: %w", err)
	}
	defer rows.Close()

	defs := make([]model.Definition, 0)
	byID := make(map[string]int)
	for rows.Next() {
		var (
			def          model.Definition
			startAt, due int64
		)
		if err := rows.Scan(&def.ID, &def.Title, &def.Description, &def.Priority, &def.SortOrder,
			&startAt, &due, &def.RecurrenceRule, &def.TimeZone); err != nil {
			return nil, fmt.Errorf("store: scan definition: %w", err)
		}
		def.Start = fromNanos(startAt)
		def.Due = fromNanos(due)
		byID[def.ID] = len(defs)
		defs = append(defs, def)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate definitions: %w", err)
	}
	if len(defs) == 0 {
		return defs, nil
	}

	if err := attachExclusions(ctx, tx, defs, byID); err != nil {
		return nil, err
	}
	if err := attachOverrides(ctx, tx, defs, byID); err != nil {
		return nil, err
	}
	return defs, nil
}

func attachExclusions(ctx context.Context, tx *sql.Tx, defs []model.Definition, byID map[string]int) error {
	rows, err := tx.QueryContext(ctx, `SELECT definition_id, occurrence_at FROM exclusions ORDER BY definition_id, occurrence_at`)
	if err != nil {
		return fmt.Errorf("store: query exclusions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id string
			at int64
		)
		if err := rows.Scan(&id, &at); err != nil {
			return fmt.Errorf("store: scan exclusion: %w", err)
		}
		if i, ok := byID[id]; ok {
			defs[i].ExcludedOccurrences = append(defs[i].ExcludedOccurrences, fromNanos(at))
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("store: iterate exclusions: %w", err)
	}
	return nil
}

func attachOverrides(ctx context.Context, tx *sql.Tx, defs []model.Definition, byID map[string]int) error {
	rows, err := tx.QueryContext(ctx, overrideColumns+` ORDER BY parent_id, natural_key`)
	if err != nil {
		return fmt.Errorf("store: query overrides: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		ov, err := scanOverride(rows)
		if err != nil {
			return err
		}
		if i, ok := byID[ov.ParentID]; ok {
			defs[i].Overrides = append(defs[i].Overrides, ov)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("store: iterate overrides: %w", err)
	}
	return nil
}
