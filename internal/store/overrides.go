package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	appLog "taskcal/internal/log"
	"taskcal/internal/model"
)

// OverridePatch carries the fields of one occurrence edit. Nil fields
// leave the stored value untouched (or inherited, for a new override).
type OverridePatch struct {
	Start       *time.Time
	Due         *time.Time
	Title       *string
	Description *string
	Priority    *int
	CompletedAt *time.Time
}

const overrideColumns = `
	SELECT id, parent_id, natural_key, start_at, due_at, title, description, priority, completed_at
	FROM overrides`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOverride(row rowScanner) (model.Override, error) {
	var (
		ov                              model.Override
		natural                         int64
		startAt, dueAt, prio, completed sql.NullInt64
		title, description              sql.NullString
	)
	if err := row.Scan(&ov.ID, &ov.ParentID, &natural, &startAt, &dueAt, &title, &description, &prio, &completed); err != nil {
		return model.Override{}, fmt.Errorf("store: scan override: %w", err)
	}
	ov.NaturalKey = fromNanos(natural)
	ov.Start = timePtr(startAt)
	ov.Due = timePtr(dueAt)
	ov.Title = stringPtr(title)
	ov.Description = stringPtr(description)
	ov.Priority = intPtr(prio)
	ov.CompletedAt = timePtr(completed)
	return ov, nil
}

// UpsertOverride creates the override for (parentID, natural) on first
// edit and updates it in place afterwards. natural is the occurrence's
// logical date as reported by the engine; it is never derived from the
// edited start, so repeated reschedules keep hitting the same row. An
// edited override is owned locally from then on and survives refreshes
// of the feed it came from.
func (s *Store) UpsertOverride(ctx context.Context, parentID string, natural time.Time, p OverridePatch) (model.Override, error) {
	if natural.IsZero() {
		return model.Override{}, ErrInvalidKey
	}
	natural = natural.Truncate(time.Second)

	var out model.Override
	err := s.inTx(ctx, false, func(tx *sql.Tx) error {
		if err := definitionExists(ctx, tx, parentID); err != nil {
			return err
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO overrides
				(id, parent_id, natural_key, start_at, due_at, title, description, priority, completed_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (parent_id, natural_key) DO UPDATE SET
				start_at     = COALESCE(excluded.start_at, overrides.start_at),
				due_at       = COALESCE(excluded.due_at, overrides.due_at),
				title        = COALESCE(excluded.title, overrides.title),
				description  = COALESCE(excluded.description, overrides.description),
				priority     = COALESCE(excluded.priority, overrides.priority),
				completed_at = COALESCE(excluded.completed_at, overrides.completed_at),
				imported     = 0,
				updated_at   = excluded.updated_at`,
			uuid.NewString(), parentID, toNanos(natural),
			nullTime(p.Start), nullTime(p.Due), nullString(p.Title), nullString(p.Description),
			nullInt(p.Priority), nullTime(p.CompletedAt), toNanos(s.now()),
		)
		if err != nil {
			return fmt.Errorf("store: upsert override: %w", err)
		}

		row := tx.QueryRowContext(ctx, overrideColumns+` WHERE parent_id = ? AND natural_key = ?`, parentID, toNanos(natural))
		out, err = scanOverride(row)
		return err
	})
	if err != nil {
		return model.Override{}, err
	}

	appLog.Info("override saved",
		"override_id", out.ID,
		"definition_id", parentID,
		"logical_date", natural,
		"moved", out.Moves(),
		"completed", out.CompletedAt != nil,
	)
	return out, nil
}

// CompleteOccurrence marks one occurrence complete at the given time.
func (s *Store) CompleteOccurrence(ctx context.Context, parentID string, natural, at time.Time) (model.Override, error) {
	return s.UpsertOverride(ctx, parentID, natural, OverridePatch{CompletedAt: &at})
}
