package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	appLog "taskcal/internal/log"
	"taskcal/internal/model"
)

// Snapshot returns every definition with overrides and exclusions
// attached, plus the open plain tasks, read in one transaction so the
// engine never sees a half-applied override set.
func (s *Store) Snapshot(ctx context.Context) ([]model.Definition, []model.Task, error) {
	var (
		defs  []model.Definition
		tasks []model.Task
	)
	err := s.inTx(ctx, true, func(tx *sql.Tx) error {
		var err error
		if defs, err = loadDefinitions(ctx, tx, ""); err != nil {
			return err
		}
		tasks, err = loadOpenTasks(ctx, tx)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return defs, tasks, nil
}

// ReplaceImported brings everything stored for source in line with defs
// and tasks in a single transaction. Definitions and tasks the feed no
// longer carries are removed. For the rest, feed-owned overrides and
// exclusions are replaced while local edits, completions and
// cancellations are kept; a changed start or rule clears every override
// of the definition, as UpdateSchedule does. Local completion of an
// imported task survives too.
func (s *Store) ReplaceImported(ctx context.Context, source string, defs []model.Definition, tasks []model.Task) error {
	if source == "" {
		return fmt.Errorf("store: import source is empty")
	}
	now := s.now()
	var stats importStats

	err := s.inTx(ctx, false, func(tx *sql.Tx) error {
		existing, err := importedSchedules(ctx, tx, source)
		if err != nil {
			return err
		}

		keep := make([]string, 0, len(defs))
		for _, def := range defs {
			if err := validateDefinition(&def); err != nil {
				appLog.Warn("store: skipping invalid imported definition", "source", source, "definition_id", def.ID, "reason", err.Error())
				continue
			}
			prev, ok := existing[def.ID]
			if !ok {
				if err := definitionExists(ctx, tx, def.ID); err == nil {
					appLog.Warn("store: imported definition collides with another source", "source", source, "definition_id", def.ID)
					continue
				}
				if err := insertDefinition(ctx, tx, source, def, now); err != nil {
					return err
				}
				stats.added++
			} else {
				cleared, err := refreshDefinition(ctx, tx, def, prev, now)
				if err != nil {
					return err
				}
				stats.updated++
				stats.cleared += cleared
			}
			for _, ov := range def.Overrides {
				if err := insertImportedOverride(ctx, tx, def.ID, ov, now); err != nil {
					return err
				}
			}
			keep = append(keep, def.ID)
		}

		removed, err := deleteMissing(ctx, tx, "definitions", source, keep)
		if err != nil {
			return err
		}
		stats.removed = removed

		taskIDs := make([]string, 0, len(tasks))
		for _, t := range tasks {
			if err := upsertImportedTask(ctx, tx, source, t, now); err != nil {
				return err
			}
			taskIDs = append(taskIDs, t.ID)
		}
		_, err = deleteMissing(ctx, tx, "tasks", source, taskIDs)
		return err
	})
	if err != nil {
		return err
	}

	appLog.Info("import stored",
		"source", source,
		"definitions", len(defs),
		"added", stats.added,
		"updated", stats.updated,
		"removed", stats.removed,
		"overrides_cleared", stats.cleared,
		"tasks", len(tasks),
	)
	return nil
}

type importStats struct {
	added, updated, removed, cleared int
}

type schedule struct {
	startAt int64
	rule    string
}

func importedSchedules(ctx context.Context, tx *sql.Tx, source string) (map[string]schedule, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id, start_at, rrule FROM definitions WHERE source = ?`, source)
	if err != nil {
		return nil, fmt.Errorf("store: query imported definitions: %w", err)
	}
	defer rows.Close()

	out := make(map[string]schedule)
	for rows.Next() {
		var (
			id string
			sc schedule
		)
		if err := rows.Scan(&id, &sc.startAt, &sc.rule); err != nil {
			return nil, fmt.Errorf("store: scan imported definition: %w", err)
		}
		out[id] = sc
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate imported definitions: %w", err)
	}
	return out, nil
}

// refreshDefinition updates an already imported definition from its feed
// copy and returns how many overrides a schedule change cleared.
func refreshDefinition(ctx context.Context, tx *sql.Tx, def model.Definition, prev schedule, now time.Time) (int, error) {
	if _, err := tx.ExecContext(ctx, `
		UPDATE definitions
		SET title = ?, description = ?, priority = ?, sort_order = ?,
			start_at = ?, due_at = ?, rrule = ?, time_zone = ?, updated_at = ?
		WHERE id = ?`,
		def.Title, def.Description, def.Priority, def.SortOrder,
		toNanos(def.Start), toNanos(def.Due), def.RecurrenceRule, def.TimeZone, toNanos(now),
		def.ID,
	); err != nil {
		return 0, fmt.Errorf("store: update imported definition %s: %w", def.ID, err)
	}

	cleared := 0
	if prev.startAt == toNanos(def.Start) && prev.rule == def.RecurrenceRule {
		if _, err := tx.ExecContext(ctx, `DELETE FROM overrides WHERE parent_id = ? AND imported = 1`, def.ID); err != nil {
			return 0, fmt.Errorf("store: clear imported overrides of %s: %w", def.ID, err)
		}
	} else {
		res, err := tx.ExecContext(ctx, `DELETE FROM overrides WHERE parent_id = ?`, def.ID)
		if err != nil {
			return 0, fmt.Errorf("store: clear overrides of %s: %w", def.ID, err)
		}
		n, _ := res.RowsAffected()
		cleared = int(n)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM exclusions WHERE definition_id = ? AND imported = 1`, def.ID); err != nil {
		return 0, fmt.Errorf("store: clear imported exclusions of %s: %w", def.ID, err)
	}
	if err := insertExclusions(ctx, tx, def.ID, def.ExcludedOccurrences, true); err != nil {
		return 0, err
	}
	return cleared, nil
}

// deleteMissing removes the rows of table owned by source whose id is
// not in keep. table is one of the store's own table names.
func deleteMissing(ctx context.Context, tx *sql.Tx, table, source string, keep []string) (int, error) {
	query := `DELETE FROM ` + table + ` WHERE source = ?`
	args := []any{source}
	if len(keep) > 0 {
		query += ` AND id NOT IN (?` + strings.Repeat(", ?", len(keep)-1) + `)`
		for _, id := range keep {
			args = append(args, id)
		}
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("store: remove stale %s of %s: %w", table, source, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func upsertImportedTask(ctx context.Context, tx *sql.Tx, source string, t model.Task, now time.Time) error {
	if t.Due.IsZero() {
		t.Due = t.Start
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO tasks
			(id, source, title, description, priority, sort_order, start_at, due_at, completed_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			title        = excluded.title,
			description  = excluded.description,
			priority     = excluded.priority,
			sort_order   = excluded.sort_order,
			start_at     = excluded.start_at,
			due_at       = excluded.due_at,
			completed_at = COALESCE(tasks.completed_at, excluded.completed_at)
		WHERE tasks.source = excluded.source`,
		t.ID, source, t.Title, t.Description, t.Priority, t.SortOrder,
		toNanos(t.Start), toNanos(t.Due), nullTime(t.CompletedAt), toNanos(now),
	)
	if err != nil {
		return fmt.Errorf("store: upsert imported task %s: %w", t.ID, err)
	}
	return nil
}

// insertImportedOverride stores a feed override. If the occurrence
// already has a local override, the local fields win and the feed only
// fills what the user left unset.
func insertImportedOverride(ctx context.Context, tx *sql.Tx, parentID string, ov model.Override, now time.Time) error {
	if ov.ID == "" {
		return fmt.Errorf("store: imported override for %s has no id", parentID)
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO overrides
			(id, parent_id, natural_key, start_at, due_at, title, description, priority, completed_at, imported, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?)
		ON CONFLICT (parent_id, natural_key) DO UPDATE SET
			start_at     = COALESCE(overrides.start_at, excluded.start_at),
			due_at       = COALESCE(overrides.due_at, excluded.due_at),
			title        = COALESCE(overrides.title, excluded.title),
			description  = COALESCE(overrides.description, excluded.description),
			priority     = COALESCE(overrides.priority, excluded.priority),
			completed_at = COALESCE(overrides.completed_at, excluded.completed_at)`,
		ov.ID, parentID, toNanos(ov.NaturalKey),
		nullTime(ov.Start), nullTime(ov.Due), nullString(ov.Title), nullString(ov.Description),
		nullInt(ov.Priority), nullTime(ov.CompletedAt), now.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("store: insert imported override %s: %w", ov.ID, err)
	}
	return nil
}
