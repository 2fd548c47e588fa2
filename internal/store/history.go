package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/restdeck/restdeck/internal/errdef"
)

// historyTimeLayout pads the fraction to a fixed width so that the
// column's lexicographic order is chronological; RFC3339Nano drops
// trailing zeros and breaks ordering within a second.
const historyTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// HistoryEntry is one append-only run record. Status is nil when the
// run never produced a response (transport failure).
type HistoryEntry struct {
	ID        string
	Method    string
	URL       string
	Timestamp time.Time
	Status    *int
	Duration  time.Duration
}

// AppendHistory inserts an entry and trims the table down to the
// retention cap, oldest first.
func (s *Store) AppendHistory(ctx context.Context, entry HistoryEntry) error {
	if err := s.ready(); err != nil {
		return err
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	var status interface{}
	if entry.Status != nil {
		status = *entry.Status
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO history (id, method, url, timestamp, status, duration)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.Method, entry.URL,
		entry.Timestamp.UTC().Format(historyTimeLayout),
		status, entry.Duration.Milliseconds())
	if err != nil {
		return errdef.Wrap(errdef.CodeStore, err, "append history")
	}

	_, err = s.db.ExecContext(ctx,
		`DELETE FROM history WHERE id NOT IN (
		   SELECT id FROM history ORDER BY timestamp DESC, id DESC LIMIT ?
		 )`, s.historyLimit)
	if err != nil {
		return errdef.Wrap(errdef.CodeStore, err, "trim history")
	}
	return nil
}

// History returns entries newest first, at most limit (or the retention
// cap when limit is zero or negative).
func (s *Store) History(ctx context.Context, limit int) ([]HistoryEntry, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > s.historyLimit {
		limit = s.historyLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, method, url, timestamp, status, duration
		 FROM history ORDER BY timestamp DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, errdef.Wrap(errdef.CodeStore, err, "load history")
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		var entry HistoryEntry
		var stamp string
		var status sql.NullInt64
		var durationMS int64
		if err := rows.Scan(&entry.ID, &entry.Method, &entry.URL, &stamp, &status, &durationMS); err != nil {
			return nil, errdef.Wrap(errdef.CodeStore, err, "scan history entry")
		}
		if entry.Timestamp, err = time.Parse(historyTimeLayout, stamp); err != nil {
			return nil, errdef.Wrap(errdef.CodeStore, err, "parse history timestamp")
		}
		if status.Valid {
			code := int(status.Int64)
			entry.Status = &code
		}
		entry.Duration = time.Duration(durationMS) * time.Millisecond
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, errdef.Wrap(errdef.CodeStore, err, "iterate history")
	}
	return out, nil
}

// ClearHistory wipes the table.
func (s *Store) ClearHistory(ctx context.Context) error {
	if err := s.ready(); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM history`); err != nil {
		return errdef.Wrap(errdef.CodeStore, err, "clear history")
	}
	return nil
}
