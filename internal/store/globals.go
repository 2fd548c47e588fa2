package store

import (
	"context"

	"github.com/restdeck/restdeck/internal/errdef"
	"github.com/restdeck/restdeck/internal/vars"
)

func (s *Store) Globals(ctx context.Context) ([]vars.Variable, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value, enabled FROM global_variables ORDER BY key`)
	if err != nil {
		return nil, errdef.Wrap(errdef.CodeStore, err, "load globals")
	}
	defer rows.Close()

	var out []vars.Variable
	for rows.Next() {
		var v vars.Variable
		var enabled int
		if err := rows.Scan(&v.Key, &v.Value, &enabled); err != nil {
			return nil, errdef.Wrap(errdef.CodeStore, err, "scan global")
		}
		v.Enabled = enabled != 0
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, errdef.Wrap(errdef.CodeStore, err, "iterate globals")
	}
	return out, nil
}

func (s *Store) SetGlobal(ctx context.Context, v vars.Variable) error {
	if err := s.ready(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO global_variables (key, value, enabled) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, enabled = excluded.enabled`,
		v.Key, v.Value, boolInt(v.Enabled))
	if err != nil {
		return errdef.Wrap(errdef.CodeStore, err, "set global %s", v.Key)
	}
	return nil
}

func (s *Store) DeleteGlobal(ctx context.Context, key string) error {
	if err := s.ready(); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM global_variables WHERE key = ?`, key); err != nil {
		return errdef.Wrap(errdef.CodeStore, err, "delete global %s", key)
	}
	return nil
}

// ReplaceGlobals rewrites the whole global scope. Last writer wins;
// concurrent runs folding mutations race by design on this single-user
// store.
func (s *Store) ReplaceGlobals(ctx context.Context, variables []vars.Variable) error {
	if err := s.ready(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errdef.Wrap(errdef.CodeStore, err, "begin replace globals")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM global_variables`); err != nil {
		return errdef.Wrap(errdef.CodeStore, err, "clear globals")
	}
	for _, v := range variables {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO global_variables (key, value, enabled) VALUES (?, ?, ?)`,
			v.Key, v.Value, boolInt(v.Enabled)); err != nil {
			return errdef.Wrap(errdef.CodeStore, err, "insert global %s", v.Key)
		}
	}
	if err := tx.Commit(); err != nil {
		return errdef.Wrap(errdef.CodeStore, err, "commit replace globals")
	}
	return nil
}
