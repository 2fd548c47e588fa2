package store

import (
	"context"
	"encoding/json"

	"github.com/restdeck/restdeck/internal/errdef"
	"github.com/restdeck/restdeck/internal/vars"
)

type Environment struct {
	ID        string
	Name      string
	Variables []vars.Variable
	IsActive  bool
}

type envVarJSON struct {
	Key     string `json:"key"`
	Value   string `json:"value"`
	Enabled bool   `json:"enabled"`
}

func encodeEnvVars(variables []vars.Variable) (string, error) {
	out := make([]envVarJSON, 0, len(variables))
	for _, v := range variables {
		out = append(out, envVarJSON{Key: v.Key, Value: v.Value, Enabled: v.Enabled})
	}
	data, err := json.Marshal(out)
	if err != nil {
		return "", errdef.Wrap(errdef.CodeStore, err, "encode environment variables")
	}
	return string(data), nil
}

func decodeEnvVars(data string) ([]vars.Variable, error) {
	if data == "" {
		return nil, nil
	}
	var raw []envVarJSON
	if err := json.Unmarshal([]byte(data), &raw); err != nil {
		return nil, errdef.Wrap(errdef.CodeStore, err, "decode environment variables")
	}
	out := make([]vars.Variable, 0, len(raw))
	for _, v := range raw {
		out = append(out, vars.Variable{Key: v.Key, Value: v.Value, Enabled: v.Enabled})
	}
	return out, nil
}

func (s *Store) SaveEnvironment(ctx context.Context, env Environment) error {
	if err := s.ready(); err != nil {
		return err
	}
	encoded, err := encodeEnvVars(env.Variables)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO environments (id, name, variables_json, is_active)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		  name = excluded.name,
		  variables_json = excluded.variables_json,
		  is_active = excluded.is_active`,
		env.ID, env.Name, encoded, boolInt(env.IsActive))
	if err != nil {
		return errdef.Wrap(errdef.CodeStore, err, "save environment %s", env.ID)
	}
	return nil
}

func (s *Store) Environments(ctx context.Context) ([]Environment, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, variables_json, is_active FROM environments ORDER BY name`)
	if err != nil {
		return nil, errdef.Wrap(errdef.CodeStore, err, "load environments")
	}
	defer rows.Close()

	var out []Environment
	for rows.Next() {
		var env Environment
		var encoded string
		var active int
		if err := rows.Scan(&env.ID, &env.Name, &encoded, &active); err != nil {
			return nil, errdef.Wrap(errdef.CodeStore, err, "scan environment")
		}
		env.IsActive = active != 0
		if env.Variables, err = decodeEnvVars(encoded); err != nil {
			return nil, err
		}
		out = append(out, env)
	}
	if err := rows.Err(); err != nil {
		return nil, errdef.Wrap(errdef.CodeStore, err, "iterate environments")
	}
	return out, nil
}

// ActivateEnvironment flips the single active flag to the given id.
// Activating the already-active environment is a no-op; the one-active
// invariant is enforced here, inside a transaction, not by callers.
func (s *Store) ActivateEnvironment(ctx context.Context, id string) error {
	if err := s.ready(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errdef.Wrap(errdef.CodeStore, err, "begin activate")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE environments SET is_active = 1 WHERE id = ?`, id)
	if err != nil {
		return errdef.Wrap(errdef.CodeStore, err, "activate environment %s", id)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errdef.Wrap(errdef.CodeStore, err, "activate environment %s", id)
	}
	if affected == 0 {
		return errdef.New(errdef.CodeNotFound, "environment %s not found", id)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE environments SET is_active = 0 WHERE id != ?`, id); err != nil {
		return errdef.Wrap(errdef.CodeStore, err, "deactivate other environments")
	}
	if err := tx.Commit(); err != nil {
		return errdef.Wrap(errdef.CodeStore, err, "commit activate")
	}
	return nil
}

// ActiveEnvironment returns the active environment or nil when none is
// active.
func (s *Store) ActiveEnvironment(ctx context.Context) (*Environment, error) {
	envs, err := s.Environments(ctx)
	if err != nil {
		return nil, err
	}
	for i := range envs {
		if envs[i].IsActive {
			return &envs[i], nil
		}
	}
	return nil, nil
}

// ReplaceEnvironmentVariables rewrites the variable set of one
// environment, used when folding script mutations back in.
func (s *Store) ReplaceEnvironmentVariables(ctx context.Context, id string, variables []vars.Variable) error {
	if err := s.ready(); err != nil {
		return err
	}
	encoded, err := encodeEnvVars(variables)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE environments SET variables_json = ? WHERE id = ?`, encoded, id)
	if err != nil {
		return errdef.Wrap(errdef.CodeStore, err, "replace environment variables %s", id)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errdef.Wrap(errdef.CodeStore, err, "replace environment variables %s", id)
	}
	if affected == 0 {
		return errdef.New(errdef.CodeNotFound, "environment %s not found", id)
	}
	return nil
}

func (s *Store) DeleteEnvironment(ctx context.Context, id string) error {
	if err := s.ready(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM environments WHERE id = ?`, id)
	if err != nil {
		return errdef.Wrap(errdef.CodeStore, err, "delete environment %s", id)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errdef.Wrap(errdef.CodeStore, err, "delete environment %s", id)
	}
	if affected == 0 {
		return errdef.New(errdef.CodeNotFound, "environment %s not found", id)
	}
	return nil
}
