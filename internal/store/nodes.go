package store

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/restdeck/restdeck/internal/collection"
	"github.com/restdeck/restdeck/internal/errdef"
	"github.com/restdeck/restdeck/internal/vars"
)

// SaveCollection upserts a collection row and rewrites its variable
// set.
func (s *Store) SaveCollection(ctx context.Context, node *collection.Node) error {
	if err := s.ready(); err != nil {
		return err
	}
	if node.Kind != collection.KindCollection {
		return errdef.New(errdef.CodeStore, "node %s is not a collection", node.ID)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errdef.Wrap(errdef.CodeStore, err, "begin save collection")
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO collections (id, name, parent_id, description)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name, description = excluded.description`,
		node.ID, node.Name, nullable(node.ParentID), node.Description)
	if err != nil {
		return errdef.Wrap(errdef.CodeStore, err, "save collection %s", node.ID)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM variables WHERE collection_id = ?`, node.ID); err != nil {
		return errdef.Wrap(errdef.CodeStore, err, "clear collection variables")
	}
	for _, v := range node.Variables {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO variables (collection_id, name, value, enabled) VALUES (?, ?, ?, ?)`,
			node.ID, v.Key, v.Value, boolInt(v.Enabled))
		if err != nil {
			return errdef.Wrap(errdef.CodeStore, err, "save collection variable %s", v.Key)
		}
	}
	if err := tx.Commit(); err != nil {
		return errdef.Wrap(errdef.CodeStore, err, "commit save collection")
	}
	return nil
}

// SaveNode upserts a folder or request row. Folders persist with
// placeholder method/url, discriminated by the type column.
func (s *Store) SaveNode(ctx context.Context, node *collection.Node) error {
	if err := s.ready(); err != nil {
		return err
	}
	if node.Kind == collection.KindCollection {
		return s.SaveCollection(ctx, node)
	}

	headers, err := json.Marshal(node.Headers)
	if err != nil {
		return errdef.Wrap(errdef.CodeStore, err, "encode headers")
	}
	params, err := json.Marshal(node.Params)
	if err != nil {
		return errdef.Wrap(errdef.CodeStore, err, "encode params")
	}
	var auth interface{}
	if node.Auth != nil {
		encoded, err := json.Marshal(node.Auth)
		if err != nil {
			return errdef.Wrap(errdef.CodeStore, err, "encode auth")
		}
		auth = string(encoded)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO requests
		 (id, collection_id, parent_id, type, name, method, url, body,
		  headers, params, auth, pre_request_script, test_script, description)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		  collection_id = excluded.collection_id,
		  parent_id = excluded.parent_id,
		  type = excluded.type,
		  name = excluded.name,
		  method = excluded.method,
		  url = excluded.url,
		  body = excluded.body,
		  headers = excluded.headers,
		  params = excluded.params,
		  auth = excluded.auth,
		  pre_request_script = excluded.pre_request_script,
		  test_script = excluded.test_script,
		  description = excluded.description`,
		node.ID, node.CollectionID, nullable(node.ParentID), string(node.Kind),
		node.Name, node.Method, node.URL, node.Body,
		string(headers), string(params), auth,
		node.PreRequestScript, node.TestScript, node.Description)
	if err != nil {
		return errdef.Wrap(errdef.CodeStore, err, "save node %s", node.ID)
	}
	return nil
}

// DeleteNodes removes the given ids from both tables, mirroring a
// cascade computed by the forest.
func (s *Store) DeleteNodes(ctx context.Context, ids []string) error {
	if err := s.ready(); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errdef.Wrap(errdef.CodeStore, err, "begin delete")
	}
	defer tx.Rollback()

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM requests WHERE id = ?`, id); err != nil {
			return errdef.Wrap(errdef.CodeStore, err, "delete node %s", id)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM collections WHERE id = ?`, id); err != nil {
			return errdef.Wrap(errdef.CodeStore, err, "delete collection %s", id)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM variables WHERE collection_id = ?`, id); err != nil {
			return errdef.Wrap(errdef.CodeStore, err, "delete collection variables %s", id)
		}
	}
	if err := tx.Commit(); err != nil {
		return errdef.Wrap(errdef.CodeStore, err, "commit delete")
	}
	return nil
}

// SaveForest persists every row of the forest. Used after bulk
// operations such as duplicate.
func (s *Store) SaveForest(ctx context.Context, forest *collection.Forest) error {
	if err := s.ready(); err != nil {
		return err
	}
	for _, row := range forest.Flatten() {
		if err := s.SaveNode(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

// LoadForest reads the flat tables and rebuilds the forest. Integrity
// faults (cycles, unresolvable owners) surface as errors from Build.
func (s *Store) LoadForest(ctx context.Context) (*collection.Forest, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	rows := []*collection.Node{}

	collRows, err := s.db.QueryContext(ctx,
		`SELECT id, name, COALESCE(parent_id, ''), description FROM collections ORDER BY name`)
	if err != nil {
		return nil, errdef.Wrap(errdef.CodeStore, err, "load collections")
	}
	defer collRows.Close()
	for collRows.Next() {
		node := &collection.Node{Kind: collection.KindCollection}
		if err := collRows.Scan(&node.ID, &node.Name, &node.ParentID, &node.Description); err != nil {
			return nil, errdef.Wrap(errdef.CodeStore, err, "scan collection")
		}
		rows = append(rows, node)
	}
	if err := collRows.Err(); err != nil {
		return nil, errdef.Wrap(errdef.CodeStore, err, "iterate collections")
	}

	byCollection := map[string][]vars.Variable{}
	varRows, err := s.db.QueryContext(ctx,
		`SELECT collection_id, name, value, enabled FROM variables ORDER BY id`)
	if err != nil {
		return nil, errdef.Wrap(errdef.CodeStore, err, "load variables")
	}
	defer varRows.Close()
	for varRows.Next() {
		var owner string
		var v vars.Variable
		var enabled int
		if err := varRows.Scan(&owner, &v.Key, &v.Value, &enabled); err != nil {
			return nil, errdef.Wrap(errdef.CodeStore, err, "scan variable")
		}
		v.Enabled = enabled != 0
		byCollection[owner] = append(byCollection[owner], v)
	}
	if err := varRows.Err(); err != nil {
		return nil, errdef.Wrap(errdef.CodeStore, err, "iterate variables")
	}
	for _, node := range rows {
		node.Variables = byCollection[node.ID]
	}

	reqRows, err := s.db.QueryContext(ctx,
		`SELECT id, collection_id, COALESCE(parent_id, ''), type, name, method, url, body,
		        headers, params, auth, pre_request_script, test_script, description
		 FROM requests ORDER BY name`)
	if err != nil {
		return nil, errdef.Wrap(errdef.CodeStore, err, "load requests")
	}
	defer reqRows.Close()
	for reqRows.Next() {
		node := &collection.Node{}
		var kind, headers, params string
		var auth sql.NullString
		if err := reqRows.Scan(
			&node.ID, &node.CollectionID, &node.ParentID, &kind, &node.Name,
			&node.Method, &node.URL, &node.Body, &headers, &params, &auth,
			&node.PreRequestScript, &node.TestScript, &node.Description,
		); err != nil {
			return nil, errdef.Wrap(errdef.CodeStore, err, "scan request")
		}
		node.Kind = collection.Kind(kind)
		if err := json.Unmarshal([]byte(headers), &node.Headers); err != nil {
			return nil, errdef.Wrap(errdef.CodeStore, err, "decode headers for %s", node.ID)
		}
		if err := json.Unmarshal([]byte(params), &node.Params); err != nil {
			return nil, errdef.Wrap(errdef.CodeStore, err, "decode params for %s", node.ID)
		}
		if auth.Valid && auth.String != "" {
			spec := &collection.AuthSpec{}
			if err := json.Unmarshal([]byte(auth.String), spec); err != nil {
				return nil, errdef.Wrap(errdef.CodeStore, err, "decode auth for %s", node.ID)
			}
			node.Auth = spec
		}
		rows = append(rows, node)
	}
	if err := reqRows.Err(); err != nil {
		return nil, errdef.Wrap(errdef.CodeStore, err, "iterate requests")
	}

	return collection.Build(rows)
}

// CollectionVariables reads one collection's variable list without
// loading the whole forest.
func (s *Store) CollectionVariables(ctx context.Context, collectionID string) ([]vars.Variable, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, value, enabled FROM variables WHERE collection_id = ? ORDER BY id`,
		collectionID)
	if err != nil {
		return nil, errdef.Wrap(errdef.CodeStore, err, "load collection variables")
	}
	defer rows.Close()

	var out []vars.Variable
	for rows.Next() {
		var v vars.Variable
		var enabled int
		if err := rows.Scan(&v.Key, &v.Value, &enabled); err != nil {
			return nil, errdef.Wrap(errdef.CodeStore, err, "scan collection variable")
		}
		v.Enabled = enabled != 0
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, errdef.Wrap(errdef.CodeStore, err, "iterate collection variables")
	}
	return out, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
