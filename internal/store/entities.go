package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/roach88/lockstep/internal/protocol"
)

// Create inserts a new entity at version 0.
// Returns ErrAlreadyExists if the id is taken.
func (s *Store) Create(ctx context.Context, id string, state protocol.State) error {
	now := s.timestamp()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO entities (id, version, state, initial_state, created_at, updated_at)
		VALUES (?, 0, ?, ?, ?, ?)
	`, id, string(state), string(state), now, now)
	if isConstraint(err) {
		return fmt.Errorf("create entity %s: %w", id, ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("create entity %s: %w", id, err)
	}
	return nil
}

// Load returns the current record of an entity.
// Returns protocol.ErrNotFound for an unknown id.
func (s *Store) Load(ctx context.Context, id string) (Record, error) {
	rec := Record{ID: id}
	var state, initial string
	err := s.db.QueryRowContext(ctx, `
		SELECT version, state, initial_state FROM entities WHERE id = ?
	`, id).Scan(&rec.Version, &state, &initial)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, protocol.ErrNotFound.ForEntity(id)
	}
	if err != nil {
		return Record{}, fmt.Errorf("load entity %s: %w", id, err)
	}
	rec.State = protocol.State(state)
	rec.InitialState = protocol.State(initial)
	return rec, nil
}

// Commit writes every commit in one transaction.
//
// Each entity row is updated only if its stored version still equals
// Expected. If any compare fails the transaction rolls back and the error
// wraps protocol.ErrStorageRace.
func (s *Store) Commit(ctx context.Context, commits ...Commit) error {
	if len(commits) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin commit: %w", err)
	}
	defer tx.Rollback()

	now := s.timestamp()
	for _, c := range commits {
		if err := commitOne(ctx, tx, c, now); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func commitOne(ctx context.Context, tx *sql.Tx, c Commit, now string) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE entities SET version = ?, state = ?, updated_at = ?
		WHERE id = ? AND version = ?
	`, c.Version, string(c.State), now, c.EntityID, c.Expected)
	if err != nil {
		return fmt.Errorf("update entity %s: %w", c.EntityID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update entity %s: %w", c.EntityID, err)
	}
	if n == 0 {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM entities WHERE id = ?`, c.EntityID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return protocol.ErrNotFound.ForEntity(c.EntityID)
		}
		return protocol.ErrStorageRace.ForEntity(c.EntityID)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO audit_log (entity_id, version, actor, request_id, action, state_digest)
		VALUES (?, ?, ?, ?, ?, ?)
	`, c.EntityID, c.Audit.Version, c.Audit.Actor, nullString(c.Audit.RequestID),
		string(c.Audit.Action), c.Audit.StateDigest)
	if isConstraint(err) {
		return protocol.ErrStorageRace.ForEntity(c.EntityID)
	}
	if err != nil {
		return fmt.Errorf("append audit %s@%d: %w", c.EntityID, c.Audit.Version, err)
	}
	return nil
}

// ListEntities returns every entity id in ascending order.
func (s *Store) ListEntities(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM entities ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan entity id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Delete removes an entity and its audit log.
// Returns protocol.ErrNotFound for an unknown id.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM entities WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete entity %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete entity %s: %w", id, err)
	}
	if n == 0 {
		return protocol.ErrNotFound.ForEntity(id)
	}
	return nil
}

func (s *Store) timestamp() string {
	return s.now().UTC().Format(time.RFC3339Nano)
}

func isConstraint(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.Code == sqlite3.ErrConstraint
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
