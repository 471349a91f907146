package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/lockstep/internal/protocol"
)

// AuditLog returns the accepted actions of an entity in version order.
// An entity with no accepted actions has an empty log; an unknown entity
// is protocol.ErrNotFound.
func (s *Store) AuditLog(ctx context.Context, id string) ([]protocol.AuditEntry, error) {
	if _, err := s.Load(ctx, id); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT version, actor, request_id, action, state_digest
		FROM audit_log
		WHERE entity_id = ?
		ORDER BY version ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query audit log %s: %w", id, err)
	}
	defer rows.Close()

	entries := []protocol.AuditEntry{}
	for rows.Next() {
		e, err := scanAudit(rows)
		if err != nil {
			return nil, fmt.Errorf("scan audit entry %s: %w", id, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// FindRequest looks up the audit entry an earlier attempt of requestID
// produced. The bool is false when no such entry exists.
func (s *Store) FindRequest(ctx context.Context, id, requestID string) (protocol.AuditEntry, bool, error) {
	if requestID == "" {
		return protocol.AuditEntry{}, false, nil
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT version, actor, request_id, action, state_digest
		FROM audit_log
		WHERE entity_id = ? AND request_id = ?
	`, id, requestID)
	e, err := scanAudit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return protocol.AuditEntry{}, false, nil
	}
	if err != nil {
		return protocol.AuditEntry{}, false, fmt.Errorf("find request %s/%s: %w", id, requestID, err)
	}
	return e, true, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAudit(row scanner) (protocol.AuditEntry, error) {
	var (
		e         protocol.AuditEntry
		requestID sql.NullString
		action    string
	)
	if err := row.Scan(&e.Version, &e.Actor, &requestID, &action, &e.StateDigest); err != nil {
		return protocol.AuditEntry{}, err
	}
	e.RequestID = requestID.String
	e.Action = protocol.Action(action)
	return e, nil
}
