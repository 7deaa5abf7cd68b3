package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/credvault/pkg/schema"
)

// AppendAudit appends an entry with a monotonically increasing per-vault
// sequence. ID and Timestamp are filled in when empty.
func (s *LibSQLStore) AppendAudit(ctx context.Context, entry *AuditEntry) error {
	if entry.VaultPath == "" {
		return schema.NewError(schema.ErrCodeValidation, "audit entry requires a vault path")
	}
	if entry.Action == "" {
		return schema.NewError(schema.ErrCodeValidation, "audit entry requires an action")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin immediate tx: %w", err)
	}
	defer tx.Rollback()

	// In WAL mode BeginTx may start a deferred transaction; a write forces
	// the lock before the sequence is read.
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_version (version, name) VALUES (-1, '_lock_noop')`); err != nil {
		return fmt.Errorf("acquire write lock: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM schema_version WHERE version = -1`); err != nil {
		return fmt.Errorf("cleanup write lock: %w", err)
	}

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM audit_log WHERE vault_path = ?`, entry.VaultPath,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}

	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO audit_log (`+auditColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.VaultPath, seq, entry.Action, nullStr(entry.CredentialID),
		nullStr(entry.Actor), nullStr(entry.RequestID), nullRaw(entry.Details), entry.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit audit entry: %w", err)
	}
	entry.Sequence = seq
	return nil
}

// CheckSequence verifies the audit trail of a vault has no gaps, i.e. no
// entry was deleted out from under it.
func (s *LibSQLStore) CheckSequence(ctx context.Context, vaultPath string) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT sequence FROM audit_log WHERE vault_path = ? ORDER BY sequence ASC`, vaultPath)
	if err != nil {
		return err
	}
	defer rows.Close()

	var expected int64 = 1
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return err
		}
		if seq != expected {
			return schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in audit log for %s: expected %d, got %d", vaultPath, expected, seq)
		}
		expected++
	}
	return rows.Err()
}
