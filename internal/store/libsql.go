package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/credvault/pkg/schema"
)

// LibSQLStore implements AuditStore using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path.
// The path should be a file URI, e.g. "file:/path/to/audit.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate brings the audit schema up to the newest embedded migration.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	migrations, err := loadMigrations(migrationFiles)
	if err != nil {
		return err
	}
	return runMigrations(ctx, s.db, migrations)
}

// SchemaVersion reports the highest migration applied to the database.
func (s *LibSQLStore) SchemaVersion(ctx context.Context) (int, error) {
	return schemaVersion(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Audit ---

const auditColumns = `id, vault_path, sequence, action, credential_id, actor, request_id, details, timestamp`

func (s *LibSQLStore) GetAudit(ctx context.Context, id string) (*AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+auditColumns+` FROM audit_log WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	entries, err := scanAudit(rows)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, storeNotFound("audit entry", id)
	}
	return entries[0], nil
}

func (s *LibSQLStore) ListAudit(ctx context.Context, filter AuditFilter) ([]*AuditEntry, error) {
	var where []string
	var args []any

	if filter.VaultPath != "" {
		where = append(where, "vault_path = ?")
		args = append(args, filter.VaultPath)
	}
	if filter.CredentialID != "" {
		where = append(where, "credential_id = ?")
		args = append(args, filter.CredentialID)
	}
	if filter.Action != "" {
		where = append(where, "action = ?")
		args = append(args, filter.Action)
	}
	if filter.Actor != "" {
		where = append(where, "actor = ?")
		args = append(args, filter.Actor)
	}
	if filter.Since != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT ` + auditColumns + ` FROM audit_log`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp DESC, sequence DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAudit(rows)
}

func scanAudit(rows *sql.Rows) ([]*AuditEntry, error) {
	var entries []*AuditEntry
	for rows.Next() {
		e := &AuditEntry{}
		var credID, actor, requestID, details sql.NullString
		if err := rows.Scan(&e.ID, &e.VaultPath, &e.Sequence, &e.Action,
			&credID, &actor, &requestID, &details, &e.Timestamp); err != nil {
			return nil, err
		}
		e.CredentialID = credID.String
		e.Actor = actor.String
		e.RequestID = requestID.String
		e.Details = rawOrNil(details)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Verifications ---

func (s *LibSQLStore) RecordVerification(ctx context.Context, v *Verification) error {
	v.CheckedAt = timeOrNow(v.CheckedAt)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO verifications (vault_path, ok, credentials, diverged, error, source, checked_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		v.VaultPath, boolInt(v.OK), v.Credentials, boolInt(v.Diverged), nullStr(v.Error), v.Trigger, v.CheckedAt,
	)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err == nil {
		v.ID = id
	}
	return nil
}

func (s *LibSQLStore) LastVerification(ctx context.Context, vaultPath string) (*Verification, error) {
	v := &Verification{}
	var ok, diverged int
	var errMsg sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, vault_path, ok, credentials, diverged, error, source, checked_at
		 FROM verifications WHERE vault_path = ? ORDER BY checked_at DESC, id DESC LIMIT 1`, vaultPath,
	).Scan(&v.ID, &v.VaultPath, &ok, &v.Credentials, &diverged, &errMsg, &v.Trigger, &v.CheckedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("verification", vaultPath)
	}
	if err != nil {
		return nil, err
	}
	v.OK = ok != 0
	v.Diverged = diverged != 0
	v.Error = errMsg.String
	return v, nil
}

// --- helpers ---

func storeNotFound(resource, id string) *schema.VaultError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ AuditStore = (*LibSQLStore)(nil)
