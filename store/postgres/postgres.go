// Package postgres implements the token record store on PostgreSQL.
// Scalar lifecycle fields live in columns so the hot queries stay indexed;
// the device, location, usage, security, revocation, and audit blocks are
// stored as JSONB in the record's wire shape.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/tokenkin/tokenkin/store"
	"github.com/tokenkin/tokenkin/token"
)

const uniqueViolation = "23505"

// Open opens a Postgres connection for the given DSN and verifies it with a
// ping. Caller owns the returned handle.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Store is the Postgres-backed token repository.
type Store struct {
	db *sql.DB
}

// New returns a Store over db. Migrations must already be applied.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

const recordColumns = `token_id, user_id, family_id, parent_token_id, generation, status,
	lookup_digest, token_hash, salt, algorithm,
	device, location, usage, security, revocation, audit,
	created_at, last_used_at, expires_at, grace_ends_at`

// Create inserts the record. A lookup-digest or token-hash collision maps to
// store.ErrDuplicateHash.
func (s *Store) Create(ctx context.Context, rec *token.Record) error {
	device, location, usage, security, revocation, audit, err := marshalBlocks(rec)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO token_records (`+recordColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
		        $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`,
		rec.ID, rec.UserID, rec.FamilyID, rec.ParentID, rec.Generation, string(rec.Status),
		rec.LookupDigest, rec.TokenHash, rec.Salt, rec.Algorithm,
		device, location, usage, security, revocation, audit,
		rec.Timestamps.CreatedAt, rec.Timestamps.LastUsedAt, rec.Timestamps.ExpiresAt, rec.Timestamps.GraceEndsAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return store.ErrDuplicateHash
	}
	return err
}

// FindByHash returns the record with the given lookup digest, or (nil, nil)
// when absent.
func (s *Store) FindByHash(ctx context.Context, lookupDigest string) (*token.Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM token_records WHERE lookup_digest = $1`, lookupDigest)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

// FindFamily returns every record in the family, ordered by generation then
// creation time.
func (s *Store) FindFamily(ctx context.Context, familyID string) ([]*token.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM token_records
		 WHERE family_id = $1 ORDER BY generation, created_at`, familyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

// ConditionalUpdate replaces the stored record only while the row still
// matches expect; the useCount guard makes the write a true compare-and-swap
// so exactly one of two racing rotations wins.
func (s *Store) ConditionalUpdate(ctx context.Context, rec *token.Record, expect store.Expect) error {
	device, location, usage, security, revocation, audit, err := marshalBlocks(rec)
	if err != nil {
		return err
	}
	query := `
		UPDATE token_records SET
			status = $2, device = $3, location = $4, usage = $5, security = $6,
			revocation = $7, audit = $8, last_used_at = $9
		WHERE token_id = $1 AND status = $10`
	args := []any{
		rec.ID, string(rec.Status), device, location, usage, security,
		revocation, audit, rec.Timestamps.LastUsedAt, string(expect.Status),
	}
	if expect.UseCountBelow > 0 {
		query += ` AND COALESCE((usage->>'useCount')::int, 0) < $11`
		args = append(args, expect.UseCountBelow)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	// Guard failed or the row is gone; one more read tells which.
	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM token_records WHERE token_id = $1)`, rec.ID,
	).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return store.ErrNotFound
	}
	return store.ErrConflict
}

// UpdateSecurity patches the security block and appends the optional usage
// attempt and audit events regardless of the record's status. Runs as a
// locked read-modify-write so concurrent patches never drop history entries.
func (s *Store) UpdateSecurity(ctx context.Context, tokenID string, sec token.Security, attempt *token.UsageAttempt, events ...token.Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var usageJSON, auditJSON []byte
	err = tx.QueryRowContext(ctx,
		`SELECT usage, audit FROM token_records WHERE token_id = $1 FOR UPDATE`, tokenID,
	).Scan(&usageJSON, &auditJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	if err != nil {
		return err
	}

	var cur token.Record
	if err := json.Unmarshal(usageJSON, &cur.Usage); err != nil {
		return fmt.Errorf("decode usage for %s: %w", tokenID, err)
	}
	if err := json.Unmarshal(auditJSON, &cur.Audit); err != nil {
		return fmt.Errorf("decode audit for %s: %w", tokenID, err)
	}
	if attempt != nil {
		cur.AppendAttempt(*attempt)
	}
	for _, ev := range events {
		cur.AppendEvent(ev)
	}

	secJSON, err := json.Marshal(sec)
	if err != nil {
		return err
	}
	if usageJSON, err = json.Marshal(cur.Usage); err != nil {
		return err
	}
	if auditJSON, err = json.Marshal(cur.Audit); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE token_records SET security = $2, usage = $3, audit = $4 WHERE token_id = $1`,
		tokenID, secJSON, usageJSON, auditJSON,
	); err != nil {
		return err
	}
	return tx.Commit()
}

// BulkUpdateFamily revokes every family member whose status is in from, in
// one statement so containment is atomic. Returns the number of rows changed.
func (s *Store) BulkUpdateFamily(ctx context.Context, familyID string, from []token.Status, rev token.Revocation, ev token.Event) (int64, error) {
	revJSON, err := json.Marshal(rev)
	if err != nil {
		return 0, err
	}
	evJSON, err := json.Marshal(ev)
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE token_records SET
			status = $2,
			revocation = $3::jsonb,
			audit = jsonb_set(audit, '{events}',
				COALESCE(audit->'events', '[]'::jsonb) || jsonb_build_array($4::jsonb))
		WHERE family_id = $1 AND status = ANY($5)`,
		familyID, string(token.StatusRevoked), revJSON, evJSON, statusStrings(from),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ListExpired returns active records whose expiry has passed, oldest first.
func (s *Store) ListExpired(ctx context.Context, asOf time.Time, limit int) ([]*token.Record, error) {
	query := `SELECT ` + recordColumns + ` FROM token_records
		WHERE status = $1 AND expires_at < $2 ORDER BY expires_at`
	args := []any{string(token.StatusActive), asOf}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

// ListUserFamilies returns the distinct family ids owned by the user.
func (s *Store) ListUserFamilies(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT family_id FROM token_records WHERE user_id = $1 ORDER BY family_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var f string
		if err := rows.Scan(&f); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// DeleteOlderThan removes records in one of the given statuses created
// before cutoff. Returns the number deleted.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time, statuses []token.Status) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM token_records WHERE created_at < $1 AND status = ANY($2)`,
		cutoff, statusStrings(statuses))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func statusStrings(statuses []token.Status) []string {
	out := make([]string, len(statuses))
	for i, st := range statuses {
		out[i] = string(st)
	}
	return out
}

func marshalBlocks(rec *token.Record) (device, location, usage, security, revocation, audit []byte, err error) {
	if device, err = json.Marshal(rec.Device); err != nil {
		return
	}
	if location, err = json.Marshal(rec.Location); err != nil {
		return
	}
	if usage, err = json.Marshal(rec.Usage); err != nil {
		return
	}
	if security, err = json.Marshal(rec.Security); err != nil {
		return
	}
	if rec.Revocation != nil {
		if revocation, err = json.Marshal(rec.Revocation); err != nil {
			return
		}
	}
	audit, err = json.Marshal(rec.Audit)
	return
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRecord(row scannable) (*token.Record, error) {
	var (
		rec        token.Record
		status     string
		device     []byte
		location   []byte
		usage      []byte
		security   []byte
		revocation []byte
		audit      []byte
		lastUsedAt sql.NullTime
	)
	err := row.Scan(
		&rec.ID, &rec.UserID, &rec.FamilyID, &rec.ParentID, &rec.Generation, &status,
		&rec.LookupDigest, &rec.TokenHash, &rec.Salt, &rec.Algorithm,
		&device, &location, &usage, &security, &revocation, &audit,
		&rec.Timestamps.CreatedAt, &lastUsedAt, &rec.Timestamps.ExpiresAt, &rec.Timestamps.GraceEndsAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Status = token.Status(status)
	if lastUsedAt.Valid {
		t := lastUsedAt.Time
		rec.Timestamps.LastUsedAt = &t
	}
	if err := json.Unmarshal(device, &rec.Device); err != nil {
		return nil, fmt.Errorf("decode device for %s: %w", rec.ID, err)
	}
	if err := json.Unmarshal(location, &rec.Location); err != nil {
		return nil, fmt.Errorf("decode location for %s: %w", rec.ID, err)
	}
	if err := json.Unmarshal(usage, &rec.Usage); err != nil {
		return nil, fmt.Errorf("decode usage for %s: %w", rec.ID, err)
	}
	if err := json.Unmarshal(security, &rec.Security); err != nil {
		return nil, fmt.Errorf("decode security for %s: %w", rec.ID, err)
	}
	if len(revocation) > 0 {
		rec.Revocation = &token.Revocation{}
		if err := json.Unmarshal(revocation, rec.Revocation); err != nil {
			return nil, fmt.Errorf("decode revocation for %s: %w", rec.ID, err)
		}
	}
	if err := json.Unmarshal(audit, &rec.Audit); err != nil {
		return nil, fmt.Errorf("decode audit for %s: %w", rec.ID, err)
	}
	return &rec, nil
}

func scanRecords(rows *sql.Rows) ([]*token.Record, error) {
	var out []*token.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
