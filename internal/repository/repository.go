// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository stores claim history, audit entries and policy definitions
// in SQLite or PostgreSQL through database/sql.
type SQLRepository struct {
	db      *sql.DB
	dialect dialect

	mu      sync.RWMutex
	queries map[string]string // portable query -> dialect query
}

// dialect captures what differs between the supported databases.
type dialect struct {
	open func(domain.RepositoryConfig) (*sql.DB, error)

	// numbered placeholders ($1, $2) instead of ?.
	numbered bool

	// pooled drivers honour the connection pool settings. SQLite is pinned to
	// a single connection.
	pooled bool
}

var dialects = map[string]dialect{
	"sqlite":   {open: openSQLite},
	"postgres": {open: openPostgres, numbered: true, pooled: true},
}

// New opens the configured database and applies the schema.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	d, ok := dialects[cfg.Driver]
	if !ok {
		return nil, fmt.Errorf("%w: unsupported driver: %s", ErrInvalidInput, cfg.Driver)
	}

	db, err := d.open(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if d.pooled {
		if cfg.MaxOpenConns > 0 {
			db.SetMaxOpenConns(cfg.MaxOpenConns)
		}
		if cfg.MaxIdleConns > 0 {
			db.SetMaxIdleConns(cfg.MaxIdleConns)
		}
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := newSQLRepository(db, d)
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return repo, nil
}

func newSQLRepository(db *sql.DB, d dialect) *SQLRepository {
	return &SQLRepository{db: db, dialect: d, queries: make(map[string]string)}
}

func (r *SQLRepository) migrate() error {
	for i, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return fmt.Errorf("schema %d: %w", i, err)
		}
	}
	return nil
}

// SaveClaim records a claim. Re-submitting the same claim id keeps the first copy.
func (r *SQLRepository) SaveClaim(ctx context.Context, claim *domain.NormalizedClaim) error {
	if claim == nil || claim.ID == "" {
		return fmt.Errorf("%w: claim id is required", ErrInvalidInput)
	}

	payload, err := json.Marshal(claim)
	if err != nil {
		return fmt.Errorf("failed to encode claim: %w", err)
	}

	submitted := claim.SubmittedAt
	if submitted.IsZero() {
		submitted = time.Now()
	}

	query := `
		INSERT INTO claims (
			id, provider_id, member_id, amount, currency, submitted_ms, payload, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		claim.ID, claim.ProviderID, claim.MemberID,
		claim.Amount, claim.Currency, submitted.UnixMilli(),
		string(payload), time.Now().UTC(),
	)
	return err
}

// GetClaim retrieves a claim by ID.
func (r *SQLRepository) GetClaim(ctx context.Context, claimID string) (*domain.NormalizedClaim, error) {
	query := `SELECT payload FROM claims WHERE id = ?`

	var payload string
	err := r.db.QueryRowContext(ctx, r.rebind(query), claimID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var claim domain.NormalizedClaim
	if err := json.Unmarshal([]byte(payload), &claim); err != nil {
		return nil, fmt.Errorf("failed to decode claim %s: %w", claimID, err)
	}
	return &claim, nil
}

// ListClaimsByProvider returns a provider's claims submitted at or after since,
// newest first.
func (r *SQLRepository) ListClaimsByProvider(ctx context.Context, providerID string, since time.Time) ([]*domain.NormalizedClaim, error) {
	if providerID == "" {
		return nil, fmt.Errorf("%w: providerID is required", ErrInvalidInput)
	}

	query := `
		SELECT payload
		FROM claims
		WHERE provider_id = ? AND submitted_ms >= ?
		ORDER BY submitted_ms DESC, id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), providerID, since.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var claims []*domain.NormalizedClaim
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}

		var claim domain.NormalizedClaim
		if err := json.Unmarshal([]byte(payload), &claim); err != nil {
			return nil, fmt.Errorf("failed to decode claim: %w", err)
		}
		claims = append(claims, &claim)
	}

	return claims, rows.Err()
}

// AppendAuditEntry inserts an audit entry. Existing entries are never replaced.
func (r *SQLRepository) AppendAuditEntry(ctx context.Context, entry *domain.AuditEntry) error {
	if entry == nil || entry.ID == "" || entry.ClaimID == "" {
		return fmt.Errorf("%w: audit entry id and claim id are required", ErrInvalidInput)
	}

	decision, err := json.Marshal(entry.Decision)
	if err != nil {
		return fmt.Errorf("failed to encode decision: %w", err)
	}

	query := `
		INSERT INTO audit_entries (
			id, claim_id, input_hash, snapshot_version, recommendation, decision, recorded_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		entry.ID, entry.ClaimID, entry.InputHash, entry.SnapshotVersion,
		string(entry.Decision.Recommendation), string(decision), entry.RecordedAt.UTC(),
	)
	return err
}

// GetAuditEntry retrieves an audit entry by ID.
func (r *SQLRepository) GetAuditEntry(ctx context.Context, entryID string) (*domain.AuditEntry, error) {
	query := `
		SELECT id, claim_id, input_hash, snapshot_version, decision, recorded_at
		FROM audit_entries
		WHERE id = ?
	`

	entry, err := scanAuditEntry(r.db.QueryRowContext(ctx, r.rebind(query), entryID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return entry, err
}

// ListAuditEntries returns every audit entry for a claim, oldest first.
func (r *SQLRepository) ListAuditEntries(ctx context.Context, claimID string) ([]*domain.AuditEntry, error) {
	query := `
		SELECT id, claim_id, input_hash, snapshot_version, decision, recorded_at
		FROM audit_entries
		WHERE claim_id = ?
		ORDER BY recorded_at, id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), claimID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*domain.AuditEntry
	for rows.Next() {
		entry, err := scanAuditEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}

	return entries, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAuditEntry(row scanner) (*domain.AuditEntry, error) {
	var entry domain.AuditEntry
	var decision string

	if err := row.Scan(
		&entry.ID, &entry.ClaimID, &entry.InputHash, &entry.SnapshotVersion,
		&decision, &entry.RecordedAt,
	); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(decision), &entry.Decision); err != nil {
		return nil, fmt.Errorf("failed to decode decision for audit entry %s: %w", entry.ID, err)
	}
	return &entry, nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind rewrites a ? placeholder query for the dialect. Results are
// memoized since every statement text is a constant.
func (r *SQLRepository) rebind(query string) string {
	if !r.dialect.numbered {
		return query
	}

	r.mu.RLock()
	q, ok := r.queries[query]
	r.mu.RUnlock()
	if ok {
		return q
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, c := range query {
		if c != '?' {
			b.WriteRune(c)
			continue
		}
		n++
		b.WriteByte('$')
		b.WriteString(strconv.Itoa(n))
	}
	q = b.String()

	r.mu.Lock()
	r.queries[query] = q
	r.mu.Unlock()
	return q
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
