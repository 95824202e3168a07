package proposal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/helm-assets/pkg/assets"
)

// SQLLedger implements Ledger using database/sql.
// It supports both Postgres and SQLite via standard drivers.
type SQLLedger struct {
	db *sql.DB
}

// NewSQLLedger returns a ledger over db. Call Init before first use.
func NewSQLLedger(db *sql.DB) *SQLLedger {
	return &SQLLedger{db: db}
}

const schema = `
CREATE TABLE IF NOT EXISTS proposals (
	id BIGINT PRIMARY KEY,
	owner TEXT NOT NULL,
	expected_sha256 TEXT,
	status TEXT NOT NULL,
	kind TEXT NOT NULL,
	namespace TEXT NOT NULL,
	clear_existing BOOLEAN NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	executed_at TEXT,
	reason TEXT NOT NULL DEFAULT '',
	version BIGINT NOT NULL
);
CREATE TABLE IF NOT EXISTS proposal_counters (
	name TEXT PRIMARY KEY,
	value BIGINT NOT NULL
);
`

const counterName = "proposals"

const selectColumns = `id, owner, expected_sha256, status, kind, namespace, clear_existing, created_at, updated_at, executed_at, reason, version`

// Init creates the ledger tables when they do not exist.
func (s *SQLLedger) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// NextID allocates the next proposal id. The increment is a single UPDATE,
// so concurrent ledgers sharing one database never hand out the same id.
func (s *SQLLedger) NextID(ctx context.Context) (uint64, error) {
	seed := `INSERT INTO proposal_counters (name, value) VALUES ($1, 0) ON CONFLICT (name) DO NOTHING`
	if _, err := s.db.ExecContext(ctx, seed, counterName); err != nil {
		return 0, err
	}
	var next int64
	query := `UPDATE proposal_counters SET value = value + 1 WHERE name = $1 AND value < $2 RETURNING value`
	err := s.db.QueryRowContext(ctx, query, counterName, maxSQLID).Scan(&next)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, assets.ErrCounterOverflow
	}
	if err != nil {
		return 0, err
	}
	return uint64(next), nil
}

func (s *SQLLedger) Create(ctx context.Context, p Proposal) error {
	query := `
		INSERT INTO proposals (id, owner, expected_sha256, status, kind, namespace, clear_existing, created_at, updated_at, executed_at, reason, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err := s.db.ExecContext(ctx, query,
		int64(p.ID), p.Owner, nullDigest(p.ExpectedSHA256), string(p.Status),
		string(p.Type.Kind), p.Type.Namespace, p.Type.ClearExisting,
		formatTime(p.CreatedAt), formatTime(p.UpdatedAt), nullTime(p.ExecutedAt),
		p.Reason, int64(p.Version),
	)
	return err
}

func (s *SQLLedger) Get(ctx context.Context, id uint64) (Proposal, error) {
	query := `SELECT ` + selectColumns + ` FROM proposals WHERE id = $1`
	p, err := scanProposal(s.db.QueryRowContext(ctx, query, int64(id)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Proposal{}, assets.ErrNotFound
		}
		return Proposal{}, err
	}
	return p, nil
}

func (s *SQLLedger) Update(ctx context.Context, p Proposal) error {
	query := `
		UPDATE proposals
		SET expected_sha256 = $1, status = $2, updated_at = $3, executed_at = $4, reason = $5, version = $6
		WHERE id = $7 AND version = $8
	`
	res, err := s.db.ExecContext(ctx, query,
		nullDigest(p.ExpectedSHA256), string(p.Status), formatTime(p.UpdatedAt), nullTime(p.ExecutedAt),
		p.Reason, int64(p.Version), int64(p.ID), int64(p.Version)-1,
	)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		if _, err := s.Get(ctx, p.ID); err != nil {
			return err
		}
		return ErrVersionConflict
	}
	return nil
}

func (s *SQLLedger) List(ctx context.Context, page Page) ([]Proposal, int, error) {
	page = page.Normalize()

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM proposals`).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + selectColumns + ` FROM proposals ORDER BY id LIMIT $1 OFFSET $2`
	rows, err := s.db.QueryContext(ctx, query, page.Limit, page.Offset)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = rows.Close() }()

	result := make([]Proposal, 0)
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, 0, err
		}
		result = append(result, p)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return result, total, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanProposal(row scanner) (Proposal, error) {
	var (
		p                  Proposal
		id, version        int64
		expected, executed sql.NullString
		status, kind       string
		created, updated   string
	)
	err := row.Scan(&id, &p.Owner, &expected, &status, &kind, &p.Type.Namespace, &p.Type.ClearExisting,
		&created, &updated, &executed, &p.Reason, &version)
	if err != nil {
		return Proposal{}, err
	}
	p.ID = uint64(id)
	p.Version = uint64(version)
	p.Status = Status(status)
	p.Type.Kind = Kind(kind)
	if expected.Valid {
		d, err := assets.ParseDigest(expected.String)
		if err != nil {
			return Proposal{}, fmt.Errorf("proposal %d: expected hash: %w", id, err)
		}
		p.ExpectedSHA256 = &d
	}
	if p.CreatedAt, err = parseTime(created); err != nil {
		return Proposal{}, fmt.Errorf("proposal %d: created_at: %w", id, err)
	}
	if p.UpdatedAt, err = parseTime(updated); err != nil {
		return Proposal{}, fmt.Errorf("proposal %d: updated_at: %w", id, err)
	}
	if executed.Valid {
		t, err := parseTime(executed.String)
		if err != nil {
			return Proposal{}, fmt.Errorf("proposal %d: executed_at: %w", id, err)
		}
		p.ExecutedAt = &t
	}
	return p, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func nullDigest(d *assets.Digest) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}
