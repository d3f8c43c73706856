package rounds

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/lib/pq"
)

// PostgresStore persists rounds in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed round store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

func (p *PostgresStore) Create(ctx context.Context, r *Round) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO rounds (
			id, contract, request_id, status, players, pot,
			winner, randomness, request_tx, created_at, resolved_at
		) VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7, $8::NUMERIC, $9, $10, $11)`,
		r.ID, r.Contract, r.RequestID, string(r.Status), pq.Array(r.Players), numeric(r.Pot),
		nullString(r.Winner), nullString(r.Randomness), nullString(r.RequestTx),
		r.CreatedAt, nullTime(r),
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrDuplicate
	}
	return err
}

const roundColumns = `id, contract, request_id, status, players, pot::TEXT,
		winner, randomness::TEXT, request_tx, created_at, resolved_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Round, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+roundColumns+` FROM rounds WHERE id = $1`, id)
	r, err := scanRound(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRoundNotFound
	}
	return r, err
}

func (p *PostgresStore) Update(ctx context.Context, r *Round) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE rounds SET
			status = $1, winner = $2, randomness = $3::NUMERIC, resolved_at = $4
		WHERE id = $5`,
		string(r.Status), nullString(r.Winner), nullString(r.Randomness), nullTime(r), r.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrRoundNotFound
	}
	return nil
}

func (p *PostgresStore) Pending(ctx context.Context, contract string) (*Round, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+roundColumns+`
		FROM rounds
		WHERE contract = $1 AND status = 'pending'
		ORDER BY created_at DESC
		LIMIT 1`, strings.ToLower(contract))
	r, err := scanRound(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRoundNotFound
	}
	return r, err
}

func (p *PostgresStore) List(ctx context.Context, contract string, limit int) ([]*Round, error) {
	query := `SELECT ` + roundColumns + ` FROM rounds WHERE contract = $1 ORDER BY created_at DESC`
	args := []any{strings.ToLower(contract)}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Round
	for rows.Next() {
		r, err := scanRound(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRound(s scanner) (*Round, error) {
	r := &Round{}
	var (
		status     string
		winner     sql.NullString
		randomness sql.NullString
		requestTx  sql.NullString
		resolvedAt sql.NullTime
	)
	err := s.Scan(
		&r.ID, &r.Contract, &r.RequestID, &status, pq.Array(&r.Players), &r.Pot,
		&winner, &randomness, &requestTx, &r.CreatedAt, &resolvedAt,
	)
	if err != nil {
		return nil, err
	}
	r.Status = Status(status)
	r.Winner = winner.String
	r.Randomness = randomness.String
	r.RequestTx = requestTx.String
	if resolvedAt.Valid {
		t := resolvedAt.Time.UTC()
		r.ResolvedAt = &t
	}
	r.CreatedAt = r.CreatedAt.UTC()
	return r, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(r *Round) sql.NullTime {
	if r.ResolvedAt == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *r.ResolvedAt, Valid: true}
}

func numeric(s string) string {
	if s == "" {
		return "0"
	}
	return s
}
