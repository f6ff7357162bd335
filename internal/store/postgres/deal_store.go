package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/marketapi/internal/domain"
)

// defaultListLimit caps ListRecent when the caller sets no limit.
const defaultListLimit = 50

// DealStore implements domain.DealJournal using PostgreSQL.
type DealStore struct {
	pool *pgxpool.Pool
}

// NewDealStore creates a DealStore backed by the given connection pool.
func NewDealStore(pool *pgxpool.Pool) *DealStore {
	return &DealStore{pool: pool}
}

// Record appends one resolved (or failed) deal to the journal.
func (s *DealStore) Record(ctx context.Context, rec domain.DealRecord) error {
	c := rec.Confirmation
	var confirmedAt *time.Time
	if !c.Timestamp.IsZero() {
		confirmedAt = &c.Timestamp
	}

	const query = `
		INSERT INTO deals (broker, operation, deal_reference, deal_id, epic, status, reason,
			direction, size, level, profit, error, confirmed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`
	_, err := s.pool.Exec(ctx, query,
		rec.Broker, string(rec.Operation), string(c.DealReference), c.DealID, c.Epic,
		string(c.Status), c.Reason, string(c.Direction), c.Size, c.Level, c.Profit,
		rec.Error, confirmedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: record deal %s: %w", c.DealReference, err)
	}
	return nil
}

// ListRecent returns the newest journal entries first. An empty broker
// lists every broker.
func (s *DealStore) ListRecent(ctx context.Context, broker string, opts domain.ListOpts) ([]domain.DealRecord, error) {
	query, args := listDealsQuery(broker, opts)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list deals: %w", err)
	}
	defer rows.Close()

	var out []domain.DealRecord
	for rows.Next() {
		var (
			rec                        domain.DealRecord
			op, ref, status, direction string
			confirmedAt                *time.Time
		)
		if err := rows.Scan(
			&rec.ID, &rec.Broker, &op, &ref, &rec.Confirmation.DealID, &rec.Confirmation.Epic,
			&status, &rec.Confirmation.Reason, &direction, &rec.Confirmation.Size,
			&rec.Confirmation.Level, &rec.Confirmation.Profit, &rec.Error, &confirmedAt, &rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan deal: %w", err)
		}
		rec.Operation = domain.DealOperation(op)
		rec.Confirmation.DealReference = domain.DealReference(ref)
		rec.Confirmation.Status = domain.DealStatus(status)
		rec.Confirmation.Direction = domain.Direction(direction)
		if confirmedAt != nil {
			rec.Confirmation.Timestamp = *confirmedAt
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list deals rows: %w", err)
	}
	return out, nil
}

// listDealsQuery builds the ListRecent statement and its arguments.
func listDealsQuery(broker string, opts domain.ListOpts) (string, []any) {
	query := `SELECT id, broker, operation, deal_reference, deal_id, epic, status, reason,
		direction, size, level, profit, error, confirmed_at, created_at
		FROM deals WHERE 1=1`
	var args []any
	argIdx := 1

	if broker != "" {
		query += fmt.Sprintf(" AND broker = $%d", argIdx)
		args = append(args, broker)
		argIdx++
	}
	if opts.Since != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY created_at DESC, id DESC"

	limit := opts.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)
	argIdx++

	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}
	return query, args
}

// Compile-time interface check.
var _ domain.DealJournal = (*DealStore)(nil)
