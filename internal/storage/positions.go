package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/davemott/paperledger/internal/models"
)

// querier is satisfied by both pgxpool.Pool and pgx.Tx so the same
// statements serve the optimistic and the row-locked paths.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const positionCols = `id, tenant_id, underlying, strike, expiry, option_type, direction,
	entry_price, quantity, contract_multiplier, stop_loss, take_profit,
	mark_price, unrealized_pnl, status, exit_price, realized_pnl, close_reason,
	context, broker_order_id, sl_order_id, tp_order_id,
	version, idempotency_key, created_at, updated_at, closed_at`

func scanPosition(row pgx.Row) (*models.Position, error) {
	var p models.Position
	var optionType, direction, status, closeReason string

	err := row.Scan(
		&p.ID, &p.TenantID, &p.Underlying, &p.Strike, &p.Expiry, &optionType, &direction,
		&p.EntryPrice, &p.Quantity, &p.ContractMultiplier, &p.StopLoss, &p.TakeProfit,
		&p.MarkPrice, &p.UnrealizedPnL, &status, &p.ExitPrice, &p.RealizedPnL, &closeReason,
		&p.Context, &p.BrokerOrderID, &p.SLOrderID, &p.TPOrderID,
		&p.Version, &p.IdempotencyKey, &p.CreatedAt, &p.UpdatedAt, &p.ClosedAt,
	)
	if err != nil {
		return nil, err
	}
	p.OptionType = models.OptionType(optionType)
	p.Direction = models.Direction(direction)
	p.Status = models.Status(status)
	p.CloseReason = models.CloseReason(closeReason)
	return &p, nil
}

// CreatePosition inserts the position and its creation audit row in one
// transaction. A duplicate idempotency key returns the original position.
func (s *Store) CreatePosition(ctx context.Context, p *models.Position, rec *models.StateTransition) (*models.Position, error) {
	return s.createPosition(ctx, p, rec, "")
}

func (s *Store) createPosition(ctx context.Context, p *models.Position, rec *models.StateTransition, tenant string) (*models.Position, error) {
	now := s.now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = now
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: begin create: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const insertSQL = `
		INSERT INTO positions (
			id, tenant_id, underlying, strike, expiry, option_type, direction,
			entry_price, quantity, contract_multiplier, stop_loss, take_profit,
			mark_price, unrealized_pnl, status, exit_price, realized_pnl, close_reason,
			context, broker_order_id, sl_order_id, tp_order_id,
			version, idempotency_key, created_at, updated_at, closed_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11, $12,
			$13, $14, $15, $16, $17, $18,
			$19, $20, $21, $22,
			$23, $24, $25, $26, $27
		)`
	_, err = tx.Exec(ctx, insertSQL,
		p.ID, p.TenantID, p.Underlying, p.Strike, p.Expiry, string(p.OptionType), string(p.Direction),
		p.EntryPrice, p.Quantity, p.ContractMultiplier, p.StopLoss, p.TakeProfit,
		p.MarkPrice, p.UnrealizedPnL, string(p.Status), p.ExitPrice, p.RealizedPnL, string(p.CloseReason),
		p.Context, p.BrokerOrderID, p.SLOrderID, p.TPOrderID,
		p.Version, p.IdempotencyKey, p.CreatedAt, p.UpdatedAt, p.ClosedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" && p.IdempotencyKey != nil {
			// Duplicate idempotency key: hand back the original row.
			existing, lookupErr := s.getByIdempotencyKey(ctx, *p.IdempotencyKey)
			if lookupErr != nil {
				return nil, fmt.Errorf("storage: lookup idempotent duplicate: %w", lookupErr)
			}
			if tenant != "" && existing.TenantID != tenant {
				return nil, fmt.Errorf("storage: idempotency key already used by another tenant")
			}
			return existing, nil
		}
		return nil, fmt.Errorf("storage: create position %s: %w", p.ID, err)
	}

	if rec != nil {
		if err := insertTransition(ctx, tx, rec); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("storage: commit create: %w", err)
	}
	return p, nil
}

func (s *Store) getByIdempotencyKey(ctx context.Context, key string) (*models.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionCols+` FROM positions WHERE idempotency_key = $1`, key)
	p, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return p, nil
}

// DeletePosition removes a position; audit and snapshot rows cascade.
func (s *Store) DeletePosition(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM positions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("storage: delete position %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetPosition retrieves a position by id across all tenants.
func (s *Store) GetPosition(ctx context.Context, id uuid.UUID) (*models.Position, error) {
	return s.getPosition(ctx, id, "")
}

func (s *Store) getPosition(ctx context.Context, id uuid.UUID, tenant string) (*models.Position, error) {
	query := `SELECT ` + positionCols + ` FROM positions WHERE id = $1`
	args := []any{id}
	if tenant != "" {
		query += ` AND tenant_id = $2`
		args = append(args, tenant)
	}
	p, err := scanPosition(s.pool.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: get position %s: %w", id, err)
	}
	return p, nil
}

// ListByStatus returns positions in any of the given statuses across all
// tenants, oldest first.
func (s *Store) ListByStatus(ctx context.Context, statuses ...models.Status) ([]models.Position, error) {
	return s.listByStatus(ctx, "", statuses...)
}

func (s *Store) listByStatus(ctx context.Context, tenant string, statuses ...models.Status) ([]models.Position, error) {
	vals := make([]string, 0, len(statuses))
	for _, st := range statuses {
		vals = append(vals, string(st))
	}

	query := `SELECT ` + positionCols + ` FROM positions WHERE status = ANY($1)`
	args := []any{vals}
	if tenant != "" {
		query += ` AND tenant_id = $2`
		args = append(args, tenant)
	}
	query += ` ORDER BY created_at`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list positions: %w", err)
	}
	defer rows.Close()

	var positions []models.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan position: %w", err)
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

// updatePosition writes the full mutable field set conditional on the
// expected version, bumping it by exactly one. Zero affected rows is the
// sole conflict signal.
func updatePosition(ctx context.Context, q querier, p *models.Position, tenant string) error {
	query := `
		UPDATE positions SET
			entry_price = $3, quantity = $4, stop_loss = $5, take_profit = $6,
			mark_price = $7, unrealized_pnl = $8, status = $9, exit_price = $10,
			realized_pnl = $11, close_reason = $12, context = $13,
			broker_order_id = $14, sl_order_id = $15, tp_order_id = $16,
			closed_at = $17, updated_at = $18, version = version + 1
		WHERE id = $1 AND version = $2`
	args := []any{
		p.ID, p.Version,
		p.EntryPrice, p.Quantity, p.StopLoss, p.TakeProfit,
		p.MarkPrice, p.UnrealizedPnL, string(p.Status), p.ExitPrice,
		p.RealizedPnL, string(p.CloseReason), p.Context,
		p.BrokerOrderID, p.SLOrderID, p.TPOrderID,
		p.ClosedAt, p.UpdatedAt,
	}
	if tenant != "" {
		query += ` AND tenant_id = $19`
		args = append(args, tenant)
	}

	tag, err := q.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("storage: update position %s: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	p.Version++
	return nil
}

func insertTransition(ctx context.Context, q querier, rec *models.StateTransition) error {
	var from *string
	if rec.FromStatus != nil {
		v := string(*rec.FromStatus)
		from = &v
	}
	err := q.QueryRow(ctx, `
		INSERT INTO state_transitions (position_id, from_status, to_status, trigger, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		rec.PositionID, from, string(rec.ToStatus), string(rec.Trigger), rec.Metadata, rec.CreatedAt,
	).Scan(&rec.ID)
	if err != nil {
		return fmt.Errorf("storage: insert state transition for %s: %w", rec.PositionID, err)
	}
	return nil
}

// ApplyTransition persists a lifecycle mutation and its audit row in one
// transaction.
func (s *Store) ApplyTransition(ctx context.Context, p *models.Position, rec *models.StateTransition) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin transition: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := updatePosition(ctx, tx, p, ""); err != nil {
		return err
	}
	if err := insertTransition(ctx, tx, rec); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit transition: %w", err)
	}
	return nil
}

// UpdateMark persists mark price and unrealized P&L, conditional on version.
func (s *Store) UpdateMark(ctx context.Context, p *models.Position) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE positions SET
			mark_price = $3, unrealized_pnl = $4, updated_at = $5, version = version + 1
		WHERE id = $1 AND version = $2`,
		p.ID, p.Version, p.MarkPrice, p.UnrealizedPnL, s.now(),
	)
	if err != nil {
		return fmt.Errorf("storage: update mark for %s: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	p.Version++
	return nil
}

// UpdateBracket persists bracket prices, broker order ids, and the context
// blob, conditional on version.
func (s *Store) UpdateBracket(ctx context.Context, p *models.Position) error {
	return s.updateBracket(ctx, p, "")
}

func (s *Store) updateBracket(ctx context.Context, p *models.Position, tenant string) error {
	query := `
		UPDATE positions SET
			stop_loss = $3, take_profit = $4, broker_order_id = $5,
			sl_order_id = $6, tp_order_id = $7, context = $8,
			updated_at = $9, version = version + 1
		WHERE id = $1 AND version = $2`
	args := []any{
		p.ID, p.Version, p.StopLoss, p.TakeProfit, p.BrokerOrderID,
		p.SLOrderID, p.TPOrderID, p.Context, s.now(),
	}
	if tenant != "" {
		query += ` AND tenant_id = $10`
		args = append(args, tenant)
	}

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("storage: update bracket for %s: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	p.Version++
	return nil
}

// MutateLocked re-reads the position under SELECT ... FOR UPDATE, applies
// fn, and commits the mutation plus optional audit row atomically. A
// callback returning ErrUnchanged commits nothing and reports no error.
func (s *Store) MutateLocked(ctx context.Context, id uuid.UUID, fn MutateFunc) error {
	return s.mutateLocked(ctx, id, "", fn)
}

func (s *Store) mutateLocked(ctx context.Context, id uuid.UUID, tenant string, fn MutateFunc) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin locked mutation: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	query := `SELECT ` + positionCols + ` FROM positions WHERE id = $1`
	args := []any{id}
	if tenant != "" {
		query += ` AND tenant_id = $2`
		args = append(args, tenant)
	}
	query += ` FOR UPDATE`

	p, err := scanPosition(tx.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("storage: lock position %s: %w", id, err)
	}

	rec, err := fn(p)
	if err != nil {
		if errors.Is(err, ErrUnchanged) {
			return nil
		}
		return err
	}

	if err := updatePosition(ctx, tx, p, tenant); err != nil {
		return err
	}
	if rec != nil {
		if err := insertTransition(ctx, tx, rec); err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit locked mutation: %w", err)
	}
	return nil
}

// AppendSnapshot appends a price snapshot row.
func (s *Store) AppendSnapshot(ctx context.Context, snap *models.PriceSnapshot) error {
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = s.now()
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO price_snapshots (position_id, mark, bid, ask, greeks, underlying_price, snapshot_type, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		snap.PositionID, snap.Mark, snap.Bid, snap.Ask, snap.Greeks,
		snap.UnderlyingPrice, string(snap.Type), snap.CreatedAt,
	).Scan(&snap.ID)
	if err != nil {
		return fmt.Errorf("storage: append snapshot for %s: %w", snap.PositionID, err)
	}
	return nil
}

// Snapshots returns the most recent snapshots for a position, newest first.
func (s *Store) Snapshots(ctx context.Context, positionID uuid.UUID, limit int) ([]models.PriceSnapshot, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, position_id, mark, bid, ask, greeks, underlying_price, snapshot_type, created_at
		FROM price_snapshots
		WHERE position_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, positionID, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []models.PriceSnapshot
	for rows.Next() {
		var snap models.PriceSnapshot
		var snapType string
		if err := rows.Scan(&snap.ID, &snap.PositionID, &snap.Mark, &snap.Bid, &snap.Ask,
			&snap.Greeks, &snap.UnderlyingPrice, &snapType, &snap.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan snapshot: %w", err)
		}
		snap.Type = models.SnapshotType(snapType)
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

// Transitions returns the audit log for a position, oldest first.
func (s *Store) Transitions(ctx context.Context, positionID uuid.UUID) ([]models.StateTransition, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, position_id, from_status, to_status, trigger, metadata, created_at
		FROM state_transitions
		WHERE position_id = $1
		ORDER BY id`, positionID)
	if err != nil {
		return nil, fmt.Errorf("storage: list transitions: %w", err)
	}
	defer rows.Close()

	var recs []models.StateTransition
	for rows.Next() {
		var rec models.StateTransition
		var from *string
		var to, trigger string
		if err := rows.Scan(&rec.ID, &rec.PositionID, &from, &to, &trigger,
			&rec.Metadata, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan transition: %w", err)
		}
		if from != nil {
			st := models.Status(*from)
			rec.FromStatus = &st
		}
		rec.ToStatus = models.Status(to)
		rec.Trigger = models.Trigger(trigger)
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// RealizedPnLSince sums realized P&L for positions of a tenant closed at or
// after the given instant.
func (s *Store) RealizedPnLSince(ctx context.Context, tenantID string, since time.Time) (float64, error) {
	var total float64
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(realized_pnl), 0)
		FROM positions
		WHERE tenant_id = $1 AND closed_at >= $2 AND realized_pnl IS NOT NULL`,
		tenantID, since,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("storage: sum realized pnl for %s: %w", tenantID, err)
	}
	return total, nil
}

// TenantSettings fetches a tenant's risk settings.
func (s *Store) TenantSettings(ctx context.Context, tenantID string) (*models.TenantRiskSettings, error) {
	set := models.TenantRiskSettings{TenantID: tenantID}
	err := s.pool.QueryRow(ctx, `
		SELECT account_size, max_open_positions, max_exposure, daily_loss_limit,
		       default_stop_pct, default_target_pct, broker_credentials
		FROM tenant_risk_settings
		WHERE tenant_id = $1`, tenantID,
	).Scan(&set.AccountSize, &set.MaxOpenPositions, &set.MaxExposure, &set.DailyLossLimit,
		&set.DefaultStopPct, &set.DefaultTargetPct, &set.Broker)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTenantSettingsNotFound
		}
		return nil, fmt.Errorf("storage: get tenant settings for %s: %w", tenantID, err)
	}
	return &set, nil
}

// UpsertTenantSettings creates or replaces a tenant's risk settings.
func (s *Store) UpsertTenantSettings(ctx context.Context, set *models.TenantRiskSettings) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tenant_risk_settings (
			tenant_id, account_size, max_open_positions, max_exposure,
			daily_loss_limit, default_stop_pct, default_target_pct, broker_credentials, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (tenant_id) DO UPDATE SET
			account_size = EXCLUDED.account_size,
			max_open_positions = EXCLUDED.max_open_positions,
			max_exposure = EXCLUDED.max_exposure,
			daily_loss_limit = EXCLUDED.daily_loss_limit,
			default_stop_pct = EXCLUDED.default_stop_pct,
			default_target_pct = EXCLUDED.default_target_pct,
			broker_credentials = EXCLUDED.broker_credentials,
			updated_at = EXCLUDED.updated_at`,
		set.TenantID, set.AccountSize, set.MaxOpenPositions, set.MaxExposure,
		set.DailyLossLimit, set.DefaultStopPct, set.DefaultTargetPct, set.Broker, s.now(),
	)
	if err != nil {
		return fmt.Errorf("storage: upsert tenant settings for %s: %w", set.TenantID, err)
	}
	return nil
}

// Compile-time interface check.
var _ Interface = (*Store)(nil)
