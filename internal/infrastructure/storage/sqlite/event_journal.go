package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"fundarb/internal/domain/model"
)

// AppendEvent 写入发件箱，同一 ID 重复写入忽略
func (r *Repo) AppendEvent(ctx context.Context, ev model.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", ev.ID, err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO events(id, type, position_id, payload, at_ms)
		VALUES(?, ?, ?, ?, ?)
	`, ev.ID, string(ev.Type), ev.PositionID, string(payload), ev.At.UnixMilli())
	return err
}

func (r *Repo) MarkDelivered(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE events SET delivered = 1, delivered_at = ? WHERE id = ?
	`, time.Now().UnixMilli(), id)
	return err
}

// ListUndelivered 按写入顺序返回 before 之前的未投递事件，before 为零值时返回全部
func (r *Repo) ListUndelivered(ctx context.Context, before time.Time, limit int) ([]model.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	cutoff := int64(math.MaxInt64)
	if !before.IsZero() {
		cutoff = before.UnixMilli()
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT payload FROM events WHERE delivered = 0 AND at_ms <= ? ORDER BY seq LIMIT ?
	`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Event
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var ev model.Event
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			return nil, fmt.Errorf("unmarshal event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Publish 作为 sink 只落资金费率历史，其余事件已在发件箱中
func (r *Repo) Publish(ctx context.Context, ev model.Event) error {
	if ev.Type != model.EventFundingUpdated || len(ev.Snapshots) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO funding_snapshots(venue, symbol, current_rate, predicted_rate, mark_price, next_settlement_ms, observed_ms)
		VALUES(?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, s := range ev.Snapshots {
		if _, err := stmt.ExecContext(ctx, s.Venue, s.Symbol, s.CurrentRate, s.PredictedRate, s.MarkPrice,
			s.NextSettlementAt.UnixMilli(), s.ObservedAt.UnixMilli()); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// FundingHistory 某合约最近的资金费率快照，新的在前
func (r *Repo) FundingHistory(ctx context.Context, symbol string, limit int) ([]model.FundingSnapshot, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT venue, symbol, current_rate, predicted_rate, mark_price, next_settlement_ms, observed_ms
		FROM funding_snapshots WHERE symbol = ? ORDER BY observed_ms DESC, id DESC LIMIT ?
	`, symbol, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.FundingSnapshot
	for rows.Next() {
		var s model.FundingSnapshot
		var next, observed int64
		if err := rows.Scan(&s.Venue, &s.Symbol, &s.CurrentRate, &s.PredictedRate, &s.MarkPrice, &next, &observed); err != nil {
			return nil, err
		}
		s.NextSettlementAt = time.UnixMilli(next).UTC()
		s.ObservedAt = time.UnixMilli(observed).UTC()
		out = append(out, s)
	}
	return out, rows.Err()
}
