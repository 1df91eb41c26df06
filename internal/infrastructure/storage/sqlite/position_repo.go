package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"fundarb/internal/domain/model"
)

// SavePosition 按 id 覆盖写入持仓
func (r *Repo) SavePosition(ctx context.Context, p *model.HedgedPosition) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal position %s: %w", p.ID, err)
	}

	var closedAt sql.NullInt64
	if p.ClosedAt != nil {
		closedAt = sql.NullInt64{Int64: p.ClosedAt.UnixMilli(), Valid: true}
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO hedged_positions(id, symbol, long_venue, short_venue, status, payload, opened_at, closed_at, updated_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
		status=excluded.status, payload=excluded.payload, closed_at=excluded.closed_at, updated_at=excluded.updated_at
	`, p.ID, p.Symbol, p.LongLeg.Venue, p.ShortLeg.Venue, string(p.Status), string(payload),
		p.OpenedAt.UnixMilli(), closedAt, time.Now().UnixMilli())
	return err
}

// ListActivePositions 启动时恢复未平仓持仓
func (r *Repo) ListActivePositions(ctx context.Context) ([]*model.HedgedPosition, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT payload FROM hedged_positions WHERE status = ? ORDER BY opened_at
	`, string(model.PositionActive))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.HedgedPosition
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var p model.HedgedPosition
		if err := json.Unmarshal([]byte(payload), &p); err != nil {
			return nil, fmt.Errorf("unmarshal position: %w", err)
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}
