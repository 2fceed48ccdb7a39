package sqlite

import (
	"context"
	"database/sql"
	"time"

	gateway "github.com/quietloop/llmgate/internal"
)

// SaveSnapshot upserts a credential's durable fields. The in-memory KV
// store (internal/storage) is the subscription manager's hot path; this
// snapshot exists so credential state survives a process restart.
func (s *Store) SaveSnapshot(ctx context.Context, c *gateway.Credential) error {
	now := timeToStr(time.Now())
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO subscription_snapshot
			(id, email, type, config_dir, weekly_budget, weekly_used,
			 current_block_id, current_block_cost, block_start, block_end,
			 max_clients, health_score, status, burn_rate_usd_per_hr,
			 tokens_per_minute, last_usage_update, last_request_at,
			 created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			email=excluded.email, type=excluded.type, config_dir=excluded.config_dir,
			weekly_budget=excluded.weekly_budget, weekly_used=excluded.weekly_used,
			current_block_id=excluded.current_block_id, current_block_cost=excluded.current_block_cost,
			block_start=excluded.block_start, block_end=excluded.block_end,
			max_clients=excluded.max_clients, health_score=excluded.health_score,
			status=excluded.status, burn_rate_usd_per_hr=excluded.burn_rate_usd_per_hr,
			tokens_per_minute=excluded.tokens_per_minute,
			last_usage_update=excluded.last_usage_update, last_request_at=excluded.last_request_at,
			updated_at=excluded.updated_at`,
		c.ID, c.Email, c.Type, c.ConfigDir, c.WeeklyBudget, c.WeeklyUsed,
		c.CurrentBlockID, c.CurrentBlockCost, nullTime(c.BlockStart), nullTime(c.BlockEnd),
		c.MaxClients, c.HealthScore, string(c.Status), c.BurnRateUSDPerHr,
		c.TokensPerMinute, nullTime(c.LastUsageUpdate), nullTime(c.LastRequestAt),
		timeToStr(c.CreatedAt), now,
	)
	return err
}

// LoadSnapshots returns every persisted credential, for restoring the
// subscription manager's in-memory state on startup.
func (s *Store) LoadSnapshots(ctx context.Context) ([]*gateway.Credential, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, email, type, config_dir, weekly_budget, weekly_used,
			current_block_id, current_block_cost, block_start, block_end,
			max_clients, health_score, status, burn_rate_usd_per_hr,
			tokens_per_minute, last_usage_update, last_request_at, created_at
		 FROM subscription_snapshot`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*gateway.Credential
	for rows.Next() {
		c, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteSnapshot removes a credential's persisted snapshot.
func (s *Store) DeleteSnapshot(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM subscription_snapshot WHERE id=?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "subscription snapshot")
}

func scanSnapshot(row scanner) (*gateway.Credential, error) {
	var c gateway.Credential
	var status string
	var blockStart, blockEnd, lastUsageUpdate, lastRequestAt sql.NullString
	var createdAt string

	err := row.Scan(
		&c.ID, &c.Email, &c.Type, &c.ConfigDir, &c.WeeklyBudget, &c.WeeklyUsed,
		&c.CurrentBlockID, &c.CurrentBlockCost, &blockStart, &blockEnd,
		&c.MaxClients, &c.HealthScore, &status, &c.BurnRateUSDPerHr,
		&c.TokensPerMinute, &lastUsageUpdate, &lastRequestAt, &createdAt,
	)
	if err != nil {
		return nil, notFoundErr(err)
	}

	c.Status = gateway.SubscriptionStatus(status)
	c.AssignedClients = make(map[string]struct{})
	if blockStart.Valid {
		c.BlockStart = parseTime(blockStart.String)
	}
	if blockEnd.Valid {
		c.BlockEnd = parseTime(blockEnd.String)
	}
	if lastUsageUpdate.Valid {
		c.LastUsageUpdate = parseTime(lastUsageUpdate.String)
	}
	if lastRequestAt.Valid {
		c.LastRequestAt = parseTime(lastRequestAt.String)
	}
	c.CreatedAt = parseTime(createdAt)
	return &c, nil
}

func nullTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: timeToStr(t), Valid: true}
}
