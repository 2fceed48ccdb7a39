package sqlite

import (
	"context"
	"strings"
	"time"

	gateway "github.com/quietloop/llmgate/internal"
)

// AppendLog batch-inserts log records into the append-only request
// log. A single multi-row INSERT avoids N round-trips for large
// batches, following the teacher's usage-insert pattern.
func (s *Store) AppendLog(ctx context.Context, records []gateway.LogRecord) error {
	if len(records) == 0 {
		return nil
	}

	const cols = 10
	placeholders := make([]string, len(records))
	args := make([]any, 0, len(records)*cols)

	for i, r := range records {
		placeholders[i] = "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"
		args = append(args,
			r.ID, r.Timestamp.UTC().Format(time.RFC3339Nano), r.BackendName, r.SessionID,
			r.DurationMs, r.CostUSD, r.InputTokens, r.OutputTokens,
			boolToInt(r.Degraded), r.Error,
		)
	}

	query := `INSERT INTO request_log
		(id, created_at, backend_name, session_id, duration_ms, cost_usd,
		 input_tokens, output_tokens, degraded, error)
		VALUES ` + strings.Join(placeholders, ", ")

	_, err := s.write.ExecContext(ctx, query, args...)
	return err
}

// RecentLogs returns the most recent log records, newest first, bounded
// by limit.
func (s *Store) RecentLogs(ctx context.Context, limit int) ([]gateway.LogRecord, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, created_at, backend_name, session_id, duration_ms, cost_usd,
			input_tokens, output_tokens, degraded, error
		 FROM request_log ORDER BY created_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []gateway.LogRecord
	for rows.Next() {
		var r gateway.LogRecord
		var createdAt string
		var degraded int
		if err := rows.Scan(
			&r.ID, &createdAt, &r.BackendName, &r.SessionID, &r.DurationMs, &r.CostUSD,
			&r.InputTokens, &r.OutputTokens, &degraded, &r.Error,
		); err != nil {
			return nil, err
		}
		r.Timestamp = parseTime(createdAt)
		r.Degraded = degraded != 0
		out = append(out, r)
	}
	return out, rows.Err()
}
