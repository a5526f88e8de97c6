package activity

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"records-backend/internal/store"
)

// History returns the most recent entries for one record, newest first.
func History(ctx context.Context, q store.Querier, dialect store.Dialect, table, recordID string, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	pb := dialect.NewParamBuilder()
	sqlStr := fmt.Sprintf(
		`SELECT id, table_name, record_id, action, diff, user_id, created_at FROM _activity_log
WHERE table_name = %s AND record_id = %s ORDER BY created_at DESC, id DESC LIMIT %d`,
		pb.Add(table), pb.Add(recordID), limit)

	rows, err := store.QueryRows(ctx, q, sqlStr, pb.Params()...)
	if err != nil {
		return nil, fmt.Errorf("query activity: %w", err)
	}

	out := make([]Entry, 0, len(rows))
	for _, row := range rows {
		e := Entry{
			ID:       fmt.Sprint(row["id"]),
			Table:    fmt.Sprint(row["table_name"]),
			RecordID: fmt.Sprint(row["record_id"]),
			Action:   fmt.Sprint(row["action"]),
		}
		if s, ok := row["user_id"].(string); ok {
			e.UserID = s
		}
		if s, ok := row["diff"].(string); ok && s != "" {
			var diff any
			if err := json.Unmarshal([]byte(s), &diff); err == nil {
				e.Diff = diff
			}
		}
		switch ts := row["created_at"].(type) {
		case time.Time:
			e.Timestamp = ts.UTC()
		case string:
			if t, err := time.Parse(store.TimeLayout, ts); err == nil {
				e.Timestamp = t
			}
		}
		out = append(out, e)
	}
	return out, nil
}
