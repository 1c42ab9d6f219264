package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sutton-OS/GoldBot/internal/model"
)

// InsertAudit appends one audit_log row. Callers run it inside the same
// transaction as the state change it describes; a visible state change
// without its audit row is a bug.
func InsertAudit(ctx context.Context, q Querier, e model.AuditEntry) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO audit_log
			(action_type, target_type, target_id, request_json, response_json, success, error_message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ActionType, e.TargetType, e.TargetID, e.RequestJSON, e.ResponseJSON,
		boolToInt(e.Success), e.ErrorMessage, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert audit: %w", err)
	}
	return nil
}

// MarshalJSON renders any value into the TEXT columns of audit_log.
func MarshalJSON(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf(`{"marshal_error":%q}`, err.Error())
	}
	return string(raw)
}

// ListAudit returns the most recent audit rows, newest first.
func ListAudit(ctx context.Context, q Querier, limit int) ([]model.AuditEntry, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, action_type, target_type, target_id, request_json, response_json,
			success, error_message, created_at
		FROM audit_log
		ORDER BY datetime(created_at) DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	entries := []model.AuditEntry{}
	for rows.Next() {
		var e model.AuditEntry
		var success int64
		if err := rows.Scan(&e.ID, &e.ActionType, &e.TargetType, &e.TargetID,
			&e.RequestJSON, &e.ResponseJSON, &success, &e.ErrorMessage, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		e.Success = success != 0
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit: %w", err)
	}
	return entries, nil
}
