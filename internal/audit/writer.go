// Package audit appends immutable entries to the approval audit log. Entries
// are written inside the same transaction as the state change they record and
// carry a per-request sequence number so the exact transition order can be
// reconstructed.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type Details map[string]any

// Append writes one audit entry. requestID may be empty for configuration
// actions (flow or delegation administration) that are not tied to a request.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, action, requestID, actorID, actorType string, details Details) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if details == nil {
		details = Details{}
	}
	data, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("marshal audit details: %w", err)
	}
	if actorType == "" {
		actorType = "user"
	}
	seq := 0
	if requestID != "" {
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(seq),0)+1 FROM audit_entries WHERE request_id=?`, requestID).Scan(&seq); err != nil {
			return fmt.Errorf("next audit seq: %w", err)
		}
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO audit_entries(request_id,seq,action,actor_id,actor_type,details_json,created_at) VALUES (?,?,?,?,?,?,?)`,
		nullable(requestID), seq, action, actorID, actorType, string(data), ts)
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
