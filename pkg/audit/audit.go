package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"lockbox/pkg/events"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Writer appends committed ledger events to the durable audit_log table.
// Rows are never updated or deleted. With HashPrincipals set, principal ids
// are stored as salted hashes so the durable log never carries raw subjects.
type Writer struct {
	DB             auditDB
	HashSalt       []byte
	HashPrincipals bool
}

type Record struct {
	Seq       uint64          `json:"seq"`
	EventID   string          `json:"event_id"`
	Kind      string          `json:"kind"`
	ContentID *uint64         `json:"content_id,omitempty"`
	Principal string          `json:"principal,omitempty"`
	TokenID   *uint64         `json:"token_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	At        time.Time       `json:"at"`
}

func (w *Writer) Append(ctx context.Context, ev events.Event) error {
	if w.HashPrincipals && ev.Principal != "" {
		ev.Principal = HashPrincipal(ev.Principal, w.HashSalt)
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal audit payload: %w", err)
	}
	var contentID any
	if ev.ContentID != 0 {
		contentID = int64(ev.ContentID)
	}
	var tokenID any
	if ev.TokenID != nil {
		tokenID = int64(*ev.TokenID)
	}
	_, err = w.DB.Exec(ctx, `
		INSERT INTO audit_log (seq, event_id, kind, content_id, principal, token_id, payload, at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, int64(ev.Seq), ev.ID, string(ev.Kind), contentID, ev.Principal, tokenID, payload, ev.At)
	return err
}

// List returns up to limit records with seq greater than afterSeq, in
// sequence order.
func (w *Writer) List(ctx context.Context, afterSeq uint64, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := w.DB.Query(ctx, `
		SELECT seq, event_id, kind, content_id, principal, token_id, payload, at
		FROM audit_log WHERE seq > $1 ORDER BY seq ASC LIMIT $2
	`, int64(afterSeq), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			seq       int64
			rec       Record
			contentID *int64
			tokenID   *int64
		)
		if err := rows.Scan(&seq, &rec.EventID, &rec.Kind, &contentID, &rec.Principal, &tokenID, &rec.Payload, &rec.At); err != nil {
			return nil, err
		}
		rec.Seq = uint64(seq)
		if contentID != nil {
			v := uint64(*contentID)
			rec.ContentID = &v
		}
		if tokenID != nil {
			v := uint64(*tokenID)
			rec.TokenID = &v
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// LastSeq reports the highest persisted sequence number, 0 when the log is
// empty. Used on boot to resume sequence assignment after warmup.
func (w *Writer) LastSeq(ctx context.Context) (uint64, error) {
	var seq int64
	row := w.DB.QueryRow(ctx, `SELECT COALESCE(MAX(seq), 0) FROM audit_log`)
	if err := row.Scan(&seq); err != nil {
		return 0, err
	}
	return uint64(seq), nil
}
