package oracle

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type oracleDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Store persists decryption requests to the decryption_requests table.
type Store struct {
	DB oracleDB
}

func (s *Store) Save(ctx context.Context, req Request) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO decryption_requests (request_id, content_id, principal, status, result, requested_at, completed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (request_id) DO UPDATE SET
			status = EXCLUDED.status,
			result = EXCLUDED.result,
			completed_at = EXCLUDED.completed_at
	`, req.RequestID, int64(req.ContentID), req.Principal, req.Status, req.Result, req.RequestedAt, req.CompletedAt)
	return err
}

func (s *Store) Load(ctx context.Context) ([]Request, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT request_id, content_id, principal, status, result, requested_at, completed_at
		FROM decryption_requests ORDER BY requested_at ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Request
	for rows.Next() {
		var (
			req         Request
			contentID   int64
			completedAt *time.Time
		)
		if err := rows.Scan(&req.RequestID, &contentID, &req.Principal, &req.Status, &req.Result, &req.RequestedAt, &completedAt); err != nil {
			return nil, err
		}
		req.ContentID = uint64(contentID)
		req.CompletedAt = completedAt
		out = append(out, req)
	}
	return out, rows.Err()
}
