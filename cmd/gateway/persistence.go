package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"lockbox/pkg/events"
	"lockbox/pkg/ledger"
	"lockbox/pkg/oracle"
	"lockbox/pkg/seal"
)

// Persistence is a downstream projection of the in-memory commit. Failures
// here are logged and counted, never rolled back into the state machine.

func (s *Server) persistContent(ctx context.Context, item ledger.ContentItem) {
	if s.DB == nil {
		return
	}
	_, err := s.DB.Exec(ctx, `
		INSERT INTO content_items (id, creator, payload_handle, price_handle, title, description, active, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (id) DO UPDATE SET active = EXCLUDED.active
	`, int64(item.ID), string(item.Creator), item.Payload, item.Price, item.Title, item.Description, item.Active, item.CreatedAt)
	if err != nil {
		log.Printf("gateway: persist content %d: %v", item.ID, err)
		s.Metrics.IncError("persistence")
	}
}

func (s *Server) persistGrant(ctx context.Context, grant ledger.AccessGrant) {
	if s.DB == nil {
		return
	}
	var tokenID any
	if grant.TokenID != nil {
		tokenID = int64(*grant.TokenID)
	}
	_, err := s.DB.Exec(ctx, `
		INSERT INTO access_grants (content_id, user_principal, token_id, active)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (content_id, user_principal) DO UPDATE SET
			token_id = EXCLUDED.token_id,
			active = EXCLUDED.active
	`, int64(grant.ContentID), string(grant.User), tokenID, grant.Active)
	if err != nil {
		log.Printf("gateway: persist grant content=%d user=%s: %v", grant.ContentID, grant.User, err)
		s.Metrics.IncError("persistence")
	}
}

func (s *Server) persistToken(ctx context.Context, token ledger.AccessToken) {
	if s.DB == nil {
		return
	}
	_, err := s.DB.Exec(ctx, `
		INSERT INTO access_tokens (id, content_id, owner, access_key_handle, expires_at, valid)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (id) DO UPDATE SET valid = EXCLUDED.valid
	`, int64(token.ID), int64(token.ContentID), string(token.Owner), token.AccessKey, token.ExpiresAt, token.Valid)
	if err != nil {
		log.Printf("gateway: persist token %d: %v", token.ID, err)
		s.Metrics.IncError("persistence")
	}
}

func (s *Server) persistHandles(ctx context.Context, handleIDs ...string) {
	if s.DB == nil {
		return
	}
	for _, id := range handleIDs {
		if id == "" {
			continue
		}
		handle, err := s.Engine.Info(id)
		if err != nil {
			log.Printf("gateway: persist handle %s: %v", id, err)
			s.Metrics.IncError("persistence")
			continue
		}
		allowed, err := json.Marshal(handle.Allowed)
		if err != nil {
			log.Printf("gateway: persist handle %s: %v", id, err)
			s.Metrics.IncError("persistence")
			continue
		}
		_, err = s.DB.Exec(ctx, `
			INSERT INTO ciphertext_handles (id, sealed, allowed)
			VALUES ($1,$2,$3)
			ON CONFLICT (id) DO UPDATE SET allowed = EXCLUDED.allowed
		`, handle.ID, handle.Sealed, allowed)
		if err != nil {
			log.Printf("gateway: persist handle %s: %v", id, err)
			s.Metrics.IncError("persistence")
		}
	}
}

func (s *Server) persistDecryption(ctx context.Context, req oracle.Request) {
	if s.OracleStore == nil {
		return
	}
	if err := s.OracleStore.Save(ctx, req); err != nil {
		log.Printf("gateway: persist decryption %s: %v", req.RequestID, err)
		s.Metrics.IncError("persistence")
	}
}

// afterCommit fans a committed transition's events out to the audit table,
// Kafka, and the in-process hub, in that order.
func (s *Server) afterCommit(ctx context.Context, evs []events.Event) {
	for _, ev := range evs {
		if s.Audit != nil {
			if err := s.Audit.Append(ctx, ev); err != nil {
				log.Printf("gateway: audit append seq=%d: %v", ev.Seq, err)
				s.Metrics.IncError("persistence")
			}
		}
		if s.Bus != nil {
			if err := s.Bus.Publish(ctx, ev); err != nil {
				log.Printf("gateway: kafka publish seq=%d: %v", ev.Seq, err)
				s.Metrics.IncError("publish")
			}
		}
		if s.Hub != nil {
			s.Hub.Publish(ev)
		}
	}
}

// warmup rebuilds the in-memory state from the durable projection on boot.
func (s *Server) warmup(ctx context.Context) error {
	handles, err := s.loadHandles(ctx)
	if err != nil {
		return fmt.Errorf("load handles: %w", err)
	}
	contents, err := s.loadContents(ctx)
	if err != nil {
		return fmt.Errorf("load content: %w", err)
	}
	grants, err := s.loadGrants(ctx)
	if err != nil {
		return fmt.Errorf("load grants: %w", err)
	}
	tokens, err := s.loadTokens(ctx)
	if err != nil {
		return fmt.Errorf("load tokens: %w", err)
	}
	seq := uint64(0)
	if s.Audit != nil {
		seq, err = s.Audit.LastSeq(ctx)
		if err != nil {
			return fmt.Errorf("load audit seq: %w", err)
		}
	}
	s.mu.Lock()
	s.Engine.Restore(handles)
	s.Ledger.Restore(contents, grants, tokens, seq)
	s.mu.Unlock()
	if s.OracleStore != nil {
		reqs, err := s.OracleStore.Load(ctx)
		if err != nil {
			return fmt.Errorf("load decryptions: %w", err)
		}
		s.Requests.Restore(reqs)
	}
	log.Printf("gateway: warmed %d content items, %d grants, %d tokens, %d handles, seq=%d",
		len(contents), len(grants), len(tokens), len(handles), seq)
	return nil
}

func (s *Server) loadContents(ctx context.Context) ([]ledger.ContentItem, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, creator, payload_handle, price_handle, title, description, active, created_at
		FROM content_items ORDER BY id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ledger.ContentItem
	for rows.Next() {
		var (
			id      int64
			creator string
			item    ledger.ContentItem
		)
		if err := rows.Scan(&id, &creator, &item.Payload, &item.Price, &item.Title, &item.Description, &item.Active, &item.CreatedAt); err != nil {
			return nil, err
		}
		item.ID = uint64(id)
		item.Creator = seal.PrincipalID(creator)
		out = append(out, item)
	}
	return out, rows.Err()
}

func (s *Server) loadGrants(ctx context.Context) ([]ledger.AccessGrant, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT content_id, user_principal, token_id, active
		FROM access_grants ORDER BY content_id ASC, user_principal ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ledger.AccessGrant
	for rows.Next() {
		var (
			contentID int64
			user      string
			tokenID   *int64
			grant     ledger.AccessGrant
		)
		if err := rows.Scan(&contentID, &user, &tokenID, &grant.Active); err != nil {
			return nil, err
		}
		grant.ContentID = uint64(contentID)
		grant.User = seal.PrincipalID(user)
		if tokenID != nil {
			id := uint64(*tokenID)
			grant.TokenID = &id
		}
		out = append(out, grant)
	}
	return out, rows.Err()
}

func (s *Server) loadTokens(ctx context.Context) ([]ledger.AccessToken, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, content_id, owner, access_key_handle, expires_at, valid
		FROM access_tokens ORDER BY id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ledger.AccessToken
	for rows.Next() {
		var (
			id        int64
			contentID int64
			owner     string
			token     ledger.AccessToken
		)
		if err := rows.Scan(&id, &contentID, &owner, &token.AccessKey, &token.ExpiresAt, &token.Valid); err != nil {
			return nil, err
		}
		token.ID = uint64(id)
		token.ContentID = uint64(contentID)
		token.Owner = seal.PrincipalID(owner)
		out = append(out, token)
	}
	return out, rows.Err()
}

func (s *Server) loadHandles(ctx context.Context) ([]seal.Handle, error) {
	rows, err := s.DB.Query(ctx, `SELECT id, sealed, allowed FROM ciphertext_handles`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []seal.Handle
	for rows.Next() {
		var (
			handle  seal.Handle
			allowed []byte
		)
		if err := rows.Scan(&handle.ID, &handle.Sealed, &allowed); err != nil {
			return nil, err
		}
		if len(allowed) > 0 {
			if err := json.Unmarshal(allowed, &handle.Allowed); err != nil {
				return nil, fmt.Errorf("handle %s allow-list: %w", handle.ID, err)
			}
		}
		out = append(out, handle)
	}
	return out, rows.Err()
}
