package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RecordAIInteraction stores one model call for usage accounting. Both
// successful and failed pipeline runs are recorded.
func (s *Store) RecordAIInteraction(ctx context.Context, in *AIInteraction) error {
	if in.ID == "" {
		in.ID = uuid.New().String()
	}
	if in.CreatedAt.IsZero() {
		in.CreatedAt = time.Now().UTC()
	}
	if in.Status == "" {
		in.Status = InteractionSuccess
	}
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO ai_interactions (id, organization_id, conversation_id, model, prompt_tokens, completion_tokens, cost_usd, intent, status, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		in.ID, in.OrganizationID, in.ConversationID, in.Model, in.PromptTokens, in.CompletionTokens, in.CostUSD, in.Intent, in.Status, in.Error, in.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record AI interaction: %w", err)
	}
	return nil
}

// ListAIInteractions returns the newest interactions of an organization,
// limited to limit rows.
func (s *Store) ListAIInteractions(ctx context.Context, orgID string, limit int) ([]AIInteraction, error) {
	var out []AIInteraction
	err := s.db.SelectContext(ctx, &out, s.rebind(
		`SELECT * FROM ai_interactions WHERE organization_id = ? ORDER BY created_at DESC LIMIT ?`),
		orgID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list AI interactions: %w", err)
	}
	return out, nil
}

// UsageSummary aggregates model usage for an organization over a period.
type UsageSummary struct {
	Interactions     int     `db:"interactions" json:"interactions"`
	PromptTokens     int     `db:"prompt_tokens" json:"promptTokens"`
	CompletionTokens int     `db:"completion_tokens" json:"completionTokens"`
	CostUSD          float64 `db:"cost_usd" json:"costUsd"`
}

// SummarizeUsage aggregates interaction counts, tokens and cost since a cutoff.
func (s *Store) SummarizeUsage(ctx context.Context, orgID string, since time.Time) (*UsageSummary, error) {
	var sum UsageSummary
	err := s.db.GetContext(ctx, &sum, s.rebind(
		`SELECT COUNT(*) AS interactions,
		        COALESCE(SUM(prompt_tokens), 0) AS prompt_tokens,
		        COALESCE(SUM(completion_tokens), 0) AS completion_tokens,
		        COALESCE(SUM(cost_usd), 0) AS cost_usd
		 FROM ai_interactions WHERE organization_id = ? AND created_at >= ?`),
		orgID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize usage: %w", err)
	}
	return &sum, nil
}

// SaveSessionBackup stores an encrypted session snapshot.
func (s *Store) SaveSessionBackup(ctx context.Context, orgID string, payload []byte) (*SessionBackup, error) {
	backup := &SessionBackup{
		ID:             uuid.New().String(),
		OrganizationID: orgID,
		Payload:        payload,
		CreatedAt:      time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO session_backups (id, organization_id, payload, created_at) VALUES (?, ?, ?, ?)`),
		backup.ID, backup.OrganizationID, backup.Payload, backup.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to save session backup: %w", err)
	}
	return backup, nil
}

// LatestSessionBackup loads the most recent backup for an organization.
func (s *Store) LatestSessionBackup(ctx context.Context, orgID string) (*SessionBackup, error) {
	var backup SessionBackup
	err := s.db.GetContext(ctx, &backup, s.rebind(
		`SELECT * FROM session_backups WHERE organization_id = ? ORDER BY created_at DESC LIMIT 1`), orgID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session backup: %w", err)
	}
	return &backup, nil
}

// PruneSessionBackups deletes backups older than the cutoff, keeping at least
// the newest one per organization.
func (s *Store) PruneSessionBackups(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(
		`DELETE FROM session_backups WHERE created_at < ? AND id NOT IN (
			SELECT id FROM (
				SELECT id, ROW_NUMBER() OVER (PARTITION BY organization_id ORDER BY created_at DESC) AS rn
				FROM session_backups
			) ranked WHERE rn = 1
		 )`), before)
	if err != nil {
		return 0, fmt.Errorf("failed to prune session backups: %w", err)
	}
	return res.RowsAffected()
}
