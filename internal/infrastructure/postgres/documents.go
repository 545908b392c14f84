package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DocumentStore archives rendered prescription documents.
type DocumentStore struct {
	pool *pgxpool.Pool
}

// NewDocumentStore creates a document store
func NewDocumentStore(pool *pgxpool.Pool) *DocumentStore {
	return &DocumentStore{pool: pool}
}

// Put stores or replaces the document for a record
func (s *DocumentStore) Put(ctx context.Context, recordID uuid.UUID, contentType string, content []byte) error {
	query := `
		INSERT INTO prescription_documents (record_id, content_type, content)
		VALUES ($1, $2, $3)
		ON CONFLICT (record_id) DO UPDATE
		SET content_type = EXCLUDED.content_type, content = EXCLUDED.content, created_at = NOW()
	`
	if _, err := s.pool.Exec(ctx, query, recordID, contentType, content); err != nil {
		return fmt.Errorf("store document: %w", err)
	}
	return nil
}
