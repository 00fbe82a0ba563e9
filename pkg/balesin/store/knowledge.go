package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// KnowledgeItem is a free-text document with a precomputed embedding used
// for retrieval-augmented answers. The embedding is computed once at create
// time and never recomputed on edit.
type KnowledgeItem struct {
	ID         uuid.UUID       `gorm:"column:id;type:uuid;primaryKey;default:gen_random_uuid()"`
	Content    string          `gorm:"column:content;type:text"`
	Embeddings pgvector.Vector `gorm:"column:embeddings;type:vector(1536)"`
	Metadata   datatypes.JSON  `gorm:"column:metadata"`
	CreatedAt  time.Time       `gorm:"column:created_at"`
	UpdatedAt  time.Time       `gorm:"column:updated_at"`
}

// TableName matches the dashboard's schema.
func (KnowledgeItem) TableName() string { return "knowledge_source" }

// SearchResult is one knowledge hit. Similarity is cosine similarity in
// [0,1], higher is more relevant.
type SearchResult struct {
	ID         uuid.UUID `gorm:"column:id"`
	Content    string    `gorm:"column:content"`
	Similarity float64   `gorm:"column:similarity"`
}

// Embedder turns text into an embedding vector. Implemented by the OpenAI
// client in the agent package; abstracted here so the store stays free of
// provider details and tests can use fixed vectors.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// KnowledgeStore persists and searches knowledge items.
type KnowledgeStore struct {
	db       *gorm.DB
	embedder Embedder
}

// NewKnowledgeStore creates a KnowledgeStore.
func NewKnowledgeStore(db *gorm.DB, embedder Embedder) *KnowledgeStore {
	return &KnowledgeStore{db: db, embedder: embedder}
}

// Create embeds the content synchronously and inserts the item.
func (s *KnowledgeStore) Create(ctx context.Context, content string) (*KnowledgeItem, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, fmt.Errorf("knowledge content must not be empty")
	}

	vec, err := s.embedder.Embed(ctx, content)
	if err != nil {
		return nil, fmt.Errorf("embedding content: %w", err)
	}

	item := &KnowledgeItem{
		ID:         uuid.New(),
		Content:    content,
		Embeddings: pgvector.NewVector(vec),
		Metadata:   datatypes.JSON([]byte(`{}`)),
	}
	if err := s.db.WithContext(ctx).Create(item).Error; err != nil {
		return nil, fmt.Errorf("inserting knowledge item: %w", err)
	}
	return item, nil
}

// Delete removes an item by id.
func (s *KnowledgeStore) Delete(ctx context.Context, id uuid.UUID) error {
	return s.db.WithContext(ctx).Delete(&KnowledgeItem{}, "id = ?", id).Error
}

// List returns all items, newest first.
func (s *KnowledgeStore) List(ctx context.Context) ([]KnowledgeItem, error) {
	var items []KnowledgeItem
	err := s.db.WithContext(ctx).Order("created_at DESC").Find(&items).Error
	return items, err
}

// Search embeds the query and returns items whose cosine similarity meets
// the threshold, most similar first. pgvector's <=> operator is cosine
// distance, so similarity = 1 - distance.
func (s *KnowledgeStore) Search(ctx context.Context, query string, limit int, threshold float64) ([]SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("search query must not be empty")
	}
	if limit <= 0 {
		limit = 5
	}

	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	qv := pgvector.NewVector(vec)

	var results []SearchResult
	err = s.db.WithContext(ctx).Raw(`
		SELECT id, content, 1 - (embeddings <=> ?) AS similarity
		FROM knowledge_source
		WHERE embeddings IS NOT NULL
		  AND 1 - (embeddings <=> ?) >= ?
		ORDER BY embeddings <=> ?
		LIMIT ?`,
		qv, qv, threshold, qv, limit,
	).Scan(&results).Error
	if err != nil {
		return nil, fmt.Errorf("searching knowledge: %w", err)
	}
	return results, nil
}
