package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"reflect"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// ErrEmptyQuery is returned when searching with an empty query
var ErrEmptyQuery = errors.New("vectorstore: query cannot be empty")

// Document is a chunk of text with its metadata
type Document struct {
	ID       string
	Text     string
	Metadata map[string]any
}

// SearchResult is a document ranked against a query
type SearchResult struct {
	Document
	Score float64
}

type entry struct {
	doc    Document
	vector []float64
}

// MemoryStore keeps documents and their embeddings in memory
type MemoryStore struct {
	mu       sync.RWMutex
	entries  []entry
	embedder Embedder
	logger   *slog.Logger
}

// MemoryStoreOption configures a MemoryStore
type MemoryStoreOption func(*MemoryStore)

// WithEmbedder sets the embedder
func WithEmbedder(e Embedder) MemoryStoreOption {
	return func(s *MemoryStore) {
		s.embedder = e
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) MemoryStoreOption {
	return func(s *MemoryStore) {
		s.logger = logger
	}
}

// NewMemoryStore creates an empty store using a HashEmbedder unless another
// embedder is configured
func NewMemoryStore(options ...MemoryStoreOption) *MemoryStore {
	s := &MemoryStore{
		embedder: NewHashEmbedder(512),
		logger:   slog.Default(),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// AddDocuments embeds and stores docs, returning their IDs. Documents without
// an ID get a generated one.
func (s *MemoryStore) AddDocuments(ctx context.Context, docs []Document) ([]string, error) {
	if len(docs) == 0 {
		return nil, nil
	}

	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.Text
	}
	vectors, err := s.embedder.Embed(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("failed to embed documents: %w", err)
	}
	if len(vectors) != len(docs) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d documents", len(vectors), len(docs))
	}

	ids := make([]string, len(docs))
	added := make([]entry, len(docs))
	for i, d := range docs {
		if d.ID == "" {
			d.ID = uuid.New().String()
		}
		d.Metadata = maps.Clone(d.Metadata)
		if d.Metadata == nil {
			d.Metadata = map[string]any{}
		}
		ids[i] = d.ID
		added[i] = entry{doc: d, vector: vectors[i]}
	}

	s.mu.Lock()
	s.entries = append(s.entries, added...)
	total := len(s.entries)
	s.mu.Unlock()

	s.logger.Debug("added documents", "count", len(docs), "total", total)
	return ids, nil
}

// SimilaritySearch returns up to k documents ordered by descending similarity
// to query. Only documents whose metadata equals every filter entry are
// considered.
func (s *MemoryStore) SimilaritySearch(ctx context.Context, query string, k int, filter map[string]any) ([]SearchResult, error) {
	if query == "" {
		return nil, ErrEmptyQuery
	}
	if k <= 0 {
		return nil, nil
	}

	vectors, err := s.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	queryVec := vectors[0]

	s.mu.RLock()
	results := make([]SearchResult, 0, len(s.entries))
	for _, e := range s.entries {
		if !MatchesFilter(e.doc.Metadata, filter) {
			continue
		}
		results = append(results, SearchResult{
			Document: Document{ID: e.doc.ID, Text: e.doc.Text, Metadata: maps.Clone(e.doc.Metadata)},
			Score:    CosineSimilarity(queryVec, e.vector),
		})
	}
	s.mu.RUnlock()

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// Delete removes documents by ID and reports how many were removed
func (s *MemoryStore) Delete(ctx context.Context, ids []string) (int, error) {
	remove := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		remove[id] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.entries[:0]
	for _, e := range s.entries {
		if _, ok := remove[e.doc.ID]; !ok {
			kept = append(kept, e)
		}
	}
	removed := len(s.entries) - len(kept)
	s.entries = kept
	return removed, nil
}

// Clear removes every document
func (s *MemoryStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	s.entries = nil
	s.mu.Unlock()
	return nil
}

// Count returns the number of stored documents
func (s *MemoryStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// MatchesFilter reports whether metadata holds every key of filter with an equal
// value. Numbers compare by value regardless of their Go type.
func MatchesFilter(metadata, filter map[string]any) bool {
	for k, want := range filter {
		got, ok := metadata[k]
		if !ok || !valuesEqual(got, want) {
			return false
		}
	}
	return true
}

func valuesEqual(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	default:
		return 0, false
	}
}
