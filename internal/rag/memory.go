package rag

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
)

// ErrDimensionMismatch is returned when a query or document vector does not
// match the dimensionality of vectors already in the index.
var ErrDimensionMismatch = errors.New("rag: embedding dimension mismatch")

// MemoryIndex is an in-process brute-force [Index]. Search computes cosine
// distance against every document, which is fine for the corpus sizes a
// single voice agent carries.
//
// Safe for concurrent use.
type MemoryIndex struct {
	mu   sync.RWMutex
	docs map[string]Document
	dims int
}

var _ Index = (*MemoryIndex)(nil)

// NewMemoryIndex returns an empty [MemoryIndex].
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{docs: make(map[string]Document)}
}

// Add implements [Index].
func (m *MemoryIndex) Add(ctx context.Context, docs ...Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range docs {
		if m.dims == 0 {
			m.dims = len(d.Embedding)
		} else if len(d.Embedding) != m.dims {
			return ErrDimensionMismatch
		}
		m.docs[d.ID] = d
	}
	return nil
}

// Len reports the number of indexed documents.
func (m *MemoryIndex) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs)
}

// Search implements [Index].
func (m *MemoryIndex) Search(ctx context.Context, embedding []float32, topK int) ([]Result, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.docs) == 0 || topK <= 0 {
		return []Result{}, nil
	}
	if len(embedding) != m.dims {
		return nil, ErrDimensionMismatch
	}

	results := make([]Result, 0, len(m.docs))
	for _, d := range m.docs {
		results = append(results, Result{
			Document: d,
			Distance: cosineDistance(embedding, d.Embedding),
		})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Distance != results[j].Distance {
			return results[i].Distance < results[j].Distance
		}
		return results[i].Document.ID < results[j].Document.ID
	})
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// cosineDistance returns 1 - cosine similarity. Zero vectors are treated as
// maximally distant.
func cosineDistance(a, b []float32) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(normA)*math.Sqrt(normB))
}
