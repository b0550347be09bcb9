// Package rag provides retrieval augmentation for the turn pipeline: a small
// document corpus indexed by embedding vector, queried with the user's
// transcript to ground the language model's response.
//
// Retrieval is a best-effort stage. The [Augmentor] degrades to an empty
// context block on timeout or backend failure so a slow index never stalls a
// turn.
package rag

import (
	"context"
)

// Document is one entry in the retrieval corpus.
type Document struct {
	// ID uniquely identifies the document within the index.
	ID string `yaml:"id"`

	// Title is a short human-readable label.
	Title string `yaml:"title"`

	// Text is the retrievable content.
	Text string `yaml:"text"`

	// Embedding is the document's vector. Populated at index time; corpus
	// files normally leave it empty.
	Embedding []float32 `yaml:"-"`
}

// Result is one retrieved document with its cosine distance from the query.
// Smaller distance means more similar.
type Result struct {
	Document Document
	Distance float64
}

// Index is a vector index over [Document]s.
type Index interface {
	// Add indexes docs, replacing documents with the same ID.
	Add(ctx context.Context, docs ...Document) error

	// Search returns the topK documents closest to embedding, ordered by
	// ascending cosine distance. An empty index returns an empty slice.
	Search(ctx context.Context, embedding []float32, topK int) ([]Result, error)
}
