// Package embeddings defines the Provider interface for vector embedding
// backends.
//
// An embeddings provider maps text strings to dense float32 vectors. The
// retrieval index uses it twice: EmbedBatch at startup to index the document
// corpus, and Embed per turn to vectorise the user's transcript for
// nearest-neighbour search.
//
// Implementations must be safe for concurrent use.
package embeddings

import "context"

// Provider is the abstraction over any text-embedding backend.
//
// All vectors returned by a single Provider instance share the same
// dimensionality (Dimensions). Vectors from different providers or models
// must never be mixed in one similarity computation.
type Provider interface {
	// Embed computes the embedding vector for a single text string. Returns a
	// float32 slice of length Dimensions(), or an error if the request fails
	// or ctx is cancelled.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch computes vectors for a slice of texts in a single provider
	// call; result[i] corresponds to texts[i]. Partial results are not
	// returned; on error the entire slice is nil.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the fixed length of every vector produced by this
	// provider.
	Dimensions() int

	// ModelID returns the provider-specific embedding model identifier, for
	// logging and index compatibility checks.
	ModelID() string
}
