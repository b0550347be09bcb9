package rag

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/hauksbok/kvasir/pkg/provider/embeddings"
)

// corpusFile is the on-disk layout of a corpus YAML file.
type corpusFile struct {
	Documents []Document `yaml:"documents"`
}

// LoadCorpus reads a YAML corpus file. Documents must carry an id and text;
// embeddings are computed at index time, not stored in the file.
func LoadCorpus(path string) ([]Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("rag: open corpus %q: %w", path, err)
	}
	defer f.Close()

	var cf corpusFile
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cf); err != nil {
		return nil, fmt.Errorf("rag: parse corpus %q: %w", path, err)
	}

	for i, d := range cf.Documents {
		if d.ID == "" {
			return nil, fmt.Errorf("rag: corpus %q: documents[%d] is missing an id", path, i)
		}
		if d.Text == "" {
			return nil, fmt.Errorf("rag: corpus %q: document %q has no text", path, d.ID)
		}
	}
	return cf.Documents, nil
}

// IndexCorpus embeds every document in batch and adds them to idx.
func IndexCorpus(ctx context.Context, idx Index, embedder embeddings.Provider, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.Text
	}
	vectors, err := embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("rag: embed corpus: %w", err)
	}
	if len(vectors) != len(docs) {
		return fmt.Errorf("rag: embed corpus: got %d vectors for %d documents", len(vectors), len(docs))
	}
	for i := range docs {
		docs[i].Embedding = vectors[i]
	}
	return idx.Add(ctx, docs...)
}
