package models

import (
	"fmt"

	"github.com/google/uuid"
)

// ElementKind classifies a block of extracted document text.
type ElementKind string

const (
	KindText  ElementKind = "text"
	KindTitle ElementKind = "title"
	KindTable ElementKind = "table"
)

// Element is a contiguous block of text extracted from a source document.
type Element struct {
	Kind ElementKind
	Text string
	Page int
}

// Document is a parsed source file, before chunking.
type Document struct {
	Path     string
	Filename string
	Elements []Element
}

type ChunkMetadata struct {
	Filename string      `json:"filename"`
	Page     int         `json:"page,omitempty"`
	Kind     ElementKind `json:"kind,omitempty"`
	Index    int         `json:"index"`
}

// Chunk is a bounded span of document text stored with its embedding.
// Chunks are immutable once embedded.
type Chunk struct {
	ID        string        `json:"id"`
	Text      string        `json:"text"`
	Metadata  ChunkMetadata `json:"metadata"`
	Embedding []float32     `json:"embedding,omitempty"`
}

// chunkNamespace scopes chunk IDs so re-ingesting a file overwrites its points.
var chunkNamespace = uuid.MustParse("6f1c3a52-8d0e-4f7b-9a43-2c5e8b1d7f60")

// ChunkID derives a stable UUID for the index-th chunk of filename.
func ChunkID(filename string, index int) string {
	return uuid.NewSHA1(chunkNamespace, []byte(fmt.Sprintf("%s#%d", filename, index))).String()
}

// SearchResult is a chunk returned by vector search or reranking, with its relevance score.
type SearchResult struct {
	Chunk Chunk
	Score float64
}

// Turn is one (user, assistant) exchange of a conversation.
type Turn struct {
	User      string `json:"user"`
	Assistant string `json:"assistant"`
}
