package store

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"

	"github.com/xhad/handbookqa/internal/models"
)

var ErrNoCollection = errors.New("collection does not exist")

// Memory is an in-process vector store using brute-force cosine similarity.
type Memory struct {
	mu        sync.RWMutex
	created   bool
	dimension int
	order     []string
	points    map[string]models.Chunk
}

func NewMemory() *Memory {
	return &Memory{points: make(map[string]models.Chunk)}
}

func (m *Memory) Exists(ctx context.Context) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.created, nil
}

func (m *Memory) Create(ctx context.Context, dimension int) error {
	if dimension <= 0 {
		return errors.New("invalid dimension")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.created {
		return nil
	}
	m.created = true
	m.dimension = dimension
	return nil
}

func (m *Memory) Drop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.created = false
	m.dimension = 0
	m.order = nil
	m.points = make(map[string]models.Chunk)
	return nil
}

func (m *Memory) Upsert(ctx context.Context, chunks []models.Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.created {
		return ErrNoCollection
	}
	for _, c := range chunks {
		if len(c.Embedding) != m.dimension {
			return errors.New("vector dimension mismatch")
		}
	}
	for _, c := range chunks {
		if _, ok := m.points[c.ID]; !ok {
			m.order = append(m.order, c.ID)
		}
		m.points[c.ID] = c
	}
	return nil
}

func (m *Memory) Search(ctx context.Context, vector []float32, filename string, limit int) ([]models.SearchResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.created {
		return nil, ErrNoCollection
	}
	if limit <= 0 {
		return nil, nil
	}

	var results []models.SearchResult
	for _, id := range m.order {
		c := m.points[id]
		if c.Metadata.Filename != filename {
			continue
		}
		results = append(results, models.SearchResult{Chunk: withoutEmbedding(c), Score: cosine(c.Embedding, vector)})
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func (m *Memory) DeleteSource(ctx context.Context, filename string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.order[:0]
	for _, id := range m.order {
		if m.points[id].Metadata.Filename == filename {
			delete(m.points, id)
			continue
		}
		kept = append(kept, id)
	}
	m.order = kept
	return nil
}

func (m *Memory) Count(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.points), nil
}

func (m *Memory) Close() error { return nil }

func withoutEmbedding(c models.Chunk) models.Chunk {
	c.Embedding = nil
	return c
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
