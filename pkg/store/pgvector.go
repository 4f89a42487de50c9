package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	"go.uber.org/zap"

	"github.com/xhad/handbookqa/internal/logging"
	"github.com/xhad/handbookqa/internal/models"
)

type VectorStoreConfig struct {
	ConnString string
	TableName  string
}

// PGVector stores chunks in a Postgres table with a pgvector column.
type PGVector struct {
	config VectorStoreConfig
	table  string
	pool   *pgxpool.Pool
	logger *zap.Logger
}

func NewWithConfig(ctx context.Context, config VectorStoreConfig, logger *zap.Logger) (*PGVector, error) {
	if config.TableName == "" {
		config.TableName = "handbook_chunks"
	}

	pool, err := pgxpool.New(ctx, config.ConnString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return &PGVector{
		config: config,
		table:  pgx.Identifier{config.TableName}.Sanitize(),
		pool:   pool,
		logger: logging.OrNop(logger),
	}, nil
}

func (vs *PGVector) Exists(ctx context.Context) (bool, error) {
	var exists bool
	err := vs.pool.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM pg_tables WHERE schemaname = current_schema() AND tablename = $1)",
		vs.config.TableName).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check table: %w", err)
	}
	return exists, nil
}

func (vs *PGVector) Create(ctx context.Context, dimension int) error {
	// Enable pgvector extension
	_, err := vs.pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector")
	if err != nil {
		return fmt.Errorf("failed to create vector extension: %w", err)
	}

	createTable := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			content TEXT NOT NULL,
			embedding vector(%d),
			metadata JSONB NOT NULL
		)`, vs.table, dimension)

	if _, err = vs.pool.Exec(ctx, createTable); err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}

	// Searches are exact scans within one handbook; no ANN index on embedding.
	indexName := func(suffix string) string {
		return pgx.Identifier{vs.config.TableName + suffix}.Sanitize()
	}

	createFilenameIndex := fmt.Sprintf(`
		CREATE INDEX IF NOT EXISTS %s
		ON %s ((metadata->>'filename'))`,
		indexName("_filename_idx"), vs.table)

	if _, err = vs.pool.Exec(ctx, createFilenameIndex); err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}

	vs.logger.Info("created table", zap.String("table", vs.config.TableName), zap.Int("dimension", dimension))
	return nil
}

func (vs *PGVector) Drop(ctx context.Context) error {
	if _, err := vs.pool.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", vs.table)); err != nil {
		return fmt.Errorf("failed to drop table: %w", err)
	}
	return nil
}

func (vs *PGVector) Upsert(ctx context.Context, chunks []models.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	// Begin transaction
	tx, err := vs.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	stmt := fmt.Sprintf(`
		INSERT INTO %s (id, content, embedding, metadata)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			content = EXCLUDED.content,
			embedding = EXCLUDED.embedding,
			metadata = EXCLUDED.metadata`,
		vs.table)

	batch := &pgx.Batch{}
	for _, c := range chunks {
		meta, err := json.Marshal(c.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode metadata: %w", err)
		}
		batch.Queue(stmt, c.ID, c.Text, pgvector.NewVector(c.Embedding), meta)
	}

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to insert chunks: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (vs *PGVector) Search(ctx context.Context, vector []float32, filename string, limit int) ([]models.SearchResult, error) {
	if limit <= 0 {
		return nil, nil
	}

	query := fmt.Sprintf(`
		SELECT id, content, metadata, 1 - (embedding <=> $1) AS score
		FROM %s
		WHERE metadata->>'filename' = $2
		ORDER BY embedding <=> $1
		LIMIT $3`,
		vs.table)

	rows, err := vs.pool.Query(ctx, query, pgvector.NewVector(vector), filename, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query chunks: %w", err)
	}
	defer rows.Close()

	var results []models.SearchResult
	for rows.Next() {
		var (
			r    models.SearchResult
			meta []byte
		)
		if err := rows.Scan(&r.Chunk.ID, &r.Chunk.Text, &meta, &r.Score); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		if err := json.Unmarshal(meta, &r.Chunk.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata: %w", err)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

func (vs *PGVector) DeleteSource(ctx context.Context, filename string) error {
	_, err := vs.pool.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE metadata->>'filename' = $1", vs.table), filename)
	if err != nil {
		return fmt.Errorf("failed to delete chunks: %w", err)
	}
	return nil
}

func (vs *PGVector) Count(ctx context.Context) (int, error) {
	var n int
	if err := vs.pool.QueryRow(ctx, fmt.Sprintf("SELECT count(*) FROM %s", vs.table)).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count chunks: %w", err)
	}
	return n, nil
}

func (vs *PGVector) Close() error {
	if vs.pool != nil {
		vs.pool.Close()
	}
	return nil
}
