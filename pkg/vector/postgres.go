package vector

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// PostgresStore calls the match_documents function over a direct database
// connection. Useful when the database is reachable without going through
// PostgREST, e.g. a local pgvector instance.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens a connection pool for the given DSN.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	return &PostgresStore{db: db}, nil
}

// MatchDocuments runs the match_documents function.
func (s *PostgresStore) MatchDocuments(ctx context.Context, q MatchQuery) ([]Hit, error) {
	if err := validateQuery(q); err != nil {
		return nil, err
	}

	var mapID sql.NullString
	if q.MapID != "" {
		mapID = sql.NullString{String: q.MapID, Valid: true}
	}

	var tags any
	if len(q.Tags) > 0 {
		tags = pq.Array(q.Tags)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, chunk_text, map_id, similarity
		   FROM match_documents($1::vector, $2, $3, $4, $5)`,
		vectorLiteral(q.Embedding), q.MatchCount, mapID, tags, q.Threshold,
	)
	if err != nil {
		return nil, fmt.Errorf("match_documents failed: %w", err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var hit Hit
		var hitMapID sql.NullString
		if err := rows.Scan(&hit.ID, &hit.ChunkText, &hitMapID, &hit.Similarity); err != nil {
			return nil, fmt.Errorf("failed to scan hit: %w", err)
		}
		hit.MapID = hitMapID.String
		hits = append(hits, hit)
	}
	return hits, rows.Err()
}

// Insert adds a row to the documents table.
func (s *PostgresStore) Insert(ctx context.Context, doc Document) error {
	if err := validateDocument(doc); err != nil {
		return err
	}
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}

	var mapID sql.NullString
	if doc.MapID != "" {
		mapID = sql.NullString{String: doc.MapID, Valid: true}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (id, map_id, chunk_text, embedding)
		 VALUES ($1, $2, $3, $4::vector)`,
		doc.ID, mapID, doc.ChunkText, vectorLiteral(doc.Embedding),
	)
	if err != nil {
		return fmt.Errorf("document insert failed: %w", err)
	}
	return nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// vectorLiteral renders a pgvector input literal: "[0.1,0.2,...]".
func vectorLiteral(embedding []float32) string {
	var sb strings.Builder
	sb.WriteString("[")
	for i, v := range embedding {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString(strconv.FormatFloat(float64(v), 'f', -1, 32))
	}
	sb.WriteString("]")
	return sb.String()
}

var _ Store = (*PostgresStore)(nil)
