// Package pgvector implements the remote vector backend: an adapter over
// PostgreSQL with the pgvector extension, scoring entirely by the service's
// cosine distance and self-archiving aged records to monthly JSONL logs.
package pgvector

import "fmt"

// schemaTemplate is the DDL for the remote store. The embedding column needs
// a fixed dimension, supplied at construction from the embedding provider.
const schemaTemplate = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS memories (
	id         TEXT PRIMARY KEY,
	content    TEXT NOT NULL,
	metadata   JSONB,
	level      TEXT NOT NULL CHECK (level IN ('P0', 'P1', 'P2')),
	embedding  vector(%d),
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_memories_level ON memories(level);
CREATE INDEX IF NOT EXISTS idx_memories_created_at ON memories(created_at);
`

func schema(dimensions int) string {
	return fmt.Sprintf(schemaTemplate, dimensions)
}
