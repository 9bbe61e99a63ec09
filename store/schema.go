package store

// schemaSQL is the DDL for all tables.
const schemaSQL = `
-- One row per distinct uploaded file, keyed by content hash
CREATE TABLE IF NOT EXISTS documents (
    content_hash TEXT PRIMARY KEY,
    filename TEXT NOT NULL,
    page_count INTEGER DEFAULT 0,
    first_seen TEXT NOT NULL,
    last_seen TEXT NOT NULL
);

-- Processing audit log
CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    operation TEXT NOT NULL,
    filename TEXT,
    content_hash TEXT,
    page_number INTEGER DEFAULT 0,
    page_count INTEGER DEFAULT 0,
    language TEXT,
    status TEXT NOT NULL,
    error TEXT,
    result JSON,
    total_tokens INTEGER DEFAULT 0,
    duration_ms INTEGER DEFAULT 0,
    created_at TEXT NOT NULL
);

-- Indexes
CREATE INDEX IF NOT EXISTS idx_runs_created ON runs(created_at);
CREATE INDEX IF NOT EXISTS idx_runs_hash ON runs(content_hash);
`
