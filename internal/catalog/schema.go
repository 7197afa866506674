package catalog

// The catalog is a SQLite database recording which snapshot artifacts exist
// for each collection and which one is served.

// CreateCollectionsTableSQL creates the collection registry.
const CreateCollectionsTableSQL = `
CREATE TABLE IF NOT EXISTS collections (
    collection_id TEXT PRIMARY KEY,
    title TEXT NOT NULL DEFAULT '',
    description TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
)`

// CreateSnapshotsTableSQL creates the snapshots table. Extent columns are
// NULL for empty snapshots.
const CreateSnapshotsTableSQL = `
CREATE TABLE IF NOT EXISTS snapshots (
    snapshot_id TEXT PRIMARY KEY,
    collection_id TEXT NOT NULL,
    object_key TEXT NOT NULL,
    size_bytes INTEGER NOT NULL,
    feature_count INTEGER NOT NULL,
    crs INTEGER NOT NULL,
    min_x REAL,
    min_y REAL,
    max_x REAL,
    max_y REAL,
    indexed_fields TEXT NOT NULL DEFAULT '[]',
    status TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    activated_at INTEGER,
    retired_at INTEGER,
    FOREIGN KEY (collection_id) REFERENCES collections(collection_id)
)`

// CreateSnapshotsIndexesSQL creates the lookup indexes. The partial unique
// index allows at most one active snapshot per collection.
var CreateSnapshotsIndexesSQL = []string{
	`CREATE INDEX IF NOT EXISTS idx_snapshots_collection ON snapshots(collection_id, status, created_at)`,

	`CREATE UNIQUE INDEX IF NOT EXISTS idx_snapshots_active ON snapshots(collection_id)
		WHERE status = 'active'`,

	`CREATE INDEX IF NOT EXISTS idx_snapshots_retired ON snapshots(retired_at)
		WHERE status = 'retired'`,
}

// AnalyzeSQL refreshes the SQLite planner statistics.
const AnalyzeSQL = `ANALYZE`

// AllSchemaSQL returns every statement needed to initialize the catalog.
func AllSchemaSQL() []string {
	statements := []string{
		CreateCollectionsTableSQL,
		CreateSnapshotsTableSQL,
	}
	return append(statements, CreateSnapshotsIndexesSQL...)
}
