// Package catalog records snapshot artifacts per collection in SQLite and
// tracks which snapshot each collection serves.
package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	fperrors "github.com/featurepack/featurepack/internal/errors"
	"github.com/featurepack/featurepack/internal/logging"
	"github.com/featurepack/featurepack/internal/snapshot"
	"github.com/featurepack/featurepack/pkg/types"
)

// Status is the lifecycle state of a registered snapshot.
type Status string

const (
	StatusPending Status = "pending"
	StatusActive  Status = "active"
	StatusRetired Status = "retired"
)

// Catalog manages snapshot metadata.
type Catalog interface {
	// EnsureCollection creates the collection if needed. Non-empty title or
	// description replace the stored ones.
	EnsureCollection(ctx context.Context, collection, title, description string) error

	// RegisterSnapshot records a built artifact as pending.
	RegisterSnapshot(ctx context.Context, rec *SnapshotRecord) error

	// Activate makes the snapshot the one its collection serves and retires
	// the previously active one in the same transaction. It returns the id of
	// the retired snapshot, or "" if there was none.
	Activate(ctx context.Context, collection, snapshotID string) (string, error)

	// ActiveSnapshot returns the active snapshot of a collection.
	ActiveSnapshot(ctx context.Context, collection string) (*SnapshotRecord, error)

	// ActiveSnapshots returns the active snapshot of every collection.
	ActiveSnapshots(ctx context.Context) ([]*SnapshotRecord, error)

	// GetSnapshot returns one snapshot by id.
	GetSnapshot(ctx context.Context, snapshotID string) (*SnapshotRecord, error)

	// ListCollections returns every collection ordered by id.
	ListCollections(ctx context.Context) ([]*CollectionRecord, error)

	// ListSnapshots returns the snapshots of a collection, newest first.
	ListSnapshots(ctx context.Context, collection string) ([]*SnapshotRecord, error)

	// PurgeRetired deletes retired snapshots beyond the newest keep per
	// collection and returns the deleted records so their artifacts can be
	// removed. An empty collection purges every collection.
	PurgeRetired(ctx context.Context, collection string, keep int) ([]*SnapshotRecord, error)

	// Close closes the catalog database connections.
	Close() error
}

// SnapshotRecord describes one registered snapshot artifact.
type SnapshotRecord struct {
	SnapshotID    string
	CollectionID  string
	ObjectKey     string
	SizeBytes     int64
	FeatureCount  uint64
	CRS           int
	Extent        *types.BBox
	IndexedFields []string
	Status        Status
	CreatedAt     time.Time
	ActivatedAt   *time.Time
	RetiredAt     *time.Time
}

// NewSnapshotRecord builds a record from the metadata of a built artifact
// stored under objectKey.
func NewSnapshotRecord(meta *snapshot.Metadata, objectKey string, sizeBytes int64) *SnapshotRecord {
	return &SnapshotRecord{
		SnapshotID:    meta.SnapshotID,
		CollectionID:  meta.CollectionID,
		ObjectKey:     objectKey,
		SizeBytes:     sizeBytes,
		FeatureCount:  meta.FeatureCount,
		CRS:           meta.CRS,
		Extent:        meta.Extent,
		IndexedFields: append([]string(nil), meta.IndexedFields...),
		CreatedAt:     meta.CreatedAt,
	}
}

// CollectionRecord describes one collection.
type CollectionRecord struct {
	CollectionID     string
	Title            string
	Description      string
	ActiveSnapshotID string
	SnapshotCount    int
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Option configures a SQLiteCatalog.
type Option func(*SQLiteCatalog)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *SQLiteCatalog) { c.logger = l }
}

// SQLiteCatalog implements Catalog using SQLite.
type SQLiteCatalog struct {
	db     *sql.DB // Write connection (single writer)
	readDB *sql.DB // Read connection pool (concurrent readers)
	dbPath string
	mu     sync.Mutex // Write-only lock (reads don't need this)
	logger *slog.Logger

	insertSnapshotStmt *sql.Stmt
}

var _ Catalog = (*SQLiteCatalog)(nil)

const snapshotColumns = `snapshot_id, collection_id, object_key, size_bytes, feature_count, crs,
	min_x, min_y, max_x, max_y, indexed_fields, status, created_at, activated_at, retired_at`

// NewCatalog opens or creates the catalog database at dbPath.
func NewCatalog(dbPath string, opts ...Option) (*SQLiteCatalog, error) {
	c := &SQLiteCatalog{dbPath: dbPath}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.Or(c.logger)

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=1")
	if err != nil {
		return nil, openError("open database", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	c.db = db

	if err := c.initSchema(); err != nil {
		db.Close()
		return nil, openError("initialize schema", err)
	}

	// Readers open after the schema exists so the file is a valid database.
	readDB, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_query_only=1")
	if err != nil {
		db.Close()
		return nil, openError("open read database", err)
	}
	readDB.SetMaxOpenConns(4)
	readDB.SetMaxIdleConns(4)
	readDB.SetConnMaxLifetime(5 * time.Minute)
	c.readDB = readDB

	stmt, err := db.Prepare(`INSERT INTO snapshots (` + snapshotColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL)`)
	if err != nil {
		readDB.Close()
		db.Close()
		return nil, openError("prepare insert statement", err)
	}
	c.insertSnapshotStmt = stmt
	return c, nil
}

func openError(what string, err error) error {
	return fperrors.NewCatalogError(fperrors.CodeCatalogFailed, "catalog: "+what, err)
}

func (c *SQLiteCatalog) initSchema() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, stmt := range AllSchemaSQL() {
		if _, err := c.db.Exec(stmt); err != nil {
			return fmt.Errorf("execute schema statement: %w", err)
		}
	}
	return nil
}

// EnsureCollection creates the collection if needed.
func (c *SQLiteCatalog) EnsureCollection(ctx context.Context, collection, title, description string) error {
	if collection == "" {
		return fperrors.NewValidationError(fperrors.CodeInvalidParameter, "collection id is required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now().UnixNano()
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO collections (collection_id, title, description, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(collection_id) DO UPDATE SET
			title = CASE WHEN excluded.title != '' THEN excluded.title ELSE title END,
			description = CASE WHEN excluded.description != '' THEN excluded.description ELSE description END,
			updated_at = excluded.updated_at`,
		collection, title, description, now, now)
	if err != nil {
		return fperrors.NewCatalogError(fperrors.CodeCatalogFailed, "catalog: ensure collection", err)
	}
	return nil
}

// RegisterSnapshot records rec as a pending snapshot of its collection,
// creating the collection if needed.
func (c *SQLiteCatalog) RegisterSnapshot(ctx context.Context, rec *SnapshotRecord) error {
	if rec.SnapshotID == "" || rec.CollectionID == "" || rec.ObjectKey == "" {
		return fperrors.NewValidationError(fperrors.CodeInvalidParameter,
			"snapshot id, collection id and object key are required")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	fields, err := json.Marshal(rec.IndexedFields)
	if err != nil {
		return fperrors.NewInternalError("encode indexed fields", err)
	}
	var minX, minY, maxX, maxY sql.NullFloat64
	if rec.Extent != nil {
		minX = sql.NullFloat64{Float64: rec.Extent.MinX, Valid: true}
		minY = sql.NullFloat64{Float64: rec.Extent.MinY, Valid: true}
		maxX = sql.NullFloat64{Float64: rec.Extent.MaxX, Valid: true}
		maxY = sql.NullFloat64{Float64: rec.Extent.MaxY, Valid: true}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fperrors.NewCatalogError(fperrors.CodeCatalogFailed, "catalog: begin transaction", err)
	}
	defer tx.Rollback()

	now := time.Now().UnixNano()
	if _, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO collections (collection_id, created_at, updated_at) VALUES (?, ?, ?)`,
		rec.CollectionID, now, now); err != nil {
		return fperrors.NewCatalogError(fperrors.CodeCatalogFailed, "catalog: register collection", err)
	}

	_, err = tx.StmtContext(ctx, c.insertSnapshotStmt).ExecContext(ctx,
		rec.SnapshotID, rec.CollectionID, rec.ObjectKey, rec.SizeBytes, int64(rec.FeatureCount), rec.CRS,
		minX, minY, maxX, maxY, string(fields), string(StatusPending), rec.CreatedAt.UnixNano())
	if err != nil {
		if isConstraintViolation(err) {
			return fperrors.NewCatalogError(fperrors.CodeWriteConflict,
				fmt.Sprintf("snapshot %s is already registered", rec.SnapshotID), err)
		}
		return fperrors.NewCatalogError(fperrors.CodeCatalogFailed, "catalog: insert snapshot", err)
	}
	if err := tx.Commit(); err != nil {
		return fperrors.NewCatalogError(fperrors.CodeCatalogFailed, "catalog: commit", err)
	}
	rec.Status = StatusPending
	return nil
}

func isConstraintViolation(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.Code == sqlite3.ErrConstraint
}

// Activate makes snapshotID the active snapshot of collection. Activating a
// retired snapshot rolls the collection back to it.
func (c *SQLiteCatalog) Activate(ctx context.Context, collection, snapshotID string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fperrors.NewCatalogError(fperrors.CodeCatalogFailed, "catalog: begin transaction", err)
	}
	defer tx.Rollback()

	var owner, status string
	err = tx.QueryRowContext(ctx,
		`SELECT collection_id, status FROM snapshots WHERE snapshot_id = ?`, snapshotID,
	).Scan(&owner, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fperrors.NewCatalogError(fperrors.CodeSnapshotUnknown,
			fmt.Sprintf("snapshot %s", snapshotID), nil)
	}
	if err != nil {
		return "", fperrors.NewCatalogError(fperrors.CodeCatalogFailed, "catalog: read snapshot", err)
	}
	if owner != collection {
		return "", fperrors.NewValidationError(fperrors.CodeInvalidParameter,
			fmt.Sprintf("snapshot %s belongs to collection %s, not %s", snapshotID, owner, collection))
	}
	if Status(status) == StatusActive {
		return "", nil
	}

	var previous sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT snapshot_id FROM snapshots WHERE collection_id = ? AND status = 'active'`, collection,
	).Scan(&previous)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", fperrors.NewCatalogError(fperrors.CodeCatalogFailed, "catalog: read active snapshot", err)
	}

	now := time.Now().UnixNano()
	if previous.Valid {
		if _, err := tx.ExecContext(ctx,
			`UPDATE snapshots SET status = 'retired', retired_at = ? WHERE snapshot_id = ?`,
			now, previous.String); err != nil {
			return "", fperrors.NewCatalogError(fperrors.CodeCatalogFailed, "catalog: retire snapshot", err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE snapshots SET status = 'active', activated_at = ?, retired_at = NULL WHERE snapshot_id = ?`,
		now, snapshotID); err != nil {
		if isConstraintViolation(err) {
			return "", fperrors.NewCatalogError(fperrors.CodeWriteConflict, "catalog: concurrent activation", err)
		}
		return "", fperrors.NewCatalogError(fperrors.CodeCatalogFailed, "catalog: activate snapshot", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE collections SET updated_at = ? WHERE collection_id = ?`, now, collection); err != nil {
		return "", fperrors.NewCatalogError(fperrors.CodeCatalogFailed, "catalog: touch collection", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fperrors.NewCatalogError(fperrors.CodeCatalogFailed, "catalog: commit", err)
	}

	c.logger.Info("snapshot activated",
		"collection", collection,
		"snapshot_id", snapshotID,
		"retired", previous.String)
	return previous.String, nil
}

// ActiveSnapshot returns the active snapshot of collection, or
// CollectionUnknown when it has none.
func (c *SQLiteCatalog) ActiveSnapshot(ctx context.Context, collection string) (*SnapshotRecord, error) {
	row := c.readDB.QueryRowContext(ctx,
		`SELECT `+snapshotColumns+` FROM snapshots WHERE collection_id = ? AND status = 'active'`, collection)
	rec, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fperrors.NewQueryError(fperrors.CodeCollectionUnknown,
			fmt.Sprintf("collection %q has no active snapshot", collection))
	}
	if err != nil {
		return nil, fperrors.NewCatalogError(fperrors.CodeCatalogFailed, "catalog: read active snapshot", err)
	}
	return rec, nil
}

// ActiveSnapshots returns the active snapshot of every collection.
func (c *SQLiteCatalog) ActiveSnapshots(ctx context.Context) ([]*SnapshotRecord, error) {
	return c.querySnapshots(ctx,
		`SELECT `+snapshotColumns+` FROM snapshots WHERE status = 'active' ORDER BY collection_id`)
}

// GetSnapshot returns one snapshot by id.
func (c *SQLiteCatalog) GetSnapshot(ctx context.Context, snapshotID string) (*SnapshotRecord, error) {
	row := c.readDB.QueryRowContext(ctx,
		`SELECT `+snapshotColumns+` FROM snapshots WHERE snapshot_id = ?`, snapshotID)
	rec, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fperrors.NewCatalogError(fperrors.CodeSnapshotUnknown,
			fmt.Sprintf("snapshot %s", snapshotID), nil)
	}
	if err != nil {
		return nil, fperrors.NewCatalogError(fperrors.CodeCatalogFailed, "catalog: read snapshot", err)
	}
	return rec, nil
}

// ListSnapshots returns the snapshots of collection, newest first.
func (c *SQLiteCatalog) ListSnapshots(ctx context.Context, collection string) ([]*SnapshotRecord, error) {
	return c.querySnapshots(ctx,
		`SELECT `+snapshotColumns+` FROM snapshots WHERE collection_id = ?
			ORDER BY created_at DESC, rowid DESC`, collection)
}

// ListCollections returns every collection ordered by id.
func (c *SQLiteCatalog) ListCollections(ctx context.Context) ([]*CollectionRecord, error) {
	rows, err := c.readDB.QueryContext(ctx, `
		SELECT c.collection_id, c.title, c.description, c.created_at, c.updated_at,
			(SELECT s.snapshot_id FROM snapshots s
				WHERE s.collection_id = c.collection_id AND s.status = 'active'),
			(SELECT COUNT(*) FROM snapshots s WHERE s.collection_id = c.collection_id)
		FROM collections c
		ORDER BY c.collection_id`)
	if err != nil {
		return nil, fperrors.NewCatalogError(fperrors.CodeCatalogFailed, "catalog: list collections", err)
	}
	defer rows.Close()

	var out []*CollectionRecord
	for rows.Next() {
		var (
			rec              CollectionRecord
			created, updated int64
			active           sql.NullString
		)
		if err := rows.Scan(&rec.CollectionID, &rec.Title, &rec.Description, &created, &updated,
			&active, &rec.SnapshotCount); err != nil {
			return nil, fperrors.NewCatalogError(fperrors.CodeCatalogFailed, "catalog: scan collection", err)
		}
		rec.CreatedAt = fromNanos(created)
		rec.UpdatedAt = fromNanos(updated)
		rec.ActiveSnapshotID = active.String
		out = append(out, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fperrors.NewCatalogError(fperrors.CodeCatalogFailed, "catalog: list collections", err)
	}
	return out, nil
}

// PurgeRetired deletes retired snapshots beyond the newest keep per collection.
func (c *SQLiteCatalog) PurgeRetired(ctx context.Context, collection string, keep int) ([]*SnapshotRecord, error) {
	if keep < 0 {
		keep = 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fperrors.NewCatalogError(fperrors.CodeCatalogFailed, "catalog: begin transaction", err)
	}
	defer tx.Rollback()

	query := `SELECT ` + snapshotColumns + ` FROM snapshots WHERE status = 'retired'`
	var args []interface{}
	if collection != "" {
		query += ` AND collection_id = ?`
		args = append(args, collection)
	}
	query += ` ORDER BY collection_id, retired_at DESC, rowid DESC`
	retired, err := collectSnapshots(tx.QueryContext(ctx, query, args...))
	if err != nil {
		return nil, err
	}

	var purged []*SnapshotRecord
	seen := make(map[string]int)
	for _, rec := range retired {
		seen[rec.CollectionID]++
		if seen[rec.CollectionID] <= keep {
			continue
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM snapshots WHERE snapshot_id = ?`, rec.SnapshotID); err != nil {
			return nil, fperrors.NewCatalogError(fperrors.CodeCatalogFailed, "catalog: delete snapshot", err)
		}
		purged = append(purged, rec)
	}
	if err := tx.Commit(); err != nil {
		return nil, fperrors.NewCatalogError(fperrors.CodeCatalogFailed, "catalog: commit", err)
	}
	if len(purged) > 0 {
		c.logger.Info("retired snapshots purged", "collection", collection, "count", len(purged))
	}
	return purged, nil
}

// RunAnalyze updates the SQLite planner statistics.
func (c *SQLiteCatalog) RunAnalyze(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.db.ExecContext(ctx, AnalyzeSQL); err != nil {
		return fperrors.NewCatalogError(fperrors.CodeCatalogFailed, "catalog: analyze", err)
	}
	return nil
}

// Close closes the catalog database connections.
func (c *SQLiteCatalog) Close() error {
	if c.insertSnapshotStmt != nil {
		c.insertSnapshotStmt.Close()
	}
	// Close read connection first, then write connection
	if err := c.readDB.Close(); err != nil {
		c.db.Close()
		return err
	}
	return c.db.Close()
}

func (c *SQLiteCatalog) querySnapshots(ctx context.Context, query string, args ...interface{}) ([]*SnapshotRecord, error) {
	return collectSnapshots(c.readDB.QueryContext(ctx, query, args...))
}

func collectSnapshots(rows *sql.Rows, err error) ([]*SnapshotRecord, error) {
	if err != nil {
		return nil, fperrors.NewCatalogError(fperrors.CodeCatalogFailed, "catalog: query snapshots", err)
	}
	defer rows.Close()

	var out []*SnapshotRecord
	for rows.Next() {
		rec, err := scanSnapshot(rows)
		if err != nil {
			return nil, fperrors.NewCatalogError(fperrors.CodeCatalogFailed, "catalog: scan snapshot", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fperrors.NewCatalogError(fperrors.CodeCatalogFailed, "catalog: query snapshots", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSnapshot(s scanner) (*SnapshotRecord, error) {
	var (
		rec                    SnapshotRecord
		featureCount           int64
		minX, minY, maxX, maxY sql.NullFloat64
		fields, status         string
		created                int64
		activated, retired     sql.NullInt64
	)
	err := s.Scan(&rec.SnapshotID, &rec.CollectionID, &rec.ObjectKey, &rec.SizeBytes, &featureCount, &rec.CRS,
		&minX, &minY, &maxX, &maxY, &fields, &status, &created, &activated, &retired)
	if err != nil {
		return nil, err
	}
	rec.FeatureCount = uint64(featureCount)
	if minX.Valid && minY.Valid && maxX.Valid && maxY.Valid {
		rec.Extent = &types.BBox{MinX: minX.Float64, MinY: minY.Float64, MaxX: maxX.Float64, MaxY: maxY.Float64}
	}
	if err := json.Unmarshal([]byte(fields), &rec.IndexedFields); err != nil {
		return nil, fmt.Errorf("decode indexed fields of %s: %w", rec.SnapshotID, err)
	}
	rec.Status = Status(status)
	rec.CreatedAt = fromNanos(created)
	if activated.Valid {
		t := fromNanos(activated.Int64)
		rec.ActivatedAt = &t
	}
	if retired.Valid {
		t := fromNanos(retired.Int64)
		rec.RetiredAt = &t
	}
	return &rec, nil
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
