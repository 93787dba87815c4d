package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mikeyg42/camwatch/internal/recorderlog"
	"github.com/mikeyg42/camwatch/internal/upload"
)

// PostgresCatalog records every dispatched batch and the fate of each of
// its files.
type PostgresCatalog struct {
	db     *sqlx.DB
	logger recorderlog.Logger
}

// PostgresConfig contains PostgreSQL configuration
type PostgresConfig struct {
	DSN             string
	MaxConnections  int
	ConnMaxLifetime time.Duration
}

// BatchRow is one row of event_batches.
type BatchRow struct {
	BatchID    string    `db:"batch_id"`
	Container  string    `db:"container"`
	FileCount  int       `db:"file_count"`
	Uploaded   int       `db:"uploaded"`
	Failed     int       `db:"failed"`
	StartedAt  time.Time `db:"started_at"`
	FinishedAt time.Time `db:"finished_at"`
}

// FileRow is one row of event_batch_files.
type FileRow struct {
	BatchID   string         `db:"batch_id"`
	CameraID  string         `db:"camera_id"`
	LocalPath string         `db:"local_path"`
	ObjectKey string         `db:"object_key"`
	SizeBytes int64          `db:"size_bytes"`
	Status    string         `db:"status"`
	LastError sql.NullString `db:"last_error"`
}

const catalogSchema = `
	CREATE TABLE IF NOT EXISTS event_batches (
		batch_id    VARCHAR(64) PRIMARY KEY,
		container   VARCHAR(255) NOT NULL,
		file_count  INTEGER NOT NULL,
		uploaded    INTEGER NOT NULL,
		failed      INTEGER NOT NULL,
		started_at  TIMESTAMPTZ NOT NULL,
		finished_at TIMESTAMPTZ NOT NULL,
		created_at  TIMESTAMPTZ DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS event_batch_files (
		batch_id   VARCHAR(64) REFERENCES event_batches(batch_id) ON DELETE CASCADE,
		camera_id  VARCHAR(64) NOT NULL,
		local_path TEXT NOT NULL,
		object_key VARCHAR(500) NOT NULL,
		size_bytes BIGINT NOT NULL DEFAULT 0,
		status     VARCHAR(20) NOT NULL CHECK (status IN ('uploaded', 'simulated', 'missing', 'failed')),
		last_error TEXT,
		PRIMARY KEY (batch_id, object_key)
	);

	CREATE INDEX IF NOT EXISTS idx_event_batches_started_at ON event_batches(started_at DESC);
`

// NewPostgresCatalog connects, pings and creates the schema if needed.
func NewPostgresCatalog(ctx context.Context, config PostgresConfig, logger recorderlog.Logger) (*PostgresCatalog, error) {
	if config.DSN == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}
	if config.MaxConnections == 0 {
		config.MaxConnections = 4
	}
	if config.ConnMaxLifetime == 0 {
		config.ConnMaxLifetime = 5 * time.Minute
	}
	if logger == nil {
		logger = recorderlog.L()
	}

	db, err := sqlx.Open("postgres", config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.ExecContext(pingCtx, catalogSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &PostgresCatalog{db: db, logger: logger.Named("batch-catalog")}, nil
}

// RecordBatch stores a finished batch upload. Re-recording a batch replaces
// its file rows.
func (c *PostgresCatalog) RecordBatch(ctx context.Context, report upload.Report) error {
	batchRow, fileRows := rowsFromReport(report)

	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.NamedExecContext(ctx, `
		INSERT INTO event_batches (batch_id, container, file_count, uploaded, failed, started_at, finished_at)
		VALUES (:batch_id, :container, :file_count, :uploaded, :failed, :started_at, :finished_at)
		ON CONFLICT (batch_id) DO UPDATE SET
			file_count = EXCLUDED.file_count,
			uploaded = EXCLUDED.uploaded,
			failed = EXCLUDED.failed,
			finished_at = EXCLUDED.finished_at`, batchRow)
	if err != nil {
		return fmt.Errorf("failed to save batch: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM event_batch_files WHERE batch_id = $1`, batchRow.BatchID); err != nil {
		return fmt.Errorf("failed to clear batch files: %w", err)
	}
	if len(fileRows) > 0 {
		_, err = tx.NamedExecContext(ctx, `
			INSERT INTO event_batch_files (batch_id, camera_id, local_path, object_key, size_bytes, status, last_error)
			VALUES (:batch_id, :camera_id, :local_path, :object_key, :size_bytes, :status, :last_error)`, fileRows)
		if err != nil {
			return fmt.Errorf("failed to save batch files: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}

	c.logger.Debug("Batch recorded",
		recorderlog.String("batch_id", batchRow.BatchID),
		recorderlog.Int("files", batchRow.FileCount))
	return nil
}

// GetBatch returns one recorded batch with its files.
func (c *PostgresCatalog) GetBatch(ctx context.Context, batchID string) (*BatchRow, []FileRow, error) {
	var row BatchRow
	err := c.db.GetContext(ctx, &row, `
		SELECT batch_id, container, file_count, uploaded, failed, started_at, finished_at
		FROM event_batches WHERE batch_id = $1`, batchID)
	if err == sql.ErrNoRows {
		return nil, nil, &StorageError{Op: "get_batch", Key: batchID, Err: err, StatusCode: 404}
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get batch: %w", err)
	}

	var files []FileRow
	err = c.db.SelectContext(ctx, &files, `
		SELECT batch_id, camera_id, local_path, object_key, size_bytes, status, last_error
		FROM event_batch_files WHERE batch_id = $1 ORDER BY object_key`, batchID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get batch files: %w", err)
	}
	return &row, files, nil
}

// Close releases the connection pool.
func (c *PostgresCatalog) Close() error {
	return c.db.Close()
}

func rowsFromReport(report upload.Report) (BatchRow, []FileRow) {
	b := BatchRow{
		BatchID:    report.BatchID,
		Container:  report.Container,
		FileCount:  len(report.Files),
		Uploaded:   report.Count(upload.StatusUploaded) + report.Count(upload.StatusSimulated),
		Failed:     report.Count(upload.StatusFailed) + report.Count(upload.StatusMissing),
		StartedAt:  report.Started,
		FinishedAt: report.Finished,
	}

	files := make([]FileRow, 0, len(report.Files))
	for _, f := range report.Files {
		row := FileRow{
			BatchID:   report.BatchID,
			CameraID:  f.Entry.CameraID,
			LocalPath: f.Entry.FilePath,
			ObjectKey: f.Key,
			SizeBytes: f.Size,
			Status:    string(f.Status),
		}
		if f.Err != nil {
			row.LastError = sql.NullString{String: f.Err.Error(), Valid: true}
		}
		files = append(files, row)
	}
	return b, files
}
