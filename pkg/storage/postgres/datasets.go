package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Dataset status values.
const (
	StatusUploaded   = "uploaded"
	StatusProcessing = "processing"
	StatusProcessed  = "processed"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
)

// Dataset is the metadata record for one uploaded file.
type Dataset struct {
	ID            int64     `json:"file_id"`
	Filename      string    `json:"filename"`
	SizeBytes     int64     `json:"size_bytes"`
	MimeType      string    `json:"mime_type"`
	Status        string    `json:"status"`
	RowCount      int64     `json:"row_count"`
	IndexSynced   bool      `json:"index_synced"`
	LastSyncError string    `json:"last_sync_error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

const datasetColumns = `id, filename, size_bytes, mime_type, status, row_count, index_synced, last_sync_error, created_at, updated_at`

// CreateDataset inserts a new dataset record with status "uploaded" and
// returns its id.
func (db *DB) CreateDataset(ctx context.Context, filename, mimeType string) (int64, error) {
	var id int64
	err := db.pool.QueryRow(ctx,
		`INSERT INTO datasets (filename, mime_type) VALUES ($1, $2) RETURNING id`,
		filename, mimeType,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to create dataset: %w", err)
	}
	return id, nil
}

// GetDataset fetches one dataset by id.
func (db *DB) GetDataset(ctx context.Context, fileID int64) (*Dataset, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+datasetColumns+` FROM datasets WHERE id = $1`, fileID)
	ds, err := scanDataset(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load dataset %d: %w", fileID, err)
	}
	return ds, nil
}

// ListDatasets returns all datasets, newest first.
func (db *DB) ListDatasets(ctx context.Context) ([]*Dataset, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+datasetColumns+` FROM datasets ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list datasets: %w", err)
	}
	defer rows.Close()

	var datasets []*Dataset
	for rows.Next() {
		ds, err := scanDataset(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan dataset: %w", err)
		}
		datasets = append(datasets, ds)
	}
	return datasets, rows.Err()
}

// UpdateDatasetStatus transitions a dataset's lifecycle status.
func (db *DB) UpdateDatasetStatus(ctx context.Context, fileID int64, status string) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE datasets SET status = $2, updated_at = NOW() WHERE id = $1`,
		fileID, status)
	if err != nil {
		return fmt.Errorf("failed to update dataset %d status: %w", fileID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateDatasetSize records the received byte size.
func (db *DB) UpdateDatasetSize(ctx context.Context, fileID, sizeBytes int64) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE datasets SET size_bytes = $2, updated_at = NOW() WHERE id = $1`,
		fileID, sizeBytes)
	if err != nil {
		return fmt.Errorf("failed to update dataset %d size: %w", fileID, err)
	}
	return nil
}

// UpdateDatasetRowCount records the persisted row count.
func (db *DB) UpdateDatasetRowCount(ctx context.Context, fileID, rowCount int64) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE datasets SET row_count = $2, updated_at = NOW() WHERE id = $1`,
		fileID, rowCount)
	if err != nil {
		return fmt.Errorf("failed to update dataset %d row count: %w", fileID, err)
	}
	return nil
}

// SetDatasetSyncState records index sync success or failure on the dataset.
func (db *DB) SetDatasetSyncState(ctx context.Context, fileID int64, synced bool, syncErr string) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE datasets SET index_synced = $2, last_sync_error = $3, updated_at = NOW() WHERE id = $1`,
		fileID, synced, syncErr)
	if err != nil {
		return fmt.Errorf("failed to update dataset %d sync state: %w", fileID, err)
	}
	return nil
}

// DeleteDataset removes the metadata record and drops the dataset's
// physical table. The caller is responsible for the index partition.
func (db *DB) DeleteDataset(ctx context.Context, fileID int64) error {
	if err := db.DropDatasetTable(ctx, fileID); err != nil {
		return err
	}
	tag, err := db.pool.Exec(ctx, `DELETE FROM datasets WHERE id = $1`, fileID)
	if err != nil {
		return fmt.Errorf("failed to delete dataset %d: %w", fileID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDataset(row rowScanner) (*Dataset, error) {
	var ds Dataset
	err := row.Scan(&ds.ID, &ds.Filename, &ds.SizeBytes, &ds.MimeType, &ds.Status,
		&ds.RowCount, &ds.IndexSynced, &ds.LastSyncError, &ds.CreatedAt, &ds.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &ds, nil
}
