package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/partsearch/partsearch/pkg/schema"
)

// TableName returns the physical table name for a dataset.
func TableName(fileID int64) string {
	return fmt.Sprintf("ds_%d", fileID)
}

var datasetTableColumns = []string{
	schema.ColPrimaryBuyer,
	schema.ColItemDescription,
	schema.ColQuantity,
	schema.ColUnitOfMeasure,
	schema.ColUnitPrice,
	schema.ColSecondaryBuyer,
	schema.ColPrimaryBuyerContact,
	schema.ColPrimaryBuyerEmail,
	schema.ColPartNumber,
}

// EnsureDatasetTable creates ds_<file_id> if it does not exist.
func (db *DB) EnsureDatasetTable(ctx context.Context, fileID int64) error {
	table := TableName(fileID)
	_, err := db.pool.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id                    BIGSERIAL PRIMARY KEY,
			primary_buyer         VARCHAR(4000) NOT NULL DEFAULT '',
			item_description      TEXT NOT NULL DEFAULT '',
			quantity              BIGINT NOT NULL DEFAULT 0,
			unit_of_measure       VARCHAR(4000) NOT NULL DEFAULT '',
			unit_price            NUMERIC(18,2) NOT NULL DEFAULT 0,
			secondary_buyer       VARCHAR(4000) NOT NULL DEFAULT '',
			primary_buyer_contact VARCHAR(4000) NOT NULL DEFAULT '',
			primary_buyer_email   VARCHAR(4000) NOT NULL DEFAULT '',
			part_number           VARCHAR(4000) NOT NULL DEFAULT ''
		)`, table))
	if err != nil {
		return fmt.Errorf("failed to create table %s: %w", table, err)
	}
	return nil
}

// InsertRows appends a batch of rows to ds_<file_id> inside one
// transaction using the COPY protocol. The whole batch commits or none of
// it does, which is what the split-on-failure ingester relies on.
// Deadlocks and serialization failures are retried.
func (db *DB) InsertRows(ctx context.Context, fileID int64, rows []schema.Row) error {
	if len(rows) == 0 {
		return nil
	}
	return db.WithRetry(ctx, func(ctx context.Context) error {
		return db.copyBatch(ctx, TableName(fileID), rows)
	})
}

func (db *DB) copyBatch(ctx context.Context, table string, rows []schema.Row) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin insert transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.CopyFrom(ctx,
		pgx.Identifier{table},
		datasetTableColumns,
		pgx.CopyFromSlice(len(rows), func(i int) ([]any, error) {
			r := rows[i]
			return []any{
				r.PrimaryBuyer, r.ItemDescription, r.Quantity, r.UnitOfMeasure,
				r.UnitPrice, r.SecondaryBuyer, r.PrimaryBuyerContact,
				r.PrimaryBuyerEmail, r.PartNumber,
			}, nil
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to copy batch into %s: %w", table, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit batch into %s: %w", table, err)
	}
	return nil
}

// DatasetRowCount returns the number of rows currently in ds_<file_id>.
// A missing table counts as zero.
func (db *DB) DatasetRowCount(ctx context.Context, fileID int64) (int64, error) {
	var count int64
	err := db.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT COUNT(*) FROM %s`, TableName(fileID))).Scan(&count)
	if err != nil {
		if tableMissing(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to count rows for dataset %d: %w", fileID, err)
	}
	return count, nil
}

// CreateDatasetIndexes creates the post-ingest index sets: B-tree on
// part_number, quantity and unit_price, trigram GIN on the lowercased
// description, and opportunistic covering indexes. Individual failures are
// logged and non-fatal.
func (db *DB) CreateDatasetIndexes(ctx context.Context, fileID int64, trigram bool) {
	table := TableName(fileID)

	statements := []string{
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_part ON %s (part_number)`, table, table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_qty ON %s (quantity)`, table, table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_price ON %s (unit_price)`, table, table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_part_lower ON %s (LOWER(part_number))`, table, table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_part_cover ON %s (part_number) INCLUDE (primary_buyer, unit_price)`, table, table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_part_nonempty ON %s (part_number) WHERE part_number <> ''`, table, table),
	}
	if trigram {
		statements = append(statements,
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_desc_trgm ON %s USING GIN (LOWER(item_description) gin_trgm_ops)`, table, table),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_part_trgm ON %s USING GIN (part_number gin_trgm_ops)`, table, table),
		)
	}

	for _, stmt := range statements {
		if _, err := db.pool.Exec(ctx, stmt); err != nil {
			db.logger.Warn().Err(err).Int64("file_id", fileID).Msg("index creation failed")
		}
	}
}

// DropDatasetTable destroys ds_<file_id>.
func (db *DB) DropDatasetTable(ctx context.Context, fileID int64) error {
	_, err := db.pool.Exec(ctx,
		fmt.Sprintf(`DROP TABLE IF EXISTS %s`, TableName(fileID)))
	if err != nil {
		return fmt.Errorf("failed to drop table for dataset %d: %w", fileID, err)
	}
	return nil
}

// StoredRow is a dataset row together with its stable id.
type StoredRow struct {
	ID int64 `json:"id"`
	schema.Row
}

// DatasetRows pages through ds_<file_id> in id order.
func (db *DB) DatasetRows(ctx context.Context, fileID int64, offset, limit int) ([]StoredRow, error) {
	query := fmt.Sprintf(`
		SELECT id, primary_buyer, item_description, quantity, unit_of_measure,
		       unit_price, secondary_buyer, primary_buyer_contact,
		       primary_buyer_email, part_number
		FROM %s ORDER BY id LIMIT $1 OFFSET $2`, TableName(fileID))

	rows, err := db.pool.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to page dataset %d rows: %w", fileID, err)
	}
	defer rows.Close()

	var out []StoredRow
	for rows.Next() {
		var r StoredRow
		if err := rows.Scan(&r.ID, &r.PrimaryBuyer, &r.ItemDescription, &r.Quantity,
			&r.UnitOfMeasure, &r.UnitPrice, &r.SecondaryBuyer,
			&r.PrimaryBuyerContact, &r.PrimaryBuyerEmail, &r.PartNumber); err != nil {
			return nil, fmt.Errorf("failed to scan dataset row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RowsAfter pages through ds_<file_id> by id cursor, which index sync uses
// to walk arbitrarily large tables in fixed-size batches.
func (db *DB) RowsAfter(ctx context.Context, fileID, afterID int64, limit int) ([]StoredRow, error) {
	query := fmt.Sprintf(`
		SELECT id, primary_buyer, item_description, quantity, unit_of_measure,
		       unit_price, secondary_buyer, primary_buyer_contact,
		       primary_buyer_email, part_number
		FROM %s WHERE id > $1 ORDER BY id LIMIT $2`, TableName(fileID))

	rows, err := db.pool.Query(ctx, query, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read dataset %d rows after %d: %w", fileID, afterID, err)
	}
	defer rows.Close()

	var out []StoredRow
	for rows.Next() {
		var r StoredRow
		if err := rows.Scan(&r.ID, &r.PrimaryBuyer, &r.ItemDescription, &r.Quantity,
			&r.UnitOfMeasure, &r.UnitPrice, &r.SecondaryBuyer,
			&r.PrimaryBuyerContact, &r.PrimaryBuyerEmail, &r.PartNumber); err != nil {
			return nil, fmt.Errorf("failed to scan dataset row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// PartFrequency is a part number with its occurrence count.
type PartFrequency struct {
	PartNumber string
	Count      int64
}

// TopPartNumbers returns the most frequent part numbers in a dataset,
// used for cache warm-up after processing.
func (db *DB) TopPartNumbers(ctx context.Context, fileID int64, limit int) ([]PartFrequency, error) {
	query := fmt.Sprintf(`
		SELECT part_number, COUNT(*) AS n
		FROM %s WHERE part_number <> ''
		GROUP BY part_number ORDER BY n DESC, part_number LIMIT $1`, TableName(fileID))

	rows, err := db.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read top parts for dataset %d: %w", fileID, err)
	}
	defer rows.Close()

	var out []PartFrequency
	for rows.Next() {
		var pf PartFrequency
		if err := rows.Scan(&pf.PartNumber, &pf.Count); err != nil {
			return nil, fmt.Errorf("failed to scan part frequency: %w", err)
		}
		out = append(out, pf)
	}
	return out, rows.Err()
}

// ForEachPartNumber streams every distinct part number of a dataset into
// fn. Used to build the bulk-search miss filter without materializing the
// whole set.
func (db *DB) ForEachPartNumber(ctx context.Context, fileID int64, fn func(part string) error) error {
	query := fmt.Sprintf(`
		SELECT DISTINCT part_number FROM %s WHERE part_number <> ''`, TableName(fileID))

	rows, err := db.pool.Query(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to stream part numbers for dataset %d: %w", fileID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var part string
		if err := rows.Scan(&part); err != nil {
			return fmt.Errorf("failed to scan part number: %w", err)
		}
		if err := fn(part); err != nil {
			return err
		}
	}
	return rows.Err()
}

// tableMissing matches the undefined_table error class.
func tableMissing(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "does not exist") || strings.Contains(err.Error(), "42P01")
}
