package postgres

import (
	"context"
	"time"
)

// QueryLogEntry records one search request for analytics.
type QueryLogEntry struct {
	Operation string
	FileID    int64
	PartCount int
	Latency   time.Duration
	Engine    string
}

// RecordQuery appends to the query log. Failures are logged and swallowed;
// analytics never block a search response.
func (db *DB) RecordQuery(ctx context.Context, entry QueryLogEntry) {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO query_log (operation, file_id, part_count, latency_ms, engine)
		 VALUES ($1, $2, $3, $4, $5)`,
		entry.Operation, entry.FileID, entry.PartCount, entry.Latency.Milliseconds(), entry.Engine)
	if err != nil {
		db.logger.Warn().Err(err).Str("operation", entry.Operation).Msg("query log write failed")
	}
}
