package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/partsearch/partsearch/pkg/partnorm"
)

const rowProjection = `id, primary_buyer, item_description, quantity, unit_of_measure,
	unit_price, secondary_buyer, primary_buyer_contact, primary_buyer_email, part_number`

// level2SQL strips the separator set from a column expression, mirroring
// partnorm level 2 so normalized equality can run inside the database.
func level2SQL(col string) string {
	return fmt.Sprintf(`LOWER(TRANSLATE(%s, '%s ', ''))`, col, partnorm.Separators)
}

// level3SQL keeps only alphanumerics, mirroring partnorm level 3.
func level3SQL(col string) string {
	return fmt.Sprintf(`LOWER(REGEXP_REPLACE(%s, '[^A-Za-z0-9]', '', 'g'))`, col)
}

func (db *DB) scanStoredRows(ctx context.Context, query string, args ...any) ([]StoredRow, error) {
	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		if tableMissing(err) {
			return nil, nil
		}
		return nil, err
	}
	defer rows.Close()

	var out []StoredRow
	for rows.Next() {
		var r StoredRow
		if err := rows.Scan(&r.ID, &r.PrimaryBuyer, &r.ItemDescription, &r.Quantity,
			&r.UnitOfMeasure, &r.UnitPrice, &r.SecondaryBuyer,
			&r.PrimaryBuyerContact, &r.PrimaryBuyerEmail, &r.PartNumber); err != nil {
			return nil, fmt.Errorf("failed to scan search row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SearchPartExact matches part_number case-insensitively.
func (db *DB) SearchPartExact(ctx context.Context, fileID int64, part string, limit int) ([]StoredRow, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE LOWER(part_number) = LOWER($1)
		ORDER BY unit_price, id LIMIT $2`, rowProjection, TableName(fileID))
	rows, err := db.scanStoredRows(ctx, query, part, limit)
	if err != nil {
		return nil, fmt.Errorf("exact part search failed for dataset %d: %w", fileID, err)
	}
	return rows, nil
}

// SearchPartNormalized matches part_number after separator stripping
// (level 2) or alphanumeric reduction (level 3), computed on both sides
// inside the database.
func (db *DB) SearchPartNormalized(ctx context.Context, fileID int64, part string, level partnorm.Level, limit int) ([]StoredRow, error) {
	var colExpr, needle string
	switch level {
	case partnorm.LevelAlphanumeric:
		colExpr = level3SQL("part_number")
		needle = strings.ToLower(partnorm.Normalize(part, partnorm.LevelAlphanumeric))
	default:
		colExpr = level2SQL("part_number")
		needle = strings.ToLower(partnorm.Normalize(part, partnorm.LevelSeparators))
	}
	if needle == "" {
		return nil, nil
	}

	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE %s = $1
		ORDER BY unit_price, id LIMIT $2`, rowProjection, TableName(fileID), colExpr)
	rows, err := db.scanStoredRows(ctx, query, needle, limit)
	if err != nil {
		return nil, fmt.Errorf("normalized part search failed for dataset %d: %w", fileID, err)
	}
	return rows, nil
}

// SearchPartTrigram matches part_number by pg_trgm similarity above
// threshold. Callers must have confirmed TrigramAvailable.
func (db *DB) SearchPartTrigram(ctx context.Context, fileID int64, part string, threshold float64, limit int) ([]StoredRow, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE similarity(part_number, $1) > $2
		ORDER BY similarity(part_number, $1) DESC, unit_price, id LIMIT $3`,
		rowProjection, TableName(fileID))
	rows, err := db.scanStoredRows(ctx, query, part, threshold, limit)
	if err != nil {
		return nil, fmt.Errorf("trigram part search failed for dataset %d: %w", fileID, err)
	}
	return rows, nil
}

// SearchDescription matches item_description by substring, or by trigram
// similarity above threshold when available.
func (db *DB) SearchDescription(ctx context.Context, fileID int64, term string, threshold float64, trigram bool, limit int) ([]StoredRow, error) {
	var query string
	var args []any
	if trigram {
		query = fmt.Sprintf(`
			SELECT %s FROM %s
			WHERE item_description ILIKE '%%' || $1 || '%%'
			   OR similarity(LOWER(item_description), LOWER($1)) > $2
			ORDER BY unit_price, id LIMIT $3`, rowProjection, TableName(fileID))
		args = []any{term, threshold, limit}
	} else {
		query = fmt.Sprintf(`
			SELECT %s FROM %s
			WHERE item_description ILIKE '%%' || $1 || '%%'
			ORDER BY unit_price, id LIMIT $2`, rowProjection, TableName(fileID))
		args = []any{term, limit}
	}
	rows, err := db.scanStoredRows(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("description search failed for dataset %d: %w", fileID, err)
	}
	return rows, nil
}

// SearchPartTokens matches part_number against each of the leading tokens
// as substrings; the last-resort strategy for heavily formatted inputs.
func (db *DB) SearchPartTokens(ctx context.Context, fileID int64, tokens []string, limit int) ([]StoredRow, error) {
	if len(tokens) == 0 {
		return nil, nil
	}
	if len(tokens) > 3 {
		tokens = tokens[:3]
	}

	conds := make([]string, 0, len(tokens))
	args := make([]any, 0, len(tokens)+1)
	for i, tok := range tokens {
		conds = append(conds, fmt.Sprintf(`part_number ILIKE '%%' || $%d || '%%'`, i+1))
		args = append(args, tok)
	}
	args = append(args, limit)

	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE %s
		ORDER BY unit_price, id LIMIT $%d`,
		rowProjection, TableName(fileID), strings.Join(conds, " OR "), len(args))
	rows, err := db.scanStoredRows(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("token part search failed for dataset %d: %w", fileID, err)
	}
	return rows, nil
}

// BulkMatch pairs a searched part with one matching row.
type BulkMatch struct {
	Part string
	Row  StoredRow
}

// SearchPartsBulk resolves many parts in one round trip. The parts array
// is unnested into a CTE joined against the dataset on case-insensitive
// equality, matching single-search exact semantics. When fuzzy is set the
// join also accepts separator-stripped equality, and with pg_trgm
// available a similarity branch is unioned in. The result is bounded to
// maxRows total and grouped by the caller.
func (db *DB) SearchPartsBulk(ctx context.Context, fileID int64, parts []string, fuzzy, trigram bool, threshold float64, maxRows int) ([]BulkMatch, error) {
	if len(parts) == 0 {
		return nil, nil
	}
	table := TableName(fileID)

	join := `LOWER(t.part_number) = LOWER(q.part)`
	if fuzzy {
		join += fmt.Sprintf(`
		  OR %s = LOWER(TRANSLATE(q.part, '%s ', ''))`,
			level2SQL("t.part_number"), partnorm.Separators)
	}
	exactBranch := fmt.Sprintf(`
		SELECT q.part AS query_part, %s
		FROM %s t JOIN wanted q
		  ON %s`,
		prefixProjection("t"), table, join)

	query := `WITH wanted AS (SELECT UNNEST($1::text[]) AS part) ` + exactBranch
	if fuzzy && trigram {
		query += fmt.Sprintf(`
			UNION
			SELECT q.part AS query_part, %s
			FROM %s t JOIN wanted q
			  ON similarity(t.part_number, q.part) > $3`,
			prefixProjection("t"), table)
		query += ` ORDER BY query_part, unit_price, id LIMIT $2`
		matches, err := db.scanBulkMatches(ctx, query, parts, maxRows, threshold)
		if err != nil {
			return nil, fmt.Errorf("bulk part search failed for dataset %d: %w", fileID, err)
		}
		return matches, nil
	}

	query += ` ORDER BY query_part, unit_price, id LIMIT $2`
	matches, err := db.scanBulkMatches(ctx, query, parts, maxRows)
	if err != nil {
		return nil, fmt.Errorf("bulk part search failed for dataset %d: %w", fileID, err)
	}
	return matches, nil
}

func prefixProjection(alias string) string {
	cols := []string{"id", "primary_buyer", "item_description", "quantity", "unit_of_measure",
		"unit_price", "secondary_buyer", "primary_buyer_contact", "primary_buyer_email", "part_number"}
	for i, c := range cols {
		cols[i] = alias + "." + c
	}
	return strings.Join(cols, ", ")
}

func (db *DB) scanBulkMatches(ctx context.Context, query string, parts []string, args ...any) ([]BulkMatch, error) {
	queryArgs := append([]any{parts}, args...)
	rows, err := db.pool.Query(ctx, query, queryArgs...)
	if err != nil {
		if tableMissing(err) {
			return nil, nil
		}
		return nil, err
	}
	defer rows.Close()

	var out []BulkMatch
	for rows.Next() {
		var m BulkMatch
		r := &m.Row
		if err := rows.Scan(&m.Part, &r.ID, &r.PrimaryBuyer, &r.ItemDescription, &r.Quantity,
			&r.UnitOfMeasure, &r.UnitPrice, &r.SecondaryBuyer,
			&r.PrimaryBuyerContact, &r.PrimaryBuyerEmail, &r.PartNumber); err != nil {
			return nil, fmt.Errorf("failed to scan bulk match: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
