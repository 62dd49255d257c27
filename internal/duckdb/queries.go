package duckdb

import (
	"database/sql"
	"fmt"
	"log"
	"regexp"
	"strings"
	"time"

	"github.com/tinytelemetry/gridfinder/internal/model"
)

// maxQueryRows caps rows returned by ExecuteQuery.
const maxQueryRows = 1000

// writeKeywordPattern matches statements that could change state. Word
// boundaries keep "RESET" from matching "SET".
var writeKeywordPattern = regexp.MustCompile(
	`(?i)\b(INSERT|UPDATE|DELETE|DROP|CREATE|ALTER|TRUNCATE|COPY|ATTACH|DETACH|LOAD|EXPORT|IMPORT|INSTALL|CALL|EXECUTE|PRAGMA|SET|CHECKPOINT|VACUUM)\b`,
)

var blockCommentPattern = regexp.MustCompile(`/\*[\s\S]*?\*/`)

func stripSQLComments(query string) string {
	cleaned := blockCommentPattern.ReplaceAllString(query, " ")
	lines := strings.Split(cleaned, "\n")
	for i, line := range lines {
		if idx := strings.Index(line, "--"); idx >= 0 {
			lines[i] = line[:idx]
		}
	}
	return strings.Join(lines, "\n")
}

// validateReadOnly rejects anything but a single SELECT or WITH statement.
func validateReadOnly(query string) error {
	if strings.Contains(query, ";") {
		return fmt.Errorf("query must not contain semicolons")
	}
	stripped := strings.TrimSpace(stripSQLComments(query))
	upper := strings.ToUpper(stripped)
	if !strings.HasPrefix(upper, "SELECT") && !strings.HasPrefix(upper, "WITH") {
		return fmt.Errorf("only SELECT/WITH queries are allowed")
	}
	if match := writeKeywordPattern.FindString(stripped); match != "" {
		return fmt.Errorf("query contains disallowed keyword: %s", strings.ToUpper(match))
	}
	return nil
}

func targetWhere(target string) (string, []any) {
	if target == "" {
		return "", nil
	}
	return " WHERE target = ?", []any{target}
}

// TotalDetections counts stored detections, optionally for one target.
func (s *Store) TotalDetections(target string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.queryCtx()
	defer cancel()

	where, args := targetWhere(target)
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM detections"+where, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// RecentDetections returns up to limit detections, newest first.
func (s *Store) RecentDetections(limit int, target string) ([]model.DetectionRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.queryCtx()
	defer cancel()

	where, args := targetWhere(target)
	query := `SELECT event_id, received_at, observed_at, target, is_found, location, x, y, time_raw, session_id
		FROM detections` + where + ` ORDER BY received_at DESC, id DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, append(args, limit)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.DetectionRecord
	for rows.Next() {
		var (
			r          model.DetectionRecord
			observedAt sql.NullTime
			x, y       sql.NullInt64
		)
		if err := rows.Scan(&r.EventID, &r.ReceivedAt, &observedAt, &r.Target, &r.IsFound,
			&r.Location, &x, &y, &r.Time, &r.SessionID); err != nil {
			log.Printf("duckdb scan error (RecentDetections): %v", err)
			continue
		}
		if observedAt.Valid {
			r.ObservedAt = observedAt.Time
		}
		if x.Valid && y.Valid {
			r.X, r.Y, r.Located = int(x.Int64), int(y.Int64), true
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// TargetSummaries aggregates found and not-found counts per target along
// with the most recent cell the target was found in.
func (s *Store) TargetSummaries() ([]model.TargetSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.queryCtx()
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT target,
			COUNT(*) FILTER (WHERE is_found) AS found,
			COUNT(*) FILTER (WHERE NOT is_found) AS not_found,
			MAX(received_at) AS last_seen,
			arg_max(x, id) FILTER (WHERE is_found AND x IS NOT NULL) AS found_x,
			arg_max(y, id) FILTER (WHERE is_found AND x IS NOT NULL) AS found_y
		FROM detections
		GROUP BY target
		ORDER BY target`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.TargetSummary
	for rows.Next() {
		var (
			ts     model.TargetSummary
			fx, fy sql.NullInt64
		)
		if err := rows.Scan(&ts.Target, &ts.FoundCount, &ts.NotFoundCount, &ts.LastSeen, &fx, &fy); err != nil {
			log.Printf("duckdb scan error (TargetSummaries): %v", err)
			continue
		}
		if fx.Valid && fy.Valid {
			ts.LastFound = &model.Coord{X: int(fx.Int64), Y: int(fy.Int64)}
		}
		out = append(out, ts)
	}
	return out, rows.Err()
}

// FoundCells lists distinct cells where target was found at or after since.
// An empty target matches every target.
func (s *Store) FoundCells(target string, since time.Time) ([]model.Coord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.queryCtx()
	defer cancel()

	query := `SELECT DISTINCT x, y FROM detections
		WHERE is_found AND x IS NOT NULL AND y IS NOT NULL AND received_at >= ?`
	args := []any{since.UTC()}
	if target != "" {
		query += " AND target = ?"
		args = append(args, target)
	}
	query += " ORDER BY y, x"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Coord
	for rows.Next() {
		var x, y int64
		if err := rows.Scan(&x, &y); err != nil {
			log.Printf("duckdb scan error (FoundCells): %v", err)
			continue
		}
		out = append(out, model.Coord{X: int(x), Y: int(y)})
	}
	return out, rows.Err()
}

// DeleteBefore removes detections received before cutoff.
func (s *Store) DeleteBefore(cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := s.queryCtx()
	defer cancel()

	res, err := s.db.ExecContext(ctx, "DELETE FROM detections WHERE received_at < ?", cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ExecuteQuery runs a read-only SQL query and returns up to maxQueryRows
// rows as column maps.
func (s *Store) ExecuteQuery(query string) ([]map[string]interface{}, error) {
	trimmed := strings.TrimSpace(query)
	if err := validateReadOnly(trimmed); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.queryCtx()
	defer cancel()

	rows, err := s.db.QueryContext(ctx, trimmed)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var results []map[string]interface{}
	for len(results) < maxQueryRows && rows.Next() {
		values := make([]interface{}, len(columns))
		ptrs := make([]interface{}, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			log.Printf("duckdb scan error (ExecuteQuery): %v", err)
			continue
		}
		row := make(map[string]interface{}, len(columns))
		for i, col := range columns {
			row[col] = values[i]
		}
		results = append(results, row)
	}
	return results, rows.Err()
}

// GetSchemaDescription describes the queryable tables.
func (s *Store) GetSchemaDescription() string {
	return `Table 'detections': id (BIGINT), event_id (VARCHAR), received_at (TIMESTAMP, UTC), ` +
		`observed_at (TIMESTAMP, parsed from time_raw, nullable), target (VARCHAR), is_found (BOOLEAN), ` +
		`location (BIGINT, encoded Z-order location before offset), x (INTEGER, nullable), ` +
		`y (INTEGER, nullable), time_raw (VARCHAR), session_id (VARCHAR).`
}

// TableRowCounts returns the row count of each known table.
func (s *Store) TableRowCounts() (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.queryCtx()
	defer cancel()

	tables := []string{"detections", "schema_migrations"}
	counts := make(map[string]int64, len(tables))
	for _, table := range tables {
		var n int64
		// Table names come from the fixed list above.
		if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
			continue
		}
		counts[table] = n
	}
	return counts, nil
}
