package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true — if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search queries the comments table using plainto_tsquery and ts_rank,
// with ts_headline for snippets. Drafts and archived comments never match.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	where := `c.fts @@ plainto_tsquery('english', $1) AND c.status IN ('published', 'resolved')`
	args := []any{q.Text}
	if q.FilterSnapshotID != "" {
		where += ` AND c.snapshot_id = $2`
		args = append(args, q.FilterSnapshotID)
	}

	var total int
	countSQL := `SELECT count(*) FROM comments c WHERE ` + where
	if err := p.db.QueryRow(countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count comment search: %w", err)
	}

	dataSQL := fmt.Sprintf(`
		SELECT c.id,
			ts_headline('english', coalesce(c.content, ''), plainto_tsquery('english', $1), 'MaxFragments=1,MaxWords=30') AS snippet,
			c.snapshot_id, c.author_name, c.status
		FROM comments c
		WHERE %s
		ORDER BY ts_rank(c.fts, plainto_tsquery('english', $1)) DESC
		LIMIT %d OFFSET %d`, where, limit, offset)

	rows, err := p.db.Query(dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("comment search: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.Snippet, &r.SnapshotID, &r.AuthorName, &r.Status); err != nil {
			return nil, 0, fmt.Errorf("scan search result: %w", err)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate search results: %w", err)
	}
	return results, total, nil
}

// LoadAllRecords reads every indexable comment for a bulk reindex.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]CommentRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, content, element_text, snapshot_id, author_name, status
		FROM comments
		WHERE status IN ('published', 'resolved')
	`)
	if err != nil {
		return nil, fmt.Errorf("load comment records: %w", err)
	}
	defer rows.Close()

	var records []CommentRecord
	for rows.Next() {
		var r CommentRecord
		if err := rows.Scan(&r.ID, &r.Content, &r.ElementText, &r.SnapshotID, &r.AuthorName, &r.Status); err != nil {
			return nil, fmt.Errorf("scan comment record: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comment records: %w", err)
	}
	return records, nil
}
