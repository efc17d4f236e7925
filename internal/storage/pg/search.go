package pg

import (
	"context"
	"database/sql"
	"log/slog"
	"strconv"

	"github.com/osintops/dragnet/internal/storage"
)

// Search runs language-tagged full-text queries over messages, users, and
// detections. When the FTS query errors or yields no rows, it falls back to
// case-insensitive substring matching if configured.
func (s *Store) Search(ctx context.Context, query string, f storage.SearchFilters, limit int) ([]*storage.SearchHit, error) {
	types := f.Types
	if len(types) == 0 {
		types = []string{"messages", "users", "detections"}
	}
	if limit <= 0 {
		limit = 50
	}

	var hits []*storage.SearchHit
	for _, t := range types {
		var (
			rows *sql.Rows
			err  error
		)
		switch t {
		case "messages":
			rows, err = s.searchMessagesFTS(ctx, query, f, limit)
		case "users":
			rows, err = s.searchUsersFTS(ctx, query, limit)
		case "detections":
			rows, err = s.searchDetectionsFTS(ctx, query, limit)
		default:
			continue
		}
		if err != nil {
			if s.logSearchFailures {
				s.log.Warn("full-text search failed, considering fallback",
					slog.String("type", t), slog.String("error", err.Error()))
			}
			if !s.fallbackSubstring {
				return nil, err
			}
			rows = nil
		}

		var partial []*storage.SearchHit
		if rows != nil {
			partial, err = collectHits(rows, t)
			if err != nil {
				return nil, err
			}
		}

		if len(partial) == 0 && s.fallbackSubstring {
			partial, err = s.searchSubstring(ctx, t, query, f, limit)
			if err != nil {
				return nil, err
			}
		}
		hits = append(hits, partial...)
	}

	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func (s *Store) searchMessagesFTS(ctx context.Context, query string, f storage.SearchFilters, limit int) (*sql.Rows, error) {
	q := `
		SELECT id, dialog_id, left(text, 240), ts_rank(text_search, q) AS rank, created_at
		FROM messages, plainto_tsquery($1::regconfig, $2) q
		WHERE text_search @@ q`
	args := []any{s.ftsLanguage, query}
	if f.DialogID != nil {
		args = append(args, *f.DialogID)
		q += ` AND dialog_id = $` + strconv.Itoa(len(args))
	}
	if f.SenderID != nil {
		args = append(args, *f.SenderID)
		q += ` AND sender_id = $` + strconv.Itoa(len(args))
	}
	if f.DateFrom != nil {
		args = append(args, *f.DateFrom)
		q += ` AND date >= $` + strconv.Itoa(len(args))
	}
	if f.DateTo != nil {
		args = append(args, *f.DateTo)
		q += ` AND date <= $` + strconv.Itoa(len(args))
	}
	if f.MediaOnly {
		q += ` AND media_type <> ''`
	}
	args = append(args, limit)
	q += ` ORDER BY rank DESC LIMIT $` + strconv.Itoa(len(args))
	return s.db.QueryContext(ctx, q, args...)
}

func (s *Store) searchUsersFTS(ctx context.Context, query string, limit int) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, `
		SELECT id, 0, username || ' ' || first_name || ' ' || last_name,
			ts_rank(profile_search, q) AS rank, created_at
		FROM users, plainto_tsquery($1::regconfig, $2) q
		WHERE profile_search @@ q
		ORDER BY rank DESC LIMIT $3`, s.ftsLanguage, query, limit)
}

func (s *Store) searchDetectionsFTS(ctx context.Context, query string, limit int) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, `
		SELECT id, 0, matched_text, ts_rank(match_search, q) AS rank, created_at
		FROM detections, plainto_tsquery($1::regconfig, $2) q
		WHERE match_search @@ q
		ORDER BY rank DESC LIMIT $3`, s.ftsLanguage, query, limit)
}

func (s *Store) searchSubstring(ctx context.Context, t, query string, f storage.SearchFilters, limit int) ([]*storage.SearchHit, error) {
	pattern := "%" + query + "%"
	var (
		rows *sql.Rows
		err  error
	)
	switch t {
	case "messages":
		q := `SELECT id, dialog_id, left(text, 240), 0::float, created_at FROM messages WHERE text ILIKE $1`
		args := []any{pattern}
		if f.DialogID != nil {
			args = append(args, *f.DialogID)
			q += ` AND dialog_id = $` + strconv.Itoa(len(args))
		}
		args = append(args, limit)
		q += ` ORDER BY date DESC LIMIT $` + strconv.Itoa(len(args))
		rows, err = s.db.QueryContext(ctx, q, args...)
	case "users":
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, 0, username || ' ' || first_name || ' ' || last_name, 0::float, created_at
			FROM users
			WHERE username ILIKE $1 OR first_name ILIKE $1 OR last_name ILIKE $1 OR bio ILIKE $1
			ORDER BY id DESC LIMIT $2`, pattern, limit)
	case "detections":
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, 0, matched_text, 0::float, created_at
			FROM detections
			WHERE matched_text ILIKE $1 OR normalized_value ILIKE $1
			ORDER BY id DESC LIMIT $2`, pattern, limit)
	default:
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return collectHits(rows, t)
}

func collectHits(rows *sql.Rows, t string) ([]*storage.SearchHit, error) {
	defer rows.Close()
	hitType := map[string]string{"messages": "message", "users": "user", "detections": "detection"}[t]

	var out []*storage.SearchHit
	for rows.Next() {
		var h storage.SearchHit
		if err := rows.Scan(&h.ID, &h.DialogID, &h.Snippet, &h.Rank, &h.CreatedAt); err != nil {
			return nil, err
		}
		h.Type = hitType
		out = append(out, &h)
	}
	return out, rows.Err()
}
