package pg

import (
	"context"
	"database/sql"

	"github.com/osintops/dragnet/internal/storage"
)

func (s *Store) UpsertStory(ctx context.Context, st *storage.Story) (storage.UpsertResult, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO stories (user_id, tg_story_id, file_path, expires_at, views_count, is_pinned)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id, tg_story_id) DO UPDATE SET
			views_count = GREATEST(stories.views_count, EXCLUDED.views_count),
			is_pinned = EXCLUDED.is_pinned,
			file_path = COALESCE(NULLIF(EXCLUDED.file_path, ''), stories.file_path)
		RETURNING id, (xmax = 0) AS inserted`,
		st.UserID, st.TGStoryID, st.FilePath, nullTime(st.ExpiresAt), st.ViewsCount, st.IsPinned)

	var res storage.UpsertResult
	if err := row.Scan(&res.ID, &res.Inserted); err != nil {
		return res, err
	}
	return res, nil
}

func (s *Store) ListStories(ctx context.Context, userID int64) ([]*storage.Story, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, tg_story_id, file_path, expires_at, views_count, is_pinned, created_at
		FROM stories WHERE user_id = $1 ORDER BY tg_story_id DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*storage.Story
	for rows.Next() {
		var st storage.Story
		var expires sql.NullTime
		if err := rows.Scan(&st.ID, &st.UserID, &st.TGStoryID, &st.FilePath,
			&expires, &st.ViewsCount, &st.IsPinned, &st.CreatedAt); err != nil {
			return nil, err
		}
		st.ExpiresAt = timePtr(expires)
		out = append(out, &st)
	}
	return out, rows.Err()
}
