package pg

import (
	"context"
	"database/sql"

	"github.com/osintops/dragnet/internal/faults"
	"github.com/osintops/dragnet/internal/storage"
)

func (s *Store) UpsertProfilePhoto(ctx context.Context, p *storage.ProfilePhoto) (storage.UpsertResult, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO profile_photos (user_id, tg_photo_id, is_video, file_path, captured_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id, tg_photo_id) DO UPDATE SET
			file_path = COALESCE(NULLIF(EXCLUDED.file_path, ''), profile_photos.file_path)
		RETURNING id, (xmax = 0) AS inserted`,
		p.UserID, p.TGPhotoID, p.IsVideo, p.FilePath, p.CapturedAt)

	var res storage.UpsertResult
	if err := row.Scan(&res.ID, &res.Inserted); err != nil {
		return res, err
	}
	return res, nil
}

// SetCurrentProfilePhoto flips is_current atomically so only the given photo
// remains current for the user.
func (s *Store) SetCurrentProfilePhoto(ctx context.Context, userID, tgPhotoID int64) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE profile_photos SET is_current = false WHERE user_id = $1 AND is_current = true`,
			userID); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE profile_photos SET is_current = true WHERE user_id = $1 AND tg_photo_id = $2`,
			userID, tgPhotoID)
		if err != nil {
			return err
		}
		return requireRow(res)
	})
	if err != nil {
		if err == faults.ErrNotFound {
			return err
		}
		return &faults.PersistenceError{Op: "set_current_photo", Cause: err}
	}
	return nil
}

func (s *Store) ListProfilePhotos(ctx context.Context, userID int64) ([]*storage.ProfilePhoto, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, tg_photo_id, is_current, is_video, file_path, captured_at
		FROM profile_photos WHERE user_id = $1 ORDER BY captured_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*storage.ProfilePhoto
	for rows.Next() {
		var p storage.ProfilePhoto
		if err := rows.Scan(&p.ID, &p.UserID, &p.TGPhotoID, &p.IsCurrent, &p.IsVideo,
			&p.FilePath, &p.CapturedAt); err != nil {
			return nil, err
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}
