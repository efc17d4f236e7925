package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/osintops/dragnet/internal/faults"
	"github.com/osintops/dragnet/internal/storage"
)

const mediaColumns = `id, message_id, file_type, file_path, file_size, mime_type, width, height, duration,
	content_hash, perceptual_hash, duplicate_method, download_attempts, last_download_attempt,
	download_error_kind, validation_status, processing_status, processing_priority, created_at`

func scanMediaFile(row interface{ Scan(...any) error }) (*storage.MediaFile, error) {
	var m storage.MediaFile
	var contentHash sql.NullString
	var phash sql.NullInt64
	var lastAttempt sql.NullTime
	err := row.Scan(&m.ID, &m.MessageID, &m.FileType, &m.FilePath, &m.FileSize, &m.MimeType,
		&m.Width, &m.Height, &m.Duration, &contentHash, &phash, &m.DuplicateMethod,
		&m.DownloadAttempts, &lastAttempt, &m.DownloadErrorKind,
		&m.ValidationStatus, &m.ProcessingStatus, &m.ProcessingPriority, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, faults.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	m.ContentHash = contentHash.String
	if phash.Valid {
		v := uint64(phash.Int64)
		m.PerceptualHash = &v
	}
	m.LastDownloadAttempt = timePtr(lastAttempt)
	return &m, nil
}

func phashArg(v *uint64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

// insertMediaFileTx inserts the single media row for a message. On conflict
// the update only applies when the new row carries a content hash, so a
// nil→hashed transition is allowed without clobbering a completed row.
func insertMediaFileTx(ctx context.Context, tx *sql.Tx, m *storage.MediaFile) (storage.UpsertResult, error) {
	row := tx.QueryRowContext(ctx, `
		INSERT INTO media_files (message_id, file_type, file_path, file_size, mime_type,
			width, height, duration, content_hash, perceptual_hash,
			validation_status, processing_status, processing_priority)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (message_id) DO UPDATE SET
			content_hash = EXCLUDED.content_hash,
			perceptual_hash = EXCLUDED.perceptual_hash,
			file_path = EXCLUDED.file_path,
			file_size = EXCLUDED.file_size
		WHERE EXCLUDED.content_hash IS NOT NULL
		RETURNING id, (xmax = 0) AS inserted`,
		m.MessageID, m.FileType, m.FilePath, m.FileSize, m.MimeType,
		m.Width, m.Height, m.Duration, nullString(m.ContentHash), phashArg(m.PerceptualHash),
		m.ValidationStatus, m.ProcessingStatus, m.ProcessingPriority)

	var res storage.UpsertResult
	err := row.Scan(&res.ID, &res.Inserted)
	if errors.Is(err, sql.ErrNoRows) {
		// Conflict row kept as-is; fetch its id.
		err = tx.QueryRowContext(ctx, `SELECT id FROM media_files WHERE message_id = $1`, m.MessageID).
			Scan(&res.ID)
	}
	return res, err
}

func (s *Store) InsertMediaFile(ctx context.Context, m *storage.MediaFile) (storage.UpsertResult, error) {
	var out storage.UpsertResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := insertMediaFileTx(ctx, tx, m)
		if err != nil {
			return err
		}
		out = res
		return nil
	})
	if err != nil {
		return out, &faults.PersistenceError{Op: "insert_media", Cause: err}
	}
	return out, nil
}

func (s *Store) GetMediaFile(ctx context.Context, id int64) (*storage.MediaFile, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+mediaColumns+` FROM media_files WHERE id = $1`, id)
	return scanMediaFile(row)
}

func (s *Store) GetMediaFileByMessage(ctx context.Context, messageID int64) (*storage.MediaFile, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+mediaColumns+` FROM media_files WHERE message_id = $1`, messageID)
	return scanMediaFile(row)
}

func (s *Store) FindCompletedByContentHash(ctx context.Context, hash string) (*storage.MediaFile, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+mediaColumns+` FROM media_files
		WHERE content_hash = $1 AND processing_status = 'completed'
		ORDER BY id LIMIT 1`, hash)
	return scanMediaFile(row)
}

func (s *Store) ListPerceptualHashes(ctx context.Context, limit int) (map[int64]uint64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, perceptual_hash FROM media_files
		WHERE perceptual_hash IS NOT NULL ORDER BY id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[int64]uint64)
	for rows.Next() {
		var id, h int64
		if err := rows.Scan(&id, &h); err != nil {
			return nil, err
		}
		out[id] = uint64(h)
	}
	return out, rows.Err()
}

func (s *Store) MarkMediaProcessing(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE media_files SET processing_status = 'processing' WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// CompleteMediaFile records a finished download. The completed invariant
// (file_path present, validation valid) is enforced here.
func (s *Store) CompleteMediaFile(ctx context.Context, m *storage.MediaFile) error {
	if m.FilePath == "" {
		return &faults.ValidationFailedError{What: "completed media file without file_path"}
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE media_files SET
			processing_status = 'completed',
			validation_status = 'valid',
			file_path = $2,
			file_size = $3,
			mime_type = COALESCE(NULLIF($4, ''), mime_type),
			width = $5, height = $6, duration = $7,
			content_hash = $8,
			perceptual_hash = $9,
			duplicate_method = $10,
			download_error_kind = ''
		WHERE id = $1`,
		m.ID, m.FilePath, m.FileSize, m.MimeType, m.Width, m.Height, m.Duration,
		nullString(m.ContentHash), phashArg(m.PerceptualHash), m.DuplicateMethod)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *Store) FailMediaDownload(ctx context.Context, id int64, errorKind string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE media_files SET
			processing_status = 'failed',
			download_attempts = download_attempts + 1,
			last_download_attempt = $2,
			download_error_kind = $3
		WHERE id = $1`, id, at, errorKind)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// SetMediaValidation records the validation verdict. A failed validation also
// fails the processing status so the row leaves the retry sweep's
// failed/pending window only through an operator reset.
func (s *Store) SetMediaValidation(ctx context.Context, id int64, status string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE media_files SET
			validation_status = $2,
			processing_status = CASE WHEN $2 IN ('invalid', 'corrupted')
				THEN 'failed' ELSE processing_status END
		WHERE id = $1`, id, status)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *Store) ListRetryableMedia(ctx context.Context, maxAttempts, limit int) ([]*storage.MediaFile, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+mediaColumns+` FROM media_files
		WHERE processing_status IN ('failed', 'pending') AND download_attempts < $1
		ORDER BY processing_priority DESC, id
		LIMIT $2`, maxAttempts, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*storage.MediaFile
	for rows.Next() {
		m, err := scanMediaFile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) ResetMediaRetries(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE media_files SET download_attempts = 0, processing_status = 'pending',
			download_error_kind = ''
		WHERE id = ANY($1)`, int64Array(ids))
	return err
}
