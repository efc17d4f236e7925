package pg

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"time"

	"github.com/osintops/dragnet/internal/faults"
	"github.com/osintops/dragnet/internal/storage"
)

const dialogColumns = `id, tg_dialog_id, type, title, username, member_count, photo, account_id,
	status, download_media, ocr_enabled, backfill_enabled, is_monitoring,
	last_message_id_seen, backfill_frontier, last_member_scrape_at, last_error, created_at`

func scanDialog(row interface{ Scan(...any) error }) (*storage.Dialog, error) {
	var d storage.Dialog
	var accountID sql.NullInt64
	var lastScrape sql.NullTime
	err := row.Scan(&d.ID, &d.TGDialogID, &d.Type, &d.Title, &d.Username, &d.MemberCount,
		&d.Photo, &accountID, &d.Status,
		&d.Options.DownloadMedia, &d.Options.OCREnabled, &d.Options.BackfillEnabled, &d.Options.IsMonitoring,
		&d.LastMessageIDSeen, &d.BackfillFrontier, &lastScrape, &d.LastError, &d.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, faults.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	d.AccountID = int64Ptr(accountID)
	d.LastMemberScrape = timePtr(lastScrape)
	return &d, nil
}

func (s *Store) UpsertDialog(ctx context.Context, d *storage.Dialog) (storage.UpsertResult, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO dialogs (tg_dialog_id, type, title, username, member_count, photo, account_id, status,
			download_media, ocr_enabled, backfill_enabled, is_monitoring)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (tg_dialog_id) DO UPDATE SET
			title = EXCLUDED.title,
			username = EXCLUDED.username,
			member_count = EXCLUDED.member_count,
			photo = COALESCE(EXCLUDED.photo, dialogs.photo)
		RETURNING id, (xmax = 0) AS inserted`,
		d.TGDialogID, d.Type, d.Title, d.Username, d.MemberCount, d.Photo,
		nullInt64(d.AccountID), d.Status,
		d.Options.DownloadMedia, d.Options.OCREnabled, d.Options.BackfillEnabled, d.Options.IsMonitoring)

	var res storage.UpsertResult
	if err := row.Scan(&res.ID, &res.Inserted); err != nil {
		return res, err
	}
	return res, nil
}

func (s *Store) GetDialog(ctx context.Context, id int64) (*storage.Dialog, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+dialogColumns+` FROM dialogs WHERE id = $1`, id)
	return scanDialog(row)
}

func (s *Store) GetDialogByTGID(ctx context.Context, tgDialogID int64) (*storage.Dialog, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+dialogColumns+` FROM dialogs WHERE tg_dialog_id = $1`, tgDialogID)
	return scanDialog(row)
}

func (s *Store) ListDialogs(ctx context.Context, f storage.DialogFilter) ([]*storage.Dialog, error) {
	query := `SELECT ` + dialogColumns + ` FROM dialogs WHERE 1=1`
	var args []any
	if f.AccountID != nil {
		args = append(args, *f.AccountID)
		query += ` AND account_id = $` + strconv.Itoa(len(args))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		query += ` AND status = $` + strconv.Itoa(len(args))
	}
	if f.MonitoredOnly {
		query += ` AND status IN ('active', 'backfilling') AND account_id IS NOT NULL`
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*storage.Dialog
	for rows.Next() {
		d, err := scanDialog(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) AssignDialog(ctx context.Context, dialogID int64, accountID *int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE dialogs SET account_id = $2 WHERE id = $1`,
		dialogID, nullInt64(accountID))
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *Store) UpdateDialogStatus(ctx context.Context, dialogID int64, status, lastError string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE dialogs SET status = $2, last_error = $3 WHERE id = $1`,
		dialogID, status, lastError)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *Store) SetDialogOptions(ctx context.Context, dialogID int64, opts storage.DialogOptions) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE dialogs SET download_media = $2, ocr_enabled = $3, backfill_enabled = $4, is_monitoring = $5
		WHERE id = $1`,
		dialogID, opts.DownloadMedia, opts.OCREnabled, opts.BackfillEnabled, opts.IsMonitoring)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *Store) UpdateBackfillFrontier(ctx context.Context, dialogID, frontier int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE dialogs SET backfill_frontier = $2 WHERE id = $1`,
		dialogID, frontier)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *Store) UpdateLastMessageSeen(ctx context.Context, dialogID, tgMessageID int64) error {
	// Only ever move the cursor forward; late events must not regress it.
	_, err := s.db.ExecContext(ctx, `
		UPDATE dialogs SET last_message_id_seen = GREATEST(last_message_id_seen, $2)
		WHERE id = $1`, dialogID, tgMessageID)
	return err
}

func (s *Store) TouchMemberScrape(ctx context.Context, dialogID int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE dialogs SET last_member_scrape_at = $2 WHERE id = $1`,
		dialogID, at)
	return err
}
