package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/osintops/dragnet/internal/faults"
	"github.com/osintops/dragnet/internal/storage"
)

const inviteColumns = `id, link, invite_hash, status, retry_count,
	preview_title, preview_about, preview_member_count, preview_photo, preview_is_channel,
	source_group_id, source_user_id, joined_by, created_at, updated_at`

func scanInvite(row interface{ Scan(...any) error }) (*storage.Invite, error) {
	var inv storage.Invite
	var sourceGroup, sourceUser, joinedBy sql.NullInt64
	err := row.Scan(&inv.ID, &inv.Link, &inv.InviteHash, &inv.Status, &inv.RetryCount,
		&inv.Preview.Title, &inv.Preview.About, &inv.Preview.MemberCount, &inv.Preview.Photo,
		&inv.Preview.IsChannel, &sourceGroup, &sourceUser, &joinedBy, &inv.CreatedAt, &inv.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, faults.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	inv.SourceGroupID = int64Ptr(sourceGroup)
	inv.SourceUserID = int64Ptr(sourceUser)
	inv.JoinedBy = int64Ptr(joinedBy)
	return &inv, nil
}

func (s *Store) CreateInvite(ctx context.Context, link, hash string, sourceGroup, sourceUser *int64) (*storage.Invite, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO invites (link, invite_hash, source_group_id, source_user_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (link) DO UPDATE SET updated_at = now()
		RETURNING `+inviteColumns,
		link, hash, nullInt64(sourceGroup), nullInt64(sourceUser))
	return scanInvite(row)
}

func (s *Store) GetInvite(ctx context.Context, id int64) (*storage.Invite, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+inviteColumns+` FROM invites WHERE id = $1`, id)
	return scanInvite(row)
}

func (s *Store) ListInvites(ctx context.Context, status string) ([]*storage.Invite, error) {
	query := `SELECT ` + inviteColumns + ` FROM invites`
	var args []any
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, status)
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*storage.Invite
	for rows.Next() {
		inv, err := scanInvite(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

func (s *Store) UpdateInviteStatus(ctx context.Context, id int64, status string, bumpRetry bool) error {
	bump := 0
	if bumpRetry {
		bump = 1
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE invites SET status = $2, retry_count = retry_count + $3, updated_at = now()
		WHERE id = $1`, id, status, bump)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *Store) UpdateInvitePreview(ctx context.Context, id int64, p storage.InvitePreview) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE invites SET preview_title = $2, preview_about = $3, preview_member_count = $4,
			preview_photo = $5, preview_is_channel = $6, updated_at = now()
		WHERE id = $1`, id, p.Title, p.About, p.MemberCount, p.Photo, p.IsChannel)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *Store) SetInviteJoinedBy(ctx context.Context, id, accountID int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE invites SET joined_by = $2, updated_at = now() WHERE id = $1`, id, accountID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *Store) DeleteInvite(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM invites WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *Store) RecordJoin(ctx context.Context, accountID, inviteID int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO join_log (account_id, invite_id, joined_at) VALUES ($1, $2, $3)`,
		accountID, inviteID, at)
	return err
}

func (s *Store) CountJoinsSince(ctx context.Context, accountID int64, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT count(*) FROM join_log WHERE account_id = $1 AND joined_at >= $2`,
		accountID, since).Scan(&n)
	return n, err
}

// OldestJoinSince returns the earliest join inside the window; it is the join
// whose expiry next frees budget under the daily cap.
func (s *Store) OldestJoinSince(ctx context.Context, accountID int64, since time.Time) (*time.Time, error) {
	var t sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT min(joined_at) FROM join_log WHERE account_id = $1 AND joined_at >= $2`,
		accountID, since).Scan(&t)
	if err != nil {
		return nil, err
	}
	return timePtr(t), nil
}

func (s *Store) LastJoinAt(ctx context.Context, accountID int64) (*time.Time, error) {
	var t sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT max(joined_at) FROM join_log WHERE account_id = $1`, accountID).Scan(&t)
	if err != nil {
		return nil, err
	}
	return timePtr(t), nil
}
