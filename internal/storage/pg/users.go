package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/osintops/dragnet/internal/faults"
	"github.com/osintops/dragnet/internal/storage"
)

const userColumns = `id, tg_user_id, username, first_name, last_name, phone, bio,
	is_bot, is_verified, is_premium, is_scam, is_fake, is_restricted, is_deleted, has_stories,
	last_seen, photo_path, last_photo_scan_at, last_story_scan_at, created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (*storage.User, error) {
	var u storage.User
	var lastSeen, photoScan, storyScan sql.NullTime
	err := row.Scan(&u.ID, &u.TGUserID, &u.Username, &u.FirstName, &u.LastName, &u.Phone, &u.Bio,
		&u.IsBot, &u.IsVerified, &u.IsPremium, &u.IsScam, &u.IsFake, &u.IsRestricted, &u.IsDeleted,
		&u.HasStories, &lastSeen, &u.PhotoPath, &photoScan, &storyScan, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, faults.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	u.LastSeen = timePtr(lastSeen)
	u.LastPhotoScan = timePtr(photoScan)
	u.LastStoryScan = timePtr(storyScan)
	return &u, nil
}

// identityFields are the user fields whose changes append to identity_changes.
var identityFields = []string{"username", "first_name", "last_name", "phone"}

// UpsertUser inserts or merges a user. Observed changes to username, first
// name, last name, or phone append rows to identity_changes before the user
// row is updated, all in one transaction.
func (s *Store) UpsertUser(ctx context.Context, u *storage.User) (storage.UpsertResult, error) {
	var out storage.UpsertResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var existingID int64
		var old [4]string
		err := tx.QueryRowContext(ctx, `
			SELECT id, username, first_name, last_name, phone FROM users WHERE tg_user_id = $1
			FOR UPDATE`, u.TGUserID).Scan(&existingID, &old[0], &old[1], &old[2], &old[3])
		switch {
		case errors.Is(err, sql.ErrNoRows):
			row := tx.QueryRowContext(ctx, `
				INSERT INTO users (tg_user_id, username, first_name, last_name, phone, bio,
					is_bot, is_verified, is_premium, is_scam, is_fake, is_restricted, is_deleted,
					has_stories, last_seen, photo_path)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
				ON CONFLICT (tg_user_id) DO UPDATE SET updated_at = now()
				RETURNING id`,
				u.TGUserID, u.Username, u.FirstName, u.LastName, u.Phone, u.Bio,
				u.IsBot, u.IsVerified, u.IsPremium, u.IsScam, u.IsFake, u.IsRestricted, u.IsDeleted,
				u.HasStories, nullTime(u.LastSeen), u.PhotoPath)
			if err := row.Scan(&out.ID); err != nil {
				return err
			}
			out.Inserted = true
			return nil
		case err != nil:
			return err
		}

		newVals := [4]string{u.Username, u.FirstName, u.LastName, u.Phone}
		for i, field := range identityFields {
			if newVals[i] != "" && newVals[i] != old[i] {
				if _, err := tx.ExecContext(ctx, `
					INSERT INTO identity_changes (user_id, field, old_value, new_value)
					VALUES ($1, $2, $3, $4)`, existingID, field, old[i], newVals[i]); err != nil {
					return err
				}
			}
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE users SET
				username = COALESCE(NULLIF($2, ''), username),
				first_name = COALESCE(NULLIF($3, ''), first_name),
				last_name = COALESCE(NULLIF($4, ''), last_name),
				phone = COALESCE(NULLIF($5, ''), phone),
				bio = COALESCE(NULLIF($6, ''), bio),
				is_bot = $7, is_verified = $8, is_premium = $9, is_scam = $10,
				is_fake = $11, is_restricted = $12, is_deleted = $13, has_stories = $14,
				last_seen = COALESCE($15, last_seen),
				photo_path = COALESCE(NULLIF($16, ''), photo_path),
				updated_at = now()
			WHERE id = $1`,
			existingID, u.Username, u.FirstName, u.LastName, u.Phone, u.Bio,
			u.IsBot, u.IsVerified, u.IsPremium, u.IsScam, u.IsFake, u.IsRestricted, u.IsDeleted,
			u.HasStories, nullTime(u.LastSeen), u.PhotoPath)
		if err != nil {
			return err
		}
		out.ID = existingID
		out.Inserted = false
		return nil
	})
	if err != nil {
		return out, &faults.PersistenceError{Op: "upsert_user", Cause: err}
	}
	return out, nil
}

func (s *Store) GetUserByTGID(ctx context.Context, tgUserID int64) (*storage.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE tg_user_id = $1`, tgUserID)
	return scanUser(row)
}

func (s *Store) ListUsers(ctx context.Context, offset, limit int) ([]*storage.User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+userColumns+` FROM users ORDER BY id OFFSET $1 LIMIT $2`, offset, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectUsers(rows)
}

// ListUsersForPhotoScan returns the users whose photo history is stalest,
// never-scanned users first. Touching the cursor after a scan moves the user
// to the back of the queue, so successive batches walk the whole table.
func (s *Store) ListUsersForPhotoScan(ctx context.Context, limit int) ([]*storage.User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+userColumns+` FROM users
		ORDER BY last_photo_scan_at ASC NULLS FIRST, id LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectUsers(rows)
}

func (s *Store) ListUsersWithStories(ctx context.Context, limit int) ([]*storage.User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+userColumns+` FROM users WHERE has_stories = true
		ORDER BY last_story_scan_at ASC NULLS FIRST, id LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectUsers(rows)
}

func (s *Store) TouchPhotoScan(ctx context.Context, userID int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET last_photo_scan_at = $2 WHERE id = $1`, userID, at)
	return err
}

func (s *Store) TouchStoryScan(ctx context.Context, userID int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET last_story_scan_at = $2 WHERE id = $1`, userID, at)
	return err
}

func collectUsers(rows *sql.Rows) ([]*storage.User, error) {
	var out []*storage.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *Store) ListIdentityChanges(ctx context.Context, userID int64) ([]*storage.IdentityChange, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, field, old_value, new_value, changed_at
		FROM identity_changes WHERE user_id = $1 ORDER BY changed_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*storage.IdentityChange
	for rows.Next() {
		var c storage.IdentityChange
		if err := rows.Scan(&c.ID, &c.UserID, &c.Field, &c.OldValue, &c.NewValue, &c.ChangedAt); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

func (s *Store) UpsertMembership(ctx context.Context, m *storage.Membership) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memberships (user_id, dialog_id, joined_at, is_admin, admin_title, is_active, leave_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id, dialog_id) DO UPDATE SET
			joined_at = COALESCE(memberships.joined_at, EXCLUDED.joined_at),
			is_admin = EXCLUDED.is_admin,
			admin_title = EXCLUDED.admin_title,
			is_active = EXCLUDED.is_active,
			leave_reason = EXCLUDED.leave_reason`,
		m.UserID, m.DialogID, nullTime(m.JoinedAt), m.IsAdmin, m.AdminTitle, m.IsActive, m.LeaveReason)
	return err
}
