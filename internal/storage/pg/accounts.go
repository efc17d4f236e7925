package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/osintops/dragnet/internal/faults"
	"github.com/osintops/dragnet/internal/storage"
)

const accountColumns = `id, phone, status, proxy, last_error, messages_collected, errors_count, flood_wait_until, last_activity, created_at`

func scanAccount(row interface{ Scan(...any) error }) (*storage.Account, error) {
	var a storage.Account
	var proxy []byte
	var floodWait, lastActivity sql.NullTime
	err := row.Scan(&a.ID, &a.Phone, &a.Status, &proxy, &a.LastError,
		&a.MessagesCollected, &a.ErrorsCount, &floodWait, &lastActivity, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, faults.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.FloodWaitUntil = timePtr(floodWait)
	a.LastActivity = timePtr(lastActivity)
	if len(proxy) > 0 {
		var p storage.Proxy
		if err := json.Unmarshal(proxy, &p); err == nil {
			a.Proxy = &p
		}
	}
	return &a, nil
}

func (s *Store) CreateAccount(ctx context.Context, phone string, proxy *storage.Proxy) (*storage.Account, error) {
	var proxyJSON []byte
	if proxy != nil {
		var err error
		proxyJSON, err = json.Marshal(proxy)
		if err != nil {
			return nil, fmt.Errorf("marshal proxy: %w", err)
		}
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO accounts (phone, proxy)
		VALUES ($1, $2)
		ON CONFLICT (phone) DO UPDATE SET proxy = COALESCE(EXCLUDED.proxy, accounts.proxy)
		RETURNING `+accountColumns, phone, proxyJSON)
	return scanAccount(row)
}

func (s *Store) GetAccount(ctx context.Context, id int64) (*storage.Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
	return scanAccount(row)
}

func (s *Store) GetAccountByPhone(ctx context.Context, phone string) (*storage.Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE phone = $1`, phone)
	return scanAccount(row)
}

func (s *Store) ListAccounts(ctx context.Context) ([]*storage.Account, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*storage.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) UpdateAccountStatus(ctx context.Context, id int64, status, lastError string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET status = $2, last_error = $3, last_activity = now()
		WHERE id = $1`, id, status, lastError)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *Store) SetAccountFloodWait(ctx context.Context, id int64, until time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET status = $2, flood_wait_until = $3 WHERE id = $1`,
		id, storage.AccountStatusFloodWait, until)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *Store) BumpAccountCounters(ctx context.Context, id int64, messages, errCount int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE accounts
		SET messages_collected = messages_collected + $2,
		    errors_count = errors_count + $3,
		    last_activity = now()
		WHERE id = $1`, id, messages, errCount)
	return err
}

func (s *Store) DeleteAccount(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM accounts WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// requireRow turns a zero-row update into a not-found error.
func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return faults.ErrNotFound
	}
	return nil
}
