package session

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osintops/dragnet/internal/events"
	"github.com/osintops/dragnet/internal/faults"
	"github.com/osintops/dragnet/internal/logger"
	"github.com/osintops/dragnet/internal/retry"
	"github.com/osintops/dragnet/internal/storage"
	"github.com/osintops/dragnet/internal/storage/memstore"
	"github.com/osintops/dragnet/internal/telegram"
	"github.com/osintops/dragnet/internal/telegram/fake"
)

func testManager(t *testing.T, client *fake.Client) (*Manager, *memstore.Store, *storage.Account) {
	t.Helper()
	store := memstore.New()
	log := logger.New(logger.Config{Level: slog.LevelError, Format: "text"})
	bus := events.NewBus(64, log)
	account, err := store.CreateAccount(context.Background(), "+14155550100", nil)
	require.NoError(t, err)
	m := NewManager(store, fake.Dialer(client), bus, log,
		retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}, "aggressive")
	t.Cleanup(m.Shutdown)
	return m, store, account
}

func TestAuthFlowCodeThenPassword(t *testing.T) {
	client := fake.New()
	client.ConnectFunc = func(ctx context.Context) (telegram.AuthState, error) {
		return telegram.AuthStateCodeRequired, nil
	}
	client.SubmitCodeFunc = func(ctx context.Context, code string) (telegram.AuthState, error) {
		if code != "11111" {
			return "", &faults.PermanentError{Cause: errors.New("wrong code")}
		}
		return telegram.AuthStatePasswordRequired, nil
	}
	client.SubmitPasswordFunc = func(ctx context.Context, password string) (telegram.AuthState, error) {
		if password != "pw" {
			return "", &faults.Invalid2FAError{}
		}
		return telegram.AuthStateAuthorized, nil
	}
	client.ListDialogsFunc = func(ctx context.Context) ([]telegram.DialogInfo, error) {
		return []telegram.DialogInfo{{TGDialogID: 10042, Type: "supergroup", Title: "ops"}}, nil
	}

	m, store, account := testManager(t, client)
	ctx := context.Background()

	status, err := m.Connect(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.AccountStatusCodeRequired, status)

	status, err = m.SubmitCode(ctx, account.ID, "11111")
	require.NoError(t, err)
	assert.Equal(t, storage.AccountStatusPasswordRequired, status)

	status, err = m.SubmitPassword(ctx, account.ID, "pw")
	require.NoError(t, err)
	assert.Equal(t, storage.AccountStatusActive, status)

	persisted, err := store.GetAccount(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.AccountStatusActive, persisted.Status)

	s, ok := m.Get(account.ID)
	require.True(t, ok)
	dialogs, err := s.ListDialogs(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, dialogs)
	assert.Equal(t, int64(10042), dialogs[0].TGDialogID)
}

func TestInvalidPasswordSurfacesKind(t *testing.T) {
	client := fake.New()
	client.ConnectFunc = func(ctx context.Context) (telegram.AuthState, error) {
		return telegram.AuthStatePasswordRequired, nil
	}
	client.SubmitPasswordFunc = func(ctx context.Context, password string) (telegram.AuthState, error) {
		return "", &faults.Invalid2FAError{}
	}

	m, _, account := testManager(t, client)
	ctx := context.Background()
	_, err := m.Connect(ctx, account.ID)
	require.NoError(t, err)

	_, err = m.SubmitPassword(ctx, account.ID, "nope")
	assert.Equal(t, faults.KindInvalid2FA, faults.KindOf(err))
}

func TestQueuePriorityOrdering(t *testing.T) {
	client := fake.New()
	release := make(chan struct{})
	running := make(chan struct{})
	client.ListDialogsFunc = func(ctx context.Context) ([]telegram.DialogInfo, error) {
		close(running)
		<-release
		return nil, nil
	}

	m, _, account := testManager(t, client)
	ctx := context.Background()
	_, err := m.Connect(ctx, account.ID)
	require.NoError(t, err)
	s, _ := m.Get(account.ID)

	blockerDone := make(chan struct{})
	go func() {
		_, _ = s.ListDialogs(ctx)
		close(blockerDone)
	}()
	<-running

	// Enqueue enrichment first, backfill second while the actor is busy; the
	// backfill class must still run first.
	var wg [2]chan struct{}
	for i := range wg {
		wg[i] = make(chan struct{})
	}
	go func() {
		_, _ = s.Participants(ctx, 1)
		close(wg[0])
	}()
	// Give the enrichment task time to enqueue before the backfill one.
	time.Sleep(20 * time.Millisecond)
	go func() {
		_, _ = s.History(ctx, 1, 0, 10)
		close(wg[1])
	}()
	time.Sleep(20 * time.Millisecond)

	close(release)
	<-blockerDone
	<-wg[0]
	<-wg[1]

	calls := client.Calls()
	require.Len(t, calls, 4) // connect, list_dialogs, history, participants
	assert.Equal(t, "history", calls[2])
	assert.Equal(t, "participants", calls[3])
}

func TestFloodWaitPausesThenResumes(t *testing.T) {
	client := fake.New()
	attempts := 0
	client.HistoryFunc = func(ctx context.Context, dialogID, fromID int64, pageSize int) ([]telegram.MessageEvent, error) {
		attempts++
		if attempts == 1 {
			return nil, &faults.RateLimitedError{RetryAfter: 50 * time.Millisecond}
		}
		return []telegram.MessageEvent{{TGDialogID: dialogID, TGMessageID: 9}}, nil
	}

	m, store, account := testManager(t, client)
	ctx := context.Background()
	_, err := m.Connect(ctx, account.ID)
	require.NoError(t, err)
	s, _ := m.Get(account.ID)

	start := time.Now()
	page, err := s.History(ctx, 10042, 0, 10)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, storage.AccountStatusActive, s.Status())

	persisted, err := store.GetAccount(ctx, account.ID)
	require.NoError(t, err)
	require.NotNil(t, persisted.FloodWaitUntil)
}

func TestBannedErrorIsTerminal(t *testing.T) {
	client := fake.New()
	client.HistoryFunc = func(ctx context.Context, dialogID, fromID int64, pageSize int) ([]telegram.MessageEvent, error) {
		return nil, &faults.SessionBannedError{Cause: "PHONE_NUMBER_BANNED"}
	}

	m, store, account := testManager(t, client)
	ctx := context.Background()
	_, err := m.Connect(ctx, account.ID)
	require.NoError(t, err)
	s, _ := m.Get(account.ID)

	_, err = s.History(ctx, 1, 0, 10)
	assert.Equal(t, faults.KindSessionBanned, faults.KindOf(err))
	assert.Equal(t, storage.AccountStatusBanned, s.Status())

	persisted, _ := store.GetAccount(ctx, account.ID)
	assert.Equal(t, storage.AccountStatusBanned, persisted.Status)

	// A banned account cannot reconnect.
	_, err = m.Connect(ctx, account.ID)
	assert.Equal(t, faults.KindSessionBanned, faults.KindOf(err))
}

func TestClosedSessionRejectsOperations(t *testing.T) {
	client := fake.New()
	m, _, account := testManager(t, client)
	ctx := context.Background()
	_, err := m.Connect(ctx, account.ID)
	require.NoError(t, err)
	s, _ := m.Get(account.ID)

	require.NoError(t, m.Disconnect(account.ID))
	_, err = s.History(ctx, 1, 0, 10)
	assert.ErrorIs(t, err, ErrSessionClosed)
}
