package invites

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/gotd/td/tgerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osintops/dragnet/internal/events"
	"github.com/osintops/dragnet/internal/faults"
	"github.com/osintops/dragnet/internal/logger"
	"github.com/osintops/dragnet/internal/registry"
	"github.com/osintops/dragnet/internal/retry"
	"github.com/osintops/dragnet/internal/session"
	"github.com/osintops/dragnet/internal/storage"
	"github.com/osintops/dragnet/internal/storage/memstore"
	"github.com/osintops/dragnet/internal/telegram"
	"github.com/osintops/dragnet/internal/telegram/fake"
)

func TestParseLinkShapes(t *testing.T) {
	for link, want := range map[string]string{
		"https://t.me/+AbCdEf123":       "AbCdEf123",
		"http://t.me/joinchat/XyZ_9":    "XyZ_9",
		"t.me/+short":                   "short",
		"tg://join?invite=deadbeef":     "deadbeef",
		"  https://t.me/+padded  ":      "padded",
		"telegram.me/joinchat/oldstyle": "oldstyle",
	} {
		hash, err := ParseLink(link)
		require.NoError(t, err, link)
		assert.Equal(t, want, hash, link)
	}

	for _, link := range []string{"", "https://example.com/x", "t.me/+a/b", "tg://settings"} {
		_, err := ParseLink(link)
		assert.Error(t, err, link)
	}
}

type fixture struct {
	svc     *Service
	store   *memstore.Store
	client  *fake.Client
	account *storage.Account
	reg     *registry.Registry
	mgr     *session.Manager
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	ctx := context.Background()
	store := memstore.New()
	log := logger.New(logger.Config{Level: slog.LevelError, Format: "text"})
	bus := events.NewBus(64, log)
	client := fake.New()

	account, err := store.CreateAccount(ctx, "+14155550100", nil)
	require.NoError(t, err)
	m := session.NewManager(store, fake.Dialer(client), bus, log,
		retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond}, "aggressive")
	t.Cleanup(m.Shutdown)
	_, err = m.Connect(ctx, account.ID)
	require.NoError(t, err)

	reg := registry.New(store, log)
	svc := New(store, m, reg, log, opts)
	return &fixture{svc: svc, store: store, client: client, account: account, reg: reg, mgr: m}
}

func TestSubmitDeduplicatesByLink(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	a, err := f.svc.Submit(ctx, "https://t.me/+AbCdEf123", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "AbCdEf123", a.InviteHash)
	assert.Equal(t, storage.InviteStatusPending, a.Status)

	b, err := f.svc.Submit(ctx, "https://t.me/+AbCdEf123", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, a.ID, b.ID)
}

func TestResolveStoresPreview(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	f.client.ResolveInviteFunc = func(ctx context.Context, hash string) (*telegram.InvitePreview, error) {
		require.Equal(t, "AbCdEf123", hash)
		return &telegram.InvitePreview{Title: "den", MemberCount: 1200, IsChannel: true}, nil
	}

	inv, err := f.svc.Submit(ctx, "https://t.me/+AbCdEf123", nil, nil)
	require.NoError(t, err)
	inv, err = f.svc.Resolve(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, "den", inv.Preview.Title)
	assert.Equal(t, 1200, inv.Preview.MemberCount)
	assert.Equal(t, storage.InviteStatusPending, inv.Status)
}

func TestResolveMapsExpiredAndInvalid(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	cases := map[string]string{
		"INVITE_HASH_EXPIRED": storage.InviteStatusExpired,
		"INVITE_HASH_INVALID": storage.InviteStatusInvalid,
	}
	i := 0
	for code, wantStatus := range cases {
		f.client.ResolveInviteFunc = func(ctx context.Context, hash string) (*telegram.InvitePreview, error) {
			return nil, tgerr.New(400, code)
		}
		inv, err := f.svc.Submit(ctx, "https://t.me/+hash"+string(rune('a'+i)), nil, nil)
		i++
		require.NoError(t, err)
		inv, err = f.svc.Resolve(ctx, inv.ID)
		require.NoError(t, err)
		assert.Equal(t, wantStatus, inv.Status, code)
		assert.Zero(t, inv.RetryCount, "terminal statuses do not burn retries")
	}
}

func TestResolvePrivateChannel(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	f.client.ResolveInviteFunc = func(ctx context.Context, hash string) (*telegram.InvitePreview, error) {
		return nil, faults.ErrPermissionDenied
	}

	inv, err := f.svc.Submit(ctx, "https://t.me/+priv", nil, nil)
	require.NoError(t, err)
	inv, err = f.svc.Resolve(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.InviteStatusPrivate, inv.Status)
}

func TestJoinRegistersDialogAndAccounting(t *testing.T) {
	f := newFixture(t, Options{JoinedDialogOptions: storage.DialogOptions{IsMonitoring: true}})
	ctx := context.Background()

	f.client.JoinInviteFunc = func(ctx context.Context, hash string) (*telegram.JoinOutcome, error) {
		return &telegram.JoinOutcome{
			Status: "joined",
			Dialog: &telegram.DialogInfo{TGDialogID: 50001, Type: "supergroup", Title: "den"},
		}, nil
	}

	inv, err := f.svc.Submit(ctx, "https://t.me/+AbCdEf123", nil, nil)
	require.NoError(t, err)
	inv, err = f.svc.Join(ctx, inv.ID, f.account.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.InviteStatusJoined, inv.Status)
	require.NotNil(t, inv.JoinedBy)
	assert.Equal(t, f.account.ID, *inv.JoinedBy)

	// The joined dialog is registered, assigned, and active.
	d, err := f.store.GetDialogByTGID(ctx, 50001)
	require.NoError(t, err)
	assert.True(t, d.Monitored())
	assert.True(t, d.Options.IsMonitoring)

	n, err := f.store.CountJoinsSince(ctx, f.account.ID, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestJoinAlreadyParticipantIsNotAnError(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	f.client.JoinInviteFunc = func(ctx context.Context, hash string) (*telegram.JoinOutcome, error) {
		return &telegram.JoinOutcome{Status: "already_joined"}, nil
	}

	inv, err := f.svc.Submit(ctx, "https://t.me/+dupe", nil, nil)
	require.NoError(t, err)
	inv, err = f.svc.Join(ctx, inv.ID, f.account.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.InviteStatusAlreadyJoined, inv.Status)

	// No join is recorded against the daily cap.
	n, err := f.store.CountJoinsSince(ctx, f.account.ID, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestAutojoinHonorsSettingAndDailyCap(t *testing.T) {
	f := newFixture(t, Options{MaxJoinsPerDay: 1})
	ctx := context.Background()

	joins := 0
	f.client.JoinInviteFunc = func(ctx context.Context, hash string) (*telegram.JoinOutcome, error) {
		joins++
		return &telegram.JoinOutcome{Status: "joined"}, nil
	}

	_, err := f.svc.Submit(ctx, "https://t.me/+one", nil, nil)
	require.NoError(t, err)
	_, err = f.svc.Submit(ctx, "https://t.me/+two", nil, nil)
	require.NoError(t, err)

	// Disabled by default.
	require.NoError(t, f.svc.AutojoinTick(ctx))
	assert.Zero(t, joins)

	require.NoError(t, f.store.SetSetting(ctx, SettingAutojoinEnabled, "true"))
	require.NoError(t, f.svc.AutojoinTick(ctx))
	assert.Equal(t, 1, joins)

	// The single account hit its daily cap; the second invite stays pending.
	require.NoError(t, f.svc.AutojoinTick(ctx))
	assert.Equal(t, 1, joins)
	pending, err := f.store.ListInvites(ctx, storage.InviteStatusPending)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestManualJoinRespectsDailyCap(t *testing.T) {
	f := newFixture(t, Options{MaxJoinsPerDay: 1})
	ctx := context.Background()
	f.client.JoinInviteFunc = func(ctx context.Context, hash string) (*telegram.JoinOutcome, error) {
		return &telegram.JoinOutcome{Status: "joined"}, nil
	}

	one, err := f.svc.Submit(ctx, "https://t.me/+one", nil, nil)
	require.NoError(t, err)
	two, err := f.svc.Submit(ctx, "https://t.me/+two", nil, nil)
	require.NoError(t, err)

	_, err = f.svc.Join(ctx, one.ID, f.account.ID)
	require.NoError(t, err)

	_, err = f.svc.Join(ctx, two.ID, f.account.ID)
	require.Error(t, err)
	assert.Equal(t, faults.KindRateLimited, faults.KindOf(err))
	wait, ok := faults.RetryAfter(err)
	require.True(t, ok)
	assert.Greater(t, wait, time.Duration(0))
	assert.LessOrEqual(t, wait, 24*time.Hour)
}

func TestRotationJoinRotatesThenRateLimits(t *testing.T) {
	f := newFixture(t, Options{MaxJoinsPerDay: 1})
	ctx := context.Background()

	second, err := f.store.CreateAccount(ctx, "+14155550101", nil)
	require.NoError(t, err)
	_, err = f.mgr.Connect(ctx, second.ID)
	require.NoError(t, err)

	f.client.JoinInviteFunc = func(ctx context.Context, hash string) (*telegram.JoinOutcome, error) {
		return &telegram.JoinOutcome{Status: "joined"}, nil
	}

	var ids []int64
	for _, link := range []string{"https://t.me/+one", "https://t.me/+two", "https://t.me/+three"} {
		inv, err := f.svc.Submit(ctx, link, nil, nil)
		require.NoError(t, err)
		ids = append(ids, inv.ID)
	}

	first, err := f.svc.JoinNext(ctx, ids[0])
	require.NoError(t, err)
	require.NotNil(t, first.JoinedBy)

	next, err := f.svc.JoinNext(ctx, ids[1])
	require.NoError(t, err)
	require.NotNil(t, next.JoinedBy)
	assert.NotEqual(t, *first.JoinedBy, *next.JoinedBy, "rotation spreads joins across accounts")

	// Both accounts are at the cap; the wait runs to the oldest join's expiry.
	_, err = f.svc.JoinNext(ctx, ids[2])
	require.Error(t, err)
	assert.Equal(t, faults.KindRateLimited, faults.KindOf(err))
	wait, ok := faults.RetryAfter(err)
	require.True(t, ok)
	assert.Greater(t, wait, time.Duration(0))
	assert.LessOrEqual(t, wait, 24*time.Hour)
}

func TestAutojoinDelayBetweenJoins(t *testing.T) {
	f := newFixture(t, Options{MaxJoinsPerDay: 10, JoinDelay: time.Hour})
	ctx := context.Background()
	require.NoError(t, f.store.SetSetting(ctx, SettingAutojoinEnabled, "true"))

	joins := 0
	f.client.JoinInviteFunc = func(ctx context.Context, hash string) (*telegram.JoinOutcome, error) {
		joins++
		return &telegram.JoinOutcome{Status: "joined"}, nil
	}

	_, err := f.svc.Submit(ctx, "https://t.me/+one", nil, nil)
	require.NoError(t, err)
	_, err = f.svc.Submit(ctx, "https://t.me/+two", nil, nil)
	require.NoError(t, err)

	require.NoError(t, f.svc.AutojoinTick(ctx))
	require.NoError(t, f.svc.AutojoinTick(ctx))
	assert.Equal(t, 1, joins, "second join waits out the delay")
}
