package enrich

import (
	"context"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osintops/dragnet/internal/events"
	"github.com/osintops/dragnet/internal/faults"
	"github.com/osintops/dragnet/internal/logger"
	"github.com/osintops/dragnet/internal/retry"
	"github.com/osintops/dragnet/internal/session"
	"github.com/osintops/dragnet/internal/storage"
	"github.com/osintops/dragnet/internal/storage/memstore"
	"github.com/osintops/dragnet/internal/telegram"
	"github.com/osintops/dragnet/internal/telegram/fake"
)

type fixture struct {
	svc     *Service
	store   *memstore.Store
	client  *fake.Client
	account *storage.Account
	dialog  *storage.Dialog
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store := memstore.New()
	log := logger.New(logger.Config{Level: slog.LevelError, Format: "text"})
	bus := events.NewBus(64, log)
	client := fake.New()

	account, err := store.CreateAccount(ctx, "+14155550100", nil)
	require.NoError(t, err)
	res, err := store.UpsertDialog(ctx, &storage.Dialog{TGDialogID: 40001, Type: storage.DialogTypeSupergroup, Title: "crew"})
	require.NoError(t, err)
	require.NoError(t, store.AssignDialog(ctx, res.ID, &account.ID))
	require.NoError(t, store.UpdateDialogStatus(ctx, res.ID, storage.DialogStatusActive, ""))
	dialog, err := store.GetDialog(ctx, res.ID)
	require.NoError(t, err)

	m := session.NewManager(store, fake.Dialer(client), bus, log,
		retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond}, "aggressive")
	t.Cleanup(m.Shutdown)
	_, err = m.Connect(ctx, account.ID)
	require.NoError(t, err)

	svc := New(store, m, log, Options{
		MemberScrapeInterval: time.Hour,
		BatchSize:            10,
		MediaRoot:            t.TempDir(),
	})
	return &fixture{svc: svc, store: store, client: client, account: account, dialog: dialog}
}

func TestMemberScrapePersistsParticipants(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	joined := time.Now().Add(-48 * time.Hour)
	f.client.ParticipantsFunc = func(ctx context.Context, dialogID int64) ([]telegram.ParticipantInfo, error) {
		require.Equal(t, int64(40001), dialogID)
		return []telegram.ParticipantInfo{
			{User: telegram.UserInfo{TGUserID: 901, Username: "lead"}, IsAdmin: true, AdminTitle: "founder", JoinedAt: &joined},
			{User: telegram.UserInfo{TGUserID: 902, FirstName: "Mona"}},
		}, nil
	}

	require.NoError(t, f.svc.RunNow(ctx, JobMembers))

	lead, err := f.store.GetUserByTGID(ctx, 901)
	require.NoError(t, err)
	assert.Equal(t, "lead", lead.Username)
	_, err = f.store.GetUserByTGID(ctx, 902)
	require.NoError(t, err)

	dialog, err := f.store.GetDialog(ctx, f.dialog.ID)
	require.NoError(t, err)
	require.NotNil(t, dialog.LastMemberScrape)

	st := f.svc.Status()
	require.Len(t, st, 3)
	assert.Equal(t, JobMembers, st[0].Name)
	assert.NotNil(t, st[0].LastRun)
	assert.Empty(t, st[0].LastError)
}

func TestMemberScrapeSkipsFreshDialogs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.TouchMemberScrape(ctx, f.dialog.ID, time.Now()))

	require.NoError(t, f.svc.RunNow(ctx, JobMembers))
	for _, call := range f.client.Calls() {
		assert.NotEqual(t, "participants", call)
	}
}

func TestMemberScrapeWithoutAccessStillTouches(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.client.ParticipantsFunc = func(ctx context.Context, dialogID int64) ([]telegram.ParticipantInfo, error) {
		return nil, faults.ErrPermissionDenied
	}

	require.NoError(t, f.svc.RunNow(ctx, JobMembers))
	dialog, err := f.store.GetDialog(ctx, f.dialog.ID)
	require.NoError(t, err)
	assert.NotNil(t, dialog.LastMemberScrape)
}

func TestProfilePhotoScanFlipsCurrent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	u := &storage.User{TGUserID: 901, Username: "lead"}
	_, err := f.store.UpsertUser(ctx, u)
	require.NoError(t, err)

	f.client.ProfilePhotosFunc = func(ctx context.Context, tgUserID int64) ([]telegram.PhotoInfo, error) {
		return []telegram.PhotoInfo{
			{TGPhotoID: 12, Date: time.Now(), Ref: &telegram.MediaRef{MimeType: "image/jpeg", FileName: "12.jpg"}},
			{TGPhotoID: 11, Date: time.Now().Add(-time.Hour)},
		}, nil
	}
	f.client.DownloadMediaFunc = func(ctx context.Context, ref *telegram.MediaRef, w io.Writer) (int64, error) {
		n, err := w.Write([]byte("jpeg bytes"))
		return int64(n), err
	}

	require.NoError(t, f.svc.RunNow(ctx, JobPhotos))

	photos, err := f.store.ListProfilePhotos(ctx, u.ID)
	require.NoError(t, err)
	require.Len(t, photos, 2)

	var current *storage.ProfilePhoto
	for _, p := range photos {
		if p.IsCurrent {
			require.Nil(t, current, "exactly one current photo")
			current = p
		}
	}
	require.NotNil(t, current)
	assert.Equal(t, int64(12), current.TGPhotoID)
	require.NotEmpty(t, current.FilePath)
	_, err = os.Stat(current.FilePath)
	require.NoError(t, err)
}

func TestStoryScanCapturesActiveStories(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	u := &storage.User{TGUserID: 903, Username: "poster", HasStories: true}
	_, err := f.store.UpsertUser(ctx, u)
	require.NoError(t, err)

	expires := time.Now().Add(20 * time.Hour)
	f.client.StoriesFunc = func(ctx context.Context, tgUserID int64) ([]telegram.StoryInfo, error) {
		require.Equal(t, int64(903), tgUserID)
		return []telegram.StoryInfo{
			{TGStoryID: 7, ExpiresAt: &expires, Views: 42, Ref: &telegram.MediaRef{MimeType: "video/mp4"}},
		}, nil
	}
	f.client.DownloadMediaFunc = func(ctx context.Context, ref *telegram.MediaRef, w io.Writer) (int64, error) {
		n, err := w.Write([]byte("mp4 bytes"))
		return int64(n), err
	}

	require.NoError(t, f.svc.RunNow(ctx, JobStories))

	stories, err := f.store.ListStories(ctx, u.ID)
	require.NoError(t, err)
	require.Len(t, stories, 1)
	assert.Equal(t, 42, stories[0].ViewsCount)
	assert.Contains(t, stories[0].FilePath, ".mp4")
	_, err = os.Stat(stories[0].FilePath)
	require.NoError(t, err)
}

func TestPhotoScanBatchesAdvanceAcrossRuns(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.svc.opts.BatchSize = 1

	for _, id := range []int64{901, 902, 903} {
		_, err := f.store.UpsertUser(ctx, &storage.User{TGUserID: id})
		require.NoError(t, err)
	}

	scanned := map[int64]int{}
	f.client.ProfilePhotosFunc = func(ctx context.Context, tgUserID int64) ([]telegram.PhotoInfo, error) {
		scanned[tgUserID]++
		return nil, nil
	}

	for i := 0; i < 3; i++ {
		require.NoError(t, f.svc.RunNow(ctx, JobPhotos))
	}

	// Each run takes the stalest user, so three runs cover all three users.
	assert.Equal(t, map[int64]int{901: 1, 902: 1, 903: 1}, scanned)
}

func TestStoryScanBatchesAdvanceAcrossRuns(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.svc.opts.BatchSize = 1

	for _, id := range []int64{911, 912} {
		_, err := f.store.UpsertUser(ctx, &storage.User{TGUserID: id, HasStories: true})
		require.NoError(t, err)
	}

	scanned := map[int64]int{}
	f.client.StoriesFunc = func(ctx context.Context, tgUserID int64) ([]telegram.StoryInfo, error) {
		scanned[tgUserID]++
		return nil, nil
	}

	require.NoError(t, f.svc.RunNow(ctx, JobStories))
	require.NoError(t, f.svc.RunNow(ctx, JobStories))

	assert.Equal(t, map[int64]int{911: 1, 912: 1}, scanned)
}

func TestRunNowRejectsUnknownJob(t *testing.T) {
	f := newFixture(t)
	err := f.svc.RunNow(context.Background(), "defrag")
	assert.Equal(t, faults.KindValidationFailed, faults.KindOf(err))
}
