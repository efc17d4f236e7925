package backfill

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osintops/dragnet/internal/events"
	"github.com/osintops/dragnet/internal/extract"
	"github.com/osintops/dragnet/internal/faults"
	"github.com/osintops/dragnet/internal/logger"
	"github.com/osintops/dragnet/internal/retry"
	"github.com/osintops/dragnet/internal/session"
	"github.com/osintops/dragnet/internal/storage"
	"github.com/osintops/dragnet/internal/storage/memstore"
	"github.com/osintops/dragnet/internal/telegram"
	"github.com/osintops/dragnet/internal/telegram/fake"
)

type nopEnqueuer struct {
	mu    sync.Mutex
	items []int64
}

func (n *nopEnqueuer) Enqueue(mediaID, accountID, dialogID int64, ref *telegram.MediaRef, pri session.Priority) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.items = append(n.items, mediaID)
}

func (n *nopEnqueuer) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.items)
}

// historyOf serves pages from a fixed descending message range, honoring the
// fromID cursor the way the upstream does.
func historyOf(highest, lowest int64) func(ctx context.Context, dialogID, fromID int64, pageSize int) ([]telegram.MessageEvent, error) {
	return func(ctx context.Context, dialogID, fromID int64, pageSize int) ([]telegram.MessageEvent, error) {
		start := highest
		if fromID > 0 && fromID-1 < start {
			start = fromID - 1
		}
		var page []telegram.MessageEvent
		for id := start; id >= lowest && len(page) < pageSize; id-- {
			page = append(page, telegram.MessageEvent{
				TGDialogID:  dialogID,
				TGMessageID: id,
				Date:        time.Unix(1700000000+id, 0),
				Text:        fmt.Sprintf("message %d", id),
			})
		}
		return page, nil
	}
}

type fixture struct {
	coord   *Coordinator
	store   *memstore.Store
	bus     *events.Bus
	client  *fake.Client
	enq     *nopEnqueuer
	account *storage.Account
	dialog  *storage.Dialog
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
	res, err := store.UpsertDialog(ctx, &storage.Dialog{TGDialogID: 30001, Type: "channel", Title: "feed"})
	require.NoError(t, err)
	require.NoError(t, store.AssignDialog(ctx, res.ID, &account.ID))
	require.NoError(t, store.UpdateDialogStatus(ctx, res.ID, storage.DialogStatusActive, ""))
	require.NoError(t, store.SetDialogOptions(ctx, res.ID, storage.DialogOptions{
		IsMonitoring: true, BackfillEnabled: true, DownloadMedia: true,
	}))
	dialog, err := store.GetDialog(ctx, res.ID)
	require.NoError(t, err)

	require.NoError(t, extract.SeedBuiltins(ctx, store))
	extractor, err := extract.New(store, log, extract.Options{CacheSize: 100})
	require.NoError(t, err)
	require.NoError(t, extractor.LoadDetectors(ctx))

	m := session.NewManager(store, fake.Dialer(client), bus, log,
		retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond}, "aggressive")
	t.Cleanup(m.Shutdown)
	_, err = m.Connect(ctx, account.ID)
	require.NoError(t, err)

	enq := &nopEnqueuer{}
	coord := NewCoordinator(store, m, extractor, bus, enq, log, opts)
	t.Cleanup(coord.Shutdown)

	return &fixture{coord: coord, store: store, bus: bus, client: client, enq: enq, account: account, dialog: dialog}
}

func TestBackfillWalksToExhaustion(t *testing.T) {
	f := newFixture(t, Options{PageSize: 10})
	f.client.HistoryFunc = historyOf(25, 1)
	ctx := context.Background()

	sub := f.bus.Subscribe(events.ChannelBackfill)
	defer sub.Close()

	require.NoError(t, f.coord.Start(ctx, f.dialog.ID))
	f.coord.Wait(f.dialog.ID)

	n, err := f.store.CountMessages(ctx, f.dialog.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(25), n)

	st := f.coord.Status(f.dialog.ID)
	assert.True(t, st.Done)
	assert.False(t, st.Running)
	assert.Equal(t, int64(1), st.Cursor)
	assert.Equal(t, 3, st.Pages)
	assert.Equal(t, 25, st.Inserted)

	dialog, err := f.store.GetDialog(ctx, f.dialog.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), dialog.BackfillFrontier)

	account, err := f.store.GetAccount(ctx, f.account.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(25), account.MessagesCollected)

	// The terminal progress event carries Done.
	var done bool
	timeout := time.After(time.Second)
	for !done {
		select {
		case ev := <-sub.C():
			if p, ok := ev.Payload.(events.BackfillPayload); ok && p.Done {
				done = true
			}
		case <-timeout:
			t.Fatal("no terminal progress event")
		}
	}
}

func TestBackfillResumesFromFrontier(t *testing.T) {
	f := newFixture(t, Options{PageSize: 10})
	ctx := context.Background()

	var calls int
	var mu sync.Mutex
	pages := historyOf(25, 1)
	f.client.HistoryFunc = func(hctx context.Context, dialogID, fromID int64, pageSize int) ([]telegram.MessageEvent, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 2 {
			return nil, &faults.PermanentError{Cause: fmt.Errorf("connection torn down")}
		}
		return pages(hctx, dialogID, fromID, pageSize)
	}

	require.NoError(t, f.coord.Start(ctx, f.dialog.ID))
	f.coord.Wait(f.dialog.ID)

	// First run committed one page before dying.
	dialog, err := f.store.GetDialog(ctx, f.dialog.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(16), dialog.BackfillFrontier)
	n, err := f.store.CountMessages(ctx, f.dialog.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), n)

	// The run marked the dialog errored; clear it and resume.
	assert.Equal(t, storage.DialogStatusError, dialog.Status)
	require.NoError(t, f.store.UpdateDialogStatus(ctx, f.dialog.ID, storage.DialogStatusActive, ""))

	require.NoError(t, f.coord.Start(ctx, f.dialog.ID))
	f.coord.Wait(f.dialog.ID)

	n, err = f.store.CountMessages(ctx, f.dialog.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(25), n, "resume must not duplicate rows")
	dialog, err = f.store.GetDialog(ctx, f.dialog.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), dialog.BackfillFrontier)
}

func TestBackfillPausesThroughFloodWaitAndResumes(t *testing.T) {
	f := newFixture(t, Options{PageSize: 10})
	ctx := context.Background()

	const wait = 60 * time.Millisecond
	var calls int
	var mu sync.Mutex
	pages := historyOf(25, 1)
	f.client.HistoryFunc = func(hctx context.Context, dialogID, fromID int64, pageSize int) ([]telegram.MessageEvent, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 2 {
			return nil, &faults.RateLimitedError{RetryAfter: wait}
		}
		return pages(hctx, dialogID, fromID, pageSize)
	}

	start := time.Now()
	require.NoError(t, f.coord.Start(ctx, f.dialog.ID))
	f.coord.Wait(f.dialog.ID)
	elapsed := time.Since(start)

	// A flood wait mid-run pauses for the advised duration instead of failing.
	assert.GreaterOrEqual(t, elapsed, wait)

	st := f.coord.Status(f.dialog.ID)
	assert.True(t, st.Done)
	assert.Empty(t, st.LastError)
	assert.Equal(t, 3, st.Pages)
	assert.Equal(t, 25, st.Inserted)

	// The resumed page picks up from the committed frontier; no duplicates.
	n, err := f.store.CountMessages(ctx, f.dialog.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(25), n)
	dialog, err := f.store.GetDialog(ctx, f.dialog.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), dialog.BackfillFrontier)
	assert.NotEqual(t, storage.DialogStatusError, dialog.Status)
}

func TestBackfillIngestsMediaAndDetections(t *testing.T) {
	f := newFixture(t, Options{PageSize: 10})
	ctx := context.Background()

	f.client.HistoryFunc = func(hctx context.Context, dialogID, fromID int64, pageSize int) ([]telegram.MessageEvent, error) {
		if fromID > 0 {
			return nil, nil
		}
		return []telegram.MessageEvent{
			{TGDialogID: dialogID, TGMessageID: 3, Date: time.Now(), Text: "wire to bob@example.com"},
			{TGDialogID: dialogID, TGMessageID: 2, Date: time.Now(), Text: "see attached",
				Media: &telegram.MediaRef{FileType: storage.FileTypePhoto, MimeType: "image/jpeg"}},
			{TGDialogID: dialogID, TGMessageID: 1, Date: time.Now(), Text: "plain"},
		}, nil
	}

	require.NoError(t, f.coord.Start(ctx, f.dialog.ID))
	f.coord.Wait(f.dialog.ID)

	n, err := f.store.CountMessages(ctx, f.dialog.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	msg, err := f.store.GetMessage(ctx, f.dialog.ID, 3)
	require.NoError(t, err)
	dn, err := f.store.CountDetections(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), dn)

	withMedia, err := f.store.GetMessage(ctx, f.dialog.ID, 2)
	require.NoError(t, err)
	mf, err := f.store.GetMediaFileByMessage(ctx, withMedia.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.ProcessingQueued, mf.ProcessingStatus)
	assert.Equal(t, 1, f.enq.count())
}

func TestBackfillStartIsIdempotent(t *testing.T) {
	f := newFixture(t, Options{PageSize: 5})
	ctx := context.Background()

	release := make(chan struct{})
	var once sync.Once
	started := make(chan struct{})
	f.client.HistoryFunc = func(hctx context.Context, dialogID, fromID int64, pageSize int) ([]telegram.MessageEvent, error) {
		once.Do(func() { close(started) })
		select {
		case <-release:
		case <-hctx.Done():
			return nil, hctx.Err()
		}
		return nil, nil
	}

	require.NoError(t, f.coord.Start(ctx, f.dialog.ID))
	<-started
	require.NoError(t, f.coord.Start(ctx, f.dialog.ID))
	assert.True(t, f.coord.Status(f.dialog.ID).Running)
	close(release)
	f.coord.Wait(f.dialog.ID)
}

func TestBackfillMarksDialogBackfillingThenActive(t *testing.T) {
	f := newFixture(t, Options{PageSize: 10})
	ctx := context.Background()

	release := make(chan struct{})
	var once sync.Once
	started := make(chan struct{})
	pages := historyOf(5, 1)
	f.client.HistoryFunc = func(hctx context.Context, dialogID, fromID int64, pageSize int) ([]telegram.MessageEvent, error) {
		once.Do(func() { close(started) })
		select {
		case <-release:
		case <-hctx.Done():
			return nil, hctx.Err()
		}
		return pages(hctx, dialogID, fromID, pageSize)
	}

	require.NoError(t, f.coord.Start(ctx, f.dialog.ID))
	<-started

	// A history walk must not suspend live capture.
	dialog, err := f.store.GetDialog(ctx, f.dialog.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.DialogStatusBackfilling, dialog.Status)
	assert.True(t, dialog.Monitored())

	close(release)
	f.coord.Wait(f.dialog.ID)

	dialog, err = f.store.GetDialog(ctx, f.dialog.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.DialogStatusActive, dialog.Status)
}

func TestBackfillStopHaltsRun(t *testing.T) {
	f := newFixture(t, Options{PageSize: 5, PagePause: 5 * time.Millisecond})
	f.client.HistoryFunc = historyOf(100000, 1)
	ctx := context.Background()

	require.NoError(t, f.coord.Start(ctx, f.dialog.ID))
	time.Sleep(30 * time.Millisecond)
	f.coord.Stop(f.dialog.ID)
	f.coord.Wait(f.dialog.ID)

	st := f.coord.Status(f.dialog.ID)
	assert.False(t, st.Running)
	assert.False(t, st.Done)

	// The persisted frontier lets a later run pick up where this one stopped.
	dialog, err := f.store.GetDialog(ctx, f.dialog.ID)
	require.NoError(t, err)
	assert.Equal(t, st.Cursor, dialog.BackfillFrontier)
}

func TestBackfillRequiresAssignmentAndFlag(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	require.NoError(t, f.store.SetDialogOptions(ctx, f.dialog.ID, storage.DialogOptions{IsMonitoring: true}))
	err := f.coord.Start(ctx, f.dialog.ID)
	assert.Equal(t, faults.KindValidationFailed, faults.KindOf(err))

	require.NoError(t, f.store.AssignDialog(ctx, f.dialog.ID, nil))
	err = f.coord.Start(ctx, f.dialog.ID)
	assert.Equal(t, faults.KindValidationFailed, faults.KindOf(err))
}
