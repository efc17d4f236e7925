package registry

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osintops/dragnet/internal/logger"
	"github.com/osintops/dragnet/internal/storage"
	"github.com/osintops/dragnet/internal/storage/memstore"
	"github.com/osintops/dragnet/internal/telegram"
)

func testRegistry() (*Registry, *memstore.Store) {
	store := memstore.New()
	log := logger.New(logger.Config{Level: slog.LevelError, Format: "text"})
	return New(store, log), store
}

func TestAddDialogsAssignsAndActivates(t *testing.T) {
	r, _ := testRegistry()
	ctx := context.Background()

	dialogs, err := r.AddDialogs(ctx, 1, []telegram.DialogInfo{
		{TGDialogID: 10042, Type: "supergroup", Title: "ops"},
		{TGDialogID: 10043, Type: "channel", Title: "news"},
	}, storage.DialogOptions{DownloadMedia: true, IsMonitoring: true})
	require.NoError(t, err)
	require.Len(t, dialogs, 2)

	for _, d := range dialogs {
		assert.True(t, d.Monitored())
		require.NotNil(t, d.AccountID)
		assert.Equal(t, int64(1), *d.AccountID)
		assert.True(t, d.Options.DownloadMedia)
	}
}

func TestSingleOwnerInvariant(t *testing.T) {
	r, _ := testRegistry()
	ctx := context.Background()

	dialogs, err := r.AddDialogs(ctx, 1, []telegram.DialogInfo{{TGDialogID: 10042, Type: "group"}}, storage.DialogOptions{})
	require.NoError(t, err)
	id := dialogs[0].ID

	assert.ErrorIs(t, r.Assign(ctx, id, 2), ErrAlreadyAssigned)
	// Re-assigning to the same owner is a no-op, not an error.
	assert.NoError(t, r.Assign(ctx, id, 1))

	require.NoError(t, r.Reassign(ctx, id, 2))
	owner, err := r.Owner(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, owner)
	assert.Equal(t, int64(2), *owner)
}

func TestPauseResumeUnassign(t *testing.T) {
	r, store := testRegistry()
	ctx := context.Background()

	dialogs, err := r.AddDialogs(ctx, 1, []telegram.DialogInfo{{TGDialogID: 7, Type: "group"}}, storage.DialogOptions{})
	require.NoError(t, err)
	id := dialogs[0].ID

	require.NoError(t, r.Pause(ctx, id))
	d, _ := store.GetDialog(ctx, id)
	assert.Equal(t, storage.DialogStatusPaused, d.Status)
	assert.False(t, d.Monitored())

	require.NoError(t, r.Resume(ctx, id))
	d, _ = store.GetDialog(ctx, id)
	assert.True(t, d.Monitored())

	require.NoError(t, r.Unassign(ctx, id))
	d, _ = store.GetDialog(ctx, id)
	assert.Nil(t, d.AccountID)
	assert.Equal(t, storage.DialogStatusInactive, d.Status)

	assert.Error(t, r.Resume(ctx, id))
}

func TestToggleMonitoring(t *testing.T) {
	r, _ := testRegistry()
	ctx := context.Background()

	dialogs, err := r.AddDialogs(ctx, 1, []telegram.DialogInfo{{TGDialogID: 9, Type: "group"}},
		storage.DialogOptions{IsMonitoring: true})
	require.NoError(t, err)
	id := dialogs[0].ID

	on, err := r.ToggleMonitoring(ctx, id)
	require.NoError(t, err)
	assert.False(t, on)

	on, err = r.ToggleMonitoring(ctx, id)
	require.NoError(t, err)
	assert.True(t, on)
}

func TestMonitoredFilter(t *testing.T) {
	r, _ := testRegistry()
	ctx := context.Background()

	_, err := r.AddDialogs(ctx, 1, []telegram.DialogInfo{{TGDialogID: 1, Type: "group"}}, storage.DialogOptions{})
	require.NoError(t, err)
	dialogs, err := r.AddDialogs(ctx, 1, []telegram.DialogInfo{{TGDialogID: 2, Type: "group"}}, storage.DialogOptions{})
	require.NoError(t, err)
	require.NoError(t, r.Pause(ctx, dialogs[0].ID))

	monitored, err := r.Monitored(ctx, 1)
	require.NoError(t, err)
	require.Len(t, monitored, 1)
	assert.Equal(t, int64(1), monitored[0].TGDialogID)
}
