// Package registry is the authoritative mapping of monitored dialogs to
// their owning sessions. Every ownership mutation is serialized here so the
// single-owner invariant holds even under concurrent commands.
package registry

import (
	"context"
	"errors"
	"sync"

	"github.com/osintops/dragnet/internal/logger"
	"github.com/osintops/dragnet/internal/storage"
	"github.com/osintops/dragnet/internal/telegram"
)

// ErrAlreadyAssigned is returned when assigning a dialog that another
// account owns; callers must use Reassign explicitly.
var ErrAlreadyAssigned = errors.New("dialog already assigned to another account")

type Registry struct {
	store storage.Store
	log   *logger.Logger

	mu sync.Mutex
}

func New(store storage.Store, log *logger.Logger) *Registry {
	return &Registry{store: store, log: log.WithComponent("registry")}
}

// AddDialogs upserts dialog rows from the upstream dialog list, assigns them
// to the account, and activates monitoring with the given options.
func (r *Registry) AddDialogs(ctx context.Context, accountID int64, infos []telegram.DialogInfo, opts storage.DialogOptions) ([]*storage.Dialog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*storage.Dialog, 0, len(infos))
	for _, info := range infos {
		d := &storage.Dialog{
			TGDialogID:  info.TGDialogID,
			Type:        info.Type,
			Title:       info.Title,
			Username:    info.Username,
			MemberCount: info.MemberCount,
			Photo:       info.Photo,
			Status:      storage.DialogStatusInactive,
		}
		if _, err := r.store.UpsertDialog(ctx, d); err != nil {
			return out, err
		}
		cur, err := r.store.GetDialog(ctx, d.ID)
		if err != nil {
			return out, err
		}
		if cur.AccountID != nil && *cur.AccountID != accountID {
			return out, ErrAlreadyAssigned
		}
		if err := r.store.AssignDialog(ctx, d.ID, &accountID); err != nil {
			return out, err
		}
		if err := r.store.SetDialogOptions(ctx, d.ID, opts); err != nil {
			return out, err
		}
		if err := r.store.UpdateDialogStatus(ctx, d.ID, storage.DialogStatusActive, ""); err != nil {
			return out, err
		}
		cur, err = r.store.GetDialog(ctx, d.ID)
		if err != nil {
			return out, err
		}
		out = append(out, cur)
		r.log.Info("dialog added", "dialog_id", d.ID, "tg_dialog_id", info.TGDialogID, "account_id", accountID)
	}
	return out, nil
}

// Assign gives an unowned dialog to an account.
func (r *Registry) Assign(ctx context.Context, dialogID, accountID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, err := r.store.GetDialog(ctx, dialogID)
	if err != nil {
		return err
	}
	if d.AccountID != nil && *d.AccountID != accountID {
		return ErrAlreadyAssigned
	}
	return r.store.AssignDialog(ctx, dialogID, &accountID)
}

// Reassign moves a dialog to a new owner regardless of the current one.
func (r *Registry) Reassign(ctx context.Context, dialogID, accountID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.store.GetDialog(ctx, dialogID); err != nil {
		return err
	}
	return r.store.AssignDialog(ctx, dialogID, &accountID)
}

// Unassign releases the dialog and deactivates it.
func (r *Registry) Unassign(ctx context.Context, dialogID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.store.AssignDialog(ctx, dialogID, nil); err != nil {
		return err
	}
	return r.store.UpdateDialogStatus(ctx, dialogID, storage.DialogStatusInactive, "")
}

// Pause stops dispatching new work for the dialog; in-flight work completes.
func (r *Registry) Pause(ctx context.Context, dialogID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.store.UpdateDialogStatus(ctx, dialogID, storage.DialogStatusPaused, "")
}

// Resume reactivates a paused dialog. It must still have an owner.
func (r *Registry) Resume(ctx context.Context, dialogID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, err := r.store.GetDialog(ctx, dialogID)
	if err != nil {
		return err
	}
	if d.AccountID == nil {
		return errors.New("cannot resume an unassigned dialog")
	}
	return r.store.UpdateDialogStatus(ctx, dialogID, storage.DialogStatusActive, "")
}

// SetOptions updates the per-dialog capture flags.
func (r *Registry) SetOptions(ctx context.Context, dialogID int64, opts storage.DialogOptions) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.store.SetDialogOptions(ctx, dialogID, opts)
}

// ToggleMonitoring flips the monitoring flag and returns the new value.
func (r *Registry) ToggleMonitoring(ctx context.Context, dialogID int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, err := r.store.GetDialog(ctx, dialogID)
	if err != nil {
		return false, err
	}
	opts := d.Options
	opts.IsMonitoring = !opts.IsMonitoring
	if err := r.store.SetDialogOptions(ctx, dialogID, opts); err != nil {
		return false, err
	}
	return opts.IsMonitoring, nil
}

// Monitored lists the dialogs actively captured for an account.
func (r *Registry) Monitored(ctx context.Context, accountID int64) ([]*storage.Dialog, error) {
	return r.store.ListDialogs(ctx, storage.DialogFilter{AccountID: &accountID, MonitoredOnly: true})
}

// Owner resolves the owning account of a dialog, if any.
func (r *Registry) Owner(ctx context.Context, dialogID int64) (*int64, error) {
	d, err := r.store.GetDialog(ctx, dialogID)
	if err != nil {
		return nil, err
	}
	return d.AccountID, nil
}
