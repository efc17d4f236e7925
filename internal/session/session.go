// Package session owns the authenticated connections. One Session per
// account serializes every upstream call through a cooperative priority
// queue under a token-bucket rate budget; the Manager maps account ids to
// live sessions.
package session

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/osintops/dragnet/internal/events"
	"github.com/osintops/dragnet/internal/faults"
	"github.com/osintops/dragnet/internal/logger"
	"github.com/osintops/dragnet/internal/metrics"
	"github.com/osintops/dragnet/internal/retry"
	"github.com/osintops/dragnet/internal/storage"
	"github.com/osintops/dragnet/internal/telegram"
)

// Session is the single writer to one account's upstream connection.
type Session struct {
	AccountID int64
	Phone     string

	client telegram.Client
	budget *Budget
	queue  *opQueue
	policy retry.Policy

	store storage.Store
	bus   *events.Bus
	log   *logger.Logger

	statusMu sync.Mutex
	status   string

	loopDone chan struct{}
}

func newSession(account *storage.Account, client telegram.Client, deps managerDeps) *Session {
	s := &Session{
		AccountID: account.ID,
		Phone:     account.Phone,
		client:    client,
		budget:    NewBudget(deps.rateMode),
		queue:     newOpQueue(),
		policy:    deps.policy,
		store:     deps.store,
		bus:       deps.bus,
		log:       deps.log.WithComponent("session").WithFields(map[string]interface{}{"account_id": account.ID}),
		status:    account.Status,
		loopDone:  make(chan struct{}),
	}
	go s.loop()
	return s
}

func (s *Session) loop() {
	defer close(s.loopDone)
	for {
		t, ok := s.queue.pop()
		if !ok {
			return
		}
		if err := t.ctx.Err(); err != nil {
			t.done <- err
			continue
		}
		t.done <- t.run(t.ctx)
	}
}

// do submits an upstream operation at the given priority and waits for it.
// The operation runs under the retry wrapper; flood waits pause the whole
// session until the server-advised deadline.
func (s *Session) do(ctx context.Context, pri Priority, name string, op func(ctx context.Context) error) error {
	t := &task{ctx: ctx, name: name, done: make(chan error, 1)}
	t.run = func(c context.Context) error {
		_, err := retry.Do(c, s.policy, func(rc context.Context) error {
			if err := s.budget.Acquire(rc); err != nil {
				return err
			}
			opErr := op(rc)
			if wait, ok := faults.RetryAfter(opErr); ok {
				s.enterFloodWait(rc, wait)
			}
			return opErr
		})
		if err != nil {
			s.observeFailure(c, name, err)
			return err
		}
		s.clearFloodWait(c)
		return nil
	}
	if err := s.queue.push(pri, t); err != nil {
		return err
	}
	select {
	case err := <-t.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns the session's current auth/lifecycle status.
func (s *Session) Status() string {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	return s.status
}

// RateStatus snapshots the session's rate budget.
func (s *Session) RateStatus() RateStatus {
	return s.budget.Status()
}

// QueueDepths reports pending operations per priority class.
func (s *Session) QueueDepths() map[string]int {
	return s.queue.depths()
}

func (s *Session) setStatus(ctx context.Context, status, lastError string) {
	s.statusMu.Lock()
	prev := s.status
	s.status = status
	s.statusMu.Unlock()
	if prev == status {
		return
	}
	if status == storage.AccountStatusActive {
		metrics.ActiveSessions.Inc()
	} else if prev == storage.AccountStatusActive {
		metrics.ActiveSessions.Dec()
	}
	if err := s.store.UpdateAccountStatus(ctx, s.AccountID, status, lastError); err != nil {
		s.log.Error("failed to persist account status", "error", err, "status", status)
	}
	s.bus.Publish(events.ChannelSessions, events.TypeSessionStatus, events.SessionPayload{
		AccountID: s.AccountID,
		Status:    status,
	})
	s.log.Info("session status changed", "from", prev, "to", status)
}

func (s *Session) enterFloodWait(ctx context.Context, wait time.Duration) {
	until := time.Now().Add(wait)
	s.budget.Pause(until)
	s.setStatus(ctx, storage.AccountStatusFloodWait, "")
	if err := s.store.SetAccountFloodWait(ctx, s.AccountID, until); err != nil {
		s.log.Error("failed to persist flood wait", "error", err)
	}
	s.log.Warn("flood wait", "seconds", wait.Seconds())
}

func (s *Session) clearFloodWait(ctx context.Context) {
	if s.Status() == storage.AccountStatusFloodWait && !s.budget.Paused() {
		s.setStatus(ctx, storage.AccountStatusActive, "")
	}
}

func (s *Session) observeFailure(ctx context.Context, op string, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	if err := s.store.BumpAccountCounters(ctx, s.AccountID, 0, 1); err != nil {
		s.log.Error("failed to bump error counter", "error", err)
	}
	switch faults.KindOf(err) {
	case faults.KindSessionBanned:
		s.setStatus(ctx, storage.AccountStatusBanned, err.Error())
	case faults.KindAuthRequired:
		s.setStatus(ctx, storage.AccountStatusError, err.Error())
	}
	s.log.Error("upstream operation failed",
		"operation", op,
		"kind", string(faults.KindOf(err)),
		"error", err,
	)
}

func (s *Session) applyAuthState(ctx context.Context, state telegram.AuthState) string {
	switch state {
	case telegram.AuthStateCodeRequired:
		s.setStatus(ctx, storage.AccountStatusCodeRequired, "")
	case telegram.AuthStatePasswordRequired:
		s.setStatus(ctx, storage.AccountStatusPasswordRequired, "")
	case telegram.AuthStateAuthorized:
		s.setStatus(ctx, storage.AccountStatusActive, "")
	}
	return s.Status()
}

// Connect establishes the upstream connection. The returned status is one of
// the account statuses (code_required, password_required, active, ...).
func (s *Session) Connect(ctx context.Context) (string, error) {
	var state telegram.AuthState
	err := s.do(ctx, PriorityInteractive, "connect", func(c context.Context) error {
		st, err := s.client.Connect(c)
		if err != nil {
			return err
		}
		state = st
		return nil
	})
	if err != nil {
		return s.Status(), err
	}
	return s.applyAuthState(ctx, state), nil
}

// SubmitCode continues a code_required login.
func (s *Session) SubmitCode(ctx context.Context, code string) (string, error) {
	var state telegram.AuthState
	err := s.do(ctx, PriorityInteractive, "submit_code", func(c context.Context) error {
		st, err := s.client.SubmitCode(c, code)
		if err != nil {
			return err
		}
		state = st
		return nil
	})
	if err != nil {
		return s.Status(), err
	}
	return s.applyAuthState(ctx, state), nil
}

// SubmitPassword continues a password_required login.
func (s *Session) SubmitPassword(ctx context.Context, password string) (string, error) {
	var state telegram.AuthState
	err := s.do(ctx, PriorityInteractive, "submit_password", func(c context.Context) error {
		st, err := s.client.SubmitPassword(c, password)
		if err != nil {
			return err
		}
		state = st
		return nil
	})
	if err != nil {
		return s.Status(), err
	}
	return s.applyAuthState(ctx, state), nil
}

// ListDialogs fetches the account's dialog list.
func (s *Session) ListDialogs(ctx context.Context) ([]telegram.DialogInfo, error) {
	var out []telegram.DialogInfo
	err := s.do(ctx, PriorityInteractive, "list_dialogs", func(c context.Context) error {
		dialogs, err := s.client.ListDialogs(c)
		if err != nil {
			return err
		}
		out = dialogs
		return nil
	})
	return out, err
}

// History fetches one history page at backfill priority.
func (s *Session) History(ctx context.Context, dialogID, fromID int64, pageSize int) ([]telegram.MessageEvent, error) {
	var out []telegram.MessageEvent
	err := s.do(ctx, PriorityBackfill, "history", func(c context.Context) error {
		page, err := s.client.History(c, dialogID, fromID, pageSize)
		if err != nil {
			return err
		}
		out = page
		return nil
	})
	return out, err
}

// DownloadMedia streams media through the session queue at the caller's
// priority (backfill for historical, live for recent).
func (s *Session) DownloadMedia(ctx context.Context, pri Priority, ref *telegram.MediaRef, w io.Writer) (int64, error) {
	var n int64
	err := s.do(ctx, pri, "download_media", func(c context.Context) error {
		written, err := s.client.DownloadMedia(c, ref, w)
		if err != nil {
			return err
		}
		n = written
		return nil
	})
	return n, err
}

// GetUser fetches a full profile at enrichment priority.
func (s *Session) GetUser(ctx context.Context, tgUserID int64) (*telegram.UserInfo, error) {
	var out *telegram.UserInfo
	err := s.do(ctx, PriorityEnrichment, "get_user", func(c context.Context) error {
		u, err := s.client.GetUser(c, tgUserID)
		if err != nil {
			return err
		}
		out = u
		return nil
	})
	return out, err
}

// Participants lists members of a group or supergroup.
func (s *Session) Participants(ctx context.Context, dialogID int64) ([]telegram.ParticipantInfo, error) {
	var out []telegram.ParticipantInfo
	err := s.do(ctx, PriorityEnrichment, "participants", func(c context.Context) error {
		parts, err := s.client.Participants(c, dialogID)
		if err != nil {
			return err
		}
		out = parts
		return nil
	})
	return out, err
}

// ProfilePhotos lists a user's profile photo history.
func (s *Session) ProfilePhotos(ctx context.Context, tgUserID int64) ([]telegram.PhotoInfo, error) {
	var out []telegram.PhotoInfo
	err := s.do(ctx, PriorityEnrichment, "profile_photos", func(c context.Context) error {
		photos, err := s.client.ProfilePhotos(c, tgUserID)
		if err != nil {
			return err
		}
		out = photos
		return nil
	})
	return out, err
}

// Stories lists a user's active stories.
func (s *Session) Stories(ctx context.Context, tgUserID int64) ([]telegram.StoryInfo, error) {
	var out []telegram.StoryInfo
	err := s.do(ctx, PriorityEnrichment, "stories", func(c context.Context) error {
		stories, err := s.client.Stories(c, tgUserID)
		if err != nil {
			return err
		}
		out = stories
		return nil
	})
	return out, err
}

// ResolveInvite previews an invite hash.
func (s *Session) ResolveInvite(ctx context.Context, hash string) (*telegram.InvitePreview, error) {
	var out *telegram.InvitePreview
	err := s.do(ctx, PriorityInteractive, "resolve_invite", func(c context.Context) error {
		preview, err := s.client.ResolveInvite(c, hash)
		if err != nil {
			return err
		}
		out = preview
		return nil
	})
	return out, err
}

// JoinInvite joins a chat by invite hash.
func (s *Session) JoinInvite(ctx context.Context, hash string) (*telegram.JoinOutcome, error) {
	var out *telegram.JoinOutcome
	err := s.do(ctx, PriorityInteractive, "join_invite", func(c context.Context) error {
		outcome, err := s.client.JoinInvite(c, hash)
		if err != nil {
			return err
		}
		out = outcome
		return nil
	})
	return out, err
}

// Events exposes the live update stream of the underlying connection.
func (s *Session) Events() <-chan telegram.Event {
	return s.client.Events()
}

// Close shuts the session down: pending queue entries fail with
// ErrSessionClosed, the actor exits, and the connection is dropped.
func (s *Session) Close() error {
	s.queue.close()
	<-s.loopDone
	err := s.client.Disconnect()
	s.statusMu.Lock()
	wasActive := s.status == storage.AccountStatusActive
	s.statusMu.Unlock()
	if wasActive {
		metrics.ActiveSessions.Dec()
	}
	return err
}
