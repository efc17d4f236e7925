// Package invites resolves and joins chat invite links. The autojoiner works
// through pending invites on a schedule, rotating accounts so no single one
// burns its daily join budget.
package invites

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gotd/td/tgerr"
	"github.com/robfig/cron/v3"

	"github.com/osintops/dragnet/internal/faults"
	"github.com/osintops/dragnet/internal/logger"
	"github.com/osintops/dragnet/internal/session"
	"github.com/osintops/dragnet/internal/storage"
	"github.com/osintops/dragnet/internal/telegram"
)

// SettingAutojoinEnabled is the settings-store key gating the autojoiner.
const SettingAutojoinEnabled = "autojoin_enabled"

// Sessions resolves sessions for invite calls.
type Sessions interface {
	Get(accountID int64) (*session.Session, bool)
	ActiveSessions() []*session.Session
}

// Registrar registers a freshly joined dialog for monitoring. Satisfied by
// the dialog registry.
type Registrar interface {
	AddDialogs(ctx context.Context, accountID int64, infos []telegram.DialogInfo, opts storage.DialogOptions) ([]*storage.Dialog, error)
}

// Options tune the autojoiner.
type Options struct {
	MaxJoinsPerDay int
	JoinDelay      time.Duration
	TickInterval   time.Duration
	// JoinedDialogOptions applies to dialogs entered via invite.
	JoinedDialogOptions storage.DialogOptions
}

// Service owns invite resolution and the autojoin rotation.
type Service struct {
	store     storage.Store
	sessions  Sessions
	registrar Registrar
	log       *logger.Logger
	opts      Options
	cron      *cron.Cron

	mu sync.Mutex
	rr int
}

func New(store storage.Store, sessions Sessions, registrar Registrar, log *logger.Logger, opts Options) *Service {
	if opts.MaxJoinsPerDay <= 0 {
		opts.MaxJoinsPerDay = 20
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Minute
	}
	return &Service{
		store:     store,
		sessions:  sessions,
		registrar: registrar,
		log:       log.WithComponent("invites"),
		opts:      opts,
	}
}

// ParseLink extracts the invite hash from any accepted link form:
// https://t.me/+HASH, t.me/joinchat/HASH, tg://join?invite=HASH, or a bare
// +HASH.
func ParseLink(link string) (string, error) {
	s := strings.TrimSpace(link)
	if s == "" {
		return "", &faults.ValidationFailedError{What: "empty invite link"}
	}
	if strings.HasPrefix(s, "tg://") {
		u, err := url.Parse(s)
		if err != nil || u.Host != "join" {
			return "", &faults.ValidationFailedError{What: fmt.Sprintf("unrecognized invite link %q", link)}
		}
		if hash := u.Query().Get("invite"); hash != "" {
			return hash, nil
		}
		return "", &faults.ValidationFailedError{What: fmt.Sprintf("invite link %q missing hash", link)}
	}
	s = strings.TrimPrefix(s, "https://")
	s = strings.TrimPrefix(s, "http://")
	s = strings.TrimPrefix(s, "t.me/")
	s = strings.TrimPrefix(s, "telegram.me/")
	s = strings.TrimPrefix(s, "joinchat/")
	s = strings.TrimPrefix(s, "+")
	s = strings.TrimSuffix(s, "/")
	if s == "" || strings.ContainsAny(s, "/?#") {
		return "", &faults.ValidationFailedError{What: fmt.Sprintf("unrecognized invite link %q", link)}
	}
	return s, nil
}

// Submit records an invite link for later resolution. Duplicate links return
// the existing row.
func (s *Service) Submit(ctx context.Context, link string, sourceGroup, sourceUser *int64) (*storage.Invite, error) {
	hash, err := ParseLink(link)
	if err != nil {
		return nil, err
	}
	return s.store.CreateInvite(ctx, strings.TrimSpace(link), hash, sourceGroup, sourceUser)
}

// Resolve previews an invite without joining and stores the metadata.
func (s *Service) Resolve(ctx context.Context, inviteID int64) (*storage.Invite, error) {
	inv, err := s.store.GetInvite(ctx, inviteID)
	if err != nil {
		return nil, err
	}
	sess, ok := s.anySession()
	if !ok {
		return nil, &faults.TemporaryError{Cause: fmt.Errorf("no active session to resolve invite %d", inviteID)}
	}

	preview, err := sess.ResolveInvite(ctx, inv.InviteHash)
	if err != nil {
		s.applyInviteError(ctx, inv.ID, err)
		return s.store.GetInvite(ctx, inviteID)
	}

	if err := s.store.UpdateInvitePreview(ctx, inv.ID, storage.InvitePreview{
		Title:       preview.Title,
		About:       preview.About,
		MemberCount: preview.MemberCount,
		Photo:       preview.Photo,
		IsChannel:   preview.IsChannel,
	}); err != nil {
		return nil, err
	}
	if preview.AlreadyJoined {
		if err := s.store.UpdateInviteStatus(ctx, inv.ID, storage.InviteStatusAlreadyJoined, false); err != nil {
			return nil, err
		}
	}
	return s.store.GetInvite(ctx, inviteID)
}

// Join enters the chat behind the invite with the given account and registers
// the resulting dialog for monitoring. The daily join cap applies to manual
// joins too; a capped account returns a rate-limit error carrying the wait
// until its oldest windowed join expires.
func (s *Service) Join(ctx context.Context, inviteID, accountID int64) (*storage.Invite, error) {
	inv, err := s.store.GetInvite(ctx, inviteID)
	if err != nil {
		return nil, err
	}
	sess, ok := s.sessions.Get(accountID)
	if !ok {
		return nil, fmt.Errorf("account %d has no live session: %w", accountID, faults.ErrNotFound)
	}
	if wait, capped, err := s.capWait(ctx, accountID, time.Now().UTC()); err != nil {
		return nil, err
	} else if capped {
		return nil, &faults.RateLimitedError{RetryAfter: wait}
	}

	if err := s.store.UpdateInviteStatus(ctx, inv.ID, storage.InviteStatusProcessing, false); err != nil {
		return nil, err
	}

	outcome, err := sess.JoinInvite(ctx, inv.InviteHash)
	if err != nil {
		s.applyInviteError(ctx, inv.ID, err)
		return s.store.GetInvite(ctx, inviteID)
	}

	switch outcome.Status {
	case "joined":
		if err := s.store.UpdateInviteStatus(ctx, inv.ID, storage.InviteStatusJoined, false); err != nil {
			return nil, err
		}
		if err := s.store.SetInviteJoinedBy(ctx, inv.ID, accountID); err != nil {
			s.log.Error("joined-by update failed", "error", err, "invite_id", inv.ID)
		}
		if err := s.store.RecordJoin(ctx, accountID, inv.ID, time.Now().UTC()); err != nil {
			s.log.Error("join accounting failed", "error", err, "invite_id", inv.ID)
		}
		if outcome.Dialog != nil && s.registrar != nil {
			if _, err := s.registrar.AddDialogs(ctx, accountID, []telegram.DialogInfo{*outcome.Dialog}, s.opts.JoinedDialogOptions); err != nil {
				s.log.Error("joined dialog registration failed", "error", err, "invite_id", inv.ID)
			}
		}
		s.log.Info("invite joined", "invite_id", inv.ID, "account_id", accountID)
	case "already_joined":
		if err := s.store.UpdateInviteStatus(ctx, inv.ID, storage.InviteStatusAlreadyJoined, false); err != nil {
			return nil, err
		}
	case "request_pending":
		if err := s.store.UpdateInviteStatus(ctx, inv.ID, storage.InviteStatusRequestPending, false); err != nil {
			return nil, err
		}
	default:
		if err := s.store.UpdateInviteStatus(ctx, inv.ID, storage.InviteStatusFailed, true); err != nil {
			return nil, err
		}
	}
	return s.store.GetInvite(ctx, inviteID)
}

// applyInviteError maps upstream invite failures to terminal invite statuses.
func (s *Service) applyInviteError(ctx context.Context, inviteID int64, err error) {
	status := storage.InviteStatusFailed
	bump := true
	switch {
	case tgerr.Is(err, "INVITE_HASH_EXPIRED"):
		status, bump = storage.InviteStatusExpired, false
	case tgerr.Is(err, "INVITE_HASH_INVALID"):
		status, bump = storage.InviteStatusInvalid, false
	case faults.KindOf(err) == faults.KindPermissionDenied:
		status, bump = storage.InviteStatusPrivate, false
	}
	if uerr := s.store.UpdateInviteStatus(ctx, inviteID, status, bump); uerr != nil {
		s.log.Error("invite status update failed", "error", uerr, "invite_id", inviteID)
	}
	s.log.Warn("invite operation failed", "invite_id", inviteID, "status", status, "error", err)
}

// Start launches the autojoin schedule.
func (s *Service) Start(ctx context.Context) {
	s.cron = cron.New()
	s.cron.Schedule(cron.Every(s.opts.TickInterval), cron.FuncJob(func() {
		if err := s.AutojoinTick(ctx); err != nil {
			s.log.Error("autojoin tick failed", "error", err)
		}
	}))
	s.cron.Start()
}

// Stop halts the autojoin schedule.
func (s *Service) Stop() {
	if s.cron != nil {
		s.cron.Stop()
	}
}

// JoinNext joins the invite with the rotation policy: the active account that
// joined least recently among those under the daily cap and past the
// configured delay. When every account is capped or cooling down, the
// rate-limit error carries the wait until the next one frees up.
func (s *Service) JoinNext(ctx context.Context, inviteID int64) (*storage.Invite, error) {
	accountID, ok, err := s.pickAccount(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		wait, err := s.nextEligibleIn(ctx, time.Now().UTC())
		if err != nil {
			return nil, err
		}
		if wait < 0 {
			return nil, &faults.TemporaryError{Cause: fmt.Errorf("no active session to join invite %d", inviteID)}
		}
		return nil, &faults.RateLimitedError{RetryAfter: wait}
	}
	return s.Join(ctx, inviteID, accountID)
}

// AutojoinTick joins at most one pending invite under the rotation policy.
func (s *Service) AutojoinTick(ctx context.Context) error {
	enabled, err := s.store.GetSetting(ctx, SettingAutojoinEnabled)
	if err != nil && !isNotFound(err) {
		return err
	}
	if enabled != "true" {
		return nil
	}

	pending, err := s.store.ListInvites(ctx, storage.InviteStatusPending)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	_, err = s.JoinNext(ctx, pending[0].ID)
	if wait, ok := faults.RetryAfter(err); ok {
		s.log.Info("autojoin idle, all accounts rate limited", "retry_after", wait)
		return nil
	}
	if faults.KindOf(err) == faults.KindTemporary {
		s.log.Info("autojoin idle, no eligible account")
		return nil
	}
	return err
}

// pickAccount chooses the active account whose last join is oldest, skipping
// accounts at the daily cap or inside the join delay window.
func (s *Service) pickAccount(ctx context.Context) (int64, bool, error) {
	now := time.Now().UTC()
	var (
		bestID   int64
		bestLast *time.Time
		found    bool
	)
	for _, sess := range s.sessions.ActiveSessions() {
		n, err := s.store.CountJoinsSince(ctx, sess.AccountID, now.Add(-24*time.Hour))
		if err != nil {
			return 0, false, err
		}
		if n >= s.opts.MaxJoinsPerDay {
			continue
		}
		last, err := s.store.LastJoinAt(ctx, sess.AccountID)
		if err != nil {
			return 0, false, err
		}
		if last != nil && s.opts.JoinDelay > 0 && now.Sub(*last) < s.opts.JoinDelay {
			continue
		}
		if !found || earlier(last, bestLast) {
			bestID, bestLast, found = sess.AccountID, last, true
		}
	}
	return bestID, found, nil
}

// capWait reports whether accountID sits at the daily cap, and if so how long
// until its oldest windowed join ages out.
func (s *Service) capWait(ctx context.Context, accountID int64, now time.Time) (time.Duration, bool, error) {
	windowStart := now.Add(-24 * time.Hour)
	n, err := s.store.CountJoinsSince(ctx, accountID, windowStart)
	if err != nil {
		return 0, false, err
	}
	if n < s.opts.MaxJoinsPerDay {
		return 0, false, nil
	}
	oldest, err := s.store.OldestJoinSince(ctx, accountID, windowStart)
	if err != nil {
		return 0, false, err
	}
	wait := 24 * time.Hour
	if oldest != nil {
		wait = oldest.Add(24 * time.Hour).Sub(now)
	}
	if wait < time.Second {
		wait = time.Second
	}
	return wait, true, nil
}

// nextEligibleIn returns the shortest wait until any active account becomes
// eligible again, or a negative duration when there is no active session.
func (s *Service) nextEligibleIn(ctx context.Context, now time.Time) (time.Duration, error) {
	active := s.sessions.ActiveSessions()
	if len(active) == 0 {
		return -1, nil
	}
	var best time.Duration = -1
	for _, sess := range active {
		wait, capped, err := s.capWait(ctx, sess.AccountID, now)
		if err != nil {
			return 0, err
		}
		if !capped {
			// Inside the join delay window; eligible when it elapses.
			last, err := s.store.LastJoinAt(ctx, sess.AccountID)
			if err != nil {
				return 0, err
			}
			wait = 0
			if last != nil && s.opts.JoinDelay > 0 {
				wait = s.opts.JoinDelay - now.Sub(*last)
			}
			if wait < time.Second {
				wait = time.Second
			}
		}
		if best < 0 || wait < best {
			best = wait
		}
	}
	return best, nil
}

// earlier reports whether a comes before b, treating nil as the beginning of
// time.
func earlier(a, b *time.Time) bool {
	if a == nil {
		return true
	}
	if b == nil {
		return false
	}
	return a.Before(*b)
}

func (s *Service) anySession() (*session.Session, bool) {
	active := s.sessions.ActiveSessions()
	if len(active) == 0 {
		return nil, false
	}
	s.mu.Lock()
	idx := s.rr % len(active)
	s.rr++
	s.mu.Unlock()
	return active[idx], true
}

func isNotFound(err error) bool {
	return faults.KindOf(err) == faults.KindNotFound
}
