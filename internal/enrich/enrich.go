// Package enrich runs the background profile schedulers: member scrapes for
// monitored groups, profile photo history, and active stories. Each job is
// single-flight; overlapping triggers are ignored.
package enrich

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/osintops/dragnet/internal/faults"
	"github.com/osintops/dragnet/internal/logger"
	"github.com/osintops/dragnet/internal/session"
	"github.com/osintops/dragnet/internal/storage"
	"github.com/osintops/dragnet/internal/telegram"
)

// Job names accepted by RunNow.
const (
	JobMembers = "members"
	JobPhotos  = "profile_photos"
	JobStories = "stories"
)

// Sessions resolves sessions for enrichment calls. Satisfied by the session
// manager.
type Sessions interface {
	Get(accountID int64) (*session.Session, bool)
	ActiveSessions() []*session.Session
}

// Options tune the schedulers. A zero interval disables that schedule;
// RunNow still works.
type Options struct {
	MemberScrapeInterval time.Duration
	ProfilePhotoInterval time.Duration
	StoryScanInterval    time.Duration
	BatchSize            int
	MediaRoot            string
}

// JobStatus is a point-in-time snapshot of one scheduler.
type JobStatus struct {
	Name      string     `json:"name"`
	Running   bool       `json:"running"`
	LastRun   *time.Time `json:"last_run,omitempty"`
	LastError string     `json:"last_error,omitempty"`
}

// Service owns the three enrichment schedulers.
type Service struct {
	store    storage.Store
	sessions Sessions
	log      *logger.Logger
	opts     Options
	cron     *cron.Cron

	mu      sync.Mutex
	running map[string]bool
	lastRun map[string]time.Time
	lastErr map[string]string
	rr      int // round-robin index over active sessions
}

func New(store storage.Store, sessions Sessions, log *logger.Logger, opts Options) *Service {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 20
	}
	return &Service{
		store:    store,
		sessions: sessions,
		log:      log.WithComponent("enrich"),
		opts:     opts,
		running:  make(map[string]bool),
		lastRun:  make(map[string]time.Time),
		lastErr:  make(map[string]string),
	}
}

// Start registers the cron schedules. Jobs with a zero interval are left to
// manual triggering.
func (s *Service) Start(ctx context.Context) {
	s.cron = cron.New()
	schedule := func(name string, interval time.Duration, fn func(context.Context) error) {
		if interval <= 0 {
			return
		}
		s.cron.Schedule(cron.Every(interval), cron.FuncJob(func() {
			s.runJob(ctx, name, fn)
		}))
	}
	schedule(JobMembers, s.opts.MemberScrapeInterval, s.scrapeMembers)
	schedule(JobPhotos, s.opts.ProfilePhotoInterval, s.scanProfilePhotos)
	schedule(JobStories, s.opts.StoryScanInterval, s.scanStories)
	s.cron.Start()
	s.log.Info("enrichment schedulers started",
		"members", s.opts.MemberScrapeInterval,
		"photos", s.opts.ProfilePhotoInterval,
		"stories", s.opts.StoryScanInterval)
}

// Stop halts the schedules. Running jobs finish on their own.
func (s *Service) Stop() {
	if s.cron != nil {
		s.cron.Stop()
	}
}

// RunNow triggers one job immediately and waits for it.
func (s *Service) RunNow(ctx context.Context, name string) error {
	switch name {
	case JobMembers:
		return s.runJob(ctx, name, s.scrapeMembers)
	case JobPhotos:
		return s.runJob(ctx, name, s.scanProfilePhotos)
	case JobStories:
		return s.runJob(ctx, name, s.scanStories)
	}
	return &faults.ValidationFailedError{What: fmt.Sprintf("unknown enrichment job %q", name)}
}

// Status snapshots all schedulers.
func (s *Service) Status() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobStatus, 0, 3)
	for _, name := range []string{JobMembers, JobPhotos, JobStories} {
		st := JobStatus{Name: name, Running: s.running[name], LastError: s.lastErr[name]}
		if at, ok := s.lastRun[name]; ok {
			t := at
			st.LastRun = &t
		}
		out = append(out, st)
	}
	return out
}

// ErrJobRunning is returned when a manual trigger overlaps a running job.
var ErrJobRunning = errors.New("enrichment job already running")

func (s *Service) runJob(ctx context.Context, name string, fn func(context.Context) error) error {
	s.mu.Lock()
	if s.running[name] {
		s.mu.Unlock()
		return ErrJobRunning
	}
	s.running[name] = true
	s.mu.Unlock()

	err := fn(ctx)

	s.mu.Lock()
	s.running[name] = false
	s.lastRun[name] = time.Now().UTC()
	if err != nil {
		s.lastErr[name] = err.Error()
	} else {
		s.lastErr[name] = ""
	}
	s.mu.Unlock()
	if err != nil {
		s.log.Error("enrichment job failed", "error", err, "job", name)
	}
	return err
}

// anySession picks an active session round-robin for calls that are not
// bound to a specific account.
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

// scrapeMembers walks monitored groups and supergroups whose last scrape is
// older than the interval, upserting users and memberships.
func (s *Service) scrapeMembers(ctx context.Context) error {
	dialogs, err := s.store.ListDialogs(ctx, storage.DialogFilter{MonitoredOnly: true})
	if err != nil {
		return err
	}
	cutoff := time.Now().Add(-s.opts.MemberScrapeInterval)
	var firstErr error
	for _, d := range dialogs {
		if d.Type != storage.DialogTypeGroup && d.Type != storage.DialogTypeSupergroup {
			continue
		}
		if s.opts.MemberScrapeInterval > 0 && d.LastMemberScrape != nil && d.LastMemberScrape.After(cutoff) {
			continue
		}
		sess, ok := s.sessions.Get(*d.AccountID)
		if !ok {
			continue
		}
		if err := s.scrapeDialog(ctx, sess, d); err != nil && firstErr == nil {
			firstErr = err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return firstErr
}

func (s *Service) scrapeDialog(ctx context.Context, sess *session.Session, d *storage.Dialog) error {
	parts, err := sess.Participants(ctx, d.TGDialogID)
	if err != nil {
		// A basic group without member access still counts as scraped so the
		// scheduler does not hammer it every pass.
		if faults.KindOf(err) == faults.KindPermissionDenied {
			if terr := s.store.TouchMemberScrape(ctx, d.ID, time.Now().UTC()); terr != nil {
				s.log.Error("member scrape touch failed", "error", terr, "dialog_id", d.ID)
			}
			return nil
		}
		return err
	}
	for i := range parts {
		p := &parts[i]
		res, err := s.store.UpsertUser(ctx, userRow(&p.User))
		if err != nil {
			s.log.Error("participant upsert failed", "error", err, "tg_user_id", p.User.TGUserID)
			continue
		}
		if err := s.store.UpsertMembership(ctx, &storage.Membership{
			UserID:     res.ID,
			DialogID:   d.ID,
			JoinedAt:   p.JoinedAt,
			IsAdmin:    p.IsAdmin,
			AdminTitle: p.AdminTitle,
			IsActive:   true,
		}); err != nil {
			s.log.Error("membership upsert failed", "error", err, "user_id", res.ID, "dialog_id", d.ID)
		}
	}
	if err := s.store.TouchMemberScrape(ctx, d.ID, time.Now().UTC()); err != nil {
		s.log.Error("member scrape touch failed", "error", err, "dialog_id", d.ID)
	}
	s.log.Info("members scraped", "dialog_id", d.ID, "count", len(parts))
	return nil
}

// scanProfilePhotos refreshes photo history for the stalest batch of users
// and flips the current marker to the newest photo. Touching the scan cursor
// moves each finished user to the back of the queue, so consecutive runs
// cover the whole table.
func (s *Service) scanProfilePhotos(ctx context.Context) error {
	users, err := s.store.ListUsersForPhotoScan(ctx, s.opts.BatchSize)
	if err != nil {
		return err
	}
	var firstErr error
	for _, u := range users {
		sess, ok := s.anySession()
		if !ok {
			return &faults.TemporaryError{Cause: errors.New("no active session for photo scan")}
		}
		photos, err := sess.ProfilePhotos(ctx, u.TGUserID)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		for i := range photos {
			s.storePhoto(ctx, sess, u, &photos[i])
		}
		// The upstream lists newest first; that one becomes current.
		if len(photos) > 0 {
			if err := s.store.SetCurrentProfilePhoto(ctx, u.ID, photos[0].TGPhotoID); err != nil {
				s.log.Error("current photo flip failed", "error", err, "user_id", u.ID)
			}
		}
		if err := s.store.TouchPhotoScan(ctx, u.ID, time.Now().UTC()); err != nil {
			s.log.Error("photo scan touch failed", "error", err, "user_id", u.ID)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return firstErr
}

func (s *Service) storePhoto(ctx context.Context, sess *session.Session, u *storage.User, p *telegram.PhotoInfo) {
	row := &storage.ProfilePhoto{
		UserID:     u.ID,
		TGPhotoID:  p.TGPhotoID,
		IsVideo:    p.IsVideo,
		CapturedAt: p.Date,
	}
	res, err := s.store.UpsertProfilePhoto(ctx, row)
	if err != nil {
		s.log.Error("profile photo upsert failed", "error", err, "user_id", u.ID)
		return
	}
	if !res.Inserted || p.Ref == nil {
		return
	}
	path, err := s.download(ctx, sess, p.Ref,
		filepath.Join("profiles", fmt.Sprintf("%d", u.ID)), fmt.Sprintf("%d.jpg", p.TGPhotoID))
	if err != nil {
		s.log.Warn("profile photo download failed", "error", err, "user_id", u.ID, "tg_photo_id", p.TGPhotoID)
		return
	}
	row.FilePath = path
	if _, err := s.store.UpsertProfilePhoto(ctx, row); err != nil {
		s.log.Error("profile photo path update failed", "error", err, "user_id", u.ID)
	}
}

// scanStories captures active stories for users flagged as having them.
func (s *Service) scanStories(ctx context.Context) error {
	users, err := s.store.ListUsersWithStories(ctx, s.opts.BatchSize)
	if err != nil {
		return err
	}
	var firstErr error
	for _, u := range users {
		sess, ok := s.anySession()
		if !ok {
			return &faults.TemporaryError{Cause: errors.New("no active session for story scan")}
		}
		stories, err := sess.Stories(ctx, u.TGUserID)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		for i := range stories {
			s.storeStory(ctx, sess, u, &stories[i])
		}
		if err := s.store.TouchStoryScan(ctx, u.ID, time.Now().UTC()); err != nil {
			s.log.Error("story scan touch failed", "error", err, "user_id", u.ID)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return firstErr
}

func (s *Service) storeStory(ctx context.Context, sess *session.Session, u *storage.User, st *telegram.StoryInfo) {
	row := &storage.Story{
		UserID:     u.ID,
		TGStoryID:  st.TGStoryID,
		ExpiresAt:  st.ExpiresAt,
		ViewsCount: st.Views,
		IsPinned:   st.IsPinned,
	}
	res, err := s.store.UpsertStory(ctx, row)
	if err != nil {
		s.log.Error("story upsert failed", "error", err, "user_id", u.ID)
		return
	}
	if !res.Inserted || st.Ref == nil {
		return
	}
	path, err := s.download(ctx, sess, st.Ref,
		filepath.Join("stories", fmt.Sprintf("%d", u.ID)),
		fmt.Sprintf("%d%s", st.TGStoryID, storyExt(st.Ref)))
	if err != nil {
		s.log.Warn("story download failed", "error", err, "user_id", u.ID, "tg_story_id", st.TGStoryID)
		return
	}
	row.FilePath = path
	if _, err := s.store.UpsertStory(ctx, row); err != nil {
		s.log.Error("story path update failed", "error", err, "user_id", u.ID)
	}
}

func (s *Service) download(ctx context.Context, sess *session.Session, ref *telegram.MediaRef, dir, name string) (string, error) {
	full := filepath.Join(s.opts.MediaRoot, dir)
	if err := os.MkdirAll(full, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(full, name)
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	_, err = sess.DownloadMedia(ctx, session.PriorityEnrichment, ref, f)
	if cerr := f.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return "", err
	}
	return path, nil
}

func storyExt(ref *telegram.MediaRef) string {
	if ref.MimeType == "video/mp4" {
		return ".mp4"
	}
	return ".jpg"
}

func userRow(u *telegram.UserInfo) *storage.User {
	return &storage.User{
		TGUserID:     u.TGUserID,
		Username:     u.Username,
		FirstName:    u.FirstName,
		LastName:     u.LastName,
		Phone:        u.Phone,
		Bio:          u.Bio,
		IsBot:        u.IsBot,
		IsVerified:   u.IsVerified,
		IsPremium:    u.IsPremium,
		IsScam:       u.IsScam,
		IsFake:       u.IsFake,
		IsRestricted: u.IsRestricted,
		IsDeleted:    u.IsDeleted,
		HasStories:   u.HasStories,
		LastSeen:     u.LastSeen,
	}
}
