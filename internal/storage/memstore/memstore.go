// Package memstore is an in-memory Store used by tests. It mirrors the
// Postgres adapter's conflict semantics (unique keys, merge-on-upsert,
// identity history) without a database.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/osintops/dragnet/internal/faults"
	"github.com/osintops/dragnet/internal/storage"
)

type messageKey struct {
	dialogID    int64
	tgMessageID int64
}

type detectionKey struct {
	messageID   int64
	detectorID  int64
	matchedText string
}

type photoKey struct {
	userID    int64
	tgPhotoID int64
}

type storyKey struct {
	userID    int64
	tgStoryID int64
}

type membershipKey struct {
	userID   int64
	dialogID int64
}

// Store implements storage.Store in memory.
type Store struct {
	mu     sync.Mutex
	nextID int64

	accounts     map[int64]*storage.Account
	dialogs      map[int64]*storage.Dialog
	dialogByTGID map[int64]int64

	messages     map[int64]*storage.Message
	messageByKey map[messageKey]int64

	users       map[int64]*storage.User
	userByTGID  map[int64]int64
	identity    []*storage.IdentityChange
	memberships map[membershipKey]*storage.Membership

	media          map[int64]*storage.MediaFile
	mediaByMessage map[int64]int64

	photos  map[photoKey]*storage.ProfilePhoto
	stories map[storyKey]*storage.Story

	invites      map[int64]*storage.Invite
	inviteByLink map[string]int64
	joins        []*storage.JoinRecord

	detections map[detectionKey]*storage.Detection
	detectors  map[int64]*storage.Detector

	settings map[string]string
}

var _ storage.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		accounts:       make(map[int64]*storage.Account),
		dialogs:        make(map[int64]*storage.Dialog),
		dialogByTGID:   make(map[int64]int64),
		messages:       make(map[int64]*storage.Message),
		messageByKey:   make(map[messageKey]int64),
		users:          make(map[int64]*storage.User),
		userByTGID:     make(map[int64]int64),
		memberships:    make(map[membershipKey]*storage.Membership),
		media:          make(map[int64]*storage.MediaFile),
		mediaByMessage: make(map[int64]int64),
		photos:         make(map[photoKey]*storage.ProfilePhoto),
		stories:        make(map[storyKey]*storage.Story),
		invites:        make(map[int64]*storage.Invite),
		inviteByLink:   make(map[string]int64),
		detections:     make(map[detectionKey]*storage.Detection),
		detectors:      make(map[int64]*storage.Detector),
		settings:       make(map[string]string),
	}
}

func (s *Store) id() int64 {
	s.nextID++
	return s.nextID
}

// --- accounts ---

func (s *Store) CreateAccount(ctx context.Context, phone string, proxy *storage.Proxy) (*storage.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := &storage.Account{
		ID:        s.id(),
		Phone:     phone,
		Status:    storage.AccountStatusNew,
		Proxy:     proxy,
		CreatedAt: time.Now().UTC(),
	}
	s.accounts[a.ID] = a
	out := *a
	return &out, nil
}

func (s *Store) GetAccount(ctx context.Context, id int64) (*storage.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, faults.ErrNotFound
	}
	out := *a
	return &out, nil
}

func (s *Store) GetAccountByPhone(ctx context.Context, phone string) (*storage.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.accounts {
		if a.Phone == phone {
			out := *a
			return &out, nil
		}
	}
	return nil, faults.ErrNotFound
}

func (s *Store) ListAccounts(ctx context.Context) ([]*storage.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*storage.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) UpdateAccountStatus(ctx context.Context, id int64, status, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return faults.ErrNotFound
	}
	a.Status = status
	a.LastError = lastError
	now := time.Now().UTC()
	a.LastActivity = &now
	return nil
}

func (s *Store) SetAccountFloodWait(ctx context.Context, id int64, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return faults.ErrNotFound
	}
	a.Status = storage.AccountStatusFloodWait
	a.FloodWaitUntil = &until
	return nil
}

func (s *Store) BumpAccountCounters(ctx context.Context, id int64, messages, errors int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return faults.ErrNotFound
	}
	a.MessagesCollected += messages
	a.ErrorsCount += errors
	return nil
}

func (s *Store) DeleteAccount(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[id]; !ok {
		return faults.ErrNotFound
	}
	delete(s.accounts, id)
	return nil
}

// --- dialogs ---

func (s *Store) UpsertDialog(ctx context.Context, d *storage.Dialog) (storage.UpsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.dialogByTGID[d.TGDialogID]; ok {
		cur := s.dialogs[id]
		cur.Title = d.Title
		cur.Username = d.Username
		cur.Type = d.Type
		if d.MemberCount > 0 {
			cur.MemberCount = d.MemberCount
		}
		if len(d.Photo) > 0 {
			cur.Photo = d.Photo
		}
		d.ID = id
		return storage.UpsertResult{ID: id, Inserted: false}, nil
	}
	cp := *d
	cp.ID = s.id()
	if cp.Status == "" {
		cp.Status = storage.DialogStatusInactive
	}
	cp.CreatedAt = time.Now().UTC()
	s.dialogs[cp.ID] = &cp
	s.dialogByTGID[cp.TGDialogID] = cp.ID
	d.ID = cp.ID
	return storage.UpsertResult{ID: cp.ID, Inserted: true}, nil
}

func (s *Store) GetDialog(ctx context.Context, id int64) (*storage.Dialog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.dialogs[id]
	if !ok {
		return nil, faults.ErrNotFound
	}
	out := *d
	return &out, nil
}

func (s *Store) GetDialogByTGID(ctx context.Context, tgDialogID int64) (*storage.Dialog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.dialogByTGID[tgDialogID]
	if !ok {
		return nil, faults.ErrNotFound
	}
	out := *s.dialogs[id]
	return &out, nil
}

func (s *Store) ListDialogs(ctx context.Context, f storage.DialogFilter) ([]*storage.Dialog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*storage.Dialog
	for _, d := range s.dialogs {
		if f.AccountID != nil && (d.AccountID == nil || *d.AccountID != *f.AccountID) {
			continue
		}
		if f.Status != "" && d.Status != f.Status {
			continue
		}
		if f.MonitoredOnly && !d.Monitored() {
			continue
		}
		cp := *d
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) AssignDialog(ctx context.Context, dialogID int64, accountID *int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.dialogs[dialogID]
	if !ok {
		return faults.ErrNotFound
	}
	d.AccountID = accountID
	return nil
}

func (s *Store) UpdateDialogStatus(ctx context.Context, dialogID int64, status, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.dialogs[dialogID]
	if !ok {
		return faults.ErrNotFound
	}
	d.Status = status
	d.LastError = lastError
	return nil
}

func (s *Store) SetDialogOptions(ctx context.Context, dialogID int64, opts storage.DialogOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.dialogs[dialogID]
	if !ok {
		return faults.ErrNotFound
	}
	d.Options = opts
	return nil
}

func (s *Store) UpdateBackfillFrontier(ctx context.Context, dialogID, frontier int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.dialogs[dialogID]
	if !ok {
		return faults.ErrNotFound
	}
	d.BackfillFrontier = frontier
	return nil
}

func (s *Store) UpdateLastMessageSeen(ctx context.Context, dialogID, tgMessageID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.dialogs[dialogID]
	if !ok {
		return faults.ErrNotFound
	}
	if tgMessageID > d.LastMessageIDSeen {
		d.LastMessageIDSeen = tgMessageID
	}
	return nil
}

func (s *Store) TouchMemberScrape(ctx context.Context, dialogID int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.dialogs[dialogID]
	if !ok {
		return faults.ErrNotFound
	}
	d.LastMemberScrape = &at
	return nil
}

// --- messages ---

func (s *Store) upsertMessageLocked(m *storage.Message) (int64, bool) {
	key := messageKey{dialogID: m.DialogID, tgMessageID: m.TGMessageID}
	if id, ok := s.messageByKey[key]; ok {
		cur := s.messages[id]
		cur.Text = m.Text
		if m.Views > cur.Views {
			cur.Views = m.Views
		}
		if m.Forwards > cur.Forwards {
			cur.Forwards = m.Forwards
		}
		if len(m.Reactions) > 0 {
			cur.Reactions = m.Reactions
		}
		return id, false
	}
	cp := *m
	cp.ID = s.id()
	cp.CreatedAt = time.Now().UTC()
	s.messages[cp.ID] = &cp
	s.messageByKey[key] = cp.ID
	return cp.ID, true
}

func (s *Store) insertDetectionsLocked(ds []*storage.Detection) int {
	inserted := 0
	for _, d := range ds {
		key := detectionKey{messageID: d.MessageID, detectorID: d.DetectorID, matchedText: d.MatchedText}
		if _, ok := s.detections[key]; ok {
			continue
		}
		cp := *d
		cp.ID = s.id()
		cp.CreatedAt = time.Now().UTC()
		s.detections[key] = &cp
		inserted++
	}
	return inserted
}

func (s *Store) IngestMessage(ctx context.Context, m *storage.Message, media *storage.MediaFile, detections []*storage.Detection) (storage.IngestResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res storage.IngestResult
	res.MessageID, res.Inserted = s.upsertMessageLocked(m)

	if media != nil {
		media.MessageID = res.MessageID
		if id, ok := s.mediaByMessage[res.MessageID]; ok {
			res.MediaID = id
		} else {
			cp := *media
			cp.ID = s.id()
			cp.CreatedAt = time.Now().UTC()
			if cp.ProcessingStatus == "" {
				cp.ProcessingStatus = storage.ProcessingQueued
			}
			if cp.ValidationStatus == "" {
				cp.ValidationStatus = storage.ValidationPending
			}
			s.media[cp.ID] = &cp
			s.mediaByMessage[res.MessageID] = cp.ID
			res.MediaID = cp.ID
		}
	}

	for _, d := range detections {
		d.MessageID = res.MessageID
	}
	res.Detections = s.insertDetectionsLocked(detections)
	return res, nil
}

func (s *Store) UpsertMessages(ctx context.Context, msgs []*storage.Message) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inserted := 0
	for _, m := range msgs {
		id, ins := s.upsertMessageLocked(m)
		m.ID = id
		if ins {
			inserted++
		}
	}
	return inserted, nil
}

func (s *Store) GetMessage(ctx context.Context, dialogID, tgMessageID int64) (*storage.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.messageByKey[messageKey{dialogID: dialogID, tgMessageID: tgMessageID}]
	if !ok {
		return nil, faults.ErrNotFound
	}
	out := *s.messages[id]
	return &out, nil
}

func (s *Store) CountMessages(ctx context.Context, dialogID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, m := range s.messages {
		if m.DialogID == dialogID {
			n++
		}
	}
	return n, nil
}

// --- users ---

func (s *Store) UpsertUser(ctx context.Context, u *storage.User) (storage.UpsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if id, ok := s.userByTGID[u.TGUserID]; ok {
		cur := s.users[id]
		for _, f := range []struct {
			name     string
			old, new string
		}{
			{"username", cur.Username, u.Username},
			{"first_name", cur.FirstName, u.FirstName},
			{"last_name", cur.LastName, u.LastName},
			{"phone", cur.Phone, u.Phone},
		} {
			if f.new != "" && f.new != f.old {
				s.identity = append(s.identity, &storage.IdentityChange{
					ID:        s.id(),
					UserID:    id,
					Field:     f.name,
					OldValue:  f.old,
					NewValue:  f.new,
					ChangedAt: now,
				})
			}
		}
		merge := func(dst *string, v string) {
			if v != "" {
				*dst = v
			}
		}
		merge(&cur.Username, u.Username)
		merge(&cur.FirstName, u.FirstName)
		merge(&cur.LastName, u.LastName)
		merge(&cur.Phone, u.Phone)
		merge(&cur.Bio, u.Bio)
		merge(&cur.PhotoPath, u.PhotoPath)
		cur.IsBot = u.IsBot
		cur.IsVerified = u.IsVerified
		cur.IsPremium = u.IsPremium
		cur.IsScam = u.IsScam
		cur.IsFake = u.IsFake
		cur.IsRestricted = u.IsRestricted
		cur.IsDeleted = u.IsDeleted
		cur.HasStories = u.HasStories
		if u.LastSeen != nil {
			cur.LastSeen = u.LastSeen
		}
		cur.UpdatedAt = now
		u.ID = id
		return storage.UpsertResult{ID: id, Inserted: false}, nil
	}
	cp := *u
	cp.ID = s.id()
	cp.CreatedAt = now
	cp.UpdatedAt = now
	s.users[cp.ID] = &cp
	s.userByTGID[cp.TGUserID] = cp.ID
	u.ID = cp.ID
	return storage.UpsertResult{ID: cp.ID, Inserted: true}, nil
}

func (s *Store) GetUserByTGID(ctx context.Context, tgUserID int64) (*storage.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.userByTGID[tgUserID]
	if !ok {
		return nil, faults.ErrNotFound
	}
	out := *s.users[id]
	return &out, nil
}

func (s *Store) ListUsers(ctx context.Context, offset, limit int) ([]*storage.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := make([]*storage.User, 0, len(s.users))
	for _, u := range s.users {
		cp := *u
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

func (s *Store) ListUsersForPhotoScan(ctx context.Context, limit int) ([]*storage.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := make([]*storage.User, 0, len(s.users))
	for _, u := range s.users {
		cp := *u
		all = append(all, &cp)
	}
	sortByScanCursor(all, func(u *storage.User) *time.Time { return u.LastPhotoScan })
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

func (s *Store) ListUsersWithStories(ctx context.Context, limit int) ([]*storage.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*storage.User
	for _, u := range s.users {
		if u.HasStories {
			cp := *u
			out = append(out, &cp)
		}
	}
	sortByScanCursor(out, func(u *storage.User) *time.Time { return u.LastStoryScan })
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

// sortByScanCursor orders stalest first, never-scanned ahead of everything.
func sortByScanCursor(users []*storage.User, cursor func(*storage.User) *time.Time) {
	sort.Slice(users, func(i, j int) bool {
		a, b := cursor(users[i]), cursor(users[j])
		switch {
		case a == nil && b != nil:
			return true
		case a != nil && b == nil:
			return false
		case a != nil && b != nil && !a.Equal(*b):
			return a.Before(*b)
		}
		return users[i].ID < users[j].ID
	})
}

func (s *Store) TouchPhotoScan(ctx context.Context, userID int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.ID == userID {
			t := at
			u.LastPhotoScan = &t
			return nil
		}
	}
	return faults.ErrNotFound
}

func (s *Store) TouchStoryScan(ctx context.Context, userID int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.ID == userID {
			t := at
			u.LastStoryScan = &t
			return nil
		}
	}
	return faults.ErrNotFound
}

func (s *Store) ListIdentityChanges(ctx context.Context, userID int64) ([]*storage.IdentityChange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*storage.IdentityChange
	for _, c := range s.identity {
		if c.UserID == userID {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Store) UpsertMembership(ctx context.Context, m *storage.Membership) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := membershipKey{userID: m.UserID, dialogID: m.DialogID}
	if cur, ok := s.memberships[key]; ok {
		cur.IsAdmin = m.IsAdmin
		cur.AdminTitle = m.AdminTitle
		cur.IsActive = m.IsActive
		cur.LeaveReason = m.LeaveReason
		if m.JoinedAt != nil {
			cur.JoinedAt = m.JoinedAt
		}
		return nil
	}
	cp := *m
	cp.ID = s.id()
	s.memberships[key] = &cp
	return nil
}

// --- media ---

func (s *Store) InsertMediaFile(ctx context.Context, mf *storage.MediaFile) (storage.UpsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.mediaByMessage[mf.MessageID]; ok {
		cur := s.media[id]
		// nil→hashed transition only; never clobber a completed row.
		if mf.ContentHash != "" && cur.ProcessingStatus != storage.ProcessingCompleted {
			cur.ContentHash = mf.ContentHash
			cur.FilePath = mf.FilePath
			cur.ProcessingStatus = mf.ProcessingStatus
		}
		mf.ID = id
		return storage.UpsertResult{ID: id, Inserted: false}, nil
	}
	cp := *mf
	cp.ID = s.id()
	cp.CreatedAt = time.Now().UTC()
	if cp.ProcessingStatus == "" {
		cp.ProcessingStatus = storage.ProcessingPending
	}
	if cp.ValidationStatus == "" {
		cp.ValidationStatus = storage.ValidationPending
	}
	s.media[cp.ID] = &cp
	s.mediaByMessage[cp.MessageID] = cp.ID
	mf.ID = cp.ID
	return storage.UpsertResult{ID: cp.ID, Inserted: true}, nil
}

func (s *Store) GetMediaFile(ctx context.Context, id int64) (*storage.MediaFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mf, ok := s.media[id]
	if !ok {
		return nil, faults.ErrNotFound
	}
	out := *mf
	return &out, nil
}

func (s *Store) GetMediaFileByMessage(ctx context.Context, messageID int64) (*storage.MediaFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.mediaByMessage[messageID]
	if !ok {
		return nil, faults.ErrNotFound
	}
	out := *s.media[id]
	return &out, nil
}

func (s *Store) FindCompletedByContentHash(ctx context.Context, hash string) (*storage.MediaFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, mf := range s.media {
		if mf.ContentHash == hash && mf.ProcessingStatus == storage.ProcessingCompleted {
			out := *mf
			return &out, nil
		}
	}
	return nil, faults.ErrNotFound
}

func (s *Store) ListPerceptualHashes(ctx context.Context, limit int) (map[int64]uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int64]uint64)
	for _, mf := range s.media {
		if mf.PerceptualHash != nil {
			out[mf.ID] = *mf.PerceptualHash
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *Store) MarkMediaProcessing(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	mf, ok := s.media[id]
	if !ok {
		return faults.ErrNotFound
	}
	mf.ProcessingStatus = storage.ProcessingProcessing
	return nil
}

func (s *Store) CompleteMediaFile(ctx context.Context, mf *storage.MediaFile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.media[mf.ID]
	if !ok {
		return faults.ErrNotFound
	}
	if mf.FilePath == "" {
		return &faults.ValidationFailedError{What: "completed media without file path"}
	}
	cur.FilePath = mf.FilePath
	cur.FileSize = mf.FileSize
	cur.ContentHash = mf.ContentHash
	cur.PerceptualHash = mf.PerceptualHash
	cur.DuplicateMethod = mf.DuplicateMethod
	cur.ValidationStatus = storage.ValidationValid
	cur.ProcessingStatus = storage.ProcessingCompleted
	return nil
}

func (s *Store) FailMediaDownload(ctx context.Context, id int64, errorKind string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	mf, ok := s.media[id]
	if !ok {
		return faults.ErrNotFound
	}
	mf.DownloadAttempts++
	mf.LastDownloadAttempt = &at
	mf.DownloadErrorKind = errorKind
	mf.ProcessingStatus = storage.ProcessingFailed
	return nil
}

func (s *Store) SetMediaValidation(ctx context.Context, id int64, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	mf, ok := s.media[id]
	if !ok {
		return faults.ErrNotFound
	}
	mf.ValidationStatus = status
	if status == storage.ValidationInvalid || status == storage.ValidationCorrupted {
		mf.ProcessingStatus = storage.ProcessingFailed
	}
	return nil
}

func (s *Store) ListRetryableMedia(ctx context.Context, maxAttempts, limit int) ([]*storage.MediaFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*storage.MediaFile
	for _, mf := range s.media {
		if (mf.ProcessingStatus == storage.ProcessingFailed || mf.ProcessingStatus == storage.ProcessingPending) &&
			mf.DownloadAttempts < maxAttempts {
			cp := *mf
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ResetMediaRetries(ctx context.Context, ids []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if mf, ok := s.media[id]; ok {
			mf.DownloadAttempts = 0
			mf.ProcessingStatus = storage.ProcessingPending
		}
	}
	return nil
}

// --- profile photos ---

func (s *Store) UpsertProfilePhoto(ctx context.Context, p *storage.ProfilePhoto) (storage.UpsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := photoKey{userID: p.UserID, tgPhotoID: p.TGPhotoID}
	if cur, ok := s.photos[key]; ok {
		if p.FilePath != "" {
			cur.FilePath = p.FilePath
		}
		p.ID = cur.ID
		return storage.UpsertResult{ID: cur.ID, Inserted: false}, nil
	}
	cp := *p
	cp.ID = s.id()
	s.photos[key] = &cp
	p.ID = cp.ID
	return storage.UpsertResult{ID: cp.ID, Inserted: true}, nil
}

func (s *Store) SetCurrentProfilePhoto(ctx context.Context, userID, tgPhotoID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, p := range s.photos {
		if key.userID == userID {
			p.IsCurrent = key.tgPhotoID == tgPhotoID
		}
	}
	return nil
}

func (s *Store) ListProfilePhotos(ctx context.Context, userID int64) ([]*storage.ProfilePhoto, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*storage.ProfilePhoto
	for key, p := range s.photos {
		if key.userID == userID {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- stories ---

func (s *Store) UpsertStory(ctx context.Context, st *storage.Story) (storage.UpsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := storyKey{userID: st.UserID, tgStoryID: st.TGStoryID}
	if cur, ok := s.stories[key]; ok {
		cur.ViewsCount = st.ViewsCount
		cur.IsPinned = st.IsPinned
		if st.FilePath != "" {
			cur.FilePath = st.FilePath
		}
		st.ID = cur.ID
		return storage.UpsertResult{ID: cur.ID, Inserted: false}, nil
	}
	cp := *st
	cp.ID = s.id()
	cp.CreatedAt = time.Now().UTC()
	s.stories[key] = &cp
	st.ID = cp.ID
	return storage.UpsertResult{ID: cp.ID, Inserted: true}, nil
}

func (s *Store) ListStories(ctx context.Context, userID int64) ([]*storage.Story, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*storage.Story
	for key, st := range s.stories {
		if key.userID == userID {
			cp := *st
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- invites ---

func (s *Store) CreateInvite(ctx context.Context, link, hash string, sourceGroup, sourceUser *int64) (*storage.Invite, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.inviteByLink[link]; ok {
		out := *s.invites[id]
		return &out, nil
	}
	inv := &storage.Invite{
		ID:            s.id(),
		Link:          link,
		InviteHash:    hash,
		Status:        storage.InviteStatusPending,
		SourceGroupID: sourceGroup,
		SourceUserID:  sourceUser,
		CreatedAt:     time.Now().UTC(),
		UpdatedAt:     time.Now().UTC(),
	}
	s.invites[inv.ID] = inv
	s.inviteByLink[link] = inv.ID
	out := *inv
	return &out, nil
}

func (s *Store) GetInvite(ctx context.Context, id int64) (*storage.Invite, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invites[id]
	if !ok {
		return nil, faults.ErrNotFound
	}
	out := *inv
	return &out, nil
}

func (s *Store) ListInvites(ctx context.Context, status string) ([]*storage.Invite, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*storage.Invite
	for _, inv := range s.invites {
		if status != "" && inv.Status != status {
			continue
		}
		cp := *inv
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) UpdateInviteStatus(ctx context.Context, id int64, status string, bumpRetry bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invites[id]
	if !ok {
		return faults.ErrNotFound
	}
	inv.Status = status
	if bumpRetry {
		inv.RetryCount++
	}
	inv.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) UpdateInvitePreview(ctx context.Context, id int64, p storage.InvitePreview) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invites[id]
	if !ok {
		return faults.ErrNotFound
	}
	inv.Preview = p
	inv.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) SetInviteJoinedBy(ctx context.Context, id, accountID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invites[id]
	if !ok {
		return faults.ErrNotFound
	}
	inv.JoinedBy = &accountID
	return nil
}

func (s *Store) DeleteInvite(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invites[id]
	if !ok {
		return faults.ErrNotFound
	}
	delete(s.inviteByLink, inv.Link)
	delete(s.invites, id)
	return nil
}

func (s *Store) RecordJoin(ctx context.Context, accountID, inviteID int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.joins = append(s.joins, &storage.JoinRecord{
		ID:        s.id(),
		AccountID: accountID,
		InviteID:  inviteID,
		JoinedAt:  at,
	})
	return nil
}

func (s *Store) CountJoinsSince(ctx context.Context, accountID int64, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, j := range s.joins {
		if j.AccountID == accountID && !j.JoinedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (s *Store) OldestJoinSince(ctx context.Context, accountID int64, since time.Time) (*time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var oldest *time.Time
	for _, j := range s.joins {
		if j.AccountID != accountID || j.JoinedAt.Before(since) {
			continue
		}
		if oldest == nil || j.JoinedAt.Before(*oldest) {
			t := j.JoinedAt
			oldest = &t
		}
	}
	return oldest, nil
}

func (s *Store) LastJoinAt(ctx context.Context, accountID int64) (*time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var last *time.Time
	for _, j := range s.joins {
		if j.AccountID == accountID && (last == nil || j.JoinedAt.After(*last)) {
			t := j.JoinedAt
			last = &t
		}
	}
	return last, nil
}

// --- detections ---

func (s *Store) InsertDetections(ctx context.Context, ds []*storage.Detection) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertDetectionsLocked(ds), nil
}

func (s *Store) CountDetections(ctx context.Context, messageID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for key := range s.detections {
		if key.messageID == messageID {
			n++
		}
	}
	return n, nil
}

func (s *Store) ListDetectors(ctx context.Context, activeOnly bool) ([]*storage.Detector, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*storage.Detector
	for _, d := range s.detectors {
		if activeOnly && !d.IsActive {
			continue
		}
		cp := *d
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) CreateDetector(ctx context.Context, d *storage.Detector) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *d
	cp.ID = s.id()
	s.detectors[cp.ID] = &cp
	d.ID = cp.ID
	return cp.ID, nil
}

func (s *Store) SetDetectorActive(ctx context.Context, id int64, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.detectors[id]
	if !ok {
		return faults.ErrNotFound
	}
	d.IsActive = active
	return nil
}

// --- settings ---

func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.settings[key]
	if !ok {
		return "", faults.ErrNotFound
	}
	return v, nil
}

func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[key] = value
	return nil
}

// --- search ---

func (s *Store) Search(ctx context.Context, query string, f storage.SearchFilters, limit int) ([]*storage.SearchHit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := strings.ToLower(query)
	types := f.Types
	if len(types) == 0 {
		types = []string{"messages", "users", "detections"}
	}
	var hits []*storage.SearchHit
	for _, t := range types {
		switch t {
		case "messages":
			for _, m := range s.messages {
				if f.DialogID != nil && m.DialogID != *f.DialogID {
					continue
				}
				if strings.Contains(strings.ToLower(m.Text), q) {
					hits = append(hits, &storage.SearchHit{Type: "message", ID: m.ID, DialogID: m.DialogID, Snippet: m.Text, CreatedAt: m.CreatedAt})
				}
			}
		case "users":
			for _, u := range s.users {
				blob := strings.ToLower(u.Username + " " + u.FirstName + " " + u.LastName + " " + u.Bio)
				if strings.Contains(blob, q) {
					hits = append(hits, &storage.SearchHit{Type: "user", ID: u.ID, Snippet: u.Username, CreatedAt: u.CreatedAt})
				}
			}
		case "detections":
			for _, d := range s.detections {
				if strings.Contains(strings.ToLower(d.MatchedText), q) {
					hits = append(hits, &storage.SearchHit{Type: "detection", ID: d.ID, Snippet: d.MatchedText, CreatedAt: d.CreatedAt})
				}
			}
		}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].ID < hits[j].ID })
	if limit > 0 && limit < len(hits) {
		hits = hits[:limit]
	}
	return hits, nil
}
