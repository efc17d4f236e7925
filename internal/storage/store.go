package storage

import (
	"context"
	"time"
)

// IngestResult reports the outcome of an atomic message ingest.
type IngestResult struct {
	MessageID  int64
	Inserted   bool
	MediaID    int64 // 0 when the message carries no media
	Detections int   // detections newly written
}

// AccountStore persists accounts.
type AccountStore interface {
	CreateAccount(ctx context.Context, phone string, proxy *Proxy) (*Account, error)
	GetAccount(ctx context.Context, id int64) (*Account, error)
	GetAccountByPhone(ctx context.Context, phone string) (*Account, error)
	ListAccounts(ctx context.Context) ([]*Account, error)
	UpdateAccountStatus(ctx context.Context, id int64, status, lastError string) error
	SetAccountFloodWait(ctx context.Context, id int64, until time.Time) error
	BumpAccountCounters(ctx context.Context, id int64, messages, errors int64) error
	DeleteAccount(ctx context.Context, id int64) error
}

// DialogStore persists dialogs and their cursors.
type DialogStore interface {
	UpsertDialog(ctx context.Context, d *Dialog) (UpsertResult, error)
	GetDialog(ctx context.Context, id int64) (*Dialog, error)
	GetDialogByTGID(ctx context.Context, tgDialogID int64) (*Dialog, error)
	ListDialogs(ctx context.Context, f DialogFilter) ([]*Dialog, error)
	AssignDialog(ctx context.Context, dialogID int64, accountID *int64) error
	UpdateDialogStatus(ctx context.Context, dialogID int64, status, lastError string) error
	SetDialogOptions(ctx context.Context, dialogID int64, opts DialogOptions) error
	UpdateBackfillFrontier(ctx context.Context, dialogID, frontier int64) error
	UpdateLastMessageSeen(ctx context.Context, dialogID, tgMessageID int64) error
	TouchMemberScrape(ctx context.Context, dialogID int64, at time.Time) error
}

// MessageStore persists messages. IngestMessage writes the message row, the
// optional media row, and any detections in one transaction.
type MessageStore interface {
	IngestMessage(ctx context.Context, m *Message, media *MediaFile, detections []*Detection) (IngestResult, error)
	UpsertMessages(ctx context.Context, msgs []*Message) (inserted int, err error)
	GetMessage(ctx context.Context, dialogID, tgMessageID int64) (*Message, error)
	CountMessages(ctx context.Context, dialogID int64) (int64, error)
}

// UserStore persists users, identity history, and memberships.
type UserStore interface {
	UpsertUser(ctx context.Context, u *User) (UpsertResult, error)
	GetUserByTGID(ctx context.Context, tgUserID int64) (*User, error)
	ListUsers(ctx context.Context, offset, limit int) ([]*User, error)
	ListUsersForPhotoScan(ctx context.Context, limit int) ([]*User, error)
	ListUsersWithStories(ctx context.Context, limit int) ([]*User, error)
	TouchPhotoScan(ctx context.Context, userID int64, at time.Time) error
	TouchStoryScan(ctx context.Context, userID int64, at time.Time) error
	ListIdentityChanges(ctx context.Context, userID int64) ([]*IdentityChange, error)
	UpsertMembership(ctx context.Context, m *Membership) error
}

// MediaStore persists media files and their pipeline state.
type MediaStore interface {
	InsertMediaFile(ctx context.Context, mf *MediaFile) (UpsertResult, error)
	GetMediaFile(ctx context.Context, id int64) (*MediaFile, error)
	GetMediaFileByMessage(ctx context.Context, messageID int64) (*MediaFile, error)
	FindCompletedByContentHash(ctx context.Context, hash string) (*MediaFile, error)
	ListPerceptualHashes(ctx context.Context, limit int) (map[int64]uint64, error)
	MarkMediaProcessing(ctx context.Context, id int64) error
	CompleteMediaFile(ctx context.Context, mf *MediaFile) error
	FailMediaDownload(ctx context.Context, id int64, errorKind string, at time.Time) error
	SetMediaValidation(ctx context.Context, id int64, status string) error
	ListRetryableMedia(ctx context.Context, maxAttempts, limit int) ([]*MediaFile, error)
	ResetMediaRetries(ctx context.Context, ids []int64) error
}

// PhotoStore persists profile photo history.
type PhotoStore interface {
	UpsertProfilePhoto(ctx context.Context, p *ProfilePhoto) (UpsertResult, error)
	// SetCurrentProfilePhoto atomically flips is_current so that only the row
	// with tgPhotoID remains current for the user.
	SetCurrentProfilePhoto(ctx context.Context, userID, tgPhotoID int64) error
	ListProfilePhotos(ctx context.Context, userID int64) ([]*ProfilePhoto, error)
}

// StoryStore persists stories.
type StoryStore interface {
	UpsertStory(ctx context.Context, s *Story) (UpsertResult, error)
	ListStories(ctx context.Context, userID int64) ([]*Story, error)
}

// InviteStore persists invites and join accounting.
type InviteStore interface {
	CreateInvite(ctx context.Context, link, hash string, sourceGroup, sourceUser *int64) (*Invite, error)
	GetInvite(ctx context.Context, id int64) (*Invite, error)
	ListInvites(ctx context.Context, status string) ([]*Invite, error)
	UpdateInviteStatus(ctx context.Context, id int64, status string, bumpRetry bool) error
	UpdateInvitePreview(ctx context.Context, id int64, p InvitePreview) error
	SetInviteJoinedBy(ctx context.Context, id, accountID int64) error
	DeleteInvite(ctx context.Context, id int64) error
	RecordJoin(ctx context.Context, accountID, inviteID int64, at time.Time) error
	CountJoinsSince(ctx context.Context, accountID int64, since time.Time) (int, error)
	OldestJoinSince(ctx context.Context, accountID int64, since time.Time) (*time.Time, error)
	LastJoinAt(ctx context.Context, accountID int64) (*time.Time, error)
}

// DetectionStore persists detectors and detection occurrences.
type DetectionStore interface {
	InsertDetections(ctx context.Context, ds []*Detection) (inserted int, err error)
	CountDetections(ctx context.Context, messageID int64) (int64, error)
	ListDetectors(ctx context.Context, activeOnly bool) ([]*Detector, error)
	CreateDetector(ctx context.Context, d *Detector) (int64, error)
	SetDetectorActive(ctx context.Context, id int64, active bool) error
}

// SettingsStore persists small key/value engine settings (autojoin config,
// scheduler overrides).
type SettingsStore interface {
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error
}

// SearchStore runs full-text queries with a substring fallback.
type SearchStore interface {
	Search(ctx context.Context, query string, f SearchFilters, limit int) ([]*SearchHit, error)
}

// Store is the full persistence surface consumed by the engine.
type Store interface {
	AccountStore
	DialogStore
	MessageStore
	UserStore
	MediaStore
	PhotoStore
	StoryStore
	InviteStore
	DetectionStore
	SettingsStore
	SearchStore
}
