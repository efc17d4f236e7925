// Package storage defines the persisted row shapes and the Store interface
// implemented by the Postgres adapter and the in-memory test double.
package storage

import (
	"time"
)

// Account statuses.
const (
	AccountStatusNew              = "new"
	AccountStatusCodeRequired     = "code_required"
	AccountStatusPasswordRequired = "password_required"
	AccountStatusActive           = "active"
	AccountStatusFloodWait        = "flood_wait"
	AccountStatusBanned           = "banned"
	AccountStatusError            = "error"
)

// Dialog statuses.
const (
	DialogStatusInactive    = "inactive"
	DialogStatusActive      = "active"
	DialogStatusPaused      = "paused"
	DialogStatusBackfilling = "backfilling"
	DialogStatusError       = "error"
)

// Dialog types.
const (
	DialogTypeUser       = "user"
	DialogTypeGroup      = "group"
	DialogTypeSupergroup = "supergroup"
	DialogTypeChannel    = "channel"
)

// Media file types.
const (
	FileTypePhoto     = "photo"
	FileTypeVideo     = "video"
	FileTypeGIF       = "gif"
	FileTypeAudio     = "audio"
	FileTypeVoice     = "voice"
	FileTypeDocument  = "document"
	FileTypeSticker   = "sticker"
	FileTypeVideoNote = "video_note"
)

// Media processing statuses.
const (
	ProcessingPending    = "pending"
	ProcessingQueued     = "queued"
	ProcessingProcessing = "processing"
	ProcessingCompleted  = "completed"
	ProcessingFailed     = "failed"
)

// Media validation statuses.
const (
	ValidationPending   = "pending"
	ValidationValid     = "valid"
	ValidationInvalid   = "invalid"
	ValidationCorrupted = "corrupted"
)

// Invite statuses.
const (
	InviteStatusPending        = "pending"
	InviteStatusProcessing     = "processing"
	InviteStatusJoined         = "joined"
	InviteStatusAlreadyJoined  = "already_joined"
	InviteStatusRequestPending = "request_pending"
	InviteStatusFailed         = "failed"
	InviteStatusExpired        = "expired"
	InviteStatusInvalid        = "invalid"
	InviteStatusPrivate        = "private"
)

// Builtin detection types.
const (
	DetectionEmail            = "email"
	DetectionPhone            = "phone"
	DetectionCrypto           = "crypto"
	DetectionURL              = "url"
	DetectionInviteLink       = "invite_link"
	DetectionTelegramLink     = "telegram_link"
	DetectionTelegramUsername = "telegram_username"
)

// Proxy carries optional per-account proxy settings.
type Proxy struct {
	Type     string `json:"type"` // socks5 | http
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// Account is an authenticated Telegram user session owner.
type Account struct {
	ID                int64
	Phone             string
	Status            string
	Proxy             *Proxy
	LastError         string
	MessagesCollected int64
	ErrorsCount       int64
	FloodWaitUntil    *time.Time
	LastActivity      *time.Time
	CreatedAt         time.Time
}

// DialogOptions are the per-dialog capture flags.
type DialogOptions struct {
	DownloadMedia   bool
	OCREnabled      bool
	BackfillEnabled bool
	IsMonitoring    bool
}

// Dialog is a monitored chat space.
type Dialog struct {
	ID                int64
	TGDialogID        int64
	Type              string
	Title             string
	Username          string
	MemberCount       int
	Photo             []byte
	AccountID         *int64
	Status            string
	Options           DialogOptions
	LastMessageIDSeen int64
	BackfillFrontier  int64
	LastMemberScrape  *time.Time
	LastError         string
	CreatedAt         time.Time
}

// Monitored reports whether the dialog is actively captured. A history walk
// does not suspend live capture, so backfilling counts.
func (d *Dialog) Monitored() bool {
	return (d.Status == DialogStatusActive || d.Status == DialogStatusBackfilling) && d.AccountID != nil
}

// Message is one captured message, unique per (dialog, upstream id).
type Message struct {
	ID            int64
	DialogID      int64
	TGMessageID   int64
	SenderID      *int64
	Date          time.Time
	Text          string
	ReplyTo       *int64
	GroupedID     *int64
	Views         int
	Forwards      int
	Reactions     map[string]int
	MediaType     string
	CreatedAt     time.Time
}

// User is an enriched participant.
type User struct {
	ID          int64
	TGUserID    int64
	Username    string
	FirstName   string
	LastName    string
	Phone       string
	Bio         string
	IsBot       bool
	IsVerified  bool
	IsPremium   bool
	IsScam      bool
	IsFake      bool
	IsRestricted bool
	IsDeleted   bool
	HasStories  bool
	LastSeen    *time.Time
	PhotoPath   string
	// Enrichment cursors; nil means never scanned.
	LastPhotoScan *time.Time
	LastStoryScan *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// IdentityChange is an append-only record of an observed profile mutation.
type IdentityChange struct {
	ID        int64
	UserID    int64
	Field     string
	OldValue  string
	NewValue  string
	ChangedAt time.Time
}

// Membership ties a user to a dialog.
type Membership struct {
	ID         int64
	UserID     int64
	DialogID   int64
	JoinedAt   *time.Time
	IsAdmin    bool
	AdminTitle string
	IsActive   bool
	LeaveReason string
}

// MediaFile is the single media row for a message that carries media.
type MediaFile struct {
	ID                  int64
	MessageID           int64
	FileType            string
	FilePath            string
	FileSize            int64
	MimeType            string
	Width               int
	Height              int
	Duration            float64
	ContentHash         string // sha-256 hex, empty until downloaded
	PerceptualHash      *uint64
	DuplicateMethod     string // empty | content | perceptual
	DownloadAttempts    int
	LastDownloadAttempt *time.Time
	DownloadErrorKind   string
	ValidationStatus    string
	ProcessingStatus    string
	ProcessingPriority  int
	CreatedAt           time.Time
}

// ProfilePhoto is one historical profile photo of a user.
type ProfilePhoto struct {
	ID         int64
	UserID     int64
	TGPhotoID  int64
	IsCurrent  bool
	IsVideo    bool
	FilePath   string
	CapturedAt time.Time
}

// Story is one captured user story.
type Story struct {
	ID         int64
	UserID     int64
	TGStoryID  int64
	FilePath   string
	ExpiresAt  *time.Time
	ViewsCount int
	IsPinned   bool
	CreatedAt  time.Time
}

// InvitePreview holds resolved metadata for an invite link.
type InvitePreview struct {
	Title       string
	About       string
	MemberCount int
	Photo       []byte
	IsChannel   bool
}

// Invite is a tracked invite link.
type Invite struct {
	ID            int64
	Link          string
	InviteHash    string
	Status        string
	RetryCount    int
	Preview       InvitePreview
	SourceGroupID *int64
	SourceUserID  *int64
	JoinedBy      *int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Detection is one extractor occurrence on a message.
type Detection struct {
	ID              int64
	MessageID       int64
	DetectorID      int64
	DetectionType   string
	MatchedText     string
	NormalizedValue string
	ContextBefore   string
	ContextAfter    string
	CreatedAt       time.Time
}

// Detector is a named regex extractor.
type Detector struct {
	ID        int64
	Name      string
	Pattern   string
	Category  string
	Priority  int
	IsBuiltin bool
	IsActive  bool
}

// JoinRecord logs one successful invite join for daily-cap accounting.
type JoinRecord struct {
	ID        int64
	AccountID int64
	InviteID  int64
	JoinedAt  time.Time
}

// UpsertResult reports whether an upsert inserted a new row.
type UpsertResult struct {
	ID       int64
	Inserted bool
}

// SearchHit is one full-text search result.
type SearchHit struct {
	Type      string  `json:"type"` // message | user | detection
	ID        int64   `json:"id"`
	DialogID  int64   `json:"dialog_id,omitempty"`
	Snippet   string  `json:"snippet"`
	Rank      float64 `json:"rank"`
	CreatedAt time.Time `json:"created_at"`
}

// SearchFilters narrows a search.
type SearchFilters struct {
	Types     []string // subset of {messages, users, detections}
	DialogID  *int64
	SenderID  *int64
	DateFrom  *time.Time
	DateTo    *time.Time
	MediaOnly bool
}

// DialogFilter narrows ListDialogs.
type DialogFilter struct {
	AccountID     *int64
	Status        string
	MonitoredOnly bool
}
