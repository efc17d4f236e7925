// Package telegram defines the upstream RPC capability consumed by session
// actors, plus the gotd-backed implementation. The rest of the engine depends
// only on the Client interface and the normalized types here.
package telegram

import (
	"context"
	"io"
	"time"
)

// AuthState is the observable authentication state of a connection.
type AuthState string

const (
	AuthStateCodeRequired     AuthState = "code_required"
	AuthStatePasswordRequired AuthState = "password_required"
	AuthStateAuthorized       AuthState = "authorized"
)

// DialogInfo describes one dialog visible to the session.
type DialogInfo struct {
	TGDialogID  int64
	AccessHash  int64
	Type        string // user | group | supergroup | channel
	Title       string
	Username    string
	MemberCount int
	Photo       []byte
}

// MediaRef describes downloadable media attached to a message. Location is
// the implementation-specific download handle.
type MediaRef struct {
	FileType string
	MimeType string
	Size     int64
	Width    int
	Height   int
	Duration float64
	FileName string
	Location any
}

// MessageEvent is a normalized message, from either live updates or history.
type MessageEvent struct {
	TGDialogID  int64
	TGMessageID int64
	SenderID    *int64
	Date        time.Time
	Text        string
	ReplyTo     *int64
	GroupedID   *int64
	Views       int
	Forwards    int
	Reactions   map[string]int
	Media       *MediaRef
}

// UserInfo is a normalized participant profile.
type UserInfo struct {
	TGUserID     int64
	AccessHash   int64
	Username     string
	FirstName    string
	LastName     string
	Phone        string
	Bio          string
	IsBot        bool
	IsVerified   bool
	IsPremium    bool
	IsScam       bool
	IsFake       bool
	IsRestricted bool
	IsDeleted    bool
	HasStories   bool
	LastSeen     *time.Time
}

// ParticipantInfo ties a user to a dialog membership.
type ParticipantInfo struct {
	User       UserInfo
	JoinedAt   *time.Time
	IsAdmin    bool
	AdminTitle string
}

// PhotoInfo is one entry of a user's profile photo history.
type PhotoInfo struct {
	TGPhotoID int64
	IsVideo   bool
	Date      time.Time
	Ref       *MediaRef
}

// StoryInfo is one active story of a user.
type StoryInfo struct {
	TGStoryID int64
	ExpiresAt *time.Time
	Views     int
	IsPinned  bool
	Ref       *MediaRef
}

// InvitePreview is the resolved metadata for an invite hash.
type InvitePreview struct {
	Title          string
	About          string
	MemberCount    int
	Photo          []byte
	IsChannel      bool
	RequestNeeded  bool
	AlreadyJoined  bool
	ExistingDialog *DialogInfo
}

// JoinOutcome reports the result of joining an invite.
type JoinOutcome struct {
	Status string // joined | already_joined | request_pending
	Dialog *DialogInfo
}

// EventKind tags a live event.
type EventKind string

const (
	EventNewMessage        EventKind = "new_message"
	EventMessageEdited     EventKind = "message_edited"
	EventMessageDeleted    EventKind = "message_deleted"
	EventParticipantUpdate EventKind = "participant_update"
)

// Event is one live update from the upstream connection.
type Event struct {
	Kind    EventKind
	Message *MessageEvent
	// DialogID is set for deletions and participant updates when the
	// upstream identifies the dialog; zero otherwise.
	DialogID int64
	// Deleted message ids for EventMessageDeleted.
	DeletedIDs []int64
	User       *UserInfo
}

// Critical reports whether the event must not be dropped under backpressure.
func (e Event) Critical() bool {
	return e.Kind == EventNewMessage
}

// Client is the upstream capability bound to one account. Implementations
// own wire framing and authentication; callers serialize access through the
// session actor.
type Client interface {
	// Connect establishes the connection and reports the auth state.
	Connect(ctx context.Context) (AuthState, error)
	// SubmitCode continues a code_required login.
	SubmitCode(ctx context.Context, code string) (AuthState, error)
	// SubmitPassword continues a password_required login.
	SubmitPassword(ctx context.Context, password string) (AuthState, error)
	// Disconnect closes the connection. Safe to call in any state.
	Disconnect() error

	// ListDialogs returns the dialogs visible to the account.
	ListDialogs(ctx context.Context) ([]DialogInfo, error)
	// History returns one page of messages older than fromID (exclusive),
	// newest first. An empty page means the history is exhausted.
	History(ctx context.Context, dialogID, fromID int64, pageSize int) ([]MessageEvent, error)
	// DownloadMedia streams the referenced media into w.
	DownloadMedia(ctx context.Context, ref *MediaRef, w io.Writer) (int64, error)

	// GetUser fetches a full profile.
	GetUser(ctx context.Context, tgUserID int64) (*UserInfo, error)
	// Participants lists members of a group or supergroup.
	Participants(ctx context.Context, dialogID int64) ([]ParticipantInfo, error)
	// ProfilePhotos lists a user's profile photo history.
	ProfilePhotos(ctx context.Context, tgUserID int64) ([]PhotoInfo, error)
	// Stories lists a user's active stories.
	Stories(ctx context.Context, tgUserID int64) ([]StoryInfo, error)

	// ResolveInvite previews an invite hash without joining.
	ResolveInvite(ctx context.Context, hash string) (*InvitePreview, error)
	// JoinInvite joins a chat by invite hash.
	JoinInvite(ctx context.Context, hash string) (*JoinOutcome, error)

	// Events is the live update stream. Closed on disconnect.
	Events() <-chan Event
}

// Dialer constructs a Client for an account. The session manager uses it so
// tests can substitute a scripted fake.
type Dialer func(accountID int64, phone string, proxy *ProxyConfig) (Client, error)

// ProxyConfig mirrors the per-account proxy settings.
type ProxyConfig struct {
	Type     string
	Host     string
	Port     int
	Username string
	Password string
}
