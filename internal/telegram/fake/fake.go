// Package fake provides a scriptable telegram.Client for tests. Behavior is
// set through function fields; unset operations return zero values. Every
// call is recorded.
package fake

import (
	"context"
	"io"
	"sync"

	"github.com/osintops/dragnet/internal/telegram"
)

// Dialer returns a telegram.Dialer that always hands out the given client.
func Dialer(c *Client) telegram.Dialer {
	return func(accountID int64, phone string, proxy *telegram.ProxyConfig) (telegram.Client, error) {
		c.AccountID = accountID
		c.Phone = phone
		return c, nil
	}
}

type Client struct {
	AccountID int64
	Phone     string

	ConnectFunc        func(ctx context.Context) (telegram.AuthState, error)
	SubmitCodeFunc     func(ctx context.Context, code string) (telegram.AuthState, error)
	SubmitPasswordFunc func(ctx context.Context, password string) (telegram.AuthState, error)
	ListDialogsFunc    func(ctx context.Context) ([]telegram.DialogInfo, error)
	HistoryFunc        func(ctx context.Context, dialogID, fromID int64, pageSize int) ([]telegram.MessageEvent, error)
	DownloadMediaFunc  func(ctx context.Context, ref *telegram.MediaRef, w io.Writer) (int64, error)
	GetUserFunc        func(ctx context.Context, tgUserID int64) (*telegram.UserInfo, error)
	ParticipantsFunc   func(ctx context.Context, dialogID int64) ([]telegram.ParticipantInfo, error)
	ProfilePhotosFunc  func(ctx context.Context, tgUserID int64) ([]telegram.PhotoInfo, error)
	StoriesFunc        func(ctx context.Context, tgUserID int64) ([]telegram.StoryInfo, error)
	ResolveInviteFunc  func(ctx context.Context, hash string) (*telegram.InvitePreview, error)
	JoinInviteFunc     func(ctx context.Context, hash string) (*telegram.JoinOutcome, error)

	EventCh chan telegram.Event

	mu    sync.Mutex
	calls []string
}

var _ telegram.Client = (*Client)(nil)

func New() *Client {
	return &Client{EventCh: make(chan telegram.Event, 64)}
}

func (c *Client) record(name string) {
	c.mu.Lock()
	c.calls = append(c.calls, name)
	c.mu.Unlock()
}

// Calls returns the recorded operation names in order.
func (c *Client) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.calls))
	copy(out, c.calls)
	return out
}

// Emit pushes a live event into the fake's stream.
func (c *Client) Emit(ev telegram.Event) {
	c.EventCh <- ev
}

func (c *Client) Connect(ctx context.Context) (telegram.AuthState, error) {
	c.record("connect")
	if c.ConnectFunc != nil {
		return c.ConnectFunc(ctx)
	}
	return telegram.AuthStateAuthorized, nil
}

func (c *Client) SubmitCode(ctx context.Context, code string) (telegram.AuthState, error) {
	c.record("submit_code")
	if c.SubmitCodeFunc != nil {
		return c.SubmitCodeFunc(ctx, code)
	}
	return telegram.AuthStateAuthorized, nil
}

func (c *Client) SubmitPassword(ctx context.Context, password string) (telegram.AuthState, error) {
	c.record("submit_password")
	if c.SubmitPasswordFunc != nil {
		return c.SubmitPasswordFunc(ctx, password)
	}
	return telegram.AuthStateAuthorized, nil
}

func (c *Client) Disconnect() error {
	c.record("disconnect")
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.EventCh != nil {
		close(c.EventCh)
		c.EventCh = nil
	}
	return nil
}

func (c *Client) ListDialogs(ctx context.Context) ([]telegram.DialogInfo, error) {
	c.record("list_dialogs")
	if c.ListDialogsFunc != nil {
		return c.ListDialogsFunc(ctx)
	}
	return nil, nil
}

func (c *Client) History(ctx context.Context, dialogID, fromID int64, pageSize int) ([]telegram.MessageEvent, error) {
	c.record("history")
	if c.HistoryFunc != nil {
		return c.HistoryFunc(ctx, dialogID, fromID, pageSize)
	}
	return nil, nil
}

func (c *Client) DownloadMedia(ctx context.Context, ref *telegram.MediaRef, w io.Writer) (int64, error) {
	c.record("download_media")
	if c.DownloadMediaFunc != nil {
		return c.DownloadMediaFunc(ctx, ref, w)
	}
	return 0, nil
}

func (c *Client) GetUser(ctx context.Context, tgUserID int64) (*telegram.UserInfo, error) {
	c.record("get_user")
	if c.GetUserFunc != nil {
		return c.GetUserFunc(ctx, tgUserID)
	}
	return &telegram.UserInfo{TGUserID: tgUserID}, nil
}

func (c *Client) Participants(ctx context.Context, dialogID int64) ([]telegram.ParticipantInfo, error) {
	c.record("participants")
	if c.ParticipantsFunc != nil {
		return c.ParticipantsFunc(ctx, dialogID)
	}
	return nil, nil
}

func (c *Client) ProfilePhotos(ctx context.Context, tgUserID int64) ([]telegram.PhotoInfo, error) {
	c.record("profile_photos")
	if c.ProfilePhotosFunc != nil {
		return c.ProfilePhotosFunc(ctx, tgUserID)
	}
	return nil, nil
}

func (c *Client) Stories(ctx context.Context, tgUserID int64) ([]telegram.StoryInfo, error) {
	c.record("stories")
	if c.StoriesFunc != nil {
		return c.StoriesFunc(ctx, tgUserID)
	}
	return nil, nil
}

func (c *Client) ResolveInvite(ctx context.Context, hash string) (*telegram.InvitePreview, error) {
	c.record("resolve_invite")
	if c.ResolveInviteFunc != nil {
		return c.ResolveInviteFunc(ctx, hash)
	}
	return &telegram.InvitePreview{}, nil
}

func (c *Client) JoinInvite(ctx context.Context, hash string) (*telegram.JoinOutcome, error) {
	c.record("join_invite")
	if c.JoinInviteFunc != nil {
		return c.JoinInviteFunc(ctx, hash)
	}
	return &telegram.JoinOutcome{Status: "joined"}, nil
}

func (c *Client) Events() <-chan telegram.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.EventCh
}
