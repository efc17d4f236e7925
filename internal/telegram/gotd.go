package telegram

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/tg"

	"github.com/osintops/dragnet/internal/faults"
	"github.com/osintops/dragnet/internal/logger"
)

// GotdOptions configures the gotd-backed client factory.
type GotdOptions struct {
	APIID       int
	APIHash     string
	SessionRoot string
	EventBuffer int
	Logger      *logger.Logger
}

// NewGotdDialer returns a Dialer producing gotd-backed clients. Session blobs
// are stored under <session_root>/<account_id>.session.
func NewGotdDialer(opts GotdOptions) Dialer {
	return func(accountID int64, phone string, proxy *ProxyConfig) (Client, error) {
		if opts.APIID == 0 || opts.APIHash == "" {
			return nil, errors.New("telegram api credentials not configured")
		}
		buffer := opts.EventBuffer
		if buffer <= 0 {
			buffer = 1024
		}
		c := &gotdClient{
			accountID:  accountID,
			phone:      phone,
			proxy:      proxy,
			opts:       opts,
			events:     make(chan Event, buffer),
			userHashes: make(map[int64]int64),
			chanHashes: make(map[int64]int64),
			log:        opts.Logger.WithComponent("gotd").WithFields(map[string]interface{}{"account_id": accountID}),
		}
		return c, nil
	}
}

var _ Client = (*gotdClient)(nil)

type gotdClient struct {
	accountID int64
	phone     string
	proxy     *ProxyConfig
	opts      GotdOptions
	log       *logger.Logger

	client *telegram.Client
	api    *tg.Client

	runCancel context.CancelFunc
	runDone   chan error

	// phone code hash from SendCode, needed by SubmitCode.
	codeHash string

	events chan Event

	mu         sync.Mutex
	userHashes map[int64]int64
	chanHashes map[int64]int64
}

func (c *gotdClient) sessionPath() string {
	return filepath.Join(c.opts.SessionRoot, fmt.Sprintf("%d.session", c.accountID))
}

// Connect spins up the gotd run loop and reports the resulting auth state.
func (c *gotdClient) Connect(ctx context.Context) (AuthState, error) {
	dispatcher := tg.NewUpdateDispatcher()
	c.registerHandlers(&dispatcher)

	options := telegram.Options{
		SessionStorage: &telegram.FileSessionStorage{Path: c.sessionPath()},
		UpdateHandler:  dispatcher,
	}
	if c.proxy != nil {
		resolver, err := proxyResolver(c.proxy)
		if err != nil {
			return "", &faults.PermanentError{Cause: err}
		}
		options.Resolver = resolver
	}

	c.client = telegram.NewClient(c.opts.APIID, c.opts.APIHash, options)

	runCtx, cancel := context.WithCancel(context.Background())
	c.runCancel = cancel
	c.runDone = make(chan error, 1)

	ready := make(chan struct{})
	go func() {
		err := c.client.Run(runCtx, func(ctx context.Context) error {
			close(ready)
			<-ctx.Done()
			return ctx.Err()
		})
		c.runDone <- err
		close(c.events)
	}()

	select {
	case <-ready:
	case err := <-c.runDone:
		return "", ClassifyError(err)
	case <-ctx.Done():
		cancel()
		return "", ctx.Err()
	}

	c.api = c.client.API()

	status, err := c.client.Auth().Status(ctx)
	if err != nil {
		return "", ClassifyError(err)
	}
	if status.Authorized {
		return AuthStateAuthorized, nil
	}

	sent, err := c.client.Auth().SendCode(ctx, c.phone, auth.SendCodeOptions{})
	if err != nil {
		return "", ClassifyError(err)
	}
	switch s := sent.(type) {
	case *tg.AuthSentCode:
		c.codeHash = s.PhoneCodeHash
		return AuthStateCodeRequired, nil
	case *tg.AuthSentCodeSuccess:
		return AuthStateAuthorized, nil
	default:
		return "", fmt.Errorf("unexpected sent code type: %T", sent)
	}
}

func (c *gotdClient) SubmitCode(ctx context.Context, code string) (AuthState, error) {
	_, err := c.client.Auth().SignIn(ctx, c.phone, code, c.codeHash)
	if errors.Is(err, auth.ErrPasswordAuthNeeded) {
		return AuthStatePasswordRequired, nil
	}
	if err != nil {
		return "", ClassifyError(err)
	}
	return AuthStateAuthorized, nil
}

func (c *gotdClient) SubmitPassword(ctx context.Context, password string) (AuthState, error) {
	_, err := c.client.Auth().Password(ctx, password)
	if err != nil {
		return "", ClassifyError(err)
	}
	return AuthStateAuthorized, nil
}

func (c *gotdClient) Disconnect() error {
	if c.runCancel != nil {
		c.runCancel()
		err := <-c.runDone
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	}
	return nil
}

func (c *gotdClient) Events() <-chan Event {
	return c.events
}

// rememberUser caches a user access hash for later input peer construction.
func (c *gotdClient) rememberUser(id, accessHash int64) {
	c.mu.Lock()
	c.userHashes[id] = accessHash
	c.mu.Unlock()
}

func (c *gotdClient) rememberChannel(id, accessHash int64) {
	c.mu.Lock()
	c.chanHashes[id] = accessHash
	c.mu.Unlock()
}

func (c *gotdClient) userHash(id int64) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.userHashes[id]
	return h, ok
}

func (c *gotdClient) channelHash(id int64) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.chanHashes[id]
	return h, ok
}

// inputPeer builds an input peer for a dialog id, refreshing the dialog list
// once when the access hash is unknown.
func (c *gotdClient) inputPeer(ctx context.Context, dialogID int64) (tg.InputPeerClass, error) {
	if h, ok := c.channelHash(dialogID); ok {
		return &tg.InputPeerChannel{ChannelID: dialogID, AccessHash: h}, nil
	}
	if h, ok := c.userHash(dialogID); ok {
		return &tg.InputPeerUser{UserID: dialogID, AccessHash: h}, nil
	}
	// Plain chats need no access hash; try the dialog list before giving up.
	if _, err := c.ListDialogs(ctx); err == nil {
		if h, ok := c.channelHash(dialogID); ok {
			return &tg.InputPeerChannel{ChannelID: dialogID, AccessHash: h}, nil
		}
		if h, ok := c.userHash(dialogID); ok {
			return &tg.InputPeerUser{UserID: dialogID, AccessHash: h}, nil
		}
	}
	return &tg.InputPeerChat{ChatID: dialogID}, nil
}
