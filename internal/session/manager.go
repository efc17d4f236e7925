package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/osintops/dragnet/internal/events"
	"github.com/osintops/dragnet/internal/faults"
	"github.com/osintops/dragnet/internal/logger"
	"github.com/osintops/dragnet/internal/retry"
	"github.com/osintops/dragnet/internal/storage"
	"github.com/osintops/dragnet/internal/telegram"
)

type managerDeps struct {
	store    storage.Store
	bus      *events.Bus
	log      *logger.Logger
	policy   retry.Policy
	rateMode string
}

// Manager owns one Session per connected account.
type Manager struct {
	deps managerDeps
	dial telegram.Dialer

	mu       sync.Mutex
	sessions map[int64]*Session
}

// Status describes one session for the admin surface.
type Status struct {
	AccountID   int64          `json:"account_id"`
	Phone       string         `json:"phone"`
	Status      string         `json:"status"`
	Rate        RateStatus     `json:"rate"`
	QueueDepths map[string]int `json:"queue_depths"`
}

func NewManager(store storage.Store, dial telegram.Dialer, bus *events.Bus, log *logger.Logger, policy retry.Policy, rateMode string) *Manager {
	return &Manager{
		deps: managerDeps{
			store:    store,
			bus:      bus,
			log:      log.WithComponent("session_manager"),
			policy:   policy,
			rateMode: rateMode,
		},
		dial:     dial,
		sessions: make(map[int64]*Session),
	}
}

func proxyConfig(p *storage.Proxy) *telegram.ProxyConfig {
	if p == nil {
		return nil
	}
	return &telegram.ProxyConfig{
		Type:     p.Type,
		Host:     p.Host,
		Port:     p.Port,
		Username: p.Username,
		Password: p.Password,
	}
}

// Connect dials (or reuses) the session for an account and drives it through
// the auth handshake. The returned status tells the caller what to submit
// next (code, password) or that the session is active.
func (m *Manager) Connect(ctx context.Context, accountID int64) (string, error) {
	account, err := m.deps.store.GetAccount(ctx, accountID)
	if err != nil {
		return "", err
	}
	if account.Status == storage.AccountStatusBanned {
		return account.Status, &faults.SessionBannedError{Cause: account.LastError}
	}

	m.mu.Lock()
	s, ok := m.sessions[accountID]
	if !ok {
		client, err := m.dial(account.ID, account.Phone, proxyConfig(account.Proxy))
		if err != nil {
			m.mu.Unlock()
			return "", fmt.Errorf("dial account %d: %w", accountID, err)
		}
		s = newSession(account, client, m.deps)
		m.sessions[accountID] = s
	}
	m.mu.Unlock()

	return s.Connect(ctx)
}

// SubmitCode continues a pending login on a connected session.
func (m *Manager) SubmitCode(ctx context.Context, accountID int64, code string) (string, error) {
	s, ok := m.Get(accountID)
	if !ok {
		return "", faults.ErrNotFound
	}
	return s.SubmitCode(ctx, code)
}

// SubmitPassword continues a pending 2FA login on a connected session.
func (m *Manager) SubmitPassword(ctx context.Context, accountID int64, password string) (string, error) {
	s, ok := m.Get(accountID)
	if !ok {
		return "", faults.ErrNotFound
	}
	return s.SubmitPassword(ctx, password)
}

// Get returns the live session for an account, if connected.
func (m *Manager) Get(accountID int64) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[accountID]
	return s, ok
}

// Disconnect closes and removes the session for an account.
func (m *Manager) Disconnect(accountID int64) error {
	m.mu.Lock()
	s, ok := m.sessions[accountID]
	delete(m.sessions, accountID)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return s.Close()
}

// Statuses snapshots every live session.
func (m *Manager) Statuses() []Status {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	out := make([]Status, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, Status{
			AccountID:   s.AccountID,
			Phone:       s.Phone,
			Status:      s.Status(),
			Rate:        s.RateStatus(),
			QueueDepths: s.QueueDepths(),
		})
	}
	return out
}

// ActiveSessions returns the sessions currently in the active state.
func (m *Manager) ActiveSessions() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Session
	for _, s := range m.sessions {
		if s.Status() == storage.AccountStatusActive {
			out = append(out, s)
		}
	}
	return out
}

// Shutdown closes every session.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[int64]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		if err := s.Close(); err != nil {
			m.deps.log.Error("failed to close session", "error", err, "account_id", s.AccountID)
		}
	}
}
