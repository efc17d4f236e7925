// Package engine wires the storage, session, capture, and scheduler layers
// into one process and exposes the admin command surface as methods.
package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/osintops/dragnet/internal/backfill"
	"github.com/osintops/dragnet/internal/config"
	"github.com/osintops/dragnet/internal/enrich"
	"github.com/osintops/dragnet/internal/events"
	"github.com/osintops/dragnet/internal/extract"
	"github.com/osintops/dragnet/internal/faults"
	"github.com/osintops/dragnet/internal/invites"
	"github.com/osintops/dragnet/internal/listener"
	"github.com/osintops/dragnet/internal/logger"
	"github.com/osintops/dragnet/internal/media"
	"github.com/osintops/dragnet/internal/registry"
	"github.com/osintops/dragnet/internal/retry"
	"github.com/osintops/dragnet/internal/session"
	"github.com/osintops/dragnet/internal/storage"
	"github.com/osintops/dragnet/internal/telegram"
)

// Engine owns every long-lived component and serializes lifecycle changes.
type Engine struct {
	Store     storage.Store
	Sessions  *session.Manager
	Registry  *registry.Registry
	Bus       *events.Bus
	Extractor *extract.Extractor
	Pipeline  *media.Pipeline
	Backfill  *backfill.Coordinator
	Enrich    *enrich.Service
	Invites   *invites.Service

	log    *logger.Logger
	cfg    *config.Config
	mirror *events.NatsMirror

	mu        sync.Mutex
	listeners map[int64]*listenerRun
	started   bool

	ctx    context.Context
	cancel context.CancelFunc
}

type listenerRun struct {
	l      *listener.Listener
	cancel context.CancelFunc
}

// New assembles the engine from the loaded config. The dialer is injected so
// tests can script the upstream.
func New(store storage.Store, dial telegram.Dialer, log *logger.Logger, cfg *config.Config) (*Engine, error) {
	bus := events.NewBus(cfg.BusSubscriberBuffer, log)

	var mirror *events.NatsMirror
	if cfg.NatsURL != "" {
		m, err := events.NewNatsMirror(cfg.NatsURL, log)
		if err != nil {
			return nil, err
		}
		bus.AttachMirror(m.Handle)
		mirror = m
	}

	extractor, err := extract.New(store, log, extract.Options{
		CacheSize:        cfg.DetectionCacheSize,
		ContextChars:     cfg.DetectionContextChars,
		ValidatePatterns: cfg.DetectionValidatePatterns,
	})
	if err != nil {
		return nil, err
	}

	policy := retry.Policy{
		MaxAttempts: cfg.RPCRetryMaxAttempts,
		BaseDelay:   cfg.RPCRetryDelayBase,
		Jitter:      cfg.RPCRetryJitter,
	}
	manager := session.NewManager(store, dial, bus, log, policy, cfg.RateLimitMode)
	reg := registry.New(store, log)

	pipeline, err := media.NewPipeline(store, manager, bus, log, media.Options{
		Root:               cfg.MediaRoot,
		Workers:            cfg.MediaWorkers,
		DownloadTimeout:    cfg.MediaDownloadTimeout,
		MaxAttempts:        cfg.MediaRetryMaxAttempts,
		RetryInterval:      cfg.MediaRetryInterval,
		RetryBatchSize:     cfg.MediaRetryBatchSize,
		ValidationEnabled:  cfg.MediaValidationEnabled,
		PerceptualDistance: cfg.PerceptualHashDistance,
	})
	if err != nil {
		return nil, err
	}

	coord := backfill.NewCoordinator(store, manager, extractor, bus, pipeline, log, backfill.Options{
		PageSize: cfg.BackfillPageSize,
	})

	enrichSvc := enrich.New(store, manager, log, enrich.Options{
		MemberScrapeInterval: cfg.MemberScrapeInterval,
		ProfilePhotoInterval: cfg.ProfilePhotoInterval,
		StoryScanInterval:    cfg.StoryScanInterval,
		BatchSize:            cfg.EnrichmentBatchSize,
		MediaRoot:            cfg.MediaRoot,
	})

	inviteSvc := invites.New(store, manager, reg, log, invites.Options{
		MaxJoinsPerDay: cfg.AutojoinMaxPerDay,
		JoinDelay:      cfg.AutojoinDelay,
		JoinedDialogOptions: storage.DialogOptions{
			IsMonitoring:    true,
			DownloadMedia:   true,
			BackfillEnabled: true,
		},
	})

	return &Engine{
		Store:     store,
		Sessions:  manager,
		Registry:  reg,
		Bus:       bus,
		Extractor: extractor,
		Pipeline:  pipeline,
		Backfill:  coord,
		Enrich:    enrichSvc,
		Invites:   inviteSvc,
		log:       log.WithComponent("engine"),
		cfg:       cfg,
		mirror:    mirror,
		listeners: make(map[int64]*listenerRun),
	}, nil
}

// Start seeds detectors, launches the background services, and reconnects
// accounts that were authorized before the last shutdown.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.mu.Unlock()

	if err := extract.SeedBuiltins(e.ctx, e.Store); err != nil {
		return fmt.Errorf("seed detectors: %w", err)
	}
	if err := e.Extractor.LoadDetectors(e.ctx); err != nil {
		return fmt.Errorf("load detectors: %w", err)
	}
	if e.cfg.DetectorsFile != "" {
		if err := e.Extractor.LoadYAMLFile(e.ctx, e.cfg.DetectorsFile); err != nil {
			return fmt.Errorf("load detectors file: %w", err)
		}
	}

	e.Pipeline.Start(e.ctx)
	if e.cfg.EnrichmentViaSchedulers {
		e.Enrich.Start(e.ctx)
	}
	e.Invites.Start(e.ctx)

	e.reconnectAuthorized(e.ctx)
	e.log.Info("engine started")
	return nil
}

// reconnectAuthorized re-establishes sessions for accounts that held a valid
// authorization when the process last stopped. Failures are per-account and
// do not block startup.
func (e *Engine) reconnectAuthorized(ctx context.Context) {
	accounts, err := e.Store.ListAccounts(ctx)
	if err != nil {
		e.log.Error("account list failed at startup", "error", err)
		return
	}
	for _, a := range accounts {
		switch a.Status {
		case storage.AccountStatusActive, storage.AccountStatusFloodWait, storage.AccountStatusError:
		default:
			continue
		}
		if _, err := e.ConnectAccount(ctx, a.ID); err != nil {
			e.log.Warn("startup reconnect failed", "account_id", a.ID, "error", err)
		}
	}
}

// Shutdown stops components in dependency order: schedulers first, then the
// capture paths, then the sessions under them, then the mirror.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	cancel := e.cancel
	runs := make([]*listenerRun, 0, len(e.listeners))
	for _, r := range e.listeners {
		runs = append(runs, r)
	}
	e.listeners = make(map[int64]*listenerRun)
	e.mu.Unlock()

	cancel()
	e.Invites.Stop()
	e.Enrich.Stop()
	e.Backfill.Shutdown()
	e.Pipeline.Close()
	for _, r := range runs {
		r.cancel()
		<-r.l.Done()
	}
	e.Sessions.Shutdown()
	if e.mirror != nil {
		e.mirror.Close()
	}
	e.log.Info("engine stopped")
}

// startListener spawns the live listener for a freshly authorized session.
// Idempotent per account.
func (e *Engine) startListener(accountID int64) {
	sess, ok := e.Sessions.Get(accountID)
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return
	}
	if _, exists := e.listeners[accountID]; exists {
		return
	}
	lctx, cancel := context.WithCancel(e.ctx)
	l := listener.New(sess, e.Store, e.Extractor, e.Bus, e.Pipeline, e.log)
	e.listeners[accountID] = &listenerRun{l: l, cancel: cancel}
	go l.Run(lctx)
	e.log.Info("listener started", "account_id", accountID)
}

func (e *Engine) stopListener(accountID int64) {
	e.mu.Lock()
	r, ok := e.listeners[accountID]
	if ok {
		delete(e.listeners, accountID)
	}
	e.mu.Unlock()
	if ok {
		r.cancel()
		<-r.l.Done()
	}
}

// ListenerCount reports how many live listeners are attached.
func (e *Engine) ListenerCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.listeners)
}

// afterAuth reacts to an auth step result: a session that reached active gets
// a listener.
func (e *Engine) afterAuth(accountID int64, status string) {
	if status == storage.AccountStatusActive {
		e.startListener(accountID)
	}
}

// Status is the aggregate operational snapshot.
type Status struct {
	Sessions        []session.Status   `json:"sessions"`
	Backfills       []backfill.Status  `json:"backfills"`
	Jobs            []enrich.JobStatus `json:"jobs"`
	Listeners       int                `json:"listeners"`
	MediaQueueDepth int                `json:"media_queue_depth"`
}

func (e *Engine) Status() Status {
	return Status{
		Sessions:        e.Sessions.Statuses(),
		Backfills:       e.Backfill.Statuses(),
		Jobs:            e.Enrich.Status(),
		Listeners:       e.ListenerCount(),
		MediaQueueDepth: e.Pipeline.QueueDepth(),
	}
}

// --- Accounts ---

func (e *Engine) CreateAccount(ctx context.Context, phone string, proxy *storage.Proxy) (*storage.Account, error) {
	if phone == "" {
		return nil, &faults.ValidationFailedError{What: "phone is required"}
	}
	return e.Store.CreateAccount(ctx, phone, proxy)
}

// DeleteAccount tears down the live session first so no capture path holds a
// reference to the removed account.
func (e *Engine) DeleteAccount(ctx context.Context, accountID int64) error {
	e.stopListener(accountID)
	if err := e.Sessions.Disconnect(accountID); err != nil {
		e.log.Warn("disconnect during delete", "account_id", accountID, "error", err)
	}
	return e.Store.DeleteAccount(ctx, accountID)
}

func (e *Engine) ConnectAccount(ctx context.Context, accountID int64) (string, error) {
	status, err := e.Sessions.Connect(ctx, accountID)
	if err != nil {
		return status, err
	}
	e.afterAuth(accountID, status)
	return status, nil
}

func (e *Engine) SubmitCode(ctx context.Context, accountID int64, code string) (string, error) {
	status, err := e.Sessions.SubmitCode(ctx, accountID, code)
	if err != nil {
		return status, err
	}
	e.afterAuth(accountID, status)
	return status, nil
}

func (e *Engine) SubmitPassword(ctx context.Context, accountID int64, password string) (string, error) {
	status, err := e.Sessions.SubmitPassword(ctx, accountID, password)
	if err != nil {
		return status, err
	}
	e.afterAuth(accountID, status)
	return status, nil
}

func (e *Engine) DisconnectAccount(accountID int64) error {
	e.stopListener(accountID)
	return e.Sessions.Disconnect(accountID)
}

func (e *Engine) ListAccounts(ctx context.Context) ([]*storage.Account, error) {
	return e.Store.ListAccounts(ctx)
}

// AccountWithDialogs pairs an account with the dialogs it owns.
type AccountWithDialogs struct {
	Account *storage.Account  `json:"account"`
	Dialogs []*storage.Dialog `json:"dialogs"`
}

func (e *Engine) ListAccountsWithDialogs(ctx context.Context) ([]*AccountWithDialogs, error) {
	accounts, err := e.Store.ListAccounts(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*AccountWithDialogs, 0, len(accounts))
	for _, a := range accounts {
		dialogs, err := e.Store.ListDialogs(ctx, storage.DialogFilter{AccountID: &a.ID})
		if err != nil {
			return nil, err
		}
		out = append(out, &AccountWithDialogs{Account: a, Dialogs: dialogs})
	}
	return out, nil
}

// --- Dialogs ---

// AvailableDialogs lists the upstream dialog list of a connected account.
func (e *Engine) AvailableDialogs(ctx context.Context, accountID int64) ([]telegram.DialogInfo, error) {
	sess, ok := e.Sessions.Get(accountID)
	if !ok {
		return nil, fmt.Errorf("account %d has no live session: %w", accountID, faults.ErrNotFound)
	}
	return sess.ListDialogs(ctx)
}

// AddDialogs registers the selected upstream dialogs under the account.
func (e *Engine) AddDialogs(ctx context.Context, accountID int64, tgDialogIDs []int64, opts storage.DialogOptions) ([]*storage.Dialog, error) {
	if len(tgDialogIDs) == 0 {
		return nil, &faults.ValidationFailedError{What: "no dialog ids given"}
	}
	available, err := e.AvailableDialogs(ctx, accountID)
	if err != nil {
		return nil, err
	}
	wanted := make(map[int64]bool, len(tgDialogIDs))
	for _, id := range tgDialogIDs {
		wanted[id] = true
	}
	selected := make([]telegram.DialogInfo, 0, len(tgDialogIDs))
	for _, info := range available {
		if wanted[info.TGDialogID] {
			selected = append(selected, info)
			delete(wanted, info.TGDialogID)
		}
	}
	if len(wanted) > 0 {
		for id := range wanted {
			return nil, &faults.ValidationFailedError{What: fmt.Sprintf("dialog %d not in account's dialog list", id)}
		}
	}
	return e.Registry.AddDialogs(ctx, accountID, selected, opts)
}

func (e *Engine) ListDialogs(ctx context.Context, f storage.DialogFilter) ([]*storage.Dialog, error) {
	return e.Store.ListDialogs(ctx, f)
}

func (e *Engine) GetDialog(ctx context.Context, dialogID int64) (*storage.Dialog, error) {
	return e.Store.GetDialog(ctx, dialogID)
}

func (e *Engine) AssignDialog(ctx context.Context, dialogID, accountID int64) error {
	return e.Registry.Assign(ctx, dialogID, accountID)
}

func (e *Engine) ReassignDialog(ctx context.Context, dialogID, accountID int64) error {
	return e.Registry.Reassign(ctx, dialogID, accountID)
}

func (e *Engine) UnassignDialog(ctx context.Context, dialogID int64) error {
	e.Backfill.Stop(dialogID)
	return e.Registry.Unassign(ctx, dialogID)
}

func (e *Engine) PauseDialog(ctx context.Context, dialogID int64) error {
	return e.Registry.Pause(ctx, dialogID)
}

func (e *Engine) ResumeDialog(ctx context.Context, dialogID int64) error {
	return e.Registry.Resume(ctx, dialogID)
}

func (e *Engine) SetDialogOptions(ctx context.Context, dialogID int64, opts storage.DialogOptions) error {
	return e.Registry.SetOptions(ctx, dialogID, opts)
}

func (e *Engine) ToggleMonitoring(ctx context.Context, dialogID int64) (bool, error) {
	return e.Registry.ToggleMonitoring(ctx, dialogID)
}

// --- Backfill ---

func (e *Engine) StartBackfill(ctx context.Context, dialogID int64) error {
	return e.Backfill.Start(ctx, dialogID)
}

func (e *Engine) StopBackfill(dialogID int64) {
	e.Backfill.Stop(dialogID)
}

func (e *Engine) BackfillStatus(dialogID int64) backfill.Status {
	return e.Backfill.Status(dialogID)
}

// --- Invites ---

func (e *Engine) SubmitInvite(ctx context.Context, link string, sourceGroup, sourceUser *int64) (*storage.Invite, error) {
	return e.Invites.Submit(ctx, link, sourceGroup, sourceUser)
}

func (e *Engine) ResolveInvite(ctx context.Context, inviteID int64) (*storage.Invite, error) {
	return e.Invites.Resolve(ctx, inviteID)
}

// JoinInvite joins with the named account, or under the rotation policy when
// accountID is zero.
func (e *Engine) JoinInvite(ctx context.Context, inviteID, accountID int64) (*storage.Invite, error) {
	if accountID == 0 {
		return e.Invites.JoinNext(ctx, inviteID)
	}
	return e.Invites.Join(ctx, inviteID, accountID)
}

func (e *Engine) DeleteInvite(ctx context.Context, inviteID int64) error {
	return e.Store.DeleteInvite(ctx, inviteID)
}

func (e *Engine) ListInvites(ctx context.Context, status string) ([]*storage.Invite, error) {
	return e.Store.ListInvites(ctx, status)
}

func (e *Engine) AutojoinEnabled(ctx context.Context) (bool, error) {
	v, err := e.Store.GetSetting(ctx, invites.SettingAutojoinEnabled)
	if err != nil {
		if faults.KindOf(err) == faults.KindNotFound {
			return false, nil
		}
		return false, err
	}
	return v == "true", nil
}

func (e *Engine) SetAutojoinEnabled(ctx context.Context, enabled bool) error {
	v := "false"
	if enabled {
		v = "true"
	}
	return e.Store.SetSetting(ctx, invites.SettingAutojoinEnabled, v)
}

// --- Schedulers ---

func (e *Engine) RunJob(ctx context.Context, name string) error {
	return e.Enrich.RunNow(ctx, name)
}

func (e *Engine) JobStatuses() []enrich.JobStatus {
	return e.Enrich.Status()
}

// --- Search ---

func (e *Engine) Search(ctx context.Context, query string, f storage.SearchFilters, limit int) ([]*storage.SearchHit, error) {
	if query == "" {
		return nil, &faults.ValidationFailedError{What: "empty search query"}
	}
	if limit <= 0 {
		limit = 50
	}
	return e.Store.Search(ctx, query, f, limit)
}

// --- Detectors ---

func (e *Engine) ListDetectors(ctx context.Context, activeOnly bool) ([]*storage.Detector, error) {
	return e.Store.ListDetectors(ctx, activeOnly)
}

func (e *Engine) AddDetector(ctx context.Context, d *storage.Detector) error {
	return e.Extractor.AddDetector(ctx, d)
}

// SetDetectorActive flips a detector and reloads the compiled set.
func (e *Engine) SetDetectorActive(ctx context.Context, id int64, active bool) error {
	if err := e.Store.SetDetectorActive(ctx, id, active); err != nil {
		return err
	}
	return e.Extractor.LoadDetectors(ctx)
}

// --- Users ---

func (e *Engine) ListUsers(ctx context.Context, offset, limit int) ([]*storage.User, error) {
	if limit <= 0 {
		limit = 50
	}
	return e.Store.ListUsers(ctx, offset, limit)
}

func (e *Engine) IdentityChanges(ctx context.Context, userID int64) ([]*storage.IdentityChange, error) {
	return e.Store.ListIdentityChanges(ctx, userID)
}

// --- Media administration ---

// ResetMediaRetries re-queues failed media rows past their attempt budget.
// The rows become eligible for the next retry sweep.
func (e *Engine) ResetMediaRetries(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return &faults.ValidationFailedError{What: "no media ids given"}
	}
	return e.Store.ResetMediaRetries(ctx, ids)
}
