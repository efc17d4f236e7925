// Package backfill walks dialog history backwards through the owning session
// and commits it page by page. The persisted frontier makes runs resumable:
// a restart continues from the lowest message id already ingested.
package backfill

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/osintops/dragnet/internal/events"
	"github.com/osintops/dragnet/internal/extract"
	"github.com/osintops/dragnet/internal/faults"
	"github.com/osintops/dragnet/internal/logger"
	"github.com/osintops/dragnet/internal/metrics"
	"github.com/osintops/dragnet/internal/session"
	"github.com/osintops/dragnet/internal/storage"
	"github.com/osintops/dragnet/internal/telegram"
)

// Sessions resolves the live session owning an account. Satisfied by the
// session manager.
type Sessions interface {
	Get(accountID int64) (*session.Session, bool)
}

// Enqueuer accepts queued media rows discovered during backfill.
type Enqueuer interface {
	Enqueue(mediaID, accountID, dialogID int64, ref *telegram.MediaRef, pri session.Priority)
}

// Options tune the coordinator.
type Options struct {
	PageSize    int
	MaxFailures int
	// PagePause separates consecutive pages; the rate budget does the real
	// throttling, this keeps a long backfill polite.
	PagePause time.Duration
}

// Status is a point-in-time snapshot of one dialog's backfill.
type Status struct {
	DialogID  int64  `json:"dialog_id"`
	Running   bool   `json:"running"`
	Cursor    int64  `json:"cursor"`
	Pages     int    `json:"pages"`
	Inserted  int    `json:"inserted"`
	Done      bool   `json:"done"`
	LastError string `json:"last_error,omitempty"`
}

type run struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	cursor   int64
	pages    int
	inserted int
	finished bool
	lastErr  string
}

func (r *run) snapshot(dialogID int64) Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	running := true
	select {
	case <-r.done:
		running = false
	default:
	}
	return Status{
		DialogID:  dialogID,
		Running:   running,
		Cursor:    r.cursor,
		Pages:     r.pages,
		Inserted:  r.inserted,
		Done:      r.finished,
		LastError: r.lastErr,
	}
}

// Coordinator owns one backfill run per dialog.
type Coordinator struct {
	store     storage.Store
	sessions  Sessions
	extractor *extract.Extractor
	bus       *events.Bus
	media     Enqueuer
	log       *logger.Logger
	opts      Options

	mu   sync.Mutex
	runs map[int64]*run
}

func NewCoordinator(store storage.Store, sessions Sessions, extractor *extract.Extractor, bus *events.Bus, media Enqueuer, log *logger.Logger, opts Options) *Coordinator {
	if opts.PageSize <= 0 {
		opts.PageSize = 100
	}
	if opts.MaxFailures <= 0 {
		opts.MaxFailures = 3
	}
	return &Coordinator{
		store:     store,
		sessions:  sessions,
		extractor: extractor,
		bus:       bus,
		media:     media,
		log:       log.WithComponent("backfill"),
		opts:      opts,
		runs:      make(map[int64]*run),
	}
}

// Start launches a backfill for the dialog. Starting an already-running
// dialog is a no-op.
func (c *Coordinator) Start(ctx context.Context, dialogID int64) error {
	dialog, err := c.store.GetDialog(ctx, dialogID)
	if err != nil {
		return err
	}
	if dialog.AccountID == nil {
		return &faults.ValidationFailedError{What: "dialog has no assigned account"}
	}
	if !dialog.Options.BackfillEnabled {
		return &faults.ValidationFailedError{What: "backfill disabled for dialog"}
	}
	sess, ok := c.sessions.Get(*dialog.AccountID)
	if !ok {
		return fmt.Errorf("no live session for account %d: %w", *dialog.AccountID, faults.ErrNotFound)
	}

	c.mu.Lock()
	if r, ok := c.runs[dialogID]; ok {
		select {
		case <-r.done:
			// finished, replaceable
		default:
			c.mu.Unlock()
			return nil
		}
	}
	runCtx, cancel := context.WithCancel(ctx)
	r := &run{cancel: cancel, done: make(chan struct{}), cursor: dialog.BackfillFrontier}
	c.runs[dialogID] = r
	c.mu.Unlock()

	if err := c.store.UpdateDialogStatus(ctx, dialogID, storage.DialogStatusBackfilling, ""); err != nil {
		c.log.Error("dialog status update failed", "error", err, "dialog_id", dialogID)
	}

	go c.loop(runCtx, r, dialog, sess)
	return nil
}

// Stop requests a running backfill to halt after the current page.
func (c *Coordinator) Stop(dialogID int64) {
	c.mu.Lock()
	r, ok := c.runs[dialogID]
	c.mu.Unlock()
	if ok {
		r.cancel()
	}
}

// Wait blocks until the dialog's run exits. Mostly a test convenience.
func (c *Coordinator) Wait(dialogID int64) {
	c.mu.Lock()
	r, ok := c.runs[dialogID]
	c.mu.Unlock()
	if ok {
		<-r.done
	}
}

// Status reports the dialog's run state, or a zero snapshot if none ran.
func (c *Coordinator) Status(dialogID int64) Status {
	c.mu.Lock()
	r, ok := c.runs[dialogID]
	c.mu.Unlock()
	if !ok {
		return Status{DialogID: dialogID}
	}
	return r.snapshot(dialogID)
}

// Statuses lists every tracked run.
func (c *Coordinator) Statuses() []Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Status, 0, len(c.runs))
	for id, r := range c.runs {
		out = append(out, r.snapshot(id))
	}
	return out
}

// Shutdown cancels all runs and waits for them to exit.
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	runs := make([]*run, 0, len(c.runs))
	for _, r := range c.runs {
		runs = append(runs, r)
	}
	c.mu.Unlock()
	for _, r := range runs {
		r.cancel()
	}
	for _, r := range runs {
		<-r.done
	}
}

func (c *Coordinator) loop(ctx context.Context, r *run, dialog *storage.Dialog, sess *session.Session) {
	defer close(r.done)
	defer r.cancel()

	log := c.log.WithFields(map[string]interface{}{
		"dialog_id":    dialog.ID,
		"tg_dialog_id": dialog.TGDialogID,
	})
	log.Info("backfill started", "cursor", r.cursor)

	failures := 0
	for {
		if ctx.Err() != nil {
			log.Info("backfill stopped", "cursor", r.cursor)
			c.restoreStatus(ctx, dialog.ID)
			return
		}

		r.mu.Lock()
		cursor := r.cursor
		r.mu.Unlock()

		page, err := sess.History(ctx, dialog.TGDialogID, cursor, c.opts.PageSize)
		if err != nil {
			if ctx.Err() != nil {
				c.restoreStatus(ctx, dialog.ID)
				return
			}
			failures++
			kind := faults.KindOf(err)
			terminal := kind == faults.KindSessionBanned ||
				kind == faults.KindPermanent ||
				kind == faults.KindPermissionDenied ||
				failures >= c.opts.MaxFailures
			log.Error("history page failed", "error", err, "failures", failures, "terminal", terminal)
			if terminal {
				c.fail(ctx, r, dialog, err)
				return
			}
			continue
		}
		failures = 0

		if len(page) == 0 {
			c.finish(ctx, r, dialog)
			return
		}

		inserted, low := c.ingestPage(ctx, dialog, page)

		r.mu.Lock()
		r.cursor = low
		r.pages++
		r.inserted += inserted
		pages, total := r.pages, r.inserted
		r.mu.Unlock()

		if err := c.store.UpdateBackfillFrontier(ctx, dialog.ID, low); err != nil {
			log.Error("frontier update failed", "error", err, "frontier", low)
		}
		metrics.BackfillPages.Inc()
		if inserted > 0 {
			metrics.MessagesIngested.WithLabelValues("backfill").Add(float64(inserted))
			if err := c.store.BumpAccountCounters(ctx, *dialog.AccountID, int64(inserted), 0); err != nil {
				log.Error("counter bump failed", "error", err)
			}
		}
		c.bus.Publish(events.ChannelBackfill, events.TypeBackfillProgress, events.BackfillPayload{
			DialogID: dialog.ID,
			Cursor:   low,
			Pages:    pages,
			Inserted: total,
		})

		if c.opts.PagePause > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(c.opts.PagePause):
			}
		}
	}
}

// ingestPage commits one history page. Messages carrying media or detections
// go through the transactional ingest so their side rows land atomically;
// plain text is batched. Returns inserted count and the lowest message id.
func (c *Coordinator) ingestPage(ctx context.Context, dialog *storage.Dialog, page []telegram.MessageEvent) (int, int64) {
	low := page[0].TGMessageID
	inserted := 0
	var batch []*storage.Message

	for i := range page {
		msg := &page[i]
		if msg.TGMessageID < low {
			low = msg.TGMessageID
		}

		row := &storage.Message{
			DialogID:    dialog.ID,
			TGMessageID: msg.TGMessageID,
			SenderID:    msg.SenderID,
			Date:        msg.Date,
			Text:        msg.Text,
			ReplyTo:     msg.ReplyTo,
			GroupedID:   msg.GroupedID,
			Views:       msg.Views,
			Forwards:    msg.Forwards,
			Reactions:   msg.Reactions,
		}
		if msg.Media != nil {
			row.MediaType = msg.Media.FileType
		}

		detections := c.extractor.Detections(0, msg.Text)
		wantMedia := msg.Media != nil && dialog.Options.DownloadMedia

		if !wantMedia && len(detections) == 0 {
			batch = append(batch, row)
			continue
		}

		var media *storage.MediaFile
		if wantMedia {
			media = &storage.MediaFile{
				FileType:         msg.Media.FileType,
				MimeType:         msg.Media.MimeType,
				FileSize:         msg.Media.Size,
				Width:            msg.Media.Width,
				Height:           msg.Media.Height,
				Duration:         msg.Media.Duration,
				ValidationStatus: storage.ValidationPending,
				ProcessingStatus: storage.ProcessingQueued,
			}
		}
		res, err := c.store.IngestMessage(ctx, row, media, detections)
		if err != nil {
			c.log.Error("backfill ingest failed", "error", err,
				"dialog_id", dialog.ID, "tg_message_id", msg.TGMessageID)
			continue
		}
		if res.Inserted {
			inserted++
		}
		for j := 0; j < res.Detections; j++ {
			metrics.DetectionsExtracted.WithLabelValues(detections[j].DetectionType).Inc()
		}
		if res.MediaID != 0 && res.Inserted && c.media != nil {
			c.media.Enqueue(res.MediaID, *dialog.AccountID, dialog.ID, msg.Media, session.PriorityBackfill)
		}
	}

	if len(batch) > 0 {
		n, err := c.store.UpsertMessages(ctx, batch)
		if err != nil {
			c.log.Error("backfill batch failed", "error", err, "dialog_id", dialog.ID)
		} else {
			inserted += n
		}
	}
	return inserted, low
}

func (c *Coordinator) finish(ctx context.Context, r *run, dialog *storage.Dialog) {
	r.mu.Lock()
	r.finished = true
	cursor, pages, total := r.cursor, r.pages, r.inserted
	r.mu.Unlock()
	c.bus.Publish(events.ChannelBackfill, events.TypeBackfillProgress, events.BackfillPayload{
		DialogID: dialog.ID,
		Cursor:   cursor,
		Pages:    pages,
		Inserted: total,
		Done:     true,
	})
	c.log.Info("backfill complete",
		"dialog_id", dialog.ID, "pages", pages, "inserted", total)
	c.restoreStatus(ctx, dialog.ID)
}

// restoreStatus flips the dialog back to active after a run, unless something
// else already moved it. A terminal failure sets error and keeps it.
func (c *Coordinator) restoreStatus(ctx context.Context, dialogID int64) {
	ctx = context.WithoutCancel(ctx)
	d, err := c.store.GetDialog(ctx, dialogID)
	if err != nil {
		c.log.Error("dialog lookup failed", "error", err, "dialog_id", dialogID)
		return
	}
	if d.Status != storage.DialogStatusBackfilling {
		return
	}
	if err := c.store.UpdateDialogStatus(ctx, dialogID, storage.DialogStatusActive, ""); err != nil {
		c.log.Error("dialog status update failed", "error", err, "dialog_id", dialogID)
	}
}

func (c *Coordinator) fail(ctx context.Context, r *run, dialog *storage.Dialog, err error) {
	r.mu.Lock()
	r.lastErr = err.Error()
	cursor, pages, total := r.cursor, r.pages, r.inserted
	r.mu.Unlock()
	if uerr := c.store.UpdateDialogStatus(ctx, dialog.ID, storage.DialogStatusError, err.Error()); uerr != nil {
		c.log.Error("dialog status update failed", "error", uerr, "dialog_id", dialog.ID)
	}
	c.bus.Publish(events.ChannelBackfill, events.TypeBackfillProgress, events.BackfillPayload{
		DialogID: dialog.ID,
		Cursor:   cursor,
		Pages:    pages,
		Inserted: total,
		Error:    err.Error(),
	})
}
