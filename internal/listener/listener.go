// Package listener consumes a session's live event stream and turns message
// events into committed rows plus bus events. One listener per session; dialog
// processing is FIFO because the stream itself is.
package listener

import (
	"context"
	"errors"

	"github.com/osintops/dragnet/internal/events"
	"github.com/osintops/dragnet/internal/extract"
	"github.com/osintops/dragnet/internal/faults"
	"github.com/osintops/dragnet/internal/logger"
	"github.com/osintops/dragnet/internal/metrics"
	"github.com/osintops/dragnet/internal/session"
	"github.com/osintops/dragnet/internal/storage"
	"github.com/osintops/dragnet/internal/telegram"
)

// MediaEnqueuer accepts a queued media row for download.
type MediaEnqueuer interface {
	Enqueue(mediaID, accountID, dialogID int64, ref *telegram.MediaRef, pri session.Priority)
}

// Listener drains one session's live events.
type Listener struct {
	accountID int64
	sess      *session.Session
	store     storage.Store
	extractor *extract.Extractor
	bus       *events.Bus
	media     MediaEnqueuer
	log       *logger.Logger

	done chan struct{}
}

func New(sess *session.Session, store storage.Store, extractor *extract.Extractor, bus *events.Bus, media MediaEnqueuer, log *logger.Logger) *Listener {
	return &Listener{
		accountID: sess.AccountID,
		sess:      sess,
		store:     store,
		extractor: extractor,
		bus:       bus,
		media:     media,
		log: log.WithComponent("listener").WithFields(map[string]interface{}{
			"account_id": sess.AccountID,
		}),
		done: make(chan struct{}),
	}
}

// Run consumes events until the stream closes or ctx is canceled.
func (l *Listener) Run(ctx context.Context) {
	defer close(l.done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-l.sess.Events():
			if !ok {
				return
			}
			l.handle(ctx, ev)
		}
	}
}

// Done is closed when Run returns.
func (l *Listener) Done() <-chan struct{} { return l.done }

func (l *Listener) handle(ctx context.Context, ev telegram.Event) {
	switch ev.Kind {
	case telegram.EventNewMessage, telegram.EventMessageEdited:
		if ev.Message != nil {
			l.handleMessage(ctx, ev.Message)
		}
	case telegram.EventParticipantUpdate:
		if ev.User != nil {
			l.handleParticipant(ctx, ev.User)
		}
	case telegram.EventMessageDeleted:
		// Deletions are not captured; the corpus keeps what it observed.
	}
}

// handleMessage commits the message, its media row, and inline detections in
// one transaction, then publishes and enqueues the download. Events only go
// out after the commit.
func (l *Listener) handleMessage(ctx context.Context, msg *telegram.MessageEvent) {
	dialog, err := l.store.GetDialogByTGID(ctx, msg.TGDialogID)
	if errors.Is(err, faults.ErrNotFound) {
		return // not a tracked dialog
	}
	if err != nil {
		l.log.Error("dialog lookup failed", "error", err, "tg_dialog_id", msg.TGDialogID)
		return
	}
	if !dialog.Monitored() || !dialog.Options.IsMonitoring {
		return
	}
	if dialog.AccountID == nil || *dialog.AccountID != l.accountID {
		return // owned by another session
	}

	if msg.SenderID != nil {
		l.ensureSender(ctx, *msg.SenderID)
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

	var media *storage.MediaFile
	if msg.Media != nil {
		row.MediaType = msg.Media.FileType
		if dialog.Options.DownloadMedia {
			media = mediaRow(msg.Media)
		}
	}

	detections := l.extractor.Detections(0, msg.Text)

	res, err := l.store.IngestMessage(ctx, row, media, detections)
	if err != nil {
		l.log.Error("message ingest failed", "error", err,
			"dialog_id", dialog.ID, "tg_message_id", msg.TGMessageID)
		return
	}

	if res.Inserted {
		metrics.MessagesIngested.WithLabelValues("live").Inc()
		if err := l.store.BumpAccountCounters(ctx, l.accountID, 1, 0); err != nil {
			l.log.Error("counter bump failed", "error", err)
		}
	}
	if err := l.store.UpdateLastMessageSeen(ctx, dialog.ID, msg.TGMessageID); err != nil {
		l.log.Error("last seen update failed", "error", err, "dialog_id", dialog.ID)
	}

	payload := events.MessagePayload{
		AccountID:   l.accountID,
		DialogID:    dialog.ID,
		MessageID:   res.MessageID,
		TGMessageID: msg.TGMessageID,
		Text:        msg.Text,
		HasMedia:    msg.Media != nil,
		Source:      "live",
	}
	l.bus.Publish(events.ChannelMessages, events.TypeNewMessage, payload)
	l.bus.Publish(events.DialogChannel(events.ChannelMessages, dialog.ID), events.TypeNewMessage, payload)

	for _, d := range detections {
		metrics.DetectionsExtracted.WithLabelValues(d.DetectionType).Inc()
		l.bus.Publish(events.ChannelDetections, events.TypeNewDetection, events.DetectionPayload{
			MessageID:       res.MessageID,
			DialogID:        dialog.ID,
			DetectionType:   d.DetectionType,
			MatchedText:     d.MatchedText,
			NormalizedValue: d.NormalizedValue,
		})
	}

	if media != nil && res.MediaID != 0 && l.media != nil {
		l.media.Enqueue(res.MediaID, l.accountID, dialog.ID, msg.Media, session.PriorityLive)
	}
}

// ensureSender inserts a stub row so enrichment has a target before the first
// scrape. Known users are left alone; a bare stub must never overwrite fields
// a scrape already filled in.
func (l *Listener) ensureSender(ctx context.Context, tgUserID int64) {
	if _, err := l.store.GetUserByTGID(ctx, tgUserID); err == nil {
		return
	} else if !errors.Is(err, faults.ErrNotFound) {
		l.log.Error("sender lookup failed", "error", err, "tg_user_id", tgUserID)
		return
	}
	if _, err := l.store.UpsertUser(ctx, &storage.User{TGUserID: tgUserID}); err != nil {
		l.log.Error("sender stub upsert failed", "error", err, "tg_user_id", tgUserID)
	}
}

func (l *Listener) handleParticipant(ctx context.Context, u *telegram.UserInfo) {
	if _, err := l.store.UpsertUser(ctx, userRow(u)); err != nil {
		l.log.Error("participant upsert failed", "error", err, "tg_user_id", u.TGUserID)
	}
}

// mediaRow builds the queued MediaFile row for a message's media descriptor.
func mediaRow(ref *telegram.MediaRef) *storage.MediaFile {
	return &storage.MediaFile{
		FileType:         ref.FileType,
		MimeType:         ref.MimeType,
		FileSize:         ref.Size,
		Width:            ref.Width,
		Height:           ref.Height,
		Duration:         ref.Duration,
		ValidationStatus: storage.ValidationPending,
		ProcessingStatus: storage.ProcessingQueued,
	}
}

// userRow converts a normalized profile into a storage row.
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
