package telegram

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/gotd/td/tg"

	"github.com/osintops/dragnet/internal/metrics"
)

// registerHandlers wires dispatcher callbacks into the client's event
// channel. Handlers run on the gotd update loop, so they only normalize and
// hand off.
func (c *gotdClient) registerHandlers(d *tg.UpdateDispatcher) {
	d.OnNewMessage(func(ctx context.Context, e tg.Entities, u *tg.UpdateNewMessage) error {
		c.rememberEntities(e)
		if ev := c.messageEvent(u.Message); ev != nil {
			c.emit(Event{Kind: EventNewMessage, Message: ev})
		}
		return nil
	})
	d.OnNewChannelMessage(func(ctx context.Context, e tg.Entities, u *tg.UpdateNewChannelMessage) error {
		c.rememberEntities(e)
		if ev := c.messageEvent(u.Message); ev != nil {
			c.emit(Event{Kind: EventNewMessage, Message: ev})
		}
		return nil
	})
	d.OnEditMessage(func(ctx context.Context, e tg.Entities, u *tg.UpdateEditMessage) error {
		c.rememberEntities(e)
		if ev := c.messageEvent(u.Message); ev != nil {
			c.emit(Event{Kind: EventMessageEdited, Message: ev})
		}
		return nil
	})
	d.OnEditChannelMessage(func(ctx context.Context, e tg.Entities, u *tg.UpdateEditChannelMessage) error {
		c.rememberEntities(e)
		if ev := c.messageEvent(u.Message); ev != nil {
			c.emit(Event{Kind: EventMessageEdited, Message: ev})
		}
		return nil
	})
	d.OnDeleteMessages(func(ctx context.Context, e tg.Entities, u *tg.UpdateDeleteMessages) error {
		c.emit(Event{Kind: EventMessageDeleted, DeletedIDs: int64IDs(u.Messages)})
		return nil
	})
	d.OnDeleteChannelMessages(func(ctx context.Context, e tg.Entities, u *tg.UpdateDeleteChannelMessages) error {
		c.emit(Event{Kind: EventMessageDeleted, DialogID: u.ChannelID, DeletedIDs: int64IDs(u.Messages)})
		return nil
	})
	d.OnChatParticipant(func(ctx context.Context, e tg.Entities, u *tg.UpdateChatParticipant) error {
		c.rememberEntities(e)
		ev := Event{Kind: EventParticipantUpdate, DialogID: u.ChatID}
		if usr, ok := e.Users[u.UserID]; ok {
			ev.User = userInfoFrom(usr)
		}
		c.emit(ev)
		return nil
	})
	d.OnChannelParticipant(func(ctx context.Context, e tg.Entities, u *tg.UpdateChannelParticipant) error {
		c.rememberEntities(e)
		ev := Event{Kind: EventParticipantUpdate, DialogID: u.ChannelID}
		if usr, ok := e.Users[u.UserID]; ok {
			ev.User = userInfoFrom(usr)
		}
		c.emit(ev)
		return nil
	})
}

// emit delivers an event to the session's channel. New messages are never
// dropped; the update loop blocks until the consumer catches up. When the
// channel is full the oldest cosmetic update in the queue is shed, not the
// incoming one. Handlers all run on the update goroutine, so emit is the only
// producer and may reshuffle the queue without racing another send.
func (c *gotdClient) emit(ev Event) {
	if ev.Critical() {
		c.events <- ev
		return
	}
	select {
	case c.events <- ev:
		return
	default:
	}

	var held []Event
	shed := false
drain:
	for {
		select {
		case old := <-c.events:
			if !shed && !old.Critical() {
				shed = true
				continue
			}
			held = append(held, old)
		default:
			break drain
		}
	}
	for _, h := range held {
		c.events <- h
	}
	metrics.DroppedSessionEvents.WithLabelValues(strconv.FormatInt(c.accountID, 10)).Inc()
	if shed {
		c.events <- ev
	}
	// Otherwise the queue held only new messages and the incoming cosmetic
	// event is the one shed.
}

// rememberEntities caches access hashes carried alongside an update.
func (c *gotdClient) rememberEntities(e tg.Entities) {
	for id, u := range e.Users {
		if h, ok := u.GetAccessHash(); ok {
			c.rememberUser(id, h)
		}
	}
	for id, ch := range e.Channels {
		if h, ok := ch.GetAccessHash(); ok {
			c.rememberChannel(id, h)
		}
	}
}

// messageEvent normalizes a wire message. Service messages and empty
// placeholders carry no indexable content and map to nil.
func (c *gotdClient) messageEvent(m tg.MessageClass) *MessageEvent {
	msg, ok := m.(*tg.Message)
	if !ok {
		return nil
	}
	ev := &MessageEvent{
		TGDialogID:  peerID(msg.PeerID),
		TGMessageID: int64(msg.ID),
		Date:        time.Unix(int64(msg.Date), 0).UTC(),
		Text:        msg.Message,
		Views:       msg.Views,
		Forwards:    msg.Forwards,
	}
	if from, ok := msg.GetFromID(); ok {
		id := peerID(from)
		ev.SenderID = &id
	}
	if r, ok := msg.GetReplyTo(); ok {
		if h, ok := r.(*tg.MessageReplyHeader); ok {
			if rid, ok := h.GetReplyToMsgID(); ok {
				id := int64(rid)
				ev.ReplyTo = &id
			}
		}
	}
	if g, ok := msg.GetGroupedID(); ok {
		ev.GroupedID = &g
	}
	if reactions, ok := msg.GetReactions(); ok {
		ev.Reactions = reactionCounts(reactions)
	}
	if media, ok := msg.GetMedia(); ok {
		ev.Media = mediaRefFrom(media)
	}
	return ev
}

func peerID(p tg.PeerClass) int64 {
	switch v := p.(type) {
	case *tg.PeerUser:
		return v.UserID
	case *tg.PeerChat:
		return v.ChatID
	case *tg.PeerChannel:
		return v.ChannelID
	}
	return 0
}

func int64IDs(ids []int) []int64 {
	out := make([]int64, len(ids))
	for i, id := range ids {
		out[i] = int64(id)
	}
	return out
}

func reactionCounts(r tg.MessageReactions) map[string]int {
	if len(r.Results) == 0 {
		return nil
	}
	out := make(map[string]int, len(r.Results))
	for _, rc := range r.Results {
		switch re := rc.Reaction.(type) {
		case *tg.ReactionEmoji:
			out[re.Emoticon] += rc.Count
		case *tg.ReactionCustomEmoji:
			out[fmt.Sprintf("custom:%d", re.DocumentID)] += rc.Count
		}
	}
	return out
}

// mediaRefFrom builds a download descriptor for photo and document media.
// Other media classes (polls, geo, contacts) are text-adjacent and skipped.
func mediaRefFrom(m tg.MessageMediaClass) *MediaRef {
	switch v := m.(type) {
	case *tg.MessageMediaPhoto:
		photo, ok := v.Photo.(*tg.Photo)
		if !ok {
			return nil
		}
		return photoRef(photo)
	case *tg.MessageMediaDocument:
		doc, ok := v.Document.(*tg.Document)
		if !ok {
			return nil
		}
		return documentRef(doc)
	}
	return nil
}

func photoRef(p *tg.Photo) *MediaRef {
	ref := &MediaRef{FileType: "photo", MimeType: "image/jpeg"}
	var best *tg.PhotoSize
	for _, s := range p.Sizes {
		if ps, ok := s.(*tg.PhotoSize); ok {
			if best == nil || ps.W*ps.H > best.W*best.H {
				best = ps
			}
		}
	}
	loc := &tg.InputPhotoFileLocation{
		ID:            p.ID,
		AccessHash:    p.AccessHash,
		FileReference: p.FileReference,
	}
	if best != nil {
		ref.Width = best.W
		ref.Height = best.H
		ref.Size = int64(best.Size)
		loc.ThumbSize = best.Type
	}
	ref.Location = loc
	return ref
}

func documentRef(d *tg.Document) *MediaRef {
	ref := &MediaRef{
		FileType: "document",
		MimeType: d.MimeType,
		Size:     d.Size,
		Location: &tg.InputDocumentFileLocation{
			ID:            d.ID,
			AccessHash:    d.AccessHash,
			FileReference: d.FileReference,
		},
	}
	for _, attr := range d.Attributes {
		switch a := attr.(type) {
		case *tg.DocumentAttributeFilename:
			ref.FileName = a.FileName
		case *tg.DocumentAttributeVideo:
			ref.FileType = "video"
			ref.Width = a.W
			ref.Height = a.H
			ref.Duration = a.Duration
			if a.RoundMessage {
				ref.FileType = "video_note"
			}
		case *tg.DocumentAttributeAudio:
			ref.FileType = "audio"
			ref.Duration = float64(a.Duration)
			if a.Voice {
				ref.FileType = "voice"
			}
		case *tg.DocumentAttributeSticker:
			ref.FileType = "sticker"
		case *tg.DocumentAttributeAnimated:
			ref.FileType = "animation"
		case *tg.DocumentAttributeImageSize:
			if ref.Width == 0 {
				ref.Width = a.W
				ref.Height = a.H
			}
		}
	}
	return ref
}

func userInfoFrom(u *tg.User) *UserInfo {
	info := &UserInfo{
		TGUserID:     u.ID,
		Username:     u.Username,
		FirstName:    u.FirstName,
		LastName:     u.LastName,
		Phone:        u.Phone,
		IsBot:        u.Bot,
		IsVerified:   u.Verified,
		IsPremium:    u.Premium,
		IsScam:       u.Scam,
		IsFake:       u.Fake,
		IsRestricted: u.Restricted,
		IsDeleted:    u.Deleted,
		HasStories:   u.StoriesMaxID > 0,
	}
	if h, ok := u.GetAccessHash(); ok {
		info.AccessHash = h
	}
	if st, ok := u.GetStatus(); ok {
		info.LastSeen = lastSeenFrom(st)
	}
	return info
}

func lastSeenFrom(s tg.UserStatusClass) *time.Time {
	switch v := s.(type) {
	case *tg.UserStatusOnline:
		t := time.Now().UTC()
		return &t
	case *tg.UserStatusOffline:
		t := time.Unix(int64(v.WasOnline), 0).UTC()
		return &t
	}
	return nil
}
