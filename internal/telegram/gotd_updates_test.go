package telegram

import (
	"testing"
	"time"

	"github.com/gotd/td/tg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageEventNormalization(t *testing.T) {
	c := &gotdClient{}

	msg := &tg.Message{
		ID:      42,
		PeerID:  &tg.PeerChannel{ChannelID: 100},
		Date:    1700000000,
		Message: "hello there",
	}
	msg.SetFromID(&tg.PeerUser{UserID: 7})
	msg.SetReplyTo(&tg.MessageReplyHeader{})
	rh := msg.ReplyTo.(*tg.MessageReplyHeader)
	rh.SetReplyToMsgID(41)
	msg.SetGroupedID(555)
	msg.SetReactions(tg.MessageReactions{
		Results: []tg.ReactionCount{
			{Reaction: &tg.ReactionEmoji{Emoticon: "🔥"}, Count: 3},
			{Reaction: &tg.ReactionCustomEmoji{DocumentID: 12}, Count: 1},
		},
	})

	ev := c.messageEvent(msg)
	require.NotNil(t, ev)
	assert.Equal(t, int64(100), ev.TGDialogID)
	assert.Equal(t, int64(42), ev.TGMessageID)
	require.NotNil(t, ev.SenderID)
	assert.Equal(t, int64(7), *ev.SenderID)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), ev.Date)
	assert.Equal(t, "hello there", ev.Text)
	require.NotNil(t, ev.ReplyTo)
	assert.Equal(t, int64(41), *ev.ReplyTo)
	require.NotNil(t, ev.GroupedID)
	assert.Equal(t, int64(555), *ev.GroupedID)
	assert.Equal(t, 3, ev.Reactions["🔥"])
	assert.Equal(t, 1, ev.Reactions["custom:12"])
	assert.Nil(t, ev.Media)
}

func TestMessageEventSkipsServiceMessages(t *testing.T) {
	c := &gotdClient{}
	assert.Nil(t, c.messageEvent(&tg.MessageService{ID: 1}))
	assert.Nil(t, c.messageEvent(&tg.MessageEmpty{ID: 2}))
}

func TestDocumentRefAttributes(t *testing.T) {
	doc := &tg.Document{
		ID:         900,
		AccessHash: 1,
		MimeType:   "video/mp4",
		Size:       2048,
		Attributes: []tg.DocumentAttributeClass{
			&tg.DocumentAttributeFilename{FileName: "clip.mp4"},
			&tg.DocumentAttributeVideo{W: 640, H: 480, Duration: 12.5},
		},
	}

	ref := documentRef(doc)
	assert.Equal(t, "video", ref.FileType)
	assert.Equal(t, "video/mp4", ref.MimeType)
	assert.Equal(t, "clip.mp4", ref.FileName)
	assert.Equal(t, int64(2048), ref.Size)
	assert.Equal(t, 640, ref.Width)
	assert.Equal(t, 480, ref.Height)
	assert.Equal(t, 12.5, ref.Duration)

	loc, ok := ref.Location.(*tg.InputDocumentFileLocation)
	require.True(t, ok)
	assert.Equal(t, int64(900), loc.ID)
}

func TestDocumentRefVoiceNote(t *testing.T) {
	audio := &tg.DocumentAttributeAudio{Duration: 7}
	audio.SetVoice(true)
	doc := &tg.Document{
		MimeType:   "audio/ogg",
		Attributes: []tg.DocumentAttributeClass{audio},
	}

	ref := documentRef(doc)
	assert.Equal(t, "voice", ref.FileType)
	assert.Equal(t, 7.0, ref.Duration)
}

func TestPhotoRefPicksLargestSize(t *testing.T) {
	photo := &tg.Photo{
		ID:         77,
		AccessHash: 2,
		Sizes: []tg.PhotoSizeClass{
			&tg.PhotoSize{Type: "m", W: 320, H: 240, Size: 100},
			&tg.PhotoSize{Type: "y", W: 1280, H: 960, Size: 900},
			&tg.PhotoSize{Type: "s", W: 90, H: 67, Size: 10},
		},
	}

	ref := photoRef(photo)
	assert.Equal(t, "photo", ref.FileType)
	assert.Equal(t, 1280, ref.Width)
	assert.Equal(t, int64(900), ref.Size)

	loc, ok := ref.Location.(*tg.InputPhotoFileLocation)
	require.True(t, ok)
	assert.Equal(t, "y", loc.ThumbSize)
}

func TestEmitShedsNonCriticalWhenFull(t *testing.T) {
	c := &gotdClient{events: make(chan Event, 1)}

	c.emit(Event{Kind: EventNewMessage, Message: &MessageEvent{TGMessageID: 1}})
	// Channel is now full; cosmetic updates are dropped, not blocked on.
	c.emit(Event{Kind: EventMessageEdited, Message: &MessageEvent{TGMessageID: 2}})

	require.Len(t, c.events, 1)
	got := <-c.events
	assert.Equal(t, EventNewMessage, got.Kind)
}

func TestEmitShedsOldestCosmeticFirst(t *testing.T) {
	c := &gotdClient{events: make(chan Event, 3)}

	c.emit(Event{Kind: EventMessageEdited, Message: &MessageEvent{TGMessageID: 1}})
	c.emit(Event{Kind: EventNewMessage, Message: &MessageEvent{TGMessageID: 2}})
	c.emit(Event{Kind: EventMessageDeleted, DeletedIDs: []int64{3}})
	// Full. The incoming cosmetic displaces the oldest one; everything else
	// keeps its order.
	c.emit(Event{Kind: EventMessageEdited, Message: &MessageEvent{TGMessageID: 4}})

	require.Len(t, c.events, 3)
	first := <-c.events
	assert.Equal(t, EventNewMessage, first.Kind)
	second := <-c.events
	assert.Equal(t, EventMessageDeleted, second.Kind)
	third := <-c.events
	assert.Equal(t, EventMessageEdited, third.Kind)
	assert.Equal(t, int64(4), third.Message.TGMessageID)
}
