package telegram

import (
	"context"
	"strings"
	"time"

	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"

	"github.com/osintops/dragnet/internal/faults"
)

const dialogPageSize = 100

// ListDialogs walks the full dialog list, caching access hashes as a side
// effect so later per-dialog calls can build input peers.
func (c *gotdClient) ListDialogs(ctx context.Context) ([]DialogInfo, error) {
	var (
		out        []DialogInfo
		offsetDate int
		offsetID   int
		offsetPeer tg.InputPeerClass = &tg.InputPeerEmpty{}
	)
	for {
		res, err := c.api.MessagesGetDialogs(ctx, &tg.MessagesGetDialogsRequest{
			OffsetDate: offsetDate,
			OffsetID:   offsetID,
			OffsetPeer: offsetPeer,
			Limit:      dialogPageSize,
		})
		if err != nil {
			return nil, ClassifyError(err)
		}

		var (
			dialogs  []tg.DialogClass
			messages []tg.MessageClass
			chats    []tg.ChatClass
			users    []tg.UserClass
			last     bool
		)
		switch v := res.(type) {
		case *tg.MessagesDialogs:
			dialogs, messages, chats, users, last = v.Dialogs, v.Messages, v.Chats, v.Users, true
		case *tg.MessagesDialogsSlice:
			dialogs, messages, chats, users = v.Dialogs, v.Messages, v.Chats, v.Users
		case *tg.MessagesDialogsNotModified:
			return out, nil
		}
		c.rememberPeers(users, chats)

		chatInfos := make(map[int64]*DialogInfo, len(chats))
		for _, chat := range chats {
			if info := c.dialogInfoFromChat(chat); info != nil {
				chatInfos[info.TGDialogID] = info
			}
		}
		userInfos := make(map[int64]*tg.User, len(users))
		for _, uc := range users {
			if u, ok := uc.(*tg.User); ok {
				userInfos[u.ID] = u
			}
		}

		for _, dc := range dialogs {
			d, ok := dc.(*tg.Dialog)
			if !ok {
				continue
			}
			switch p := d.Peer.(type) {
			case *tg.PeerUser:
				u, ok := userInfos[p.UserID]
				if !ok {
					continue
				}
				info := DialogInfo{
					TGDialogID: u.ID,
					Type:       "user",
					Title:      strings.TrimSpace(u.FirstName + " " + u.LastName),
					Username:   u.Username,
				}
				if h, ok := u.GetAccessHash(); ok {
					info.AccessHash = h
				}
				out = append(out, info)
			default:
				if info, ok := chatInfos[peerID(d.Peer)]; ok {
					out = append(out, *info)
				}
			}
		}

		if last || len(dialogs) < dialogPageSize {
			return out, nil
		}

		// Offsets come from the last dialog's top message.
		tail, ok := dialogs[len(dialogs)-1].(*tg.Dialog)
		if !ok {
			return out, nil
		}
		offsetID = tail.TopMessage
		offsetDate = 0
		for _, mc := range messages {
			m, ok := mc.(*tg.Message)
			if !ok || m.ID != tail.TopMessage {
				continue
			}
			if peerID(m.PeerID) == peerID(tail.Peer) {
				offsetDate = m.Date
				break
			}
		}
		peer, err := c.inputPeer(ctx, peerID(tail.Peer))
		if err != nil {
			return out, nil
		}
		offsetPeer = peer
	}
}

// History returns one page of messages strictly older than fromID, newest
// first. fromID zero starts from the newest message.
func (c *gotdClient) History(ctx context.Context, dialogID, fromID int64, pageSize int) ([]MessageEvent, error) {
	peer, err := c.inputPeer(ctx, dialogID)
	if err != nil {
		return nil, err
	}
	res, err := c.api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
		Peer:     peer,
		OffsetID: int(fromID),
		Limit:    pageSize,
	})
	if err != nil {
		return nil, ClassifyError(err)
	}

	var msgs []tg.MessageClass
	switch v := res.(type) {
	case *tg.MessagesMessages:
		c.rememberPeers(v.Users, v.Chats)
		msgs = v.Messages
	case *tg.MessagesMessagesSlice:
		c.rememberPeers(v.Users, v.Chats)
		msgs = v.Messages
	case *tg.MessagesChannelMessages:
		c.rememberPeers(v.Users, v.Chats)
		msgs = v.Messages
	}

	out := make([]MessageEvent, 0, len(msgs))
	for _, m := range msgs {
		ev := c.messageEvent(m)
		if ev == nil {
			continue
		}
		if ev.TGDialogID == 0 {
			ev.TGDialogID = dialogID
		}
		out = append(out, *ev)
	}
	return out, nil
}

func (c *gotdClient) GetUser(ctx context.Context, tgUserID int64) (*UserInfo, error) {
	h, ok := c.userHash(tgUserID)
	if !ok {
		return nil, faults.ErrNotFound
	}
	full, err := c.api.UsersGetFullUser(ctx, &tg.InputUser{UserID: tgUserID, AccessHash: h})
	if err != nil {
		return nil, ClassifyError(err)
	}
	var info *UserInfo
	for _, uc := range full.Users {
		u, ok := uc.(*tg.User)
		if !ok || u.ID != tgUserID {
			continue
		}
		if uh, ok := u.GetAccessHash(); ok {
			c.rememberUser(u.ID, uh)
		}
		info = userInfoFrom(u)
		break
	}
	if info == nil {
		return nil, faults.ErrNotFound
	}
	info.Bio = full.FullUser.About
	return info, nil
}

func (c *gotdClient) Participants(ctx context.Context, dialogID int64) ([]ParticipantInfo, error) {
	if h, ok := c.channelHash(dialogID); ok {
		return c.channelParticipants(ctx, dialogID, h)
	}
	return c.chatParticipants(ctx, dialogID)
}

const participantPageSize = 200

func (c *gotdClient) channelParticipants(ctx context.Context, channelID, accessHash int64) ([]ParticipantInfo, error) {
	var out []ParticipantInfo
	for offset := 0; ; offset += participantPageSize {
		res, err := c.api.ChannelsGetParticipants(ctx, &tg.ChannelsGetParticipantsRequest{
			Channel: &tg.InputChannel{ChannelID: channelID, AccessHash: accessHash},
			Filter:  &tg.ChannelParticipantsRecent{},
			Offset:  offset,
			Limit:   participantPageSize,
		})
		if err != nil {
			return nil, ClassifyError(err)
		}
		page, ok := res.(*tg.ChannelsChannelParticipants)
		if !ok {
			return out, nil
		}
		c.rememberPeers(page.Users, page.Chats)

		users := make(map[int64]*tg.User, len(page.Users))
		for _, uc := range page.Users {
			if u, ok := uc.(*tg.User); ok {
				users[u.ID] = u
			}
		}
		for _, pc := range page.Participants {
			var (
				userID     int64
				joined     *time.Time
				isAdmin    bool
				adminTitle string
			)
			switch p := pc.(type) {
			case *tg.ChannelParticipant:
				userID = p.UserID
				joined = unixTimePtr(p.Date)
			case *tg.ChannelParticipantSelf:
				userID = p.UserID
				joined = unixTimePtr(p.Date)
			case *tg.ChannelParticipantAdmin:
				userID = p.UserID
				joined = unixTimePtr(p.Date)
				isAdmin = true
				adminTitle = p.Rank
			case *tg.ChannelParticipantCreator:
				userID = p.UserID
				isAdmin = true
				adminTitle = p.Rank
			default:
				continue
			}
			u, ok := users[userID]
			if !ok {
				continue
			}
			out = append(out, ParticipantInfo{
				User:       *userInfoFrom(u),
				JoinedAt:   joined,
				IsAdmin:    isAdmin,
				AdminTitle: adminTitle,
			})
		}
		if len(page.Participants) < participantPageSize {
			return out, nil
		}
	}
}

func (c *gotdClient) chatParticipants(ctx context.Context, chatID int64) ([]ParticipantInfo, error) {
	full, err := c.api.MessagesGetFullChat(ctx, chatID)
	if err != nil {
		return nil, ClassifyError(err)
	}
	c.rememberPeers(full.Users, full.Chats)

	chatFull, ok := full.FullChat.(*tg.ChatFull)
	if !ok {
		return nil, faults.ErrNotFound
	}
	parts, ok := chatFull.Participants.(*tg.ChatParticipants)
	if !ok {
		// Forbidden for non-members.
		return nil, faults.ErrPermissionDenied
	}

	users := make(map[int64]*tg.User, len(full.Users))
	for _, uc := range full.Users {
		if u, ok := uc.(*tg.User); ok {
			users[u.ID] = u
		}
	}
	out := make([]ParticipantInfo, 0, len(parts.Participants))
	for _, pc := range parts.Participants {
		var (
			userID  int64
			joined  *time.Time
			isAdmin bool
		)
		switch p := pc.(type) {
		case *tg.ChatParticipant:
			userID = p.UserID
			joined = unixTimePtr(p.Date)
		case *tg.ChatParticipantAdmin:
			userID = p.UserID
			joined = unixTimePtr(p.Date)
			isAdmin = true
		case *tg.ChatParticipantCreator:
			userID = p.UserID
			isAdmin = true
		default:
			continue
		}
		u, ok := users[userID]
		if !ok {
			continue
		}
		out = append(out, ParticipantInfo{User: *userInfoFrom(u), JoinedAt: joined, IsAdmin: isAdmin})
	}
	return out, nil
}

func (c *gotdClient) ProfilePhotos(ctx context.Context, tgUserID int64) ([]PhotoInfo, error) {
	h, ok := c.userHash(tgUserID)
	if !ok {
		return nil, faults.ErrNotFound
	}
	res, err := c.api.PhotosGetUserPhotos(ctx, &tg.PhotosGetUserPhotosRequest{
		UserID: &tg.InputUser{UserID: tgUserID, AccessHash: h},
		Limit:  100,
	})
	if err != nil {
		return nil, ClassifyError(err)
	}
	var photos []tg.PhotoClass
	switch v := res.(type) {
	case *tg.PhotosPhotos:
		photos = v.Photos
	case *tg.PhotosPhotosSlice:
		photos = v.Photos
	}
	out := make([]PhotoInfo, 0, len(photos))
	for _, pc := range photos {
		p, ok := pc.(*tg.Photo)
		if !ok {
			continue
		}
		out = append(out, PhotoInfo{
			TGPhotoID: p.ID,
			IsVideo:   len(p.VideoSizes) > 0,
			Date:      time.Unix(int64(p.Date), 0).UTC(),
			Ref:       photoRef(p),
		})
	}
	return out, nil
}

func (c *gotdClient) Stories(ctx context.Context, tgUserID int64) ([]StoryInfo, error) {
	h, ok := c.userHash(tgUserID)
	if !ok {
		return nil, faults.ErrNotFound
	}
	res, err := c.api.StoriesGetPeerStories(ctx, &tg.InputPeerUser{UserID: tgUserID, AccessHash: h})
	if err != nil {
		return nil, ClassifyError(err)
	}
	out := make([]StoryInfo, 0, len(res.Stories.Stories))
	for _, sc := range res.Stories.Stories {
		item, ok := sc.(*tg.StoryItem)
		if !ok {
			continue
		}
		info := StoryInfo{
			TGStoryID: int64(item.ID),
			ExpiresAt: unixTimePtr(item.ExpireDate),
			IsPinned:  item.Pinned,
			Ref:       mediaRefFrom(item.Media),
		}
		if views, ok := item.GetViews(); ok {
			info.Views = views.ViewsCount
		}
		out = append(out, info)
	}
	return out, nil
}

func (c *gotdClient) ResolveInvite(ctx context.Context, hash string) (*InvitePreview, error) {
	res, err := c.api.MessagesCheckChatInvite(ctx, hash)
	if err != nil {
		return nil, ClassifyError(err)
	}
	switch v := res.(type) {
	case *tg.ChatInvite:
		return &InvitePreview{
			Title:         v.Title,
			About:         v.About,
			MemberCount:   v.ParticipantsCount,
			IsChannel:     v.Broadcast,
			RequestNeeded: v.RequestNeeded,
		}, nil
	case *tg.ChatInviteAlready:
		return &InvitePreview{
			AlreadyJoined:  true,
			ExistingDialog: c.dialogInfoFromChat(v.Chat),
		}, nil
	case *tg.ChatInvitePeek:
		preview := &InvitePreview{}
		if d := c.dialogInfoFromChat(v.Chat); d != nil {
			preview.Title = d.Title
			preview.MemberCount = d.MemberCount
			preview.IsChannel = d.Type == "channel"
		}
		return preview, nil
	}
	return nil, faults.ErrNotFound
}

func (c *gotdClient) JoinInvite(ctx context.Context, hash string) (*JoinOutcome, error) {
	upd, err := c.api.MessagesImportChatInvite(ctx, hash)
	if tgerr.Is(err, "USER_ALREADY_PARTICIPANT") {
		return &JoinOutcome{Status: "already_joined"}, nil
	}
	if tgerr.Is(err, "INVITE_REQUEST_SENT") {
		return &JoinOutcome{Status: "request_pending"}, nil
	}
	if err != nil {
		return nil, ClassifyError(err)
	}
	out := &JoinOutcome{Status: "joined"}
	if u, ok := upd.(*tg.Updates); ok {
		for _, chat := range u.Chats {
			if d := c.dialogInfoFromChat(chat); d != nil {
				out.Dialog = d
				break
			}
		}
	}
	return out, nil
}

// rememberPeers caches access hashes from any response carrying entity lists.
func (c *gotdClient) rememberPeers(users []tg.UserClass, chats []tg.ChatClass) {
	for _, uc := range users {
		if u, ok := uc.(*tg.User); ok {
			if h, ok := u.GetAccessHash(); ok {
				c.rememberUser(u.ID, h)
			}
		}
	}
	for _, cc := range chats {
		if ch, ok := cc.(*tg.Channel); ok {
			if h, ok := ch.GetAccessHash(); ok {
				c.rememberChannel(ch.ID, h)
			}
		}
	}
}

func (c *gotdClient) dialogInfoFromChat(chat tg.ChatClass) *DialogInfo {
	switch v := chat.(type) {
	case *tg.Chat:
		return &DialogInfo{
			TGDialogID:  v.ID,
			Type:        "group",
			Title:       v.Title,
			MemberCount: v.ParticipantsCount,
		}
	case *tg.Channel:
		info := &DialogInfo{
			TGDialogID: v.ID,
			Type:       "supergroup",
			Title:      v.Title,
		}
		if v.Broadcast {
			info.Type = "channel"
		}
		if u, ok := v.GetUsername(); ok {
			info.Username = u
		}
		if n, ok := v.GetParticipantsCount(); ok {
			info.MemberCount = n
		}
		if h, ok := v.GetAccessHash(); ok {
			info.AccessHash = h
			c.rememberChannel(v.ID, h)
		}
		return info
	}
	return nil
}

func unixTimePtr(ts int) *time.Time {
	if ts == 0 {
		return nil
	}
	t := time.Unix(int64(ts), 0).UTC()
	return &t
}
