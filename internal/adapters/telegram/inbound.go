package telegram

import (
	"fmt"
	"strconv"

	"github.com/gotd/td/tg"

	"tgworker/internal/domain/sessions"
)

// Типы чатов в нормализованном сообщении.
const (
	chatUser    = "user"
	chatGroup   = "chat"
	chatChannel = "channel"
)

// peerRef возвращает тип и числовой идентификатор peer.
func peerRef(peer tg.PeerClass) (string, int64, bool) {
	switch p := peer.(type) {
	case *tg.PeerUser:
		return chatUser, p.UserID, true
	case *tg.PeerChat:
		return chatGroup, p.ChatID, true
	case *tg.PeerChannel:
		return chatChannel, p.ChannelID, true
	default:
		return "", 0, false
	}
}

// mediaURL строит синтетический адрес вложения: сами байты через вебхук не
// передаются, получатель может запросить их отдельно по этим координатам.
func mediaURL(tenant, chatType string, chatID int64, msgID int) string {
	return fmt.Sprintf("tg://media/%s/%s/%d/%d", tenant, chatType, chatID, msgID)
}

// normalizeMessage превращает входящее tg.Message в транспортно-нейтральную
// запись. Исходящие и служебные сообщения отбрасываются (ok=false).
func normalizeMessage(tenant string, selfID int64, msg *tg.Message, e tg.Entities) (sessions.InboundMessage, bool) {
	if msg == nil || msg.Out {
		return sessions.InboundMessage{}, false
	}
	chatType, chatID, ok := peerRef(msg.PeerID)
	if !ok {
		return sessions.InboundMessage{}, false
	}

	fromType, fromID := chatType, chatID
	if from, ok := msg.GetFromID(); ok {
		if t, id, ok := peerRef(from); ok {
			fromType, fromID = t, id
		}
	}

	out := sessions.InboundMessage{
		Tenant:      tenant,
		Channel:     sessions.ChannelTelegram,
		FromID:      strconv.FormatInt(fromID, 10),
		To:          strconv.FormatInt(selfID, 10),
		Chat:        sessions.Chat{Type: chatType, ID: chatID},
		Text:        msg.Message,
		Attachments: []sessions.Attachment{},
		Ts:          int64(msg.Date),
	}
	if media, ok := msg.GetMedia(); ok {
		if att, ok := describeMedia(media); ok {
			att.URL = mediaURL(tenant, chatType, chatID, msg.ID)
			out.Attachments = append(out.Attachments, att)
		}
	}

	raw := map[string]any{
		"message_id": msg.ID,
		"peer_type":  chatType,
		"from_type":  fromType,
	}
	if fromType == chatUser {
		if u, ok := e.Users[fromID]; ok {
			if u.Username != "" {
				raw["username"] = u.Username
			}
			if name := displayName(u.FirstName, u.LastName); name != "" {
				raw["sender_name"] = name
			}
		}
	}
	if chatType == chatChannel {
		if ch, ok := e.Channels[chatID]; ok && ch.Title != "" {
			raw["chat_title"] = ch.Title
		}
	}
	if chatType == chatGroup {
		if ch, ok := e.Chats[chatID]; ok && ch.Title != "" {
			raw["chat_title"] = ch.Title
		}
	}
	if gid, ok := msg.GetGroupedID(); ok {
		raw["grouped_id"] = gid
	}
	if reply, ok := msg.GetReplyTo(); ok {
		if h, ok := reply.(*tg.MessageReplyHeader); ok {
			if id, ok := h.GetReplyToMsgID(); ok {
				raw["reply_to_message_id"] = id
			}
		}
	}
	out.ProviderRaw = raw
	return out, true
}

func displayName(first, last string) string {
	switch {
	case first == "":
		return last
	case last == "":
		return first
	default:
		return first + " " + last
	}
}

// describeMedia заполняет метаданные вложения (без URL).
func describeMedia(media tg.MessageMediaClass) (sessions.Attachment, bool) {
	switch m := media.(type) {
	case *tg.MessageMediaPhoto:
		att := sessions.Attachment{Type: "photo", Name: "photo.jpg", MIME: "image/jpeg"}
		if p, ok := m.GetPhoto(); ok {
			if photo, ok := p.AsNotEmpty(); ok {
				att.Size = largestPhotoSize(photo.Sizes)
			}
		}
		return att, true
	case *tg.MessageMediaDocument:
		d, ok := m.GetDocument()
		if !ok {
			return sessions.Attachment{}, false
		}
		doc, ok := d.AsNotEmpty()
		if !ok {
			return sessions.Attachment{}, false
		}
		att := sessions.Attachment{Type: "document", MIME: doc.MimeType, Size: doc.Size}
		for _, attr := range doc.Attributes {
			switch a := attr.(type) {
			case *tg.DocumentAttributeFilename:
				att.Name = a.FileName
			case *tg.DocumentAttributeAudio:
				att.Type = "audio"
				if a.Voice {
					att.Type = "voice"
				}
			case *tg.DocumentAttributeVideo:
				att.Type = "video"
			case *tg.DocumentAttributeSticker:
				att.Type = "sticker"
			}
		}
		return att, true
	case *tg.MessageMediaGeo:
		return sessions.Attachment{Type: "location"}, true
	case *tg.MessageMediaContact:
		return sessions.Attachment{Type: "contact"}, true
	default:
		return sessions.Attachment{}, false
	}
}

func largestPhotoSize(sizes []tg.PhotoSizeClass) int64 {
	var best int64
	for _, s := range sizes {
		switch v := s.(type) {
		case *tg.PhotoSize:
			best = max(best, int64(v.Size))
		case *tg.PhotoSizeProgressive:
			for _, n := range v.Sizes {
				best = max(best, int64(n))
			}
		}
	}
	return best
}
