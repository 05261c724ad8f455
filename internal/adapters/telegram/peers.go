package telegram

import (
	"context"
	"encoding/json"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/go-faster/errors"
	bboltdb "github.com/gotd/contrib/bbolt"
	contribstorage "github.com/gotd/contrib/storage"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/peers"
	"github.com/gotd/td/telegram/query/dialogs"
	"github.com/gotd/td/tg"
	"go.etcd.io/bbolt"

	"tgworker/internal/domain/sessions"
)

const (
	peersBucketPrefix = "peers:"

	dialogFetchPageLimit = 100
	dialogFetchWaitMin   = 500 * time.Millisecond
	dialogFetchWaitMax   = 1500 * time.Millisecond

	// Смещение идентификаторов каналов в нотации Bot API (-100xxxxxxxxxx).
	botAPIChannelShift = 1_000_000_000_000
)

var errDialogsNotModified = errors.New("dialogs not modified")

// peerBook: кэш пиров одного тенанта: gotd peers.Manager в памяти плюс
// персистентный бакет peers:<tenant> в общей базе состояния.
type peerBook struct {
	db     *bbolt.DB
	bucket []byte
	store  contribstorage.PeerStorage
	mgr    *peers.Manager
}

func newPeerBook(db *bbolt.DB, tenantID string, api *tg.Client) *peerBook {
	bucket := []byte(peersBucketPrefix + tenantID)
	return &peerBook{
		db:     db,
		bucket: bucket,
		store:  bboltdb.NewPeerStorage(db, bucket),
		mgr:    (peers.Options{}).Build(api),
	}
}

// hook оборачивает обработчик апдейтов так, чтобы все встреченные сущности
// попадали и в peers.Manager, и в bbolt.
func (b *peerBook) hook(next telegram.UpdateHandler) telegram.UpdateHandler {
	return contribstorage.UpdateHook(b.mgr.UpdateHook(next), b.store)
}

// load прогружает сохранённых пиров в peers.Manager. Повреждённый бакет
// сбрасывается: кэш восстановится из апдейтов и прогрева.
func (b *peerBook) load(ctx context.Context) error {
	exists := false
	if err := b.db.View(func(tx *bbolt.Tx) error {
		exists = tx.Bucket(b.bucket) != nil
		return nil
	}); err != nil || !exists {
		return err
	}

	iter, err := b.store.Iterate(ctx)
	if err != nil {
		if isJSONError(err) {
			return b.reset()
		}
		return errors.Wrap(err, "iterate stored peers")
	}
	defer func() { _ = iter.Close() }()

	var (
		users []tg.UserClass
		chats []tg.ChatClass
	)
	for iter.Next(ctx) {
		v := iter.Value()
		switch v.Key.Kind {
		case dialogs.User:
			u := v.User
			if u == nil {
				u = &tg.User{ID: v.Key.ID, AccessHash: v.Key.AccessHash}
			}
			users = append(users, u)
		case dialogs.Chat:
			c := v.Chat
			if c == nil {
				c = &tg.Chat{ID: v.Key.ID}
			}
			chats = append(chats, c)
		case dialogs.Channel:
			c := v.Channel
			if c == nil {
				c = &tg.Channel{ID: v.Key.ID, AccessHash: v.Key.AccessHash}
			}
			chats = append(chats, c)
		}
	}
	if err := iter.Err(); err != nil {
		if isJSONError(err) {
			return b.reset()
		}
		return errors.Wrap(err, "iterate stored peers")
	}
	if len(users) == 0 && len(chats) == 0 {
		return nil
	}
	return b.mgr.Apply(ctx, users, chats)
}

func (b *peerBook) empty() (bool, error) {
	empty := true
	err := b.db.View(func(tx *bbolt.Tx) error {
		if bucket := tx.Bucket(b.bucket); bucket != nil {
			k, _ := bucket.Cursor().First()
			empty = k == nil
		}
		return nil
	})
	return empty, err
}

// warmup при пустом кэше выгружает список диалогов, чтобы отправка по
// peer_id работала для собеседников, от которых ещё не было апдейтов.
func (b *peerBook) warmup(ctx context.Context, api *tg.Client) error {
	empty, err := b.empty()
	if err != nil {
		return errors.Wrap(err, "check peers bucket")
	}
	if !empty {
		return nil
	}
	users, chats, err := fetchDialogEntities(ctx, api)
	if err != nil {
		return errors.Wrap(err, "fetch dialogs")
	}
	if err := b.mgr.Apply(ctx, users, chats); err != nil {
		return errors.Wrap(err, "apply dialogs")
	}
	for _, u := range users {
		var p contribstorage.Peer
		if p.FromUser(u) {
			_ = b.store.Add(ctx, p)
		}
	}
	for _, c := range chats {
		var p contribstorage.Peer
		if p.FromChat(c) {
			_ = b.store.Add(ctx, p)
		}
	}
	return nil
}

func (b *peerBook) reset() error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(b.bucket); err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(b.bucket)
		return err
	})
}

// dropPeerBucket удаляет кэш пиров тенанта (hard reset).
func dropPeerBucket(db *bbolt.DB, tenantID string) error {
	return db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket([]byte(peersBucketPrefix + tenantID)); err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
			return err
		}
		return nil
	})
}

// inputPeer находит адресата исходящего сообщения. Username резолвится через
// contacts.resolveUsername; числовой id ищется последовательно среди
// пользователей, каналов и групп. Отрицательные id принимаются в нотации
// Bot API: -100xxxxxxxxxx для канала, -xxxx для группы.
func (b *peerBook) inputPeer(ctx context.Context, to sessions.Target) (tg.InputPeerClass, error) {
	if to.Username != "" {
		p, err := b.mgr.Resolve(ctx, strings.TrimPrefix(to.Username, "@"))
		if err != nil {
			return nil, errors.Wrapf(err, "resolve @%s", to.Username)
		}
		return p.InputPeer(), nil
	}

	id := to.PeerID
	if id < 0 {
		kind, raw := splitBotAPIID(id)
		if kind == chatChannel {
			return b.channelPeer(ctx, raw)
		}
		return b.chatPeer(ctx, raw)
	}

	if u, err := b.mgr.ResolveUserID(ctx, id); err == nil {
		return u.InputPeer(), nil
	} else if !isPeerNotFound(err) {
		return nil, errors.Wrapf(err, "resolve user %d", id)
	}
	if p, err := b.channelPeer(ctx, id); err == nil {
		return p, nil
	} else if !isPeerNotFound(err) {
		return nil, err
	}
	return b.chatPeer(ctx, id)
}

// splitBotAPIID разбирает отрицательный id в нотации Bot API.
func splitBotAPIID(id int64) (string, int64) {
	abs := -id
	if abs > botAPIChannelShift {
		return chatChannel, abs - botAPIChannelShift
	}
	return chatGroup, abs
}

func (b *peerBook) channelPeer(ctx context.Context, id int64) (tg.InputPeerClass, error) {
	ch, err := b.mgr.ResolveChannelID(ctx, id)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve channel %d", id)
	}
	return ch.InputPeer(), nil
}

func (b *peerBook) chatPeer(ctx context.Context, id int64) (tg.InputPeerClass, error) {
	ch, err := b.mgr.ResolveChatID(ctx, id)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve chat %d", id)
	}
	return ch.InputPeer(), nil
}

func isPeerNotFound(err error) bool {
	var nf *peers.PeerNotFoundError
	return errors.As(err, &nf)
}

func isJSONError(err error) bool {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return true
	}
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return true
	}
	return strings.Contains(err.Error(), "json:")
}

// fetchDialogEntities постранично выгружает диалоги и собирает пользователей и чаты.
func fetchDialogEntities(ctx context.Context, api *tg.Client) ([]tg.UserClass, []tg.ChatClass, error) {
	var (
		users      []tg.UserClass
		chats      []tg.ChatClass
		offsetDate int
		offsetID   int
		offsetPeer tg.InputPeerClass = &tg.InputPeerEmpty{}
	)
	userHashes := map[int64]int64{}
	channelHashes := map[int64]int64{}

	for {
		resp, err := api.MessagesGetDialogs(ctx, &tg.MessagesGetDialogsRequest{
			OffsetDate: offsetDate,
			OffsetID:   offsetID,
			OffsetPeer: offsetPeer,
			Limit:      dialogFetchPageLimit,
		})
		if err != nil {
			return nil, nil, err
		}
		batch, err := normalizeDialogs(resp)
		if errors.Is(err, errDialogsNotModified) {
			break
		}
		if err != nil {
			return nil, nil, err
		}
		if len(batch.Dialogs) == 0 {
			break
		}

		users = append(users, batch.Users...)
		chats = append(chats, batch.Chats...)
		for _, u := range batch.Users {
			if user, ok := u.(*tg.User); ok {
				userHashes[user.ID] = user.AccessHash
			}
		}
		for _, c := range batch.Chats {
			if ch, ok := c.(*tg.Channel); ok {
				channelHashes[ch.ID] = ch.AccessHash
			}
		}

		if len(batch.Dialogs) < dialogFetchPageLimit {
			break
		}
		last, ok := batch.Dialogs[len(batch.Dialogs)-1].(*tg.Dialog)
		if !ok {
			break
		}
		offsetID = last.TopMessage
		if d := messageDate(batch.Messages, last.TopMessage); d != 0 {
			offsetDate = d
		}
		offsetPeer = dialogInputPeer(last.Peer, userHashes, channelHashes)

		if err := pause(ctx); err != nil {
			return nil, nil, err
		}
	}
	return users, chats, nil
}

func normalizeDialogs(resp tg.MessagesDialogsClass) (*tg.MessagesDialogs, error) {
	switch data := resp.(type) {
	case *tg.MessagesDialogs:
		return data, nil
	case *tg.MessagesDialogsSlice:
		return &tg.MessagesDialogs{
			Dialogs:  data.Dialogs,
			Messages: data.Messages,
			Chats:    data.Chats,
			Users:    data.Users,
		}, nil
	case *tg.MessagesDialogsNotModified:
		return nil, errDialogsNotModified
	default:
		return nil, errors.Errorf("unexpected dialogs response: %T", resp)
	}
}

func messageDate(messages []tg.MessageClass, id int) int {
	for _, m := range messages {
		switch item := m.(type) {
		case *tg.Message:
			if item.ID == id {
				return item.Date
			}
		case *tg.MessageService:
			if item.ID == id {
				return item.Date
			}
		}
	}
	return 0
}

func dialogInputPeer(peer tg.PeerClass, userHashes, channelHashes map[int64]int64) tg.InputPeerClass {
	switch p := peer.(type) {
	case *tg.PeerUser:
		return &tg.InputPeerUser{UserID: p.UserID, AccessHash: userHashes[p.UserID]}
	case *tg.PeerChat:
		return &tg.InputPeerChat{ChatID: p.ChatID}
	case *tg.PeerChannel:
		return &tg.InputPeerChannel{ChannelID: p.ChannelID, AccessHash: channelHashes[p.ChannelID]}
	default:
		return &tg.InputPeerEmpty{}
	}
}

// pause выдерживает случайную паузу между страницами, чтобы не ловить FLOOD_WAIT.
func pause(ctx context.Context) error {
	d := dialogFetchWaitMin + rand.N(dialogFetchWaitMax-dialogFetchWaitMin) // #nosec G404
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
