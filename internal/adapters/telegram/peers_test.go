package telegram

import (
	"testing"

	"github.com/gotd/td/tg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitBotAPIID(t *testing.T) {
	t.Parallel()

	kind, id := splitBotAPIID(-1001234567890)
	assert.Equal(t, chatChannel, kind)
	assert.Equal(t, int64(1234567890), id)

	kind, id = splitBotAPIID(-4242)
	assert.Equal(t, chatGroup, kind)
	assert.Equal(t, int64(4242), id)
}

func TestNormalizeDialogs(t *testing.T) {
	t.Parallel()

	slice := &tg.MessagesDialogsSlice{Dialogs: []tg.DialogClass{&tg.Dialog{TopMessage: 3}}}
	got, err := normalizeDialogs(slice)
	require.NoError(t, err)
	assert.Len(t, got.Dialogs, 1)

	_, err = normalizeDialogs(&tg.MessagesDialogsNotModified{})
	assert.ErrorIs(t, err, errDialogsNotModified)
}

func TestDialogInputPeer(t *testing.T) {
	t.Parallel()

	users := map[int64]int64{1: 11}
	channels := map[int64]int64{2: 22}

	assert.Equal(t, &tg.InputPeerUser{UserID: 1, AccessHash: 11}, dialogInputPeer(&tg.PeerUser{UserID: 1}, users, channels))
	assert.Equal(t, &tg.InputPeerChannel{ChannelID: 2, AccessHash: 22}, dialogInputPeer(&tg.PeerChannel{ChannelID: 2}, users, channels))
	assert.Equal(t, &tg.InputPeerChat{ChatID: 3}, dialogInputPeer(&tg.PeerChat{ChatID: 3}, users, channels))
	assert.Equal(t, 7, messageDate([]tg.MessageClass{&tg.MessageService{ID: 5, Date: 7}}, 5))
}
