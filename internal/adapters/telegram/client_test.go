package telegram

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/gotd/td/tg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"

	"tgworker/internal/adapters/telegram/session"
	"tgworker/internal/domain/sessions"
	"tgworker/internal/infra/concurrency"
)

func newTestFactory(t *testing.T) (*Factory, *bbolt.DB) {
	t.Helper()
	root := t.TempDir()
	db, err := OpenStateDB(filepath.Join(root, "state", "state.bbolt"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	dir, err := session.NewDir(filepath.Join(root, "sessions"))
	require.NoError(t, err)
	f, err := NewFactory(Config{APIID: 1, APIHash: "hash", ThrottleRPS: 5}, dir, db)
	require.NoError(t, err)
	return f, db
}

func TestNewFactoryValidates(t *testing.T) {
	t.Parallel()

	_, err := NewFactory(Config{}, nil, nil)
	assert.Error(t, err)
}

func TestFactoryRejectsInvalidTenant(t *testing.T) {
	t.Parallel()
	f, _ := newTestFactory(t)

	_, err := f.NewClient("../x")
	assert.ErrorIs(t, err, sessions.ErrTenantRequired)
	assert.ErrorIs(t, err, session.ErrInvalidTenant)
}

func TestClientNotConnected(t *testing.T) {
	t.Parallel()
	f, _ := newTestFactory(t)

	c, err := f.NewClient("7")
	require.NoError(t, err)

	_, err = c.IsAuthorized(context.Background())
	assert.Equal(t, sessions.CodeNetwork, sessions.CodeOf(err))
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	err = c.Connect(context.Background())
	assert.ErrorIs(t, err, sessions.ErrClientStopped)
}

func TestFactoryRemoveDropsPeers(t *testing.T) {
	t.Parallel()
	f, db := newTestFactory(t)

	fs, err := f.dir.Storage("7")
	require.NoError(t, err)
	require.NoError(t, fs.StoreSession(context.Background(), []byte("x")))
	require.NoError(t, db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte("peers:7"))
		return err
	}))
	ids, err := f.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"7"}, ids)

	require.NoError(t, f.Remove("7"))
	assert.False(t, f.Exists("7"))
	require.NoError(t, db.View(func(tx *bbolt.Tx) error {
		assert.Nil(t, tx.Bucket([]byte("peers:7")))
		return nil
	}))
}

func TestIsPhotoMIME(t *testing.T) {
	t.Parallel()

	assert.True(t, isPhotoMIME("image/JPEG"))
	assert.True(t, isPhotoMIME("image/png"))
	assert.False(t, isPhotoMIME("image/gif"))
	assert.False(t, isPhotoMIME("application/pdf"))
}

func TestOnMessageSkipsDuplicates(t *testing.T) {
	t.Parallel()

	var got []sessions.InboundMessage
	c := &Client{
		tenant: "7",
		log:    zap.NewNop(),
		dedup:  concurrency.NewDeduplicator(time.Minute, nil),
		selfID: 555,
		events: sessions.Events{OnMessage: func(_ context.Context, msg sessions.InboundMessage) error {
			got = append(got, msg)
			return nil
		}},
	}
	msg := &tg.Message{ID: 42, PeerID: &tg.PeerUser{UserID: 100}, Message: "hi"}

	require.NoError(t, c.onMessage(context.Background(), tg.Entities{}, msg))
	require.NoError(t, c.onMessage(context.Background(), tg.Entities{}, msg))
	require.NoError(t, c.onMessage(context.Background(), tg.Entities{}, &tg.Message{ID: 43, PeerID: &tg.PeerUser{UserID: 100}}))
	require.NoError(t, c.onMessage(context.Background(), tg.Entities{}, &tg.MessageService{ID: 44}))

	require.Len(t, got, 2)
	assert.Equal(t, "hi", got[0].Text)
	assert.Equal(t, "555", got[0].To)
}
