package webhook_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tgworker/internal/adapters/webhook"
	"tgworker/internal/domain/sessions"
)

func TestDeliverPostsJSONWithSecret(t *testing.T) {
	t.Parallel()

	got := make(chan sessions.InboundMessage, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "s3cr3t", r.Header.Get("X-Hook"))
		assert.Contains(t, r.Header.Get("Content-Type"), "application/json")
		var msg sessions.InboundMessage
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&msg))
		got <- msg
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)

	d := webhook.New(webhook.Options{URL: srv.URL, Secret: "s3cr3t", SecretHeader: "X-Hook", Timeout: time.Second})
	msg := sessions.InboundMessage{
		Tenant:      "7",
		Channel:     sessions.ChannelTelegram,
		FromID:      "100",
		Chat:        sessions.Chat{Type: "user", ID: 100},
		Text:        "hi",
		Attachments: []sessions.Attachment{},
	}
	require.NoError(t, d.Deliver(context.Background(), msg))

	select {
	case m := <-got:
		assert.Equal(t, "7", m.Tenant)
		assert.Equal(t, "hi", m.Text)
	case <-time.After(time.Second):
		t.Fatal("webhook not called")
	}
}

func TestDeliverNon2xxIsError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	d := webhook.New(webhook.Options{URL: srv.URL, Timeout: time.Second})
	err := d.Deliver(context.Background(), sessions.InboundMessage{Tenant: "7"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestDeliverDisabled(t *testing.T) {
	t.Parallel()

	d := webhook.New(webhook.Options{})
	assert.ErrorIs(t, d.Deliver(context.Background(), sessions.InboundMessage{}), webhook.ErrDisabled)
}
