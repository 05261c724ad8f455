package media

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tgworker/internal/domain/sessions"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n0000")

func TestFetch(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/img/cat.png", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(pngHeader)
	})
	mux.HandleFunc("/doc", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/pdf; charset=binary")
		w.Header().Set("Content-Disposition", `attachment; filename="report.pdf"`)
		_, _ = w.Write([]byte("%PDF-1.4"))
	})
	mux.HandleFunc("/big", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", 64)))
	})
	mux.HandleFunc("/missing", http.NotFound)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	f := New(time.Second, 32)

	t.Run("detects name and mime", func(t *testing.T) {
		m, err := f.Fetch(context.Background(), sessions.OutboundAttachment{URL: srv.URL + "/img/cat.png"})
		require.NoError(t, err)
		assert.Equal(t, "cat.png", m.Name)
		assert.Equal(t, "image/png", m.MIME)
		assert.Equal(t, pngHeader, m.Data)
	})

	t.Run("uses response headers", func(t *testing.T) {
		m, err := f.Fetch(context.Background(), sessions.OutboundAttachment{URL: srv.URL + "/doc"})
		require.NoError(t, err)
		assert.Equal(t, "report.pdf", m.Name)
		assert.Equal(t, "application/pdf", m.MIME)
	})

	t.Run("explicit name and mime win", func(t *testing.T) {
		m, err := f.Fetch(context.Background(), sessions.OutboundAttachment{URL: srv.URL + "/doc", Name: "a.bin", MIME: "application/x-test"})
		require.NoError(t, err)
		assert.Equal(t, "a.bin", m.Name)
		assert.Equal(t, "application/x-test", m.MIME)
	})

	t.Run("size limit", func(t *testing.T) {
		_, err := f.Fetch(context.Background(), sessions.OutboundAttachment{URL: srv.URL + "/big"})
		assert.ErrorIs(t, err, ErrTooLarge)
	})

	t.Run("not found", func(t *testing.T) {
		_, err := f.Fetch(context.Background(), sessions.OutboundAttachment{URL: srv.URL + "/missing"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "404")
	})

	t.Run("bad scheme", func(t *testing.T) {
		_, err := f.Fetch(context.Background(), sessions.OutboundAttachment{URL: "file:///etc/passwd"})
		assert.ErrorIs(t, err, sessions.ErrInvalidMediaURL)
	})
}
