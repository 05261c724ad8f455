package web

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"tgworker/internal/domain/sessions"
)

// flexID принимает идентификатор и строкой, и числом: клиенты шлют tenant_id
// как 7 или "7".
type flexID string

func (f *flexID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return errors.Wrap(err, "id must be a string or a number")
	}
	*f = flexID(n.String())
	return nil
}

type startRequest struct {
	TenantID flexID `json:"tenant_id"`
	Force    bool   `json:"force"`
}

type tenantRequest struct {
	TenantID flexID `json:"tenant_id"`
}

type passwordRequest struct {
	TenantID flexID `json:"tenant_id"`
	Tenant   flexID `json:"tenant"`
	Password string `json:"password"`
}

type attachmentRequest struct {
	URL  string `json:"url"`
	Name string `json:"name"`
	MIME string `json:"mime"`
}

type sendRequest struct {
	TenantID    flexID              `json:"tenant_id"`
	Text        string              `json:"text"`
	PeerID      flexID              `json:"peer_id"`
	Username    string              `json:"username"`
	MediaURL    string              `json:"media_url"`
	Attachments []attachmentRequest `json:"attachments"`
}

type startResponse struct {
	TenantID    string `json:"tenant_id"`
	Status      string `json:"status"`
	QRID        string `json:"qr_id,omitempty"`
	QRExpiresAt string `json:"qr_expires_at,omitempty"`
	Needs2FA    bool   `json:"needs_2fa"`
	LastError   string `json:"last_error,omitempty"`
}

type statusResponse struct {
	TenantID          string         `json:"tenant_id"`
	Status            string         `json:"status"`
	QRID              string         `json:"qr_id,omitempty"`
	QRExpiresAt       string         `json:"qr_expires_at,omitempty"`
	Needs2FA          bool           `json:"needs_2fa"`
	Needs2FAExpiresAt string         `json:"needs_2fa_expires_at,omitempty"`
	TwoFABackoffUntil string         `json:"twofa_backoff_until,omitempty"`
	LastError         string         `json:"last_error,omitempty"`
	LastSeen          string         `json:"last_seen,omitempty"`
	CanRestart        bool           `json:"can_restart"`
	Stats             sessions.Stats `json:"stats"`
}

type healthResponse struct {
	AuthorizedCount int `json:"authorized_count"`
	WaitingCount    int `json:"waiting_count"`
	Needs2FA        int `json:"needs_2fa"`
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// decode читает JSON-тело с лимитом размера. Пустое тело: пустой запрос.
func decode(r *http.Request, v any) error {
	body := http.MaxBytesReader(nil, r.Body, maxBodyBytes)
	dec := json.NewDecoder(body)
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return errors.Wrap(err, "decode request body")
	}
	return nil
}

// handleStart: POST /session/start.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decode(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), mediumTimeOut)
	defer cancel()

	st, err := s.sessions.StartSession(ctx, string(req.TenantID), req.Force)
	if err != nil {
		s.log.Warn("session start failed", zap.String("tenant", string(req.TenantID)), zap.Error(err))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, startResponse{
		TenantID:    st.TenantID,
		Status:      string(st.Status),
		QRID:        st.QRID,
		QRExpiresAt: formatTime(st.QRExpiresAt),
		Needs2FA:    st.Needs2FA,
		LastError:   st.LastError,
	})
}

// handleStatus: GET /session/status?tenant=<id>.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	tenant := strings.TrimSpace(r.URL.Query().Get("tenant"))
	if tenant == "" {
		tenant = strings.TrimSpace(r.URL.Query().Get("tenant_id"))
	}
	st, err := s.sessions.Status(tenant)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := statusResponse{
		TenantID:          st.TenantID,
		Status:            string(st.Status),
		QRID:              st.QRID,
		QRExpiresAt:       formatTime(st.QRExpiresAt),
		Needs2FA:          st.Needs2FA,
		Needs2FAExpiresAt: formatTime(st.Needs2FAExpiresAt),
		TwoFABackoffUntil: formatTime(st.TwoFABackoffUntil),
		LastError:         st.LastError,
		LastSeen:          formatTime(st.LastSeen),
		CanRestart:        st.CanRestart,
		Stats:             st.Stats,
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleQR: GET /session/qr/{qr_id}.png.
func (s *Server) handleQR(w http.ResponseWriter, r *http.Request) {
	qrID := chi.URLParam(r, "qrID")
	png, err := s.sessions.QRImage(qrID, strings.TrimSpace(r.URL.Query().Get("tenant")))
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Length", strconv.Itoa(len(png)))
	w.WriteHeader(http.StatusOK)
	writeResponse(w, png)
}

// handlePassword: POST /session/2fa. Тенант можно передать как tenant_id или tenant.
func (s *Server) handlePassword(w http.ResponseWriter, r *http.Request) {
	var req passwordRequest
	if err := decode(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	tenant := req.TenantID
	if tenant == "" {
		tenant = req.Tenant
	}
	ctx, cancel := context.WithTimeout(r.Context(), mediumTimeOut)
	defer cancel()

	if err := s.sessions.SubmitPassword(ctx, string(tenant), req.Password); err != nil {
		s.log.Info("2fa submission rejected", zap.String("tenant", string(tenant)), zap.String("code", string(sessions.CodeOf(err))))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, okBody{OK: true})
}

// handleLogout: POST /session/logout.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req tenantRequest
	if err := decode(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), mediumTimeOut)
	defer cancel()

	if err := s.sessions.Logout(ctx, string(req.TenantID)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, okBody{OK: true})
}

// handleReset: POST /session/reset: hard reset без обращения к бэкенду.
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	var req tenantRequest
	if err := decode(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), shortTimeOut)
	defer cancel()

	if err := s.sessions.HardReset(ctx, string(req.TenantID)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, okBody{OK: true})
}

// handleSend: POST /send. media_url служит сокращением для одного вложения,
// оно идёт первым и получает подпись.
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := decode(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}

	var peerID int64
	if req.PeerID != "" {
		id, err := strconv.ParseInt(string(req.PeerID), 10, 64)
		if err != nil {
			writeError(w, sessions.NewError(sessions.CodeMissingTarget, errors.Wrap(err, "peer_id")))
			return
		}
		peerID = id
	}

	out := sessions.SendRequest{
		Text:     req.Text,
		PeerID:   peerID,
		Username: strings.TrimSpace(req.Username),
	}
	if u := strings.TrimSpace(req.MediaURL); u != "" {
		out.Attachments = append(out.Attachments, sessions.OutboundAttachment{URL: u})
	}
	for _, a := range req.Attachments {
		if strings.TrimSpace(a.URL) == "" {
			continue
		}
		out.Attachments = append(out.Attachments, sessions.OutboundAttachment{
			URL:  strings.TrimSpace(a.URL),
			Name: a.Name,
			MIME: a.MIME,
		})
	}

	ctx, cancel := context.WithTimeout(r.Context(), longTimeOut)
	defer cancel()

	if err := s.sessions.SendMessage(ctx, string(req.TenantID), out); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, okBody{OK: true})
}

// handleHealth: GET /health.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	h := s.sessions.Health()
	writeJSON(w, http.StatusOK, healthResponse{
		AuthorizedCount: h.Authorized,
		WaitingCount:    h.Waiting,
		Needs2FA:        h.Needs2FA,
	})
}
