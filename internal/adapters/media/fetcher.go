// Package media скачивает вложения исходящих сообщений по HTTP(S).
package media

import (
	"context"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"tgworker/internal/domain/sessions"
	"tgworker/internal/infra/logger"
)

const defaultName = "file"

// ErrTooLarge: вложение превышает лимит размера.
var ErrTooLarge = errors.New("media exceeds size limit")

// Fetcher реализует sessions.MediaFetcher.
type Fetcher struct {
	client   *resty.Client
	maxBytes int64
	log      *zap.Logger
}

var _ sessions.MediaFetcher = (*Fetcher)(nil)

// New создаёт загрузчик с таймаутом на весь запрос и лимитом размера тела.
func New(timeout time.Duration, maxBytes int64) *Fetcher {
	return &Fetcher{
		client:   resty.New().SetTimeout(timeout).SetRedirectPolicy(resty.FlexibleRedirectPolicy(5)),
		maxBytes: maxBytes,
		log:      logger.Named("media"),
	}
}

// Fetch скачивает att.URL. Имя и MIME берутся из запроса, затем из ответа,
// затем угадываются по содержимому.
func (f *Fetcher) Fetch(ctx context.Context, att sessions.OutboundAttachment) (sessions.Media, error) {
	u, err := sessions.ParseMediaURL(att.URL)
	if err != nil {
		return sessions.Media{}, err
	}

	resp, err := f.client.R().SetContext(ctx).SetDoNotParseResponse(true).Get(u.String())
	if err != nil {
		return sessions.Media{}, errors.Wrap(err, "get media")
	}
	body := resp.RawBody()
	defer func() { _ = body.Close() }()

	if resp.StatusCode() != http.StatusOK {
		return sessions.Media{}, errors.Errorf("media responded %d", resp.StatusCode())
	}
	if f.maxBytes > 0 && resp.RawResponse.ContentLength > f.maxBytes {
		return sessions.Media{}, errors.Wrapf(ErrTooLarge, "content-length %d", resp.RawResponse.ContentLength)
	}

	reader := io.Reader(body)
	if f.maxBytes > 0 {
		reader = io.LimitReader(body, f.maxBytes+1)
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return sessions.Media{}, errors.Wrap(err, "read media")
	}
	if f.maxBytes > 0 && int64(len(data)) > f.maxBytes {
		return sessions.Media{}, errors.Wrapf(ErrTooLarge, "limit %d bytes", f.maxBytes)
	}

	out := sessions.Media{
		Name: att.Name,
		MIME: att.MIME,
		Data: data,
	}
	if out.Name == "" {
		out.Name = nameFrom(u, resp.Header().Get("Content-Disposition"))
	}
	if out.MIME == "" {
		out.MIME = mimeFrom(resp.Header().Get("Content-Type"), data)
	}
	f.log.Debug("media fetched",
		zap.String("url", u.Redacted()),
		zap.String("name", out.Name),
		zap.String("mime", out.MIME),
		zap.Int("bytes", len(data)),
	)
	return out, nil
}

func nameFrom(u *url.URL, disposition string) string {
	if disposition != "" {
		if _, params, err := mime.ParseMediaType(disposition); err == nil && params["filename"] != "" {
			return path.Base(params["filename"])
		}
	}
	if base := path.Base(u.Path); base != "" && base != "/" && base != "." {
		return base
	}
	return defaultName
}

func mimeFrom(contentType string, data []byte) string {
	if contentType != "" {
		if mt, _, err := mime.ParseMediaType(contentType); err == nil && mt != "application/octet-stream" {
			return mt
		}
	}
	mt, _, _ := mime.ParseMediaType(http.DetectContentType(data))
	return mt
}
