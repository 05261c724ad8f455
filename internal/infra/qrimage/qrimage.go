// Package qrimage рендерит payload QR-логина (tg://login?token=...) в PNG.
package qrimage

import (
	"strings"

	"github.com/go-faster/errors"
	"rsc.io/qr"
)

// scale: размер модуля в пикселях; 8 даёт ~300px для типичного токена.
const scale = 8

// PNG кодирует text в QR с коррекцией уровня M и возвращает PNG-байты.
func PNG(text string) ([]byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("qrimage: empty payload")
	}
	code, err := qr.Encode(text, qr.M)
	if err != nil {
		return nil, errors.Wrap(err, "encode qr")
	}
	code.Scale = scale
	return code.PNG(), nil
}
