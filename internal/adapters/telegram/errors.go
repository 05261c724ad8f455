package telegram

import (
	"context"
	"io"
	"net"

	"github.com/go-faster/errors"
	"github.com/gotd/td/pool"
	"github.com/gotd/td/rpc"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/tgerr"

	"tgworker/internal/domain/sessions"
)

// Типы RPC-ошибок, означающие, что ключ авторизации больше не принадлежит
// пользователю. Повторять такие вызовы бессмысленно.
var authKeyErrors = []string{
	"AUTH_KEY_UNREGISTERED",
	"AUTH_KEY_INVALID",
	"AUTH_KEY_PERM_EMPTY",
	"SESSION_REVOKED",
	"SESSION_EXPIRED",
	"USER_DEACTIVATED",
	"USER_DEACTIVATED_BAN",
}

// mapError переводит ошибки gotd в таксономию sessions. Уже типизированные
// ошибки и отмена контекста проходят как есть.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if sessions.CodeOf(err) != "" || errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, sessions.ErrPasswordNeeded) || errors.Is(err, sessions.ErrIncompatible) {
		return err
	}

	if d, ok := tgerr.AsFloodWait(err); ok {
		return &sessions.Error{Code: sessions.CodeFloodWait, RetryAfter: d, Err: err}
	}

	switch {
	case tgerr.Is(err, authKeyErrors...):
		return sessions.NewError(sessions.CodeAuthKeyUnregistered, err)
	case tgerr.Is(err, "PASSWORD_HASH_INVALID"), errors.Is(err, auth.ErrPasswordInvalid):
		return sessions.NewError(sessions.CodePasswordInvalid, err)
	case tgerr.Is(err, "SRP_ID_INVALID"):
		return sessions.NewError(sessions.CodeSRPInvalid, err)
	case tgerr.Is(err, "SESSION_PASSWORD_NEEDED"), errors.Is(err, auth.ErrPasswordAuthNeeded):
		return errors.Wrap(sessions.ErrPasswordNeeded, err.Error())
	case isNetworkError(err):
		return sessions.NewError(sessions.CodeNetwork, err)
	default:
		return sessions.NewError(sessions.CodeProtocol, err)
	}
}

// isNetworkError определяет, сигнализирует ли ошибка о разрыве соединения:
// закрытие соединения/движка, исчерпание ретраев, таймауты, EOF и net.Error.
// Отмену контекста сетевой не считаем.
func isNetworkError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, pool.ErrConnDead) || errors.Is(err, rpc.ErrEngineClosed) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var retryErr *rpc.RetryLimitReachedErr
	if errors.As(err, &retryErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.EOF) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
