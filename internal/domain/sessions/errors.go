package sessions

import (
	"errors"
	"fmt"
	"time"
)

// Code: закрытая таксономия отказов менеджера сессий. HTTP-слой отображает
// коды в статусы один к одному, поэтому новые коды добавляются только вместе
// с маппингом в adapters/web.
type Code string

const (
	CodeQRExpired           Code = "qr_expired"
	CodeQRNotFound          Code = "qr_not_found"
	CodeQRLoginTimeout      Code = "qr_login_timeout"
	CodePasswordRequired    Code = "password_required"
	CodePasswordInvalid     Code = "password_invalid"
	CodeSRPInvalid          Code = "srp_invalid"
	CodeFloodWait           Code = "flood_wait"
	CodePasswordException   Code = "password_exception"
	CodeTwoFATimeout        Code = "twofa_timeout"
	CodeTwoFAExpired        Code = "twofa_expired"
	CodeAuthKeyUnregistered Code = "authkey_unregistered"
	CodeMissingTarget       Code = "missing_target"
	CodeMissingContent      Code = "missing_content"
	CodeInvalidMediaURL     Code = "invalid_media_url"
	CodeNotAuthorized       Code = "session_not_authorized"
	CodeTenantRequired      Code = "tenant_required"
	CodeProtocol            Code = "protocol_error"
	CodeNetwork             Code = "network_error"
	CodeMediaFetch          Code = "media_fetch_failed"
	CodeNotReady            Code = "not_ready"
)

// Error: типизированный отказ. RetryAfter заполнен только для CodeFloodWait.
type Error struct {
	Code       Code
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.Code == CodeFloodWait:
		return fmt.Sprintf("%s: retry after %s", e.Code, e.RetryAfter)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	default:
		return string(e.Code)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is сравнивает ошибки по коду, чтобы работало errors.Is(err, ErrPasswordInvalid).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code && t.Err == nil
}

// NewError оборачивает cause в типизированную ошибку с кодом code.
func NewError(code Code, cause error) *Error {
	return &Error{Code: code, Err: cause}
}

// FloodWait строит отказ с обязательной паузой.
func FloodWait(wait time.Duration) *Error {
	return &Error{Code: CodeFloodWait, RetryAfter: wait}
}

// Сентинелы для errors.Is. Сравнение идёт по коду, причина не учитывается.
var (
	ErrQRExpired           = &Error{Code: CodeQRExpired}
	ErrQRNotFound          = &Error{Code: CodeQRNotFound}
	ErrPasswordRequired    = &Error{Code: CodePasswordRequired}
	ErrPasswordInvalid     = &Error{Code: CodePasswordInvalid}
	ErrSRPInvalid          = &Error{Code: CodeSRPInvalid}
	ErrTwoFAExpired        = &Error{Code: CodeTwoFAExpired}
	ErrAuthKeyUnregistered = &Error{Code: CodeAuthKeyUnregistered}
	ErrMissingTarget       = &Error{Code: CodeMissingTarget}
	ErrMissingContent      = &Error{Code: CodeMissingContent}
	ErrInvalidMediaURL     = &Error{Code: CodeInvalidMediaURL}
	ErrNotAuthorized       = &Error{Code: CodeNotAuthorized}
	ErrTenantRequired      = &Error{Code: CodeTenantRequired}
)

// Сигналы протокольного адаптера, не входящие в пользовательскую таксономию.
var (
	// ErrPasswordNeeded: QR принят, но аккаунт защищён облачным паролем.
	// Это не отказ, а переход в needs_2fa.
	ErrPasswordNeeded = errors.New("sessions: 2fa password needed")
	// ErrIncompatible: локальный расчёт SRP не поддерживает параметры сервера
	// (рассинхрон версий библиотеки); менеджер пробует legacy-вызов.
	ErrIncompatible = errors.New("sessions: incompatible password call")
	// ErrClientStopped: цикл соединения завершился сам, клиент больше не
	// пригоден. Менеджер отвязывает его от тенанта.
	ErrClientStopped = errors.New("sessions: client stopped")
)

// CodeOf возвращает код таксономии или пустую строку для «чужих» ошибок.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// RetryAfterOf извлекает паузу из flood_wait.
func RetryAfterOf(err error) (time.Duration, bool) {
	var e *Error
	if errors.As(err, &e) && e.Code == CodeFloodWait {
		return e.RetryAfter, true
	}
	return 0, false
}

// IsRetryable отделяет временные отказы (flood wait, сеть) от постоянных.
func IsRetryable(err error) bool {
	switch CodeOf(err) {
	case CodeFloodWait, CodeNetwork, CodePasswordException, CodeMediaFetch:
		return true
	default:
		return false
	}
}
