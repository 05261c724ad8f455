package web

import (
	"encoding/json"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strconv"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"tgworker/internal/domain/sessions"
	"tgworker/internal/infra/logger"
)

// errorBody: тело любого отказа.
type errorBody struct {
	OK         bool   `json:"ok"`
	Error      string `json:"error"`
	Detail     string `json:"detail,omitempty"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

type okBody struct {
	OK bool `json:"ok"`
}

// statusByCode: HTTP-статус для каждого кода таксономии.
var statusByCode = map[sessions.Code]int{
	sessions.CodeQRExpired:           http.StatusGone,
	sessions.CodeQRLoginTimeout:      http.StatusGone,
	sessions.CodeTwoFATimeout:        http.StatusGone,
	sessions.CodeTwoFAExpired:        http.StatusGone,
	sessions.CodeQRNotFound:          http.StatusNotFound,
	sessions.CodePasswordRequired:    http.StatusBadRequest,
	sessions.CodeMissingTarget:       http.StatusBadRequest,
	sessions.CodeMissingContent:      http.StatusBadRequest,
	sessions.CodeInvalidMediaURL:     http.StatusBadRequest,
	sessions.CodeTenantRequired:      http.StatusBadRequest,
	sessions.CodePasswordInvalid:     http.StatusUnauthorized,
	sessions.CodeNotAuthorized:       http.StatusConflict,
	sessions.CodeAuthKeyUnregistered: http.StatusConflict,
	sessions.CodeFloodWait:           http.StatusTooManyRequests,
	sessions.CodeProtocol:            http.StatusBadGateway,
	sessions.CodePasswordException:   http.StatusBadGateway,
	sessions.CodeSRPInvalid:          http.StatusBadGateway,
	sessions.CodeMediaFetch:          http.StatusBadGateway,
	sessions.CodeNetwork:             http.StatusServiceUnavailable,
	sessions.CodeNotReady:            http.StatusServiceUnavailable,
}

// httpStatus отображает код таксономии в HTTP-статус; нетипизированные ошибки дают 500.
func httpStatus(code sessions.Code) int {
	if st, ok := statusByCode[code]; ok {
		return st
	}
	return http.StatusInternalServerError
}

// writeError пишет отказ. Для flood_wait выставляет Retry-After (секунды, вверх).
func writeError(w http.ResponseWriter, err error) {
	code := sessions.CodeOf(err)
	body := errorBody{Error: string(code)}
	if code == "" {
		body.Error = "internal_error"
		logger.Error("unclassified error", zap.Error(err))
	}
	var typed *sessions.Error
	if errors.As(err, &typed) && typed.Err != nil {
		body.Detail = typed.Err.Error()
	}
	if wait, ok := sessions.RetryAfterOf(err); ok {
		secs := int(math.Ceil(wait.Seconds()))
		body.RetryAfter = secs
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	writeJSON(w, httpStatus(code), body)
}

// writeBadRequest: тело запроса не разобрано.
func writeBadRequest(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: "bad_request", Detail: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	data, err := json.Marshal(v)
	if err != nil {
		logger.Error("failed to encode response", zap.Error(err))
		return
	}
	writeResponse(w, append(data, '\n'))
}

// writeResponse записывает ответ в ResponseWriter с автоматическим логированием ошибок.
// Автоматически определяет место вызова для отладки.
func writeResponse(w http.ResponseWriter, data []byte) {
	var writeErr error

	if _, writeErr = w.Write(data); writeErr == nil {
		return
	}

	callerLocation := "unknown"
	if _, file, line, ok := runtime.Caller(1); ok {
		if wd, getwdErr := os.Getwd(); getwdErr == nil {
			if rel, relErr := filepath.Rel(wd, file); relErr == nil {
				file = rel
			}
		}
		callerLocation = file + ":" + strconv.Itoa(line)
	}

	logger.Error("failed to write response",
		zap.String("caller", callerLocation),
		zap.Error(writeErr))
}
