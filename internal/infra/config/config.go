// Пакет config отвечает за сбор и предоставление конфигурации tgworker.
// Он:
//  1. читает переменные окружения из .env (через godotenv), не перетирая уже
//     выставленные переменные процесса;
//  2. нормализует и валидирует значения, подставляя дефолты;
//  3. накапливает предупреждения о подставленных дефолтах, чтобы main вывел их
//     после инициализации логгера.
//
// Конфиг среды управляет подключением к Telegram API (api id/hash, «паспорт»
// устройства), каталогом файлов сессий, вебхуком для входящих сообщений,
// таймингами QR/2FA и HTTP-адресом REST-поверхности.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// EnvConfig описывает параметры, приходящие из окружения. Значения уже прошли
// валидацию в loadConfig; в рантайме EnvConfig считается согласованным.
type EnvConfig struct {
	APIID   int
	APIHash string

	SessionsDir string
	StateDBFile string

	WebhookURL          string
	WebhookSecret       string
	WebhookSecretHeader string
	WebhookTimeout      time.Duration

	MediaFetchTimeout time.Duration
	MediaMaxBytes     int64

	InboundDedupWindow time.Duration

	// «Паспорт» устройства, передаваемый в initConnection.
	DeviceModel    string
	SystemVersion  string
	AppVersion     string
	LangCode       string
	SystemLangCode string

	QRTTL           time.Duration
	QRPollInterval  time.Duration
	QRRetention     time.Duration
	TwoFATTL        time.Duration
	TwoFAFloodFloor time.Duration

	ThrottleRPS  int
	FloodMaxWait time.Duration
	TestDC       bool

	HTTPAddress          string
	BootstrapConcurrency int

	LogLevel string
	// Файловое логирование
	LogFile           string
	LogFileLevel      string
	LogFileMaxSize    int
	LogFileMaxBackups int
	LogFileMaxAge     int
	LogFileCompress   bool
}

// Config: снимок конфигурации и предупреждений, собранных при загрузке.
type Config struct {
	Env      EnvConfig
	warnings []string
}

// Значения по умолчанию для параметров окружения.
const (
	defaultSessionsDir          = "data/sessions"
	defaultStateDBFile          = "data/state.bbolt"
	defaultWebhookSecretHeader  = "X-Webhook-Secret"
	defaultWebhookTimeoutSec    = 10
	defaultMediaFetchTimeoutSec = 30
	defaultMediaMaxBytes        = 50 << 20
	defaultInboundDedupSec      = 300
	defaultDeviceModel          = "tgworker"
	defaultSystemVersion        = "linux"
	defaultAppVersion           = "1.0.0"
	defaultLangCode             = "en"
	defaultQRTTLSec             = 180
	defaultQRPollIntervalSec    = 5
	defaultQRRetentionMin       = 15
	defaultTwoFATTLSec          = 90
	defaultTwoFAFloodFloorSec   = 60
	defaultThrottleRPS          = 5
	defaultFloodMaxWaitSec      = 5
	defaultHTTPAddress          = "0.0.0.0:8000"
	defaultBootstrapConcurrency = 4
	defaultLogLevel             = "info"
	// Файловое логирование (без явного LOG_FILE выключено)
	defaultLogFileLevel      = "debug"
	defaultLogFileMaxSize    = 50
	defaultLogFileMaxBackups = 3
	defaultLogFileMaxAge     = 7
	defaultLogFileCompress   = true
)

// Load читает .env по пути envPath (если файл есть) и собирает Config.
// Отсутствующий файл не ошибка: в контейнере переменные обычно приходят из окружения.
func Load(envPath string) (*Config, error) {
	var warnings []string
	if path := strings.TrimSpace(envPath); path != "" {
		if err := godotenv.Load(path); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("failed to load .env: %w", err)
			}
			appendWarningf(&warnings, "env file %q not found; using process environment", path)
		}
	}
	return loadConfig(warnings)
}

// loadConfig выполняет фактическую валидацию без чтения файлов. Удобно для тестов:
// достаточно выставить переменные через t.Setenv.
func loadConfig(warnings []string) (*Config, error) {
	apiID, err := parseRequiredInt("API_ID")
	if err != nil {
		return nil, err
	}

	apiHash := strings.TrimSpace(os.Getenv("API_HASH"))
	if apiHash == "" {
		return nil, errors.New("env API_HASH must be set")
	}

	webhookURL := strings.TrimSpace(os.Getenv("WEBHOOK_URL"))
	if webhookURL == "" {
		appendWarningf(&warnings, "env WEBHOOK_URL is not set; inbound messages will be dropped")
	}
	webhookSecret := strings.TrimSpace(os.Getenv("WEBHOOK_SECRET"))
	if webhookURL != "" && webhookSecret == "" {
		appendWarningf(&warnings, "env WEBHOOK_SECRET is empty; webhook requests are unsigned")
	}

	env := EnvConfig{
		APIID:   apiID,
		APIHash: apiHash,

		SessionsDir: sanitizeString("SESSIONS_DIR", defaultSessionsDir, &warnings),
		StateDBFile: sanitizeString("STATE_DB_FILE", defaultStateDBFile, &warnings),

		WebhookURL:          webhookURL,
		WebhookSecret:       webhookSecret,
		WebhookSecretHeader: sanitizeString("WEBHOOK_SECRET_HEADER", defaultWebhookSecretHeader, &warnings),
		WebhookTimeout:      seconds(parseIntDefault("WEBHOOK_TIMEOUT_SEC", defaultWebhookTimeoutSec, greaterThanZero, &warnings)),

		MediaFetchTimeout: seconds(parseIntDefault("MEDIA_FETCH_TIMEOUT_SEC", defaultMediaFetchTimeoutSec, greaterThanZero, &warnings)),
		MediaMaxBytes:     int64(parseIntDefault("MEDIA_MAX_BYTES", defaultMediaMaxBytes, greaterThanZero, &warnings)),

		InboundDedupWindow: seconds(parseIntDefault("INBOUND_DEDUP_WINDOW_SEC", defaultInboundDedupSec, nonNegative, &warnings)),

		DeviceModel:    sanitizeString("DEVICE_MODEL", defaultDeviceModel, &warnings),
		SystemVersion:  sanitizeString("SYSTEM_VERSION", defaultSystemVersion, &warnings),
		AppVersion:     sanitizeString("APP_VERSION", defaultAppVersion, &warnings),
		LangCode:       sanitizeString("LANG_CODE", defaultLangCode, &warnings),
		SystemLangCode: sanitizeString("SYSTEM_LANG_CODE", defaultLangCode, &warnings),

		QRTTL:           seconds(parseIntDefault("QR_TTL_SEC", defaultQRTTLSec, greaterThanZero, &warnings)),
		QRPollInterval:  seconds(parseIntDefault("QR_POLL_INTERVAL_SEC", defaultQRPollIntervalSec, greaterThanZero, &warnings)),
		QRRetention:     time.Duration(parseIntDefault("QR_RETENTION_MIN", defaultQRRetentionMin, greaterThanZero, &warnings)) * time.Minute,
		TwoFATTL:        seconds(parseIntDefault("TWOFA_TTL_SEC", defaultTwoFATTLSec, greaterThanZero, &warnings)),
		TwoFAFloodFloor: seconds(parseIntDefault("TWOFA_FLOOD_FLOOR_SEC", defaultTwoFAFloodFloorSec, nonNegative, &warnings)),

		ThrottleRPS:  parseIntDefault("THROTTLE_RPS", defaultThrottleRPS, greaterThanZero, &warnings),
		FloodMaxWait: seconds(parseIntDefault("FLOOD_MAX_WAIT_SEC", defaultFloodMaxWaitSec, nonNegative, &warnings)),
		TestDC:       parseBoolDefault("TEST_DC", false, &warnings),

		HTTPAddress:          sanitizeString("HTTP_ADDRESS", defaultHTTPAddress, &warnings),
		BootstrapConcurrency: parseIntDefault("BOOTSTRAP_CONCURRENCY", defaultBootstrapConcurrency, greaterThanZero, &warnings),

		LogLevel:          sanitizeLogLevel("LOG_LEVEL", defaultLogLevel, &warnings),
		LogFile:           strings.TrimSpace(os.Getenv("LOG_FILE")),
		LogFileLevel:      sanitizeLogLevel("LOG_FILE_LEVEL", defaultLogFileLevel, &warnings),
		LogFileMaxSize:    parseIntDefault("LOG_FILE_MAX_SIZE_MB", defaultLogFileMaxSize, greaterThanZero, &warnings),
		LogFileMaxBackups: parseIntDefault("LOG_FILE_MAX_BACKUPS", defaultLogFileMaxBackups, nonNegative, &warnings),
		LogFileMaxAge:     parseIntDefault("LOG_FILE_MAX_AGE_DAYS", defaultLogFileMaxAge, nonNegative, &warnings),
		LogFileCompress:   parseBoolDefault("LOG_FILE_COMPRESS", defaultLogFileCompress, &warnings),
	}

	return &Config{Env: env, warnings: warnings}, nil
}

// Warnings возвращает копию предупреждений, накопленных при загрузке.
func (c *Config) Warnings() []string {
	result := make([]string, len(c.warnings))
	copy(result, c.warnings)
	return result
}

func seconds(v int) time.Duration { return time.Duration(v) * time.Second }

// parseRequiredInt читает обязательную целочисленную переменную окружения name.
func parseRequiredInt(name string) (int, error) {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return 0, fmt.Errorf("env %s must be set", name)
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("env %s must be a valid integer: %w", name, err)
	}
	return v, nil
}

// parseIntDefault читает name как int. Если значение пустое, некорректное или не
// прошло validator, возвращает defaultVal и пишет предупреждение.
func parseIntDefault(name string, defaultVal int, validator func(int) bool, warnings *[]string) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		appendWarningf(warnings, "env %s value %q is not a valid integer; using default %d", name, value, defaultVal)
		return defaultVal
	}
	if validator != nil && !validator(v) {
		appendWarningf(warnings, "env %s value %d does not satisfy constraints; using default %d", name, v, defaultVal)
		return defaultVal
	}
	return v
}

// parseBoolDefault читает name как bool. Некорректное значение → defaultVal с предупреждением.
func parseBoolDefault(name string, defaultVal bool, warnings *[]string) bool {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return defaultVal
	}
	v, err := strconv.ParseBool(value)
	if err != nil {
		appendWarningf(warnings, "env %s value %q is not a valid boolean; using default %v", name, value, defaultVal)
		return defaultVal
	}
	return v
}

// sanitizeLogLevel ограничивает значения набором {debug, info, warn, error}.
func sanitizeLogLevel(name, defaultVal string, warnings *[]string) string {
	raw := os.Getenv(name)
	lvl := strings.ToLower(strings.TrimSpace(raw))
	if lvl == "" {
		return defaultVal
	}
	switch lvl {
	case "debug", "info", "warn", "error":
		return lvl
	default:
		appendWarningf(warnings, "env %s value %q is invalid; using default %q", name, raw, defaultVal)
		return defaultVal
	}
}

// sanitizeString возвращает обрезанное значение переменной или fallback.
func sanitizeString(name, fallback string, warnings *[]string) string {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		appendWarningf(warnings, "env %s is not set; using default %q", name, fallback)
		return fallback
	}
	return v
}

func appendWarningf(warnings *[]string, format string, args ...any) {
	if warnings == nil {
		return
	}
	*warnings = append(*warnings, fmt.Sprintf(format, args...))
}

func greaterThanZero(v int) bool { return v > 0 }
func nonNegative(v int) bool     { return v >= 0 }
