// Пакет config: загрузка и валидация конфигурации Clip Relay.
//
// Источник: переменные окружения CR_*. Дополнительно можно указать
// YAML-файл через CR_CONFIG_FILE: ключи файла: имена переменных без
// префикса в нижнем регистре (data_dir, max_item_size, ...).
// Переменные окружения имеют приоритет над файлом.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"gopkg.in/yaml.v3"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// envPrefix: префикс переменных окружения.
const envPrefix = "CR_"

// Config содержит все параметры конфигурации Clip Relay.
type Config struct {
	// Порт HTTP-сервера
	Port int
	// Корень хранилища записей
	DataDir string
	// Директория журнала (по умолчанию {DataDir}/.wal)
	WALDir string
	// Начальный режим (rw, ro); сохранённый .mode.json имеет приоритет
	Mode string

	// Максимальный размер одного элемента в байтах
	MaxItemSize int64
	// Максимальный размер тела запроса в байтах
	MaxRequestSize int64

	ReconcileInterval time.Duration
	GCInterval        time.Duration
	// Возраст незавершённой директории, после которого GC её удаляет
	IncompleteTTL time.Duration

	// Наблюдение за корнем хранилища через fsnotify
	Watch         bool
	WatchDebounce time.Duration

	// Интервал keepalive-комментариев SSE
	SSEKeepalive time.Duration
	// Ёмкость буфера подписчика
	SubscriberBuffer int

	// Лимит мутаций в минуту на клиента (0: без ограничения)
	RateLimit int
	RateBurst int

	// TLS включается, если заданы оба пути
	TLSCert string
	TLSKey  string

	// Разрешённые CORS origins
	CORSOrigins []string

	LogLevel  slog.Level
	LogFormat string

	// Таймаут graceful shutdown HTTP-сервера
	ShutdownTimeout time.Duration
	// HTTP таймауты. WriteTimeout по умолчанию 0: SSE-соединения долгоживущие.
	HTTPReadTimeout       time.Duration
	HTTPReadHeaderTimeout time.Duration
	HTTPWriteTimeout      time.Duration
	HTTPIdleTimeout       time.Duration
}

// TLSEnabled возвращает true, если заданы сертификат и ключ.
func (c *Config) TLSEnabled() bool {
	return c.TLSCert != "" && c.TLSKey != ""
}

// source: значения конфигурации: окружение поверх YAML-файла.
type source struct {
	file map[string]string
}

// Load загружает конфигурацию, валидирует её и возвращает Config.
func Load() (*Config, error) {
	src := &source{file: map[string]string{}}
	if path := os.Getenv(envPrefix + "CONFIG_FILE"); path != "" {
		file, err := readFile(path)
		if err != nil {
			return nil, err
		}
		src.file = file
	}
	return src.load()
}

func (src *source) load() (*Config, error) {
	cfg := &Config{}
	var err error

	// CR_PORT: порт HTTP-сервера (по умолчанию 8080)
	cfg.Port, err = src.getInt("CR_PORT", 8080)
	if err != nil {
		return nil, err
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("CR_PORT: значение %d вне допустимого диапазона 1-65535", cfg.Port)
	}

	// CR_DATA_DIR: обязательный
	cfg.DataDir, err = src.getRequired("CR_DATA_DIR")
	if err != nil {
		return nil, err
	}
	cfg.WALDir = src.getDefault("CR_WAL_DIR", strings.TrimRight(cfg.DataDir, "/")+"/.wal")

	cfg.Mode = src.getDefault("CR_MODE", "rw")
	if cfg.Mode != "rw" && cfg.Mode != "ro" {
		return nil, fmt.Errorf("CR_MODE: недопустимое значение %q, допустимые: rw, ro", cfg.Mode)
	}

	// CR_MAX_ITEM_SIZE: по умолчанию 64 MiB
	if cfg.MaxItemSize, err = src.getPositiveInt64("CR_MAX_ITEM_SIZE", 64<<20); err != nil {
		return nil, err
	}
	// CR_MAX_REQUEST_SIZE: по умолчанию 256 MiB
	if cfg.MaxRequestSize, err = src.getPositiveInt64("CR_MAX_REQUEST_SIZE", 256<<20); err != nil {
		return nil, err
	}
	if cfg.MaxRequestSize < cfg.MaxItemSize {
		return nil, fmt.Errorf("CR_MAX_REQUEST_SIZE: значение %d должно быть >= CR_MAX_ITEM_SIZE (%d)",
			cfg.MaxRequestSize, cfg.MaxItemSize)
	}

	durations := []struct {
		key      string
		dst      *time.Duration
		def      time.Duration
		positive bool
	}{
		{"CR_RECONCILE_INTERVAL", &cfg.ReconcileInterval, time.Hour, true},
		{"CR_GC_INTERVAL", &cfg.GCInterval, time.Hour, true},
		{"CR_INCOMPLETE_TTL", &cfg.IncompleteTTL, 24 * time.Hour, true},
		{"CR_WATCH_DEBOUNCE", &cfg.WatchDebounce, 500 * time.Millisecond, true},
		{"CR_SSE_KEEPALIVE", &cfg.SSEKeepalive, 30 * time.Second, true},
		{"CR_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout, 5 * time.Second, true},
		{"CR_HTTP_READ_TIMEOUT", &cfg.HTTPReadTimeout, 5 * time.Minute, false},
		{"CR_HTTP_READ_HEADER_TIMEOUT", &cfg.HTTPReadHeaderTimeout, 10 * time.Second, false},
		{"CR_HTTP_WRITE_TIMEOUT", &cfg.HTTPWriteTimeout, 0, false},
		{"CR_HTTP_IDLE_TIMEOUT", &cfg.HTTPIdleTimeout, 2 * time.Minute, false},
	}
	for _, d := range durations {
		if *d.dst, err = src.getDuration(d.key, d.def); err != nil {
			return nil, err
		}
		if *d.dst < 0 || (d.positive && *d.dst == 0) {
			return nil, fmt.Errorf("%s: значение должно быть положительным", d.key)
		}
	}

	if cfg.Watch, err = src.getBool("CR_WATCH", true); err != nil {
		return nil, err
	}

	if cfg.SubscriberBuffer, err = src.getInt("CR_SUBSCRIBER_BUFFER", 4); err != nil {
		return nil, err
	}
	if cfg.SubscriberBuffer < 1 {
		return nil, fmt.Errorf("CR_SUBSCRIBER_BUFFER: значение должно быть >= 1")
	}

	if cfg.RateLimit, err = src.getInt("CR_RATE_LIMIT", 120); err != nil {
		return nil, err
	}
	if cfg.RateBurst, err = src.getInt("CR_RATE_BURST", 20); err != nil {
		return nil, err
	}
	if cfg.RateLimit < 0 || cfg.RateBurst < 1 {
		return nil, fmt.Errorf("CR_RATE_LIMIT/CR_RATE_BURST: ожидается limit >= 0 и burst >= 1")
	}

	cfg.TLSCert = src.getDefault("CR_TLS_CERT", "")
	cfg.TLSKey = src.getDefault("CR_TLS_KEY", "")
	if (cfg.TLSCert == "") != (cfg.TLSKey == "") {
		return nil, fmt.Errorf("CR_TLS_CERT и CR_TLS_KEY задаются только вместе")
	}

	for _, origin := range strings.Split(src.getDefault("CR_CORS_ORIGINS", "*"), ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			cfg.CORSOrigins = append(cfg.CORSOrigins, origin)
		}
	}

	cfg.LogLevel, err = parseLogLevel(src.getDefault("CR_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("CR_LOG_LEVEL: %w", err)
	}

	cfg.LogFormat = src.getDefault("CR_LOG_FORMAT", "json")
	switch cfg.LogFormat {
	case "json", "text", "console":
	default:
		return nil, fmt.Errorf("CR_LOG_FORMAT: недопустимое значение %q, допустимые: json, text, console", cfg.LogFormat)
	}

	return cfg, nil
}

// SetupLogger настраивает глобальный slog-логгер.
// console: цветной вывод tint в stderr, цвета отключаются вне терминала.
func SetupLogger(cfg *Config) *slog.Logger {
	var handler slog.Handler
	switch cfg.LogFormat {
	case "console":
		handler = tint.NewHandler(colorable.NewColorable(os.Stderr), &tint.Options{
			Level:      cfg.LogLevel,
			TimeFormat: "15:04:05.000",
			NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
		})
	case "text":
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel})
	default:
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel})
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// readFile читает YAML-файл конфигурации в плоский набор ключей CR_*.
func readFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("CR_CONFIG_FILE: ошибка чтения %s: %w", path, err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("CR_CONFIG_FILE: ошибка разбора %s: %w", path, err)
	}

	out := make(map[string]string, len(raw))
	for k, v := range raw {
		key := envPrefix + strings.ToUpper(strings.ReplaceAll(k, "-", "_"))
		switch val := v.(type) {
		case nil:
			continue
		case []any:
			parts := make([]string, 0, len(val))
			for _, p := range val {
				parts = append(parts, fmt.Sprint(p))
			}
			out[key] = strings.Join(parts, ",")
		default:
			out[key] = fmt.Sprint(val)
		}
	}
	return out, nil
}

// --- Вспомогательные функции ---

// lookup возвращает значение из окружения или файла.
func (src *source) lookup(key string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return src.file[key]
}

func (src *source) getRequired(key string) (string, error) {
	val := src.lookup(key)
	if val == "" {
		return "", fmt.Errorf("%s: обязательная переменная окружения не задана", key)
	}
	return val, nil
}

func (src *source) getDefault(key, defaultVal string) string {
	if val := src.lookup(key); val != "" {
		return val
	}
	return defaultVal
}

func (src *source) getInt(key string, defaultVal int) (int, error) {
	val := src.lookup(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("%s: некорректное целое число: %q", key, val)
	}
	return n, nil
}

func (src *source) getPositiveInt64(key string, defaultVal int64) (int64, error) {
	val := src.lookup(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: некорректное целое число: %q", key, val)
	}
	if n <= 0 {
		return 0, fmt.Errorf("%s: значение должно быть положительным, получено %d", key, n)
	}
	return n, nil
}

func (src *source) getBool(key string, defaultVal bool) (bool, error) {
	val := src.lookup(key)
	if val == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("%s: некорректное логическое значение: %q", key, val)
	}
	return b, nil
}

func (src *source) getDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := src.lookup(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("%s: некорректная длительность: %q (используйте формат Go: 30s, 1h)", key, val)
	}
	return d, nil
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}
