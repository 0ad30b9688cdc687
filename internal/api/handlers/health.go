// health.go: обработчики health endpoints для Kubernetes probes.
package handlers

import (
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/bigkaa/cliprelay/internal/config"
)

// statusFail: строковая константа для статуса "fail" в health checks.
const statusFail = "fail"

// serviceName: имя сервиса в ответах health и info.
const serviceName = "clip-relay"

// IndexReadinessChecker: интерфейс для проверки готовности индекса.
type IndexReadinessChecker interface {
	IsReady() bool
}

// HealthHandler реализует health endpoints: /health/live, /health/ready.
type HealthHandler struct {
	version string
	// dataDir: корень хранилища (для проверки FS)
	dataDir string
	// walDir: директория журнала
	walDir string
	idx    IndexReadinessChecker
}

// NewHealthHandler создаёт обработчик health endpoints.
// Пустые dataDir/walDir и nil idx отключают соответствующие проверки.
func NewHealthHandler(dataDir, walDir string, idx IndexReadinessChecker) *HealthHandler {
	return &HealthHandler{
		version: config.Version,
		dataDir: dataDir,
		walDir:  walDir,
		idx:     idx,
	}
}

// HealthLive обрабатывает GET /health/live.
// Возвращает 200, если процесс жив. Не проверяет зависимости.
func (h *HealthHandler) HealthLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   h.version,
		"service":   serviceName,
	})
}

// HealthReady обрабатывает GET /health/ready.
// Проверяет: корень хранилища доступен на запись, журнал доступен, индекс построен.
func (h *HealthHandler) HealthReady(w http.ResponseWriter, _ *http.Request) {
	overallStatus := "ok"
	httpStatus := http.StatusOK

	fsCheck := checkWritable(h.dataDir, "Корень хранилища недоступен для записи: ")
	if fsCheck["status"] != "ok" {
		overallStatus = statusFail
		httpStatus = http.StatusServiceUnavailable
	}

	// Недоступный журнал не блокирует чтение, поэтому degraded
	walCheck := checkWritable(h.walDir, "Директория WAL недоступна для записи: ")
	if walCheck["status"] != "ok" && overallStatus != statusFail {
		overallStatus = "degraded"
	}

	indexCheck := map[string]any{"status": "ok"}
	if h.idx != nil && !h.idx.IsReady() {
		indexCheck = map[string]any{"status": statusFail, "message": "Индекс не построен"}
		overallStatus = statusFail
		httpStatus = http.StatusServiceUnavailable
	}

	writeJSON(w, httpStatus, map[string]any{
		"status":    overallStatus,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   h.version,
		"service":   serviceName,
		"checks": map[string]any{
			"filesystem": fsCheck,
			"wal":        walCheck,
			"index":      indexCheck,
		},
	})
}

// checkWritable проверяет возможность записи в директорию пробным файлом.
func checkWritable(dir, failPrefix string) map[string]any {
	if dir == "" {
		return map[string]any{
			"status":  "ok",
			"message": "Проверка не настроена",
		}
	}

	testFile := filepath.Join(dir, ".health_check")
	if err := os.WriteFile(testFile, []byte("ok"), 0o600); err != nil {
		return map[string]any{
			"status":  statusFail,
			"message": failPrefix + err.Error(),
		}
	}
	_ = os.Remove(testFile)

	return map[string]any{"status": "ok"}
}
