// system.go: обработчик GET /api/v1/info (информация об экземпляре).
package handlers

import (
	"log/slog"
	"net/http"

	"github.com/bigkaa/cliprelay/internal/config"
	"github.com/bigkaa/cliprelay/internal/domain/mode"
	"github.com/bigkaa/cliprelay/internal/storage/index"
)

// DiskUsageFunc возвращает total, used, available в байтах для корня хранилища.
type DiskUsageFunc func() (total, used, available int64, err error)

// SubscriberCounter: источник количества активных подписчиков.
type SubscriberCounter interface {
	Count() int
}

// SystemHandler: обработчик системных endpoints.
type SystemHandler struct {
	sm        *mode.StateMachine
	idx       *index.Index
	subs      SubscriberCounter
	diskUsage DiskUsageFunc
	logger    *slog.Logger
}

// NewSystemHandler создаёт обработчик системных endpoints.
// diskUsage может быть nil: блок capacity в ответе не заполняется.
func NewSystemHandler(
	sm *mode.StateMachine,
	idx *index.Index,
	subs SubscriberCounter,
	diskUsage DiskUsageFunc,
	logger *slog.Logger,
) *SystemHandler {
	return &SystemHandler{
		sm:        sm,
		idx:       idx,
		subs:      subs,
		diskUsage: diskUsage,
		logger:    logger.With(slog.String("component", "system_handler")),
	}
}

type capacityInfo struct {
	TotalBytes     int64 `json:"total_bytes"`
	UsedBytes      int64 `json:"used_bytes"`
	AvailableBytes int64 `json:"available_bytes"`
}

type storageInfo struct {
	Service           string                  `json:"service"`
	Version           string                  `json:"version"`
	Mode              mode.StorageMode        `json:"mode"`
	Status            string                  `json:"status"`
	AllowedOperations []mode.Operation        `json:"allowed_operations"`
	Entries           int                     `json:"entries"`
	LatestID          int64                   `json:"latest_id"`
	StoredBytes       int64                   `json:"stored_bytes"`
	Subscribers       int                     `json:"subscribers"`
	Capacity          *capacityInfo           `json:"capacity,omitempty"`
	ModeHistory       []mode.TransitionRecord `json:"mode_history"`
}

// GetStorageInfo обрабатывает GET /api/v1/info.
func (h *SystemHandler) GetStorageInfo(w http.ResponseWriter, _ *http.Request) {
	status := "online"
	if !h.idx.IsReady() {
		status = "maintenance"
	}

	resp := storageInfo{
		Service:           serviceName,
		Version:           config.Version,
		Mode:              h.sm.CurrentMode(),
		Status:            status,
		AllowedOperations: h.sm.AllowedOperations(),
		Entries:           h.idx.Count(),
		LatestID:          h.idx.MaxID(),
		StoredBytes:       h.idx.TotalSize(),
		ModeHistory:       h.sm.History(),
	}
	if h.subs != nil {
		resp.Subscribers = h.subs.Count()
	}
	if h.diskUsage != nil {
		total, used, available, err := h.diskUsage()
		if err != nil {
			h.logger.Warn("Ошибка получения ёмкости диска", slog.String("error", err.Error()))
		} else {
			resp.Capacity = &capacityInfo{TotalBytes: total, UsedBytes: used, AvailableBytes: available}
		}
	}

	writeJSON(w, http.StatusOK, resp)
}
