// events.go: SSE (Server-Sent Events) подписка на обновления записей.
// Каждый клиент обслуживается отдельной горутиной HTTP-сервера и
// получает полный снимок хранилища после каждой мутации.
package handlers

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/bigkaa/cliprelay/internal/domain/model"
	"github.com/bigkaa/cliprelay/internal/service"
)

// updateEvent: имя SSE-события обновления хранилища.
const updateEvent = "clip:update"

// EventsHandler: обработчик SSE endpoint.
type EventsHandler struct {
	bc        *service.Broadcaster
	sync      *service.Synchronizer
	keepalive time.Duration
	logger    *slog.Logger
}

// NewEventsHandler создаёт обработчик SSE.
// keepalive: интервал комментариев, удерживающих соединение через прокси.
func NewEventsHandler(
	bc *service.Broadcaster,
	s *service.Synchronizer,
	keepalive time.Duration,
	logger *slog.Logger,
) *EventsHandler {
	return &EventsHandler{
		bc:        bc,
		sync:      s,
		keepalive: keepalive,
		logger:    logger.With(slog.String("component", "events")),
	}
}

// updatePayload: тело события clip:update.
type updatePayload struct {
	Store []*model.Entry `json:"store"`
}

// Stream обрабатывает GET /clips/events.
// Формат: event: clip:update\ndata: {"store":[...]}\n\n
// Первое событие с текущим состоянием отправляется сразу после подключения.
func (h *EventsHandler) Stream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	// ResponseController находит http.Flusher через Unwrap() middleware-обёрток.
	rc := http.NewResponseController(w)
	if err := rc.Flush(); err != nil {
		http.Error(w, "SSE не поддерживается", http.StatusInternalServerError)
		return
	}
	// Соединение долгоживущее: снимаем серверный WriteTimeout, если он задан.
	_ = rc.SetWriteDeadline(time.Time{})

	// Подписка до снимка: изменение между ними придёт повторно, но не потеряется.
	sub := h.bc.Subscribe()
	defer h.bc.Unsubscribe(sub.ID)

	ctx := r.Context()
	h.logger.Debug("SSE клиент подключён",
		slog.String("subscriber_id", sub.ID),
		slog.String("remote_addr", r.RemoteAddr),
	)

	if err := h.send(w, rc, h.sync.Snapshot()); err != nil {
		return
	}

	ticker := time.NewTicker(h.keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("SSE клиент отключён", slog.String("subscriber_id", sub.ID))
			return
		case state, ok := <-sub.C:
			if !ok {
				// Broadcaster закрыт при остановке сервера
				return
			}
			if err := h.send(w, rc, state); err != nil {
				return
			}
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}

// send записывает одно событие clip:update.
func (h *EventsHandler) send(w http.ResponseWriter, rc *http.ResponseController, state service.State) error {
	store := []*model.Entry(state)
	if store == nil {
		store = []*model.Entry{}
	}
	data, err := json.Marshal(updatePayload{Store: store})
	if err != nil {
		h.logger.Error("Ошибка сериализации clip:update", slog.String("error", err.Error()))
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", updateEvent, data); err != nil {
		return err
	}
	return rc.Flush()
}
