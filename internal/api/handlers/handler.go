// handler.go: APIHandler собирает доменные handlers и монтирует
// их маршруты в chi.Router.
package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// APIHandler: набор всех HTTP-обработчиков Clip Relay.
type APIHandler struct {
	clips       *ClipsHandler
	events      *EventsHandler
	system      *SystemHandler
	modeHandler *ModeHandler
	maintenance *MaintenanceHandler
	health      *HealthHandler
}

// NewAPIHandler создаёт единый handler для всех endpoints.
func NewAPIHandler(
	clips *ClipsHandler,
	events *EventsHandler,
	system *SystemHandler,
	modeHandler *ModeHandler,
	maintenance *MaintenanceHandler,
	health *HealthHandler,
) *APIHandler {
	return &APIHandler{
		clips:       clips,
		events:      events,
		system:      system,
		modeHandler: modeHandler,
		maintenance: maintenance,
		health:      health,
	}
}

// Mount регистрирует маршруты. mutations оборачивает запросы,
// изменяющие записи (ограничение частоты); nil: без обёртки.
func (h *APIHandler) Mount(r chi.Router, mutations func(http.Handler) http.Handler) {
	r.Get("/health/live", h.health.HealthLive)
	r.Get("/health/ready", h.health.HealthReady)

	r.Route("/clips", func(r chi.Router) {
		if mutations != nil {
			r.Use(mutations)
		}
		r.Get("/", h.clips.List)
		r.Post("/", h.clips.Create)
		r.Delete("/", h.clips.Delete)
		r.Get("/latest", h.clips.Latest)
		r.Get("/events", h.events.Stream)
		r.Get("/{id}", h.clips.Get)
		r.Get("/{id}/items/{filename}", h.clips.Item)
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/info", h.system.GetStorageInfo)
		r.Post("/mode/transition", h.modeHandler.TransitionMode)
		r.Post("/maintenance/reconcile", h.maintenance.Reconcile)
	})
}
