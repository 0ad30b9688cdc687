// mode.go: обработчик POST /api/v1/mode/transition.
// Смена режима работы (rw→ro, ro→rw с confirm) с сохранением в .mode.json.
package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	apierrors "github.com/bigkaa/cliprelay/internal/api/errors"
	"github.com/bigkaa/cliprelay/internal/domain/mode"
)

// ModeHandler: обработчик endpoint смены режима.
type ModeHandler struct {
	sm *mode.StateMachine
	// modePath: путь .mode.json; пустой, режим не сохраняется
	modePath string
	logger   *slog.Logger
}

// NewModeHandler создаёт обработчик смены режима.
func NewModeHandler(sm *mode.StateMachine, modePath string, logger *slog.Logger) *ModeHandler {
	return &ModeHandler{
		sm:       sm,
		modePath: modePath,
		logger:   logger.With(slog.String("component", "mode_handler")),
	}
}

type modeTransitionRequest struct {
	TargetMode string `json:"target_mode"`
	Confirm    bool   `json:"confirm"`
	Reason     string `json:"reason,omitempty"`
}

type modeTransitionResponse struct {
	PreviousMode   mode.StorageMode `json:"previous_mode"`
	CurrentMode    mode.StorageMode `json:"current_mode"`
	TransitionedAt time.Time        `json:"transitioned_at"`
}

// TransitionMode обрабатывает POST /api/v1/mode/transition.
func (h *ModeHandler) TransitionMode(w http.ResponseWriter, r *http.Request) {
	var req modeTransitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierrors.ValidationError(w, "Некорректный JSON: "+err.Error())
		return
	}
	if req.TargetMode == "" {
		apierrors.ValidationError(w, "Поле target_mode обязательно")
		return
	}

	record, err := h.sm.TransitionTo(mode.StorageMode(req.TargetMode), req.Confirm, req.Reason)
	if err != nil {
		var transErr *mode.TransitionError
		if !errors.As(err, &transErr) {
			apierrors.InternalError(w, "Ошибка смены режима")
			return
		}
		if transErr.Code == apierrors.CodeConfirmationRequired {
			apierrors.ConfirmationRequired(w, transErr.Message)
		} else {
			apierrors.InvalidTransition(w, transErr.Message)
		}
		return
	}

	if h.modePath != "" {
		if saveErr := mode.Save(h.modePath, record.To, record.Reason); saveErr != nil {
			// Режим уже изменён в памяти, после рестарта восстановится прежний
			h.logger.Error("Ошибка сохранения .mode.json",
				slog.String("path", h.modePath),
				slog.String("error", saveErr.Error()),
			)
		}
	}

	h.logger.Info("Режим изменён",
		slog.String("from", string(record.From)),
		slog.String("to", string(record.To)),
		slog.String("reason", record.Reason),
	)

	writeJSON(w, http.StatusOK, modeTransitionResponse{
		PreviousMode:   record.From,
		CurrentMode:    record.To,
		TransitionedAt: record.Timestamp,
	})
}
