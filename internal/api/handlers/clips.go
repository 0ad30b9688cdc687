// clips.go: обработчики /clips: список, чтение, создание, удаление
// записей и отдача содержимого элементов.
package handlers

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/bigkaa/cliprelay/internal/api/errors"
	"github.com/bigkaa/cliprelay/internal/domain/model"
	"github.com/bigkaa/cliprelay/internal/service"
	"github.com/bigkaa/cliprelay/internal/storage/entrystore"
	"github.com/bigkaa/cliprelay/internal/storage/index"
)

// defaultJSONItemType: тип элемента JSON-заявки без поля type.
// Клиенты исторически отправляют текст без типа.
const defaultJSONItemType = "text/plain"

// defaultPartType: тип файловой части multipart без Content-Type.
const defaultPartType = "application/octet-stream"

// ClipsHandler: обработчик endpoints записей буфера обмена.
type ClipsHandler struct {
	sync           *service.Synchronizer
	idx            *index.Index
	store          *entrystore.Store
	maxRequestSize int64
	logger         *slog.Logger
}

// NewClipsHandler создаёт обработчик записей.
// maxRequestSize <= 0 отключает ограничение размера тела.
func NewClipsHandler(
	s *service.Synchronizer,
	idx *index.Index,
	store *entrystore.Store,
	maxRequestSize int64,
	logger *slog.Logger,
) *ClipsHandler {
	return &ClipsHandler{
		sync:           s,
		idx:            idx,
		store:          store,
		maxRequestSize: maxRequestSize,
		logger:         logger.With(slog.String("component", "clips_handler")),
	}
}

// createItem: элемент JSON-заявки. Data, текст для text/*,
// base64 для остальных типов.
type createItem struct {
	Type string  `json:"type"`
	Name string  `json:"name,omitempty"`
	Data *string `json:"data"`
}

type createRequest struct {
	Items []createItem   `json:"items"`
	Meta  map[string]any `json:"meta"`
}

type createResponse struct {
	OK bool  `json:"ok"`
	ID int64 `json:"id"`
}

type deleteRequest struct {
	IDs *[]int64 `json:"ids"`
}

type deleteResponse struct {
	OK      bool    `json:"ok"`
	Deleted []int64 `json:"deleted"`
	Failed  []int64 `json:"failed,omitempty"`
}

// List обрабатывает GET /clips. Возвращает записи от новых к старым.
func (h *ClipsHandler) List(w http.ResponseWriter, _ *http.Request) {
	entries := h.idx.List()
	if entries == nil {
		entries = []*model.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// Latest обрабатывает GET /clips/latest. Пустое хранилище: null.
func (h *ClipsHandler) Latest(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.idx.Latest())
}

// Get обрабатывает GET /clips/{id}. Отсутствующая запись: null.
func (h *ClipsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, h.idx.Get(id))
}

// Create обрабатывает POST /clips.
// Принимает application/json ({items, meta}) или multipart/form-data
// (файловые части: элементы, текстовые поля, meta).
func (h *ClipsHandler) Create(w http.ResponseWriter, r *http.Request) {
	if h.maxRequestSize > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxRequestSize)
	}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	var (
		sub model.Submission
		err error
	)
	if mediaType == "multipart/form-data" {
		sub, err = readMultipart(r)
	} else {
		sub, err = readJSONSubmission(r.Body)
	}
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			apierrors.RequestTooLarge(w, fmt.Sprintf("Тело запроса превышает %d байт", tooLarge.Limit))
			return
		}
		apierrors.ValidationError(w, err.Error())
		return
	}

	id, err := h.sync.Create(r.Context(), sub)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, createResponse{OK: true, ID: id})
}

// Delete обрабатывает DELETE /clips с телом {ids: [...]}.
// 200 {ok:true, deleted} или 500 {ok:false, deleted, failed} при частичной ошибке.
func (h *ClipsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if h.maxRequestSize > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxRequestSize)
	}

	var req deleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierrors.ValidationError(w, "Некорректный JSON: "+err.Error())
		return
	}
	if req.IDs == nil {
		apierrors.ValidationError(w, "Поле ids обязательно")
		return
	}

	result, err := h.sync.Delete(r.Context(), *req.IDs)
	if err != nil {
		var svcErr *service.Error
		if errors.As(err, &svcErr) && svcErr.Kind == service.KindPersistence {
			writeJSON(w, http.StatusInternalServerError, deleteResponse{
				OK:      false,
				Deleted: result.Deleted,
				Failed:  result.Failed,
			})
			return
		}
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, deleteResponse{OK: true, Deleted: result.Deleted})
}

// Item обрабатывает GET /clips/{id}/items/{filename}.
// http.ServeContent обрабатывает Range, If-None-Match и Content-Length.
func (h *ClipsHandler) Item(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	filename := chi.URLParam(r, "filename")

	entry := h.idx.Get(id)
	if entry == nil {
		apierrors.NotFound(w, fmt.Sprintf("Запись %d не найдена", id))
		return
	}
	item, found := entry.Item(filename)
	if !found {
		apierrors.NotFound(w, fmt.Sprintf("Элемент %q записи %d не найден", filename, id))
		return
	}

	file, err := h.store.OpenItem(item.Path)
	if err != nil {
		h.logger.Warn("Элемент отсутствует на диске",
			slog.Int64("entry_id", id),
			slog.String("path", item.Path),
			slog.String("error", err.Error()),
		)
		apierrors.NotFound(w, fmt.Sprintf("Элемент %q записи %d не найден на диске", filename, id))
		return
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		apierrors.InternalError(w, "Ошибка чтения элемента")
		return
	}

	w.Header().Set("Content-Type", itemContentType(item))
	w.Header().Set("Content-Disposition", mime.FormatMediaType("inline", map[string]string{"filename": item.Name}))
	w.Header().Set("ETag", fmt.Sprintf("%q", item.Checksum))
	w.Header().Set("Cache-Control", "private, max-age=31536000, immutable")
	http.ServeContent(w, r, item.Name, stat.ModTime(), file)
}

// writeServiceError отображает ошибку сервисного слоя в HTTP-ответ.
func (h *ClipsHandler) writeServiceError(w http.ResponseWriter, err error) {
	var svcErr *service.Error
	if !errors.As(err, &svcErr) {
		h.logger.Error("Необработанная ошибка", slog.String("error", err.Error()))
		apierrors.InternalError(w, "Внутренняя ошибка")
		return
	}
	switch svcErr.Kind {
	case service.KindValidation:
		apierrors.ValidationError(w, svcErr.Message)
	case service.KindModeNotAllowed:
		apierrors.ModeNotAllowed(w, svcErr.Message)
	case service.KindPersistence:
		msg := svcErr.Message
		if len(svcErr.IDs) > 0 {
			msg = fmt.Sprintf("%s (ids: %v)", msg, svcErr.IDs)
		}
		apierrors.PersistenceError(w, msg)
	default:
		apierrors.InternalError(w, svcErr.Message)
	}
}

// readJSONSubmission декодирует JSON-заявку. Текстовые данные берутся
// как есть, бинарные декодируются из стандартного base64.
func readJSONSubmission(body io.Reader) (model.Submission, error) {
	var req createRequest
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return model.Submission{}, err
		}
		return model.Submission{}, fmt.Errorf("некорректный JSON: %w", err)
	}

	sub := model.Submission{
		Items: make([]model.ItemPayload, 0, len(req.Items)),
		Meta:  req.Meta,
	}
	for i, it := range req.Items {
		if it.Data == nil {
			return model.Submission{}, fmt.Errorf("элемент %d: поле data обязательно", i)
		}
		itemType := strings.TrimSpace(it.Type)
		if itemType == "" {
			itemType = defaultJSONItemType
		}

		var data []byte
		if model.IsText(itemType) {
			data = []byte(*it.Data)
		} else {
			decoded, err := base64.StdEncoding.DecodeString(*it.Data)
			if err != nil {
				return model.Submission{}, fmt.Errorf("элемент %d: данные не в формате base64: %w", i, err)
			}
			data = decoded
		}
		sub.Items = append(sub.Items, model.ItemPayload{Type: itemType, Name: it.Name, Data: data})
	}
	return sub, nil
}

// readMultipart читает multipart/form-data потоково. Файловые части
// становятся элементами в порядке следования, текстовые поля: meta.
func readMultipart(r *http.Request) (model.Submission, error) {
	reader, err := r.MultipartReader()
	if err != nil {
		return model.Submission{}, fmt.Errorf("некорректный multipart: %w", err)
	}

	sub := model.Submission{Meta: map[string]any{}}
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return model.Submission{}, err
		}

		data, err := io.ReadAll(part)
		_ = part.Close()
		if err != nil {
			return model.Submission{}, err
		}

		if part.FileName() == "" {
			if name := part.FormName(); name != "" {
				sub.Meta[name] = string(data)
			}
			continue
		}

		partType := part.Header.Get("Content-Type")
		if partType == "" {
			partType = defaultPartType
		}
		sub.Items = append(sub.Items, model.ItemPayload{
			Type: partType,
			Name: path.Base(strings.ReplaceAll(part.FileName(), "\\", "/")),
			Data: data,
		})
	}
	return sub, nil
}

// itemContentType: Content-Type для отдачи элемента: сохранённый тип,
// иначе по расширению имени.
func itemContentType(item model.ItemRef) string {
	if item.Type != "" {
		return item.Type
	}
	if byExt := mime.TypeByExtension(path.Ext(item.Name)); byExt != "" {
		return byExt
	}
	return defaultPartType
}

// parseID разбирает id записи из URL. При ошибке пишет 400.
// 0 допустим: такой записи не бывает, ответ как для отсутствующей.
func parseID(w http.ResponseWriter, raw string) (int64, bool) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 0 {
		apierrors.ValidationError(w, fmt.Sprintf("Некорректный id записи: %q", raw))
		return 0, false
	}
	return id, true
}

// writeJSON записывает JSON-ответ.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
