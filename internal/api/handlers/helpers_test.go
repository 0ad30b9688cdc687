package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bigkaa/cliprelay/internal/api/middleware"
	"github.com/bigkaa/cliprelay/internal/domain/mode"
	"github.com/bigkaa/cliprelay/internal/domain/model"
	"github.com/bigkaa/cliprelay/internal/service"
	"github.com/bigkaa/cliprelay/internal/storage/entrystore"
	"github.com/bigkaa/cliprelay/internal/storage/index"
	"github.com/bigkaa/cliprelay/internal/storage/wal"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// testEnv: стек хранения и роутер поверх временной директории.
type testEnv struct {
	root     string
	modePath string
	store    *entrystore.Store
	idx      *index.Index
	sm       *mode.StateMachine
	bc       *service.Broadcaster
	sync     *service.Synchronizer
	router   http.Handler
}

type envOptions struct {
	maxRequestSize int64
	keepalive      time.Duration
	reconciler     ReconcileRunner
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWith(t, envOptions{})
}

func newTestEnvWith(t *testing.T, opts envOptions) *testEnv {
	t.Helper()
	logger := testLogger()
	root := filepath.Join(t.TempDir(), "data")

	store, err := entrystore.New(root, logger)
	if err != nil {
		t.Fatalf("Ошибка создания Store: %v", err)
	}
	journal, err := wal.New(filepath.Join(root, ".wal"), logger)
	if err != nil {
		t.Fatalf("Ошибка создания WAL: %v", err)
	}
	sm, err := mode.NewStateMachine(mode.ModeRW)
	if err != nil {
		t.Fatal(err)
	}
	idx := index.New(store, logger)
	bc := service.NewBroadcaster(16, logger)
	t.Cleanup(bc.Close)

	s := service.NewSynchronizer(store, idx, journal, sm, bc, 1<<20, logger)
	if err := s.Recover(context.Background()); err != nil {
		t.Fatalf("Ошибка Recover: %v", err)
	}

	if opts.keepalive == 0 {
		opts.keepalive = time.Hour
	}
	if opts.reconciler == nil {
		opts.reconciler = service.NewReconcileService(s, store, time.Hour, logger)
	}

	modePath := mode.FilePath(root)
	api := NewAPIHandler(
		NewClipsHandler(s, idx, store, opts.maxRequestSize, logger),
		NewEventsHandler(bc, s, opts.keepalive, logger),
		NewSystemHandler(sm, idx, bc, nil, logger),
		NewModeHandler(sm, modePath, logger),
		NewMaintenanceHandler(opts.reconciler),
		NewHealthHandler(root, filepath.Join(root, ".wal"), idx),
	)

	router := chi.NewRouter()
	router.Use(middleware.RequestLogger(logger))
	api.Mount(router, nil)

	return &testEnv{
		root:     root,
		modePath: modePath,
		store:    store,
		idx:      idx,
		sm:       sm,
		bc:       bc,
		sync:     s,
		router:   router,
	}
}

// do выполняет запрос через роутер.
func (env *testEnv) do(method, target, contentType string, body io.Reader) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	return rec
}

// doJSON выполняет запрос с JSON-телом.
func (env *testEnv) doJSON(method, target, body string) *httptest.ResponseRecorder {
	return env.do(method, target, "application/json", strings.NewReader(body))
}

// mustCreate создаёт текстовую запись через Synchronizer.
func (env *testEnv) mustCreate(t *testing.T, text string) int64 {
	t.Helper()
	id, err := env.sync.Create(context.Background(), model.Submission{
		Items: []model.ItemPayload{{Type: "text/plain", Data: []byte(text)}},
	})
	if err != nil {
		t.Fatalf("Ошибка Create: %v", err)
	}
	return id
}

// decode разбирает JSON-ответ.
func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("Ошибка разбора ответа %q: %v", rec.Body.String(), err)
	}
	return v
}

// errorCode извлекает код из тела ошибки.
func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	body := decode[struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}](t, rec)
	return body.Error.Code
}

// sseEvent: одно событие SSE-потока.
type sseEvent struct {
	name string
	data string
}

// readEvent читает следующее событие, пропуская комментарии.
func readEvent(t *testing.T, r *bufio.Reader) sseEvent {
	t.Helper()
	var ev sseEvent
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("Ошибка чтения SSE: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			if ev.name != "" || ev.data != "" {
				return ev
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event: "):
			ev.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			ev.data = strings.TrimPrefix(line, "data: ")
		}
	}
}

// httptestRequest создаёт запрос без тела для ручной настройки заголовков.
func httptestRequest(method, target string) *http.Request {
	return httptest.NewRequest(method, target, nil)
}

// serve выполняет подготовленный запрос через роутер.
func (env *testEnv) serve(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	return rec
}
