package middleware

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

// TestRateLimiter_Allow проверяет исчерпание burst и отдельные корзины клиентов.
func TestRateLimiter_Allow(t *testing.T) {
	l := NewRateLimiter(60, 2)
	defer l.Close()

	now := time.Now()
	l.now = func() time.Time { return now }

	for i := range 2 {
		if ok, _ := l.Allow("10.0.0.1"); !ok {
			t.Fatalf("Запрос %d должен пройти", i)
		}
	}
	ok, retryAfter := l.Allow("10.0.0.1")
	if ok {
		t.Fatal("Третий запрос должен быть отклонён")
	}
	if retryAfter < time.Second {
		t.Errorf("retryAfter = %v, ожидалось >= 1s", retryAfter)
	}

	if ok, _ := l.Allow("10.0.0.2"); !ok {
		t.Error("Другой клиент не должен быть ограничен")
	}

	// Через секунду при 60/мин появляется новый токен
	now = now.Add(time.Second)
	if ok, _ := l.Allow("10.0.0.1"); !ok {
		t.Error("После пополнения запрос должен пройти")
	}
}

// TestRateLimiter_Disabled проверяет отключение лимита.
func TestRateLimiter_Disabled(t *testing.T) {
	l := NewRateLimiter(0, 10)
	if l != nil {
		t.Fatal("При лимите 0 ожидался nil")
	}
	l.Close()

	handler := l.Middleware(okHandler())
	for range 100 {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/clips", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("Код ответа: %d", rec.Code)
		}
	}
}

// TestRateLimiter_Middleware проверяет 429 для мутаций и пропуск GET.
func TestRateLimiter_Middleware(t *testing.T) {
	l := NewRateLimiter(1, 1)
	defer l.Close()
	handler := l.Middleware(okHandler())

	post := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/clips", nil)
		req.RemoteAddr = "192.0.2.1:5000"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	if rec := post(); rec.Code != http.StatusOK {
		t.Fatalf("Первый POST: %d", rec.Code)
	}
	rec := post()
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("Второй POST: %d, ожидалось 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("Нет заголовка Retry-After")
	}
	if !strings.Contains(rec.Body.String(), "RATE_LIMITED") {
		t.Errorf("Тело: %s", rec.Body.String())
	}

	for range 5 {
		req := httptest.NewRequest(http.MethodGet, "/clips", nil)
		req.RemoteAddr = "192.0.2.1:5000"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("GET ограничен: %d", rec.Code)
		}
	}
}

// TestRateLimiter_Cleanup проверяет удаление неактивных корзин.
func TestRateLimiter_Cleanup(t *testing.T) {
	l := NewRateLimiter(600, 1)
	defer l.Close()

	now := time.Now()
	l.now = func() time.Time { return now }
	l.Allow("a")

	now = now.Add(2 * bucketIdleTTL)
	l.cleanup()

	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.buckets) != 0 {
		t.Errorf("Корзин после очистки: %d", len(l.buckets))
	}
}

// TestRequestLogger проверяет X-Request-ID и запись лога.
func TestRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	var seen string
	handler := RequestLogger(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
		w.WriteHeader(http.StatusNotFound)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/clips/1", nil))

	id := rec.Header().Get(RequestIDHeader)
	if id == "" || id != seen {
		t.Errorf("X-Request-ID %q, в контексте %q", id, seen)
	}
	out := buf.String()
	if !strings.Contains(out, `"status":404`) || !strings.Contains(out, `"level":"WARN"`) {
		t.Errorf("Лог: %s", out)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "abc")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Header().Get(RequestIDHeader) != "abc" {
		t.Errorf("Входящий X-Request-ID не сохранён")
	}
}

// TestCORS проверяет заголовки и preflight.
func TestCORS(t *testing.T) {
	handler := CORS([]string{"https://app.example"})(okHandler())

	req := httptest.NewRequest(http.MethodOptions, "/clips", nil)
	req.Header.Set("Origin", "https://app.example")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Errorf("Preflight: %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "https://app.example" {
		t.Errorf("Allow-Origin: %q", rec.Header().Get("Access-Control-Allow-Origin"))
	}

	req = httptest.NewRequest(http.MethodGet, "/clips", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Error("Чужой origin не должен получать Allow-Origin")
	}
}

// TestNormalizePath проверяет нормализацию путей для меток метрик.
func TestNormalizePath(t *testing.T) {
	tests := map[string]string{
		"/clips":                     "/clips",
		"/clips/latest":              "/clips/latest",
		"/clips/events":              "/clips/events",
		"/clips/17":                  "/clips/{id}",
		"/clips/17/items/text_0.txt": "/clips/{id}/items/{filename}",
		"/health/live":               "/health/live",
	}
	for in, want := range tests {
		if got := normalizePath(in); got != want {
			t.Errorf("normalizePath(%q) = %q, ожидалось %q", in, got, want)
		}
	}
}
