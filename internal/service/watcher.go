// watcher.go: наблюдение за корнем хранилища через fsnotify.
//
// Изменения на диске, сделанные в обход API (ручное удаление директории,
// восстановление из бэкапа), доходят до индекса и подписчиков через
// Resync. События группируются с задержкой CR_WATCH_DEBOUNCE.
// Собственные мутации сервиса тоже порождают события, но Resync
// рассылает состояние только при изменении сигнатуры индекса.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/bigkaa/cliprelay/internal/storage/entrystore"
)

// Watcher: наблюдатель за корнем хранилища.
type Watcher struct {
	sync     *Synchronizer
	root     string
	debounce time.Duration
	logger   *slog.Logger

	fsw *fsnotify.Watcher
}

// NewWatcher создаёт наблюдатель за корнем хранилища и каждой
// директорией записи.
func NewWatcher(s *Synchronizer, root string, debounce time.Duration, logger *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("ошибка создания fsnotify watcher: %w", err)
	}

	w := &Watcher{
		sync:     s,
		root:     root,
		debounce: debounce,
		logger:   logger.With(slog.String("component", "watcher")),
		fsw:      fsw,
	}

	if err := fsw.Add(root); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("ошибка наблюдения за %s: %w", root, err)
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("ошибка чтения %s: %w", root, err)
	}
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			w.addDir(filepath.Join(root, e.Name()))
		}
	}
	return w, nil
}

// Run обрабатывает события до отмены ctx и закрывает watcher.
func (w *Watcher) Run(ctx context.Context) {
	defer func() { _ = w.fsw.Close() }()

	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	pending := false

	w.logger.Info("Наблюдение за хранилищем запущено",
		slog.String("root", w.root),
		slog.Duration("debounce", w.debounce),
	)

	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !w.relevant(event) {
				continue
			}
			if event.Has(fsnotify.Create) && filepath.Dir(event.Name) == w.root {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					w.addDir(event.Name)
				}
			}
			if !pending {
				pending = true
				timer.Reset(w.debounce)
			}
		case <-timer.C:
			pending = false
			if _, err := w.sync.Resync("fs_watch"); err != nil {
				w.logger.Warn("Ошибка синхронизации после изменения на диске",
					slog.String("error", err.Error()),
				)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Ошибка наблюдения за хранилищем", slog.String("error", err.Error()))
		}
	}
}

// relevant отбрасывает служебные файлы корня и временные файлы.
// Внутри директорий записей значим только .entry.json и файлы элементов.
func (w *Watcher) relevant(event fsnotify.Event) bool {
	base := filepath.Base(event.Name)
	if base == entrystore.MetadataFile {
		return true
	}
	if strings.HasPrefix(base, ".") {
		return false
	}
	return event.Op != fsnotify.Chmod
}

func (w *Watcher) addDir(path string) {
	if err := w.fsw.Add(path); err != nil {
		w.logger.Debug("Не удалось добавить директорию в наблюдение",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
	}
}
