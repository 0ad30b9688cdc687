// Пакет itemcodec: преобразование элемента записи в файл на диске
// и обратно в лёгкую ссылку (path, size, type, name, sha256).
// Запись выполняется атомарно: скрытый temp файл → SHA-256 на лету →
// fsync → rename. Существующие файлы не перезаписываются.
package itemcodec

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/bigkaa/cliprelay/internal/domain/model"
)

// Ошибки кодека.
var (
	// ErrItemExists: файл с таким именем уже есть в директории записи
	ErrItemExists = errors.New("элемент с таким именем уже существует")
	// ErrInvalidName: имя элемента недопустимо
	ErrInvalidName = errors.New("недопустимое имя элемента")
)

// maxNameLength: ограничение длины имени файла большинства FS.
const maxNameLength = 255

// fallbackExt: расширение для неизвестных MIME-типов.
const fallbackExt = ".bin"

// preferredExt: предпочтительные расширения для частых типов.
// mime.ExtensionsByType возвращает отсортированный список
// (для image/jpeg первым идёт .jfif), поэтому сначала смотрим сюда.
var preferredExt = map[string]string{
	"image/png":                ".png",
	"image/jpeg":               ".jpg",
	"image/gif":                ".gif",
	"image/webp":               ".webp",
	"image/svg+xml":            ".svg",
	"image/bmp":                ".bmp",
	"application/pdf":          ".pdf",
	"application/json":         ".json",
	"application/zip":          ".zip",
	"application/octet-stream": ".bin",
	"audio/mpeg":               ".mp3",
	"video/mp4":                ".mp4",
}

// Persist записывает элемент в директорию записи dir и возвращает ссылку.
//
// Параметры:
//   - item: нормализованный элемент отправки
//   - dir: абсолютный путь директории записи
//   - position: индекс элемента в отправке (для имени по умолчанию)
//   - entryID: идентификатор записи (для относительного пути)
//
// Текстовые элементы (text/*) записываются как UTF-8, остальные: как есть.
func Persist(item model.ItemPayload, dir string, position int, entryID int64) (model.ItemRef, error) {
	name := item.Name
	if name == "" {
		name = DefaultName(item.Type, position)
	}
	if err := ValidateName(name); err != nil {
		return model.ItemRef{}, err
	}

	data := item.Data
	if model.IsText(item.Type) && !utf8.Valid(data) {
		data = []byte(strings.ToValidUTF8(string(data), "�"))
	}

	fullPath := filepath.Join(dir, name)
	if _, err := os.Lstat(fullPath); err == nil {
		return model.ItemRef{}, fmt.Errorf("%w: %s", ErrItemExists, name)
	}

	size, checksum, err := writeAtomic(fullPath, filepath.Join(dir, "."+name+".tmp"), bytes.NewReader(data))
	if err != nil {
		return model.ItemRef{}, err
	}

	return model.ItemRef{
		Type:     item.Type,
		Name:     name,
		Path:     path.Join(model.DirName(entryID), name),
		Size:     size,
		Checksum: checksum,
	}, nil
}

// DefaultName возвращает имя файла для элемента без имени:
// text_{position}.txt для текста, item_{position}{ext} для остального.
func DefaultName(mediaType string, position int) string {
	if model.IsText(mediaType) {
		return fmt.Sprintf("text_%d.txt", position)
	}
	return fmt.Sprintf("item_%d%s", position, ExtensionFor(mediaType))
}

// ExtensionFor подбирает расширение файла по MIME-типу.
// Параметры типа (charset и т.д.) игнорируются. Фолбэк: .bin.
func ExtensionFor(mediaType string) string {
	base := strings.ToLower(strings.TrimSpace(mediaType))
	if i := strings.Index(base, ";"); i != -1 {
		base = strings.TrimSpace(base[:i])
	}
	if ext, ok := preferredExt[base]; ok {
		return ext
	}
	exts, err := mime.ExtensionsByType(base)
	if err != nil || len(exts) == 0 {
		return fallbackExt
	}
	return exts[0]
}

// ValidateName проверяет, что имя: один элемент пути, не скрытый файл
// (точка в начале зарезервирована под метаданные и temp файлы) и не длиннее 255 байт.
func ValidateName(name string) error {
	switch {
	case strings.TrimSpace(name) == "":
		return fmt.Errorf("%w: пустое имя", ErrInvalidName)
	case len(name) > maxNameLength:
		return fmt.Errorf("%w: длина %d превышает %d", ErrInvalidName, len(name), maxNameLength)
	case strings.HasPrefix(name, "."):
		return fmt.Errorf("%w: %q начинается с точки", ErrInvalidName, name)
	case strings.ContainsAny(name, "/\\\x00"):
		return fmt.Errorf("%w: %q содержит разделитель пути", ErrInvalidName, name)
	}
	return nil
}

// writeAtomic записывает данные из reader в targetPath через tmpPath
// с подсчётом SHA-256 на лету. При ошибке temp файл удаляется.
func writeAtomic(targetPath, tmpPath string, reader io.Reader) (int64, string, error) {
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		return 0, "", fmt.Errorf("ошибка создания временного файла: %w", err)
	}

	hasher := sha256.New()
	size, err := io.Copy(f, io.TeeReader(reader, hasher))
	if err != nil {
		f.Close()
		os.Remove(tmpPath)
		return 0, "", fmt.Errorf("ошибка записи данных: %w", err)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return 0, "", fmt.Errorf("ошибка fsync: %w", err)
	}

	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return 0, "", fmt.Errorf("ошибка закрытия файла: %w", err)
	}

	if err := os.Rename(tmpPath, targetPath); err != nil {
		os.Remove(tmpPath)
		return 0, "", fmt.Errorf("ошибка атомарного переименования: %w", err)
	}

	return size, hex.EncodeToString(hasher.Sum(nil)), nil
}

// Checksum вычисляет SHA-256 хэш существующего файла.
// Используется при reconciliation для проверки целостности.
func Checksum(fullPath string) (string, error) {
	f, err := os.Open(fullPath)
	if err != nil {
		return "", fmt.Errorf("ошибка открытия файла %s: %w", fullPath, err)
	}
	defer f.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return "", fmt.Errorf("ошибка вычисления checksum %s: %w", fullPath, err)
	}

	return hex.EncodeToString(hasher.Sum(nil)), nil
}
