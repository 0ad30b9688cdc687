package mode

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// FileName: имя файла режима в корне хранилища.
const FileName = ".mode.json"

// FileData: содержимое .mode.json.
type FileData struct {
	Mode      StorageMode `json:"mode"`
	UpdatedAt time.Time   `json:"updated_at"`
	Reason    string      `json:"reason,omitempty"`
}

// FilePath возвращает путь к .mode.json в корне хранилища.
func FilePath(root string) string {
	return filepath.Join(root, FileName)
}

// Save атомарно записывает режим: temp → fsync → rename.
func Save(path string, m StorageMode, reason string) error {
	data, err := json.MarshalIndent(FileData{
		Mode:      m,
		UpdatedAt: time.Now().UTC(),
		Reason:    reason,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("ошибка сериализации %s: %w", FileName, err)
	}

	tmpPath := path + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("ошибка создания temp %s: %w", FileName, err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("ошибка записи temp %s: %w", FileName, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("ошибка fsync temp %s: %w", FileName, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("ошибка закрытия temp %s: %w", FileName, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("ошибка переименования %s: %w", FileName, err)
	}
	return nil
}

// Load читает сохранённый режим. Если файла нет, возвращает
// (fallback, false, nil): вызывающий код использует режим из конфигурации.
func Load(path string, fallback StorageMode) (StorageMode, bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return fallback, false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("ошибка чтения %s: %w", FileName, err)
	}

	var fd FileData
	if err := json.Unmarshal(data, &fd); err != nil {
		return "", false, fmt.Errorf("ошибка разбора %s: %w", FileName, err)
	}
	m, err := ParseMode(string(fd.Mode))
	if err != nil {
		return "", false, err
	}
	return m, true, nil
}
