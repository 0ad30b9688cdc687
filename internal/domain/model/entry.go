// Пакет model: доменные модели Clip Relay.
// Entry: единая структура записи буфера обмена, используется
// как in-memory представление и как формат .entry.json на диске.
package model

import (
	"fmt"
	"maps"
	"strings"
	"time"
)

// EntryIDWidth: ширина десятичного имени директории записи (000007).
const EntryIDWidth = 6

// Entry: запись буфера обмена. Соответствует содержимому .entry.json.
// После создания не изменяется, допускается только удаление целиком.
type Entry struct {
	// ID: монотонно возрастающий идентификатор, никогда не переиспользуется
	ID int64 `json:"id"`

	// Timestamp: время создания в миллисекундах с начала эпохи
	Timestamp int64 `json:"timestamp"`

	// Items: ссылки на сохранённые элементы в порядке отправки
	Items []ItemRef `json:"items"`

	// Meta: произвольные метаданные клиента (например, source)
	Meta map[string]any `json:"meta"`
}

// ItemRef: ссылка на сохранённый элемент записи.
// Inline-данные после сохранения не хранятся.
type ItemRef struct {
	// Type: MIME-тип элемента
	Type string `json:"type"`

	// Name: логическое имя файла внутри директории записи
	Name string `json:"name"`

	// Path: путь относительно корня хранилища: {id}/{name}
	Path string `json:"path"`

	// Size: размер сохранённого файла в байтах
	Size int64 `json:"size"`

	// Checksum: SHA-256 хэш содержимого
	Checksum string `json:"sha256"`
}

// ItemPayload: нормализованный элемент отправки до сохранения на диск.
type ItemPayload struct {
	// Type: MIME-тип
	Type string
	// Name: имя файла (пустое, будет сгенерировано)
	Name string
	// Data: содержимое элемента
	Data []byte
}

// Submission: нормализованная отправка клиента.
type Submission struct {
	Items []ItemPayload
	Meta  map[string]any
}

// IsText проверяет, является ли MIME-тип текстовым.
func IsText(mediaType string) bool {
	return strings.HasPrefix(mediaType, "text/")
}

// DirName возвращает имя директории записи: 7 → "000007".
func DirName(id int64) string {
	return fmt.Sprintf("%0*d", EntryIDWidth, id)
}

// TimestampMillis переводит время в миллисекунды с начала эпохи.
func TimestampMillis(t time.Time) int64 {
	return t.UnixMilli()
}

// Clone возвращает копию записи, не разделяющую срезы и map с оригиналом.
func (e *Entry) Clone() *Entry {
	copied := *e
	copied.Items = make([]ItemRef, len(e.Items))
	copy(copied.Items, e.Items)
	if e.Meta != nil {
		copied.Meta = maps.Clone(e.Meta)
	}
	return &copied
}

// Item возвращает ссылку на элемент по имени.
func (e *Entry) Item(name string) (ItemRef, bool) {
	for _, it := range e.Items {
		if it.Name == name {
			return it, true
		}
	}
	return ItemRef{}, false
}

// TotalSize возвращает суммарный размер элементов записи.
func (e *Entry) TotalSize() int64 {
	var total int64
	for _, it := range e.Items {
		total += it.Size
	}
	return total
}
