// Package storage реализует хранилище сессионных учетных данных.
//
// Слой сессий работает с хранилищем через интерфейс Store и сам
// сериализует свои данные в одну непрозрачную запись. Пакет предоставляет
// две реализации: Memory для тестов и эфемерных сессий и EncryptedFile
// для шифрованного хранения на диске.
package storage

import (
	"sync"
)

// StorageKey фиксированный ключ, под которым хранится запись сессии.
// Схема записи не версионируется, изменение формата ломает сохраненные сессии.
const StorageKey = "softphone.session"

// Store интерфейс хранилища одной непрозрачной записи сессии.
type Store interface {
	// Save сохраняет запись, перезаписывая предыдущую
	Save(record []byte) error
	// Load возвращает сохраненную запись или (nil, nil), если записи нет
	Load() ([]byte, error)
	// Clear удаляет запись. Идемпотентна.
	Clear() error
}

// Memory хранилище в памяти. Используется в тестах.
type Memory struct {
	mu     sync.Mutex
	record []byte
}

// NewMemory создает пустое хранилище в памяти
func NewMemory() *Memory {
	return &Memory{}
}

// Save сохраняет копию записи
func (m *Memory) Save(record []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record = append([]byte(nil), record...)
	return nil
}

// Load возвращает копию сохраненной записи
func (m *Memory) Load() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.record == nil {
		return nil, nil
	}
	return append([]byte(nil), m.record...), nil
}

// Clear удаляет запись
func (m *Memory) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record = nil
	return nil
}
