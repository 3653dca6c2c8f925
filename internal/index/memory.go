package index

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/onebox-labs/onebox/internal/models"
)

// MemoryIndex is an in-process Index for tests and single-binary use.
type MemoryIndex struct {
	mu       sync.RWMutex
	messages map[string]models.StoredMessage
	now      func() time.Time
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{
		messages: make(map[string]models.StoredMessage),
		now:      time.Now,
	}
}

func (m *MemoryIndex) Exists(_ context.Context, id string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.messages[id]
	return ok, nil
}

func (m *MemoryIndex) Insert(_ context.Context, msg *models.StoredMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.messages[msg.ID]; ok {
		return ErrConflict
	}
	m.messages[msg.ID] = *msg
	return nil
}

func (m *MemoryIndex) Update(_ context.Context, id string, patch Patch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[id]
	if !ok {
		return ErrNotFound
	}
	if patch.IsRead != nil {
		msg.IsRead = *patch.IsRead
	}
	if patch.IsStarred != nil {
		msg.IsStarred = *patch.IsStarred
	}
	if patch.Category != nil {
		msg.Category = *patch.Category
	}
	msg.UpdatedAt = m.now()
	m.messages[id] = msg
	return nil
}

func (m *MemoryIndex) Get(_ context.Context, userID, id string) (*models.StoredMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msg, ok := m.messages[id]
	if !ok || msg.UserID != userID {
		return nil, ErrNotFound
	}
	out := msg
	return &out, nil
}

func (m *MemoryIndex) Search(_ context.Context, userID, query string) ([]models.StoredMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	q := strings.ToLower(query)
	var out []models.StoredMessage
	for _, msg := range m.messages {
		if msg.UserID != userID {
			continue
		}
		if q != "" &&
			!strings.Contains(strings.ToLower(msg.Subject), q) &&
			!strings.Contains(strings.ToLower(msg.From), q) &&
			!strings.Contains(strings.ToLower(msg.Body), q) {
			continue
		}
		out = append(out, msg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.After(out[j].Date) })
	return out, nil
}
