package store

import (
	"sync"
	"time"

	"lunabot/pkg/domain"
)

// MemoryStore keeps users and messages in-process. It mirrors the relational
// constraints the GormStore delegates to Postgres (phone uniqueness, user
// reference on insert, cascade delete) so app and server tests exercise the
// same failure modes.
type MemoryStore struct {
	mu         sync.RWMutex
	nextUserID int64
	nextMsgID  int64
	users      map[int64]domain.User
	phones     map[string]int64 // phone -> user ID
	messages   map[int64][]domain.Message
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:    make(map[int64]domain.User),
		phones:   make(map[string]int64),
		messages: make(map[int64][]domain.Message),
	}
}

// CreateUser registers a user, enforcing phone uniqueness.
func (m *MemoryStore) CreateUser(u domain.User) (domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.phones[u.Phone]; exists {
		return domain.User{}, ErrPhoneTaken
	}
	m.nextUserID++
	u.ID = m.nextUserID
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	m.users[u.ID] = u
	m.phones[u.Phone] = u.ID
	return u, nil
}

// GetUserByPhone looks up a user by phone number.
func (m *MemoryStore) GetUserByPhone(phone string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.phones[phone]
	if !ok {
		return domain.User{}, false, nil
	}
	return m.users[id], true, nil
}

// GetUserByID returns a user by ID.
func (m *MemoryStore) GetUserByID(id int64) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	return u, ok, nil
}

// SetUserThread records the assistant thread bound to a user.
func (m *MemoryStore) SetUserThread(id int64, threadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return ErrUserMissing
	}
	u.ThreadID = threadID
	m.users[id] = u
	return nil
}

// DeleteUser removes a user and cascades to their messages.
func (m *MemoryStore) DeleteUser(id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil
	}
	delete(m.users, id)
	delete(m.phones, u.Phone)
	delete(m.messages, id)
	return nil
}

// UserCount returns number of users.
func (m *MemoryStore) UserCount() (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.users), nil
}

// AppendMessage records a message, enforcing the user reference.
func (m *MemoryStore) AppendMessage(msg domain.Message) (domain.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[msg.UserID]; !ok {
		return domain.Message{}, ErrUserMissing
	}
	m.nextMsgID++
	msg.ID = m.nextMsgID
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	m.messages[msg.UserID] = append(m.messages[msg.UserID], msg)
	return msg, nil
}

// GetMessage looks up a single message by id.
func (m *MemoryStore) GetMessage(id int64) (domain.Message, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, msgs := range m.messages {
		for _, msg := range msgs {
			if msg.ID == id {
				return msg, true, nil
			}
		}
	}
	return domain.Message{}, false, nil
}

// ListMessages returns the most recent messages for a user in chronological
// order.
func (m *MemoryStore) ListMessages(userID int64, limit int) ([]domain.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msgs := m.messages[userID]
	if limit <= 0 || len(msgs) == 0 {
		return []domain.Message{}, nil
	}
	start := len(msgs) - limit
	if start < 0 {
		start = 0
	}
	out := make([]domain.Message, len(msgs)-start)
	copy(out, msgs[start:])
	return out, nil
}
