package store

import (
	"errors"

	"lunabot/pkg/domain"
)

// ErrPhoneTaken is returned when a user with the same phone already exists.
var ErrPhoneTaken = errors.New("phone already registered")

// ErrUserMissing is returned when a message references a nonexistent user.
var ErrUserMissing = errors.New("user does not exist")

// Store defines persistence operations for users and messages.
type Store interface {
	// users
	CreateUser(u domain.User) (domain.User, error)
	GetUserByPhone(phone string) (domain.User, bool, error)
	GetUserByID(id int64) (domain.User, bool, error)
	SetUserThread(id int64, threadID string) error
	DeleteUser(id int64) error
	UserCount() (int, error)

	// messages
	AppendMessage(m domain.Message) (domain.Message, error)
	GetMessage(id int64) (domain.Message, bool, error)
	ListMessages(userID int64, limit int) ([]domain.Message, error)
}
