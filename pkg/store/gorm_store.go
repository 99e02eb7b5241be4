package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"lunabot/pkg/domain"
)

const migrateLockID int64 = 52960731

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and creates the schema. Creation is idempotent:
// re-running against an existing database is a no-op.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         gormLog,
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&UserModel{}, &MessageModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		// AutoMigrate does not manage ON DELETE behavior, so the cascade
		// rule is declared explicitly, guarded to stay re-runnable.
		if err := tx.Exec(`
			DO $$
			BEGIN
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public'
					AND table_name = 'messages'
					AND constraint_name = 'messages_user_id_fkey'
				) THEN
					DELETE FROM messages m
					WHERE NOT EXISTS (SELECT 1 FROM users u WHERE u.id = m.user_id);
					ALTER TABLE messages
					ADD CONSTRAINT messages_user_id_fkey
					FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE;
				END IF;
			END $$;
		`).Error; err != nil {
			return fmt.Errorf("ensure message foreign key: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// CreateUser inserts a user and returns it with the generated ID.
func (s *GormStore) CreateUser(u domain.User) (domain.User, error) {
	model := userToModel(u)
	if err := s.db.Create(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return domain.User{}, ErrPhoneTaken
		}
		return domain.User{}, fmt.Errorf("create user: %w", err)
	}
	return userFromModel(model), nil
}

// GetUserByPhone looks up a user by phone number.
func (s *GormStore) GetUserByPhone(phone string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.Where("phone = ?", phone).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// GetUserByID returns a user by ID.
func (s *GormStore) GetUserByID(id int64) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// SetUserThread records the assistant thread bound to a user.
func (s *GormStore) SetUserThread(id int64, threadID string) error {
	res := s.db.Model(&UserModel{}).Where("id = ?", id).
		Update("thread_id", threadID)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrUserMissing
	}
	return nil
}

// DeleteUser removes a user; messages go with it through the cascade rule.
func (s *GormStore) DeleteUser(id int64) error {
	return s.db.Delete(&UserModel{}, "id = ?", id).Error
}

// UserCount returns number of users.
func (s *GormStore) UserCount() (int, error) {
	var count int64
	if err := s.db.Model(&UserModel{}).Count(&count).Error; err != nil {
		return 0, err
	}
	return int(count), nil
}

// AppendMessage inserts a message and returns it with the generated ID.
func (s *GormStore) AppendMessage(m domain.Message) (domain.Message, error) {
	model := messageToModel(m)
	if err := s.db.Create(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrForeignKeyViolated) {
			return domain.Message{}, ErrUserMissing
		}
		return domain.Message{}, fmt.Errorf("append message: %w", err)
	}
	return messageFromModel(model), nil
}

// GetMessage looks up a single message by id.
func (s *GormStore) GetMessage(id int64) (domain.Message, bool, error) {
	var model MessageModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Message{}, false, nil
		}
		return domain.Message{}, false, err
	}
	return messageFromModel(model), true, nil
}

// ListMessages returns recent messages for a user in chronological order.
func (s *GormStore) ListMessages(userID int64, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		return []domain.Message{}, nil
	}
	var models []MessageModel
	if err := s.db.Where("user_id = ?", userID).
		Order("timestamp DESC, id DESC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, err
	}
	msgs := make([]domain.Message, 0, len(models))
	for i := len(models) - 1; i >= 0; i-- {
		msgs = append(msgs, messageFromModel(models[i]))
	}
	return msgs, nil
}

func userToModel(u domain.User) UserModel {
	return UserModel{
		ID:        u.ID,
		Phone:     u.Phone,
		Name:      u.Name,
		ThreadID:  u.ThreadID,
		CreatedAt: u.CreatedAt,
	}
}

func userFromModel(m UserModel) domain.User {
	return domain.User{
		ID:        m.ID,
		Phone:     m.Phone,
		Name:      m.Name,
		ThreadID:  m.ThreadID,
		CreatedAt: m.CreatedAt,
	}
}

func messageToModel(m domain.Message) MessageModel {
	model := MessageModel{
		ID:        m.ID,
		UserID:    m.UserID,
		Sender:    string(m.Sender),
		Content:   m.Content,
		MediaType: string(m.MediaType),
		MediaURL:  m.MediaURL,
		Timestamp: m.Timestamp,
	}
	if len(m.Payload) > 0 {
		raw, _ := json.Marshal(m.Payload)
		model.Payload = datatypes.JSON(raw)
	}
	return model
}

func messageFromModel(m MessageModel) domain.Message {
	var payload map[string]any
	if len(m.Payload) > 0 {
		_ = json.Unmarshal(m.Payload, &payload)
	}
	return domain.Message{
		ID:        m.ID,
		UserID:    m.UserID,
		Sender:    domain.Sender(m.Sender),
		Content:   m.Content,
		MediaType: domain.MediaType(m.MediaType),
		MediaURL:  m.MediaURL,
		Payload:   payload,
		Timestamp: m.Timestamp,
	}
}
