package store

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// apiKeyPrefix marks plaintext keys so they are recognisable in configs.
const apiKeyPrefix = "dbc_"

// APIKey authenticates a user at the request boundary. Only the SHA-256 hash
// of the key is stored.
type APIKey struct {
	ID         string     `json:"id"`
	UserID     int64      `json:"user_id"`
	Name       string     `json:"name"`
	LastUsedAt *time.Time `json:"last_used_at"`
	CreatedAt  time.Time  `json:"created_at"`
}

// KeyRepository issues and checks API keys.
type KeyRepository interface {
	// CreateAPIKey stores a new key for userID and returns it with the
	// plaintext token, which is never recoverable afterwards.
	CreateAPIKey(ctx context.Context, userID int64, name string) (APIKey, string, error)
	// UserForAPIKey returns the owner of token or ErrNotFound.
	UserForAPIKey(ctx context.Context, token string) (int64, error)
}

// HashAPIKey is the stored form of a plaintext key.
func HashAPIKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func newAPIKeyToken() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	return apiKeyPrefix + hex.EncodeToString(buf), nil
}

func validKeyOwner(userID int64) error {
	if userID <= 0 {
		return errors.New("api key owner must be a positive user id")
	}
	return nil
}

type apiKeyModel struct {
	ID         string `gorm:"type:uuid;primaryKey"`
	UserID     int64
	Name       string
	TokenHash  string     `gorm:"type:char(64)"`
	LastUsedAt *time.Time `gorm:"type:timestamptz"`
	CreatedAt  time.Time  `gorm:"type:timestamptz;autoCreateTime"`
	UpdatedAt  time.Time  `gorm:"type:timestamptz;autoUpdateTime"`
}

func (apiKeyModel) TableName() string { return "api_keys" }

func (m apiKeyModel) toDomain() APIKey {
	return APIKey{ID: m.ID, UserID: m.UserID, Name: m.Name, LastUsedAt: m.LastUsedAt, CreatedAt: m.CreatedAt}
}

var _ KeyRepository = (*Store)(nil)

func (s *Store) CreateAPIKey(ctx context.Context, userID int64, name string) (APIKey, string, error) {
	if err := validKeyOwner(userID); err != nil {
		return APIKey{}, "", err
	}
	token, err := newAPIKeyToken()
	if err != nil {
		return APIKey{}, "", err
	}
	model := apiKeyModel{
		ID:        uuid.NewString(),
		UserID:    userID,
		Name:      strings.TrimSpace(name),
		TokenHash: HashAPIKey(token),
	}
	if err := s.ORM.WithContext(ctx).Create(&model).Error; err != nil {
		return APIKey{}, "", err
	}
	return model.toDomain(), token, nil
}

func (s *Store) UserForAPIKey(ctx context.Context, token string) (int64, error) {
	var model apiKeyModel
	err := s.ORM.WithContext(ctx).First(&model, "token_hash = ?", HashAPIKey(token)).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, ErrNotFound
		}
		return 0, err
	}
	// last_used_at is advisory; a failed touch must not reject the request.
	_ = s.ORM.WithContext(ctx).Model(&apiKeyModel{}).
		Where("id = ?", model.ID).
		UpdateColumn("last_used_at", time.Now().UTC()).Error
	return model.UserID, nil
}

var _ KeyRepository = (*Memory)(nil)

func (m *Memory) CreateAPIKey(_ context.Context, userID int64, name string) (APIKey, string, error) {
	if err := validKeyOwner(userID); err != nil {
		return APIKey{}, "", err
	}
	token, err := newAPIKeyToken()
	if err != nil {
		return APIKey{}, "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := APIKey{ID: uuid.NewString(), UserID: userID, Name: strings.TrimSpace(name), CreatedAt: m.now()}
	m.keys[HashAPIKey(token)] = key
	return key, token, nil
}

func (m *Memory) UserForAPIKey(_ context.Context, token string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	hash := HashAPIKey(token)
	key, ok := m.keys[hash]
	if !ok {
		return 0, ErrNotFound
	}
	now := m.now()
	key.LastUsedAt = &now
	m.keys[hash] = key
	return key.UserID, nil
}
