package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/charlesng35/sessionkeeper/internal/database"
	"github.com/charlesng35/sessionkeeper/internal/models"
)

// TokenStore persists autologin tokens. Every method resolves its connection
// from ctx so it joins the session transaction of the request.
type TokenStore struct {
	db  *gorm.DB
	now func() time.Time
}

// NewTokenStore constructs a TokenStore.
func NewTokenStore(db *gorm.DB, clock func() time.Time) (*TokenStore, error) {
	if db == nil {
		return nil, errors.New("token store: db is required")
	}
	if clock == nil {
		clock = time.Now
	}
	return &TokenStore{db: db, now: clock}, nil
}

// Replace stores token as the only unused token of userKey. Used tokens are
// kept so a replayed cookie can still be recognised.
func (s *TokenStore) Replace(ctx context.Context, userKey, token string) error {
	conn := database.Conn(ctx, s.db)
	if err := conn.
		Where("user_key = ? AND used = ?", userKey, false).
		Delete(&models.AutologinToken{}).Error; err != nil {
		return fmt.Errorf("token store: drop unused tokens: %w", err)
	}

	row := models.AutologinToken{
		UserKey:   userKey,
		Token:     token,
		Data:      []byte{},
		CreatedAt: s.now().UTC(),
	}
	if err := conn.Create(&row).Error; err != nil {
		return fmt.Errorf("token store: insert token: %w", err)
	}
	return nil
}

// Consume marks an unused token as used. It reports false when the token does
// not exist or has already been consumed.
func (s *TokenStore) Consume(ctx context.Context, userKey, token string) (bool, error) {
	result := database.Conn(ctx, s.db).
		Model(&models.AutologinToken{}).
		Where("user_key = ? AND token = ? AND used = ?", userKey, token, false).
		Update("used", true)
	if result.Error != nil {
		return false, fmt.Errorf("token store: consume token: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}

// Exists reports whether the token row is present regardless of its used flag.
func (s *TokenStore) Exists(ctx context.Context, userKey, token string) (bool, error) {
	var count int64
	if err := database.Conn(ctx, s.db).
		Model(&models.AutologinToken{}).
		Where("user_key = ? AND token = ?", userKey, token).
		Count(&count).Error; err != nil {
		return false, fmt.Errorf("token store: lookup token: %w", err)
	}
	return count > 0, nil
}

// MarkUsed retires a token without consuming it for a login.
func (s *TokenStore) MarkUsed(ctx context.Context, userKey, token string) error {
	if err := database.Conn(ctx, s.db).
		Model(&models.AutologinToken{}).
		Where("user_key = ? AND token = ?", userKey, token).
		Update("used", true).Error; err != nil {
		return fmt.Errorf("token store: retire token: %w", err)
	}
	return nil
}

// DeleteAll removes every token of userKey.
func (s *TokenStore) DeleteAll(ctx context.Context, userKey string) (int64, error) {
	result := database.Conn(ctx, s.db).
		Where("user_key = ?", userKey).
		Delete(&models.AutologinToken{})
	if result.Error != nil {
		return 0, fmt.Errorf("token store: delete tokens: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// Purge removes tokens created before cutoff.
func (s *TokenStore) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	result := database.Conn(ctx, s.db).
		Where("created_at < ?", cutoff.UTC()).
		Delete(&models.AutologinToken{})
	if result.Error != nil {
		return 0, fmt.Errorf("token store: purge tokens: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// Unused lists the unused tokens of userKey, newest first.
func (s *TokenStore) Unused(ctx context.Context, userKey string) ([]models.AutologinToken, error) {
	var rows []models.AutologinToken
	if err := database.Conn(ctx, s.db).
		Where("user_key = ? AND used = ?", userKey, false).
		Order("created_at DESC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("token store: list tokens: %w", err)
	}
	return rows, nil
}

// LatestSnapshot returns the session payload mirrored for userKey, or nil.
func (s *TokenStore) LatestSnapshot(ctx context.Context, userKey string) ([]byte, error) {
	var rows []models.AutologinToken
	if err := database.Conn(ctx, s.db).
		Select("data", "created_at").
		Where("user_key = ?", userKey).
		Order("created_at DESC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("token store: load snapshot: %w", err)
	}
	for _, row := range rows {
		if len(row.Data) > 0 {
			return row.Data, nil
		}
	}
	return nil, nil
}

// SaveSnapshot mirrors a session payload into every token row of userKey.
func (s *TokenStore) SaveSnapshot(ctx context.Context, userKey string, data []byte) error {
	if err := database.Conn(ctx, s.db).
		Model(&models.AutologinToken{}).
		Where("user_key = ?", userKey).
		Update("data", data).Error; err != nil {
		return fmt.Errorf("token store: save snapshot: %w", err)
	}
	return nil
}
