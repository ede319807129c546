package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// AccountRepository manages Account rows — the OAuth credential side of the
// data model, read by get_available's eligibility filter and written by the
// token refresh coordinator (§4.H).
type AccountRepository interface {
	Create(ctx context.Context, account *Account) error
	Get(ctx context.Context, id string) (*Account, error)
	GetByUserAndProvider(ctx context.Context, userID string, provider Provider) (*Account, error)
	UpdateTokens(ctx context.Context, id, accessToken, refreshToken string, expiresAt *time.Time) error
	ClearTokens(ctx context.Context, id string) error
}

type gormAccountRepository struct {
	db *gorm.DB
}

// NewAccountRepository returns an AccountRepository backed by db.
func NewAccountRepository(db *gorm.DB) AccountRepository {
	return &gormAccountRepository{db: db}
}

func (r *gormAccountRepository) Create(ctx context.Context, account *Account) error {
	if err := r.db.WithContext(ctx).Create(account).Error; err != nil {
		return fmt.Errorf("store: account create: %w", err)
	}
	return nil
}

func (r *gormAccountRepository) Get(ctx context.Context, id string) (*Account, error) {
	var account Account
	if err := r.db.WithContext(ctx).First(&account, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: account get: %w", err)
	}
	return &account, nil
}

func (r *gormAccountRepository) GetByUserAndProvider(ctx context.Context, userID string, provider Provider) (*Account, error) {
	var account Account
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND provider = ?", userID, provider).
		First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: account get by user/provider: %w", err)
	}
	return &account, nil
}

// UpdateTokens replaces the stored access/refresh token pair — called after
// a successful provider-side refresh.
func (r *gormAccountRepository) UpdateTokens(ctx context.Context, id, accessToken, refreshToken string, expiresAt *time.Time) error {
	res := r.db.WithContext(ctx).Model(&Account{}).Where("id = ?", id).Updates(map[string]any{
		"access_token":  accessToken,
		"refresh_token": refreshToken,
		"expires_at":    expiresAt,
	})
	if res.Error != nil {
		return fmt.Errorf("store: account update tokens: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ClearTokens blanks out an account's credentials after an unrecoverable
// invalid_grant response, so get_available stops dispatching jobs for it
// until the user re-authorizes.
func (r *gormAccountRepository) ClearTokens(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Model(&Account{}).Where("id = ?", id).Updates(map[string]any{
		"access_token":  "",
		"refresh_token": "",
		"expires_at":    nil,
	})
	if res.Error != nil {
		return fmt.Errorf("store: account clear tokens: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
