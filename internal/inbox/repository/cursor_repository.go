package repository

import (
	"context"
	"time"

	"inbox-agent/internal/inbox/domain"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// CursorRepository stores one inbox position per account.
type CursorRepository interface {
	// Get returns nil, nil for an account that was never polled.
	Get(ctx context.Context, accountID string) (*domain.Cursor, error)
	// Save moves the cursor forward. Moving it back fails with
	// domain.ErrCursorRegression and leaves the row untouched.
	Save(ctx context.Context, cursor *domain.Cursor) error
	List(ctx context.Context) ([]*domain.Cursor, error)
}

type gormCursorRepository struct {
	db  *gorm.DB
	now func() time.Time
}

func NewGormCursorRepository(db *gorm.DB) CursorRepository {
	return &gormCursorRepository{db: db, now: time.Now}
}

func (r *gormCursorRepository) Get(ctx context.Context, accountID string) (*domain.Cursor, error) {
	var c domain.Cursor
	err := r.db.WithContext(ctx).Where("account_id = ?", accountID).First(&c).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "loading cursor of %s", accountID)
	}
	return &c, nil
}

func (r *gormCursorRepository) Save(ctx context.Context, cursor *domain.Cursor) error {
	cursor.UpdatedAt = r.now()
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current domain.Cursor
		err := tx.Where("account_id = ?", cursor.AccountID).First(&current).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			return errors.Wrapf(tx.Create(cursor).Error, "creating cursor of %s", cursor.AccountID)
		case err != nil:
			return errors.Wrapf(err, "loading cursor of %s", cursor.AccountID)
		}

		if current.Provider == cursor.Provider && domain.Regresses(cursor.Provider, current.Position, cursor.Position) {
			return errors.Wrapf(domain.ErrCursorRegression, "%s: %s -> %s",
				cursor.AccountID, current.Position, cursor.Position)
		}
		err = tx.Model(&domain.Cursor{}).
			Where("account_id = ?", cursor.AccountID).
			Updates(map[string]interface{}{
				"provider":   cursor.Provider,
				"position":   cursor.Position,
				"updated_at": cursor.UpdatedAt,
			}).Error
		return errors.Wrapf(err, "saving cursor of %s", cursor.AccountID)
	})
}

func (r *gormCursorRepository) List(ctx context.Context) ([]*domain.Cursor, error) {
	var cursors []*domain.Cursor
	err := r.db.WithContext(ctx).Order("account_id ASC").Find(&cursors).Error
	return cursors, errors.Wrap(err, "listing cursors")
}
