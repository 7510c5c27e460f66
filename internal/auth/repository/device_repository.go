package repository

import (
	"context"
	"time"

	authdomain "inbox-agent/internal/auth/domain"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DeviceRepository stores the devices that receive push alerts.
type DeviceRepository interface {
	Save(ctx context.Context, token, label string) error
	List(ctx context.Context) ([]authdomain.Device, error)
	// Tokens returns every registered token.
	Tokens(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, token string) (bool, error)
}

type deviceRepository struct {
	db *gorm.DB
}

func NewDeviceRepository(db *gorm.DB) DeviceRepository {
	return &deviceRepository{db: db}
}

// Save registers or relabels a token (atomic upsert).
func (r *deviceRepository) Save(ctx context.Context, token, label string) error {
	now := time.Now()
	device := &authdomain.Device{
		ID:        uuid.New().String(),
		Token:     token,
		Label:     label,
		CreatedAt: now,
		UpdatedAt: now,
	}

	// INSERT ... ON CONFLICT (token) DO UPDATE
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "token"}},
		DoUpdates: clause.AssignmentColumns([]string{"label", "updated_at"}),
	}).Create(device).Error
	return errors.Wrap(err, "saving device")
}

func (r *deviceRepository) List(ctx context.Context) ([]authdomain.Device, error) {
	var devices []authdomain.Device
	if err := r.db.WithContext(ctx).Order("created_at ASC").Find(&devices).Error; err != nil {
		return nil, errors.Wrap(err, "listing devices")
	}
	return devices, nil
}

func (r *deviceRepository) Tokens(ctx context.Context) ([]string, error) {
	var tokens []string
	err := r.db.WithContext(ctx).Model(&authdomain.Device{}).Order("created_at ASC").Pluck("token", &tokens).Error
	if err != nil {
		return nil, errors.Wrap(err, "listing device tokens")
	}
	return tokens, nil
}

func (r *deviceRepository) Delete(ctx context.Context, token string) (bool, error) {
	res := r.db.WithContext(ctx).Where("token = ?", token).Delete(&authdomain.Device{})
	if res.Error != nil {
		return false, errors.Wrap(res.Error, "deleting device")
	}
	return res.RowsAffected > 0, nil
}
