package repository

import (
	"context"
	"time"

	"inbox-agent/internal/contact/domain"
	"inbox-agent/pkg/mailparse"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ContactRepository is the contact store. Lookup returns nil, nil when the
// address has no profile.
type ContactRepository interface {
	Lookup(ctx context.Context, address string) (*domain.Contact, error)
	Touch(ctx context.Context, address, name string, seen time.Time) error
	Import(ctx context.Context, contacts []*domain.Contact) (int, error)
}

type gormContactRepository struct {
	db *gorm.DB
}

func NewGormContactRepository(db *gorm.DB) ContactRepository {
	return &gormContactRepository{db: db}
}

func (r *gormContactRepository) Lookup(ctx context.Context, address string) (*domain.Contact, error) {
	addr := mailparse.NormalizeAddress(address)
	if addr == "" {
		return nil, nil
	}
	var c domain.Contact
	err := r.db.WithContext(ctx).Where("address = ?", addr).First(&c).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "looking up contact %s", addr)
	}
	return &c, nil
}

// Touch bumps the seen counters, creating a bare row for a first-time sender.
func (r *gormContactRepository) Touch(ctx context.Context, address, name string, seen time.Time) error {
	addr := mailparse.NormalizeAddress(address)
	if addr == "" {
		return nil
	}
	c := &domain.Contact{Address: addr, Name: name, MessageCount: 1, LastSeen: &seen, UpdatedAt: time.Now()}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "address"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"message_count": gorm.Expr("contacts.message_count + 1"),
			"last_seen":     seen,
		}),
	}).Create(c).Error
	return errors.Wrapf(err, "touching contact %s", addr)
}

// Import upserts profile attributes written by the profile builder.
func (r *gormContactRepository) Import(ctx context.Context, contacts []*domain.Contact) (int, error) {
	n := 0
	for _, c := range contacts {
		c.Address = mailparse.NormalizeAddress(c.Address)
		if c.Address == "" {
			continue
		}
		c.UpdatedAt = time.Now()
		err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "address"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "role", "topics", "tone", "relationship", "notes", "updated_at"}),
		}).Create(c).Error
		if err != nil {
			return n, errors.Wrapf(err, "importing contact %s", c.Address)
		}
		n++
	}
	return n, nil
}
