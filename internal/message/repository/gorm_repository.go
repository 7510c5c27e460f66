package repository

import (
	"context"
	"time"

	"inbox-agent/internal/message/domain"
	"inbox-agent/pkg/sealer"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// gormMessageRepository implements MessageRepository using GORM
type gormMessageRepository struct {
	db     *gorm.DB
	sealer *sealer.Sealer
	now    func() time.Time
}

// NewGormMessageRepository creates a GORM-based MessageRepository. Bodies are
// sealed at rest when s is non-nil.
func NewGormMessageRepository(db *gorm.DB, s *sealer.Sealer) MessageRepository {
	return &gormMessageRepository{db: db, sealer: s, now: time.Now}
}

func (r *gormMessageRepository) Record(ctx context.Context, msg *domain.Message) (bool, error) {
	row := *msg
	row.State = domain.StateNew
	now := r.now()
	row.CreatedAt = now
	row.UpdatedAt = now

	body, err := r.sealer.Seal(msg.Body)
	if err != nil {
		return false, errors.Wrapf(err, "sealing body of %s", msg.ID)
	}
	row.Body = body

	created := false
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		created = true
		return tx.Create(&domain.Transition{
			MessageID: row.ID,
			To:        domain.StateNew,
			Reason:    "first seen",
			At:        now,
		}).Error
	})
	if err != nil {
		return false, errors.Wrapf(err, "recording message %s", msg.ID)
	}
	if created {
		msg.State = domain.StateNew
		msg.CreatedAt = now
		msg.UpdatedAt = now
	}
	return created, nil
}

func (r *gormMessageRepository) FindByID(ctx context.Context, id string) (*domain.Message, error) {
	var msg domain.Message
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&msg).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "loading message %s", id)
	}
	if err := r.open(&msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (r *gormMessageRepository) Transition(ctx context.Context, change StateChange) error {
	if !domain.CanTransition(change.From, change.To) {
		return errors.Errorf("illegal transition %s -> %s for %s", change.From, change.To, change.ID)
	}
	now := r.now()
	updates := map[string]interface{}{
		"state":      change.To,
		"updated_at": now,
	}
	if change.Shallow != nil {
		updates["shallow_result"] = domain.NullShallow{Result: *change.Shallow, Valid: true}
	}
	if change.Deep != nil {
		updates["deep_result"] = domain.NullDeep{Result: *change.Deep, Valid: true}
	}
	if change.Decision != "" {
		updates["decision"] = change.Decision
	}
	switch {
	case change.To == domain.StateFailed:
		updates["failure_reason"] = change.Reason
		updates["last_good_state"] = change.From
	case change.From == domain.StateFailed:
		updates["failure_reason"] = ""
		updates["attempts"] = 0
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&domain.Message{}).
			Where("id = ? AND state = ?", change.ID, change.From).
			Updates(updates)
		if res.Error != nil {
			return errors.Wrapf(res.Error, "transition %s -> %s for %s", change.From, change.To, change.ID)
		}
		if res.RowsAffected == 0 {
			return ErrStateConflict
		}
		return tx.Create(&domain.Transition{
			MessageID: change.ID,
			From:      change.From,
			To:        change.To,
			Reason:    change.Reason,
			At:        now,
		}).Error
	})
}

func (r *gormMessageRepository) RecordAttempt(ctx context.Context, id, lastError string) (int, error) {
	var attempts int
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&domain.Message{}).Where("id = ?", id).
			Updates(map[string]interface{}{
				"attempts":       gorm.Expr("attempts + 1"),
				"failure_reason": lastError,
				"updated_at":     r.now(),
			}).Error; err != nil {
			return err
		}
		return tx.Model(&domain.Message{}).Where("id = ?", id).
			Select("attempts").Scan(&attempts).Error
	})
	if err != nil {
		return 0, errors.Wrapf(err, "recording attempt for %s", id)
	}
	return attempts, nil
}

func (r *gormMessageRepository) ListResumable(ctx context.Context, accountID string) ([]*domain.Message, error) {
	var msgs []*domain.Message
	err := r.db.WithContext(ctx).
		Where("account_id = ? AND state NOT IN ?", accountID, []domain.LifecycleState{
			domain.StateArchived, domain.StateSkipped, domain.StateNotifiedSent, domain.StateFailed,
		}).
		Order("created_at ASC, id ASC").
		Find(&msgs).Error
	if err != nil {
		return nil, errors.Wrapf(err, "listing resumable messages for %s", accountID)
	}
	return msgs, r.openAll(msgs)
}

func (r *gormMessageRepository) ListThread(ctx context.Context, accountID, threadID, excludeID string, limit int) ([]*domain.Message, error) {
	if threadID == "" {
		return nil, nil
	}
	var msgs []*domain.Message
	err := r.db.WithContext(ctx).
		Where("account_id = ? AND thread_id = ? AND id <> ?", accountID, threadID, excludeID).
		Order("received_at DESC").
		Limit(limit).
		Find(&msgs).Error
	if err != nil {
		return nil, errors.Wrapf(err, "listing thread %s", threadID)
	}
	// Oldest first for prompt order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, r.openAll(msgs)
}

func (r *gormMessageRepository) ListSince(ctx context.Context, accountID string, since time.Time) ([]*domain.Message, error) {
	var msgs []*domain.Message
	query := r.db.WithContext(ctx).Where("received_at >= ? AND shallow_result IS NOT NULL", since)
	if accountID != "" {
		query = query.Where("account_id = ?", accountID)
	}
	if err := query.Order("received_at ASC").Find(&msgs).Error; err != nil {
		return nil, errors.Wrap(err, "listing recent messages")
	}
	return msgs, nil
}

func (r *gormMessageRepository) List(ctx context.Context, filter Filter) ([]*domain.Message, int64, error) {
	var msgs []*domain.Message
	var total int64

	query := r.db.WithContext(ctx).Model(&domain.Message{})
	if filter.AccountID != "" {
		query = query.Where("account_id = ?", filter.AccountID)
	}
	if filter.State != "" {
		query = query.Where("state = ?", filter.State)
	}
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, errors.Wrap(err, "counting messages")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	err := query.Order("updated_at DESC").Limit(limit).Offset(filter.Offset).Find(&msgs).Error
	if err != nil {
		return nil, 0, errors.Wrap(err, "listing messages")
	}
	return msgs, total, nil
}

func (r *gormMessageRepository) Transitions(ctx context.Context, id string) ([]domain.Transition, error) {
	var out []domain.Transition
	err := r.db.WithContext(ctx).Where("message_id = ?", id).Order("id ASC").Find(&out).Error
	if err != nil {
		return nil, errors.Wrapf(err, "listing transitions for %s", id)
	}
	return out, nil
}

func (r *gormMessageRepository) open(msg *domain.Message) error {
	body, err := r.sealer.Open(msg.Body)
	if err != nil {
		return errors.Wrapf(err, "opening body of %s", msg.ID)
	}
	msg.Body = body
	return nil
}

func (r *gormMessageRepository) openAll(msgs []*domain.Message) error {
	for _, m := range msgs {
		if err := r.open(m); err != nil {
			return err
		}
	}
	return nil
}

// gormIgnoreRuleRepository implements IgnoreRuleRepository using GORM
type gormIgnoreRuleRepository struct {
	db *gorm.DB
}

func NewGormIgnoreRuleRepository(db *gorm.DB) IgnoreRuleRepository {
	return &gormIgnoreRuleRepository{db: db}
}

func (r *gormIgnoreRuleRepository) List(ctx context.Context) ([]*domain.IgnoreRule, error) {
	var rules []*domain.IgnoreRule
	if err := r.db.WithContext(ctx).Order("created_at ASC").Find(&rules).Error; err != nil {
		return nil, errors.Wrap(err, "listing ignore rules")
	}
	return rules, nil
}

// Upsert inserts rule or refreshes the note of an existing (field, pattern).
func (r *gormIgnoreRuleRepository) Upsert(ctx context.Context, rule *domain.IgnoreRule) error {
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = time.Now()
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "field"}, {Name: "pattern"}},
		DoUpdates: clause.AssignmentColumns([]string{"note"}),
	}).Create(rule).Error
	return errors.Wrapf(err, "saving ignore rule %s", rule.Pattern)
}
