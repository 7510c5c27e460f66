package repository

import (
	"context"
	"time"

	"inbox-agent/internal/apperr"
	"inbox-agent/internal/task/domain"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const uniqueIndexName = "idx_task_message_kind"

// gormTaskRepository implements TaskRepository using GORM
type gormTaskRepository struct {
	db  *gorm.DB
	now func() time.Time
}

// NewGormTaskRepository creates a new GORM-based TaskRepository
func NewGormTaskRepository(db *gorm.DB) TaskRepository {
	return &gormTaskRepository{db: db, now: time.Now}
}

func (r *gormTaskRepository) Reserve(ctx context.Context, task *domain.Task) error {
	if !task.Kind.Valid() {
		return errors.Errorf("unknown task kind %q", task.Kind)
	}
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.Status != domain.TaskStatusAwaitingConfirmation {
		task.Status = domain.TaskStatusPending
	}
	task.CreatedAt = r.now()
	task.UpdatedAt = task.CreatedAt

	// INSERT ... ON CONFLICT (message_id, kind) DO NOTHING
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "message_id"}, {Name: "kind"}},
		DoNothing: true,
	}).Create(task)
	if res.Error != nil {
		return apperr.ClassifyIO("ledger.reserve", errors.Wrapf(res.Error, "reserving %s", task.Key()))
	}
	if res.RowsAffected == 0 {
		return apperr.DuplicateAction("ledger.reserve", task.Key())
	}
	return nil
}

func (r *gormTaskRepository) Get(ctx context.Context, messageID string, kind domain.Kind) (*domain.Task, error) {
	var tasks []*domain.Task
	err := r.db.WithContext(ctx).
		Where("message_id = ? AND kind = ?", messageID, kind).
		Limit(2).
		Find(&tasks).Error
	if err != nil {
		return nil, errors.Wrapf(err, "loading %s", domain.Key(messageID, kind))
	}
	switch len(tasks) {
	case 0:
		return nil, nil
	case 1:
		return tasks[0], nil
	}
	detail := "identical"
	if !tasks[0].SameIntent(tasks[1]) {
		detail = "non-identical"
	}
	return nil, apperr.FatalState("ledger.get",
		errors.Errorf("%s rows for unique key %s", detail, domain.Key(messageID, kind)))
}

func (r *gormTaskRepository) FindByID(ctx context.Context, id string) (*domain.Task, error) {
	var task domain.Task
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&task).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "loading task %s", id)
	}
	return &task, nil
}

func (r *gormTaskRepository) ListByMessage(ctx context.Context, messageID string) ([]*domain.Task, error) {
	var tasks []*domain.Task
	err := r.db.WithContext(ctx).Where("message_id = ?", messageID).Order("created_at ASC").Find(&tasks).Error
	return tasks, errors.Wrapf(err, "listing tasks of %s", messageID)
}

func (r *gormTaskRepository) FindBySender(ctx context.Context, sender string, limit int) ([]*domain.Task, error) {
	var tasks []*domain.Task
	err := r.db.WithContext(ctx).
		Where("sender = ? AND kind IN ?", sender, []domain.Kind{domain.KindCalendarEvent, domain.KindReminder}).
		Order("created_at DESC").
		Limit(limit).
		Find(&tasks).Error
	return tasks, errors.Wrapf(err, "listing tasks of sender %s", sender)
}

func (r *gormTaskRepository) Claim(ctx context.Context, task *domain.Task) (bool, error) {
	now := r.now()
	res := r.db.WithContext(ctx).Model(&domain.Task{}).
		Where("id = ? AND status = ? AND attempts = ?", task.ID, task.Status, task.Attempts).
		Updates(map[string]interface{}{
			"attempts":   task.Attempts + 1,
			"updated_at": now,
		})
	if res.Error != nil {
		return false, errors.Wrapf(res.Error, "claiming task %s", task.ID)
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	task.Attempts++
	task.UpdatedAt = now
	return true, nil
}

func (r *gormTaskRepository) Resolve(ctx context.Context, id string, from, to domain.TaskStatus) (bool, error) {
	res := r.db.WithContext(ctx).Model(&domain.Task{}).
		Where("id = ? AND status = ?", id, from).
		Updates(map[string]interface{}{
			"status":     to,
			"updated_at": r.now(),
		})
	if res.Error != nil {
		return false, errors.Wrapf(res.Error, "moving task %s from %s to %s", id, from, to)
	}
	return res.RowsAffected == 1, nil
}

func (r *gormTaskRepository) MarkSent(ctx context.Context, id, externalID, externalLink string) error {
	updates := map[string]interface{}{
		"status":     domain.TaskStatusSent,
		"last_error": "",
		"updated_at": r.now(),
	}
	if externalID != "" {
		updates["external_id"] = externalID
	}
	if externalLink != "" {
		updates["external_link"] = externalLink
	}
	err := r.db.WithContext(ctx).Model(&domain.Task{}).Where("id = ?", id).Updates(updates).Error
	return errors.Wrapf(err, "marking task %s sent", id)
}

func (r *gormTaskRepository) MarkFailed(ctx context.Context, id, cause string) error {
	err := r.db.WithContext(ctx).Model(&domain.Task{}).
		Where("id = ? AND status <> ?", id, domain.TaskStatusSent).
		Updates(map[string]interface{}{
			"status":     domain.TaskStatusFailed,
			"last_error": cause,
			"updated_at": r.now(),
		}).Error
	return errors.Wrapf(err, "marking task %s failed", id)
}

func (r *gormTaskRepository) MarkRetry(ctx context.Context, id, cause string) error {
	err := r.db.WithContext(ctx).Model(&domain.Task{}).
		Where("id = ? AND status = ?", id, domain.TaskStatusPending).
		Updates(map[string]interface{}{
			"last_error": cause,
			"updated_at": r.now(),
		}).Error
	return errors.Wrapf(err, "recording failure of task %s", id)
}

func (r *gormTaskRepository) FindDueDeferred(ctx context.Context, now time.Time) ([]*domain.Task, error) {
	var tasks []*domain.Task
	err := r.db.WithContext(ctx).
		Where("kind = ? AND status = ? AND trigger_at <= ?",
			domain.KindDeferredNotification, domain.TaskStatusPending, now).
		Order("trigger_at ASC").
		Find(&tasks).Error
	return tasks, errors.Wrap(err, "finding due deferred notifications")
}

func (r *gormTaskRepository) FindRetryable(ctx context.Context, staleBefore time.Time, maxAttempts int) ([]*domain.Task, error) {
	var tasks []*domain.Task
	err := r.db.WithContext(ctx).
		Where("attempts < ?", maxAttempts).
		Where(r.db.
			Where("status = ?", domain.TaskStatusFailed).
			Or("status = ? AND kind <> ? AND updated_at < ?",
				domain.TaskStatusPending, domain.KindDeferredNotification, staleBefore)).
		Order("created_at ASC").
		Find(&tasks).Error
	return tasks, errors.Wrap(err, "finding retryable tasks")
}

func (r *gormTaskRepository) List(ctx context.Context, filter Filter) ([]*domain.Task, int64, error) {
	var tasks []*domain.Task
	var total int64

	query := r.db.WithContext(ctx).Model(&domain.Task{})
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.Kind != "" {
		query = query.Where("kind = ?", filter.Kind)
	}
	if filter.MessageID != "" {
		query = query.Where("message_id = ?", filter.MessageID)
	}

	// Count total
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, errors.Wrap(err, "counting tasks")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	// Nulls last, then newest first
	err := query.Order("CASE WHEN trigger_at IS NULL THEN 1 ELSE 0 END, trigger_at ASC, created_at DESC").
		Limit(limit).Offset(filter.Offset).Find(&tasks).Error
	return tasks, total, errors.Wrap(err, "listing tasks")
}

func (r *gormTaskRepository) VerifySchema(ctx context.Context) error {
	if !r.db.WithContext(ctx).Migrator().HasIndex(&domain.Task{}, uniqueIndexName) {
		return apperr.FatalState("ledger.verify", errors.Errorf("unique index %s is missing", uniqueIndexName))
	}
	return nil
}
