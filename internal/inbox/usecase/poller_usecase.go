package usecase

import (
	"context"
	"errors"
	"fmt"

	"inbox-agent/internal/inbox/domain"
	"inbox-agent/internal/inbox/repository"

	"go.uber.org/zap"
)

// PollerConfig configures the poller of one account.
type PollerConfig struct {
	AccountID string
	Provider  domain.Provider
	// BackfillLimit is how many recent messages the first poll records.
	BackfillLimit int
}

type pollerUsecase struct {
	feed    Feed
	cursors repository.CursorRepository
	cfg     PollerConfig
	log     *zap.Logger
}

// NewPollerUsecase returns a PollerUsecase reading feed from the stored cursor.
func NewPollerUsecase(feed Feed, cursors repository.CursorRepository, cfg PollerConfig, log *zap.Logger) PollerUsecase {
	if cfg.BackfillLimit < 0 {
		cfg.BackfillLimit = 0
	}
	return &pollerUsecase{
		feed:    feed,
		cursors: cursors,
		cfg:     cfg,
		log:     log.Named("poller").With(zap.String("account", cfg.AccountID)),
	}
}

func (p *pollerUsecase) Poll(ctx context.Context, rec Recorder) (int, error) {
	cursor, err := p.cursors.Get(ctx, p.cfg.AccountID)
	if err != nil {
		return 0, err
	}

	var changes *domain.Changes
	if cursor == nil || cursor.Provider != p.cfg.Provider {
		p.log.Info("no cursor, backfilling", zap.Int("limit", p.cfg.BackfillLimit))
		changes, err = p.feed.Bootstrap(ctx, p.cfg.BackfillLimit)
	} else {
		changes, err = p.feed.Changes(ctx, cursor.Position)
		if errors.Is(err, domain.ErrStalePosition) {
			p.log.Warn("cursor expired, backfilling",
				zap.String("position", cursor.Position),
				zap.Error(err))
			changes, err = p.feed.Bootstrap(ctx, p.cfg.BackfillLimit)
		}
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read changes of %s: %w", p.cfg.AccountID, err)
	}

	recorded := 0
	for _, ref := range changes.Refs {
		msg, err := p.feed.Fetch(ctx, ref.ID)
		if errors.Is(err, domain.ErrMessageGone) {
			p.log.Debug("message gone before fetch", zap.String("message_id", ref.ID))
			continue
		}
		if errors.Is(err, domain.ErrUnreadable) {
			p.log.Warn("unreadable message", zap.String("message_id", ref.ID), zap.Error(err))
			if err := rec.IngestUnreadable(ctx, ref, err); err != nil {
				return recorded, fmt.Errorf("failed to record unreadable %s: %w", ref.ID, err)
			}
			recorded++
			continue
		}
		if err != nil {
			return recorded, fmt.Errorf("failed to fetch %s: %w", ref.ID, err)
		}
		if err := rec.Ingest(ctx, ref, msg); err != nil {
			return recorded, fmt.Errorf("failed to record %s: %w", ref.ID, err)
		}
		recorded++
	}

	if cursor != nil && cursor.Provider == p.cfg.Provider && cursor.Position == changes.Position {
		return recorded, nil
	}
	err = p.cursors.Save(ctx, &domain.Cursor{
		AccountID: p.cfg.AccountID,
		Provider:  p.cfg.Provider,
		Position:  changes.Position,
	})
	if errors.Is(err, domain.ErrCursorRegression) {
		p.log.Warn("feed position behind cursor, keeping cursor", zap.Error(err))
		return recorded, nil
	}
	if err != nil {
		return recorded, err
	}
	if recorded > 0 {
		p.log.Info("polled", zap.Int("recorded", recorded), zap.String("position", changes.Position))
	}
	return recorded, nil
}
