package ai

import (
	"context"
	"errors"
	"fmt"

	"inbox-agent/internal/apperr"

	"go.uber.org/zap"
)

// FallbackEndpoint implements smart AI provider routing with fallback.
// The primary (local, free) is tried first; the secondary is used when the
// primary cannot be reached or is rate limited. Model output is never
// retried here, only transport failures.
type FallbackEndpoint struct {
	primary   Endpoint
	secondary Endpoint
	log       *zap.Logger
}

// NewFallbackEndpoint creates a new fallback endpoint with both providers
func NewFallbackEndpoint(primary, secondary Endpoint, log *zap.Logger) *FallbackEndpoint {
	return &FallbackEndpoint{
		primary:   primary,
		secondary: secondary,
		log:       log.Named("ai"),
	}
}

func (f *FallbackEndpoint) Generate(ctx context.Context, req Request) (*Response, error) {
	if f.primary == nil && f.secondary == nil {
		return nil, fmt.Errorf("no AI provider available")
	}
	if f.primary == nil {
		return f.secondary.Generate(ctx, req)
	}

	resp, err := f.primary.Generate(ctx, req)
	if err == nil || f.secondary == nil {
		return resp, err
	}
	if ctx.Err() != nil {
		return nil, err
	}
	if !apperr.IsConnectionError(err) && !apperr.IsQuotaError(err) && !isServerError(err) {
		return nil, err
	}

	f.log.Warn("primary endpoint failed, falling back",
		zap.String("purpose", string(req.Purpose)), zap.Error(err))
	resp, err2 := f.secondary.Generate(ctx, req)
	if err2 != nil {
		return nil, fmt.Errorf("fallback failed: %w (primary: %v)", err2, err)
	}
	return resp, nil
}

func isServerError(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code >= 500
}
