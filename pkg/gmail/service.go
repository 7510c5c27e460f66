// Package gmail reads an account's inbox through the Gmail history API.
package gmail

import (
	"context"
	"encoding/base64"
	"net/http"
	"strconv"
	"strings"
	"time"

	"inbox-agent/internal/apperr"
	"inbox-agent/internal/inbox/domain"
	"inbox-agent/pkg/mailparse"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const (
	ReadonlyScope = gmail.GmailReadonlyScope

	// See https://developers.google.com/gmail/api/reference/quota
	quotaUnitsMessagesGet     = 5
	quotaUnitsPerGetProfile   = 1
	quotaUnitsPerHistoryList  = 2
	quotaUnitsPerMessagesList = 5
	quotaUnitsPerWatch        = 100

	quotaUnitsPerSecond = 250
	rateLimitPerSecond  = quotaUnitsPerSecond * 0.8
	rateLimitBurst      = quotaUnitsPerSecond

	user         = "me"
	inboxQuery   = "in:inbox -is:chat"
	maxListLimit = 500
)

// Service provides the change feed of one Gmail mailbox.
type Service struct {
	users   *gmail.UsersService
	limiter *rate.Limiter
	log     *zap.Logger
}

// New creates a feed over an authorized client.
func New(ctx context.Context, client *http.Client, log *zap.Logger, opts ...option.ClientOption) (*Service, error) {
	opts = append([]option.ClientOption{option.WithHTTPClient(client)}, opts...)
	srv, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "unable to create Gmail service")
	}
	return &Service{
		users:   srv.Users,
		limiter: rate.NewLimiter(rateLimitPerSecond, rateLimitBurst),
		log:     log.Named("gmail"),
	}, nil
}

// Bootstrap lists the newest limit inbox messages, oldest first. The
// position is read before the listing, so a message arriving meanwhile is
// seen again by the next Changes call rather than lost.
func (s *Service) Bootstrap(ctx context.Context, limit int) (*domain.Changes, error) {
	if err := s.limiter.WaitN(ctx, quotaUnitsPerGetProfile); err != nil {
		return nil, err
	}
	profile, err := s.users.GetProfile(user).Context(ctx).Do()
	if err != nil {
		return nil, classify("gmail.profile", errors.Wrap(err, "getting profile"))
	}
	out := &domain.Changes{Position: strconv.FormatUint(profile.HistoryId, 10)}
	if limit <= 0 {
		return out, nil
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	if err := s.limiter.WaitN(ctx, quotaUnitsPerMessagesList); err != nil {
		return nil, err
	}
	resp, err := s.users.Messages.List(user).Q(inboxQuery).MaxResults(int64(limit)).Context(ctx).Do()
	if err != nil {
		return nil, classify("gmail.list", errors.Wrap(err, "listing inbox"))
	}
	// The API lists newest first.
	for i := len(resp.Messages) - 1; i >= 0; i-- {
		m := resp.Messages[i]
		out.Refs = append(out.Refs, domain.Ref{ID: m.Id, ThreadID: m.ThreadId})
	}
	s.log.Info("bootstrapped", zap.Int("count", len(out.Refs)), zap.String("history_id", out.Position))
	return out, nil
}

// Changes lists inbox messages added after position. An expired history ID
// yields domain.ErrStalePosition.
func (s *Service) Changes(ctx context.Context, position string) (*domain.Changes, error) {
	start, err := strconv.ParseUint(position, 10, 64)
	if err != nil {
		return nil, errors.Wrapf(domain.ErrStalePosition, "bad history id %q", position)
	}
	wait := func() error {
		return s.limiter.WaitN(ctx, quotaUnitsPerHistoryList)
	}
	if err := wait(); err != nil {
		return nil, err
	}

	out := &domain.Changes{Position: position}
	seen := make(map[string]bool)
	req := s.users.History.List(user).
		StartHistoryId(start).
		HistoryTypes("messageAdded").
		LabelId("INBOX").
		Context(ctx)
	err = req.Pages(ctx, func(page *gmail.ListHistoryResponse) error {
		for _, h := range page.History {
			for _, added := range h.MessagesAdded {
				if added.Message == nil || seen[added.Message.Id] || isChat(added.Message.LabelIds) {
					continue
				}
				seen[added.Message.Id] = true
				out.Refs = append(out.Refs, domain.Ref{ID: added.Message.Id, ThreadID: added.Message.ThreadId})
			}
		}
		if page.HistoryId > 0 {
			out.Position = strconv.FormatUint(page.HistoryId, 10)
		}
		if page.NextPageToken != "" {
			return wait()
		}
		return nil
	})
	if err != nil {
		if isNotFound(err) {
			return nil, errors.Wrapf(domain.ErrStalePosition, "history id %d", start)
		}
		return nil, classify("gmail.history", errors.Wrap(err, "listing history"))
	}
	if len(out.Refs) > 0 {
		s.log.Debug("history listed", zap.Int("count", len(out.Refs)), zap.String("history_id", out.Position))
	}
	return out, nil
}

// Fetch downloads and parses the raw message.
func (s *Service) Fetch(ctx context.Context, id string) (*mailparse.Message, error) {
	if err := s.limiter.WaitN(ctx, quotaUnitsMessagesGet); err != nil {
		return nil, err
	}
	msg, err := s.users.Messages.Get(user, id).Format("raw").Context(ctx).Do()
	if err != nil {
		if isNotFound(err) {
			return nil, errors.Wrapf(domain.ErrMessageGone, "gmail message %s", id)
		}
		return nil, classify("gmail.fetch", errors.Wrapf(err, "getting message %v from gmail", id))
	}
	raw, err := decodeRaw(msg.Raw)
	if err != nil {
		return nil, errors.Wrapf(domain.ErrUnreadable, "decoding message %v from gmail: %v", id, err)
	}
	parsed, err := mailparse.Parse(raw)
	if err != nil {
		return nil, errors.Wrapf(domain.ErrUnreadable, "parsing message %v: %v", id, err)
	}
	if parsed.Date.IsZero() && msg.InternalDate > 0 {
		parsed.Date = time.UnixMilli(msg.InternalDate)
	}
	return parsed, nil
}

// Watch (re)starts push notifications for the inbox on topic and returns
// when the watch expires. An existing watch is stopped first; Gmail allows
// one per user.
func (s *Service) Watch(ctx context.Context, topic string) (time.Time, error) {
	if err := s.limiter.WaitN(ctx, quotaUnitsPerWatch); err != nil {
		return time.Time{}, err
	}
	if err := s.users.Stop(user).Context(ctx).Do(); err != nil {
		s.log.Debug("no watch to stop", zap.Error(err))
	}
	resp, err := s.users.Watch(user, &gmail.WatchRequest{
		TopicName: topic,
		LabelIds:  []string{"INBOX"},
	}).Context(ctx).Do()
	if err != nil {
		return time.Time{}, classify("gmail.watch", errors.Wrap(err, "unable to watch mailbox"))
	}
	expires := time.UnixMilli(resp.Expiration)
	s.log.Info("watch started", zap.String("topic", topic), zap.Time("expires", expires))
	return expires, nil
}

// Stop ends push notifications.
func (s *Service) Stop(ctx context.Context) error {
	err := s.users.Stop(user).Context(ctx).Do()
	return errors.Wrap(err, "unable to stop mailbox watch")
}

func decodeRaw(s string) ([]byte, error) {
	if strings.HasSuffix(s, "=") {
		return base64.URLEncoding.DecodeString(s)
	}
	return base64.RawURLEncoding.DecodeString(s)
}

func isChat(labels []string) bool {
	for _, label := range labels {
		if label == "CHAT" {
			return true
		}
	}
	return false
}

func isNotFound(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusNotFound
}

func classify(op string, err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && (gerr.Code == http.StatusTooManyRequests || gerr.Code >= 500) {
		return apperr.TransientIO(op, err)
	}
	return apperr.ClassifyIO(op, err)
}
