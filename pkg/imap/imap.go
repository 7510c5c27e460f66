// Package imap reads a mailbox over IMAP, tracking new mail by UID.
package imap

import (
	"context"
	"crypto/tls"
	"io"
	"sort"
	"strings"
	"time"

	"inbox-agent/internal/apperr"
	"inbox-agent/internal/inbox/domain"
	"inbox-agent/pkg/mailparse"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Config describes one IMAP account.
type Config struct {
	Addr     string // host:port
	Username string
	Password string
	Mailbox  string
	// Insecure dials without TLS. Only meant for local servers.
	Insecure bool
	Timeout  time.Duration
}

// Service is the UID feed of one mailbox. Every call runs on a fresh
// connection; IMAP sessions are not shared between goroutines.
type Service struct {
	cfg Config
	log *zap.Logger
}

func New(cfg Config, log *zap.Logger) *Service {
	if cfg.Mailbox == "" {
		cfg.Mailbox = "INBOX"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Minute
	}
	return &Service{cfg: cfg, log: log.Named("imap")}
}

// MessageID is the feed id of a message: the mailbox user, then the
// UIDVALIDITY and the message UID.
func (s *Service) MessageID(validity, uid uint32) string {
	return s.cfg.Username + "/" + domain.UIDPosition(validity, uid)
}

func splitMessageID(id string) (validity, uid uint32, ok bool) {
	if i := strings.LastIndex(id, "/"); i >= 0 {
		id = id[i+1:]
	}
	return domain.SplitUIDPosition(id)
}

func (s *Service) session(ctx context.Context, fn func(c *client.Client, status *imap.MailboxStatus) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var (
		c   *client.Client
		err error
	)
	if s.cfg.Insecure {
		c, err = client.Dial(s.cfg.Addr)
	} else {
		host := s.cfg.Addr
		if i := strings.LastIndex(host, ":"); i > 0 {
			host = host[:i]
		}
		c, err = client.DialTLS(s.cfg.Addr, &tls.Config{ServerName: host})
	}
	if err != nil {
		return apperr.TransientIO("imap.dial", errors.Wrapf(err, "dialing %s", s.cfg.Addr))
	}
	c.Timeout = s.cfg.Timeout
	defer func() {
		if err := c.Logout(); err != nil {
			s.log.Debug("logout failed", zap.Error(err))
		}
	}()

	// Unblock a pending command when the caller gives up.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = c.Terminate()
		case <-done:
		}
	}()

	if err := c.Login(s.cfg.Username, s.cfg.Password); err != nil {
		return apperr.Configuration("imap.login", errors.Wrapf(err, "logging in as %s", s.cfg.Username))
	}
	status, err := c.Select(s.cfg.Mailbox, true)
	if err != nil {
		return apperr.ClassifyIO("imap.select", errors.Wrapf(err, "selecting %s", s.cfg.Mailbox))
	}
	return fn(c, status)
}

// Bootstrap lists the newest limit messages, oldest first, and the position
// just past them.
func (s *Service) Bootstrap(ctx context.Context, limit int) (*domain.Changes, error) {
	out := &domain.Changes{}
	err := s.session(ctx, func(c *client.Client, status *imap.MailboxStatus) error {
		out.Position = domain.UIDPosition(status.UidValidity, lastUID(status))
		if limit <= 0 || status.Messages == 0 {
			return nil
		}
		from := uint32(1)
		if status.Messages > uint32(limit) {
			from = status.Messages - uint32(limit) + 1
		}
		seq := new(imap.SeqSet)
		seq.AddRange(from, status.Messages)
		refs, err := s.fetchRefs(c, status.UidValidity, seq, false)
		if err != nil {
			return err
		}
		out.Refs = refs
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("bootstrapped", zap.Int("count", len(out.Refs)), zap.String("position", out.Position))
	return out, nil
}

// Changes lists messages with a UID above position. A changed UIDVALIDITY
// yields domain.ErrStalePosition.
func (s *Service) Changes(ctx context.Context, position string) (*domain.Changes, error) {
	validity, last, ok := domain.SplitUIDPosition(position)
	if !ok {
		return nil, errors.Wrapf(domain.ErrStalePosition, "bad imap position %q", position)
	}
	out := &domain.Changes{Position: position}
	err := s.session(ctx, func(c *client.Client, status *imap.MailboxStatus) error {
		if status.UidValidity != validity {
			return errors.Wrapf(domain.ErrStalePosition, "uidvalidity changed from %d to %d", validity, status.UidValidity)
		}
		criteria := imap.NewSearchCriteria()
		criteria.Uid = new(imap.SeqSet)
		criteria.Uid.AddRange(last+1, 0)
		uids, err := c.UidSearch(criteria)
		if err != nil {
			return apperr.ClassifyIO("imap.search", errors.Wrap(err, "searching new uids"))
		}
		seq := new(imap.SeqSet)
		for _, uid := range uids {
			// "n:*" matches the highest UID even when it is below n.
			if uid > last {
				seq.AddNum(uid)
			}
		}
		if seq.Empty() {
			return nil
		}
		refs, err := s.fetchRefs(c, validity, seq, true)
		if err != nil {
			return err
		}
		out.Refs = refs
		if n := len(refs); n > 0 {
			_, uid, _ := splitMessageID(refs[n-1].ID)
			out.Position = domain.UIDPosition(validity, uid)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Fetch downloads and parses one message by feed id.
func (s *Service) Fetch(ctx context.Context, id string) (*mailparse.Message, error) {
	validity, uid, ok := splitMessageID(id)
	if !ok {
		return nil, errors.Wrapf(domain.ErrMessageGone, "bad imap message id %q", id)
	}
	var raw []byte
	err := s.session(ctx, func(c *client.Client, status *imap.MailboxStatus) error {
		if status.UidValidity != validity {
			return errors.Wrapf(domain.ErrMessageGone, "message %s: uidvalidity is now %d", id, status.UidValidity)
		}
		seq := new(imap.SeqSet)
		seq.AddNum(uid)
		section := &imap.BodySectionName{Peek: true}
		messages := make(chan *imap.Message, 1)
		done := make(chan error, 1)
		go func() {
			done <- c.UidFetch(seq, []imap.FetchItem{imap.FetchUid, section.FetchItem()}, messages)
		}()
		var readErr error
		for msg := range messages {
			if body := msg.GetBody(section); body != nil && readErr == nil {
				raw, readErr = io.ReadAll(body)
			}
		}
		if err := <-done; err != nil {
			return apperr.ClassifyIO("imap.fetch", errors.Wrapf(err, "fetching message %s", id))
		}
		if readErr != nil {
			return errors.Wrapf(readErr, "reading message %s", id)
		}
		if raw == nil {
			return errors.Wrapf(domain.ErrMessageGone, "imap message %s", id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	msg, err := mailparse.Parse(raw)
	if err != nil {
		return nil, errors.Wrapf(domain.ErrUnreadable, "parsing message %s: %v", id, err)
	}
	return msg, nil
}

func (s *Service) fetchRefs(c *client.Client, validity uint32, seq *imap.SeqSet, byUID bool) ([]domain.Ref, error) {
	items := []imap.FetchItem{imap.FetchUid, imap.FetchEnvelope}
	messages := make(chan *imap.Message, 16)
	done := make(chan error, 1)
	go func() {
		if byUID {
			done <- c.UidFetch(seq, items, messages)
		} else {
			done <- c.Fetch(seq, items, messages)
		}
	}()

	var refs []domain.Ref
	for msg := range messages {
		refs = append(refs, domain.Ref{
			ID:       s.MessageID(validity, msg.Uid),
			ThreadID: threadID(msg.Envelope),
		})
	}
	if err := <-done; err != nil {
		return nil, apperr.ClassifyIO("imap.fetch", errors.Wrap(err, "fetching envelopes"))
	}
	sortRefs(refs)
	return refs, nil
}

// threadID approximates a thread by the message a reply answers.
func threadID(env *imap.Envelope) string {
	if env == nil {
		return ""
	}
	id := env.InReplyTo
	if id == "" {
		id = env.MessageId
	}
	return strings.Trim(id, "<> ")
}

func lastUID(status *imap.MailboxStatus) uint32 {
	if status.UidNext == 0 {
		return 0
	}
	return status.UidNext - 1
}

func sortRefs(refs []domain.Ref) {
	uid := func(r domain.Ref) uint32 {
		_, u, _ := splitMessageID(r.ID)
		return u
	}
	sort.Slice(refs, func(i, j int) bool { return uid(refs[i]) < uid(refs[j]) })
}
