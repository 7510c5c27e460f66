package usecase

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	msgdomain "inbox-agent/internal/message/domain"
	"inbox-agent/internal/notification"
	"inbox-agent/pkg/ai"
	"inbox-agent/pkg/mailparse"

	"go.uber.org/zap"
)

const maxOverviewLen = 600

type digestUsecase struct {
	messages MessageLister
	llm      ai.Endpoint
	channel  notification.Channel
	cfg      Config
	now      func() time.Time
	log      *zap.Logger
}

// NewDigestUsecase creates the digest builder. llm may be nil, in which case
// digests carry no overview paragraph.
func NewDigestUsecase(messages MessageLister, llm ai.Endpoint, channel notification.Channel, cfg Config, log *zap.Logger) DigestUsecase {
	if cfg.Window <= 0 {
		cfg.Window = 24 * time.Hour
	}
	if cfg.TopPerCategory <= 0 {
		cfg.TopPerCategory = 5
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	return &digestUsecase{
		messages: messages,
		llm:      llm,
		channel:  channel,
		cfg:      cfg,
		now:      time.Now,
		log:      log.Named("digest"),
	}
}

func (u *digestUsecase) Build(ctx context.Context, accountID string, since time.Time) (*Digest, error) {
	msgs, err := u.messages.ListSince(ctx, accountID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}

	d := &Digest{AccountID: accountID, Since: since, Until: u.now(), Total: len(msgs)}
	byCategory := make(map[msgdomain.Category][]*msgdomain.Message)
	for _, m := range msgs {
		if !m.Shallow.Valid {
			d.Unclassified++
			continue
		}
		byCategory[m.Shallow.Result.Category] = append(byCategory[m.Shallow.Result.Category], m)
	}

	for _, cat := range msgdomain.Categories {
		group := byCategory[cat]
		if len(group) == 0 {
			continue
		}
		sort.SliceStable(group, func(i, j int) bool {
			a, b := group[i], group[j]
			if a.Shallow.Result.Importance != b.Shallow.Result.Importance {
				return a.Shallow.Result.Importance > b.Shallow.Result.Importance
			}
			return a.ReceivedAt.After(b.ReceivedAt)
		})
		g := Group{Category: cat, Count: len(group)}
		for _, m := range group {
			if len(g.Top) == u.cfg.TopPerCategory {
				break
			}
			g.Top = append(g.Top, Item{
				MessageID:  m.ID,
				From:       m.From,
				Subject:    m.Subject,
				Importance: m.Shallow.Result.Importance,
				Summary:    m.Shallow.Result.Summary,
				State:      m.State,
			})
		}
		d.Groups = append(d.Groups, g)
	}

	if u.llm != nil && len(d.Groups) > 0 {
		d.Overview = u.overview(ctx, d)
	}
	return d, nil
}

func (u *digestUsecase) Send(ctx context.Context, accountID string) (*Digest, error) {
	d, err := u.Build(ctx, accountID, u.now().Add(-u.cfg.Window))
	if err != nil {
		return nil, err
	}
	if d.Total == 0 {
		u.log.Info("nothing to digest", zap.String("account", accountID))
		return d, nil
	}
	id, err := u.channel.Send(ctx, d.Notification(u.cfg.Location))
	if err != nil {
		return d, fmt.Errorf("failed to send digest: %w", err)
	}
	u.log.Info("digest sent",
		zap.String("account", accountID),
		zap.Int("messages", d.Total),
		zap.String("delivery_id", id))
	return d, nil
}

// overview asks the model for a short paragraph. Failures leave it empty.
func (u *digestUsecase) overview(ctx context.Context, d *Digest) string {
	var b strings.Builder
	b.WriteString("Write a two or three sentence overview of this inbox digest for its owner. ")
	b.WriteString("Mention anything that needs attention first. Plain text only.\n\n")
	for _, g := range d.Groups {
		fmt.Fprintf(&b, "%s (%d):\n", g.Category, g.Count)
		for _, it := range g.Top {
			fmt.Fprintf(&b, "- %.2f %s: %s\n", it.Importance, it.Subject, it.Summary)
		}
	}
	resp, err := u.llm.Generate(ctx, ai.Request{
		Purpose:     ai.PurposeDigest,
		Prompt:      b.String(),
		MaxTokens:   300,
		Temperature: 0.3,
	})
	if err != nil {
		u.log.Warn("digest overview unavailable", zap.Error(err))
		return ""
	}
	text, _ := ai.SplitThinking(resp.Text)
	return mailparse.Truncate(strings.TrimSpace(text), maxOverviewLen)
}

// Notification renders the digest for delivery.
func (d *Digest) Notification(loc *time.Location) notification.Notification {
	var b strings.Builder
	if d.Overview != "" {
		b.WriteString(d.Overview)
		b.WriteString("\n\n")
	}
	for _, g := range d.Groups {
		fmt.Fprintf(&b, "%s (%d)\n", strings.ToUpper(string(g.Category[:1]))+string(g.Category[1:]), g.Count)
		for _, it := range g.Top {
			fmt.Fprintf(&b, "• %s: %s\n", it.From, it.Subject)
		}
	}
	if d.Unclassified > 0 {
		fmt.Fprintf(&b, "%d more not classified\n", d.Unclassified)
	}
	return notification.Notification{
		Title: fmt.Sprintf("📬 Daily digest: %d messages since %s", d.Total, d.Since.In(loc).Format("Mon 15:04")),
		Body:  strings.TrimRight(b.String(), "\n"),
		Data: map[string]string{
			"type":    "digest",
			"account": d.AccountID,
		},
	}
}

// Worker sends the digest of every account once a day.
type Worker struct {
	digest   DigestUsecase
	accounts []string
	cfg      Config
	now      func() time.Time
	log      *zap.Logger

	mu       sync.Mutex
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewWorker returns a Worker sending one digest per account each day.
func NewWorker(digest DigestUsecase, accounts []string, cfg Config, log *zap.Logger) *Worker {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	return &Worker{
		digest:   digest,
		accounts: accounts,
		cfg:      cfg,
		now:      time.Now,
		log:      log.Named("digest"),
	}
}

// Start launches the daily loop. Calling it again while running is a no-op.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopChan != nil {
		return
	}
	w.stopChan = make(chan struct{})
	stop := w.stopChan

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for {
			next := nextRun(w.now(), w.cfg.Hour, w.cfg.Location)
			w.log.Info("next digest", zap.Time("at", next))
			timer := time.NewTimer(next.Sub(w.now()))
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-stop:
				timer.Stop()
				return
			case <-timer.C:
			}
			for _, account := range w.accounts {
				if _, err := w.digest.Send(ctx, account); err != nil {
					w.log.Error("digest failed", zap.String("account", account), zap.Error(err))
				}
			}
		}
	}()
}

// Stop ends the loop and waits for it to return.
func (w *Worker) Stop() {
	w.mu.Lock()
	if w.stopChan != nil {
		close(w.stopChan)
		w.stopChan = nil
	}
	w.mu.Unlock()
	w.wg.Wait()
}

// nextRun returns the first time after now at hour:00 in loc.
func nextRun(now time.Time, hour int, loc *time.Location) time.Time {
	local := now.In(loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), hour, 0, 0, 0, loc)
	if !next.After(local) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
