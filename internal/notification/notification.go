package notification

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	taskdomain "inbox-agent/internal/task/domain"
)

// Link is a clickable target rendered under a notification.
type Link struct {
	Label string `json:"label"`
	URL   string `json:"url"`
}

// Notification is a channel-neutral alert.
type Notification struct {
	Title string
	Body  string
	Links []Link
	Data  map[string]string
}

// Text renders n as plain text with links on their own lines.
func (n Notification) Text() string {
	var b strings.Builder
	b.WriteString(n.Title)
	if n.Body != "" {
		b.WriteString("\n")
		b.WriteString(n.Body)
	}
	for _, l := range n.Links {
		fmt.Fprintf(&b, "\n%s: %s", l.Label, l.URL)
	}
	return b.String()
}

// Channel delivers notifications. The returned id identifies the delivery
// at the provider.
type Channel interface {
	Send(ctx context.Context, n Notification) (deliveryID string, err error)
}

// GmailWebLink opens a thread in Gmail on the web; on iOS the https link
// also opens the app.
func GmailWebLink(account, threadID string) string {
	if account == "" {
		return "https://mail.google.com/mail/u/0/#all/" + threadID
	}
	return fmt.Sprintf("https://mail.google.com/mail/?authuser=%s#all/%s", url.QueryEscape(account), threadID)
}

// GmailAppLink opens a thread in the Gmail iOS app.
func GmailAppLink(threadID string) string {
	return "googlegmail:///thread?th=" + url.QueryEscape(threadID)
}

// ThreadLinks returns the web and app links of a thread.
func ThreadLinks(account, threadID string) []Link {
	if threadID == "" {
		return nil
	}
	return []Link{
		{Label: "Open in Gmail", URL: GmailWebLink(account, threadID)},
		{Label: "Gmail app", URL: GmailAppLink(threadID)},
	}
}

// ForTask formats the alert for a ledger row.
func ForTask(t *taskdomain.Task, loc *time.Location) Notification {
	if loc == nil {
		loc = time.Local
	}
	n := Notification{
		Data: map[string]string{
			"type":       string(t.Kind),
			"task_id":    t.ID,
			"message_id": t.MessageID,
		},
	}
	switch t.Kind {
	case taskdomain.KindCalendarEvent:
		n.Title = "📅 Event added to calendar: " + t.Title
		if t.StartAt != nil {
			n.Body = t.StartAt.In(loc).Format("Mon 2006-01-02 15:04")
			if t.EndAt != nil {
				n.Body += fmt.Sprintf(" for %dm", int(t.EndAt.Sub(*t.StartAt).Minutes()))
			}
		}
	case taskdomain.KindReminder:
		n.Title = "⏰ Reminder scheduled: " + t.Title
		if t.TargetAt != nil {
			n.Body = "On: " + t.TargetAt.In(loc).Format("Mon 2006-01-02")
		}
	case taskdomain.KindDeferredNotification:
		n.Title = "⏳ Coming up: " + t.Title
		if t.TargetAt != nil {
			n.Body = "Due " + t.TargetAt.In(loc).Format("Mon 2006-01-02 15:04")
		}
	default:
		n.Title = t.Title
	}
	if t.Body != "" {
		if n.Body != "" {
			n.Body += "\n\n"
		}
		n.Body += t.Body
	}
	if t.ExternalLink != "" {
		n.Links = append(n.Links, Link{Label: "Calendar", URL: t.ExternalLink})
	}
	if t.DeepLink != "" {
		n.Links = append(n.Links, Link{Label: "Open in Gmail", URL: t.DeepLink})
	}
	return n
}

// OperatorAlert reports a condition that halted an account.
func OperatorAlert(account string, err error) Notification {
	return Notification{
		Title: "🚨 Inbox agent halted for " + account,
		Body:  err.Error(),
		Data:  map[string]string{"type": "operator_alert", "account": account},
	}
}
