package usecase

import (
	"fmt"
	"strings"
	"time"

	contactdomain "inbox-agent/internal/contact/domain"
	msgdomain "inbox-agent/internal/message/domain"
	taskdomain "inbox-agent/internal/task/domain"
	"inbox-agent/pkg/ai"
	"inbox-agent/pkg/mailparse"
)

const (
	shallowSnippetBytes = 1200
	deepBodyBytes       = 12000
	threadBodyBytes     = 2000
)

const localLayout = ai.LocalLayout

func categoryList() string {
	return strings.Join(categoryEnum(), ", ")
}

func shallowSystem(profile string) string {
	var b strings.Builder
	b.WriteString("You are an email assistant for a user who receives a lot of email.\n")
	if profile != "" {
		b.WriteString(profile)
		b.WriteString("\n")
	}
	b.WriteString("You may think step by step inside <think></think>, but at the end output only a JSON object with exactly these fields:\n")
	fmt.Fprintf(&b, "  category: one of %s\n", categoryList())
	b.WriteString("  importance: a number from 0 to 1, how much this email deserves the user's attention\n")
	b.WriteString("  action: short instruction if the user likely needs to act (e.g. \"Reply to confirm\", \"Add event to calendar\", \"Pay bill\"), else empty\n")
	b.WriteString("  summary: one or two sentences, plus why the action matters if there is one\n")
	b.WriteString("Omit sensitive information such as passwords or account numbers.")
	return b.String()
}

const shallowExample = `{"category": "important", "importance": 0.8, "action": "Reply to confirm the meeting", "summary": "Dana proposes a budget review on Tuesday and needs a yes or no by Monday."}`

func shallowPrompt(msg *msgdomain.Message, now time.Time, loc *time.Location) string {
	var b strings.Builder
	writeEnvelope(&b, msg, now, loc)
	snippet := msg.Snippet
	if msg.Body != "" {
		snippet = msg.Body
	}
	fmt.Fprintf(&b, "Snippet: %q\n\n", mailparse.Truncate(snippet, shallowSnippetBytes))
	b.WriteString("When done, output only the JSON object with fields: category, importance, action, summary.")
	return b.String()
}

// stricter is appended to the prompt after a malformed answer.
func stricter(prompt string, example string, cause error) string {
	var b strings.Builder
	b.WriteString(prompt)
	b.WriteString("\n\nYour previous answer could not be used")
	if cause != nil {
		fmt.Fprintf(&b, " (%s)", cause.Error())
	}
	b.WriteString(". Respond with ONLY one JSON object, no prose and no code fences. Every field is required. Example:\n")
	b.WriteString(example)
	return b.String()
}

func deepSystem(profile string) string {
	var b strings.Builder
	b.WriteString("You are the final-stage email assistant for a user who receives a lot of email. ")
	b.WriteString("You decide whether an email needs a calendar event, a reminder, or nothing.\n")
	if profile != "" {
		b.WriteString(profile)
		b.WriteString("\n")
	}
	b.WriteString("You may think step by step inside <think></think>, but at the end output only a JSON object with exactly these fields:\n")
	b.WriteString("  detailed_summary: a thorough summary of the email in its thread context\n")
	b.WriteString("  reasoning: why you recommend the action\n")
	b.WriteString("  recommendation: an object with\n")
	b.WriteString("    action: one of schedule_event, create_reminder, no_action\n")
	b.WriteString("    title: short title for the event or reminder\n")
	fmt.Fprintf(&b, "    start: event start as local time %s (schedule_event only)\n", localLayout)
	fmt.Fprintf(&b, "    end: event end as local time %s, or give duration_minutes instead\n", localLayout)
	b.WriteString("    duration_minutes: event length in minutes\n")
	fmt.Fprintf(&b, "    due: deadline as local time %s or date 2006-01-02 (create_reminder only)\n", localLayout)
	b.WriteString("    notes: optional extra detail\n")
	b.WriteString("Do not recommend anything the user already has a task for.")
	return b.String()
}

const deepExample = `{"detailed_summary": "Dana asks for a 30 minute budget review next Tuesday at 3pm.", "reasoning": "A concrete meeting time was proposed by the user's manager.", "recommendation": {"action": "schedule_event", "title": "Budget review with Dana", "start": "2026-03-10T15:00", "duration_minutes": 30}}`

type deepContext struct {
	contacts []*contactdomain.Contact
	thread   []*msgdomain.Message
	tasks    []*taskdomain.Task
	related  []string
}

func deepPrompt(msg *msgdomain.Message, shallow *msgdomain.ShallowResult, dc deepContext, now time.Time, loc *time.Location) string {
	var b strings.Builder
	writeEnvelope(&b, msg, now, loc)
	b.WriteString("\nContact profiles from our records:\n")
	if len(dc.contacts) == 0 {
		b.WriteString("None\n")
	}
	for _, c := range dc.contacts {
		b.WriteString(c.PromptBlock())
	}

	if len(dc.thread) > 0 {
		b.WriteString("\nEarlier messages in this thread, oldest first:\n")
		for _, m := range dc.thread {
			fmt.Fprintf(&b, "--- %s from %s: %s\n%s\n", m.ReceivedAt.In(loc).Format(localLayout), m.From, m.Subject,
				mailparse.Truncate(m.Body, threadBodyBytes))
		}
	}

	b.WriteString("\nTasks already created for this sender:\n")
	if len(dc.tasks) == 0 {
		b.WriteString("None\n")
	}
	for _, t := range dc.tasks {
		at := t.TargetAt
		if t.StartAt != nil {
			at = t.StartAt
		}
		when := "no date"
		if at != nil {
			when = at.In(loc).Format(localLayout)
		}
		fmt.Fprintf(&b, "- %s %q at %s (%s)\n", t.Kind, t.Title, when, t.Status)
	}

	if len(dc.related) > 0 {
		b.WriteString("\nPossibly related earlier emails:\n")
		for _, r := range dc.related {
			fmt.Fprintf(&b, "- %s\n", r)
		}
	}

	fmt.Fprintf(&b, "\nSubject: %q\nBody:\n%s\n\n", msg.Subject, mailparse.Truncate(msg.Body, deepBodyBytes))
	b.WriteString("Initial triage from the fast pass:\n")
	fmt.Fprintf(&b, "  category: %s\n  importance: %.2f\n  action: %s\n  summary: %s\n\n",
		shallow.Category, shallow.Importance, shallow.ActionHint, shallow.Summary)
	b.WriteString("After your reasoning, output only the final JSON object with keys detailed_summary, reasoning, recommendation.")
	return b.String()
}

func writeEnvelope(b *strings.Builder, msg *msgdomain.Message, now time.Time, loc *time.Location) {
	age := now.Sub(msg.ReceivedAt).Hours() / 24
	fmt.Fprintf(b, "Now: %s (%s, %s)\n", now.In(loc).Format(localLayout), now.In(loc).Weekday(), loc)
	fmt.Fprintf(b, "Date: %q  Age: %.2f days\n", msg.ReceivedAt.In(loc).Format(localLayout), age)
	from := msg.From
	if msg.FromName != "" {
		from = fmt.Sprintf("%s <%s>", msg.FromName, msg.From)
	}
	fmt.Fprintf(b, "From: %q  To: %q\n", from, strings.Join(msg.Envelope().Recipients(), ", "))
	fmt.Fprintf(b, "Subject: %q\n", msg.Subject)
}

var shallowSchema = map[string]interface{}{
	"type": "object",
	"properties": map[string]interface{}{
		"category":   map[string]interface{}{"type": "string", "enum": categoryEnum()},
		"importance": map[string]interface{}{"type": "number", "minimum": 0, "maximum": 1},
		"action":     map[string]interface{}{"type": "string"},
		"summary":    map[string]interface{}{"type": "string"},
	},
	"required": []string{"category", "importance", "action", "summary"},
}

func categoryEnum() []string {
	out := make([]string, len(msgdomain.Categories))
	for i, c := range msgdomain.Categories {
		out[i] = string(c)
	}
	return out
}

var deepSchema = map[string]interface{}{
	"type": "object",
	"properties": map[string]interface{}{
		"detailed_summary": map[string]interface{}{"type": "string"},
		"reasoning":        map[string]interface{}{"type": "string"},
		"recommendation": map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"action": map[string]interface{}{
					"type": "string",
					"enum": []string{string(msgdomain.ActionScheduleEvent), string(msgdomain.ActionCreateReminder), string(msgdomain.ActionNoAction)},
				},
				"title":            map[string]interface{}{"type": "string"},
				"start":            map[string]interface{}{"type": "string"},
				"end":              map[string]interface{}{"type": "string"},
				"duration_minutes": map[string]interface{}{"type": "integer"},
				"due":              map[string]interface{}{"type": "string"},
				"notes":            map[string]interface{}{"type": "string"},
			},
			"required": []string{"action"},
		},
	},
	"required": []string{"detailed_summary", "reasoning", "recommendation"},
}
