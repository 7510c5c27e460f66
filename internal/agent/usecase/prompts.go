package usecase

import (
	"fmt"
	"strings"
	"time"

	msgdomain "inbox-agent/internal/message/domain"
	"inbox-agent/pkg/ai"
	"inbox-agent/pkg/mailparse"
)

const agentBodyBytes = 4000

func agentSystem(profile string, askHuman bool) string {
	var b strings.Builder
	b.WriteString("You are an autonomous assistant acting on one important email for the user.\n")
	if profile != "" {
		b.WriteString(profile)
		b.WriteString("\n")
	}
	b.WriteString("Each turn you call exactly one tool. Tools:\n")
	fmt.Fprintf(&b, "  %s {kind}: whether a calendar_event, reminder or notification already exists for this email\n", toolCheckExisting)
	fmt.Fprintf(&b, "  %s {title, start, end | duration_minutes, notes}: add an event to the user's calendar\n", toolScheduleEvent)
	fmt.Fprintf(&b, "  %s {title, due, notes}: add a reminder for a deadline\n", toolCreateReminder)
	fmt.Fprintf(&b, "  %s {text}: send the user a short notification\n", toolSendNotification)
	fmt.Fprintf(&b, "  %s {reason}: finish, nothing more to do\n", toolNoOp)
	fmt.Fprintf(&b, "Times are local wall-clock times formatted %s.\n", ai.LocalLayout)
	if askHuman {
		b.WriteString("Calendar changes need the user's confirmation; asking for it is done for you when you call a calendar tool.\n")
	}
	b.WriteString("Create at most one event and one reminder. Call no_op once the email is handled.\n")
	b.WriteString("You may think inside <think></think>, but then output only a JSON object: {\"thought\": string, \"tool\": string, \"args\": object}.")
	return b.String()
}

const agentExample = `{"thought": "The meeting time is confirmed.", "tool": "schedule_event", "args": {"title": "Budget review with Dana", "start": "2026-03-10T15:00", "duration_minutes": 30}}`

func agentPrompt(msg *msgdomain.Message, deep *msgdomain.DeepResult, steps []Step, now time.Time, loc *time.Location) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Now: %s (%s, %s)\n", now.In(loc).Format(ai.LocalLayout), now.In(loc).Weekday(), loc)
	from := msg.From
	if msg.FromName != "" {
		from = fmt.Sprintf("%s <%s>", msg.FromName, msg.From)
	}
	fmt.Fprintf(&b, "From: %q\nSubject: %q\nReceived: %s\n", from, msg.Subject, msg.ReceivedAt.In(loc).Format(ai.LocalLayout))
	fmt.Fprintf(&b, "Body:\n%s\n\n", mailparse.Truncate(msg.Body, agentBodyBytes))

	b.WriteString("Analysis:\n")
	fmt.Fprintf(&b, "  summary: %s\n", deep.DetailedSummary)
	if deep.Reasoning != "" {
		fmt.Fprintf(&b, "  reasoning: %s\n", deep.Reasoning)
	}
	rec := deep.Recommendation
	fmt.Fprintf(&b, "  recommended: %s", rec.Action)
	if rec.Title != "" {
		fmt.Fprintf(&b, " %q", rec.Title)
	}
	if rec.Start != nil {
		fmt.Fprintf(&b, " from %s", rec.Start.In(loc).Format(ai.LocalLayout))
	}
	if rec.End != nil {
		fmt.Fprintf(&b, " to %s", rec.End.In(loc).Format(ai.LocalLayout))
	}
	if rec.Due != nil {
		fmt.Fprintf(&b, " due %s", rec.Due.In(loc).Format(ai.LocalLayout))
	}
	b.WriteString("\n")

	if len(steps) > 0 {
		b.WriteString("\nSteps so far:\n")
		for i, s := range steps {
			fmt.Fprintf(&b, "%d. %s -> %s\n", i+1, s.Tool, s.Observation)
		}
	}
	b.WriteString("\nChoose the next tool. Output only the JSON object.")
	return b.String()
}

// stricter is appended to the prompt after a malformed answer.
func stricter(prompt string, cause error) string {
	var b strings.Builder
	b.WriteString(prompt)
	b.WriteString("\n\nYour previous answer could not be used")
	if cause != nil {
		fmt.Fprintf(&b, " (%s)", cause.Error())
	}
	b.WriteString(". Respond with ONLY one JSON object with keys thought, tool and args, no prose and no code fences. Example:\n")
	b.WriteString(agentExample)
	return b.String()
}

var agentSchema = map[string]interface{}{
	"type": "object",
	"properties": map[string]interface{}{
		"thought": map[string]interface{}{"type": "string"},
		"tool": map[string]interface{}{
			"type": "string",
			"enum": []string{toolCheckExisting, toolScheduleEvent, toolCreateReminder, toolSendNotification, toolNoOp},
		},
		"args": map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"kind":             map[string]interface{}{"type": "string"},
				"title":            map[string]interface{}{"type": "string"},
				"start":            map[string]interface{}{"type": "string"},
				"end":              map[string]interface{}{"type": "string"},
				"duration_minutes": map[string]interface{}{"type": "integer"},
				"due":              map[string]interface{}{"type": "string"},
				"notes":            map[string]interface{}{"type": "string"},
				"text":             map[string]interface{}{"type": "string"},
				"reason":           map[string]interface{}{"type": "string"},
			},
		},
	},
	"required": []string{"tool", "args"},
}
