package usecase

import (
	"errors"
	"fmt"
	"strings"
	"time"

	msgdomain "inbox-agent/internal/message/domain"
	"inbox-agent/pkg/ai"
)

const defaultEventDuration = 30 * time.Minute

type shallowOutput struct {
	Category   *string  `json:"category"`
	Importance *float64 `json:"importance"`
	Action     string   `json:"action"`
	Summary    *string  `json:"summary"`
}

// parseShallow validates model text into a ShallowResult. Missing or
// out-of-range fields are errors; nothing partial is returned.
func parseShallow(text string) (*msgdomain.ShallowResult, error) {
	var out shallowOutput
	if err := ai.DecodeLast(text, &out); err != nil {
		return nil, err
	}
	if out.Category == nil {
		return nil, errors.New("missing category")
	}
	category := msgdomain.Category(strings.ToLower(strings.TrimSpace(*out.Category)))
	if !category.Valid() {
		return nil, fmt.Errorf("unknown category %q", *out.Category)
	}
	if out.Importance == nil {
		return nil, errors.New("missing importance")
	}
	if *out.Importance < 0 || *out.Importance > 1 {
		return nil, fmt.Errorf("importance %v outside [0,1]", *out.Importance)
	}
	if out.Summary == nil || strings.TrimSpace(*out.Summary) == "" {
		return nil, errors.New("missing summary")
	}
	return &msgdomain.ShallowResult{
		Category:   category,
		Importance: *out.Importance,
		ActionHint: strings.TrimSpace(out.Action),
		Summary:    strings.TrimSpace(*out.Summary),
	}, nil
}

type deepOutput struct {
	DetailedSummary string `json:"detailed_summary"`
	Reasoning       string `json:"reasoning"`
	Recommendation  *struct {
		Action          string `json:"action"`
		Title           string `json:"title"`
		Start           string `json:"start"`
		End             string `json:"end"`
		DurationMinutes int    `json:"duration_minutes"`
		Due             string `json:"due"`
		Notes           string `json:"notes"`
	} `json:"recommendation"`
}

// parseDeep validates model text into a DeepResult. Local times are read in
// loc.
func parseDeep(text string, loc *time.Location) (*msgdomain.DeepResult, error) {
	var out deepOutput
	if err := ai.DecodeLast(text, &out); err != nil {
		return nil, err
	}
	if strings.TrimSpace(out.DetailedSummary) == "" {
		return nil, errors.New("missing detailed_summary")
	}
	if out.Recommendation == nil {
		return nil, errors.New("missing recommendation")
	}
	rec := out.Recommendation
	result := &msgdomain.DeepResult{
		DetailedSummary: strings.TrimSpace(out.DetailedSummary),
		Reasoning:       strings.TrimSpace(out.Reasoning),
		Recommendation: msgdomain.Recommendation{
			Action: msgdomain.Action(strings.ToLower(strings.TrimSpace(rec.Action))),
			Title:  strings.TrimSpace(rec.Title),
			Notes:  strings.TrimSpace(rec.Notes),
		},
	}
	r := &result.Recommendation

	switch r.Action {
	case msgdomain.ActionScheduleEvent:
		if r.Title == "" {
			return nil, errors.New("schedule_event without title")
		}
		start, err := ai.ParseLocalTime(rec.Start, loc)
		if err != nil {
			return nil, fmt.Errorf("start: %w", err)
		}
		var end time.Time
		switch {
		case rec.End != "":
			if end, err = ai.ParseLocalTime(rec.End, loc); err != nil {
				return nil, fmt.Errorf("end: %w", err)
			}
		case rec.DurationMinutes > 0:
			end = start.Add(time.Duration(rec.DurationMinutes) * time.Minute)
		default:
			end = start.Add(defaultEventDuration)
		}
		if !end.After(start) {
			return nil, fmt.Errorf("end %s not after start %s", end.Format(localLayout), start.Format(localLayout))
		}
		r.Start, r.End = &start, &end

	case msgdomain.ActionCreateReminder:
		if r.Title == "" {
			return nil, errors.New("create_reminder without title")
		}
		due, err := ai.ParseLocalTime(rec.Due, loc)
		if err != nil {
			return nil, fmt.Errorf("due: %w", err)
		}
		r.Due = &due

	case msgdomain.ActionNoAction:

	default:
		return nil, fmt.Errorf("unknown action %q", rec.Action)
	}
	return result, nil
}
