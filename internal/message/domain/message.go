package domain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Category is the triage bucket assigned by the shallow pass.
type Category string

const (
	CategoryImportant  Category = "important"
	CategoryPersonal   Category = "personal"
	CategoryPromotions Category = "promotions"
	CategorySocial     Category = "social"
	CategorySpam       Category = "spam"
	CategoryReceipts   Category = "receipts"
	CategoryUpdates    Category = "updates"
)

// Categories lists every accepted category, in prompt order.
var Categories = []Category{
	CategoryImportant, CategoryPersonal, CategoryPromotions, CategorySocial,
	CategorySpam, CategoryReceipts, CategoryUpdates,
}

// Valid reports whether c is one of Categories.
func (c Category) Valid() bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// Action is both the deep pass recommendation and the agent decision.
type Action string

const (
	ActionScheduleEvent  Action = "schedule_event"
	ActionCreateReminder Action = "create_reminder"
	ActionNoAction       Action = "no_action"
)

// Valid reports whether a is an action the deep stage may recommend.
func (a Action) Valid() bool {
	switch a {
	case ActionScheduleEvent, ActionCreateReminder, ActionNoAction:
		return true
	}
	return false
}

// StringArray is a custom type to handle JSON array in GORM
type StringArray []string

// Value implements driver.Valuer
func (a StringArray) Value() (driver.Value, error) {
	if len(a) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(a)
	return string(b), err
}

// Scan implements sql.Scanner
func (a *StringArray) Scan(value interface{}) error {
	bytes, ok := scanBytes(value)
	if !ok || len(bytes) == 0 {
		*a = []string{}
		return nil
	}
	return json.Unmarshal(bytes, a)
}

// ShallowResult is the triage verdict.
type ShallowResult struct {
	Category   Category `json:"category"`
	Importance float64  `json:"importance"`
	ActionHint string   `json:"action"`
	Summary    string   `json:"summary"`
}

// Recommendation is the structured action proposed by the deep pass.
type Recommendation struct {
	Action Action     `json:"action"`
	Title  string     `json:"title,omitempty"`
	Start  *time.Time `json:"start,omitempty"`
	End    *time.Time `json:"end,omitempty"`
	Due    *time.Time `json:"due,omitempty"`
	Notes  string     `json:"notes,omitempty"`
}

// DeepResult is kept for audit. Only Recommendation drives control flow.
type DeepResult struct {
	DetailedSummary string         `json:"detailed_summary"`
	Reasoning       string         `json:"reasoning"`
	Trace           string         `json:"trace,omitempty"`
	Recommendation  Recommendation `json:"recommendation"`
}

// NullShallow is a nullable JSON column holding a ShallowResult.
type NullShallow struct {
	Result ShallowResult
	Valid  bool
}

func (n NullShallow) Value() (driver.Value, error) {
	if !n.Valid {
		return nil, nil
	}
	b, err := json.Marshal(n.Result)
	return string(b), err
}

func (n *NullShallow) Scan(value interface{}) error {
	n.Result, n.Valid = ShallowResult{}, false
	bytes, ok := scanBytes(value)
	if !ok || len(bytes) == 0 {
		return nil
	}
	if err := json.Unmarshal(bytes, &n.Result); err != nil {
		return fmt.Errorf("shallow_result: %w", err)
	}
	n.Valid = true
	return nil
}

func (n NullShallow) MarshalJSON() ([]byte, error) {
	if !n.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(n.Result)
}

// NullDeep is a nullable JSON column holding a DeepResult.
type NullDeep struct {
	Result DeepResult
	Valid  bool
}

func (n NullDeep) Value() (driver.Value, error) {
	if !n.Valid {
		return nil, nil
	}
	b, err := json.Marshal(n.Result)
	return string(b), err
}

func (n *NullDeep) Scan(value interface{}) error {
	n.Result, n.Valid = DeepResult{}, false
	bytes, ok := scanBytes(value)
	if !ok || len(bytes) == 0 {
		return nil
	}
	if err := json.Unmarshal(bytes, &n.Result); err != nil {
		return fmt.Errorf("deep_result: %w", err)
	}
	n.Valid = true
	return nil
}

func (n NullDeep) MarshalJSON() ([]byte, error) {
	if !n.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(n.Result)
}

func scanBytes(value interface{}) ([]byte, bool) {
	switch v := value.(type) {
	case []byte:
		return v, true
	case string:
		return []byte(v), true
	}
	return nil, false
}

// Message is one inbound mail item and everything the pipeline decided
// about it. Rows are never deleted.
type Message struct {
	ID            string         `json:"id" gorm:"primaryKey"`
	AccountID     string         `json:"account_id" gorm:"index;not null"`
	ThreadID      string         `json:"thread_id" gorm:"index"`
	From          string         `json:"from" gorm:"column:sender;index"`
	FromName      string         `json:"from_name,omitempty" gorm:"column:sender_name"`
	To            StringArray    `json:"to,omitempty" gorm:"type:text"`
	Cc            StringArray    `json:"cc,omitempty" gorm:"type:text"`
	Subject       string         `json:"subject"`
	Snippet       string         `json:"snippet,omitempty" gorm:"type:text"`
	Body          string         `json:"-" gorm:"type:text"`
	ReceivedAt    time.Time      `json:"received_at" gorm:"index"`
	State         LifecycleState `json:"state" gorm:"index;not null"`
	Shallow       NullShallow    `json:"shallow_result" gorm:"column:shallow_result;type:text"`
	Deep          NullDeep       `json:"deep_result" gorm:"column:deep_result;type:text"`
	Decision      Action         `json:"decision,omitempty"`
	FailureReason string         `json:"failure_reason,omitempty"`
	LastGoodState LifecycleState `json:"last_good_state,omitempty"`
	Attempts      int            `json:"attempts" gorm:"default:0"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"last_updated"`
}

// Envelope is the subset of a message that ignore rules and prompts see.
type Envelope struct {
	MessageID  string
	AccountID  string
	ThreadID   string
	From       string
	FromName   string
	To         []string
	Cc         []string
	Subject    string
	ReceivedAt time.Time
}

// Envelope returns the header fields IgnoreRules match against.
func (m *Message) Envelope() Envelope {
	return Envelope{
		MessageID:  m.ID,
		AccountID:  m.AccountID,
		ThreadID:   m.ThreadID,
		From:       m.From,
		FromName:   m.FromName,
		To:         m.To,
		Cc:         m.Cc,
		Subject:    m.Subject,
		ReceivedAt: m.ReceivedAt,
	}
}

// Recipients returns To and Cc addresses in order.
func (e Envelope) Recipients() []string {
	out := make([]string, 0, len(e.To)+len(e.Cc))
	out = append(out, e.To...)
	return append(out, e.Cc...)
}

// Transition is one entry of the append-only decision history.
type Transition struct {
	ID        uint           `json:"id" gorm:"primaryKey;autoIncrement"`
	MessageID string         `json:"message_id" gorm:"index;not null"`
	From      LifecycleState `json:"from" gorm:"column:from_state"`
	To        LifecycleState `json:"to" gorm:"column:to_state"`
	Reason    string         `json:"reason,omitempty"`
	At        time.Time      `json:"at"`
}

func (Transition) TableName() string {
	return "message_transitions"
}
