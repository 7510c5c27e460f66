package domain

import (
	"fmt"
	"strings"
	"time"

	msgdomain "inbox-agent/internal/message/domain"
)

// Contact is a sender profile built offline from mail history. Profile
// attributes belong to the profile builder; the pipeline only bumps the
// seen counters.
type Contact struct {
	Address      string                `json:"address" yaml:"address" gorm:"primaryKey"`
	Name         string                `json:"name,omitempty" yaml:"name"`
	Role         string                `json:"role,omitempty" yaml:"role"`
	Topics       msgdomain.StringArray `json:"topics,omitempty" yaml:"topics" gorm:"type:text"`
	Tone         string                `json:"tone,omitempty" yaml:"tone"`
	Relationship string                `json:"relationship,omitempty" yaml:"relationship"`
	Notes        string                `json:"notes,omitempty" yaml:"notes" gorm:"type:text"`
	MessageCount int                   `json:"message_count" yaml:"-" gorm:"default:0"`
	LastSeen     *time.Time            `json:"last_seen,omitempty" yaml:"-"`
	UpdatedAt    time.Time             `json:"updated_at" yaml:"-"`
}

// HasProfile reports whether the builder has filled in any attribute.
func (c *Contact) HasProfile() bool {
	return c.Role != "" || c.Tone != "" || c.Relationship != "" || c.Notes != "" || len(c.Topics) > 0
}

// PromptBlock renders the profile for inclusion in a model prompt.
func (c *Contact) PromptBlock() string {
	var b strings.Builder
	fmt.Fprintf(&b, "- %s", c.Address)
	if c.Name != "" {
		fmt.Fprintf(&b, " (%s)", c.Name)
	}
	b.WriteString("\n")
	if c.Role != "" {
		fmt.Fprintf(&b, "  role: %s\n", c.Role)
	}
	if c.Relationship != "" {
		fmt.Fprintf(&b, "  relationship: %s\n", c.Relationship)
	}
	if len(c.Topics) > 0 {
		fmt.Fprintf(&b, "  topics: %s\n", strings.Join(c.Topics, ", "))
	}
	if c.Tone != "" {
		fmt.Fprintf(&b, "  tone: %s\n", c.Tone)
	}
	if c.Notes != "" {
		fmt.Fprintf(&b, "  notes: %s\n", c.Notes)
	}
	if c.MessageCount > 0 {
		fmt.Fprintf(&b, "  messages seen: %d\n", c.MessageCount)
	}
	return b.String()
}
