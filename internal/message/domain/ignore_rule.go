package domain

import (
	"fmt"
	"regexp"
	"time"
)

// RuleField is the envelope field an IgnoreRule is matched against.
type RuleField string

const (
	RuleFieldSender  RuleField = "sender"
	RuleFieldSubject RuleField = "subject"
)

// IgnoreRule sends matching messages straight to skipped without any model
// call. Patterns are case-insensitive regular expressions.
type IgnoreRule struct {
	ID        string    `json:"id" yaml:"id" gorm:"primaryKey"`
	Field     RuleField `json:"field" yaml:"field" gorm:"not null;uniqueIndex:idx_rule_field_pattern"`
	Pattern   string    `json:"pattern" yaml:"pattern" gorm:"not null;uniqueIndex:idx_rule_field_pattern"`
	Note      string    `json:"note,omitempty" yaml:"note"`
	CreatedAt time.Time `json:"created_at" yaml:"-"`

	re *regexp.Regexp
}

func (IgnoreRule) TableName() string {
	return "ignore_rules"
}

// Compile prepares the pattern. It must be called before Matches.
func (r *IgnoreRule) Compile() error {
	switch r.Field {
	case RuleFieldSender, RuleFieldSubject:
	default:
		return fmt.Errorf("ignore rule %q: unknown field %q", r.ID, r.Field)
	}
	re, err := regexp.Compile("(?i)" + r.Pattern)
	if err != nil {
		return fmt.Errorf("ignore rule %q: %w", r.ID, err)
	}
	r.re = re
	return nil
}

// Matches reports whether the rule's pattern matches its field of env.
// A rule whose pattern failed to compile matches nothing.
func (r *IgnoreRule) Matches(env Envelope) bool {
	if r.re == nil {
		return false
	}
	switch r.Field {
	case RuleFieldSender:
		if r.re.MatchString(env.From) {
			return true
		}
		return env.FromName != "" && r.re.MatchString(env.FromName)
	case RuleFieldSubject:
		return r.re.MatchString(env.Subject)
	}
	return false
}

// RuleSet is an immutable, compiled set of ignore rules.
type RuleSet struct {
	rules []*IgnoreRule
}

// NewRuleSet compiles every rule. One bad pattern rejects the whole set.
func NewRuleSet(rules []*IgnoreRule) (*RuleSet, error) {
	for _, r := range rules {
		if err := r.Compile(); err != nil {
			return nil, err
		}
	}
	return &RuleSet{rules: rules}, nil
}

// Match returns the first rule matching env, or nil.
func (s *RuleSet) Match(env Envelope) *IgnoreRule {
	if s == nil {
		return nil
	}
	for _, r := range s.rules {
		if r.Matches(env) {
			return r
		}
	}
	return nil
}

// Matches reports whether any rule matches env.
func (s *RuleSet) Matches(env Envelope) bool {
	return s.Match(env) != nil
}

// Len returns the number of compiled rules. A nil set is empty.
func (s *RuleSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.rules)
}
