package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to LifecycleState
		want     bool
	}{
		{StateNew, StateShallowClassified, true},
		{StateNew, StateSkipped, true},
		{StateNew, StateDeepPending, false},
		{StateShallowClassified, StateArchived, true},
		{StateShallowClassified, StateDeepPending, true},
		{StateDeepPending, StateDeepAnalyzed, true},
		{StateAgentDecided, StateReminded, true},
		{StateScheduled, StateNotifiedPending, true},
		{StateNotifiedPending, StateNotifiedSent, true},
		{StateArchived, StateDeepPending, false},
		{StateDeepAnalyzed, StateFailed, true},
		{StateNotifiedSent, StateFailed, false},
		{StateFailed, StateDeepPending, true},
		{StateFailed, StateArchived, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestNullDeepRoundTripsThroughColumn(t *testing.T) {
	var empty NullDeep
	v, err := empty.Value()
	require.NoError(t, err)
	assert.Nil(t, v)

	in := NullDeep{Valid: true, Result: DeepResult{
		DetailedSummary: "contract renewal",
		Recommendation:  Recommendation{Action: ActionCreateReminder, Title: "Sign contract"},
	}}
	v, err = in.Value()
	require.NoError(t, err)

	var out NullDeep
	require.NoError(t, out.Scan(v))
	assert.Equal(t, in, out)

	require.NoError(t, out.Scan(nil))
	assert.False(t, out.Valid)

	b, err := json.Marshal(out)
	require.NoError(t, err)
	assert.Equal(t, "null", string(b))
}

func TestRuleSetMatches(t *testing.T) {
	rules, err := NewRuleSet([]*IgnoreRule{
		{ID: "news", Field: RuleFieldSender, Pattern: `@news\.example\.com$`},
		{ID: "otp", Field: RuleFieldSubject, Pattern: `verification code`},
	})
	require.NoError(t, err)

	assert.True(t, rules.Matches(Envelope{From: "digest@news.example.com"}))
	assert.True(t, rules.Matches(Envelope{From: "a@b.c", Subject: "Your Verification Code is 1234"}))
	assert.False(t, rules.Matches(Envelope{From: "boss@example.com", Subject: "Lunch"}))
	assert.Equal(t, "otp", rules.Match(Envelope{Subject: "verification code"}).ID)

	var none *RuleSet
	assert.False(t, none.Matches(Envelope{From: "x@y.z"}))
}

func TestRuleSetRejectsBadPattern(t *testing.T) {
	_, err := NewRuleSet([]*IgnoreRule{{ID: "bad", Field: RuleFieldSubject, Pattern: "("}})
	assert.Error(t, err)

	_, err = NewRuleSet([]*IgnoreRule{{ID: "field", Field: "body", Pattern: "x"}})
	assert.Error(t, err)
}
