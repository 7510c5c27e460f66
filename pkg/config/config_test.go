package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromDefaults(t *testing.T) {
	cfg, err := LoadFrom(viper.New())
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 0.7, cfg.Pipeline.DeepThreshold)
	assert.Equal(t, 3, cfg.Pipeline.ShallowMaxAttempts)
	assert.Equal(t, 48*time.Hour, cfg.Pipeline.ReminderLeadTime)
	assert.Equal(t, 2*time.Minute, cfg.Pipeline.PollInterval)
	assert.Equal(t, 0.8, cfg.Pipeline.TitleSimilarity)
	assert.Equal(t, 20, cfg.Pipeline.ReminderHistory)
	assert.Equal(t, 15*time.Minute, cfg.Pipeline.StaleAfter)
	assert.Empty(t, cfg.Pipeline.UserProfile)
	assert.Empty(t, cfg.Accounts)
}

func TestLoadFromTuningKeys(t *testing.T) {
	t.Setenv("PIPELINE_USER_PROFILE", "  Backend engineer in Berlin; on call every other week.\n")
	t.Setenv("AGENT_TITLE_SIMILARITY", "0.9")
	t.Setenv("AGENT_REMINDER_HISTORY", "5")
	t.Setenv("SCHEDULER_STALE_AFTER", "3m")

	cfg, err := LoadFrom(viper.New())
	require.NoError(t, err)

	assert.Equal(t, "Backend engineer in Berlin; on call every other week.", cfg.Pipeline.UserProfile)
	assert.Equal(t, 0.9, cfg.Pipeline.TitleSimilarity)
	assert.Equal(t, 5, cfg.Pipeline.ReminderHistory)
	assert.Equal(t, 3*time.Minute, cfg.Pipeline.StaleAfter)
}

func TestLoadFromUserProfileFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.txt")
	require.NoError(t, os.WriteFile(path, []byte("Runs the finance team.\nPrefers short reminders.\n"), 0o600))

	v := viper.New()
	v.Set("pipeline.user_profile_file", path)
	cfg, err := LoadFrom(v)
	require.NoError(t, err)
	assert.Equal(t, "Runs the finance team.\nPrefers short reminders.", cfg.Pipeline.UserProfile)

	v = viper.New()
	v.Set("pipeline.user_profile", "inline wins")
	v.Set("pipeline.user_profile_file", path)
	cfg, err = LoadFrom(v)
	require.NoError(t, err)
	assert.Equal(t, "inline wins", cfg.Pipeline.UserProfile)

	v = viper.New()
	v.Set("pipeline.user_profile_file", filepath.Join(t.TempDir(), "missing.txt"))
	_, err = LoadFrom(v)
	assert.ErrorContains(t, err, "user profile")
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("PIPELINE_DEEP_THRESHOLD", "0.55")
	t.Setenv("PIPELINE_EVENT_LEAD_TIME", "36h")
	t.Setenv("GMAIL_ACCOUNT", "me@example.com")
	t.Setenv("FIREBASE_DEVICE_TOKENS", "tok-a, tok-b,,")
	t.Setenv("AGENT_ALWAYS_ASK_HUMAN", "true")

	cfg, err := LoadFrom(viper.New())
	require.NoError(t, err)

	assert.Equal(t, 0.55, cfg.Pipeline.DeepThreshold)
	assert.Equal(t, 36*time.Hour, cfg.Pipeline.EventLeadTime)
	assert.True(t, cfg.Pipeline.AlwaysAskHuman)
	assert.Equal(t, []string{"tok-a", "tok-b"}, cfg.Firebase.DeviceTokens)
	require.Len(t, cfg.Accounts, 1)
	assert.Equal(t, AccountConfig{ID: "me@example.com", Provider: "gmail", Address: "me@example.com"}, cfg.Accounts[0])
}

func TestLoadFromConfigFileAccounts(t *testing.T) {
	v := viper.New()
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(strings.NewReader(`
accounts:
  - address: me@example.com
    token_file: token.json
  - id: work
    provider: imap
    imap_host: imap.example.com:993
    imap_user: me
`)))

	cfg, err := LoadFrom(v)
	require.NoError(t, err)
	require.Len(t, cfg.Accounts, 2)
	assert.Equal(t, "me@example.com", cfg.Accounts[0].ID)
	assert.Equal(t, "gmail", cfg.Accounts[0].Provider)
	assert.Equal(t, "imap", cfg.Accounts[1].Provider)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  interface{}
	}{
		{"threshold above one", "pipeline.deep_threshold", 7},
		{"zero attempts", "pipeline.shallow_max_attempts", 0},
		{"unknown driver", "database.driver", "mysql"},
		{"zero steps", "pipeline.agent_max_steps", 0},
		{"similarity above one", "agent.title_similarity", 1.5},
		{"no reminder history", "agent.reminder_history", 0},
		{"negative stale age", "scheduler.stale_after", -time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := viper.New()
			v.Set(tt.key, tt.val)
			_, err := LoadFrom(v)
			assert.Error(t, err)
		})
	}
}

func TestValidateIMAPAccountNeedsHost(t *testing.T) {
	v := viper.New()
	v.Set("accounts", []map[string]interface{}{{"id": "work", "provider": "imap"}})
	_, err := LoadFrom(v)
	assert.ErrorContains(t, err, "imap_host")
}
