package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Port            string
	JWTSecret       string
	JWTAccessExpiry time.Duration
	LogLevel        string
	LogFormat       string

	Database DatabaseConfig
	// SealPassphrase enables at-rest sealing of message bodies when set.
	SealPassphrase string

	Google   GoogleConfig
	Firebase FirebaseConfig
	AI       AIConfig
	Chroma   ChromaConfig
	Pipeline PipelineConfig

	Accounts        []AccountConfig
	IgnoreRulesFile string
}

type DatabaseConfig struct {
	Driver string // "postgres" or "sqlite"
	DSN    string
}

type GoogleConfig struct {
	ClientID        string
	ClientSecret    string
	CredentialsFile string // service account, used by Pub/Sub
	ProjectID       string
	PubSubTopic     string
	CalendarID      string
	CalendarToken   string // OAuth token file for the calendar owner
}

type FirebaseConfig struct {
	CredentialsFile string
	DeviceTokens    []string
}

type AIConfig struct {
	Provider         string // ollama, llamaserver, gemini, auto
	OllamaBaseURL    string
	OllamaModel      string
	LlamaServerURL   string
	LlamaServerModel string
	GeminiAPIKey     string
	GeminiModel      string
	RequestTimeout   time.Duration
	QueueSize        int
}

type ChromaConfig struct {
	APIKey   string
	Tenant   string
	Database string
}

type PipelineConfig struct {
	DeepThreshold       float64
	ShallowMaxAttempts  int
	DeepMaxAttempts     int
	AgentMaxSteps       int
	MaxMessageAttempts  int
	MaxDeliveryAttempts int
	RetryBackoff        time.Duration
	PollInterval        time.Duration
	SchedulerInterval   time.Duration
	RetryInterval       time.Duration
	EventLeadTime       time.Duration
	ReminderLeadTime    time.Duration
	BackfillLimit       int
	ThreadHistory       int
	AlwaysAskHuman      bool
	DigestEnabled       bool
	DigestHour          int
	Timezone            string
	// UserProfile describes the mailbox owner to the classifier and the agent.
	// pipeline.user_profile_file is read when the inline value is empty.
	UserProfile string
	// TitleSimilarity is the fuzzy ratio at which two reminder titles match.
	TitleSimilarity float64
	// ReminderHistory bounds the sender reminders compared for duplicates.
	ReminderHistory int
	// StaleAfter is the age at which a pending effect row is retried.
	StaleAfter time.Duration
}

type AccountConfig struct {
	ID           string `mapstructure:"id"`
	Provider     string `mapstructure:"provider"` // gmail or imap
	Address      string `mapstructure:"address"`
	TokenFile    string `mapstructure:"token_file"`
	IMAPHost     string `mapstructure:"imap_host"`
	IMAPUser     string `mapstructure:"imap_user"`
	IMAPPassword string `mapstructure:"imap_password"`
	IMAPMailbox  string `mapstructure:"imap_mailbox"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "8080")
	v.SetDefault("jwt.secret", "your-secret-key-change-in-production")
	v.SetDefault("jwt.access_expiry", 24*time.Hour)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "inbox-agent.db")

	v.SetDefault("google.calendar_id", "primary")
	v.SetDefault("google.pubsub_topic", "gmail-updates")

	v.SetDefault("ai.provider", "ollama")
	v.SetDefault("ai.ollama_base_url", "http://localhost:11434")
	v.SetDefault("ai.ollama_model", "qwen3:14b")
	v.SetDefault("ai.llamaserver_url", "http://127.0.0.1:8080")
	v.SetDefault("ai.llamaserver_model", "Qwen3-14B")
	v.SetDefault("ai.gemini_model", "gemini-2.5-flash")
	v.SetDefault("ai.request_timeout", 5*time.Minute)
	v.SetDefault("ai.queue_size", 64)

	v.SetDefault("pipeline.deep_threshold", 0.7)
	v.SetDefault("pipeline.shallow_max_attempts", 3)
	v.SetDefault("pipeline.deep_max_attempts", 3)
	v.SetDefault("pipeline.agent_max_steps", 6)
	v.SetDefault("pipeline.max_message_attempts", 5)
	v.SetDefault("pipeline.max_delivery_attempts", 5)
	v.SetDefault("pipeline.retry_backoff", 30*time.Second)
	v.SetDefault("pipeline.poll_interval", 2*time.Minute)
	v.SetDefault("pipeline.scheduler_interval", time.Minute)
	v.SetDefault("pipeline.retry_interval", 10*time.Minute)
	v.SetDefault("pipeline.event_lead_time", 24*time.Hour)
	v.SetDefault("pipeline.reminder_lead_time", 48*time.Hour)
	v.SetDefault("pipeline.backfill_limit", 50)
	v.SetDefault("pipeline.thread_history", 5)
	v.SetDefault("pipeline.digest_hour", 8)
	v.SetDefault("pipeline.timezone", "Local")
	v.SetDefault("agent.title_similarity", 0.8)
	v.SetDefault("agent.reminder_history", 20)
	v.SetDefault("scheduler.stale_after", 15*time.Minute)
}

// Load reads .env, then v (bound flags, the optional config file, env).
func Load(v *viper.Viper, file string) (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", file, err)
		}
	}
	return LoadFrom(v)
}

// LoadFrom builds a Config from v. Environment variables use the upper-case
// key with dots replaced by underscores, e.g. PIPELINE_DEEP_THRESHOLD.
func LoadFrom(v *viper.Viper) (*Config, error) {
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{
		Port:            v.GetString("port"),
		JWTSecret:       v.GetString("jwt.secret"),
		JWTAccessExpiry: v.GetDuration("jwt.access_expiry"),
		LogLevel:        v.GetString("log.level"),
		LogFormat:       v.GetString("log.format"),
		Database: DatabaseConfig{
			Driver: v.GetString("database.driver"),
			DSN:    v.GetString("database.dsn"),
		},
		SealPassphrase: v.GetString("seal.passphrase"),
		Google: GoogleConfig{
			ClientID:        v.GetString("google.client_id"),
			ClientSecret:    v.GetString("google.client_secret"),
			CredentialsFile: v.GetString("google.credentials"),
			ProjectID:       v.GetString("google.project_id"),
			PubSubTopic:     v.GetString("google.pubsub_topic"),
			CalendarID:      v.GetString("google.calendar_id"),
			CalendarToken:   v.GetString("google.calendar_token"),
		},
		Firebase: FirebaseConfig{
			CredentialsFile: v.GetString("firebase.credentials"),
			DeviceTokens:    splitList(v.GetString("firebase.device_tokens")),
		},
		AI: AIConfig{
			Provider:         v.GetString("ai.provider"),
			OllamaBaseURL:    v.GetString("ai.ollama_base_url"),
			OllamaModel:      v.GetString("ai.ollama_model"),
			LlamaServerURL:   v.GetString("ai.llamaserver_url"),
			LlamaServerModel: v.GetString("ai.llamaserver_model"),
			GeminiAPIKey:     v.GetString("ai.gemini_api_key"),
			GeminiModel:      v.GetString("ai.gemini_model"),
			RequestTimeout:   v.GetDuration("ai.request_timeout"),
			QueueSize:        v.GetInt("ai.queue_size"),
		},
		Chroma: ChromaConfig{
			APIKey:   v.GetString("chroma.api_key"),
			Tenant:   v.GetString("chroma.tenant"),
			Database: v.GetString("chroma.database"),
		},
		Pipeline: PipelineConfig{
			DeepThreshold:       v.GetFloat64("pipeline.deep_threshold"),
			ShallowMaxAttempts:  v.GetInt("pipeline.shallow_max_attempts"),
			DeepMaxAttempts:     v.GetInt("pipeline.deep_max_attempts"),
			AgentMaxSteps:       v.GetInt("pipeline.agent_max_steps"),
			MaxMessageAttempts:  v.GetInt("pipeline.max_message_attempts"),
			MaxDeliveryAttempts: v.GetInt("pipeline.max_delivery_attempts"),
			RetryBackoff:        v.GetDuration("pipeline.retry_backoff"),
			PollInterval:        v.GetDuration("pipeline.poll_interval"),
			SchedulerInterval:   v.GetDuration("pipeline.scheduler_interval"),
			RetryInterval:       v.GetDuration("pipeline.retry_interval"),
			EventLeadTime:       v.GetDuration("pipeline.event_lead_time"),
			ReminderLeadTime:    v.GetDuration("pipeline.reminder_lead_time"),
			BackfillLimit:       v.GetInt("pipeline.backfill_limit"),
			ThreadHistory:       v.GetInt("pipeline.thread_history"),
			AlwaysAskHuman:      v.GetBool("agent.always_ask_human"),
			DigestEnabled:       v.GetBool("pipeline.digest_enabled"),
			DigestHour:          v.GetInt("pipeline.digest_hour"),
			Timezone:            v.GetString("pipeline.timezone"),
			UserProfile:         strings.TrimSpace(v.GetString("pipeline.user_profile")),
			TitleSimilarity:     v.GetFloat64("agent.title_similarity"),
			ReminderHistory:     v.GetInt("agent.reminder_history"),
			StaleAfter:          v.GetDuration("scheduler.stale_after"),
		},
		IgnoreRulesFile: v.GetString("ignore_rules_file"),
	}

	if file := v.GetString("pipeline.user_profile_file"); file != "" && cfg.Pipeline.UserProfile == "" {
		raw, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read user profile %s: %w", file, err)
		}
		cfg.Pipeline.UserProfile = strings.TrimSpace(string(raw))
	}

	if err := v.UnmarshalKey("accounts", &cfg.Accounts); err != nil {
		return nil, fmt.Errorf("failed to parse accounts: %w", err)
	}
	// Single-account shortcut for env-only setups.
	if len(cfg.Accounts) == 0 {
		if addr := v.GetString("gmail.account"); addr != "" {
			cfg.Accounts = append(cfg.Accounts, AccountConfig{
				ID:        addr,
				Provider:  "gmail",
				Address:   addr,
				TokenFile: v.GetString("gmail.token_file"),
			})
		}
	}
	for i := range cfg.Accounts {
		if cfg.Accounts[i].ID == "" {
			cfg.Accounts[i].ID = cfg.Accounts[i].Address
		}
		if cfg.Accounts[i].Provider == "" {
			cfg.Accounts[i].Provider = "gmail"
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail deep inside a component.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	p := c.Pipeline
	if p.DeepThreshold < 0 || p.DeepThreshold > 1 {
		return fmt.Errorf("pipeline.deep_threshold must be within [0,1], got %v", p.DeepThreshold)
	}
	if p.ShallowMaxAttempts < 1 || p.DeepMaxAttempts < 1 || p.MaxMessageAttempts < 1 {
		return fmt.Errorf("pipeline attempt budgets must be at least 1")
	}
	if p.AgentMaxSteps < 1 {
		return fmt.Errorf("pipeline.agent_max_steps must be at least 1")
	}
	if p.PollInterval <= 0 || p.SchedulerInterval <= 0 {
		return fmt.Errorf("pipeline intervals must be positive")
	}
	if p.TitleSimilarity <= 0 || p.TitleSimilarity > 1 {
		return fmt.Errorf("agent.title_similarity must be within (0,1], got %v", p.TitleSimilarity)
	}
	if p.ReminderHistory < 1 {
		return fmt.Errorf("agent.reminder_history must be at least 1")
	}
	if p.StaleAfter <= 0 {
		return fmt.Errorf("scheduler.stale_after must be positive")
	}
	seen := make(map[string]bool)
	for _, a := range c.Accounts {
		if a.ID == "" {
			return fmt.Errorf("account without id or address")
		}
		if seen[a.ID] {
			return fmt.Errorf("duplicate account %q", a.ID)
		}
		seen[a.ID] = true
		switch a.Provider {
		case "gmail":
		case "imap":
			if a.IMAPHost == "" || a.IMAPUser == "" {
				return fmt.Errorf("account %q: imap_host and imap_user are required", a.ID)
			}
		default:
			return fmt.Errorf("account %q: unsupported provider %q", a.ID, a.Provider)
		}
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
