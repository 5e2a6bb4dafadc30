// Package config provides environment configuration for the intake service.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"advora-intake/internal/domain"
)

// Store backends.
const (
	StoreDynamoDB = "dynamodb"
	StoreSQLite   = "sqlite"
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings (cmd/server only)
	Port               string        `envconfig:"PORT" default:"8080"`
	ServerReadTimeout  time.Duration `envconfig:"SERVER_READ_TIMEOUT" default:"15s"`
	ServerWriteTimeout time.Duration `envconfig:"SERVER_WRITE_TIMEOUT" default:"30s"`

	// Rate limiting on the webhook route
	RateLimitRequests int           `envconfig:"RATE_LIMIT_REQUESTS" default:"600"`
	RateLimitWindow   time.Duration `envconfig:"RATE_LIMIT_WINDOW" default:"1m"`

	// Persistence
	StoreBackend string `envconfig:"STORE_BACKEND" default:"dynamodb"`
	StateTable   string `envconfig:"STATE_TABLE"`
	SQLitePath   string `envconfig:"SQLITE_PATH" default:"data/intake.db"`

	// Media archive; empty disables archival
	MediaBucket string `envconfig:"MEDIA_BUCKET"`
	MediaPrefix string `envconfig:"MEDIA_PREFIX" default:"media"`

	// Secrets are read from SSM under ParamPrefix unless given directly.
	ParamPrefix         string `envconfig:"PARAM_PREFIX"`
	OpenAIAPIKey        string `envconfig:"OPENAI_API_KEY"`
	WhatsAppAccessToken string `envconfig:"WHATSAPP_ACCESS_TOKEN"`
	WhatsAppAppSecret   string `envconfig:"WHATSAPP_APP_SECRET"`
	// VerifySignature checks X-Hub-Signature-256 on webhook deliveries.
	VerifySignature bool `envconfig:"WHATSAPP_VERIFY_SIGNATURE" default:"true"`

	// WhatsApp Cloud API
	WhatsAppPhoneNumberID string `envconfig:"WHATSAPP_PHONE_NUMBER_ID" required:"true"`
	WhatsAppVerifyToken   string `envconfig:"WHATSAPP_VERIFY_TOKEN" required:"true"`
	WhatsAppAPIVersion    string `envconfig:"WHATSAPP_API_VERSION" default:"v21.0"`
	WhatsAppBaseURL       string `envconfig:"WHATSAPP_BASE_URL" default:"https://graph.facebook.com"`
	MaxReplyChars         int    `envconfig:"MAX_REPLY_CHARS" default:"1000"`

	// OpenAI
	OpenAIBaseURL     string        `envconfig:"OPENAI_BASE_URL" default:"https://api.openai.com/v1"`
	OpenAIModel       string        `envconfig:"OPENAI_MODEL"`
	OpenAIVisionModel string        `envconfig:"OPENAI_VISION_MODEL" default:"gpt-4o-mini"`
	OpenAITimeout     time.Duration `envconfig:"OPENAI_TIMEOUT" default:"25s"`

	// Conversation policy
	HistoryRetention        time.Duration `envconfig:"HISTORY_RETENTION" default:"24h"`
	MaxHistoryEntries       int           `envconfig:"MAX_HISTORY_ENTRIES" default:"20"`
	ClassifierMinConfidence float64       `envconfig:"CLASSIFIER_MIN_CONFIDENCE" default:"0.6"`
	RequiredDocuments       []string      `envconfig:"REQUIRED_DOCUMENTS" default:"identity,proof_of_address,case_protocol"`
	OptionalDocuments       []string      `envconfig:"OPTIONAL_DOCUMENTS" default:"damage_evidence"`

	// Intake events; empty disables publishing
	NATSURL   string `envconfig:"NATS_URL"`
	NATSToken string `envconfig:"NATS_TOKEN"`

	// Logging
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// defaultModel is the fine-tuned front-desk model.
const defaultModel = "ft:gpt-4o-mini-2024-07-18:personal:carolinaai:Cf3xgQkT"

// Load reads an optional .env file and then the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}
	return FromEnv()
}

// FromEnv reads configuration from environment variables only.
func FromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if cfg.OpenAIModel == "" {
		cfg.OpenAIModel = os.Getenv("OPENAI_MODEL_CAROLINA")
	}
	if cfg.OpenAIModel == "" {
		cfg.OpenAIModel = defaultModel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints envconfig cannot express.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.WhatsAppPhoneNumberID) == "" {
		return errors.New("config: WHATSAPP_PHONE_NUMBER_ID is required")
	}
	if strings.TrimSpace(c.WhatsAppVerifyToken) == "" {
		return errors.New("config: WHATSAPP_VERIFY_TOKEN is required")
	}
	switch c.StoreBackend {
	case StoreDynamoDB:
		if strings.TrimSpace(c.StateTable) == "" {
			return errors.New("config: STATE_TABLE is required for the dynamodb store")
		}
	case StoreSQLite:
		if strings.TrimSpace(c.SQLitePath) == "" {
			return errors.New("config: SQLITE_PATH is required for the sqlite store")
		}
	default:
		return fmt.Errorf("config: unsupported STORE_BACKEND %q", c.StoreBackend)
	}
	if c.ParamPrefix == "" && c.OpenAIAPIKey == "" {
		return errors.New("config: OPENAI_API_KEY or PARAM_PREFIX is required")
	}
	if c.ParamPrefix == "" && c.WhatsAppAccessToken == "" {
		return errors.New("config: WHATSAPP_ACCESS_TOKEN or PARAM_PREFIX is required")
	}
	if c.HistoryRetention <= 0 {
		return errors.New("config: HISTORY_RETENTION must be positive")
	}
	if c.MaxHistoryEntries <= 0 {
		return errors.New("config: MAX_HISTORY_ENTRIES must be positive")
	}
	if _, err := c.Requirements(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// Requirements builds the document checklist from REQUIRED_DOCUMENTS and
// OPTIONAL_DOCUMENTS.
func (c *Config) Requirements() (domain.Requirements, error) {
	return domain.NewRequirements(kinds(c.RequiredDocuments), kinds(c.OptionalDocuments))
}

func kinds(raw []string) []domain.DocumentKind {
	out := make([]domain.DocumentKind, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		k := domain.ParseDocumentKind(r)
		if k == domain.DocumentOther {
			k = domain.DocumentKind(strings.ToLower(r))
		}
		out = append(out, k)
	}
	return out
}

// SecretParam returns the SSM parameter name for a secret.
func (c *Config) SecretParam(name string) string {
	return strings.TrimRight(strings.TrimSpace(c.ParamPrefix), "/") + "/" + name
}
