// Package app wires configuration into a running intake service.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"go.uber.org/zap"

	"advora-intake/handler"
	"advora-intake/internal/config"
	"advora-intake/internal/integrations/blobstore"
	"advora-intake/internal/integrations/natsbus"
	"advora-intake/internal/integrations/openai"
	"advora-intake/internal/integrations/paramstore"
	"advora-intake/internal/integrations/whatsapp"
	"advora-intake/internal/repository"
	"advora-intake/internal/usecase"
	"advora-intake/pkg/logger"
)

// SSM parameter names under PARAM_PREFIX.
const (
	paramOpenAIToken       = "open-ai-token"
	paramWhatsAppToken     = "whatsapp-token"
	paramWhatsAppAppSecret = "whatsapp-app-secret"
)

// Options select entry-point specific behaviour.
type Options struct {
	// AsyncWebhook acknowledges deliveries before processing them.
	AsyncWebhook bool
}

// App holds the wired service and the resources it must release.
type App struct {
	Webhook *handler.Webhook
	Intake  *usecase.IntakeService
	Checks  []handler.Check

	closers []func() error
}

type builder struct {
	cfg    *config.Config
	log    *logger.Logger
	aws    *aws.Config
	params *paramstore.Client
	app    *App
}

// New builds every dependency named by cfg. On error, resources opened so
// far are released.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger, opts Options) (_ *App, err error) {
	if cfg == nil {
		return nil, errors.New("app: config must not be nil")
	}
	if log == nil {
		log = logger.NewNop()
	}
	b := &builder{cfg: cfg, log: log, app: &App{}}
	defer func() {
		if err != nil {
			_ = b.app.Close()
		}
	}()

	req, err := cfg.Requirements()
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	store, err := b.store(ctx)
	if err != nil {
		return nil, err
	}

	openAIKey, err := b.secret(ctx, cfg.OpenAIAPIKey, paramOpenAIToken)
	if err != nil {
		return nil, err
	}
	oa, err := openai.NewClient(openAIKey,
		openai.WithBaseURL(cfg.OpenAIBaseURL),
		openai.WithTimeout(cfg.OpenAITimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("app: openai client: %w", err)
	}

	waToken, err := b.secret(ctx, cfg.WhatsAppAccessToken, paramWhatsAppToken)
	if err != nil {
		return nil, err
	}
	wa, err := whatsapp.NewClient(waToken, cfg.WhatsAppPhoneNumberID,
		whatsapp.WithBaseURL(cfg.WhatsAppBaseURL),
		whatsapp.WithAPIVersion(cfg.WhatsAppAPIVersion),
		whatsapp.WithMaxReplyChars(cfg.MaxReplyChars),
	)
	if err != nil {
		return nil, fmt.Errorf("app: whatsapp client: %w", err)
	}

	classifier, err := usecase.NewDocumentClassifier(oa, cfg.OpenAIVisionModel, req, cfg.ClassifierMinConfidence, cfg.OpenAITimeout, log)
	if err != nil {
		return nil, fmt.Errorf("app: classifier: %w", err)
	}

	deps := usecase.Dependencies{
		Store:      store,
		LLM:        oa,
		Classifier: classifier,
		Media:      wa,
		Messenger:  wa,
		Logger:     log,
	}
	if blobs, err := b.blobs(ctx); err != nil {
		return nil, err
	} else if blobs != nil {
		deps.Blobs = blobs
	}
	if bus, err := b.bus(ctx); err != nil {
		return nil, err
	} else if bus != nil {
		deps.Events = bus
	}

	intake, err := usecase.NewIntakeService(deps, usecase.IntakeConfig{
		Model:        cfg.OpenAIModel,
		Requirements: req,
		Retention:    cfg.HistoryRetention,
		MaxHistory:   cfg.MaxHistoryEntries,
		ReplyTimeout: cfg.OpenAITimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("app: intake service: %w", err)
	}

	whCfg := handler.WebhookConfig{VerifyToken: cfg.WhatsAppVerifyToken, Async: opts.AsyncWebhook}
	if appSecret, err := b.appSecret(ctx); err != nil {
		return nil, err
	} else if appSecret != nil {
		whCfg.AppSecret = appSecret
	}
	wh, err := handler.NewWebhook(intake, whCfg, log)
	if err != nil {
		return nil, fmt.Errorf("app: webhook: %w", err)
	}

	b.app.Intake = intake
	b.app.Webhook = wh
	log.Info("intake service ready",
		zap.String("store", cfg.StoreBackend),
		zap.String("model", cfg.OpenAIModel),
		zap.Bool("media_archive", deps.Blobs != nil),
		zap.Bool("events", deps.Events != nil),
		zap.Bool("signature_check", whCfg.AppSecret != nil),
	)
	return b.app, nil
}

// Close releases stores and connections in reverse order of opening.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (b *builder) awsConfig(ctx context.Context) (aws.Config, error) {
	if b.aws != nil {
		return *b.aws, nil
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return aws.Config{}, fmt.Errorf("app: load AWS config: %w", err)
	}
	b.aws = &cfg
	return cfg, nil
}

func (b *builder) store(ctx context.Context) (usecase.ConversationStore, error) {
	limits := repository.Limits{MaxHistory: b.cfg.MaxHistoryEntries, Retention: b.cfg.HistoryRetention}
	switch b.cfg.StoreBackend {
	case config.StoreSQLite:
		s, err := repository.OpenSQLite(ctx, b.cfg.SQLitePath, limits)
		if err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
		b.app.closers = append(b.app.closers, s.Close)
		b.app.Checks = append(b.app.Checks, handler.Check{Name: "store", Fn: s.Ping})
		return s, nil
	default:
		awsCfg, err := b.awsConfig(ctx)
		if err != nil {
			return nil, err
		}
		s, err := repository.NewDynamoStore(awsdynamodb.NewFromConfig(awsCfg), b.cfg.StateTable, limits)
		if err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
		b.app.Checks = append(b.app.Checks, handler.Check{Name: "store", Fn: s.Ping})
		return s, nil
	}
}

// secret returns a directly configured value or an SSM-backed secret.
func (b *builder) secret(ctx context.Context, direct, name string) (*paramstore.Secret, error) {
	if direct != "" {
		return paramstore.StaticSecret(direct), nil
	}
	if b.params == nil {
		awsCfg, err := b.awsConfig(ctx)
		if err != nil {
			return nil, err
		}
		params, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
		if err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
		b.params = params
	}
	s, err := paramstore.NewSecret(b.params, b.cfg.SecretParam(name))
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	return s, nil
}

func (b *builder) appSecret(ctx context.Context) (*paramstore.Secret, error) {
	if !b.cfg.VerifySignature {
		return nil, nil
	}
	if b.cfg.WhatsAppAppSecret == "" && b.cfg.ParamPrefix == "" {
		b.log.Warn("webhook signature check disabled: no app secret configured")
		return nil, nil
	}
	return b.secret(ctx, b.cfg.WhatsAppAppSecret, paramWhatsAppAppSecret)
}

func (b *builder) blobs(ctx context.Context) (*blobstore.Store, error) {
	if b.cfg.MediaBucket == "" {
		return nil, nil
	}
	awsCfg, err := b.awsConfig(ctx)
	if err != nil {
		return nil, err
	}
	s, err := blobstore.New(awss3.NewFromConfig(awsCfg), b.cfg.MediaBucket, b.cfg.MediaPrefix)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	return s, nil
}

func (b *builder) bus(ctx context.Context) (*natsbus.Bus, error) {
	if b.cfg.NATSURL == "" {
		return nil, nil
	}
	bus, err := natsbus.Connect(ctx, natsbus.Config{URL: b.cfg.NATSURL, Token: b.cfg.NATSToken}, b.log)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	b.app.closers = append(b.app.closers, func() error {
		bus.Close()
		return nil
	})
	b.app.Checks = append(b.app.Checks, handler.Check{Name: "nats", Fn: func(context.Context) error {
		if !bus.IsConnected() {
			return errors.New("nats: not connected")
		}
		return nil
	}})
	return bus, nil
}
