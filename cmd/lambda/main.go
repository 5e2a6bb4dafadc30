package main

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	"go.uber.org/zap"

	"advora-intake/handler"
	"advora-intake/internal/app"
	"advora-intake/internal/config"
	"advora-intake/pkg/logger"
)

func main() {
	ctx := context.Background()

	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	// Lambda freezes the sandbox after each response, so turns run inline.
	a, err := app.New(ctx, cfg, log, app.Options{AsyncWebhook: false})
	if err != nil {
		log.Fatal("failed to build intake service", zap.Error(err))
	}
	defer a.Close()

	h, err := handler.NewLambda(a.Webhook, log)
	if err != nil {
		log.Fatal("failed to create handler", zap.Error(err))
	}

	lambda.Start(h.Handle)
}
