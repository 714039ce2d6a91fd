package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"

	"guidance-agent/handler"
	"guidance-agent/internal/app"
	"guidance-agent/internal/config"
)

func main() {
	ctx := context.Background()

	env, err := config.FromEnv()
	if err != nil {
		slog.Error("invalid environment", "err", err)
		os.Exit(1)
	}
	if env.SMSFromNumber == "" {
		slog.Error("required environment variable is not set", "key", "SMS_FROM_NUMBER")
		os.Exit(1)
	}
	logger := app.NewLogger(env.LogLevel)

	a, err := app.New(ctx, env, logger, true)
	if err != nil {
		logger.Error("failed to build application", "err", err)
		os.Exit(1)
	}

	h, err := handler.NewSMSHandler(a.Chat,
		handler.WithSMSWaiter(a.Titles),
		handler.WithSMSFlusher(a.Telemetry),
		handler.WithSMSLogger(logger),
	)
	if err != nil {
		logger.Error("failed to create SMS handler", "err", err)
		os.Exit(1)
	}

	lambda.Start(h.Handle)
}
