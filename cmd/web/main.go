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

	// ---- Configuration (read only here) ----
	env, err := config.FromEnv()
	if err != nil {
		slog.Error("invalid environment", "err", err)
		os.Exit(1)
	}
	logger := app.NewLogger(env.LogLevel)

	// ---- Clients ----
	a, err := app.New(ctx, env, logger, false)
	if err != nil {
		logger.Error("failed to build application", "err", err)
		os.Exit(1)
	}

	// ---- Handler ----
	h, err := handler.NewHandler(a.Chat,
		handler.WithCORSOrigin(env.CORSOrigin),
		handler.WithWaiter(a.Titles),
		handler.WithFlusher(a.Telemetry),
		handler.WithLogger(logger),
	)
	if err != nil {
		logger.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	lambda.Start(h.Handle)
}
