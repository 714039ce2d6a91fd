// Package app wires the agent's collaborators for the Lambda entry points.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"guidance-agent/internal/config"
	"guidance-agent/internal/generation"
	"guidance-agent/internal/identity"
	"guidance-agent/internal/integrations/openai"
	"guidance-agent/internal/integrations/paramstore"
	"guidance-agent/internal/integrations/twilio"
	"guidance-agent/internal/policy"
	"guidance-agent/internal/prompt"
	"guidance-agent/internal/repository"
	"guidance-agent/internal/telemetry"
	"guidance-agent/internal/title"
	"guidance-agent/internal/tools"
	"guidance-agent/internal/tracing"
	"guidance-agent/internal/usecase"
)

// App holds the process-wide collaborators. It is built once per cold
// start and shared by every invocation.
type App struct {
	Env       config.Env
	Config    *config.Config
	Logger    *slog.Logger
	Chat      *usecase.ChatService
	Titles    *title.Generator
	Telemetry *telemetry.Telemetry
}

// NewLogger returns the JSON logger installed as the process default.
func NewLogger(level slog.Level) *slog.Logger {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

// New builds the application from env. withNotifier enables out-of-band
// messaging through the SMS provider.
func New(ctx context.Context, env config.Env, logger *slog.Logger, withNotifier bool) (*App, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("app: load AWS config: %w", err)
	}

	params, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
	if err != nil {
		return nil, fmt.Errorf("app: create paramstore client: %w", err)
	}
	cfg, err := config.Load(ctx, params, env.ParamPrefix, config.WithContextWindow(env.MaxContextItems))
	if err != nil {
		return nil, err
	}

	store, err := repository.New(awsdynamodb.NewFromConfig(awsCfg), env.StateTable)
	if err != nil {
		return nil, fmt.Errorf("app: create repository: %w", err)
	}
	model, err := openai.NewClient(params, env.ParamPrefix)
	if err != nil {
		return nil, fmt.Errorf("app: create model client: %w", err)
	}

	tel, err := telemetry.Setup(ctx, telemetry.Config{
		Endpoint:    env.OTLPEndpoint,
		ServiceName: env.ServiceName,
		Stage:       env.Stage,
	})
	if err != nil {
		return nil, err
	}
	tracer := tracing.New(tel.TracerProvider(), tracing.WithLogger(logger))

	registry := tools.NewRegistry(cfg)
	assembler, err := prompt.NewAssembler(cfg, registry)
	if err != nil {
		return nil, err
	}
	engine, err := generation.NewEngine(model, registry, cfg, generation.WithLogger(logger), generation.WithTracer(tracer))
	if err != nil {
		return nil, err
	}
	titles, err := title.NewGenerator(model, store, cfg, tracer, logger)
	if err != nil {
		return nil, err
	}
	gate, err := policy.NewEngine(store, cfg, logger)
	if err != nil {
		return nil, err
	}
	resolver, err := identity.NewResolver(store)
	if err != nil {
		return nil, err
	}

	deps := usecase.Deps{
		Store:     store,
		Resolver:  resolver,
		Policy:    gate,
		Prompts:   assembler,
		Generator: engine,
		Titles:    titles,
		Config:    cfg,
	}
	if withNotifier {
		sms, err := twilio.NewClient(params, env.ParamPrefix, env.SMSFromNumber)
		if err != nil {
			return nil, fmt.Errorf("app: create messaging client: %w", err)
		}
		deps.Notifier = sms
	}
	chat, err := usecase.NewChatService(deps,
		usecase.WithLogger(logger),
		usecase.WithLimits(env.MaxMessageLength, env.InvocationTimeout),
	)
	if err != nil {
		return nil, err
	}

	return &App{
		Env:       env,
		Config:    cfg,
		Logger:    logger,
		Chat:      chat,
		Titles:    titles,
		Telemetry: tel,
	}, nil
}
