package main

import (
	"context"
	"log/slog"
	"os"
	"strconv"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"tutor-assistant/handler"
	"tutor-assistant/internal/integrations/openai"
	"tutor-assistant/internal/integrations/paramstore"
	"tutor-assistant/internal/repository"
	"tutor-assistant/internal/tokenizer"
	"tutor-assistant/internal/usecase"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	stateTable := mustEnv("STATE_TABLE")
	paramPrefix := mustEnv("PARAM_PREFIX")
	contextWindow := envInt("CONTEXT_WINDOW", 8192)
	reservedAnswer := envInt("RESERVED_ANSWER_TOKENS", 1024)
	maxQuestion := envInt("MAX_QUESTION_TOKENS", 1024)
	appendRetries := envInt("APPEND_RETRIES", 5)
	tokenizerModel := os.Getenv("TOKENIZER_MODEL")
	openaiBaseURL := os.Getenv("OPENAI_BASE_URL")

	// ---- AWS SDK config ----
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		slog.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}

	// ---- Clients ----
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(cfg))
	if err != nil {
		slog.Error("failed to create SSM client", "err", err)
		os.Exit(1)
	}
	dynamoClient := awsdynamodb.NewFromConfig(cfg)
	stateClient, err := repository.New(dynamoClient, stateTable, repository.WithAppendAttempts(appendRetries))
	if err != nil {
		slog.Error("failed to create state client", "err", err)
		os.Exit(1)
	}

	openaiClient, err := openai.NewClient(ssmClient, paramPrefix,
		openai.WithBaseURL(openaiBaseURL),
		openai.WithMaxAnswerTokens(reservedAnswer),
	)
	if err != nil {
		slog.Error("failed to create OpenAI client", "err", err)
		os.Exit(1)
	}

	counter, err := tokenizer.New(tokenizerModel)
	if err != nil {
		slog.Error("failed to create tokenizer", "err", err)
		os.Exit(1)
	}

	// ---- Handler ----
	svc, err := usecase.NewService(ssmClient, openaiClient, stateClient, stateClient, counter, usecase.Config{
		ParamPrefix:          paramPrefix,
		ContextWindow:        contextWindow,
		ReservedAnswerTokens: reservedAnswer,
		MaxQuestionTokens:    maxQuestion,
	})
	if err != nil {
		slog.Error("failed to create service", "err", err)
		os.Exit(1)
	}

	h, err := handler.NewHandler(handler.ForService(svc))
	if err != nil {
		slog.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	lambda.Start(h.Handle)
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		slog.Error("required environment variable is not set", "key", key)
		os.Exit(1)
	}
	return v
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("ignoring invalid integer environment variable", "key", key, "value", v)
		return def
	}
	return n
}
