package summary

import (
	"context"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"
	"github.com/uneseule/uneseule-backend/internal/config"
	"github.com/uneseule/uneseule-backend/internal/models"
)

const systemPrompt = `You keep a short running memory of a child's conversations with a talking toy.
Merge the previous memory with the new turns. Keep names, interests, worries and promises.
Answer with the updated memory only, in plain sentences, at most %d characters.`

// OpenAI asks a chat model for the updated summary and falls back to the
// heuristic summarizer on any error
type OpenAI struct {
	client   *openai.Client
	model    string
	maxChars int
	fallback Summarizer
	logger   *logrus.Logger
}

func NewOpenAI(cfg config.SummarizerConfig, fallback Summarizer, logger *logrus.Logger) *OpenAI {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	maxChars := cfg.MaxChars
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}
	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &OpenAI{
		client:   openai.NewClientWithConfig(clientCfg),
		model:    model,
		maxChars: maxChars,
		fallback: fallback,
		logger:   logger,
	}
}

func (o *OpenAI) Name() string { return "openai" }

func (o *OpenAI) Summarize(ctx context.Context, previous string, turns []models.Turn) (string, error) {
	if len(turns) == 0 {
		return previous, nil
	}

	var transcript strings.Builder
	for _, turn := range turns {
		fmt.Fprintf(&transcript, "%s: %s\n", turn.Role, turn.Text)
	}

	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: fmt.Sprintf(systemPrompt, o.maxChars)},
			{Role: openai.ChatMessageRoleUser, Content: "Previous memory:\n" + previous + "\n\nNew turns:\n" + transcript.String()},
		},
		Temperature: 0.2,
		MaxTokens:   o.maxChars / 3,
	})
	if err == nil && len(resp.Choices) > 0 {
		if text := strings.TrimSpace(resp.Choices[0].Message.Content); text != "" {
			return Trim(text, o.maxChars), nil
		}
	}

	o.logger.WithError(err).WithField("model", o.model).Warn("Summary completion failed, using heuristic summarizer")
	return o.fallback.Summarize(ctx, previous, turns)
}
