package infrastructure

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"svontai_router/internal/entities"
	"svontai_router/internal/interfaces"
)

const replySystemPrompt = `You are the customer assistant of a business. Answer in the customer's language,
briefly and politely. Only use the business knowledge below; if it does not cover the question,
say you will forward it to a colleague.

Business knowledge:
%s`

// OpenAIReplyGenerator answers messages directly when workflows are off for a tenant.
type OpenAIReplyGenerator struct {
	client    openai.Client
	model     string
	maxTokens int64
}

func NewOpenAIReplyGenerator(apiKey, baseURL, model string) *OpenAIReplyGenerator {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &OpenAIReplyGenerator{
		client:    openai.NewClient(opts...),
		model:     model,
		maxTokens: 512,
	}
}

var _ interfaces.ReplyGenerator = (*OpenAIReplyGenerator)(nil)

func (g *OpenAIReplyGenerator) GenerateReply(ctx context.Context, req entities.ReplyRequest) (string, error) {
	messages := []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(fmt.Sprintf(replySystemPrompt, req.Knowledge)),
	}
	for _, turn := range req.History {
		switch turn.Role {
		case "assistant":
			messages = append(messages, openai.AssistantMessage(turn.Content))
		default:
			messages = append(messages, openai.UserMessage(turn.Content))
		}
	}
	messages = append(messages, openai.UserMessage(req.Message))

	start := time.Now()
	resp, err := g.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:               g.model,
		Messages:            messages,
		MaxCompletionTokens: openai.Int(g.maxTokens),
	})
	if err != nil {
		return "", fmt.Errorf("openai reply: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openai reply: no choices in response")
	}

	slog.DebugContext(ctx, "reply generated",
		"model", g.model,
		"duration_ms", time.Since(start).Milliseconds(),
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens)

	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", errors.New("openai reply: empty content")
	}
	return text, nil
}
