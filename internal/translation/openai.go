package translation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"
)

// ErrHealthCheck marks a failed pre-flight translation probe. It is fatal
// and aborts the run before any batch dispatch begins.
var ErrHealthCheck = errors.New("health check failed")

// Translator is the service collaborator: one prompt in, one response text
// out. Transport failures and empty responses are the only failure modes.
type Translator interface {
	Translate(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// TranslatorFactory builds an independent client. Each dispatch worker owns
// its own client; no client state is shared across workers.
type TranslatorFactory func() Translator

// Client wraps the OpenAI chat-completion API as a Translator.
type Client struct {
	client      *openai.Client
	logger      *logrus.Logger
	model       string
	maxTokens   int
	temperature float32
	timeout     time.Duration
}

func NewClient(apiKey, model string, maxTokens int, temperature float32, timeout time.Duration, logger *logrus.Logger) *Client {
	return &Client{
		client:      openai.NewClient(apiKey),
		logger:      logger,
		model:       model,
		maxTokens:   maxTokens,
		temperature: temperature,
		timeout:     timeout,
	}
}

// Translate performs a single chat-completion request. Retries are the
// dispatcher's responsibility, not the client's.
func (c *Client) Translate(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: systemPrompt,
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: userPrompt,
			},
		},
	})
	if err != nil {
		return "", err
	}

	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no response choices returned")
	}

	return resp.Choices[0].Message.Content, nil
}

// HealthCheck sends one short translation probe through tr and returns the
// translated line. An error or blank response fails the check.
func HealthCheck(ctx context.Context, tr Translator, targetLang string) (string, error) {
	systemPrompt := "You are a helpful translator."
	userPrompt := fmt.Sprintf("Translate the following short line into %s:\nThis is a translation health check for EPUB batch translation.", targetLang)

	text, err := tr.Translate(ctx, systemPrompt, userPrompt)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrHealthCheck, err)
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("%w: empty response", ErrHealthCheck)
	}

	return text, nil
}
