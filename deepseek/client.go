package deepseek

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

const defaultBaseURL = "https://api.deepseek.com/v1"

// Client is the DeepSeek API client using the OpenAI-compatible interface
type Client struct {
	client *openai.Client
	model  string
}

// NewClient creates a new DeepSeek client
func NewClient(apiKey, baseURL, model string) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if model == "" {
		model = "deepseek-chat"
	}

	config := openai.DefaultConfig(apiKey)
	config.BaseURL = baseURL

	return &Client{
		client: openai.NewClientWithConfig(config),
		model:  model,
	}
}

const answerPrompt = `You are a customer support assistant. Answer the user's question concisely and helpfully.

After your answer, on a new final line, write exactly:
CONFIDENCE: <0.0-1.0>

where the number is how confident you are that your answer fully resolves the question. Use a low value when the question needs account access, order details, refunds, or anything only a human agent can do.`

// Answer answers a support question and reports the model's own confidence.
// recentContext, if non-empty, is the tail of the conversation for grounding.
func (c *Client) Answer(ctx context.Context, question, recentContext string) (string, float64, error) {
	userMsg := question
	if recentContext != "" {
		userMsg = fmt.Sprintf("## Recent conversation\n%s\n\n## Question\n%s", recentContext, question)
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: answerPrompt},
			{Role: openai.ChatMessageRoleUser, Content: userMsg},
		},
		Temperature: 0.3,
		MaxTokens:   800,
	})
	if err != nil {
		return "", 0, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", 0, fmt.Errorf("no response choices")
	}

	text, confidence := splitConfidence(resp.Choices[0].Message.Content)
	return text, confidence, nil
}

// splitConfidence strips the trailing CONFIDENCE line. A missing or
// unparseable line counts as low confidence so the caller offers a human.
func splitConfidence(content string) (string, float64) {
	content = strings.TrimSpace(content)
	idx := strings.LastIndex(content, "CONFIDENCE:")
	if idx < 0 {
		return content, 0
	}

	text := strings.TrimSpace(content[:idx])
	raw := strings.TrimSpace(content[idx+len("CONFIDENCE:"):])
	confidence, err := strconv.ParseFloat(raw, 64)
	if err != nil || confidence < 0 || confidence > 1 {
		return text, 0
	}
	return text, confidence
}
