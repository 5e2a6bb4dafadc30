package openai

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	"advora-intake/internal/domain"
)

const defaultBaseURL = "https://api.openai.com/v1"

// TokenSource resolves the API key. *paramstore.Secret satisfies it.
type TokenSource interface {
	Value(ctx context.Context) (string, error)
}

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	Op         string
	Message    string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("openai: %s: unexpected status %d: %s", e.Op, e.StatusCode, e.Message)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client is a focused OpenAI-compatible client for chat and vision completions.
type Client struct {
	baseURL    string
	httpClient *http.Client
	secret     TokenSource
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithTimeout bounds every upstream call. It replaces the timeout of the
// configured HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d <= 0 {
			return
		}
		hc := http.Client{}
		if c.httpClient != nil {
			hc = *c.httpClient
		}
		hc.Timeout = d
		c.httpClient = &hc
	}
}

// NewClient creates a Client that resolves its API key from secret on each
// call. Secrets cache their value, so only the first call reaches SSM.
func NewClient(secret TokenSource, opts ...Option) (*Client, error) {
	if secret == nil {
		return nil, errors.New("openai: token source must not be nil")
	}
	c := &Client{
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: 25 * time.Second},
		secret:     secret,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func normalizeBaseURL(baseURL string) string {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		return defaultBaseURL
	}
	if strings.HasSuffix(base, "/v1") {
		return base
	}
	return base + "/v1"
}

func (c *Client) api(ctx context.Context) (*goopenai.Client, error) {
	apiKey, err := c.secret.Value(ctx)
	if err != nil {
		return nil, fmt.Errorf("openai: resolve api key: %w", err)
	}
	cfg := goopenai.DefaultConfig(apiKey)
	cfg.BaseURL = normalizeBaseURL(c.baseURL)
	if c.httpClient != nil {
		cfg.HTTPClient = c.httpClient
	}
	return goopenai.NewClientWithConfig(cfg), nil
}

// Chat sends a chat completion and returns the first choice's content.
func (c *Client) Chat(ctx context.Context, model string, messages []domain.ChatMessage) (string, error) {
	if model == "" {
		return "", errors.New("openai: model must not be empty")
	}
	api, err := c.api(ctx)
	if err != nil {
		return "", err
	}

	req := goopenai.ChatCompletionRequest{
		Model:    model,
		Messages: make([]goopenai.ChatCompletionMessage, 0, len(messages)),
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, goopenai.ChatCompletionMessage{
			Role:    string(m.Role),
			Content: m.Content,
		})
	}

	resp, err := api.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", wrapError("chat", err)
	}
	return firstChoice(resp)
}

// Vision asks a multimodal model about an image. The image is sent inline as
// a data URL and the model is asked for a JSON object.
func (c *Client) Vision(ctx context.Context, model, instructions string, media domain.Media) (string, error) {
	if model == "" {
		return "", errors.New("openai: model must not be empty")
	}
	if len(media.Data) == 0 {
		return "", errors.New("openai: image data is empty")
	}
	mimeType := media.MimeType
	if mimeType == "" {
		mimeType = http.DetectContentType(media.Data)
	}
	api, err := c.api(ctx)
	if err != nil {
		return "", err
	}

	dataURL := "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(media.Data)
	req := goopenai.ChatCompletionRequest{
		Model: model,
		Messages: []goopenai.ChatCompletionMessage{
			{Role: goopenai.ChatMessageRoleSystem, Content: instructions},
			{
				Role: goopenai.ChatMessageRoleUser,
				MultiContent: []goopenai.ChatMessagePart{
					{Type: goopenai.ChatMessagePartTypeText, Text: visionUserText(media)},
					{
						Type: goopenai.ChatMessagePartTypeImageURL,
						ImageURL: &goopenai.ChatMessageImageURL{
							URL:    dataURL,
							Detail: goopenai.ImageURLDetailLow,
						},
					},
				},
			},
		},
		ResponseFormat: &goopenai.ChatCompletionResponseFormat{
			Type: goopenai.ChatCompletionResponseFormatTypeJSONObject,
		},
	}

	resp, err := api.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", wrapError("vision", err)
	}
	return firstChoice(resp)
}

func visionUserText(media domain.Media) string {
	text := "Classifique o documento da imagem."
	if media.Caption != "" {
		text += " Legenda enviada pelo cliente: " + media.Caption
	}
	return text
}

func firstChoice(resp goopenai.ChatCompletionResponse) (string, error) {
	if len(resp.Choices) == 0 {
		return "", errors.New("openai: no choices in response")
	}
	return resp.Choices[0].Message.Content, nil
}

func wrapError(op string, err error) error {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		return &HTTPStatusError{StatusCode: apiErr.HTTPStatusCode, Op: op, Message: apiErr.Message}
	}
	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		msg := ""
		if reqErr.Err != nil {
			msg = reqErr.Err.Error()
		}
		return &HTTPStatusError{StatusCode: reqErr.HTTPStatusCode, Op: op, Message: msg}
	}
	return fmt.Errorf("openai: %s request failed: %w", op, err)
}
