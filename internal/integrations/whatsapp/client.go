package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-resty/resty/v2"

	"advora-intake/internal/domain"
)

const (
	defaultBaseURL    = "https://graph.facebook.com"
	defaultAPIVersion = "v21.0"
	defaultMaxChars   = 1000
	maxMediaBytes     = 16 << 20
)

// TokenSource resolves the Graph API access token.
type TokenSource interface {
	Value(ctx context.Context) (string, error)
}

// HTTPStatusError captures non-2xx Graph API responses.
type HTTPStatusError struct {
	StatusCode int
	Op         string
	Message    string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("whatsapp: %s: unexpected status %d: %s", e.Op, e.StatusCode, e.Message)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client sends messages and downloads media through the WhatsApp Cloud API.
// Requests are never retried: a retried send can reach the contact twice.
type Client struct {
	rest          *resty.Client
	token         TokenSource
	phoneNumberID string
	maxChars      int

	baseURL    string
	apiVersion string
	httpClient *http.Client
	timeout    time.Duration
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) { c.baseURL = strings.TrimSpace(baseURL) }
}

func WithAPIVersion(version string) Option {
	return func(c *Client) { c.apiVersion = strings.Trim(strings.TrimSpace(version), "/") }
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) { c.httpClient = httpClient }
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithMaxReplyChars caps outbound text length in runes.
func WithMaxReplyChars(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxChars = n
		}
	}
}

// NewClient builds a Client for one business phone number.
func NewClient(token TokenSource, phoneNumberID string, opts ...Option) (*Client, error) {
	if token == nil {
		return nil, errors.New("whatsapp: token source must not be nil")
	}
	phoneNumberID = strings.TrimSpace(phoneNumberID)
	if phoneNumberID == "" {
		return nil, errors.New("whatsapp: phone number id must not be empty")
	}
	c := &Client{
		token:         token,
		phoneNumberID: phoneNumberID,
		maxChars:      defaultMaxChars,
		baseURL:       defaultBaseURL,
		apiVersion:    defaultAPIVersion,
		timeout:       10 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}

	rest := resty.New()
	if c.httpClient != nil {
		rest = resty.NewWithClient(c.httpClient)
	}
	base := strings.TrimRight(c.baseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	if c.apiVersion != "" {
		base += "/" + c.apiVersion
	}
	c.rest = rest.
		SetBaseURL(base).
		SetHeader("Content-Type", "application/json").
		SetTimeout(c.timeout)
	return c, nil
}

// SendText delivers a text message to the contact. Bodies longer than the
// configured limit are cut at a rune boundary.
func (c *Client) SendText(ctx context.Context, to, body string) error {
	to = strings.TrimSpace(to)
	if to == "" {
		return errors.New("whatsapp: recipient must not be empty")
	}
	body = Truncate(strings.TrimSpace(body), c.maxChars)
	if body == "" {
		return errors.New("whatsapp: message body must not be empty")
	}
	token, err := c.token.Value(ctx)
	if err != nil {
		return fmt.Errorf("whatsapp: resolve access token: %w", err)
	}

	var out SendMessageResponse
	var apiErr apiErrorBody
	resp, err := c.rest.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetPathParam("phoneNumberID", c.phoneNumberID).
		SetBody(SendMessageRequest{
			MessagingProduct: "whatsapp",
			RecipientType:    "individual",
			To:               to,
			Type:             "text",
			Text:             TextContent{Body: body},
		}).
		SetResult(&out).
		SetError(&apiErr).
		Post("/{phoneNumberID}/messages")
	if err != nil {
		return fmt.Errorf("whatsapp: send request failed: %w", err)
	}
	if resp.IsError() {
		return statusError("send", resp, apiErr)
	}
	return nil
}

// FetchMedia resolves a media id to its download URL and fetches the bytes.
func (c *Client) FetchMedia(ctx context.Context, mediaID string) (domain.Media, error) {
	mediaID = strings.TrimSpace(mediaID)
	if mediaID == "" {
		return domain.Media{}, errors.New("whatsapp: media id must not be empty")
	}
	token, err := c.token.Value(ctx)
	if err != nil {
		return domain.Media{}, fmt.Errorf("whatsapp: resolve access token: %w", err)
	}

	var info mediaInfo
	var apiErr apiErrorBody
	resp, err := c.rest.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetPathParam("mediaID", mediaID).
		SetResult(&info).
		SetError(&apiErr).
		Get("/{mediaID}")
	if err != nil {
		return domain.Media{}, fmt.Errorf("whatsapp: media lookup failed: %w", err)
	}
	if resp.IsError() {
		return domain.Media{}, statusError("media lookup", resp, apiErr)
	}
	if info.URL == "" {
		return domain.Media{}, errors.New("whatsapp: media lookup returned no url")
	}
	if info.FileSize > maxMediaBytes {
		return domain.Media{}, fmt.Errorf("whatsapp: media %s is too large (%d bytes)", mediaID, info.FileSize)
	}

	resp, err = c.rest.R().
		SetContext(ctx).
		SetAuthToken(token).
		Get(info.URL)
	if err != nil {
		return domain.Media{}, fmt.Errorf("whatsapp: media download failed: %w", err)
	}
	if resp.IsError() {
		return domain.Media{}, statusError("media download", resp, apiErrorBody{})
	}
	data := resp.Body()
	if len(data) == 0 {
		return domain.Media{}, errors.New("whatsapp: media download returned no data")
	}
	if len(data) > maxMediaBytes {
		return domain.Media{}, fmt.Errorf("whatsapp: media %s is too large (%d bytes)", mediaID, len(data))
	}

	mimeType := info.MimeType
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	return domain.Media{ID: mediaID, MimeType: mimeType, Data: data}, nil
}

func statusError(op string, resp *resty.Response, body apiErrorBody) error {
	msg := body.Error.Message
	if msg == "" {
		msg = resp.String()
		if len(msg) > 512 {
			msg = msg[:512]
		}
	}
	return &HTTPStatusError{StatusCode: resp.StatusCode(), Op: op, Message: msg}
}

// Truncate cuts s to at most max runes.
func Truncate(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:max]))
}
