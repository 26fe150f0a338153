package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	sdk "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/packages/ssestream"
	"github.com/openai/openai-go/v2/shared"

	"tutor-assistant/internal/domain"
)

const defaultBaseURL = "https://api.openai.com/v1"

// tokenPayload is the expected JSON shape stored in SSM for the API token.
type tokenPayload struct {
	Token string `json:"token"`
}

type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("openai: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client is a focused OpenAI-compatible client for streamed chat completions
// and moderation.
type Client struct {
	baseURL         string
	httpClient      *http.Client
	getter          Getter
	paramPrefix     string
	maxAnswerTokens int

	sdkMu sync.RWMutex
	sdk   *sdk.Client
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		if baseURL = strings.TrimSpace(baseURL); baseURL != "" {
			c.baseURL = baseURL
		}
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithMaxAnswerTokens caps the completion length sent as max_completion_tokens.
func WithMaxAnswerTokens(n int) Option {
	return func(c *Client) {
		c.maxAnswerTokens = n
	}
}

// NewClient creates a new Client backed by the given paramstore.Getter for
// API key retrieval. The key is fetched from SSM on the first call to Stream
// or Moderate and reused for the lifetime of the process.
func NewClient(ps Getter, paramPrefix string, opts ...Option) (*Client, error) {
	if ps == nil {
		return nil, errors.New("openai: paramstore getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("openai: parameter prefix must not be empty")
	}
	c := &Client{
		baseURL:     defaultBaseURL,
		httpClient:  defaultHTTPClient(),
		getter:      ps,
		paramPrefix: paramPrefix,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// defaultHTTPClient bounds the wait for response headers but not the body, so
// long answers can keep streaming until the request context ends.
func defaultHTTPClient() *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = 30 * time.Second
	return &http.Client{Transport: transport}
}

// resolveClient fetches the API key from SSM on the first successful call and
// returns the cached SDK client afterwards. A failed fetch is not cached, so
// the next request tries again.
func (c *Client) resolveClient(ctx context.Context) (*sdk.Client, error) {
	c.sdkMu.RLock()
	cached := c.sdk
	c.sdkMu.RUnlock()
	if cached != nil {
		return cached, nil
	}

	c.sdkMu.Lock()
	defer c.sdkMu.Unlock()
	if c.sdk != nil {
		return c.sdk, nil
	}

	apiKey, err := fetchAPIKeyFromParamStore(ctx, c.getter, c.tokenParameterName())
	if err != nil {
		return nil, err
	}
	httpClient := c.httpClient
	if httpClient == nil {
		httpClient = defaultHTTPClient()
	}
	client := sdk.NewClient(
		option.WithAPIKey(apiKey),
		option.WithBaseURL(c.baseURL),
		option.WithHTTPClient(httpClient),
		// A failed answer is retried by the caller as a whole request.
		option.WithMaxRetries(0),
	)
	c.sdk = &client
	return c.sdk, nil
}

func (c *Client) tokenParameterName() string {
	return c.paramPrefix + "/open-ai-token"
}

func chatURL(baseURL string) string {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	return base + "/chat/completions"
}

// Stream starts a streamed chat completion with usage reporting enabled. The
// request is issued immediately; transport and status failures surface from
// the returned stream's Err.
func (c *Client) Stream(ctx context.Context, model string, messages []domain.ChatMessage) (domain.ChatStream, error) {
	if model == "" {
		return nil, errors.New("openai: model must not be empty")
	}
	if len(messages) == 0 {
		return nil, errors.New("openai: messages must not be empty")
	}

	client, err := c.resolveClient(ctx)
	if err != nil {
		return nil, err
	}

	params := sdk.ChatCompletionNewParams{
		Model:    shared.ChatModel(model),
		Messages: toSDKMessages(messages),
		StreamOptions: sdk.ChatCompletionStreamOptionsParam{
			IncludeUsage: sdk.Bool(true),
		},
	}
	if c.maxAnswerTokens > 0 {
		params.MaxCompletionTokens = sdk.Int(int64(c.maxAnswerTokens))
	}

	return &stream{
		raw: client.Chat.Completions.NewStreaming(ctx, params),
		url: chatURL(c.baseURL),
	}, nil
}

func toSDKMessages(messages []domain.ChatMessage) []sdk.ChatCompletionMessageParamUnion {
	out := make([]sdk.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case domain.RoleSystem:
			out = append(out, sdk.SystemMessage(m.Content))
		case domain.RoleAssistant:
			out = append(out, sdk.AssistantMessage(m.Content))
		default:
			out = append(out, sdk.UserMessage(m.Content))
		}
	}
	return out
}

// stream adapts the SDK's SSE stream to domain.ChatStream. Chunks carrying
// neither text nor usage (role headers, finish markers) are skipped.
type stream struct {
	raw     *ssestream.Stream[sdk.ChatCompletionChunk]
	url     string
	current domain.StreamChunk
}

func (s *stream) Next() bool {
	for s.raw.Next() {
		chunk := s.raw.Current()

		var next domain.StreamChunk
		if len(chunk.Choices) > 0 {
			next.Delta = chunk.Choices[0].Delta.Content
		}
		if chunk.JSON.Usage.Valid() {
			next.Usage = &domain.Usage{
				PromptTokens:     int(chunk.Usage.PromptTokens),
				CompletionTokens: int(chunk.Usage.CompletionTokens),
			}
		}
		if next.Delta == "" && next.Usage == nil {
			continue
		}
		s.current = next
		return true
	}
	return false
}

func (s *stream) Chunk() domain.StreamChunk {
	return s.current
}

func (s *stream) Err() error {
	err := s.raw.Err()
	if err == nil {
		return nil
	}
	return fmt.Errorf("openai: stream failed: %w", statusError(err, s.url))
}

func (s *stream) Close() error {
	return s.raw.Close()
}

func moderationURL(baseURL string) string {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	return base + "/moderations"
}

// Moderate calls the OpenAI Moderations API and returns true if the input is flagged.
func (c *Client) Moderate(ctx context.Context, input string) (bool, error) {
	client, err := c.resolveClient(ctx)
	if err != nil {
		return false, err
	}

	resp, err := client.Moderations.New(ctx, sdk.ModerationNewParams{
		Input: sdk.ModerationNewParamsInputUnion{OfString: sdk.String(input)},
	})
	if err != nil {
		return false, fmt.Errorf("openai: moderation request failed: %w", statusError(err, moderationURL(c.baseURL)))
	}
	if resp == nil || len(resp.Results) == 0 {
		return false, errors.New("openai: no results in moderation response")
	}
	return resp.Results[0].Flagged, nil
}

// statusError converts SDK API errors into *HTTPStatusError so callers can map
// status codes without importing the SDK.
func statusError(err error, url string) error {
	var apiErr *sdk.Error
	if !errors.As(err, &apiErr) {
		return err
	}
	return &HTTPStatusError{
		StatusCode: apiErr.StatusCode,
		URL:        url,
		Body:       apiErr.Message,
	}
}

func fetchAPIKeyFromParamStore(ctx context.Context, getter Getter, name string) (string, error) {
	if getter == nil {
		return "", errors.New("openai: paramstore getter is nil")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("openai: token parameter name is empty")
	}

	raw, err := getter.GetParameter(ctx, name)
	if err != nil {
		return "", fmt.Errorf("openai: fetch token from paramstore: %w", err)
	}
	var tp tokenPayload
	if err := json.Unmarshal([]byte(raw), &tp); err != nil {
		return "", fmt.Errorf("openai: unmarshal paramstore token value as JSON: %w", err)
	}
	if tp.Token == "" {
		return "", fmt.Errorf("openai: API token is empty")
	}
	return tp.Token, nil
}
