// Package grok is the client for the Grok web chat upstream.
package grok

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	DefaultBaseURL   = "https://grok.com"
	DefaultAssetsURL = "https://assets.grok.com"

	defaultUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/133.0.0.0 Safari/537.36"

	chatPath      = "/rest/app-chat/conversations/new"
	uploadPath    = "/rest/app-chat/upload-file"
	rateLimitPath = "/rest/rate-limits"

	maxErrorBody = 512
	maxLineSize  = 4 * 1024 * 1024
)

// StatusError is returned when the upstream answers with a non-200 status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("grok: status %d: %s", e.StatusCode, e.Body)
}

// StatusCode extracts the upstream status from err, or 0.
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}

// Client talks to the Grok web API. Every call takes the credential token;
// the client itself holds no credentials.
type Client struct {
	baseURL     string
	assetsURL   string
	cfClearance string
	userAgent   string
	httpClient  *http.Client
}

// ClientOption configures the client.
type ClientOption func(*Client)

// WithBaseURL sets a custom base URL.
func WithBaseURL(url string) ClientOption {
	return func(c *Client) {
		c.baseURL = strings.TrimSuffix(url, "/")
	}
}

// WithAssetsURL sets the host relative asset paths resolve against.
func WithAssetsURL(url string) ClientOption {
	return func(c *Client) {
		c.assetsURL = strings.TrimSuffix(url, "/")
	}
}

// WithCFClearance appends a cf_clearance cookie to every request.
func WithCFClearance(cookie string) ClientOption {
	return func(c *Client) {
		c.cfClearance = cookie
	}
}

// WithUserAgent overrides the browser user agent.
func WithUserAgent(ua string) ClientOption {
	return func(c *Client) {
		if ua != "" {
			c.userAgent = ua
		}
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = client
	}
}

// NewClient creates a new Grok client. Chat streams are unbounded in
// length, so the default HTTP client has no timeout; callers bound
// exchanges with their context.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL:   DefaultBaseURL,
		assetsURL: DefaultAssetsURL,
		userAgent: defaultUserAgent,
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AssetsURL returns the configured assets host.
func (c *Client) AssetsURL() string {
	return c.assetsURL
}

// Cookie composes the cookie header for a token.
func (c *Client) Cookie(token string) string {
	if c.cfClearance == "" {
		return token
	}
	return token + ";" + c.cfClearance
}

func (c *Client) newRequest(ctx context.Context, path, token string, body any) (*http.Request, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Cookie", c.Cookie(token))
	req.Header.Set("Origin", c.baseURL)
	req.Header.Set("Referer", c.baseURL+"/")
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("x-xai-request-id", uuid.NewString())
	return req, nil
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return resp, nil
}

// Chat opens a new conversation and returns its response stream. The
// stream is tied to ctx; canceling it aborts the exchange.
func (c *Client) Chat(ctx context.Context, token string, payload *ChatPayload) (*Stream, error) {
	req, err := c.newRequest(ctx, chatPath, token, payload)
	if err != nil {
		return nil, err
	}

	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return &Stream{body: resp.Body, scanner: scanner}, nil
}

// InputFile is an image to attach to a conversation.
type InputFile struct {
	Name     string
	MimeType string
	Data     []byte
}

// Upload stores a file with the provider for use as an attachment.
func (c *Client) Upload(ctx context.Context, token string, file InputFile) (Attachment, error) {
	body := map[string]string{
		"fileName":     file.Name,
		"fileMimeType": file.MimeType,
		"content":      base64.StdEncoding.EncodeToString(file.Data),
	}
	req, err := c.newRequest(ctx, uploadPath, token, body)
	if err != nil {
		return Attachment{}, err
	}

	resp, err := c.do(req)
	if err != nil {
		return Attachment{}, err
	}
	defer resp.Body.Close()

	var a Attachment
	if err := json.NewDecoder(resp.Body).Decode(&a); err != nil {
		return Attachment{}, fmt.Errorf("failed to decode upload response: %w", err)
	}
	if a.FileID == "" {
		return Attachment{}, errors.New("grok: upload response has no file id")
	}
	return a, nil
}

// Probe asks for the token's rate-limit status and returns the HTTP status.
// A non-nil error means the upstream could not be reached.
func (c *Client) Probe(ctx context.Context, token string) (int, error) {
	body := map[string]string{"requestKind": "DEFAULT", "modelName": "grok-3"}
	req, err := c.newRequest(ctx, rateLimitPath, token, body)
	if err != nil {
		return 0, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	return resp.StatusCode, nil
}

// Stream reads NDJSON lines from a chat response.
type Stream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
}

// Next returns the next non-empty line, or io.EOF when the stream ends.
// The returned slice is only valid until the following call.
func (s *Stream) Next() ([]byte, error) {
	for s.scanner.Scan() {
		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		return line, nil
	}
	if err := s.scanner.Err(); err != nil {
		return nil, fmt.Errorf("stream read error: %w", err)
	}
	return nil, io.EOF
}

// Close releases the underlying connection.
func (s *Stream) Close() error {
	return s.body.Close()
}
