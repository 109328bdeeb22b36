// Package completion talks to an OpenAI compatible chat completion endpoint.
//
// Stream delivers the reply as a lazy sequence of text deltas decoded from
// the "data: " line protocol; Complete is the single-payload variant.
package completion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/xaenox/avo-bot/internal/models"
	"go.uber.org/zap"
)

const (
	DefaultBaseURL   = "https://api.deepseek.com/v1"
	DefaultModel     = "deepseek-chat"
	DefaultMaxTokens = 2000

	// maxErrorBody bounds how much of a failed response is read.
	maxErrorBody = 1 << 20
)

type Config struct {
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int
	Persona   string
	// Timeout bounds a Complete call as a whole, and for streams the wait
	// for headers and the silence between two chunks.
	Timeout time.Duration
}

// Request is one user turn together with everything that shapes the reply.
type Request struct {
	RequestID string
	History   []models.Message
	Prompt    string
	Language  string
	Documents []models.Document
}

type Client struct {
	cfg        Config
	httpClient *http.Client
	api        *openai.Client
	logger     *zap.Logger
}

// NewClient builds a client. httpClient may be nil.
func NewClient(cfg Config, httpClient *http.Client, logger *zap.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.Persona == "" {
		cfg.Persona = DefaultPersona
	}
	if httpClient == nil {
		// No client timeout: streams can legitimately run for a long time.
		httpClient = &http.Client{}
	}

	apiConfig := openai.DefaultConfig(cfg.APIKey)
	apiConfig.BaseURL = cfg.BaseURL
	apiConfig.HTTPClient = httpClient

	return &Client{
		cfg:        cfg,
		httpClient: httpClient,
		api:        openai.NewClientWithConfig(apiConfig),
		logger:     logger,
	}
}

func (c *Client) buildRequest(req Request, stream bool) openai.ChatCompletionRequest {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.History)+2)
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: SystemPrompt(c.cfg.Persona, req.Language, req.Documents),
	})
	for _, m := range req.History {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    string(m.Role),
			Content: m.Content,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.Prompt,
	})

	return openai.ChatCompletionRequest{
		Model:       c.cfg.Model,
		Messages:    messages,
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: Temperature(req.Language),
		Stream:      stream,
	}
}

// Stream sends the request and returns the reply as a Stream. A non-success
// status fails the whole call and no Stream is returned.
func (c *Client) Stream(ctx context.Context, req Request) (*Stream, error) {
	body, err := json.Marshal(c.buildRequest(req, true))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	idle := newWatchdog(c.cfg.Timeout, cancel)

	httpReq, err := http.NewRequestWithContext(streamCtx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		idle.Stop()
		cancel()
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	httpReq.Header.Set("Accept", "text/event-stream")

	logger := c.logger.With(zap.String("request_id", req.RequestID))
	logger.Debug("Sending completion request",
		zap.String("model", c.cfg.Model),
		zap.Int("history", len(req.History)),
		zap.Int("documents", len(req.Documents)))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		idle.Stop()
		cancel()
		if idle.Fired() {
			return nil, timeoutError(err)
		}
		return nil, transportError(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer cancel()
		defer idle.Stop()
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		statusErr := errorFromBody(resp.StatusCode, data)
		logger.Error("Completion request failed",
			zap.Int("status", resp.StatusCode),
			zap.String("message", statusErr.Message))
		return nil, statusErr
	}

	stream := newStream(ctx, resp.Body, logger)
	stream.cancel = cancel
	stream.watchdog = idle
	idle.Reset()
	return stream, nil
}

// StreamText consumes a whole stream, calling onPartial with the accumulated
// text after every delta, and returns the final text. A stream that ends
// without any text is a Malformed error.
func (c *Client) StreamText(ctx context.Context, req Request, onPartial func(partial string)) (string, error) {
	stream, err := c.Stream(ctx, req)
	if err != nil {
		return "", err
	}
	defer stream.Close()

	for {
		_, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			if stream.Text() == "" {
				c.logger.Warn("Completion stream carried no text", zap.String("request_id", req.RequestID))
				return "", emptyReplyError()
			}
			return stream.Text(), nil
		}
		if err != nil {
			return stream.Text(), err
		}
		if onPartial != nil {
			onPartial(stream.Text())
		}
	}
}

// Complete requests the whole reply as a single payload.
func (c *Client) Complete(ctx context.Context, req Request) (string, error) {
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	resp, err := c.api.CreateChatCompletion(ctx, c.buildRequest(req, false))
	if err != nil {
		classified := classifyError(err)
		c.logger.Error("Completion request failed",
			zap.String("request_id", req.RequestID),
			zap.Stringer("kind", classified.Kind),
			zap.Error(err))
		return "", classified
	}

	if len(resp.Choices) == 0 {
		return "", &Error{Kind: KindMalformed, Message: "malformed response: no choices returned"}
	}
	if resp.Choices[0].Message.Content == "" {
		return "", emptyReplyError()
	}
	return resp.Choices[0].Message.Content, nil
}

func transportError(err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return timeoutError(err)
	}
	return &Error{Kind: KindTransport, Message: fmt.Sprintf("request failed: %v", err), Err: err}
}

func timeoutError(err error) *Error {
	return &Error{Kind: KindTransport, Message: "request timed out", Err: err}
}

func emptyReplyError() *Error {
	return &Error{Kind: KindMalformed, Message: "malformed response: empty reply"}
}

// errorFromBody extracts error.message from a failed response, falling back
// to a message naming the status.
func errorFromBody(status int, body []byte) *Error {
	var apiErr apiErrorResponse
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error.Message != "" {
		return &Error{Kind: KindStatus, Status: status, Message: apiErr.Error.Message}
	}
	return &Error{Kind: KindStatus, Status: status, Message: statusMessage(status)}
}

func classifyError(err error) *Error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		msg := apiErr.Message
		if msg == "" {
			msg = statusMessage(apiErr.HTTPStatusCode)
		}
		return &Error{Kind: KindStatus, Status: apiErr.HTTPStatusCode, Message: msg, Err: err}
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return &Error{Kind: KindStatus, Status: reqErr.HTTPStatusCode, Message: statusMessage(reqErr.HTTPStatusCode), Err: err}
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) || errors.Is(err, io.ErrUnexpectedEOF) {
		return &Error{Kind: KindMalformed, Message: fmt.Sprintf("malformed response: %v", err), Err: err}
	}

	return transportError(err)
}
