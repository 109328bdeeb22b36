// Package plantnet identifies plants from photos with the Pl@ntNet API.
package plantnet

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultBaseURL = "https://my-api.plantnet.org"
	DefaultProject = "all"
	DefaultTimeout = 30 * time.Second

	// MaxImageSize is checked before anything is sent.
	MaxImageSize = 7 * 1024 * 1024

	maxResponseSize = 4 * 1024 * 1024
)

var ErrImageTooLarge = errors.New("image exceeds maximum upload size")

// Error is a failed identification with a message meant for the user.
type Error struct {
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

type Config struct {
	APIKey  string
	BaseURL string
	Project string
	Timeout time.Duration
}

type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *zap.Logger
}

func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	if cfg.Project == "" {
		cfg.Project = DefaultProject
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
	}
}

type Species struct {
	ScientificNameWithoutAuthor string   `json:"scientificNameWithoutAuthor"`
	CommonNames                 []string `json:"commonNames"`
	Family                      struct {
		ScientificNameWithoutAuthor string `json:"scientificNameWithoutAuthor"`
	} `json:"family"`
	Genus struct {
		ScientificNameWithoutAuthor string `json:"scientificNameWithoutAuthor"`
	} `json:"genus"`
}

type Match struct {
	Score   float64 `json:"score"`
	Species Species `json:"species"`
}

type identifyResponse struct {
	Results []Match `json:"results"`
}

// Result is the best match of an identification. Identified is false when
// the service found no candidate, which is not an error.
type Result struct {
	Identified bool
	Best       Match
	Candidates int
}

func (r *Result) String() string {
	if !r.Identified {
		return "Sorry, I could not identify this plant. Please try with a clearer image that shows the entire plant or specific parts like leaves, flowers, or fruits."
	}

	commonNames := "no common name available"
	if len(r.Best.Species.CommonNames) > 0 {
		commonNames = strings.Join(r.Best.Species.CommonNames, ", ")
	}

	return fmt.Sprintf("I identified this plant as %s (%s).\nFamily: %s\nGenus: %s\nConfidence: %d%%",
		r.Best.Species.ScientificNameWithoutAuthor,
		commonNames,
		r.Best.Species.Family.ScientificNameWithoutAuthor,
		r.Best.Species.Genus.ScientificNameWithoutAuthor,
		int(math.Round(r.Best.Score*100)))
}

func (c *Client) endpoint() string {
	q := url.Values{}
	q.Set("api-key", c.cfg.APIKey)
	return fmt.Sprintf("%s/v2/identify/%s?%s", c.cfg.BaseURL, url.PathEscape(c.cfg.Project), q.Encode())
}

// Identify sends one photo and returns the best match.
func (c *Client) Identify(ctx context.Context, filename string, image []byte) (*Result, error) {
	if len(image) > MaxImageSize {
		return nil, &Error{Message: "Image file is too large. Maximum size is 7MB.", Err: ErrImageTooLarge}
	}

	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	if err := form.WriteField("organs", "auto"); err != nil {
		return nil, fmt.Errorf("failed to build form: %w", err)
	}
	part, err := form.CreateFormFile("images", filename)
	if err != nil {
		return nil, fmt.Errorf("failed to build form: %w", err)
	}
	if _, err := part.Write(image); err != nil {
		return nil, fmt.Errorf("failed to build form: %w", err)
	}
	if err := form.Close(); err != nil {
		return nil, fmt.Errorf("failed to build form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(), &body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", form.FormDataContentType())
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("Plant identification request failed", zap.Error(err))
		return nil, transportError(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, transportError(err)
	}

	if resp.StatusCode != http.StatusOK {
		c.logger.Error("Plant identification failed",
			zap.Int("status", resp.StatusCode),
			zap.ByteString("body", data))
		return nil, statusError(resp.StatusCode, data)
	}

	var parsed identifyResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, &Error{
			Status:  resp.StatusCode,
			Message: fmt.Sprintf("Failed to identify plant: %v", err),
			Err:     err,
		}
	}

	if len(parsed.Results) == 0 {
		return &Result{Identified: false}, nil
	}

	return &Result{
		Identified: true,
		Best:       parsed.Results[0],
		Candidates: len(parsed.Results),
	}, nil
}

func statusError(status int, body []byte) *Error {
	e := &Error{Status: status}
	switch status {
	case http.StatusTooManyRequests:
		e.Message = "Too many requests. Please wait a moment and try again."
	case http.StatusRequestEntityTooLarge:
		e.Message = "Image file is too large. Please use a smaller image."
	case http.StatusBadRequest:
		e.Message = "Invalid request. Please ensure you're uploading a valid image file."
	case http.StatusUnauthorized, http.StatusForbidden:
		e.Message = "API authentication failed. Please try again later."
	default:
		var apiErr struct {
			Message string `json:"message"`
		}
		detail := fmt.Sprintf("status %d", status)
		if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Message != "" {
			detail = apiErr.Message
		}
		e.Message = "API request failed: " + detail
	}
	return e
}

func transportError(err error) *Error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &Error{Message: "Request timed out. Please try again.", Err: err}
	}
	return &Error{
		Message: "No response received from the server. Please check your internet connection and try again.",
		Err:     err,
	}
}
