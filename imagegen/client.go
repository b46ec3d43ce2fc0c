// Package imagegen issues single image-generation requests to a remote
// service and decodes the base64 payload into a pixel buffer.
//
// The client is deliberately thin: one request per Generate call, no retry
// logic, no cache or queue side effects. Retries and fallbacks are the
// queue's responsibility, where the fallback decision table lives in one
// place.
package imagegen

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hazyhaar/lanterne/frame"
	"github.com/hazyhaar/lanterne/idgen"
)

// Client talks to an OpenAI-compatible image generation endpoint
// (POST <base_url>/v1/images/generations with a b64_json response).
type Client struct {
	baseURL string
	apiKey  string
	model   string
	size    string
	http    *http.Client
	logger  *slog.Logger
	newID   idgen.Generator
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying *http.Client (e.g. for custom
// timeouts or test transports).
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithIDGenerator sets the generator used for image IDs.
func WithIDGenerator(gen idgen.Generator) Option {
	return func(c *Client) { c.newID = gen }
}

// New creates a Client. size is the generation resolution in "WxH" form
// (e.g. "1024x1024"); it is fixed per client, matching the pipeline's fixed
// generation resolution.
func New(baseURL, apiKey, model, size string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		model:   model,
		size:    size,
		http:    &http.Client{Timeout: 120 * time.Second},
		logger:  slog.Default(),
		newID:   idgen.Prefixed("img_", idgen.Default),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type generateRequest struct {
	Model          string `json:"model"`
	Prompt         string `json:"prompt"`
	N              int    `json:"n"`
	Size           string `json:"size"`
	ResponseFormat string `json:"response_format"`
}

type generateResponse struct {
	Data []struct {
		B64JSON string `json:"b64_json"`
	} `json:"data"`
}

// Generate requests one image for the given prompt. It may block for the
// duration of a network round trip; cancel through ctx. Errors are one of
// *NetworkError, *DecodeError, *QuotaError.
func (c *Client) Generate(ctx context.Context, prompt string) (*frame.Image, error) {
	body, err := json.Marshal(generateRequest{
		Model:          c.model,
		Prompt:         prompt,
		N:              1,
		Size:           c.size,
		ResponseFormat: "b64_json",
	})
	if err != nil {
		return nil, &DecodeError{Stage: "json", Cause: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/images/generations", bytes.NewReader(body))
	if err != nil {
		return nil, &NetworkError{Op: "build request", Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &NetworkError{Op: "request", Cause: err}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusTooManyRequests:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &QuotaError{StatusCode: resp.StatusCode, Body: string(msg)}
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &NetworkError{
			Op:    "request",
			Cause: fmt.Errorf("status %d: %s", resp.StatusCode, string(msg)),
		}
	}

	var parsed generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, &DecodeError{Stage: "json", Cause: err}
	}
	if len(parsed.Data) == 0 || parsed.Data[0].B64JSON == "" {
		return nil, &DecodeError{Stage: "json", Cause: fmt.Errorf("empty data array")}
	}

	encoded, err := base64.StdEncoding.DecodeString(parsed.Data[0].B64JSON)
	if err != nil {
		return nil, &DecodeError{Stage: "base64", Cause: err}
	}

	buf, err := frame.Decode(encoded)
	if err != nil {
		return nil, &DecodeError{Stage: "image", Cause: err}
	}

	img := &frame.Image{
		ID:        c.newID(),
		Buffer:    buf,
		Encoded:   encoded,
		CreatedAt: time.Now(),
		Prompt:    prompt,
	}
	c.logger.Debug("image generated",
		"id", img.ID,
		"width", buf.Width,
		"height", buf.Height,
		"duration_ms", time.Since(start).Milliseconds())
	return img, nil
}
