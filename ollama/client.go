// Package ollama is the client for the local AI completion engine. It
// streams token-by-token generation from the Ollama HTTP API and separates
// "thinking" traces from answer text as tokens arrive.
package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// DefaultHost is the default Ollama server address.
const DefaultHost = "http://localhost:11434"

// DefaultTimeout bounds a whole streaming generation.
const DefaultTimeout = 5 * time.Minute

// Config configures the Ollama client.
type Config struct {
	Host       string        // Server address (default: DefaultHost)
	HTTPClient *http.Client  // Client for streaming calls (default: no per-request timeout)
	Timeout    time.Duration // Per-generation timeout (default: 5m)
	MaxRetries int           // Retries for non-streaming calls (default: 3)
}

// Client talks to an Ollama server.
type Client struct {
	host    string
	http    *http.Client
	retry   *retryablehttp.Client
	timeout time.Duration
}

// New creates a client. Streaming requests use a plain HTTP client (a retry
// would silently re-issue a generation mid-stream); model listing and health
// checks retry transient failures.
func New(cfg Config) *Client {
	host := strings.TrimRight(cfg.Host, "/")
	if host == "" {
		host = DefaultHost
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		// No Timeout here: it would cap the whole stream. Deadlines come
		// from the request context instead.
		httpClient = &http.Client{}
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	retry := retryablehttp.NewClient()
	retry.Logger = nil
	retry.RetryMax = cfg.MaxRetries
	if retry.RetryMax == 0 {
		retry.RetryMax = 3
	}

	return &Client{
		host:    host,
		http:    httpClient,
		retry:   retry,
		timeout: timeout,
	}
}

// Host returns the configured server address.
func (c *Client) Host() string {
	return c.host
}

// GenerateRequest describes one streaming generation.
type GenerateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

// Token is one unit of streamed output.
type Token struct {
	Text     string // Token text
	Thinking bool   // True for chain-of-thought spans
}

// TokenFunc receives tokens as they arrive. Returning an error stops the
// stream.
type TokenFunc func(Token) error

// Result is the accumulated output of a completed generation.
type Result struct {
	Answer   string        // Final answer text
	Thinking string        // Separated thinking trace, if any
	Model    string        // Model that produced it
	Duration time.Duration // Wall time of the stream
}

// generateChunk is one NDJSON line from /api/generate.
type generateChunk struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error"`
}

// Stream runs one generation, forwarding tokens as they arrive and
// returning the accumulated result. Cancellation via ctx is cooperative:
// the server-side generation stops when the connection drops, and the
// returned error is ctx.Err().
func (c *Client) Stream(ctx context.Context, req GenerateRequest, emit TokenFunc) (*Result, error) {
	req.Stream = true

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.host+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, classifyTransport(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp)
	}

	var answer, thinking strings.Builder
	splitter := &thinkSplitter{}

	forward := func(toks []Token) error {
		for _, tok := range toks {
			if tok.Thinking {
				thinking.WriteString(tok.Text)
			} else {
				answer.WriteString(tok.Text)
			}
			if emit != nil {
				if err := emit(tok); err != nil {
					return err
				}
			}
		}
		return nil
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var chunk generateChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			return nil, fmt.Errorf("decode stream: %w", err)
		}
		if chunk.Error != "" {
			return nil, classifyMessage(chunk.Error)
		}
		if chunk.Response != "" {
			if err := forward(splitter.feed(chunk.Response)); err != nil {
				return nil, err
			}
		}
		if chunk.Done {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, classifyTransport(ctx, err)
	}

	if err := forward(splitter.flush()); err != nil {
		return nil, err
	}

	return &Result{
		Answer:   strings.TrimSpace(answer.String()),
		Thinking: strings.TrimSpace(thinking.String()),
		Model:    req.Model,
		Duration: time.Since(start),
	}, nil
}

// ModelInfo describes one installed model.
type ModelInfo struct {
	Name       string    `json:"name"`
	Size       int64     `json:"size"`
	ModifiedAt time.Time `json:"modified_at"`
}

// ListModels returns the models installed on the server.
func (c *Client) ListModels(ctx context.Context) ([]ModelInfo, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.host+"/api/tags", nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.retry.Do(req)
	if err != nil {
		return nil, classifyTransport(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp)
	}

	var parsed struct {
		Models []ModelInfo `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode models: %w", err)
	}
	return parsed.Models, nil
}

// Ping checks that the server is reachable.
func (c *Client) Ping(ctx context.Context) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.host+"/api/version", nil)
	if err != nil {
		return err
	}

	resp, err := c.retry.Do(req)
	if err != nil {
		return classifyTransport(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return classifyStatus(resp)
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

// classifyTransport maps a transport-level error to the taxonomy.
func classifyTransport(ctx context.Context, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	case errors.Is(ctx.Err(), context.Canceled):
		return ctx.Err()
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	default:
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
}

// classifyStatus maps a non-200 response to the taxonomy, draining the body
// for the server's message.
func classifyStatus(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var parsed struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(data))
	if json.Unmarshal(data, &parsed) == nil && parsed.Error != "" {
		msg = parsed.Error
	}

	sentinel := ErrUnreachable
	if resp.StatusCode == http.StatusNotFound || strings.Contains(strings.ToLower(msg), "not found") {
		sentinel = ErrModelNotFound
	}
	return &APIError{StatusCode: resp.StatusCode, Message: msg, Err: sentinel}
}

// classifyMessage maps an in-stream error message to the taxonomy.
func classifyMessage(msg string) error {
	sentinel := ErrUnreachable
	if strings.Contains(strings.ToLower(msg), "not found") {
		sentinel = ErrModelNotFound
	}
	return &APIError{StatusCode: http.StatusOK, Message: msg, Err: sentinel}
}
