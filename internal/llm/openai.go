package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/edward-labs/edward/internal/apperr"
)

// OpenAI talks to an OpenAI-compatible chat completions endpoint. Any
// provider exposing that surface works; the base URL selects it.
type OpenAI struct {
	baseURL string
	apiKey  string
	model   string
	http    *http.Client
	log     *zap.Logger
}

// OpenAIOptions configures the client.
type OpenAIOptions struct {
	BaseURL string
	APIKey  string
	// Model is the default; Request.Model overrides per call.
	Model   string
	Timeout time.Duration
}

// NewOpenAI builds the client. Timeout bounds a whole call including the
// streamed body; zero means 5 minutes.
func NewOpenAI(opts OpenAIOptions, log *zap.Logger) *OpenAI {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Minute
	}
	return &OpenAI{
		baseURL: strings.TrimSuffix(opts.BaseURL, "/"),
		apiKey:  opts.APIKey,
		model:   opts.Model,
		http:    &http.Client{Timeout: opts.Timeout},
		log:     log,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type chatChoice struct {
	Delta struct {
		Content string `json:"content"`
	} `json:"delta"`
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	FinishReason string `json:"finish_reason"`
}

type chatResponse struct {
	Choices []chatChoice `json:"choices"`
	Error   *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func (c *OpenAI) buildRequest(req Request, stream bool) ([]byte, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}
	msgs := make([]chatMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		msgs = append(msgs, chatMessage{Role: string(m.Role), Content: m.Content})
	}
	return json.Marshal(chatRequest{
		Model:       model,
		Messages:    msgs,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      stream,
	})
}

func (c *OpenAI) post(ctx context.Context, body []byte, stream bool) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInfrastructure, "build llm request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInfrastructure, "call llm endpoint", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		kind := apperr.KindInfrastructure
		if resp.StatusCode == http.StatusTooManyRequests {
			kind = apperr.KindRateLimited
		}
		return nil, apperr.Newf(kind, "llm endpoint returned %d: %s",
			resp.StatusCode, strings.TrimSpace(string(raw))).
			WithCode("llm_http_error")
	}
	return resp, nil
}

// Generate runs a single non-streamed completion.
func (c *OpenAI) Generate(ctx context.Context, req Request) (string, error) {
	body, err := c.buildRequest(req, false)
	if err != nil {
		return "", apperr.Wrap(apperr.KindInfrastructure, "encode llm request", err)
	}
	resp, err := c.post(ctx, body, false)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", apperr.Wrap(apperr.KindInfrastructure, "decode llm response", err)
	}
	if out.Error != nil {
		return "", apperr.Newf(apperr.KindInfrastructure, "llm error: %s", out.Error.Message)
	}
	if len(out.Choices) == 0 {
		return "", apperr.New(apperr.KindInfrastructure, "llm response has no choices")
	}
	return out.Choices[0].Message.Content, nil
}

// Stream runs a streamed completion and forwards content deltas as they
// arrive. The error channel receives at most one terminal error.
func (c *OpenAI) Stream(ctx context.Context, req Request) (<-chan string, <-chan error) {
	chunks := make(chan string)
	errs := make(chan error, 1)

	body, err := c.buildRequest(req, true)
	if err != nil {
		close(chunks)
		errs <- apperr.Wrap(apperr.KindInfrastructure, "encode llm request", err)
		close(errs)
		return chunks, errs
	}

	go func() {
		defer close(chunks)
		defer close(errs)

		resp, err := c.post(ctx, body, true)
		if err != nil {
			errs <- err
			return
		}
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "" {
				continue
			}
			if payload == "[DONE]" {
				return
			}
			var ev chatResponse
			if err := json.Unmarshal([]byte(payload), &ev); err != nil {
				c.log.Warn("skipping malformed llm stream event", zap.Error(err))
				continue
			}
			if ev.Error != nil {
				errs <- apperr.Newf(apperr.KindInfrastructure, "llm error: %s", ev.Error.Message)
				return
			}
			if len(ev.Choices) == 0 {
				continue
			}
			delta := ev.Choices[0].Delta.Content
			if delta == "" {
				continue
			}
			select {
			case chunks <- delta:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
		if err := scanner.Err(); err != nil {
			if ctx.Err() != nil {
				errs <- ctx.Err()
				return
			}
			errs <- apperr.Wrap(apperr.KindInfrastructure, "read llm stream", err)
		}
	}()
	return chunks, errs
}

var _ Client = (*OpenAI)(nil)
var _ Client = (*Scripted)(nil)

// String names the client for logs.
func (c *OpenAI) String() string {
	return fmt.Sprintf("openai-compatible(%s, model=%s)", c.baseURL, c.model)
}
