package suggest

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"replybot/internal/config"
)

const (
	maxRetries     = 3
	initialBackoff = 500 * time.Millisecond
)

// OpenAI talks to an OpenAI-compatible chat completions and images API.
type OpenAI struct {
	apiKey     string
	baseURL    string
	model      string
	imageModel string
	httpClient *http.Client
}

func NewOpenAI(cfg config.LLMConfig, hc *http.Client) *OpenAI {
	if hc == nil {
		hc = &http.Client{Timeout: 90 * time.Second}
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = "https://api.openai.com/v1"
	}
	return &OpenAI{apiKey: cfg.APIKey, baseURL: base, model: cfg.Model, imageModel: cfg.ImageModel, httpClient: hc}
}

// New picks the generator for the configured provider.
func New(cfg config.LLMConfig) Generator {
	if strings.EqualFold(cfg.Provider, "openai") && cfg.APIKey != "" {
		return NewOpenAI(cfg, nil)
	}
	return Heuristic{}
}

func (o *OpenAI) Model() string { return o.model }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
}

func (o *OpenAI) GenerateText(ctx context.Context, req TextRequest) (TextResult, error) {
	body := chatRequest{
		Model: o.model,
		Messages: []chatMessage{
			{Role: "system", Content: SystemPrompt(req)},
			{Role: "user", Content: UserPrompt(req)},
		},
		Temperature: req.Temperature,
	}
	if req.MaxChars > 0 {
		// Roughly four characters per token, with headroom.
		body.MaxTokens = req.MaxChars/3 + 16
	}
	var out chatResponse
	if err := o.post(ctx, "/chat/completions", body, &out); err != nil {
		return TextResult{}, err
	}
	if len(out.Choices) == 0 {
		return TextResult{}, errors.New("llm returned no choices")
	}
	text := FitLimit(out.Choices[0].Message.Content, req.MaxChars)
	if text == "" {
		return TextResult{}, errors.New("llm returned empty reply")
	}
	return TextResult{Text: text, InputTokens: out.Usage.PromptTokens, OutputTokens: out.Usage.CompletionTokens}, nil
}

type imageRequest struct {
	Model          string `json:"model"`
	Prompt         string `json:"prompt"`
	N              int    `json:"n"`
	Size           string `json:"size"`
	ResponseFormat string `json:"response_format,omitempty"`
}

type imageResponse struct {
	Data []struct {
		B64JSON string `json:"b64_json"`
	} `json:"data"`
}

func (o *OpenAI) GenerateImage(ctx context.Context, prompt string) (Image, error) {
	if o.imageModel == "" {
		return Image{}, ErrImagesUnsupported
	}
	body := imageRequest{Model: o.imageModel, Prompt: prompt, N: 1, Size: "1024x1024"}
	if strings.HasPrefix(o.imageModel, "dall-e") {
		body.ResponseFormat = "b64_json"
	}
	var out imageResponse
	if err := o.post(ctx, "/images/generations", body, &out); err != nil {
		return Image{}, err
	}
	if len(out.Data) == 0 || out.Data[0].B64JSON == "" {
		return Image{}, errors.New("image api returned no data")
	}
	raw, err := base64.StdEncoding.DecodeString(out.Data[0].B64JSON)
	if err != nil {
		return Image{}, fmt.Errorf("decoding image: %w", err)
	}
	return Image{Data: raw, MIMEType: http.DetectContentType(raw)}, nil
}

// rateLimitError is returned on HTTP 429.
type rateLimitError struct {
	status int
}

func (e *rateLimitError) Error() string {
	return fmt.Sprintf("rate limited (HTTP %d)", e.status)
}

func (o *OpenAI) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}
	var lastErr error
	for attempt := range maxRetries {
		err := o.do(ctx, path, body, out)
		if err == nil {
			return nil
		}
		var rl *rateLimitError
		if !errors.As(err, &rl) {
			return err
		}
		lastErr = err
		if attempt < maxRetries-1 {
			backoff := time.Duration(float64(initialBackoff) * math.Pow(2, float64(attempt)))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return fmt.Errorf("rate limited after %d retries: %w", maxRetries, lastErr)
}

func (o *OpenAI) do(ctx context.Context, path string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+o.apiKey)
	req.Header.Set("Content-Type", "application/json")
	resp, err := o.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusTooManyRequests {
		return &rateLimitError{status: resp.StatusCode}
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
