// Package completion is a minimal client for OpenAI-compatible chat
// completion endpoints, used for the paid note operations.
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

	"go.uber.org/zap"
	"golang.org/x/text/language"
	"golang.org/x/text/language/display"
)

var (
	ErrNotConfigured = errors.New("completion service not configured")
	ErrEmptyInput    = errors.New("text is empty")
	ErrEmptyResponse = errors.New("completion service returned no choices")
)

// Config configures the client.
type Config struct {
	BaseURL string        // e.g. https://api.openai.com/v1
	APIKey  string
	Model   string
	Timeout time.Duration
}

// Client talks to one completion endpoint.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *zap.Logger
}

// New creates a client. An empty BaseURL yields a client whose calls all
// return ErrNotConfigured.
func New(cfg Config, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger.Named("completion"),
	}
}

// Result is one completion.
type Result struct {
	Text             string `json:"text"`
	Model            string `json:"model"`
	PromptTokens     int    `json:"promptTokens"`
	CompletionTokens int    `json:"completionTokens"`
}

// ─── Wire Types ─────────────────────────────────────────────────────────────

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []message `json:"messages"`
	Temperature float64   `json:"temperature"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message message `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// ─── Operations ─────────────────────────────────────────────────────────────

const polishPrompt = "You edit transcribed voice notes. Fix grammar, punctuation and " +
	"filler words while keeping the speaker's meaning and tone. Reply with the edited text only."

// Polish cleans up a transcript.
func (c *Client) Polish(ctx context.Context, text string) (Result, error) {
	return c.Complete(ctx, polishPrompt, text)
}

// Translate translates text into targetLanguage.
func (c *Client) Translate(ctx context.Context, text, targetLanguage string) (Result, error) {
	if strings.TrimSpace(targetLanguage) == "" {
		return Result{}, errors.New("target language is required")
	}
	prompt := fmt.Sprintf("Translate the user's note into %s. Reply with the translation only.", LanguageName(targetLanguage))
	return c.Complete(ctx, prompt, text)
}

// LanguageName turns a BCP 47 tag such as "es" or "pt-BR" into its English
// name. Anything that does not parse as a tag is returned trimmed, so
// "Spanish" passes through unchanged.
func LanguageName(lang string) string {
	lang = strings.TrimSpace(lang)
	tag, err := language.Parse(lang)
	if err != nil {
		return lang
	}
	if name := display.English.Tags().Name(tag); name != "" {
		return name
	}
	return lang
}

// Complete runs one system+user exchange. An empty system prompt is
// left out of the request.
func (c *Client) Complete(ctx context.Context, system, user string) (Result, error) {
	if c.cfg.BaseURL == "" {
		return Result{}, ErrNotConfigured
	}
	if strings.TrimSpace(user) == "" {
		return Result{}, ErrEmptyInput
	}

	msgs := make([]message, 0, 2)
	if system != "" {
		msgs = append(msgs, message{Role: "system", Content: system})
	}
	msgs = append(msgs, message{Role: "user", Content: user})

	body, err := json.Marshal(chatRequest{
		Model:       c.cfg.Model,
		Messages:    msgs,
		Temperature: 0.3,
	})
	if err != nil {
		return Result{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("completion request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return Result{}, fmt.Errorf("read completion response: %w", err)
	}

	var out chatResponse
	decodeErr := json.Unmarshal(raw, &out)
	if resp.StatusCode != http.StatusOK {
		msg := strings.TrimSpace(string(raw))
		if decodeErr == nil && out.Error != nil {
			msg = out.Error.Message
		}
		return Result{}, fmt.Errorf("completion service: %s: %s", resp.Status, msg)
	}
	if decodeErr != nil {
		return Result{}, fmt.Errorf("decode completion response: %w", decodeErr)
	}
	if len(out.Choices) == 0 {
		return Result{}, ErrEmptyResponse
	}

	c.logger.Debug("completion done",
		zap.String("model", out.Model),
		zap.Duration("took", time.Since(start)),
		zap.Int("prompt_tokens", out.Usage.PromptTokens),
		zap.Int("completion_tokens", out.Usage.CompletionTokens))

	return Result{
		Text:             strings.TrimSpace(out.Choices[0].Message.Content),
		Model:            out.Model,
		PromptTokens:     out.Usage.PromptTokens,
		CompletionTokens: out.Usage.CompletionTokens,
	}, nil
}
