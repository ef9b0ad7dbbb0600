package suggest

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"

	"media-alt-batcher/internal/cms"
	"media-alt-batcher/internal/ratelimit"
	"media-alt-batcher/internal/telemetry"
)

const defaultModel = "gpt-4o-mini"

// ErrAPIKeyNotSet means the OPENAI_API_KEY environment variable is missing.
var ErrAPIKeyNotSet = errors.New("OpenAI API key not set: set OPENAI_API_KEY")

// ErrRateLimited is returned when the local token bucket has no capacity.
// The batch engine treats it like any handler failure and retries with
// backoff, which is exactly the pacing we want against the AI API.
var ErrRateLimited = errors.New("suggestion rate limit reached, retry later")

const prompt = `You are an accessibility assistant for a content-management site.
Describe the attached image as concise alt text (under 125 characters, no
"image of" prefix) and pick the best matching folder from the list if one
fits. Respond with a JSON object: {"alt_text": string, "folder": string,
"confidence": number between 0 and 1}.`

// OpenAIClient implements Suggester with a vision chat completion.
type OpenAIClient struct {
	client  openai.Client
	model   string
	timeout time.Duration
	limiter *ratelimit.TokenBucket
	folders []string
}

// Option configures an OpenAIClient.
type Option func(*OpenAIClient)

// WithModel overrides the default model.
func WithModel(model string) Option {
	return func(c *OpenAIClient) {
		if model != "" {
			c.model = model
		}
	}
}

// WithTimeout bounds each API call.
func WithTimeout(d time.Duration) Option {
	return func(c *OpenAIClient) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithRateLimit guards calls with a local token bucket.
func WithRateLimit(limiter *ratelimit.TokenBucket) Option {
	return func(c *OpenAIClient) { c.limiter = limiter }
}

// WithFolders names the candidate folders offered to the model.
func WithFolders(folders []string) Option {
	return func(c *OpenAIClient) { c.folders = folders }
}

// NewOpenAIClient reads the API key from OPENAI_API_KEY.
func NewOpenAIClient(opts ...Option) (*OpenAIClient, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		return nil, ErrAPIKeyNotSet
	}
	c := &OpenAIClient{
		client:  openai.NewClient(option.WithAPIKey(apiKey)),
		model:   defaultModel,
		timeout: 60 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Suggest uploads the cached thumbnail and parses the structured reply.
func (c *OpenAIClient) Suggest(ctx context.Context, imagePath string, asset cms.Asset) (Suggestion, error) {
	if c.limiter != nil {
		if allowed, _ := c.limiter.Allow(); !allowed {
			telemetry.SuggestRateLimited.Inc()
			return Suggestion{}, ErrRateLimited
		}
	}

	dataURL, err := encodeImage(imagePath)
	if err != nil {
		return Suggestion{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	parts := []openai.ChatCompletionContentPartUnionParam{
		openai.TextContentPart(c.buildPrompt(asset)),
		openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: dataURL}),
	}
	params := openai.ChatCompletionNewParams{
		Model: shared.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(parts),
		},
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{Type: "json_object"},
		},
	}

	completion, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return Suggestion{}, fmt.Errorf("openai call failed: %w", err)
	}
	if len(completion.Choices) == 0 {
		return Suggestion{}, errors.New("no completion choices returned")
	}

	var s Suggestion
	if err := json.Unmarshal([]byte(completion.Choices[0].Message.Content), &s); err != nil {
		return Suggestion{}, fmt.Errorf("parse suggestion: %w", err)
	}
	if s.AltText == "" {
		return Suggestion{}, errors.New("model returned empty alt text")
	}
	return s, nil
}

func (c *OpenAIClient) buildPrompt(asset cms.Asset) string {
	b := strings.Builder{}
	b.WriteString(prompt)
	if asset.Filename != "" {
		fmt.Fprintf(&b, "\nFilename: %s", asset.Filename)
	}
	if asset.AltText != "" {
		fmt.Fprintf(&b, "\nCurrent alt text (may be wrong): %s", asset.AltText)
	}
	if len(c.folders) > 0 {
		fmt.Fprintf(&b, "\nFolders: %s", strings.Join(c.folders, ", "))
	}
	return b.String()
}

func encodeImage(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read image: %w", err)
	}
	mime := "image/jpeg"
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		mime = "image/png"
	case ".gif":
		mime = "image/gif"
	}
	return fmt.Sprintf("data:%s;base64,%s", mime, base64.StdEncoding.EncodeToString(data)), nil
}
