// Package openai writes English social copy through the OpenAI Responses API.
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-resty/resty/v2"

	"repost-pipeline/internal/capability"
	"repost-pipeline/internal/config"
	"repost-pipeline/internal/logger"
	"repost-pipeline/internal/models"
)

const (
	defaultTitle   = "New post"
	maxTitleRunes  = 60
	maxHashtags    = 20
	maxOutputToken = 700
)

var defaultHashtags = []string{"#socialmedia", "#content"}

const systemPrompt = "You are a social media copywriter. Output STRICT JSON only, no markdown. Language: English."

// Config selects the endpoint and model.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// FromAppConfig maps the OPENAI_* settings.
func FromAppConfig(cfg config.Config) Config {
	return Config{
		APIKey:  cfg.OpenAIAPIKey,
		BaseURL: cfg.OpenAIBaseURL,
		Model:   cfg.OpenAIModel,
		Timeout: cfg.OpenAITimeout,
	}
}

// Generator implements capability.ContentGenerator.
type Generator struct {
	client   *resty.Client
	endpoint string
	model    string
	enabled  bool
}

func NewGenerator(cfg Config) *Generator {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	client := resty.New()
	client.SetHeader("Authorization", "Bearer "+cfg.APIKey)
	client.SetHeader("Content-Type", "application/json")
	client.SetTimeout(timeout)

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	model := cfg.Model
	if model == "" {
		model = "gpt-5-mini"
	}
	return &Generator{
		client:   client,
		endpoint: baseURL + "/responses",
		model:    model,
		enabled:  cfg.APIKey != "",
	}
}

// Model is the model name sent to the API.
func (g *Generator) Model() string { return g.model }

type inputMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responsesRequest struct {
	Model           string         `json:"model"`
	Input           []inputMessage `json:"input"`
	MaxOutputTokens int            `json:"max_output_tokens"`
}

type responsesResponse struct {
	Output []struct {
		Type    string `json:"type"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"output"`
}

type apiError struct {
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

type copyTask struct {
	Task          string         `json:"task"`
	SourceCaption string         `json:"source_caption"`
	MediaType     string         `json:"media_type"`
	Requirements  map[string]any `json:"requirements"`
	OutputSchema  map[string]any `json:"output_json_schema"`
}

// Generate asks the model for a title, caption and hashtags. Output that
// cannot be parsed falls back to the source caption with default hashtags;
// only transport or API errors are returned.
func (g *Generator) Generate(ctx context.Context, caption string, mediaType models.MediaType) (capability.Generated, error) {
	source := strings.TrimSpace(caption)
	log := logger.FromContext(ctx).WithField(logger.FieldComponent, "openai")
	if !g.enabled {
		log.Warn("OPENAI_API_KEY not set, using fallback copy")
		return fallback(source), nil
	}

	task, err := json.Marshal(copyTask{
		Task:          "Write an English social caption based on the source caption. Keep it punchy, natural, and safe.",
		SourceCaption: source,
		MediaType:     string(mediaType),
		Requirements: map[string]any{
			"title_max_chars":   maxTitleRunes,
			"caption_max_words": 120,
			"hashtags_count":    "12-18",
			"tone":              "friendly, confident, non-spammy",
			"avoid":             []string{"clickbait", "medical/legal claims", "hate/harassment"},
		},
		OutputSchema: map[string]any{
			"title":    "string",
			"caption":  "string",
			"hashtags": []string{"#tag1", "#tag2"},
		},
	})
	if err != nil {
		return capability.Generated{}, fmt.Errorf("marshal prompt: %w", err)
	}

	var (
		out    responsesResponse
		errOut apiError
	)
	resp, err := g.client.R().
		SetContext(ctx).
		SetBody(responsesRequest{
			Model: g.model,
			Input: []inputMessage{
				{Role: "system", Content: systemPrompt},
				{Role: "user", Content: string(task)},
			},
			MaxOutputTokens: maxOutputToken,
		}).
		SetResult(&out).
		SetError(&errOut).
		Post(g.endpoint)
	if err != nil {
		return capability.Generated{}, fmt.Errorf("openai request: %w", err)
	}
	if resp.IsError() {
		if errOut.Error != nil && errOut.Error.Message != "" {
			return capability.Generated{}, fmt.Errorf("openai error: %s", errOut.Error.Message)
		}
		return capability.Generated{}, fmt.Errorf("openai error: status %d", resp.StatusCode())
	}

	var text strings.Builder
	for _, item := range out.Output {
		if item.Type != "message" {
			continue
		}
		for _, c := range item.Content {
			if c.Type == "output_text" {
				text.WriteString(c.Text)
			}
		}
	}
	raw := text.String()
	if raw == "" {
		raw = string(resp.Body())
	}

	gen, ok := parseCopy(raw, source)
	if !ok {
		log.Warn("model output had no usable JSON, using fallback copy")
	}
	return gen, nil
}

var jsonObject = regexp.MustCompile(`(?s)\{.*\}`)

// extractObject parses raw as a JSON object, or failing that the outermost
// braces found inside it.
func extractObject(raw string) (map[string]any, bool) {
	raw = strings.TrimSpace(raw)
	candidate := raw
	if !(strings.HasPrefix(raw, "{") && strings.HasSuffix(raw, "}")) {
		candidate = jsonObject.FindString(raw)
		if candidate == "" {
			return nil, false
		}
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(candidate), &obj); err != nil {
		return nil, false
	}
	return obj, true
}

// parseCopy normalises model output. The boolean is false when raw had no
// JSON object and the fallback was used.
func parseCopy(raw, source string) (capability.Generated, bool) {
	obj, ok := extractObject(raw)
	if !ok {
		return fallback(source), false
	}

	title := truncateRunes(strings.TrimSpace(stringField(obj["title"])), maxTitleRunes)
	if title == "" {
		title = defaultTitle
	}
	caption := strings.TrimSpace(stringField(obj["caption"]))
	if caption == "" {
		caption = source
	}
	return capability.Generated{Title: title, Caption: caption, Hashtags: normalizeHashtags(obj["hashtags"])}, true
}

func fallback(source string) capability.Generated {
	return capability.Generated{
		Title:    defaultTitle,
		Caption:  source,
		Hashtags: append([]string(nil), defaultHashtags...),
	}
}

func stringField(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}

// normalizeHashtags accepts a list or a whitespace separated string. In the
// string form only words already starting with # count.
func normalizeHashtags(v any) []string {
	var tags []string
	switch t := v.(type) {
	case []any:
		for _, item := range t {
			s, ok := item.(string)
			if !ok {
				continue
			}
			if s = strings.TrimSpace(s); s != "" {
				tags = append(tags, s)
			}
		}
	case string:
		for _, word := range strings.Fields(t) {
			if strings.HasPrefix(word, "#") {
				tags = append(tags, word)
			}
		}
	}

	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		if len(out) == maxHashtags {
			break
		}
		if !strings.HasPrefix(tag, "#") {
			tag = "#" + tag
		}
		out = append(out, tag)
	}
	if len(out) == 0 {
		return append([]string(nil), defaultHashtags...)
	}
	return out
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
