// Package explain asks an OpenAI-compatible model to explain questions a
// student got wrong once a test has been submitted.
package explain

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"text/template"
	"unicode/utf8"

	openai "github.com/sashabaranov/go-openai"

	"github.com/pavelanni/examclient/internal/model"
)

//go:embed prompts/explain.txt
var promptText string

var promptTmpl = template.Must(template.New("explain").Parse(promptText))

var questionTagRegex = regexp.MustCompile(`(?i)</?\s*question\b[^>]*>`)

const maxFieldRunes = 2000

// Client wraps an OpenAI-compatible API client.
type Client struct {
	api      *openai.Client
	model    string
	language string
	maxWords int
}

// New creates a client. language names the language explanations are
// written in, e.g. "English".
func New(baseURL, apiKey, modelName, language string) *Client {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	if language == "" {
		language = "English"
	}
	return &Client{
		api:      openai.NewClientWithConfig(config),
		model:    modelName,
		language: language,
		maxWords: 120,
	}
}

// Ping checks that the endpoint is reachable and serves the configured model.
func (c *Client) Ping(ctx context.Context) error {
	list, err := c.api.ListModels(ctx)
	if err != nil {
		return fmt.Errorf("list models: %w", err)
	}
	for _, m := range list.Models {
		if m.ID == c.model {
			return nil
		}
	}
	return fmt.Errorf("model %q not served by endpoint", c.model)
}

// Explain returns an explanation of q for a student who chose selected
// (nil when unanswered).
func (c *Client) Explain(ctx context.Context, q model.Question, selected *int) (string, error) {
	prompt, err := buildPrompt(q, selected, c.language, c.maxWords)
	if err != nil {
		return "", err
	}
	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: prompt},
		},
		Temperature: 0.3,
	})
	if err != nil {
		return "", fmt.Errorf("LLM API call: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("LLM returned no choices")
	}
	out := strings.TrimSpace(resp.Choices[0].Message.Content)
	slog.Debug("LLM explanation", "question_id", q.ID, "chars", len(out))
	return out, nil
}

// Missed returns the graded questions that were answered wrongly or not at all.
func Missed(questions []model.Question, answers model.Answers) []model.Question {
	var out []model.Question
	for _, q := range questions {
		if !q.Graded {
			continue
		}
		a := answers[q.ID]
		if a == nil || *a != q.CorrectOptionIndex {
			out = append(out, q)
		}
	}
	return out
}

type promptOption struct {
	Label string
	Text  string
}

type promptData struct {
	Question string
	Options  []promptOption
	Correct  string
	Selected string
	Language string
	MaxWords int
}

func buildPrompt(q model.Question, selected *int, language string, maxWords int) (string, error) {
	if !q.Graded {
		return "", fmt.Errorf("question %d has no correct answer to explain", q.ID)
	}
	data := promptData{
		Question: sanitize(q.Text),
		Language: language,
		MaxWords: maxWords,
	}
	for _, o := range q.Options {
		data.Options = append(data.Options, promptOption{Label: optionLabel(o.Index), Text: sanitize(o.Text)})
	}
	data.Correct = optionLabel(q.CorrectOptionIndex)
	if selected != nil {
		data.Selected = optionLabel(*selected)
	}

	var buf bytes.Buffer
	if err := promptTmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// optionLabel maps 0, 1, 2 to A, B, C; past Z it falls back to numbers.
func optionLabel(i int) string {
	if i >= 0 && i < 26 {
		return string(rune('A' + i))
	}
	return fmt.Sprint(i + 1)
}

func sanitize(s string) string {
	s = strings.TrimSpace(questionTagRegex.ReplaceAllString(s, ""))
	if utf8.RuneCountInString(s) > maxFieldRunes {
		s = string([]rune(s)[:maxFieldRunes]) + " [truncated]"
	}
	return s
}
