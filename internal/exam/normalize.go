package exam

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"

	"github.com/pavelanni/examclient/internal/model"
)

// ErrUnrecognizedPayload is returned when the questions payload is neither a
// list nor an object wrapping one.
var ErrUnrecognizedPayload = errors.New("unrecognized questions payload")

// Field name variants seen across backends, in order of preference.
var (
	textKeys       = []string{"text", "question_text", "question"}
	optionsKeys    = []string{"options", "answers"}
	optionTextKeys = []string{"text", "option_text", "label", "value"}
	correctKeys    = []string{"correct_answer_index", "correct_option_index"}
	scoreKeys      = []string{"max_score", "score"}
	containerKeys  = []string{"questions", "data", "results"}
)

// NormalizeQuestions converts a raw questions payload into canonical
// questions. It is the only place that knows about upstream field variants.
// Missing fields are defaulted and logged rather than failing the load.
func NormalizeQuestions(raw json.RawMessage, logger *slog.Logger) ([]model.Question, error) {
	if logger == nil {
		logger = slog.Default()
	}
	items, err := questionItems(raw)
	if err != nil {
		return nil, err
	}
	out := make([]model.Question, 0, len(items))
	seen := make(map[int64]bool, len(items))
	for i, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			logger.Warn("skipping question that is not an object", "position", i)
			continue
		}
		q, ok := normalizeQuestion(obj, logger)
		if !ok {
			logger.Warn("skipping question without a usable id", "position", i)
			continue
		}
		if seen[q.ID] {
			logger.Warn("skipping repeated question id", "position", i, "question_id", q.ID)
			continue
		}
		seen[q.ID] = true
		out = append(out, q)
	}
	return out, nil
}

func questionItems(raw json.RawMessage) ([]any, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode questions: %w", err)
	}
	switch x := v.(type) {
	case []any:
		return x, nil
	case map[string]any:
		for _, k := range containerKeys {
			if list, ok := x[k].([]any); ok {
				return list, nil
			}
		}
	}
	return nil, ErrUnrecognizedPayload
}

func normalizeQuestion(obj map[string]any, logger *slog.Logger) (model.Question, bool) {
	id, ok := integer(obj["id"])
	if !ok {
		return model.Question{}, false
	}
	q := model.Question{ID: id, Options: []model.Option{}, MaxScore: 1}

	if s, ok := firstString(obj, textKeys); ok {
		q.Text = s
	} else {
		logger.Warn("question has no text", "question_id", id)
	}

	if list, ok := firstList(obj, optionsKeys); ok {
		q.Options = normalizeOptions(list)
	} else {
		logger.Warn("question has no options", "question_id", id)
	}

	if f, ok := firstNumber(obj, scoreKeys); ok && f > 0 {
		q.MaxScore = f
	}

	idx, found := firstInteger(obj, correctKeys)
	switch {
	case !found:
		logger.Warn("question has no correct answer index, excluding it from scoring", "question_id", id)
	case idx < 0 || int(idx) >= len(q.Options):
		logger.Warn("question correct answer index out of range, excluding it from scoring",
			"question_id", id, "index", idx, "options", len(q.Options))
	default:
		q.CorrectOptionIndex = int(idx)
		q.Graded = true
	}
	return q, true
}

func normalizeOptions(list []any) []model.Option {
	opts := make([]model.Option, 0, len(list))
	for i, item := range list {
		opt := model.Option{Index: i}
		switch x := item.(type) {
		case string:
			opt.Text = x
		case json.Number:
			opt.Text = x.String()
		case map[string]any:
			if s, ok := firstString(x, optionTextKeys); ok {
				opt.Text = s
			} else if n, ok := x["value"].(json.Number); ok {
				opt.Text = n.String()
			}
			switch id := x["id"].(type) {
			case string:
				opt.ID = id
			case json.Number:
				opt.ID = id.String()
			}
		}
		opts = append(opts, opt)
	}
	return opts
}

func firstString(obj map[string]any, keys []string) (string, bool) {
	for _, k := range keys {
		if s, ok := obj[k].(string); ok && strings.TrimSpace(s) != "" {
			return s, true
		}
	}
	return "", false
}

func firstList(obj map[string]any, keys []string) ([]any, bool) {
	for _, k := range keys {
		if l, ok := obj[k].([]any); ok {
			return l, true
		}
	}
	return nil, false
}

func firstNumber(obj map[string]any, keys []string) (float64, bool) {
	for _, k := range keys {
		if f, ok := number(obj[k]); ok {
			return f, true
		}
	}
	return 0, false
}

func firstInteger(obj map[string]any, keys []string) (int64, bool) {
	for _, k := range keys {
		if n, ok := integer(obj[k]); ok {
			return n, true
		}
	}
	return 0, false
}

// number accepts JSON numbers and numeric strings.
func number(v any) (float64, bool) {
	switch x := v.(type) {
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	case float64:
		return x, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil
	}
	return 0, false
}

func integer(v any) (int64, bool) {
	f, ok := number(v)
	if !ok || f != math.Trunc(f) {
		return 0, false
	}
	return int64(f), true
}
