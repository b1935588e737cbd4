package assistant

import (
	"errors"
	"math"
	"strings"

	"github.com/bytedance/sonic"

	"tasklist-api/domain"
)

var errNotObject = errors.New("response is not a JSON object")

// stripFences removes a surrounding markdown code fence such as ```json ... ```.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		// drop the info string, e.g. "json"
		if info := strings.TrimSpace(s[:nl]); !strings.ContainsAny(info, "{[") {
			s = s[nl+1:]
		}
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// decodeObject parses the generated text as a JSON object. When the text carries prose
// around the object, the outermost {...} span is tried.
func decodeObject(raw string) (map[string]any, error) {
	text := stripFences(raw)
	var v any
	err := sonic.UnmarshalString(text, &v)
	if err != nil {
		start, end := strings.IndexByte(text, '{'), strings.LastIndexByte(text, '}')
		if start < 0 || end <= start {
			return nil, err
		}
		if serr := sonic.UnmarshalString(text[start:end+1], &v); serr != nil {
			return nil, err
		}
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, errNotObject
	}
	return obj, nil
}

func stringField(obj map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := obj[k].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

func tagsField(obj map[string]any) []string {
	arr, ok := obj["tags"].([]any)
	if !ok {
		return []string{}
	}
	tags := make([]string, 0, len(arr))
	for _, v := range arr {
		if s, ok := v.(string); ok {
			tags = append(tags, s)
		}
	}
	return domain.NormalizeTags(tags)
}

func dateField(obj map[string]any, keys ...string) *domain.Date {
	s := stringField(obj, keys...)
	if s == "" {
		return nil
	}
	d, err := domain.ParseDate(s)
	if err != nil {
		return nil
	}
	return &d
}

// coerceBool interprets loosely typed model output as a boolean.
func coerceBool(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case float64:
		return b != 0
	case int64:
		return b != 0
	case string:
		switch strings.ToLower(strings.TrimSpace(b)) {
		case "true", "yes", "1":
			return true
		}
	}
	return false
}

// numberField reads an integer clamped to the int32 range. Non-finite values are
// rejected.
func numberField(obj map[string]any, key string) (int, bool) {
	switch n := obj[key].(type) {
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return 0, false
		}
		return int(math.Max(math.MinInt32, math.Min(math.MaxInt32, n))), true
	case int64:
		return int(max(math.MinInt32, min(math.MaxInt32, n))), true
	}
	return 0, false
}
