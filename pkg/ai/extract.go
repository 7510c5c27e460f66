package ai

import (
	"encoding/json"
	"errors"
	"reflect"
	"regexp"
	"strings"
)

// ErrNoJSON means no decodable JSON object was found in model output.
var ErrNoJSON = errors.New("no JSON object in model output")

var thinkRe = regexp.MustCompile(`(?s)<think>(.*?)</think>`)

// SplitThinking removes <think>...</think> blocks from text and returns the
// remainder and the joined block contents. An unterminated block swallows the
// rest of the text.
func SplitThinking(text string) (answer, thinking string) {
	var parts []string
	for _, m := range thinkRe.FindAllStringSubmatch(text, -1) {
		parts = append(parts, strings.TrimSpace(m[1]))
	}
	answer = thinkRe.ReplaceAllString(text, "")
	if i := strings.Index(answer, "<think>"); i >= 0 {
		parts = append(parts, strings.TrimSpace(answer[i+len("<think>"):]))
		answer = answer[:i]
	}
	return strings.TrimSpace(answer), strings.Join(parts, "\n")
}

// ExtractJSONObjects scans text for balanced top-level {...} spans and
// returns those that are valid JSON, in order. Braces inside JSON strings
// are skipped.
func ExtractJSONObjects(text string) []json.RawMessage {
	var out []json.RawMessage
	depth, start := 0, -1
	inString, escaped := false, false
	for i := 0; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth == 0 {
				continue
			}
			depth--
			if depth == 0 {
				candidate := text[start : i+1]
				if json.Valid([]byte(candidate)) {
					out = append(out, json.RawMessage(candidate))
				}
				start = -1
			}
		}
	}
	return out
}

// DecodeLast decodes the last JSON object in text that unmarshals into v,
// which must be a non-nil pointer. v is only written from a successful decode.
func DecodeLast(text string, v interface{}) error {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return errors.New("DecodeLast: v must be a non-nil pointer")
	}
	objs := ExtractJSONObjects(text)
	lastErr := ErrNoJSON
	for i := len(objs) - 1; i >= 0; i-- {
		fresh := reflect.New(rv.Elem().Type())
		if err := json.Unmarshal(objs[i], fresh.Interface()); err != nil {
			lastErr = err
			continue
		}
		rv.Elem().Set(fresh.Elem())
		return nil
	}
	return lastErr
}
