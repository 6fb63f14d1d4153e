package ngrams

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrInvalidInputKind is returned when an example's text is neither a string nor a list of strings
	ErrInvalidInputKind = errors.New("text must be a string or a list of strings")

	// ErrMissingField is returned when the configured text field is absent from a record
	ErrMissingField = errors.New("text field not found in example")
)

// Example is a single input to the featurizer. It holds either a raw string,
// a pre-tokenized list of strings, or a record from which one field is read.
type Example struct {
	value any
}

// NewExample wraps a string, []string or map[string]any.
// Other values are accepted here and rejected when the text is resolved.
func NewExample(value any) Example {
	return Example{value: value}
}

// TextExample wraps a raw string
func TextExample(text string) Example {
	return Example{value: text}
}

// TokensExample wraps a pre-tokenized list
func TokensExample(tokens []string) Example {
	return Example{value: tokens}
}

// RecordExample wraps a field mapping such as a decoded dataset row
func RecordExample(fields map[string]any) Example {
	return Example{value: fields}
}

// Value returns the wrapped value
func (e Example) Value() any {
	return e.value
}

// Field returns the named field of a record example
func (e Example) Field(key string) (any, error) {
	fields, ok := e.value.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: example is %T, not a record", ErrMissingField, e.value)
	}
	v, ok := fields[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrMissingField, key)
	}
	return v, nil
}

// text selects the value the extractor works on
func (e Example) text(key string) (any, error) {
	if key == "" {
		return e.value, nil
	}
	return e.Field(key)
}

// CanonicalText renders the selected text value with its kind, so a string
// and a one-element list never share a rendering. It fails exactly when
// Extract cannot resolve the text. Used for cache and store keys.
func (e Example) CanonicalText(key string) (string, error) {
	text, err := e.text(key)
	if err != nil {
		return "", err
	}
	if s, ok := text.(string); ok {
		data, _ := json.Marshal(s)
		return "str:" + string(data), nil
	}
	if list, ok := asStringList(text); ok {
		if list == nil {
			list = []string{}
		}
		data, _ := json.Marshal(list)
		return "list:" + string(data), nil
	}
	return "", fmt.Errorf("%w: got %T", ErrInvalidInputKind, text)
}

// asStringList converts decoded list values ([]string, []any of strings) to []string
func asStringList(v any) ([]string, bool) {
	switch list := v.(type) {
	case []string:
		return list, true
	case []any:
		out := make([]string, len(list))
		for i, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out[i] = s
		}
		return out, true
	default:
		return nil, false
	}
}
