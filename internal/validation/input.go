package validation

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

const (
	DefaultMaxTagLength    = 256
	DefaultMaxDepth        = 10
	DefaultMaxKeyLength    = 128
	DefaultMaxStringLength = 4096
)

// ErrInputTooLong indicates the input string exceeds the maximum allowed length.
var ErrInputTooLong = errors.New("input exceeds maximum length")

// ErrInvalidChars indicates the input string contains disallowed characters.
var ErrInvalidChars = errors.New("input contains invalid characters")

// ErrEmpty indicates an empty tag or key.
var ErrEmpty = errors.New("input is empty")

// ErrMaxDepthExceeded indicates the nested structure exceeds the maximum allowed depth.
var ErrMaxDepthExceeded = errors.New("maximum nesting depth exceeded")

// Limits bounds externally supplied metric tags and hyperparameters.
type Limits struct {
	MaxTagLength    int
	MaxDepth        int
	MaxKeyLength    int
	MaxStringLength int
}

// DefaultLimits returns the limits used for replayed input.
func DefaultLimits() Limits {
	return Limits{
		MaxTagLength:    DefaultMaxTagLength,
		MaxDepth:        DefaultMaxDepth,
		MaxKeyLength:    DefaultMaxKeyLength,
		MaxStringLength: DefaultMaxStringLength,
	}
}

// ValidateTag checks a metric tag: non-empty, printable, no surrounding
// whitespace and not longer than MaxTagLength bytes.
func (l Limits) ValidateTag(tag string) error {
	if tag == "" {
		return fmt.Errorf("tag: %w", ErrEmpty)
	}
	if len(tag) > l.MaxTagLength {
		return fmt.Errorf("tag: %w: got %d, max %d", ErrInputTooLong, len(tag), l.MaxTagLength)
	}
	if strings.TrimSpace(tag) != tag {
		return fmt.Errorf("tag %q: %w: leading or trailing whitespace", tag, ErrInvalidChars)
	}
	for _, r := range tag {
		if !unicode.IsPrint(r) || r == unicode.ReplacementChar {
			return fmt.Errorf("tag %q: %w", tag, ErrInvalidChars)
		}
	}
	return nil
}

// ValidateTags runs ValidateTag on every key of metrics.
func (l Limits) ValidateTags(metrics map[string]float64) error {
	for tag := range metrics {
		if err := l.ValidateTag(tag); err != nil {
			return err
		}
	}
	return nil
}

// SanitizeString removes non-printable characters (excluding space) and trims whitespace.
// It also truncates the string to maxLength.
func SanitizeString(s string, maxLength int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLength {
		s = s[:maxLength]
	}
	return strings.Map(func(r rune) rune {
		if r == ' ' || (unicode.IsPrint(r) && r != unicode.ReplacementChar) {
			return r
		}
		return -1
	}, s)
}

// SanitizeHParams returns a copy of hparams with keys and string values
// sanitised and nesting limited to MaxDepth. Keys that are empty after
// sanitising are dropped.
func (l Limits) SanitizeHParams(hparams map[string]any) (map[string]any, error) {
	return l.sanitizeMap(hparams, 1)
}

func (l Limits) sanitizeMap(data map[string]any, depth int) (map[string]any, error) {
	if depth > l.MaxDepth {
		return nil, ErrMaxDepthExceeded
	}
	if data == nil {
		return nil, nil
	}

	out := make(map[string]any, len(data))
	for key, value := range data {
		k := SanitizeString(key, l.MaxKeyLength)
		if k == "" {
			continue
		}
		v, err := l.sanitizeValue(value, depth)
		if err != nil {
			return nil, fmt.Errorf("key '%s': %w", k, err)
		}
		out[k] = v
	}
	return out, nil
}

func (l Limits) sanitizeValue(value any, depth int) (any, error) {
	switch v := value.(type) {
	case string:
		return SanitizeString(v, l.MaxStringLength), nil
	case map[string]any:
		return l.sanitizeMap(v, depth+1)
	case []any:
		if depth+1 > l.MaxDepth {
			return nil, ErrMaxDepthExceeded
		}
		out := make([]any, len(v))
		for i, item := range v {
			s, err := l.sanitizeValue(item, depth+1)
			if err != nil {
				return nil, fmt.Errorf("index %d: %w", i, err)
			}
			out[i] = s
		}
		return out, nil
	default:
		// numbers, booleans and nulls pass through
		return v, nil
	}
}
