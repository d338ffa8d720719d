package validation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateTag(t *testing.T) {
	l := DefaultLimits()

	tests := []struct {
		name    string
		tag     string
		wantErr error
	}{
		{"simple", "loss", nil},
		{"hierarchical", "train/loss", nil},
		{"unicode", "précision@1", nil},
		{"inner space", "val acc", nil},
		{"empty", "", ErrEmpty},
		{"too long", strings.Repeat("a", DefaultMaxTagLength+1), ErrInputTooLong},
		{"trailing space", "loss ", ErrInvalidChars},
		{"control char", "lo\x00ss", ErrInvalidChars},
		{"newline", "loss\nacc", ErrInvalidChars},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := l.ValidateTag(tt.tag)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestValidateTags(t *testing.T) {
	l := DefaultLimits()
	assert.NoError(t, l.ValidateTags(map[string]float64{"a": 1, "b/c": 2}))
	assert.ErrorIs(t, l.ValidateTags(map[string]float64{"a": 1, "": 2}), ErrEmpty)
	assert.NoError(t, l.ValidateTags(nil))
}

func TestSanitizeString(t *testing.T) {
	assert.Equal(t, "hello world", SanitizeString("  hello world  ", 100))
	assert.Equal(t, "abc", SanitizeString("a\x01b\x02c", 100))
	assert.Equal(t, "abc", SanitizeString("abcdef", 3))
}

func TestSanitizeHParams(t *testing.T) {
	l := DefaultLimits()
	in := map[string]any{
		"optimizer":   " Adam\x00 ",
		"lr":          0.001,
		"use_amp":     true,
		"\x01":        "dropped",
		"layers":      []any{64.0, "relu\x07"},
		"scheduler":   map[string]any{"name": "cosine", "warmup": 100.0},
		"description": nil,
	}

	out, err := l.SanitizeHParams(in)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"optimizer":   "Adam",
		"lr":          0.001,
		"use_amp":     true,
		"layers":      []any{64.0, "relu"},
		"scheduler":   map[string]any{"name": "cosine", "warmup": 100.0},
		"description": nil,
	}, out)

	nilOut, err := l.SanitizeHParams(nil)
	assert.NoError(t, err)
	assert.Nil(t, nilOut)
}

func TestSanitizeHParams_MaxDepth(t *testing.T) {
	l := Limits{MaxTagLength: 10, MaxDepth: 2, MaxKeyLength: 10, MaxStringLength: 10}

	_, err := l.SanitizeHParams(map[string]any{"a": map[string]any{"b": 1}})
	assert.NoError(t, err)

	_, err = l.SanitizeHParams(map[string]any{"a": map[string]any{"b": map[string]any{"c": 1}}})
	assert.ErrorIs(t, err, ErrMaxDepthExceeded)

	_, err = l.SanitizeHParams(map[string]any{"a": []any{[]any{1}}})
	assert.ErrorIs(t, err, ErrMaxDepthExceeded)
}
