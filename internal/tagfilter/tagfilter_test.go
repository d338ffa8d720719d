package tagfilter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Empty(t *testing.T) {
	f, err := New(nil)
	require.NoError(t, err)
	assert.Nil(t, f)
	assert.False(t, f.Excluded("anything"))
}

func TestNew_InvalidPattern(t *testing.T) {
	_, err := New([]string{"train/[a-"})
	assert.Error(t, err)
}

func TestFilter_Excluded(t *testing.T) {
	f, err := New([]string{"debug/*", "*_raw"})
	require.NoError(t, err)

	tests := []struct {
		tag  string
		want bool
	}{
		{"debug/grad_norm", true},
		{"debug/layer/grad", false},
		{"loss_raw", true},
		{"train/loss", false},
		{"reward", false},
	}
	for _, tt := range tests {
		t.Run(tt.tag, func(t *testing.T) {
			assert.Equal(t, tt.want, f.Excluded(tt.tag))
		})
	}
}

func TestFilter_Apply(t *testing.T) {
	f, err := New([]string{"debug/**"})
	require.NoError(t, err)

	in := map[string]float64{"loss": 0.5, "debug/a/b": 1}
	out := f.Apply(in)
	assert.Equal(t, map[string]float64{"loss": 0.5}, out)
	assert.Len(t, in, 2, "input must not be mutated")

	clean := map[string]float64{"loss": 0.5}
	assert.Equal(t, clean, f.Apply(clean))

	var nilFilter *Filter
	assert.Equal(t, in, nilFilter.Apply(in))
}
