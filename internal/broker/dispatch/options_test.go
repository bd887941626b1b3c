package dispatch

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/relay/internal/fault"
)

func TestOptions_Validate_Valid(t *testing.T) {
	opts := Options{
		"temperature":       0.7,
		"max_tokens":        float64(1000),
		"top_p":             1.0,
		"frequency_penalty": -1.5,
		"presence_penalty":  2.0,
	}
	require.NoError(t, opts.Validate())
	require.NoError(t, Options(nil).Validate())
	require.NoError(t, Options{}.Validate())
}

func TestOptions_Validate_UnknownKey(t *testing.T) {
	err := Options{"model": "gpt"}.Validate()
	require.True(t, fault.Is(err, fault.Validation))
	require.Contains(t, err.Error(), "model")
}

func TestOptions_Validate_OutOfRange(t *testing.T) {
	cases := []Options{
		{"temperature": 2.5},
		{"temperature": -0.1},
		{"max_tokens": float64(0)},
		{"max_tokens": float64(4001)},
		{"top_p": 1.1},
		{"frequency_penalty": -2.5},
		{"presence_penalty": 3.0},
	}
	for _, opts := range cases {
		require.True(t, fault.Is(opts.Validate(), fault.Validation), "options %v", opts)
	}
}

func TestOptions_Validate_Types(t *testing.T) {
	require.NoError(t, Options{"max_tokens": 100}.Validate(), "plain int accepted")
	require.NoError(t, Options{"max_tokens": int64(100)}.Validate())

	err := Options{"max_tokens": 99.5}.Validate()
	require.True(t, fault.Is(err, fault.Validation), "fractional token count rejected")

	err = Options{"temperature": "hot"}.Validate()
	require.True(t, fault.Is(err, fault.Validation))
}
