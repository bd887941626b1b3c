package fault

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKindOf_Classified(t *testing.T) {
	err := New(RateLimited, "ceiling exceeded")
	require.Equal(t, RateLimited, KindOf(err))
	require.True(t, Is(err, RateLimited))
	require.False(t, Is(err, Unauthorized))
}

func TestKindOf_Wrapped(t *testing.T) {
	cause := errors.New("pipe closed")
	err := Wrap(BrokenIO, "writing prompt", cause)

	// Kind survives further wrapping with %w
	outer := fmt.Errorf("submit: %w", err)
	require.Equal(t, BrokenIO, KindOf(outer))
	require.ErrorIs(t, outer, cause)
}

func TestKindOf_Unclassified(t *testing.T) {
	require.Equal(t, Internal, KindOf(errors.New("boom")))
	require.Equal(t, Kind(""), KindOf(nil))
}

func TestWrap_NilCause(t *testing.T) {
	require.Nil(t, Wrap(Internal, "nothing", nil))
}

func TestStatusCode(t *testing.T) {
	cases := map[Kind]int{
		Validation:        400,
		Unauthorized:      401,
		NoSuchSession:     404,
		RateLimited:       429,
		CapacityExhausted: 503,
		ShuttingDown:      503,
		CLIFailed:         500,
		CLITimeout:        500,
		DeadlineExceeded:  500,
		SpawnFailed:       500,
		BrokenIO:          500,
		Internal:          500,
	}
	for kind, want := range cases {
		require.Equal(t, want, kind.StatusCode(), "kind %s", kind)
	}
}
