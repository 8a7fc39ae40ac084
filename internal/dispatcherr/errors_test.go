package dispatcherr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKindOfDefaultsToInternal(t *testing.T) {
	require.Equal(t, Internal, KindOf(errors.New("plain error")))
	require.Equal(t, Validation, KindOf(New(Validation, "bad input")))
}

func TestWrapPreservesCauseForUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(Internal, "dial database", cause)

	require.ErrorIs(t, err, cause)
	require.Contains(t, err.Error(), "connection refused")
	require.Contains(t, err.Error(), "dial database")
}

func TestIsMatchesOnKindNotMessage(t *testing.T) {
	err := fmt.Errorf("lookup failed: %w", New(NotFound, "job missing"))
	require.True(t, errors.Is(err, New(NotFound, "different message")))
	require.False(t, errors.Is(err, New(Validation, "job missing")))
}
