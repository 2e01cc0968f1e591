package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCategoriesMatchThroughWrapping(t *testing.T) {
	cases := []struct {
		err      error
		sentinel error
	}{
		{NotFound("service", "svc-1"), ErrNotFound},
		{Invalid("id", "required"), ErrValidation},
		{Conflict("version %d is stale", 3), ErrConflict},
		{Denied("delete service"), ErrAccessDenied},
		{External("config registry", errors.New("dial tcp: refused")), ErrExternal},
	}
	for _, tc := range cases {
		wrapped := fmt.Errorf("outer: %w", tc.err)
		require.ErrorIs(t, wrapped, tc.sentinel, tc.err.Error())
	}
	require.NotErrorIs(t, NotFound("service", "x"), ErrAccessDenied)
}

func TestExternalUnwrapsCause(t *testing.T) {
	cause := errors.New("timeout")
	err := External("registry", cause)
	require.ErrorIs(t, err, cause)
	require.Equal(t, "registry unavailable: timeout", err.Error())
}
