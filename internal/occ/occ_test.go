package occ_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"driftline/internal/occ"
	"driftline/internal/repo"
)

var fast = occ.Policy{Attempts: 3, MinBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}

func TestDoRetriesConflictsOnly(t *testing.T) {
	calls := 0
	err := occ.Do(context.Background(), fast, func(context.Context) error {
		calls++
		if calls < 3 {
			return repo.ErrVersionConflict
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)

	boom := errors.New("boom")
	calls = 0
	err = occ.Do(context.Background(), fast, func(context.Context) error {
		calls++
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, calls)
}

func TestDoExhausts(t *testing.T) {
	calls := 0
	err := occ.Do(context.Background(), fast, func(context.Context) error {
		calls++
		return repo.ErrVersionConflict
	})
	require.ErrorIs(t, err, occ.ErrExhausted)
	require.Equal(t, 3, calls)
}
