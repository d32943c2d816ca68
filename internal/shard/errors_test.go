package shard

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsTransient(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		transient bool
	}{
		{"service", NewServiceError("connection refused"), true},
		{"timeout", NewTimeout("deadline"), true},
		{"cancelled", &CollectionError{Kind: KindCancelled, Msg: "gone"}, true},
		{"oom", &CollectionError{Kind: KindOutOfMemory, Msg: "oom"}, true},
		{"bad input", NewBadInput("dimension mismatch"), false},
		{"not found", NewNotFound("no such shard"), false},
		{"context deadline", context.DeadlineExceeded, true},
		{"context cancel", context.Canceled, true},
		{"plain error", errors.New("i/o error"), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.transient, IsTransient(tc.err))
		})
	}
}

func TestTransienceSurvivesWrapping(t *testing.T) {
	inner := NewBadInput("malformed payload")
	wrapped := fmt.Errorf("during fan-out: %w", inner)
	require.False(t, IsTransient(wrapped))

	var ce *CollectionError
	require.ErrorAs(t, wrapped, &ce)
	require.Equal(t, KindBadInput, ce.Kind)
}

func TestWrapServiceKeepsCause(t *testing.T) {
	cause := errors.New("connection reset by peer")
	err := WrapService(cause, "forward to peer %d", 5)

	require.ErrorIs(t, err, cause)
	require.Contains(t, err.Error(), "forward to peer 5")
	require.True(t, IsTransient(err))
}

func TestParseWriteOrdering(t *testing.T) {
	ord, err := ParseWriteOrdering("")
	require.NoError(t, err)
	require.Equal(t, OrderingWeak, ord)

	ord, err = ParseWriteOrdering("strong")
	require.NoError(t, err)
	require.Equal(t, OrderingStrong, ord)

	_, err = ParseWriteOrdering("eventual")
	var ce *CollectionError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, KindBadInput, ce.Kind)
}
