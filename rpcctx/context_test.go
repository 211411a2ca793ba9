package rpcctx

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewHasEmptyHeader(t *testing.T) {
	rc := New()
	require.NotNil(t, rc.Header)
	assert.Empty(t, rc.Header.ServiceName)
	assert.Equal(t, "...producer", rc.ServiceCallKey())
}

func TestWithAndFromContext(t *testing.T) {
	base := context.Background()
	rc := New()
	rc.Header.ServiceName = "Echo"
	rc.SeqID = 42

	ctx := With(base, rc)
	got, ok := FromContext(ctx)
	require.True(t, ok)
	assert.Same(t, rc, got)

	_, ok = FromContext(base)
	assert.False(t, ok, "the base context never sees the request context")
}

func TestContextCrossesGoroutines(t *testing.T) {
	rc := New()
	rc.SeqID = 9
	ctx := With(context.Background(), rc)

	done := make(chan int32)
	go func(ctx context.Context) {
		done <- MustFromContext(ctx).SeqID
	}(ctx)
	assert.Equal(t, int32(9), <-done)
}

func TestMustFromContextPanics(t *testing.T) {
	assert.Panics(t, func() { MustFromContext(context.Background()) })
}
