package autonomy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/warden/internal/apperr"
	"github.com/mattjoyce/warden/internal/storage/storagetest"
)

func TestConsecutivePassesResetOnFailure(t *testing.T) {
	db := storagetest.Open(t)
	ctx := context.Background()
	l := NewSelfTestLog(db)

	n, err := l.ConsecutivePasses(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	for _, passed := range []bool{true, true, false, true, true, true} {
		require.NoError(t, l.Record(ctx, passed, ""))
	}
	n, err = l.ConsecutivePasses(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	require.NoError(t, l.Record(ctx, false, "drawdown breach"))
	n, err = l.ConsecutivePasses(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestBlockerLifecycle(t *testing.T) {
	db := storagetest.Open(t)
	ctx := context.Background()
	s := NewBlockerStore(db)

	_, err := s.Raise(ctx, "", SeverityCritical, "", "alice")
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	_, err = s.Raise(ctx, "X", Severity("fatal"), "", "alice")
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	b, err := s.Raise(ctx, "FEED_GAP", SeverityWarning, "market data gap", "alice")
	require.NoError(t, err)

	open, err := s.OpenBlockers(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "FEED_GAP", open[0].Code)
	assert.Equal(t, SeverityWarning, open[0].Severity)

	ok, err := s.Resolve(ctx, b.ID, "bob")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.Resolve(ctx, b.ID, "bob")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.Resolve(ctx, "missing", "bob")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	open, err = s.OpenBlockers(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)
}
