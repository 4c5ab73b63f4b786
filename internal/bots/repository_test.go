package bots

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/warden/internal/apperr"
	"github.com/mattjoyce/warden/internal/storage/storagetest"
)

func TestStageOrdering(t *testing.T) {
	next, ok := StageTrials.Next()
	assert.True(t, ok)
	assert.Equal(t, StagePaper, next)

	next, ok = StageCanary.Next()
	assert.True(t, ok)
	assert.Equal(t, StageLive, next)

	_, ok = StageLive.Next()
	assert.False(t, ok)

	assert.True(t, StagePaper.Before(StageLive))
	assert.False(t, StageLive.Before(StageLive))
	assert.False(t, StageTrials.Running())
	assert.True(t, StageShadow.Running())
	assert.Equal(t, "canary", StageCanary.ExecutionMode())

	s, err := ParseStage(" shadow ")
	require.NoError(t, err)
	assert.Equal(t, StageShadow, s)
	_, err = ParseStage("moon")
	assert.Error(t, err)
}

func TestRegisterAndGet(t *testing.T) {
	db := storagetest.Open(t)
	clock := storagetest.NewClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	repo := NewRepository(db).WithNow(clock.Now)
	ctx := context.Background()

	b, err := repo.Register(ctx, "bot-1", "acct-1", PromotionAuto)
	require.NoError(t, err)
	assert.Equal(t, StageTrials, b.Stage)
	assert.Equal(t, PromotionAuto, b.PromotionMode)
	assert.Equal(t, clock.Now(), b.StageUpdatedAt)
	assert.False(t, b.Killed())

	_, err = repo.Register(ctx, "bot-1", "acct-1", PromotionAuto)
	assert.True(t, apperr.Is(err, apperr.CodeBotExists))

	_, err = repo.Get(ctx, "missing")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	_, err = repo.Register(ctx, "  ", "acct", PromotionManual)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestListFilters(t *testing.T) {
	db := storagetest.Open(t)
	repo := NewRepository(db)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		_, err := repo.Register(ctx, id, "acct", PromotionManual)
		require.NoError(t, err)
	}
	_, err := db.Exec(`UPDATE bots SET stage = 'PAPER' WHERE id IN ('a','b');`)
	require.NoError(t, err)
	_, err = db.Exec(`UPDATE bots SET killed_at = '2026-01-01T00:00:00.000000000Z' WHERE id = 'b';`)
	require.NoError(t, err)

	all, err := repo.List(ctx, ListFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	paper, err := repo.List(ctx, ListFilter{Stages: []Stage{StagePaper}, ExcludeKilled: true})
	require.NoError(t, err)
	require.Len(t, paper, 1)
	assert.Equal(t, "a", paper[0].ID)
}

func TestLockStages(t *testing.T) {
	db := storagetest.Open(t)
	clock := storagetest.NewClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	repo := NewRepository(db).WithNow(clock.Now)
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		_, err := repo.Register(ctx, id, "acct", PromotionManual)
		require.NoError(t, err)
	}

	_, err := repo.LockStages(ctx, nil, clock.Now().Add(-time.Minute))
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	n, err := repo.LockStages(ctx, nil, clock.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	b, err := repo.Get(ctx, "a")
	require.NoError(t, err)
	assert.True(t, b.Locked(clock.Now()))
	assert.False(t, b.Locked(clock.Now().Add(2*time.Hour)))

	n, err = repo.UnlockStages(ctx, []string{"a"})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	b, err = repo.Get(ctx, "a")
	require.NoError(t, err)
	assert.Nil(t, b.StageLockedUntil)
}
