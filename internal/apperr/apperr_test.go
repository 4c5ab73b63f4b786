package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorFormatting(t *testing.T) {
	err := Blocked(CodeGateBlocked, "gate denied promotion to %s", "PAPER").WithReasons("SHARPE_LOW", "DRAWDOWN")
	assert.Equal(t, "GATE_BLOCKED: gate denied promotion to PAPER [SHARPE_LOW,DRAWDOWN]", err.Error())

	wrapped := Fatal(errors.New("disk gone"), "load bot")
	assert.Equal(t, "STORAGE_UNAVAILABLE: load bot: disk gone", wrapped.Error())
}

func TestClassificationThroughWrapping(t *testing.T) {
	base := Blocked(CodeStageLocked, "locked").WithHint("wait for the lock to expire")
	err := fmt.Errorf("promote bot-1: %w", base)

	assert.Equal(t, KindBlocked, KindOf(err))
	assert.Equal(t, CodeStageLocked, CodeOf(err))
	assert.True(t, Is(err, CodeStageLocked))
	assert.False(t, Is(err, CodeBotKilled))

	e, ok := As(err)
	assert.True(t, ok)
	assert.Equal(t, "wait for the lock to expire", e.Hint)
}

func TestUnclassifiedErrorsFailClosed(t *testing.T) {
	err := errors.New("boom")
	assert.Equal(t, KindFatal, KindOf(err))
	assert.Equal(t, CodeStorageUnavailable, CodeOf(err))
	assert.Equal(t, Kind(""), KindOf(nil))
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("sqlite busy")
	err := Fatal(cause, "claim")
	assert.ErrorIs(t, err, cause)
}
