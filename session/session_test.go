package session_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yandex-tank-api/tankapi/session"
)

func TestStatusTerminal(t *testing.T) {
	assert.True(t, session.StatusSuccess.Terminal())
	assert.True(t, session.StatusFailed.Terminal())
	assert.False(t, session.StatusRunning.Terminal())
	assert.False(t, session.StatusPrepared.Terminal())
	assert.False(t, session.StatusStarting.Terminal())
}

func TestStatusMessageCloneIsIndependent(t *testing.T) {
	orig := session.StatusMessage{
		Session:  "s1",
		Failures: []session.Failure{{Stage: "poll", Reason: "Interrupted"}},
	}
	clone := orig.Clone()
	clone.Failures[0].Reason = "mutated"
	assert.Equal(t, "Interrupted", orig.Failures[0].Reason)
	assert.Equal(t, "mutated", clone.Failures[0].Reason)
}

func TestGenerateIDUsesOfferedPrefix(t *testing.T) {
	id, err := session.GenerateID("mytest", time.Now(), func(string) bool { return false })
	require.NoError(t, err)
	assert.Contains(t, id, "mytest_")
}

func TestGenerateIDFallsBackToTimestamp(t *testing.T) {
	id, err := session.GenerateID("  ", time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), func(string) bool { return false })
	require.NoError(t, err)
	assert.Contains(t, id, "20240102T030405_")
}

func TestGenerateIDRetriesOnCollision(t *testing.T) {
	seen := 0
	id, err := session.GenerateID("t", time.Now(), func(string) bool {
		seen++
		return seen < 3
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, 3, seen)
}

func TestGenerateIDExhaustsAttempts(t *testing.T) {
	_, err := session.GenerateID("t", time.Now(), func(string) bool { return true })
	assert.Error(t, err)
}
