package circuitbreaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestManager_OpensAfterThreshold(t *testing.T) {
	m := NewManager(3, time.Minute)

	require.False(t, m.IsOpen("openai"))
	m.RecordFailure("openai")
	m.RecordFailure("openai")
	require.False(t, m.IsOpen("openai"))
	m.RecordFailure("openai")
	require.True(t, m.IsOpen("openai"))
}

func TestManager_SuccessResetsFailureCount(t *testing.T) {
	m := NewManager(2, time.Minute)

	m.RecordFailure("anthropic")
	m.RecordSuccess("anthropic")
	m.RecordFailure("anthropic")
	require.False(t, m.IsOpen("anthropic"))
}

func TestManager_ClosesAfterCooldown(t *testing.T) {
	m := NewManager(1, time.Millisecond)

	m.RecordFailure("google")
	require.True(t, m.IsOpen("google"))

	time.Sleep(5 * time.Millisecond)
	require.False(t, m.IsOpen("google"))
}

func TestManager_TracksKindsIndependently(t *testing.T) {
	m := NewManager(1, time.Minute)

	m.RecordFailure("openai")
	require.True(t, m.IsOpen("openai"))
	require.False(t, m.IsOpen("anthropic"))
}
