package domain

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSessionGuardRejectsSecondAcquire(t *testing.T) {
	guard := NewSessionGuard()

	release, err := guard.Acquire("user-1")
	require.NoError(t, err)

	_, err = guard.Acquire("user-1")
	require.ErrorIs(t, err, ErrSessionBusy)

	release()

	release2, err := guard.Acquire("user-1")
	require.NoError(t, err)
	release2()
}

func TestSessionGuardScopedPerUser(t *testing.T) {
	guard := NewSessionGuard()

	releaseA, err := guard.Acquire("user-a")
	require.NoError(t, err)
	defer releaseA()

	releaseB, err := guard.Acquire("user-b")
	require.NoError(t, err)
	releaseB()
}

func TestSessionGuardReleaseIsIdempotent(t *testing.T) {
	guard := NewSessionGuard()

	release, err := guard.Acquire("user-1")
	require.NoError(t, err)
	release()
	release() // second call must not panic or free someone else's slot

	release2, err := guard.Acquire("user-1")
	require.NoError(t, err)
	defer release2()

	_, err = guard.Acquire("user-1")
	require.ErrorIs(t, err, ErrSessionBusy)
}
