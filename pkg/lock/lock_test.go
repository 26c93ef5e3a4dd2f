package lock

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAcquire_SecondAcquireFails(t *testing.T) {
	port := 58123
	_ = os.Remove(Path(port))

	l1, err := Acquire(port)
	require.NoError(t, err)
	defer l1.Release()

	_, err = Acquire(port)
	require.ErrorIs(t, err, ErrAlreadyRunning)
	require.Contains(t, err.Error(), "stop --port 58123")
}

func TestStop_NoLiveProcessReturnsErrNotRunning(t *testing.T) {
	port := 58126
	_ = os.Remove(Path(port))

	_, err := Stop(port)
	require.ErrorIs(t, err, ErrNotRunning)
}

func TestAcquire_ReleaseThenReacquireSucceeds(t *testing.T) {
	port := 58124
	_ = os.Remove(Path(port))

	l1, err := Acquire(port)
	require.NoError(t, err)
	require.NoError(t, l1.Release())

	l2, err := Acquire(port)
	require.NoError(t, err)
	defer l2.Release()
}

func TestListLive_ReportsAcquiredLock(t *testing.T) {
	port := 58125
	_ = os.Remove(Path(port))

	l, err := Acquire(port)
	require.NoError(t, err)
	defer l.Release()

	live, err := ListLive()
	require.NoError(t, err)
	found := false
	for _, info := range live {
		if info.Port == port {
			found = true
			require.Equal(t, os.Getpid(), info.PID)
		}
	}
	require.True(t, found)
}
