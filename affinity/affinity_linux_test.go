//go:build linux

package affinity

import (
	"errors"
	"runtime"
	"testing"

	"github.com/momentics/hioload-ioq/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func current() (unix.CPUSet, error) {
	var set unix.CPUSet
	err := unix.SchedGetaffinity(0, &set)
	return set, err
}

func TestSetAffinityPinsThread(t *testing.T) {
	before, err := current()
	require.NoError(t, err)
	if !before.IsSet(0) {
		t.Skip("cpu 0 not in the allowed set")
	}

	require.NoError(t, SetAffinity(0))
	set, err := current()
	require.NoError(t, err)
	assert.Equal(t, 1, set.Count())
	assert.True(t, set.IsSet(0))

	require.NoError(t, Release())
	after, err := current()
	require.NoError(t, err)
	assert.Equal(t, before.Count(), after.Count())
}

func TestSetAffinityRejectsBadCPU(t *testing.T) {
	assert.True(t, errors.Is(SetAffinity(-1), api.ErrInvalidArgument))
	assert.True(t, errors.Is(SetAffinity(runtime.NumCPU()), api.ErrInvalidArgument))
}
