package resource

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_AcquireReleaseRoundTrip(t *testing.T) {
	mgr := New(1, time.Second)

	release, err := mgr.Acquire(context.Background())
	require.NoError(t, err)
	require.NotNil(t, release)
	release()

	release2, err := mgr.Acquire(context.Background())
	require.NoError(t, err)
	release2()
}

func TestManager_DeniesWhenAtCapacity(t *testing.T) {
	mgr := New(1, 20*time.Millisecond)

	release, err := mgr.Acquire(context.Background())
	require.NoError(t, err)
	defer release()

	_, err = mgr.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrAdmissionDenied)
}

func TestManager_ReleaseIsIdempotent(t *testing.T) {
	mgr := New(1, time.Second)
	release, err := mgr.Acquire(context.Background())
	require.NoError(t, err)
	release()
	assert.NotPanics(t, func() { release() })
}

func TestManager_TryAcquireNonBlocking(t *testing.T) {
	mgr := New(1, time.Second)

	release, ok := mgr.TryAcquire()
	require.True(t, ok)
	defer release()

	_, ok = mgr.TryAcquire()
	assert.False(t, ok)
}
