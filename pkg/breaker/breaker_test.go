package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDisabledBreakerAlwaysAllows(t *testing.T) {
	b := New(Config{Disabled: true})
	for i := 0; i < 100; i++ {
		assert.True(t, b.AllowsRequest())
		b.MarkFailure()
	}
	assert.Equal(t, Closed, b.State())
}

func TestTripsOnceThresholdExceeded(t *testing.T) {
	b := New(Config{
		VolumeThreshold: 10,
		ErrorThreshold:  0.5,
		SleepWindow:     50 * time.Millisecond,
		RollingWindow:   time.Minute,
	})

	for i := 0; i < 4; i++ {
		b.MarkSuccess()
	}
	for i := 0; i < 6; i++ {
		b.MarkFailure()
	}
	assert.Equal(t, Open, b.State())
	assert.False(t, b.AllowsRequest())
}

func TestHalfOpenCanaryOnSuccessCloses(t *testing.T) {
	b := New(Config{
		VolumeThreshold: 1,
		ErrorThreshold:  0.1,
		SleepWindow:     10 * time.Millisecond,
		RollingWindow:   time.Minute,
	})
	b.MarkFailure()
	assert.Equal(t, Open, b.State())

	time.Sleep(20 * time.Millisecond)
	assert.True(t, b.AllowsRequest())
	assert.Equal(t, HalfOpen, b.State())

	b.MarkSuccess()
	assert.Equal(t, Closed, b.State())
}

func TestHalfOpenCanaryOnFailureReopens(t *testing.T) {
	b := New(Config{
		VolumeThreshold: 1,
		ErrorThreshold:  0.1,
		SleepWindow:     10 * time.Millisecond,
		RollingWindow:   time.Minute,
	})
	b.MarkFailure()
	time.Sleep(20 * time.Millisecond)
	require := assert.New(t)
	require.True(b.AllowsRequest())
	require.Equal(HalfOpen, b.State())

	b.MarkFailure()
	require.Equal(Open, b.State())
}

func TestResetClearsCounters(t *testing.T) {
	b := New(DefaultConfig())
	for i := 0; i < 5; i++ {
		b.MarkFailure()
	}
	b.Reset()
	assert.Equal(t, Closed, b.State())
	assert.Equal(t, uint32(0), b.failures.Load())
}
