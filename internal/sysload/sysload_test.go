package sysload

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMemoryPressureHighReflectsAvailablePercent(t *testing.T) {
	s := NewSampler()

	assert.False(t, s.MemoryPressureHigh(-1), "a negative threshold can never be under-run")
	assert.True(t, s.MemoryPressureHigh(200), "no real host has more than 200% memory available")
}

func TestRunStopsOnStopChannel(t *testing.T) {
	s := NewSampler()
	stop := make(chan struct{})

	done := make(chan struct{})
	go func() {
		s.Run(10*time.Millisecond, stop)
		close(done)
	}()
	close(stop)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after stop was closed")
	}
}
