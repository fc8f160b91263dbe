package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTimerDuration(t *testing.T) {
	timer := NewTimer()
	time.Sleep(5 * time.Millisecond)
	assert.GreaterOrEqual(t, timer.Duration(), 5*time.Millisecond)
}

func TestObserveDuration(t *testing.T) {
	timer := NewTimer()
	// Should not panic against a real histogram.
	timer.ObserveDuration(SchedulerTickDuration)
}

func TestHandlerNotNil(t *testing.T) {
	assert.NotNil(t, Handler())
}
