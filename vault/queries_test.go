package vault

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestScheduleBackOff(t *testing.T) {
	b := &scheduleBackOff{intervals: DefaultPollIntervals}

	var waits []time.Duration
	for range 7 {
		waits = append(waits, b.NextBackOff())
	}
	assert.Equal(t, []time.Duration{
		time.Second, 2 * time.Second, 5 * time.Second, 10 * time.Second,
		30 * time.Second, 30 * time.Second, 30 * time.Second,
	}, waits)

	b.Reset()
	assert.Equal(t, time.Second, b.NextBackOff())
}
