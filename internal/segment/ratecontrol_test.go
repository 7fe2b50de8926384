package segment

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateControllerDelayStaysZeroBelowFuse(t *testing.T) {
	rc := NewRateController()
	for i := 0; i < forbiddenFuse; i++ {
		rc.Record403()
	}
	assert.Equal(t, time.Duration(0), rc.Delay())
	assert.Equal(t, forbiddenFuse, rc.Consecutive403())
}

func TestRateControllerBurstOf403sRaisesDelayToCap(t *testing.T) {
	rc := NewRateController()
	for i := 0; i < 11; i++ {
		rc.Record403()
	}
	assert.Equal(t, delayNudge, rc.Delay())

	// Sustained 403s push the delay up to the cap and no further.
	for i := 0; i < 50; i++ {
		rc.Record403()
	}
	assert.Equal(t, maxRequestDelay, rc.Delay())
}

func TestRateControllerSuccessDecaysCounterAndDelay(t *testing.T) {
	rc := NewRateController()
	for i := 0; i < 30; i++ {
		rc.Record403()
	}
	assert.Equal(t, maxRequestDelay, rc.Delay())

	for i := 0; i < 100; i++ {
		rc.RecordSuccess()
	}
	assert.Equal(t, 0, rc.Consecutive403())
	assert.Equal(t, time.Duration(0), rc.Delay())
}
