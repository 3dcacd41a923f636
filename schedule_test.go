package igbh

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStepLR(t *testing.T) {
	schedule := StepLR{Initial: 0.01, StepSize: 25, Gamma: 0.25}
	assert.InDelta(t, 0.01, schedule.At(0), 1e-12)
	assert.InDelta(t, 0.01, schedule.At(24), 1e-12)
	assert.InDelta(t, 0.0025, schedule.At(25), 1e-12)
	assert.InDelta(t, 0.0025, schedule.At(49), 1e-12)
	assert.InDelta(t, 0.000625, schedule.At(50), 1e-12)
	assert.InDelta(t, 0.000625, schedule.At(60), 1e-12)
}
