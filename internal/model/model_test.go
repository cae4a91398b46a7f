package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSessionStatusTerminal(t *testing.T) {
	assert.False(t, SessionStatusActive.Terminal())
	assert.True(t, SessionStatusFilled.Terminal())
	assert.True(t, SessionStatusClosed.Terminal())
}

func TestOutreachStatusValid(t *testing.T) {
	for _, s := range []OutreachStatus{
		OutreachPending, OutreachContacted, OutreachNoAnswer,
		OutreachDeclined, OutreachConfirmed, OutreachSkipped,
	} {
		assert.True(t, s.Valid(), string(s))
	}
	assert.False(t, OutreachStatus("maybe").Valid())
	assert.False(t, OutreachStatus("").Valid())
}

func TestOutreachStatusTerminal(t *testing.T) {
	assert.False(t, OutreachPending.Terminal())
	assert.False(t, OutreachContacted.Terminal())
	assert.True(t, OutreachNoAnswer.Terminal())
	assert.True(t, OutreachDeclined.Terminal())
	assert.True(t, OutreachConfirmed.Terminal())
	assert.True(t, OutreachSkipped.Terminal())
}

func TestOutreachStatusSuppressionCounting(t *testing.T) {
	// Skipped candidates were never called and confirmed customers got the
	// job, so neither should burn contact budget.
	assert.True(t, OutreachContacted.CountsForSuppression())
	assert.True(t, OutreachNoAnswer.CountsForSuppression())
	assert.True(t, OutreachDeclined.CountsForSuppression())
	assert.False(t, OutreachSkipped.CountsForSuppression())
	assert.False(t, OutreachConfirmed.CountsForSuppression())
	assert.False(t, OutreachPending.CountsForSuppression())
}

func TestOutreachStatusMarksContacted(t *testing.T) {
	assert.True(t, OutreachContacted.MarksContacted())
	assert.True(t, OutreachNoAnswer.MarksContacted())
	assert.False(t, OutreachDeclined.MarksContacted())
	assert.False(t, OutreachConfirmed.MarksContacted())
}

func TestLayerFor(t *testing.T) {
	var prev float64
	for layer := 1; layer <= MaxSearchLayer; layer++ {
		cfg, ok := LayerFor(layer)
		assert.True(t, ok, "layer %d", layer)
		assert.Greater(t, cfg.MaxMiles, prev, "radii must widen each layer")
		assert.NotEmpty(t, cfg.Label)
		prev = cfg.MaxMiles
	}

	// Time gate applies on the inner layers only.
	one, _ := LayerFor(1)
	two, _ := LayerFor(2)
	three, _ := LayerFor(3)
	four, _ := LayerFor(4)
	assert.True(t, one.EnforceTimeGate)
	assert.True(t, two.EnforceTimeGate)
	assert.False(t, three.EnforceTimeGate)
	assert.False(t, four.EnforceTimeGate)

	_, ok := LayerFor(0)
	assert.False(t, ok)
	_, ok = LayerFor(MaxSearchLayer + 1)
	assert.False(t, ok)
}

func TestHasNextStop(t *testing.T) {
	lat, lng := 32.8, -96.7
	withStop := &GapFillSession{NextStopLat: &lat, NextStopLng: &lng}
	assert.True(t, withStop.HasNextStop())

	assert.False(t, (&GapFillSession{}).HasNextStop())
	assert.False(t, (&GapFillSession{NextStopLat: &lat}).HasNextStop())
}
