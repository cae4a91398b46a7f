package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/panelworks/fieldops/internal/model"
)

// Reference point is downtown Dallas; the next committed stop is a few miles
// northeast at 16:00.
var (
	refLat  = 32.7767
	refLng  = -96.7970
	nextLat = 32.8267
	nextLng = -96.7670
)

func testSession() model.GapFillSession {
	return model.GapFillSession{
		ID:                      "sess-1",
		RouteID:                 "route-1",
		CancelledJobDescription: "Solar Panel Cleaning",
		ReferenceLat:            refLat,
		ReferenceLng:            refLng,
		NextStopLat:             &nextLat,
		NextStopLng:             &nextLng,
		NextStopTime:            "16:00",
	}
}

func testInput(customers []model.CandidateCustomer) Input {
	return Input{
		Session:        testSession(),
		Layer:          1,
		Customers:      customers,
		Exclude:        map[string]bool{},
		Outreach:       map[string]model.OutreachCounts{},
		LastContacts:   map[string]model.LastContact{},
		CancelledToday: map[string]bool{},
		NowLocal:       time.Date(2025, 6, 16, 10, 0, 0, 0, time.UTC),
	}
}

func nearCustomer(id string) model.CandidateCustomer {
	return model.CandidateCustomer{
		ID:    id,
		Lat:   refLat + 0.001,
		Lng:   refLng - 0.001,
		Phone: "555-0100",
	}
}

func TestFilterAndScore_UnknownLayer(t *testing.T) {
	in := testInput(nil)
	in.Layer = 7
	_, err := FilterAndScore(in, DefaultParams())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown search layer")
}

func TestFilterAndScore_SortsTierThenDistance(t *testing.T) {
	anytimeFar := nearCustomer("anytime-far")
	anytimeFar.Lat = refLat + 0.05
	anytimeFar.AnytimeAccess = true

	anytimeNear := nearCustomer("anytime-near")
	anytimeNear.AnytimeAccess = true

	flexNearest := nearCustomer("flex-nearest")
	flexNearest.Lat = refLat + 0.0001
	flexNearest.Flexible = true

	out, err := FilterAndScore(testInput([]model.CandidateCustomer{
		flexNearest, anytimeFar, anytimeNear,
	}), DefaultParams())
	require.NoError(t, err)
	require.Len(t, out, 3)

	// Tier dominates distance: the nearest customer is tier 3 and sorts last.
	assert.Equal(t, "anytime-near", out[0].CustomerID)
	assert.Equal(t, "anytime-far", out[1].CustomerID)
	assert.Equal(t, "flex-nearest", out[2].CustomerID)
	assert.Equal(t, 1, out[0].Tier)
	assert.Equal(t, 3, out[2].Tier)
}

func TestFilterAndScore_ExcludesBeyondLayerRadius(t *testing.T) {
	far := nearCustomer("far")
	far.Lat = 32.99
	far.Lng = -96.99
	far.AnytimeAccess = true

	// ~18.5 miles out: beyond layers 1 and 2, inside layer 3.
	for layer, want := range map[int]int{1: 0, 2: 0, 3: 1, 4: 1} {
		in := testInput([]model.CandidateCustomer{far})
		in.Layer = layer
		out, err := FilterAndScore(in, DefaultParams())
		require.NoError(t, err)
		assert.Len(t, out, want, "layer %d", layer)
	}
}

func TestFilterAndScore_SuppressionCaps(t *testing.T) {
	c := nearCustomer("capped")
	p := DefaultParams()

	in := testInput([]model.CandidateCustomer{c})
	in.Outreach["capped"] = model.OutreachCounts{Week: 1, Month: 1}
	out, err := FilterAndScore(in, p)
	require.NoError(t, err)
	assert.Empty(t, out, "weekly cap")

	in = testInput([]model.CandidateCustomer{c})
	in.Outreach["capped"] = model.OutreachCounts{Week: 0, Month: 3}
	out, err = FilterAndScore(in, p)
	require.NoError(t, err)
	assert.Empty(t, out, "monthly cap")

	in = testInput([]model.CandidateCustomer{c})
	in.Outreach["capped"] = model.OutreachCounts{Week: 0, Month: 2}
	out, err = FilterAndScore(in, p)
	require.NoError(t, err)
	assert.Len(t, out, 1, "under both caps")
}

func TestFilterAndScore_ExcludeAndCancelledToday(t *testing.T) {
	a := nearCustomer("a")
	b := nearCustomer("b")
	c := nearCustomer("c")

	in := testInput([]model.CandidateCustomer{a, b, c})
	in.Exclude["a"] = true
	in.CancelledToday["b"] = true

	out, err := FilterAndScore(in, DefaultParams())
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "c", out[0].CustomerID)
}

func TestFilterAndScore_CooldownWindow(t *testing.T) {
	recent := nearCustomer("recent")
	last := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC) // ~3.5 months before
	recent.LastServiceForType = &last

	eligible := nearCustomer("eligible")
	old := time.Date(2024, 10, 1, 0, 0, 0, 0, time.UTC) // ~8.5 months before
	eligible.LastServiceForType = &old

	out, err := FilterAndScore(testInput([]model.CandidateCustomer{recent, eligible}), DefaultParams())
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "eligible", out[0].CustomerID)
}

func TestFilterAndScore_HardCutoff(t *testing.T) {
	c := nearCustomer("late")

	in := testInput([]model.CandidateCustomer{c})
	in.NowLocal = time.Date(2025, 6, 16, 17, 0, 0, 0, time.UTC)
	in.Session.NextStopTime = ""

	// 17:00 + 75 minute job runs past the 18:00 cutoff even with zero drive.
	out, err := FilterAndScore(in, DefaultParams())
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestFilterAndScore_TimeGateInnerLayersOnly(t *testing.T) {
	// ~5 miles north: 12 minute drive. With the next stop at 11:30 and now
	// 10:00, 75 + 12 + 10 overruns the 90 minute window.
	c := nearCustomer("five-miles")
	c.Lat = refLat + 0.0725

	in := testInput([]model.CandidateCustomer{c})
	in.Session.NextStopTime = "11:30"
	out, err := FilterAndScore(in, DefaultParams())
	require.NoError(t, err)
	assert.Empty(t, out, "layer 1 enforces the time gate")

	in = testInput([]model.CandidateCustomer{c})
	in.Session.NextStopTime = "11:30"
	in.Layer = 3
	out, err = FilterAndScore(in, DefaultParams())
	require.NoError(t, err)
	assert.Len(t, out, 1, "layer 3 skips the time gate")
}

func TestFilterAndScore_NoNextStopMeansNoGateAndNoDirection(t *testing.T) {
	c := nearCustomer("solo")

	in := testInput([]model.CandidateCustomer{c})
	in.Session.NextStopLat = nil
	in.Session.NextStopLng = nil
	in.Session.NextStopTime = ""

	out, err := FilterAndScore(in, DefaultParams())
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Zero(t, out[0].DirectionScore)
}

func TestFilterAndScore_CarriesLastContact(t *testing.T) {
	c := nearCustomer("seen")
	in := testInput([]model.CandidateCustomer{c})
	in.LastContacts["seen"] = model.LastContact{
		ContactedAt: time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC),
		Outcome:     "no_answer",
	}

	out, err := FilterAndScore(in, DefaultParams())
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.NotNil(t, out[0].LastContact)
	assert.Equal(t, "no_answer", out[0].LastContact.Outcome)
}

func TestFilterAndScore_FullScenario(t *testing.T) {
	// Anytime-access customer a block away, a flexible customer on the route
	// direction, and a recurring-due customer slightly farther out.
	anytime := nearCustomer("anytime")
	anytime.AnytimeAccess = true

	flex := nearCustomer("flex")
	flex.Lat = refLat + 0.02
	flex.Lng = refLng + 0.01
	flex.Flexible = true

	due := nearCustomer("due")
	due.Lat = refLat + 0.03
	due.IsRecurring = true
	due.RecurrenceForType = "biannual"
	lastCleaned := time.Date(2024, 12, 1, 0, 0, 0, 0, time.UTC)
	due.LastServiceForType = &lastCleaned

	out, err := FilterAndScore(testInput([]model.CandidateCustomer{flex, due, anytime}), DefaultParams())
	require.NoError(t, err)
	require.Len(t, out, 3)

	assert.Equal(t, []string{"anytime", "due", "flex"},
		[]string{out[0].CustomerID, out[1].CustomerID, out[2].CustomerID})
	assert.Equal(t, 1, out[0].Tier)
	assert.Equal(t, 2, out[1].Tier)
	assert.Equal(t, 3, out[2].Tier)

	// The flexible customer sits northeast toward the next stop.
	assert.Greater(t, out[2].DirectionScore, 0.5)
	assert.Equal(t, 1, out[0].SearchLayer)
	assert.Less(t, out[0].DistanceMiles, 0.2)
}

func TestParseClock(t *testing.T) {
	m, ok := parseClock("16:00")
	assert.True(t, ok)
	assert.Equal(t, 960, m)

	m, ok = parseClock("09:05:30")
	assert.True(t, ok)
	assert.Equal(t, 545, m)

	_, ok = parseClock("")
	assert.False(t, ok)
	_, ok = parseClock("noon")
	assert.False(t, ok)
}
