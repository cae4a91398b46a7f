package model

// LayerConfig describes one search expansion round: how far out to look and
// whether candidates must fit before the technician's next committed stop.
type LayerConfig struct {
	MaxMiles        float64 `json:"max_miles"`
	EnforceTimeGate bool    `json:"enforce_time_gate"`
	Label           string  `json:"label"`
}

// MaxSearchLayer is the widest expansion round.
const MaxSearchLayer = 4

// layers holds the four progressively wider search radii. Radii are strictly
// increasing; the time gate is only enforced on the two inner layers, where
// the replacement must still fit ahead of the next stop.
var layers = map[int]LayerConfig{
	1: {MaxMiles: 8, EnforceTimeGate: true, Label: "Close Range, Best Fit"},
	2: {MaxMiles: 15, EnforceTimeGate: true, Label: "Expanded Range"},
	3: {MaxMiles: 20, EnforceTimeGate: false, Label: "Flexible Timing (may delay route)"},
	4: {MaxMiles: 30, EnforceTimeGate: false, Label: "All Nearby Customers"},
}

// LayerFor returns the configuration for a search layer, and whether the
// layer exists.
func LayerFor(layer int) (LayerConfig, bool) {
	cfg, ok := layers[layer]
	return cfg, ok
}
