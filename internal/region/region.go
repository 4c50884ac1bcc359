// Package region maps shipment coordinates to the operating region that
// selects which SOP contacts and depots apply.
package region

// Region is a coarse geographic bucket for SOP routing.
type Region string

const (
	Americas Region = "americas"
	Asia     Region = "asia"
)

// Classify returns the operating region for a coordinate. Coordinates outside
// both bands default to Americas; fixtures and the approval dashboard depend
// on that default, so it is deliberate rather than an error.
func Classify(lat, lon float64) Region {
	if lat >= 20 && lat <= 60 && lon >= -130 && lon <= -60 {
		return Americas
	}
	if lat >= -10 && lat <= 50 && lon >= 95 && lon <= 145 {
		return Asia
	}
	return Americas
}
