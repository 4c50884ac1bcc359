// Package alert defines the temperature-excursion report handed to the
// incident pipeline by the shipment monitoring system.
package alert

// NextStop is the shipment's upcoming destination.
type NextStop struct {
	City       string  `json:"city"`
	ETAMinutes int     `json:"eta_minutes"`
	Lat        float64 `json:"lat"`
	Lon        float64 `json:"lon"`
}

// Alert reports a temperature excursion for one shipment. Immutable once
// handed to the pipeline; MinutesToFailure is a snapshot taken at detection
// time, not a live countdown.
type Alert struct {
	ID               int64    `json:"id"`
	Temp             float64  `json:"temp"`
	Lat              float64  `json:"lat"`
	Lon              float64  `json:"lon"`
	MinutesToFailure int      `json:"minutes_to_failure"`
	NextStop         NextStop `json:"next_stop"`
	Product          string   `json:"product"`
}
