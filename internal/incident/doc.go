// Package incident owns the response pipeline for one alert: region
// classification, plan generation, validation, the voice-approval workflow,
// and resolution.
package incident
