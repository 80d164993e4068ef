// Package models defines the core domain entities for the quakescope application.
// These models represent seismic event records retrieved from the USGS, the
// statistics computed over them, and the analysis reports handed to the API.
// Record-level models include built-in validation to keep cached data sane.
package models

import (
	"errors"
	"math"
	"time"
)

// Earthquake represents one observed seismic event.
// Magnitude is nil when the upstream feed reports no magnitude for the event.
type Earthquake struct {
	ID        string    `json:"id"`
	Magnitude *float64  `json:"magnitude"`
	Location  string    `json:"location"`
	Time      time.Time `json:"time"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Depth     float64   `json:"depth"` // km
	URL       string    `json:"url,omitempty"`
}

// Mag returns the usable magnitude of the event. A missing, NaN or infinite
// magnitude is reported as unusable.
func (e *Earthquake) Mag() (float64, bool) {
	if e.Magnitude == nil {
		return 0, false
	}
	m := *e.Magnitude
	if math.IsNaN(m) || math.IsInf(m, 0) {
		return 0, false
	}
	return m, true
}

// Validate checks that all earthquake fields are valid.
// A missing magnitude is allowed; analyzers skip such records.
func (e *Earthquake) Validate() error {
	if e.ID == "" {
		return errors.New("earthquake ID must not be empty")
	}
	if e.Latitude < -90 || e.Latitude > 90 {
		return errors.New("latitude must be between -90 and 90")
	}
	if e.Longitude < -180 || e.Longitude > 180 {
		return errors.New("longitude must be between -180 and 180")
	}
	if e.Time.IsZero() {
		return errors.New("event time must be set")
	}
	return nil
}

// Float returns a pointer to v. Handy for building records with a magnitude.
func Float(v float64) *float64 {
	return &v
}
