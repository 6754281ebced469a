package models

import "time"

// Calibration track states. Tracks only move forward:
// NOT_ASSIGNED → WORK_IN_PROGRESS → FINISHED.
const (
	TrackNotAssigned = "NOT_ASSIGNED"
	TrackInProgress  = "WORK_IN_PROGRESS"
	TrackFinished    = "FINISHED"
)

// Calibration track names
const (
	TrackPrimary    = "PRIMARY"
	TrackSecondary  = "SECONDARY"
	TrackResolution = "RESOLUTION"
)

// Calibration represents one calibration run under a work order. It carries
// three independent analysis tracks; each analyst field holds a Staff FQI and
// stays empty until the track is assigned.
type Calibration struct {
	ID               string    `json:"id"`
	CalDate          time.Time `json:"cal_date"`
	Equipment        string    `json:"equipment"`
	Work             string    `json:"work"`
	PrimaryState     string    `json:"primary_state"`
	SecondaryState   string    `json:"secondary_state"`
	ResolutionState  string    `json:"resolution_state"`
	PrimaryAnalyst   string    `json:"primary_analyst,omitempty"`
	SecondaryAnalyst string    `json:"secondary_analyst,omitempty"`
	AdvancedAnalyst  string    `json:"advanced_analyst,omitempty"`
}
