package models

import "time"

// Work states. The state is derived: PLANNED until the first calibration is
// added, WORK_IN_PROGRESS from then on, FINISHED once closed.
const (
	WorkPlanned    = "PLANNED"
	WorkInProgress = "WORK_IN_PROGRESS"
	WorkFinished   = "FINISHED"
)

// Work represents an inspection work order.
type Work struct {
	ID          string    `json:"id"`
	Description string    `json:"description"`
	WorkDate    time.Time `json:"work_date"`
	State       string    `json:"state"`
}
