package models

import "time"

// Acquisition represents one data capture from a tube during a calibration.
// Immutable once created.
type Acquisition struct {
	ID          string    `json:"id"`
	AcqDate     time.Time `json:"acq_date"`
	Filename    string    `json:"filename"`
	Hash        string    `json:"hash"`
	Tube        string    `json:"tube"`
	Calibration string    `json:"calibration"`
	Acquisitor  string    `json:"acquisitor"`
}
