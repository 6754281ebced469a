package models

import "time"

// Analysis methods
const (
	MethodManual    = "MANUAL"
	MethodAutomatic = "AUTOMATIC"
)

// Analysis represents the findings of one analyst over one acquisition. At
// most one analysis exists per (acquisition, analyst) pair.
type Analysis struct {
	ID           string    `json:"id"`
	AnalysisDate time.Time `json:"analysis_date"`
	Method       string    `json:"method"`
	Indications  []string  `json:"indications"`
	Acquisition  string    `json:"acquisition"`
	Analyst      string    `json:"analyst"`
}
