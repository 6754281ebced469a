package models

import "time"

// Case statuses. A case only ever moves OPENED → CLOSED.
const (
	CaseOpened = "OPENED"
	CaseClosed = "CLOSED"
)

// Case represents a criminal case tracked on the ledger. OpenedBy is set at
// creation and never changes; Participants is an ordered list of Agent and
// Deposit FQIs.
type Case struct {
	ID           string     `json:"id"`
	Description  string     `json:"description"`
	OpeningDate  time.Time  `json:"opening_date"`
	ClosureDate  *time.Time `json:"closure_date,omitempty"`
	Status       string     `json:"status"`
	Resolution   string     `json:"resolution,omitempty"`
	OpenedBy     string     `json:"opened_by"`
	Participants []string   `json:"participants"`
}
