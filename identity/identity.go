// Package identity handles the fully qualified identifiers used to reference
// participants and assets across the ledger. An FQI is "Kind#id", e.g.
// "Agent#4421" or "Calibration#CAL-001".
package identity

import (
	"fmt"
	"strings"
)

// Participant kinds
const (
	KindAgent   = "Agent"
	KindDeposit = "Deposit"
	KindStaff   = "Staff"
)

// Asset kinds
const (
	KindCase        = "Case"
	KindEvidence    = "Evidence"
	KindTube        = "Tube"
	KindWork        = "Work"
	KindCalibration = "Calibration"
	KindAcquisition = "Acquisition"
	KindAnalysis    = "Analysis"
)

// Ref is a parsed reference to a participant or asset.
type Ref struct {
	Kind string
	ID   string
}

// FQI formats the reference back to its wire form.
func (r Ref) FQI() string {
	return Format(r.Kind, r.ID)
}

// IsZero reports whether the reference is unset.
func (r Ref) IsZero() bool {
	return r.Kind == "" && r.ID == ""
}

// Format builds an FQI from a kind and an id.
func Format(kind, id string) string {
	return kind + "#" + id
}

// Parse splits an FQI into its kind and id parts.
func Parse(fqi string) (Ref, error) {
	kind, id, found := strings.Cut(fqi, "#")
	if !found || kind == "" || id == "" {
		return Ref{}, fmt.Errorf("malformed identifier %q", fqi)
	}
	return Ref{Kind: kind, ID: id}, nil
}

// Contains reports whether the FQI list holds an exact type+id match.
// Participant involvement checks are a linear scan on purpose; lists are
// short and order is part of the record.
func Contains(fqis []string, kind, id string) bool {
	want := Format(kind, id)
	for _, fqi := range fqis {
		if fqi == want {
			return true
		}
	}
	return false
}
