// Package ledger defines the collaborator contracts every transaction handler
// runs against: the transactional asset store, the indexed queries, the
// participant directory and the event sink. The concrete store lives in
// badger.go; the directory is implemented by the repository package.
package ledger

import (
	"fmt"

	"custodia/repository/models"
)

// Error codes surfaced by transaction handlers and the store.
const (
	CodeNotAuthorized = "NOT_AUTHORIZED"
	CodeNotFound      = "NOT_FOUND"
	CodeConflict      = "CONFLICT"
	CodeInvalidState  = "INVALID_STATE"
	CodeInvalidInput  = "INVALID_INPUT"
	CodeStoreError    = "STORE_ERROR"
)

// Error represents a failed validation or store operation. Any Error aborts
// the whole transaction; nothing written before it survives the rollback.
type Error struct {
	Code    string
	Message string
	Detail  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Detail)
}

// Errf builds an Error with a formatted detail string.
func Errf(code, message, format string, args ...interface{}) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Detail:  fmt.Sprintf(format, args...),
	}
}

// AssetStore is the transactional key-value asset registry. Keys are
// (kind, id) pairs; values are JSON documents. All mutations issued through
// one store instance commit or abort together.
type AssetStore interface {
	// Exists reports whether an asset with the given kind and id is stored.
	Exists(kind, id string) (bool, *Error)
	// Get decodes the asset into out and reports whether it was found.
	Get(kind, id string, out interface{}) (bool, *Error)
	// Add stores a new asset, failing with CONFLICT if the id is in use.
	Add(kind, id string, asset interface{}) *Error
	// Update overwrites an existing asset.
	Update(kind, id string, asset interface{}) *Error
	// UpdateAll overwrites a batch of assets of one kind, keyed by id, as a
	// single unit.
	UpdateAll(kind string, assets map[string]interface{}) *Error
}

// QuerySource answers the named parametrized queries the engines depend on.
// Parameters are FQIs, matching how relations are stored.
type QuerySource interface {
	EvidencesByCase(caseFQI string) ([]models.Evidence, *Error)
	CalibrationsByWork(workFQI string) ([]models.Calibration, *Error)
	AcquisitionsByCalibration(calFQI string) ([]models.Acquisition, *Error)
	AnalysesByAcquisitionAndAnalyst(acqFQI, analystFQI string) ([]models.Analysis, *Error)
}

// Directory resolves participants. Lookups return nil without an error when
// the participant does not exist; handlers decide which code that maps to.
type Directory interface {
	GetAgent(badge string) (*models.Agent, *Error)
	GetDeposit(id string) (*models.Deposit, *Error)
	GetStaff(id string) (*models.Staff, *Error)
	// DepositByOffice resolves the office → deposit index.
	DepositByOffice(office string) (*models.Deposit, *Error)
}

// Event is a domain event emitted after a successful mutation.
type Event struct {
	Type       string
	Attributes map[string]string
}

// EventSink receives domain events. Emission is fire-and-forget; a sink must
// never fail the transaction that produced the event.
type EventSink interface {
	Emit(event Event)
}

// NopSink drops all events.
type NopSink struct{}

func (NopSink) Emit(Event) {}

// CollectSink buffers events, used by the ABCI app to attach them to the
// transaction result and by tests to assert on emissions.
type CollectSink struct {
	Events []Event
}

func (s *CollectSink) Emit(event Event) {
	s.Events = append(s.Events, event)
}
