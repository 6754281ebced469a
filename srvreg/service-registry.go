// Package srvreg maps transaction envelopes to their handlers. Every replica
// registers the same operations, so replaying a committed envelope yields the
// same response on every node.
package srvreg

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"net/http"
	"sync"
	"time"

	cmtlog "github.com/cometbft/cometbft/libs/log"

	"custodia/coc"
	"custodia/identity"
	"custodia/ledger"
	"custodia/nuclear"
)

// Operation names accepted on the wire.
const (
	OpOpenCase         = "coc.open-case"
	OpCloseCase        = "coc.close-case"
	OpAddParticipant   = "coc.add-participant"
	OpAddEvidence      = "coc.add-evidence"
	OpTransferEvidence = "coc.transfer-evidence"

	OpRegisterTube         = "nuclear.register-tube"
	OpCreateWork           = "nuclear.create-work"
	OpAddCalibration       = "nuclear.add-calibration"
	OpCloseWork            = "nuclear.close-work"
	OpGetCalibration       = "nuclear.get-calibration"
	OpEndCalibration       = "nuclear.end-calibration"
	OpAddAcquisition       = "nuclear.add-acquisition"
	OpAddAnalysis          = "nuclear.add-analysis"
	OpAddAutomaticAnalysis = "nuclear.add-automatic-analysis"
)

// Request is the transaction envelope that goes through consensus. The
// timestamp travels inside the envelope so every replica evaluates the
// transaction at the same instant.
type Request struct {
	Op        string          `json:"op"`
	Caller    string          `json:"caller"`
	Payload   json.RawMessage `json:"payload"`
	RequestID string          `json:"request_id"`
	Timestamp time.Time       `json:"timestamp"`
}

// GenerateRequestID derives a deterministic ID for the request
func (r *Request) GenerateRequestID() {
	hasher := sha256.New()
	hasher.Write([]byte(fmt.Sprintf("%s-%s-%s-%s", r.Op, r.Caller, r.Payload, r.Timestamp)))
	r.RequestID = hex.EncodeToString(hasher.Sum(nil)[:16])
}

// Seed derives a PRNG seed from the request ID, shared by all replicas.
func (r *Request) Seed() int64 {
	h := fnv.New64a()
	h.Write([]byte(r.RequestID))
	return int64(h.Sum64())
}

// Response is the computed outcome of an envelope.
type Response struct {
	StatusCode int               `json:"status_code"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
	Error      string            `json:"error,omitempty"`
}

// Transaction pairs the Request with its committed Response.
type Transaction struct {
	Request      Request        `json:"request"`
	Response     Response       `json:"response"`
	Events       []ledger.Event `json:"events,omitempty"`
	OriginNodeID string         `json:"origin_node_id"`
	BlockHeight  int64          `json:"block_height,omitempty"`
}

// SerializeToBytes converts the transaction to a byte array for ledger storage
func (t *Transaction) SerializeToBytes() ([]byte, error) {
	return json.Marshal(t)
}

// ServiceHandler executes one operation against the block's asset store.
type ServiceHandler func(req *Request, store *ledger.TxnStore, events ledger.EventSink) (*Response, error)

// ServiceRegistry manages all operation handlers
type ServiceRegistry struct {
	handlers     map[string]ServiceHandler
	mu           sync.RWMutex
	directory    ledger.Directory
	logger       cmtlog.Logger
	autoAnalysis bool
}

// NewServiceRegistry creates a new service registry. Enabling autoAnalysis
// registers the automatic analysis operation and attaches an analyzer to the
// inspection engine.
func NewServiceRegistry(directory ledger.Directory, logger cmtlog.Logger, autoAnalysis bool) *ServiceRegistry {
	return &ServiceRegistry{
		handlers:     make(map[string]ServiceHandler),
		directory:    directory,
		logger:       logger,
		autoAnalysis: autoAnalysis,
	}
}

// RegisterHandler registers a handler for an operation name
func (sr *ServiceRegistry) RegisterHandler(op string, handler ServiceHandler) {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	sr.handlers[op] = handler
}

// GetHandler returns the handler for an operation and whether it exists
func (sr *ServiceRegistry) GetHandler(op string) (ServiceHandler, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()
	handler, ok := sr.handlers[op]
	return handler, ok
}

// KnownOp reports whether an operation name is registered.
func (sr *ServiceRegistry) KnownOp(op string) bool {
	_, ok := sr.GetHandler(op)
	return ok
}

// RegisterDefaultServices sets up the handlers for every supported operation
func (sr *ServiceRegistry) RegisterDefaultServices() {
	sr.RegisterHandler(OpOpenCase, sr.OpenCaseHandler)
	sr.RegisterHandler(OpCloseCase, sr.CloseCaseHandler)
	sr.RegisterHandler(OpAddParticipant, sr.AddParticipantHandler)
	sr.RegisterHandler(OpAddEvidence, sr.AddEvidenceHandler)
	sr.RegisterHandler(OpTransferEvidence, sr.TransferEvidenceHandler)

	sr.RegisterHandler(OpRegisterTube, sr.RegisterTubeHandler)
	sr.RegisterHandler(OpCreateWork, sr.CreateWorkHandler)
	sr.RegisterHandler(OpAddCalibration, sr.AddCalibrationHandler)
	sr.RegisterHandler(OpCloseWork, sr.CloseWorkHandler)
	sr.RegisterHandler(OpGetCalibration, sr.GetCalibrationHandler)
	sr.RegisterHandler(OpEndCalibration, sr.EndCalibrationHandler)
	sr.RegisterHandler(OpAddAcquisition, sr.AddAcquisitionHandler)
	sr.RegisterHandler(OpAddAnalysis, sr.AddAnalysisHandler)
	if sr.autoAnalysis {
		sr.RegisterHandler(OpAddAutomaticAnalysis, sr.AddAutomaticAnalysisHandler)
	}
}

// GenerateResponse executes the request and generates a response
func (req *Request) GenerateResponse(services *ServiceRegistry, store *ledger.TxnStore, events ledger.EventSink) (*Response, error) {
	handler, found := services.GetHandler(req.Op)
	if !found {
		services.logger.Info("Unknown operation", "op", req.Op)
		return &Response{
			StatusCode: http.StatusNotFound,
			Headers:    map[string]string{"Content-Type": "text/plain"},
			Body:       fmt.Sprintf("Unknown operation %s", req.Op),
		}, nil
	}
	return handler(req, store, events)
}

// cocEngine builds a custody engine bound to the block store, with its clock
// pinned to the envelope timestamp.
func (sr *ServiceRegistry) cocEngine(req *Request, store *ledger.TxnStore, events ledger.EventSink) *coc.Engine {
	return coc.NewEngine(store, store, sr.directory, events).
		WithClock(func() time.Time { return req.Timestamp })
}

// nuclearEngine builds an inspection engine bound to the block store. The
// analyzer is seeded from the request ID so replicas draw identical defects.
func (sr *ServiceRegistry) nuclearEngine(req *Request, store *ledger.TxnStore, events ledger.EventSink) *nuclear.Engine {
	engine := nuclear.NewEngine(store, store, sr.directory, events).
		WithClock(func() time.Time { return req.Timestamp })
	if sr.autoAnalysis {
		engine = engine.WithAnalyzer(nuclear.NewDefectAnalyzer(req.Seed()))
	}
	return engine
}

// caller parses the envelope's caller reference.
func (req *Request) caller() (identity.Ref, error) {
	return identity.Parse(req.Caller)
}
