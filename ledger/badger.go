package ledger

import (
	"encoding/json"
	"errors"

	"github.com/dgraph-io/badger/v4"

	"custodia/identity"
	"custodia/repository/models"
)

// assetPrefix namespaces asset keys so ledger bookkeeping keys (block height,
// tx records) can share the same Badger DB.
const assetPrefix = "asset/"

// TxnStore implements AssetStore and QuerySource on top of one Badger
// transaction. Every handler invocation runs against a single TxnStore, so
// its read-modify-write sequence commits atomically or not at all; pending
// writes are visible to later reads and queries within the same transaction.
type TxnStore struct {
	txn *badger.Txn
}

// NewTxnStore wraps a Badger transaction as an asset store.
func NewTxnStore(txn *badger.Txn) *TxnStore {
	return &TxnStore{txn: txn}
}

func assetKey(kind, id string) []byte {
	return []byte(assetPrefix + identity.Format(kind, id))
}

// Exists reports whether an asset is stored under (kind, id).
func (s *TxnStore) Exists(kind, id string) (bool, *Error) {
	_, err := s.txn.Get(assetKey(kind, id))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return false, nil
		}
		return false, Errf(CodeStoreError, "Store read failed", "reading %s %s: %v", kind, id, err)
	}
	return true, nil
}

// Get decodes the asset stored under (kind, id) into out.
func (s *TxnStore) Get(kind, id string, out interface{}) (bool, *Error) {
	item, err := s.txn.Get(assetKey(kind, id))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return false, nil
		}
		return false, Errf(CodeStoreError, "Store read failed", "reading %s %s: %v", kind, id, err)
	}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, out)
	})
	if err != nil {
		return false, Errf(CodeStoreError, "Store decode failed", "decoding %s %s: %v", kind, id, err)
	}
	return true, nil
}

// Add stores a new asset, rejecting ids already in use.
func (s *TxnStore) Add(kind, id string, asset interface{}) *Error {
	exists, lerr := s.Exists(kind, id)
	if lerr != nil {
		return lerr
	}
	if exists {
		return Errf(CodeConflict, "Identifier already in use",
			"%s with id %s already exists", kind, id)
	}
	return s.put(kind, id, asset)
}

// Update overwrites an existing asset.
func (s *TxnStore) Update(kind, id string, asset interface{}) *Error {
	exists, lerr := s.Exists(kind, id)
	if lerr != nil {
		return lerr
	}
	if !exists {
		return Errf(CodeNotFound, "Asset not found",
			"%s with id %s does not exist", kind, id)
	}
	return s.put(kind, id, asset)
}

// UpdateAll overwrites a batch of assets of one kind. All writes land in the
// same transaction, so the batch is atomic by construction.
func (s *TxnStore) UpdateAll(kind string, assets map[string]interface{}) *Error {
	for id, asset := range assets {
		if lerr := s.Update(kind, id, asset); lerr != nil {
			return lerr
		}
	}
	return nil
}

func (s *TxnStore) put(kind, id string, asset interface{}) *Error {
	raw, err := json.Marshal(asset)
	if err != nil {
		return Errf(CodeStoreError, "Store encode failed", "encoding %s %s: %v", kind, id, err)
	}
	if err := s.txn.Set(assetKey(kind, id), raw); err != nil {
		return Errf(CodeStoreError, "Store write failed", "writing %s %s: %v", kind, id, err)
	}
	return nil
}

// scan iterates all assets of one kind, decoding each into a fresh value
// produced by newVal and handing it to visit.
func (s *TxnStore) scan(kind string, newVal func() interface{}, visit func(interface{})) *Error {
	prefix := []byte(assetPrefix + kind + "#")
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := s.txn.NewIterator(opts)
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		val := newVal()
		err := it.Item().Value(func(raw []byte) error {
			return json.Unmarshal(raw, val)
		})
		if err != nil {
			return Errf(CodeStoreError, "Store decode failed",
				"decoding %s %s: %v", kind, string(it.Item().Key()), err)
		}
		visit(val)
	}
	return nil
}

// EvidencesByCase returns every evidence whose case reference matches.
func (s *TxnStore) EvidencesByCase(caseFQI string) ([]models.Evidence, *Error) {
	var out []models.Evidence
	lerr := s.scan(identity.KindEvidence,
		func() interface{} { return &models.Evidence{} },
		func(v interface{}) {
			ev := v.(*models.Evidence)
			if ev.Case == caseFQI {
				out = append(out, *ev)
			}
		})
	return out, lerr
}

// CalibrationsByWork returns every calibration under the given work order.
func (s *TxnStore) CalibrationsByWork(workFQI string) ([]models.Calibration, *Error) {
	var out []models.Calibration
	lerr := s.scan(identity.KindCalibration,
		func() interface{} { return &models.Calibration{} },
		func(v interface{}) {
			cal := v.(*models.Calibration)
			if cal.Work == workFQI {
				out = append(out, *cal)
			}
		})
	return out, lerr
}

// AcquisitionsByCalibration returns every acquisition captured for the given
// calibration.
func (s *TxnStore) AcquisitionsByCalibration(calFQI string) ([]models.Acquisition, *Error) {
	var out []models.Acquisition
	lerr := s.scan(identity.KindAcquisition,
		func() interface{} { return &models.Acquisition{} },
		func(v interface{}) {
			acq := v.(*models.Acquisition)
			if acq.Calibration == calFQI {
				out = append(out, *acq)
			}
		})
	return out, lerr
}

// AnalysesByAcquisitionAndAnalyst returns the analyses one analyst produced
// for one acquisition. The (acquisition, analyst) uniqueness invariant means
// the result has length zero or one.
func (s *TxnStore) AnalysesByAcquisitionAndAnalyst(acqFQI, analystFQI string) ([]models.Analysis, *Error) {
	var out []models.Analysis
	lerr := s.scan(identity.KindAnalysis,
		func() interface{} { return &models.Analysis{} },
		func(v interface{}) {
			an := v.(*models.Analysis)
			if an.Acquisition == acqFQI && an.Analyst == analystFQI {
				out = append(out, *an)
			}
		})
	return out, lerr
}
