package ledger

import (
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"custodia/identity"
	"custodia/repository/models"
)

func newTestStore(t *testing.T) *TxnStore {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	txn := db.NewTransaction(true)
	t.Cleanup(txn.Discard)
	return NewTxnStore(txn)
}

func TestAddAndGet(t *testing.T) {
	store := newTestStore(t)

	tube := models.Tube{ID: "T-1", PosX: 1.5, PosY: 2.5, Length: 10}
	require.Nil(t, store.Add(identity.KindTube, tube.ID, tube))

	var got models.Tube
	found, lerr := store.Get(identity.KindTube, "T-1", &got)
	require.Nil(t, lerr)
	require.True(t, found)
	assert.Equal(t, tube, got)

	exists, lerr := store.Exists(identity.KindTube, "T-1")
	require.Nil(t, lerr)
	assert.True(t, exists)
}

func TestGetMissingAsset(t *testing.T) {
	store := newTestStore(t)

	var got models.Tube
	found, lerr := store.Get(identity.KindTube, "nope", &got)
	require.Nil(t, lerr)
	assert.False(t, found)

	exists, lerr := store.Exists(identity.KindTube, "nope")
	require.Nil(t, lerr)
	assert.False(t, exists)
}

func TestAddRejectsDuplicateID(t *testing.T) {
	store := newTestStore(t)

	require.Nil(t, store.Add(identity.KindTube, "T-1", models.Tube{ID: "T-1"}))
	lerr := store.Add(identity.KindTube, "T-1", models.Tube{ID: "T-1"})
	require.NotNil(t, lerr)
	assert.Equal(t, CodeConflict, lerr.Code)
}

func TestUpdateRequiresExistingAsset(t *testing.T) {
	store := newTestStore(t)

	lerr := store.Update(identity.KindWork, "W-1", models.Work{ID: "W-1"})
	require.NotNil(t, lerr)
	assert.Equal(t, CodeNotFound, lerr.Code)

	require.Nil(t, store.Add(identity.KindWork, "W-1", models.Work{ID: "W-1", State: models.WorkPlanned}))
	require.Nil(t, store.Update(identity.KindWork, "W-1", models.Work{ID: "W-1", State: models.WorkInProgress}))

	var got models.Work
	found, lerr := store.Get(identity.KindWork, "W-1", &got)
	require.Nil(t, lerr)
	require.True(t, found)
	assert.Equal(t, models.WorkInProgress, got.State)
}

func TestUpdateAll(t *testing.T) {
	store := newTestStore(t)

	require.Nil(t, store.Add(identity.KindEvidence, "E-1", models.Evidence{ID: "E-1", Owner: "Agent#B-1"}))
	require.Nil(t, store.Add(identity.KindEvidence, "E-2", models.Evidence{ID: "E-2", Owner: "Agent#B-1"}))

	batch := map[string]interface{}{
		"E-1": models.Evidence{ID: "E-1", Owner: "Deposit#DEP-01"},
		"E-2": models.Evidence{ID: "E-2", Owner: "Deposit#DEP-01"},
	}
	require.Nil(t, store.UpdateAll(identity.KindEvidence, batch))

	for _, id := range []string{"E-1", "E-2"} {
		var got models.Evidence
		found, lerr := store.Get(identity.KindEvidence, id, &got)
		require.Nil(t, lerr)
		require.True(t, found)
		assert.Equal(t, "Deposit#DEP-01", got.Owner)
	}
}

func TestQueriesSeePendingWrites(t *testing.T) {
	store := newTestStore(t)

	caseFQI := identity.Format(identity.KindCase, "C-1")
	require.Nil(t, store.Add(identity.KindEvidence, "E-1", models.Evidence{ID: "E-1", Case: caseFQI}))
	require.Nil(t, store.Add(identity.KindEvidence, "E-2", models.Evidence{ID: "E-2", Case: caseFQI}))
	require.Nil(t, store.Add(identity.KindEvidence, "E-3", models.Evidence{ID: "E-3", Case: "Case#other"}))

	evidences, lerr := store.EvidencesByCase(caseFQI)
	require.Nil(t, lerr)
	require.Len(t, evidences, 2)
}

func TestCalibrationAndAcquisitionQueries(t *testing.T) {
	store := newTestStore(t)

	workFQI := identity.Format(identity.KindWork, "W-1")
	calFQI := identity.Format(identity.KindCalibration, "CAL-1")

	require.Nil(t, store.Add(identity.KindCalibration, "CAL-1", models.Calibration{ID: "CAL-1", Work: workFQI}))
	require.Nil(t, store.Add(identity.KindCalibration, "CAL-2", models.Calibration{ID: "CAL-2", Work: "Work#other"}))
	require.Nil(t, store.Add(identity.KindAcquisition, "ACQ-1", models.Acquisition{ID: "ACQ-1", Calibration: calFQI}))

	calibrations, lerr := store.CalibrationsByWork(workFQI)
	require.Nil(t, lerr)
	require.Len(t, calibrations, 1)
	assert.Equal(t, "CAL-1", calibrations[0].ID)

	acquisitions, lerr := store.AcquisitionsByCalibration(calFQI)
	require.Nil(t, lerr)
	require.Len(t, acquisitions, 1)
	assert.Equal(t, "ACQ-1", acquisitions[0].ID)
}

func TestAnalysesByAcquisitionAndAnalyst(t *testing.T) {
	store := newTestStore(t)

	acqFQI := identity.Format(identity.KindAcquisition, "ACQ-1")
	now := time.Now()
	require.Nil(t, store.Add(identity.KindAnalysis, "AN-1", models.Analysis{
		ID: "AN-1", AnalysisDate: now, Method: models.MethodManual,
		Acquisition: acqFQI, Analyst: "Staff#STF-003",
	}))
	require.Nil(t, store.Add(identity.KindAnalysis, "AN-2", models.Analysis{
		ID: "AN-2", AnalysisDate: now, Method: models.MethodManual,
		Acquisition: acqFQI, Analyst: "Staff#STF-004",
	}))

	analyses, lerr := store.AnalysesByAcquisitionAndAnalyst(acqFQI, "Staff#STF-003")
	require.Nil(t, lerr)
	require.Len(t, analyses, 1)
	assert.Equal(t, "AN-1", analyses[0].ID)

	analyses, lerr = store.AnalysesByAcquisitionAndAnalyst(acqFQI, "Staff#STF-999")
	require.Nil(t, lerr)
	assert.Empty(t, analyses)
}
