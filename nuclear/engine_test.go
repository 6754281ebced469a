package nuclear_test

import (
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"custodia/identity"
	"custodia/ledger"
	"custodia/nuclear"
	"custodia/repository/models"
)

var testClock = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

type fakeDirectory struct {
	staff map[string]models.Staff
}

func (d *fakeDirectory) GetAgent(badge string) (*models.Agent, *ledger.Error) {
	return nil, nil
}

func (d *fakeDirectory) GetDeposit(id string) (*models.Deposit, *ledger.Error) {
	return nil, nil
}

func (d *fakeDirectory) GetStaff(id string) (*models.Staff, *ledger.Error) {
	if member, ok := d.staff[id]; ok {
		return &member, nil
	}
	return nil, nil
}

func (d *fakeDirectory) DepositByOffice(office string) (*models.Deposit, *ledger.Error) {
	return nil, nil
}

type testEnv struct {
	store  *ledger.TxnStore
	events *ledger.CollectSink
	engine *nuclear.Engine
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	txn := db.NewTransaction(true)
	t.Cleanup(txn.Discard)

	store := ledger.NewTxnStore(txn)
	dir := &fakeDirectory{
		staff: map[string]models.Staff{
			"STF-001": {ID: "STF-001", Name: "Aiko Tanaka", Role: models.RoleAdmin},
			"STF-002": {ID: "STF-002", Name: "Ruben Castillo", Role: models.RoleAcquisitor},
			"STF-003": {ID: "STF-003", Name: "Nadia Petrova", Role: models.RoleAnalyst},
			"STF-004": {ID: "STF-004", Name: "Oscar Lindqvist", Role: models.RoleAnalyst},
			"STF-005": {ID: "STF-005", Name: "Wei Zhang", Role: models.RoleAdvancedAnalyst},
			"STF-006": {ID: "STF-006", Name: "auto-pipeline", Role: models.RoleAuto},
		},
	}
	events := &ledger.CollectSink{}
	engine := nuclear.NewEngine(store, store, dir, events).
		WithClock(func() time.Time { return testClock }).
		WithAnalyzer(nuclear.NewDefectAnalyzer(42))

	return &testEnv{store: store, events: events, engine: engine}
}

func staffRef(id string) identity.Ref {
	return identity.Ref{Kind: identity.KindStaff, ID: id}
}

var (
	admin           = staffRef("STF-001")
	acquisitor      = staffRef("STF-002")
	analystA        = staffRef("STF-003")
	analystB        = staffRef("STF-004")
	advancedAnalyst = staffRef("STF-005")
	autoPipeline    = staffRef("STF-006")
)

// setupCalibration registers a tube, creates a work and attaches one
// calibration with one acquisition.
func (env *testEnv) setupCalibration(t *testing.T) {
	t.Helper()
	_, lerr := env.engine.RegisterTube(admin, nuclear.RegisterTubeInput{TubeID: "T-1", Length: 12})
	require.Nil(t, lerr)
	_, lerr = env.engine.CreateWork(admin, nuclear.CreateWorkInput{WorkID: "W-1", Description: "yearly inspection"})
	require.Nil(t, lerr)
	_, lerr = env.engine.AddCalibration(admin, nuclear.AddCalibrationInput{WorkID: "W-1", CalID: "CAL-1", Equipment: "probe-7"})
	require.Nil(t, lerr)
	_, lerr = env.engine.AddAcquisition(acquisitor, nuclear.AddAcquisitionInput{
		CalID: "CAL-1", TubeID: "T-1", AcqID: "ACQ-1", Filename: "scan-001.dat", Hash: "deadbeef",
	})
	require.Nil(t, lerr)
}

func TestRegisterTubeAdminOnly(t *testing.T) {
	env := newTestEnv(t)

	tube, lerr := env.engine.RegisterTube(admin, nuclear.RegisterTubeInput{TubeID: "T-1", PosX: 1, PosY: 2, Length: 12})
	require.Nil(t, lerr)
	assert.Equal(t, 12.0, tube.Length)

	_, lerr = env.engine.RegisterTube(analystA, nuclear.RegisterTubeInput{TubeID: "T-2"})
	require.NotNil(t, lerr)
	assert.Equal(t, ledger.CodeNotAuthorized, lerr.Code)

	_, lerr = env.engine.RegisterTube(admin, nuclear.RegisterTubeInput{TubeID: "T-1"})
	require.NotNil(t, lerr)
	assert.Equal(t, ledger.CodeConflict, lerr.Code)
}

func TestRegisterTubeRejectsNonStaff(t *testing.T) {
	env := newTestEnv(t)

	_, lerr := env.engine.RegisterTube(identity.Ref{Kind: identity.KindAgent, ID: "B-1001"}, nuclear.RegisterTubeInput{TubeID: "T-1"})
	require.NotNil(t, lerr)
	assert.Equal(t, ledger.CodeNotAuthorized, lerr.Code)
}

func TestCreateWorkStartsPlanned(t *testing.T) {
	env := newTestEnv(t)

	work, lerr := env.engine.CreateWork(admin, nuclear.CreateWorkInput{WorkID: "W-1", Description: "yearly inspection"})
	require.Nil(t, lerr)
	assert.Equal(t, models.WorkPlanned, work.State)
	assert.Equal(t, testClock, work.WorkDate)
}

func TestAddCalibrationMovesWorkInProgress(t *testing.T) {
	env := newTestEnv(t)
	_, lerr := env.engine.CreateWork(admin, nuclear.CreateWorkInput{WorkID: "W-1"})
	require.Nil(t, lerr)

	cal, lerr := env.engine.AddCalibration(admin, nuclear.AddCalibrationInput{WorkID: "W-1", CalID: "CAL-1"})
	require.Nil(t, lerr)
	assert.Equal(t, models.TrackNotAssigned, cal.PrimaryState)
	assert.Equal(t, models.TrackNotAssigned, cal.SecondaryState)
	assert.Equal(t, models.TrackNotAssigned, cal.ResolutionState)

	var work models.Work
	found, slerr := env.store.Get(identity.KindWork, "W-1", &work)
	require.Nil(t, slerr)
	require.True(t, found)
	assert.Equal(t, models.WorkInProgress, work.State)

	// A second calibration leaves the state untouched.
	_, lerr = env.engine.AddCalibration(admin, nuclear.AddCalibrationInput{WorkID: "W-1", CalID: "CAL-2"})
	require.Nil(t, lerr)
	found, slerr = env.store.Get(identity.KindWork, "W-1", &work)
	require.Nil(t, slerr)
	require.True(t, found)
	assert.Equal(t, models.WorkInProgress, work.State)
}

func TestAddCalibrationUnknownWork(t *testing.T) {
	env := newTestEnv(t)

	_, lerr := env.engine.AddCalibration(admin, nuclear.AddCalibrationInput{WorkID: "nope", CalID: "CAL-1"})
	require.NotNil(t, lerr)
	assert.Equal(t, ledger.CodeNotFound, lerr.Code)
}

func TestCloseWorkWithoutCalibrations(t *testing.T) {
	env := newTestEnv(t)
	_, lerr := env.engine.CreateWork(admin, nuclear.CreateWorkInput{WorkID: "W-1"})
	require.Nil(t, lerr)

	work, lerr := env.engine.CloseWork(admin, nuclear.CloseWorkInput{WorkID: "W-1"})
	require.Nil(t, lerr)
	assert.Equal(t, models.WorkFinished, work.State)
}

func TestCloseWorkRejectsUnfinishedCalibrations(t *testing.T) {
	env := newTestEnv(t)
	env.setupCalibration(t)

	_, lerr := env.engine.CloseWork(admin, nuclear.CloseWorkInput{WorkID: "W-1"})
	require.NotNil(t, lerr)
	assert.Equal(t, ledger.CodeInvalidState, lerr.Code)

	var work models.Work
	found, slerr := env.store.Get(identity.KindWork, "W-1", &work)
	require.Nil(t, slerr)
	require.True(t, found)
	assert.Equal(t, models.WorkInProgress, work.State, "failed close must not touch the work")
}

func TestGetCalibrationRequiresAcquisitions(t *testing.T) {
	env := newTestEnv(t)
	_, lerr := env.engine.CreateWork(admin, nuclear.CreateWorkInput{WorkID: "W-1"})
	require.Nil(t, lerr)
	_, lerr = env.engine.AddCalibration(admin, nuclear.AddCalibrationInput{WorkID: "W-1", CalID: "CAL-1"})
	require.Nil(t, lerr)

	_, lerr = env.engine.GetCalibration(analystA, nuclear.GetCalibrationInput{CalID: "CAL-1", Type: models.TrackPrimary})
	require.NotNil(t, lerr)
	assert.Equal(t, ledger.CodeInvalidState, lerr.Code)
}

func TestGetCalibrationPrimaryTrack(t *testing.T) {
	env := newTestEnv(t)
	env.setupCalibration(t)

	cal, lerr := env.engine.GetCalibration(analystA, nuclear.GetCalibrationInput{CalID: "CAL-1", Type: models.TrackPrimary})
	require.Nil(t, lerr)
	assert.Equal(t, models.TrackInProgress, cal.PrimaryState)
	assert.Equal(t, "Staff#STF-003", cal.PrimaryAnalyst)

	// The track is taken now.
	_, lerr = env.engine.GetCalibration(analystB, nuclear.GetCalibrationInput{CalID: "CAL-1", Type: models.TrackPrimary})
	require.NotNil(t, lerr)
	assert.Equal(t, ledger.CodeConflict, lerr.Code)
}

func TestGetCalibrationRoleGates(t *testing.T) {
	env := newTestEnv(t)
	env.setupCalibration(t)

	// Acquisitors can not take any track.
	_, lerr := env.engine.GetCalibration(acquisitor, nuclear.GetCalibrationInput{CalID: "CAL-1", Type: models.TrackPrimary})
	require.NotNil(t, lerr)
	assert.Equal(t, ledger.CodeNotAuthorized, lerr.Code)

	// Advanced analysts do resolutions, not primary analysis.
	_, lerr = env.engine.GetCalibration(advancedAnalyst, nuclear.GetCalibrationInput{CalID: "CAL-1", Type: models.TrackPrimary})
	require.NotNil(t, lerr)
	assert.Equal(t, ledger.CodeNotAuthorized, lerr.Code)

	// Plain analysts can not take the resolution track.
	_, lerr = env.engine.GetCalibration(analystA, nuclear.GetCalibrationInput{CalID: "CAL-1", Type: models.TrackResolution})
	require.NotNil(t, lerr)
	assert.Equal(t, ledger.CodeNotAuthorized, lerr.Code)

	_, lerr = env.engine.GetCalibration(analystA, nuclear.GetCalibrationInput{CalID: "CAL-1", Type: "TERTIARY"})
	require.NotNil(t, lerr)
	assert.Equal(t, ledger.CodeInvalidInput, lerr.Code)
}

func TestGetCalibrationResolutionNeedsFinishedTracks(t *testing.T) {
	env := newTestEnv(t)
	env.setupCalibration(t)

	_, lerr := env.engine.GetCalibration(advancedAnalyst, nuclear.GetCalibrationInput{CalID: "CAL-1", Type: models.TrackResolution})
	require.NotNil(t, lerr)
	assert.Equal(t, ledger.CodeInvalidState, lerr.Code)
}

// finishTrack takes a track, analyzes the acquisition and finalizes it.
func (env *testEnv) finishTrack(t *testing.T, analyst identity.Ref, track, analysisID string) {
	t.Helper()
	_, lerr := env.engine.GetCalibration(analyst, nuclear.GetCalibrationInput{CalID: "CAL-1", Type: track})
	require.Nil(t, lerr)
	_, lerr = env.engine.AddAnalysis(analyst, nuclear.AddAnalysisInput{
		AcqID:      "ACQ-1",
		AnalysisID: analysisID,
	})
	require.Nil(t, lerr)
	_, lerr = env.engine.EndCalibration(analyst, nuclear.EndCalibrationInput{CalID: "CAL-1", Type: track})
	require.Nil(t, lerr)
}

func TestFullCalibrationLifecycle(t *testing.T) {
	env := newTestEnv(t)
	env.setupCalibration(t)

	env.finishTrack(t, analystA, models.TrackPrimary, "AN-1")
	env.finishTrack(t, analystB, models.TrackSecondary, "AN-2")
	env.finishTrack(t, advancedAnalyst, models.TrackResolution, "AN-3")

	var cal models.Calibration
	found, slerr := env.store.Get(identity.KindCalibration, "CAL-1", &cal)
	require.Nil(t, slerr)
	require.True(t, found)
	assert.Equal(t, models.TrackFinished, cal.PrimaryState)
	assert.Equal(t, models.TrackFinished, cal.SecondaryState)
	assert.Equal(t, models.TrackFinished, cal.ResolutionState)

	work, lerr := env.engine.CloseWork(admin, nuclear.CloseWorkInput{WorkID: "W-1"})
	require.Nil(t, lerr)
	assert.Equal(t, models.WorkFinished, work.State)
}

func TestEndCalibrationGuards(t *testing.T) {
	env := newTestEnv(t)
	env.setupCalibration(t)

	// No analyst assigned yet.
	_, lerr := env.engine.EndCalibration(analystA, nuclear.EndCalibrationInput{CalID: "CAL-1", Type: models.TrackPrimary})
	require.NotNil(t, lerr)
	assert.Equal(t, ledger.CodeNotAuthorized, lerr.Code)

	_, lerr = env.engine.GetCalibration(analystA, nuclear.GetCalibrationInput{CalID: "CAL-1", Type: models.TrackPrimary})
	require.Nil(t, lerr)

	// Someone else's track.
	_, lerr = env.engine.EndCalibration(analystB, nuclear.EndCalibrationInput{CalID: "CAL-1", Type: models.TrackPrimary})
	require.NotNil(t, lerr)
	assert.Equal(t, ledger.CodeNotAuthorized, lerr.Code)

	// Assignee has not analyzed the acquisition yet.
	_, lerr = env.engine.EndCalibration(analystA, nuclear.EndCalibrationInput{CalID: "CAL-1", Type: models.TrackPrimary})
	require.NotNil(t, lerr)
	assert.Equal(t, ledger.CodeInvalidState, lerr.Code)
}

func TestAddAcquisition(t *testing.T) {
	env := newTestEnv(t)
	env.setupCalibration(t)

	require.Len(t, env.events.Events, 1)
	assert.Equal(t, "AcquisitionAdded", env.events.Events[0].Type)
	assert.Equal(t, "ACQ-1", env.events.Events[0].Attributes["acq_id"])

	// Only acquisitors may record acquisitions.
	_, lerr := env.engine.AddAcquisition(analystA, nuclear.AddAcquisitionInput{
		CalID: "CAL-1", TubeID: "T-1", AcqID: "ACQ-2",
	})
	require.NotNil(t, lerr)
	assert.Equal(t, ledger.CodeNotAuthorized, lerr.Code)

	_, lerr = env.engine.AddAcquisition(acquisitor, nuclear.AddAcquisitionInput{
		CalID: "nope", TubeID: "T-1", AcqID: "ACQ-2",
	})
	require.NotNil(t, lerr)
	assert.Equal(t, ledger.CodeNotFound, lerr.Code)

	_, lerr = env.engine.AddAcquisition(acquisitor, nuclear.AddAcquisitionInput{
		CalID: "CAL-1", TubeID: "nope", AcqID: "ACQ-2",
	})
	require.NotNil(t, lerr)
	assert.Equal(t, ledger.CodeNotFound, lerr.Code)
}

func TestAddAnalysisUniquePerAnalyst(t *testing.T) {
	env := newTestEnv(t)
	env.setupCalibration(t)

	analysis, lerr := env.engine.AddAnalysis(analystA, nuclear.AddAnalysisInput{
		AcqID:       "ACQ-1",
		AnalysisID:  "AN-1",
		Indications: []string{"Detected fissure, position 3.2"},
	})
	require.Nil(t, lerr)
	assert.Equal(t, models.MethodManual, analysis.Method)
	assert.Equal(t, "Staff#STF-003", analysis.Analyst)

	// Same analyst, same acquisition: rejected.
	_, lerr = env.engine.AddAnalysis(analystA, nuclear.AddAnalysisInput{AcqID: "ACQ-1", AnalysisID: "AN-2"})
	require.NotNil(t, lerr)
	assert.Equal(t, ledger.CodeConflict, lerr.Code)

	// A different analyst may still analyze it.
	_, lerr = env.engine.AddAnalysis(analystB, nuclear.AddAnalysisInput{AcqID: "ACQ-1", AnalysisID: "AN-3"})
	require.Nil(t, lerr)
}

func TestAddAnalysisRoleGate(t *testing.T) {
	env := newTestEnv(t)
	env.setupCalibration(t)

	_, lerr := env.engine.AddAnalysis(acquisitor, nuclear.AddAnalysisInput{AcqID: "ACQ-1", AnalysisID: "AN-1"})
	require.NotNil(t, lerr)
	assert.Equal(t, ledger.CodeNotAuthorized, lerr.Code)

	// Advanced analysts may analyze too.
	_, lerr = env.engine.AddAnalysis(advancedAnalyst, nuclear.AddAnalysisInput{AcqID: "ACQ-1", AnalysisID: "AN-1"})
	require.Nil(t, lerr)
}

func TestAddAutomaticAnalysis(t *testing.T) {
	env := newTestEnv(t)
	env.setupCalibration(t)

	analysis, lerr := env.engine.AddAutomaticAnalysis(autoPipeline, nuclear.AddAutomaticAnalysisInput{
		AcqID:      "ACQ-1",
		AnalysisID: "AN-1",
		Readings:   []string{"3", "2", "1"},
	})
	require.Nil(t, lerr)
	assert.Equal(t, models.MethodAutomatic, analysis.Method)
	assert.Len(t, analysis.Indications, 2) // round(mean(3,2,1)) % 4

	// Same pipeline identity can not analyze the acquisition twice.
	_, lerr = env.engine.AddAutomaticAnalysis(autoPipeline, nuclear.AddAutomaticAnalysisInput{
		AcqID: "ACQ-1", AnalysisID: "AN-2", Readings: []string{"1"},
	})
	require.NotNil(t, lerr)
	assert.Equal(t, ledger.CodeConflict, lerr.Code)
}

func TestAddAutomaticAnalysisRequiresAutoRole(t *testing.T) {
	env := newTestEnv(t)
	env.setupCalibration(t)

	_, lerr := env.engine.AddAutomaticAnalysis(analystA, nuclear.AddAutomaticAnalysisInput{
		AcqID: "ACQ-1", AnalysisID: "AN-1", Readings: []string{"1"},
	})
	require.NotNil(t, lerr)
	assert.Equal(t, ledger.CodeNotAuthorized, lerr.Code)
}

func TestAddAutomaticAnalysisValidatesReadings(t *testing.T) {
	env := newTestEnv(t)
	env.setupCalibration(t)

	_, lerr := env.engine.AddAutomaticAnalysis(autoPipeline, nuclear.AddAutomaticAnalysisInput{
		AcqID: "ACQ-1", AnalysisID: "AN-1", Readings: nil,
	})
	require.NotNil(t, lerr)
	assert.Equal(t, ledger.CodeInvalidInput, lerr.Code)

	_, lerr = env.engine.AddAutomaticAnalysis(autoPipeline, nuclear.AddAutomaticAnalysisInput{
		AcqID: "ACQ-1", AnalysisID: "AN-1", Readings: []string{"3", "abc"},
	})
	require.NotNil(t, lerr)
	assert.Equal(t, ledger.CodeInvalidInput, lerr.Code)
}

func TestAddAutomaticAnalysisDisabledWithoutAnalyzer(t *testing.T) {
	env := newTestEnv(t)
	env.setupCalibration(t)

	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	txn := db.NewTransaction(true)
	t.Cleanup(txn.Discard)
	store := ledger.NewTxnStore(txn)

	bare := nuclear.NewEngine(store, store, &fakeDirectory{}, &ledger.NopSink{})
	_, lerr := bare.AddAutomaticAnalysis(autoPipeline, nuclear.AddAutomaticAnalysisInput{
		AcqID: "ACQ-1", AnalysisID: "AN-1", Readings: []string{"1"},
	})
	require.NotNil(t, lerr)
	assert.Equal(t, ledger.CodeInvalidState, lerr.Code)
}
