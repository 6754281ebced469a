// Package nuclear implements the tube-inspection transactions: tube and work
// registration, calibration assignment and finalization, acquisition and
// analysis recording. One engine serves the whole pipeline; the automatic
// analysis transaction is an optional capability enabled by attaching an
// Analyzer.
package nuclear

import (
	"strconv"
	"time"

	"custodia/identity"
	"custodia/ledger"
	"custodia/repository/models"
)

// Engine executes inspection transactions against the asset ledger.
type Engine struct {
	assets    ledger.AssetStore
	queries   ledger.QuerySource
	directory ledger.Directory
	events    ledger.EventSink
	analyzer  Analyzer
	now       func() time.Time
}

// NewEngine builds an engine around the given collaborators. Automatic
// analysis stays disabled until WithAnalyzer is called.
func NewEngine(assets ledger.AssetStore, queries ledger.QuerySource, directory ledger.Directory, events ledger.EventSink) *Engine {
	return &Engine{
		assets:    assets,
		queries:   queries,
		directory: directory,
		events:    events,
		now:       time.Now,
	}
}

// WithClock fixes the engine's clock. Consensus replicas pass the transaction
// timestamp here so every node derives identical state.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// WithAnalyzer enables the automatic analysis capability.
func (e *Engine) WithAnalyzer(analyzer Analyzer) *Engine {
	e.analyzer = analyzer
	return e
}

// staff resolves the caller to a staff member, rejecting non-staff callers.
func (e *Engine) staff(caller identity.Ref) (*models.Staff, *ledger.Error) {
	if caller.Kind != identity.KindStaff {
		return nil, ledger.Errf(ledger.CodeNotAuthorized, "Only staff members can execute transactions",
			"caller %s is not a staff member", caller.FQI())
	}
	member, lerr := e.directory.GetStaff(caller.ID)
	if lerr != nil {
		return nil, lerr
	}
	if member == nil {
		return nil, ledger.Errf(ledger.CodeNotAuthorized, "Not a staff member",
			"the participant with identifier %s is not a staff member", caller.ID)
	}
	return member, nil
}

// RegisterTubeInput carries the parameters of the RegisterTube transaction.
type RegisterTubeInput struct {
	TubeID string  `json:"tube_id"`
	PosX   float64 `json:"pos_x"`
	PosY   float64 `json:"pos_y"`
	Length float64 `json:"length"`
}

// RegisterTube registers a new tube. Admin only; the tube is immutable once
// stored.
func (e *Engine) RegisterTube(caller identity.Ref, in RegisterTubeInput) (*models.Tube, *ledger.Error) {
	member, lerr := e.staff(caller)
	if lerr != nil {
		return nil, lerr
	}
	if member.Role != models.RoleAdmin {
		return nil, ledger.Errf(ledger.CodeNotAuthorized, "Only an admin can register a tube",
			"staff %s has role %s", member.ID, member.Role)
	}

	tube := models.Tube{
		ID:     in.TubeID,
		PosX:   in.PosX,
		PosY:   in.PosY,
		Length: in.Length,
	}
	if lerr := e.assets.Add(identity.KindTube, tube.ID, tube); lerr != nil {
		return nil, lerr
	}
	return &tube, nil
}

// CreateWorkInput carries the parameters of the CreateWork transaction.
type CreateWorkInput struct {
	WorkID      string `json:"work_id"`
	Description string `json:"description"`
}

// CreateWork creates a new work order in the PLANNED state. Admin only.
func (e *Engine) CreateWork(caller identity.Ref, in CreateWorkInput) (*models.Work, *ledger.Error) {
	member, lerr := e.staff(caller)
	if lerr != nil {
		return nil, lerr
	}
	if member.Role != models.RoleAdmin {
		return nil, ledger.Errf(ledger.CodeNotAuthorized, "Only an admin can create a new work",
			"staff %s has role %s", member.ID, member.Role)
	}

	work := models.Work{
		ID:          in.WorkID,
		Description: in.Description,
		WorkDate:    e.now(),
		State:       models.WorkPlanned,
	}
	if lerr := e.assets.Add(identity.KindWork, work.ID, work); lerr != nil {
		return nil, lerr
	}
	return &work, nil
}

// AddCalibrationInput carries the parameters of the AddCalibration
// transaction.
type AddCalibrationInput struct {
	WorkID    string `json:"work_id"`
	CalID     string `json:"cal_id"`
	Equipment string `json:"equipment"`
}

// AddCalibration attaches a new calibration to a work order, all three
// tracks unassigned. Adding the first calibration moves the work to
// WORK_IN_PROGRESS; the work state is derived from the calibration count,
// not from a separate flag.
func (e *Engine) AddCalibration(caller identity.Ref, in AddCalibrationInput) (*models.Calibration, *ledger.Error) {
	member, lerr := e.staff(caller)
	if lerr != nil {
		return nil, lerr
	}
	if member.Role != models.RoleAdmin {
		return nil, ledger.Errf(ledger.CodeNotAuthorized, "Only an admin can add a new calibration",
			"staff %s has role %s", member.ID, member.Role)
	}

	var work models.Work
	found, lerr := e.assets.Get(identity.KindWork, in.WorkID, &work)
	if lerr != nil {
		return nil, lerr
	}
	if !found {
		return nil, ledger.Errf(ledger.CodeNotFound, "Work not found",
			"work with identifier %s does not exist", in.WorkID)
	}

	workFQI := identity.Format(identity.KindWork, work.ID)
	// Count before adding: the store shows pending writes, so the check must
	// see only the previously existing calibrations.
	existing, lerr := e.queries.CalibrationsByWork(workFQI)
	if lerr != nil {
		return nil, lerr
	}

	cal := models.Calibration{
		ID:              in.CalID,
		CalDate:         e.now(),
		Equipment:       in.Equipment,
		Work:            workFQI,
		PrimaryState:    models.TrackNotAssigned,
		SecondaryState:  models.TrackNotAssigned,
		ResolutionState: models.TrackNotAssigned,
	}
	if lerr := e.assets.Add(identity.KindCalibration, cal.ID, cal); lerr != nil {
		return nil, lerr
	}

	if len(existing) == 0 {
		work.State = models.WorkInProgress
		if lerr := e.assets.Update(identity.KindWork, work.ID, work); lerr != nil {
			return nil, lerr
		}
	}
	return &cal, nil
}

// CloseWorkInput carries the parameters of the CloseWork transaction.
type CloseWorkInput struct {
	WorkID string `json:"work_id"`
}

// CloseWork finishes a work order. Every calibration under it must have its
// resolution track finished; the first unfinished one aborts the whole
// transaction and the work stays untouched.
func (e *Engine) CloseWork(caller identity.Ref, in CloseWorkInput) (*models.Work, *ledger.Error) {
	member, lerr := e.staff(caller)
	if lerr != nil {
		return nil, lerr
	}
	if member.Role != models.RoleAdmin {
		return nil, ledger.Errf(ledger.CodeNotAuthorized, "Only an admin can close a work",
			"staff %s has role %s", member.ID, member.Role)
	}

	var work models.Work
	found, lerr := e.assets.Get(identity.KindWork, in.WorkID, &work)
	if lerr != nil {
		return nil, lerr
	}
	if !found {
		return nil, ledger.Errf(ledger.CodeNotFound, "Work not found",
			"work with identifier %s does not exist", in.WorkID)
	}

	calibrations, lerr := e.queries.CalibrationsByWork(identity.Format(identity.KindWork, work.ID))
	if lerr != nil {
		return nil, lerr
	}
	for _, cal := range calibrations {
		if cal.ResolutionState != models.TrackFinished {
			return nil, ledger.Errf(ledger.CodeInvalidState, "Work has unfinished calibrations",
				"calibration %s of work %s is not finished", cal.ID, work.ID)
		}
	}

	work.State = models.WorkFinished
	if lerr := e.assets.Update(identity.KindWork, work.ID, work); lerr != nil {
		return nil, lerr
	}
	return &work, nil
}

// GetCalibrationInput carries the parameters of the GetCalibration
// transaction.
type GetCalibrationInput struct {
	CalID string `json:"cal_id"`
	Type  string `json:"type"`
}

// GetCalibration assigns a calibration track to the calling analyst and moves
// it to WORK_IN_PROGRESS. Primary and secondary tracks go to analysts and
// must be unassigned; the resolution track goes to an advanced analyst and
// requires both other tracks finished first. A calibration with no
// acquisitions can not be taken.
func (e *Engine) GetCalibration(caller identity.Ref, in GetCalibrationInput) (*models.Calibration, *ledger.Error) {
	var cal models.Calibration
	found, lerr := e.assets.Get(identity.KindCalibration, in.CalID, &cal)
	if lerr != nil {
		return nil, lerr
	}
	if !found {
		return nil, ledger.Errf(ledger.CodeNotFound, "Calibration not found",
			"calibration with identifier %s does not exist", in.CalID)
	}

	acquisitions, lerr := e.queries.AcquisitionsByCalibration(identity.Format(identity.KindCalibration, cal.ID))
	if lerr != nil {
		return nil, lerr
	}
	if len(acquisitions) == 0 {
		return nil, ledger.Errf(ledger.CodeInvalidState, "Calibration has no acquisitions",
			"you can not take calibration %s with zero acquisitions, try it later", cal.ID)
	}

	member, lerr := e.staff(caller)
	if lerr != nil {
		return nil, lerr
	}
	if member.Role != models.RoleAnalyst && member.Role != models.RoleAdvancedAnalyst {
		return nil, ledger.Errf(ledger.CodeNotAuthorized, "Only an analyst or an advanced analyst can take a calibration",
			"staff %s has role %s", member.ID, member.Role)
	}

	switch in.Type {
	case models.TrackPrimary:
		if member.Role != models.RoleAnalyst {
			return nil, ledger.Errf(ledger.CodeNotAuthorized, "Primary analysis requires the analyst role",
				"staff %s has role %s", member.ID, member.Role)
		}
		if cal.PrimaryState != models.TrackNotAssigned {
			return nil, ledger.Errf(ledger.CodeConflict, "Primary analysis already assigned",
				"primary track of calibration %s is %s", cal.ID, cal.PrimaryState)
		}
		cal.PrimaryState = models.TrackInProgress
		cal.PrimaryAnalyst = caller.FQI()
	case models.TrackSecondary:
		if member.Role != models.RoleAnalyst {
			return nil, ledger.Errf(ledger.CodeNotAuthorized, "Secondary analysis requires the analyst role",
				"staff %s has role %s", member.ID, member.Role)
		}
		if cal.SecondaryState != models.TrackNotAssigned {
			return nil, ledger.Errf(ledger.CodeConflict, "Secondary analysis already assigned",
				"secondary track of calibration %s is %s", cal.ID, cal.SecondaryState)
		}
		cal.SecondaryState = models.TrackInProgress
		cal.SecondaryAnalyst = caller.FQI()
	case models.TrackResolution:
		if member.Role != models.RoleAdvancedAnalyst {
			return nil, ledger.Errf(ledger.CodeNotAuthorized, "A resolution can only be assigned to an advanced analyst",
				"staff %s has role %s", member.ID, member.Role)
		}
		if cal.PrimaryState != models.TrackFinished || cal.SecondaryState != models.TrackFinished {
			return nil, ledger.Errf(ledger.CodeInvalidState, "A resolution can only be assigned when primary and secondary analysis are finished",
				"calibration %s has primary %s, secondary %s", cal.ID, cal.PrimaryState, cal.SecondaryState)
		}
		if cal.ResolutionState != models.TrackNotAssigned {
			return nil, ledger.Errf(ledger.CodeConflict, "Resolution analysis already assigned",
				"resolution track of calibration %s is %s", cal.ID, cal.ResolutionState)
		}
		cal.ResolutionState = models.TrackInProgress
		cal.AdvancedAnalyst = caller.FQI()
	default:
		return nil, ledger.Errf(ledger.CodeInvalidInput, "Invalid analysis type",
			"unknown analysis type %q", in.Type)
	}

	if lerr := e.assets.Update(identity.KindCalibration, cal.ID, cal); lerr != nil {
		return nil, lerr
	}
	return &cal, nil
}

// EndCalibrationInput carries the parameters of the EndCalibration
// transaction.
type EndCalibrationInput struct {
	CalID string `json:"cal_id"`
	Type  string `json:"type"`
}

// EndCalibration finishes one track of a calibration. Only the recorded
// assignee of that track may finalize it, and only after producing an
// analysis for every acquisition of the calibration. A track that was never
// assigned has no assignee to match and is rejected outright.
func (e *Engine) EndCalibration(caller identity.Ref, in EndCalibrationInput) (*models.Calibration, *ledger.Error) {
	var cal models.Calibration
	found, lerr := e.assets.Get(identity.KindCalibration, in.CalID, &cal)
	if lerr != nil {
		return nil, lerr
	}
	if !found {
		return nil, ledger.Errf(ledger.CodeNotFound, "Calibration not found",
			"calibration with identifier %s does not exist", in.CalID)
	}

	var assignee string
	switch in.Type {
	case models.TrackPrimary:
		assignee = cal.PrimaryAnalyst
	case models.TrackSecondary:
		assignee = cal.SecondaryAnalyst
	case models.TrackResolution:
		assignee = cal.AdvancedAnalyst
	default:
		return nil, ledger.Errf(ledger.CodeInvalidInput, "Invalid analysis type",
			"unknown analysis type %q", in.Type)
	}
	if assignee == "" {
		return nil, ledger.Errf(ledger.CodeNotAuthorized, "No analyst assigned to this track",
			"%s track of calibration %s has no assignee", in.Type, cal.ID)
	}
	if assignee != caller.FQI() {
		return nil, ledger.Errf(ledger.CodeNotAuthorized, "Only the assigned analyst can finalize this track",
			"%s track of calibration %s is assigned to %s", in.Type, cal.ID, assignee)
	}

	acquisitions, lerr := e.queries.AcquisitionsByCalibration(identity.Format(identity.KindCalibration, cal.ID))
	if lerr != nil {
		return nil, lerr
	}
	for _, acq := range acquisitions {
		analyses, lerr := e.queries.AnalysesByAcquisitionAndAnalyst(
			identity.Format(identity.KindAcquisition, acq.ID), caller.FQI())
		if lerr != nil {
			return nil, lerr
		}
		if len(analyses) == 0 {
			return nil, ledger.Errf(ledger.CodeInvalidState, "At least one acquisition has not been analyzed",
				"acquisition %s of calibration %s has no analysis by %s; all acquisitions must be analyzed to finish the calibration",
				acq.ID, cal.ID, caller.ID)
		}
	}

	switch in.Type {
	case models.TrackPrimary:
		cal.PrimaryState = models.TrackFinished
	case models.TrackSecondary:
		cal.SecondaryState = models.TrackFinished
	case models.TrackResolution:
		cal.ResolutionState = models.TrackFinished
	}
	if lerr := e.assets.Update(identity.KindCalibration, cal.ID, cal); lerr != nil {
		return nil, lerr
	}
	return &cal, nil
}

// AddAcquisitionInput carries the parameters of the AddAcquisition
// transaction.
type AddAcquisitionInput struct {
	CalID    string `json:"cal_id"`
	TubeID   string `json:"tube_id"`
	AcqID    string `json:"acq_id"`
	Filename string `json:"filename"`
	Hash     string `json:"hash"`
}

// AddAcquisition records a data capture from a tube under a calibration.
// Acquisitor role only; immutable once created.
func (e *Engine) AddAcquisition(caller identity.Ref, in AddAcquisitionInput) (*models.Acquisition, *ledger.Error) {
	member, lerr := e.staff(caller)
	if lerr != nil {
		return nil, lerr
	}
	if member.Role != models.RoleAcquisitor {
		return nil, ledger.Errf(ledger.CodeNotAuthorized, "Only an acquisitor can execute this transaction",
			"staff %s has role %s", member.ID, member.Role)
	}

	exists, lerr := e.assets.Exists(identity.KindCalibration, in.CalID)
	if lerr != nil {
		return nil, lerr
	}
	if !exists {
		return nil, ledger.Errf(ledger.CodeNotFound, "Calibration not found",
			"calibration with identifier %s does not exist", in.CalID)
	}

	exists, lerr = e.assets.Exists(identity.KindTube, in.TubeID)
	if lerr != nil {
		return nil, lerr
	}
	if !exists {
		return nil, ledger.Errf(ledger.CodeNotFound, "Tube not found",
			"tube with identifier %s does not exist", in.TubeID)
	}

	acq := models.Acquisition{
		ID:          in.AcqID,
		AcqDate:     e.now(),
		Filename:    in.Filename,
		Hash:        in.Hash,
		Tube:        identity.Format(identity.KindTube, in.TubeID),
		Calibration: identity.Format(identity.KindCalibration, in.CalID),
		Acquisitor:  caller.FQI(),
	}
	if lerr := e.assets.Add(identity.KindAcquisition, acq.ID, acq); lerr != nil {
		return nil, lerr
	}

	e.events.Emit(ledger.Event{
		Type: "AcquisitionAdded",
		Attributes: map[string]string{
			"acq_id":   acq.ID,
			"filename": acq.Filename,
			"hash":     acq.Hash,
		},
	})
	return &acq, nil
}

// AddAnalysisInput carries the parameters of the AddAnalysis transaction.
type AddAnalysisInput struct {
	AcqID       string   `json:"acq_id"`
	AnalysisID  string   `json:"analysis_id"`
	Indications []string `json:"indications"`
}

// AddAnalysis records a manual analysis of an acquisition. Analysts and
// advanced analysts only; one analysis per analyst per acquisition.
func (e *Engine) AddAnalysis(caller identity.Ref, in AddAnalysisInput) (*models.Analysis, *ledger.Error) {
	member, lerr := e.staff(caller)
	if lerr != nil {
		return nil, lerr
	}
	if member.Role != models.RoleAnalyst && member.Role != models.RoleAdvancedAnalyst {
		return nil, ledger.Errf(ledger.CodeNotAuthorized, "Only an analyst or an advanced analyst can execute this transaction",
			"staff %s has role %s", member.ID, member.Role)
	}

	exists, lerr := e.assets.Exists(identity.KindAcquisition, in.AcqID)
	if lerr != nil {
		return nil, lerr
	}
	if !exists {
		return nil, ledger.Errf(ledger.CodeNotFound, "Acquisition not found",
			"acquisition with identifier %s does not exist", in.AcqID)
	}

	if lerr := e.requireNoAnalysisBy(in.AcqID, caller); lerr != nil {
		return nil, lerr
	}

	analysis := models.Analysis{
		ID:           in.AnalysisID,
		AnalysisDate: e.now(),
		Method:       models.MethodManual,
		Indications:  in.Indications,
		Acquisition:  identity.Format(identity.KindAcquisition, in.AcqID),
		Analyst:      caller.FQI(),
	}
	if lerr := e.assets.Add(identity.KindAnalysis, analysis.ID, analysis); lerr != nil {
		return nil, lerr
	}
	return &analysis, nil
}

// AddAutomaticAnalysisInput carries the parameters of the
// AddAutomaticAnalysis transaction. Readings are the raw numeric samples of
// the acquisition, as captured.
type AddAutomaticAnalysisInput struct {
	AcqID      string   `json:"acq_id"`
	AnalysisID string   `json:"analysis_id"`
	Readings   []string `json:"readings"`
}

// AddAutomaticAnalysis records an analysis computed by the attached Analyzer
// from the raw readings and the tube geometry. AUTO role only; available only
// on engines with the capability enabled.
func (e *Engine) AddAutomaticAnalysis(caller identity.Ref, in AddAutomaticAnalysisInput) (*models.Analysis, *ledger.Error) {
	if e.analyzer == nil {
		return nil, ledger.Errf(ledger.CodeInvalidState, "Automatic analysis is not enabled",
			"this node has no analyzer attached")
	}

	member, lerr := e.staff(caller)
	if lerr != nil {
		return nil, lerr
	}
	if member.Role != models.RoleAuto {
		return nil, ledger.Errf(ledger.CodeNotAuthorized, "Staff must have role AUTO to execute this transaction",
			"staff %s has role %s", member.ID, member.Role)
	}

	var acq models.Acquisition
	found, lerr := e.assets.Get(identity.KindAcquisition, in.AcqID, &acq)
	if lerr != nil {
		return nil, lerr
	}
	if !found {
		return nil, ledger.Errf(ledger.CodeNotFound, "Acquisition not found",
			"acquisition with identifier %s does not exist", in.AcqID)
	}

	if lerr := e.requireNoAnalysisBy(in.AcqID, caller); lerr != nil {
		return nil, lerr
	}

	tubeRef, err := identity.Parse(acq.Tube)
	if err != nil {
		return nil, ledger.Errf(ledger.CodeStoreError, "Corrupt tube reference",
			"acquisition %s: %v", acq.ID, err)
	}
	var tube models.Tube
	found, lerr = e.assets.Get(identity.KindTube, tubeRef.ID, &tube)
	if lerr != nil {
		return nil, lerr
	}
	if !found {
		return nil, ledger.Errf(ledger.CodeNotFound, "Tube not found",
			"tube with identifier %s does not exist", tubeRef.ID)
	}

	if len(in.Readings) == 0 {
		return nil, ledger.Errf(ledger.CodeInvalidInput, "No readings supplied",
			"automatic analysis needs at least one reading")
	}
	readings := make([]int, len(in.Readings))
	for i, raw := range in.Readings {
		value, err := strconv.Atoi(raw)
		if err != nil {
			return nil, ledger.Errf(ledger.CodeInvalidInput, "Malformed reading",
				"reading %q is not numeric", raw)
		}
		readings[i] = value
	}

	analysis := models.Analysis{
		ID:           in.AnalysisID,
		AnalysisDate: e.now(),
		Method:       models.MethodAutomatic,
		Indications:  e.analyzer.Analyze(readings, tube.Length),
		Acquisition:  identity.Format(identity.KindAcquisition, acq.ID),
		Analyst:      caller.FQI(),
	}
	if lerr := e.assets.Add(identity.KindAnalysis, analysis.ID, analysis); lerr != nil {
		return nil, lerr
	}
	return &analysis, nil
}

// requireNoAnalysisBy enforces the one-analysis-per-analyst-per-acquisition
// invariant.
func (e *Engine) requireNoAnalysisBy(acqID string, caller identity.Ref) *ledger.Error {
	analyses, lerr := e.queries.AnalysesByAcquisitionAndAnalyst(
		identity.Format(identity.KindAcquisition, acqID), caller.FQI())
	if lerr != nil {
		return lerr
	}
	if len(analyses) != 0 {
		return ledger.Errf(ledger.CodeConflict, "Acquisition already analyzed by this analyst",
			"%s has already analyzed acquisition %s", caller.ID, acqID)
	}
	return nil
}
