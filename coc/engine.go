// Package coc implements the chain-of-custody transactions: case lifecycle,
// participant enrollment, evidence intake and custody transfer. Every method
// is one atomic transaction against the asset ledger; the first failed check
// aborts it with no writes.
package coc

import (
	"time"

	"custodia/identity"
	"custodia/ledger"
	"custodia/repository/models"
)

// Participant type selectors used by transactions that reference either an
// agent or a deposit.
const (
	ParticipantAgent   = "AGENT"
	ParticipantDeposit = "DEPOSIT"
)

// Engine executes custody transactions. Collaborators are injected; the
// engine itself is stateless between invocations.
type Engine struct {
	assets    ledger.AssetStore
	queries   ledger.QuerySource
	directory ledger.Directory
	events    ledger.EventSink
	now       func() time.Time
}

// NewEngine builds an engine around the given collaborators.
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

// OpenCaseInput carries the parameters of the OpenCase transaction.
type OpenCaseInput struct {
	CaseID      string `json:"case_id"`
	Description string `json:"description"`
}

// OpenCase opens a new case. Only agents holding the officer or detective job
// may open cases; the opening agent and the deposit of the agent's office are
// enrolled as the initial participants.
func (e *Engine) OpenCase(caller identity.Ref, in OpenCaseInput) (*models.Case, *ledger.Error) {
	if caller.Kind != identity.KindAgent {
		return nil, ledger.Errf(ledger.CodeNotAuthorized, "Only police agents can open a case",
			"caller %s is not an agent", caller.FQI())
	}

	exists, lerr := e.assets.Exists(identity.KindCase, in.CaseID)
	if lerr != nil {
		return nil, lerr
	}
	if exists {
		return nil, ledger.Errf(ledger.CodeConflict, "Case id already in use",
			"the id %s is already in use", in.CaseID)
	}

	agent, lerr := e.directory.GetAgent(caller.ID)
	if lerr != nil {
		return nil, lerr
	}
	if agent == nil {
		return nil, ledger.Errf(ledger.CodeNotFound, "Agent not found",
			"agent %s does not exist", caller.ID)
	}
	if agent.Job != models.JobOfficer && agent.Job != models.JobDetective {
		return nil, ledger.Errf(ledger.CodeNotAuthorized, "Only detectives or officers can open a case",
			"agent %s has job %s", agent.Badge, agent.Job)
	}

	deposit, lerr := e.directory.DepositByOffice(agent.Office)
	if lerr != nil {
		return nil, lerr
	}
	if deposit == nil {
		return nil, ledger.Errf(ledger.CodeNotFound, "Deposit not found",
			"office %s has no deposit", agent.Office)
	}

	newCase := models.Case{
		ID:          in.CaseID,
		Description: in.Description,
		OpeningDate: e.now(),
		Status:      models.CaseOpened,
		OpenedBy:    caller.FQI(),
		Participants: []string{
			caller.FQI(),
			identity.Format(identity.KindDeposit, deposit.ID),
		},
	}
	if lerr := e.assets.Add(identity.KindCase, newCase.ID, newCase); lerr != nil {
		return nil, lerr
	}

	e.events.Emit(ledger.Event{
		Type: "CaseOpened",
		Attributes: map[string]string{
			"case_id":   newCase.ID,
			"opened_by": caller.ID,
		},
	})
	return &newCase, nil
}

// CloseCaseInput carries the parameters of the CloseCase transaction.
type CloseCaseInput struct {
	CaseID     string `json:"case_id"`
	Resolution string `json:"resolution"`
}

// CloseCase closes an open case and repatriates its evidence: every evidence
// not already held by the office deposit gets a history entry appended and
// its owner reassigned, all in the same transaction.
func (e *Engine) CloseCase(caller identity.Ref, in CloseCaseInput) (*models.Case, *ledger.Error) {
	var caso models.Case
	found, lerr := e.assets.Get(identity.KindCase, in.CaseID, &caso)
	if lerr != nil {
		return nil, lerr
	}
	if !found {
		return nil, ledger.Errf(ledger.CodeNotFound, "Case not found",
			"case %s not found", in.CaseID)
	}

	if caso.OpenedBy != caller.FQI() {
		return nil, ledger.Errf(ledger.CodeNotAuthorized, "Only the opening agent can close the case",
			"only %s can close case %s", caso.OpenedBy, in.CaseID)
	}
	if caso.Status != models.CaseOpened {
		return nil, ledger.Errf(ledger.CodeInvalidState, "Case already closed",
			"case %s is already closed", in.CaseID)
	}

	timestamp := e.now()
	caso.Status = models.CaseClosed
	caso.Resolution = in.Resolution
	caso.ClosureDate = &timestamp
	if lerr := e.assets.Update(identity.KindCase, caso.ID, caso); lerr != nil {
		return nil, lerr
	}

	agent, lerr := e.directory.GetAgent(caller.ID)
	if lerr != nil {
		return nil, lerr
	}
	if agent == nil {
		return nil, ledger.Errf(ledger.CodeNotFound, "Agent not found",
			"agent %s does not exist", caller.ID)
	}
	deposit, lerr := e.directory.DepositByOffice(agent.Office)
	if lerr != nil {
		return nil, lerr
	}
	if deposit == nil {
		return nil, ledger.Errf(ledger.CodeNotFound, "Deposit not found",
			"office %s has no deposit", agent.Office)
	}
	depositFQI := identity.Format(identity.KindDeposit, deposit.ID)

	evidences, lerr := e.queries.EvidencesByCase(identity.Format(identity.KindCase, caso.ID))
	if lerr != nil {
		return nil, lerr
	}

	repatriated := make(map[string]interface{})
	for _, evidence := range evidences {
		if evidence.Owner == depositFQI {
			// Already at the deposit, no transfer needed.
			continue
		}
		evidence.OlderOwners = append(evidence.OlderOwners, models.OwnerRecord{
			Owner: evidence.Owner,
			Till:  timestamp,
		})
		evidence.Owner = depositFQI
		repatriated[evidence.ID] = evidence
	}
	if lerr := e.assets.UpdateAll(identity.KindEvidence, repatriated); lerr != nil {
		return nil, lerr
	}

	e.events.Emit(ledger.Event{
		Type: "CaseClosed",
		Attributes: map[string]string{
			"case_id": caso.ID,
		},
	})
	return &caso, nil
}

// AddParticipantInput carries the parameters of the AddParticipant transaction.
type AddParticipantInput struct {
	CaseID          string `json:"case_id"`
	ParticipantID   string `json:"participant_id"`
	ParticipantType string `json:"participant_type"`
}

// AddParticipant enrolls an agent or deposit into an open case. Only the
// agent who opened the case can add participants.
func (e *Engine) AddParticipant(caller identity.Ref, in AddParticipantInput) (*models.Case, *ledger.Error) {
	var caso models.Case
	found, lerr := e.assets.Get(identity.KindCase, in.CaseID, &caso)
	if lerr != nil {
		return nil, lerr
	}
	if !found {
		return nil, ledger.Errf(ledger.CodeNotFound, "Case not found",
			"case %s not found", in.CaseID)
	}

	if caso.Status == models.CaseClosed {
		return nil, ledger.Errf(ledger.CodeInvalidState, "Case is closed",
			"case %s is closed", in.CaseID)
	}
	if caso.OpenedBy != caller.FQI() {
		return nil, ledger.Errf(ledger.CodeNotAuthorized, "Only the opening agent can add participants",
			"only %s can add participants to case %s", caso.OpenedBy, in.CaseID)
	}

	kind, lerr := participantKind(in.ParticipantType)
	if lerr != nil {
		return nil, lerr
	}
	if identity.Contains(caso.Participants, kind, in.ParticipantID) {
		return nil, ledger.Errf(ledger.CodeConflict, "Participant already involved",
			"%s %s is already involved in case %s", in.ParticipantType, in.ParticipantID, in.CaseID)
	}

	switch kind {
	case identity.KindAgent:
		agent, lerr := e.directory.GetAgent(in.ParticipantID)
		if lerr != nil {
			return nil, lerr
		}
		if agent == nil {
			return nil, ledger.Errf(ledger.CodeNotFound, "Participant not found",
				"agent %s does not exist", in.ParticipantID)
		}
	case identity.KindDeposit:
		deposit, lerr := e.directory.GetDeposit(in.ParticipantID)
		if lerr != nil {
			return nil, lerr
		}
		if deposit == nil {
			return nil, ledger.Errf(ledger.CodeNotFound, "Participant not found",
				"deposit %s does not exist", in.ParticipantID)
		}
	}

	caso.Participants = append(caso.Participants, identity.Format(kind, in.ParticipantID))
	if lerr := e.assets.Update(identity.KindCase, caso.ID, caso); lerr != nil {
		return nil, lerr
	}

	e.events.Emit(ledger.Event{
		Type: "ParticipantAdded",
		Attributes: map[string]string{
			"case_id":          caso.ID,
			"participant_type": in.ParticipantType,
			"participant_id":   in.ParticipantID,
		},
	})
	return &caso, nil
}

// AddEvidenceInput carries the parameters of the AddEvidence transaction.
type AddEvidenceInput struct {
	CaseID      string `json:"case_id"`
	EvidenceID  string `json:"evidence_id"`
	Hash        string `json:"hash"`
	HashType    string `json:"hash_type"`
	Description string `json:"description"`
	Extension   string `json:"extension"`
}

// AddEvidence registers a new evidence under an open case, owned by the
// calling agent. The agent must be enrolled in the case.
func (e *Engine) AddEvidence(caller identity.Ref, in AddEvidenceInput) (*models.Evidence, *ledger.Error) {
	if caller.Kind != identity.KindAgent {
		return nil, ledger.Errf(ledger.CodeNotAuthorized, "Only police agents can upload evidences",
			"caller %s is not an agent", caller.FQI())
	}

	var caso models.Case
	found, lerr := e.assets.Get(identity.KindCase, in.CaseID, &caso)
	if lerr != nil {
		return nil, lerr
	}
	if !found {
		return nil, ledger.Errf(ledger.CodeNotFound, "Case not found",
			"case %s not found", in.CaseID)
	}
	if caso.Status == models.CaseClosed {
		return nil, ledger.Errf(ledger.CodeInvalidState, "Case is closed",
			"case %s is closed", in.CaseID)
	}
	if !identity.Contains(caso.Participants, identity.KindAgent, caller.ID) {
		return nil, ledger.Errf(ledger.CodeNotAuthorized, "Agent not involved in the case",
			"agent %s is not involved in case %s and can not add evidences to it", caller.ID, in.CaseID)
	}

	exists, lerr := e.assets.Exists(identity.KindEvidence, in.EvidenceID)
	if lerr != nil {
		return nil, lerr
	}
	if exists {
		return nil, ledger.Errf(ledger.CodeConflict, "Evidence id already in use",
			"evidence with id %s already exists", in.EvidenceID)
	}

	evidence := models.Evidence{
		ID:           in.EvidenceID,
		Hash:         in.Hash,
		HashType:     in.HashType,
		Description:  in.Description,
		Extension:    in.Extension,
		AdditionDate: e.now(),
		Owner:        caller.FQI(),
		OlderOwners:  []models.OwnerRecord{},
		Case:         identity.Format(identity.KindCase, caso.ID),
	}
	if lerr := e.assets.Add(identity.KindEvidence, evidence.ID, evidence); lerr != nil {
		return nil, lerr
	}

	e.events.Emit(ledger.Event{
		Type: "EvidenceAdded",
		Attributes: map[string]string{
			"evidence_id":    evidence.ID,
			"case_id":        caso.ID,
			"participant_id": caller.ID,
		},
	})
	return &evidence, nil
}

// TransferEvidenceInput carries the parameters of the TransferEvidence
// transaction.
type TransferEvidenceInput struct {
	EvidenceID      string `json:"evidence_id"`
	ParticipantID   string `json:"participant_id"`
	ParticipantType string `json:"participant_type"`
}

// TransferEvidence hands custody of an evidence to another participant of its
// case. Only the current owner may transfer; the previous owner is appended
// to the custody history.
func (e *Engine) TransferEvidence(caller identity.Ref, in TransferEvidenceInput) (*models.Evidence, *ledger.Error) {
	var evidence models.Evidence
	found, lerr := e.assets.Get(identity.KindEvidence, in.EvidenceID, &evidence)
	if lerr != nil {
		return nil, lerr
	}
	if !found {
		return nil, ledger.Errf(ledger.CodeNotFound, "Evidence not found",
			"evidence with id %s does not exist", in.EvidenceID)
	}

	if evidence.Owner != caller.FQI() {
		return nil, ledger.Errf(ledger.CodeNotAuthorized, "Only the owner of the evidence can transfer it",
			"evidence %s is owned by %s", in.EvidenceID, evidence.Owner)
	}

	caseRef, err := identity.Parse(evidence.Case)
	if err != nil {
		return nil, ledger.Errf(ledger.CodeStoreError, "Corrupt case reference",
			"evidence %s: %v", in.EvidenceID, err)
	}
	var caso models.Case
	found, lerr = e.assets.Get(identity.KindCase, caseRef.ID, &caso)
	if lerr != nil {
		return nil, lerr
	}
	if !found {
		return nil, ledger.Errf(ledger.CodeNotFound, "Case not found",
			"case %s not found", caseRef.ID)
	}

	kind, lerr := participantKind(in.ParticipantType)
	if lerr != nil {
		return nil, lerr
	}
	if !identity.Contains(caso.Participants, kind, in.ParticipantID) {
		return nil, ledger.Errf(ledger.CodeNotAuthorized, "New owner not involved in the case",
			"%s %s is not involved in case %s, the evidence %s can not be transferred",
			in.ParticipantType, in.ParticipantID, caso.ID, in.EvidenceID)
	}
	if caso.Status == models.CaseClosed {
		return nil, ledger.Errf(ledger.CodeInvalidState, "Case is closed",
			"case %s is closed", caso.ID)
	}

	evidence.OlderOwners = append(evidence.OlderOwners, models.OwnerRecord{
		Owner: caller.FQI(),
		Till:  e.now(),
	})
	evidence.Owner = identity.Format(kind, in.ParticipantID)
	if lerr := e.assets.Update(identity.KindEvidence, evidence.ID, evidence); lerr != nil {
		return nil, lerr
	}

	e.events.Emit(ledger.Event{
		Type: "EvidenceTransferred",
		Attributes: map[string]string{
			"evidence_id":  evidence.ID,
			"old_owner_id": caller.ID,
			"new_owner_id": in.ParticipantID,
		},
	})
	return &evidence, nil
}

// participantKind maps a transaction's participant type selector to the
// identity kind, rejecting unknown values.
func participantKind(participantType string) (string, *ledger.Error) {
	switch participantType {
	case ParticipantAgent:
		return identity.KindAgent, nil
	case ParticipantDeposit:
		return identity.KindDeposit, nil
	default:
		return "", ledger.Errf(ledger.CodeInvalidInput, "Wrong participant type",
			"unknown participant type %q", participantType)
	}
}
