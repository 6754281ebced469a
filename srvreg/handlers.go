package srvreg

import (
	"encoding/json"
	"fmt"
	"net/http"

	"custodia/coc"
	"custodia/ledger"
	"custodia/nuclear"
)

var defaultHeaders = map[string]string{"Content-Type": "application/json"}

// statusFor maps a ledger error code to an HTTP-style status.
func statusFor(code string) int {
	switch code {
	case ledger.CodeNotAuthorized:
		return http.StatusForbidden
	case ledger.CodeNotFound:
		return http.StatusNotFound
	case ledger.CodeConflict:
		return http.StatusConflict
	case ledger.CodeInvalidState:
		return http.StatusUnprocessableEntity
	case ledger.CodeInvalidInput:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func errorResponse(lerr *ledger.Error) (*Response, error) {
	body, _ := json.Marshal(map[string]string{
		"error":  lerr.Message,
		"code":   lerr.Code,
		"detail": lerr.Detail,
	})
	return &Response{
		StatusCode: statusFor(lerr.Code),
		Headers:    defaultHeaders,
		Body:       string(body),
		Error:      lerr.Message,
	}, fmt.Errorf("%s: %s", lerr.Code, lerr.Message)
}

func okResponse(status int, result interface{}) (*Response, error) {
	body, err := json.Marshal(result)
	if err != nil {
		return &Response{
			StatusCode: http.StatusInternalServerError,
			Headers:    defaultHeaders,
			Body:       `{"error":"Failed to encode result"}`,
		}, err
	}
	return &Response{
		StatusCode: status,
		Headers:    defaultHeaders,
		Body:       string(body),
	}, nil
}

func badEnvelope(detail string) (*Response, error) {
	body, _ := json.Marshal(map[string]string{"error": detail})
	return &Response{
		StatusCode: http.StatusUnprocessableEntity,
		Headers:    defaultHeaders,
		Body:       string(body),
	}, fmt.Errorf("%s", detail)
}

// decode unmarshals the envelope payload into the operation's input struct.
func (sr *ServiceRegistry) decode(req *Request, into interface{}) error {
	if err := json.Unmarshal(req.Payload, into); err != nil {
		sr.logger.Info("Failed to parse payload", "op", req.Op, "error", err.Error())
		return err
	}
	return nil
}

func (sr *ServiceRegistry) OpenCaseHandler(req *Request, store *ledger.TxnStore, events ledger.EventSink) (*Response, error) {
	caller, err := req.caller()
	if err != nil {
		return badEnvelope(fmt.Sprintf("Invalid caller: %s", err.Error()))
	}
	var input coc.OpenCaseInput
	if err := sr.decode(req, &input); err != nil {
		return badEnvelope(fmt.Sprintf("Invalid payload: %s", err.Error()))
	}

	caso, lerr := sr.cocEngine(req, store, events).OpenCase(caller, input)
	if lerr != nil {
		return errorResponse(lerr)
	}
	return okResponse(http.StatusCreated, caso)
}

func (sr *ServiceRegistry) CloseCaseHandler(req *Request, store *ledger.TxnStore, events ledger.EventSink) (*Response, error) {
	caller, err := req.caller()
	if err != nil {
		return badEnvelope(fmt.Sprintf("Invalid caller: %s", err.Error()))
	}
	var input coc.CloseCaseInput
	if err := sr.decode(req, &input); err != nil {
		return badEnvelope(fmt.Sprintf("Invalid payload: %s", err.Error()))
	}

	caso, lerr := sr.cocEngine(req, store, events).CloseCase(caller, input)
	if lerr != nil {
		return errorResponse(lerr)
	}
	return okResponse(http.StatusOK, caso)
}

func (sr *ServiceRegistry) AddParticipantHandler(req *Request, store *ledger.TxnStore, events ledger.EventSink) (*Response, error) {
	caller, err := req.caller()
	if err != nil {
		return badEnvelope(fmt.Sprintf("Invalid caller: %s", err.Error()))
	}
	var input coc.AddParticipantInput
	if err := sr.decode(req, &input); err != nil {
		return badEnvelope(fmt.Sprintf("Invalid payload: %s", err.Error()))
	}

	caso, lerr := sr.cocEngine(req, store, events).AddParticipant(caller, input)
	if lerr != nil {
		return errorResponse(lerr)
	}
	return okResponse(http.StatusOK, caso)
}

func (sr *ServiceRegistry) AddEvidenceHandler(req *Request, store *ledger.TxnStore, events ledger.EventSink) (*Response, error) {
	caller, err := req.caller()
	if err != nil {
		return badEnvelope(fmt.Sprintf("Invalid caller: %s", err.Error()))
	}
	var input coc.AddEvidenceInput
	if err := sr.decode(req, &input); err != nil {
		return badEnvelope(fmt.Sprintf("Invalid payload: %s", err.Error()))
	}

	evidence, lerr := sr.cocEngine(req, store, events).AddEvidence(caller, input)
	if lerr != nil {
		return errorResponse(lerr)
	}
	return okResponse(http.StatusCreated, evidence)
}

func (sr *ServiceRegistry) TransferEvidenceHandler(req *Request, store *ledger.TxnStore, events ledger.EventSink) (*Response, error) {
	caller, err := req.caller()
	if err != nil {
		return badEnvelope(fmt.Sprintf("Invalid caller: %s", err.Error()))
	}
	var input coc.TransferEvidenceInput
	if err := sr.decode(req, &input); err != nil {
		return badEnvelope(fmt.Sprintf("Invalid payload: %s", err.Error()))
	}

	evidence, lerr := sr.cocEngine(req, store, events).TransferEvidence(caller, input)
	if lerr != nil {
		return errorResponse(lerr)
	}
	return okResponse(http.StatusOK, evidence)
}

func (sr *ServiceRegistry) RegisterTubeHandler(req *Request, store *ledger.TxnStore, events ledger.EventSink) (*Response, error) {
	caller, err := req.caller()
	if err != nil {
		return badEnvelope(fmt.Sprintf("Invalid caller: %s", err.Error()))
	}
	var input nuclear.RegisterTubeInput
	if err := sr.decode(req, &input); err != nil {
		return badEnvelope(fmt.Sprintf("Invalid payload: %s", err.Error()))
	}

	tube, lerr := sr.nuclearEngine(req, store, events).RegisterTube(caller, input)
	if lerr != nil {
		return errorResponse(lerr)
	}
	return okResponse(http.StatusCreated, tube)
}

func (sr *ServiceRegistry) CreateWorkHandler(req *Request, store *ledger.TxnStore, events ledger.EventSink) (*Response, error) {
	caller, err := req.caller()
	if err != nil {
		return badEnvelope(fmt.Sprintf("Invalid caller: %s", err.Error()))
	}
	var input nuclear.CreateWorkInput
	if err := sr.decode(req, &input); err != nil {
		return badEnvelope(fmt.Sprintf("Invalid payload: %s", err.Error()))
	}

	work, lerr := sr.nuclearEngine(req, store, events).CreateWork(caller, input)
	if lerr != nil {
		return errorResponse(lerr)
	}
	return okResponse(http.StatusCreated, work)
}

func (sr *ServiceRegistry) AddCalibrationHandler(req *Request, store *ledger.TxnStore, events ledger.EventSink) (*Response, error) {
	caller, err := req.caller()
	if err != nil {
		return badEnvelope(fmt.Sprintf("Invalid caller: %s", err.Error()))
	}
	var input nuclear.AddCalibrationInput
	if err := sr.decode(req, &input); err != nil {
		return badEnvelope(fmt.Sprintf("Invalid payload: %s", err.Error()))
	}

	cal, lerr := sr.nuclearEngine(req, store, events).AddCalibration(caller, input)
	if lerr != nil {
		return errorResponse(lerr)
	}
	return okResponse(http.StatusCreated, cal)
}

func (sr *ServiceRegistry) CloseWorkHandler(req *Request, store *ledger.TxnStore, events ledger.EventSink) (*Response, error) {
	caller, err := req.caller()
	if err != nil {
		return badEnvelope(fmt.Sprintf("Invalid caller: %s", err.Error()))
	}
	var input nuclear.CloseWorkInput
	if err := sr.decode(req, &input); err != nil {
		return badEnvelope(fmt.Sprintf("Invalid payload: %s", err.Error()))
	}

	work, lerr := sr.nuclearEngine(req, store, events).CloseWork(caller, input)
	if lerr != nil {
		return errorResponse(lerr)
	}
	return okResponse(http.StatusOK, work)
}

func (sr *ServiceRegistry) GetCalibrationHandler(req *Request, store *ledger.TxnStore, events ledger.EventSink) (*Response, error) {
	caller, err := req.caller()
	if err != nil {
		return badEnvelope(fmt.Sprintf("Invalid caller: %s", err.Error()))
	}
	var input nuclear.GetCalibrationInput
	if err := sr.decode(req, &input); err != nil {
		return badEnvelope(fmt.Sprintf("Invalid payload: %s", err.Error()))
	}

	cal, lerr := sr.nuclearEngine(req, store, events).GetCalibration(caller, input)
	if lerr != nil {
		return errorResponse(lerr)
	}
	return okResponse(http.StatusOK, cal)
}

func (sr *ServiceRegistry) EndCalibrationHandler(req *Request, store *ledger.TxnStore, events ledger.EventSink) (*Response, error) {
	caller, err := req.caller()
	if err != nil {
		return badEnvelope(fmt.Sprintf("Invalid caller: %s", err.Error()))
	}
	var input nuclear.EndCalibrationInput
	if err := sr.decode(req, &input); err != nil {
		return badEnvelope(fmt.Sprintf("Invalid payload: %s", err.Error()))
	}

	cal, lerr := sr.nuclearEngine(req, store, events).EndCalibration(caller, input)
	if lerr != nil {
		return errorResponse(lerr)
	}
	return okResponse(http.StatusOK, cal)
}

func (sr *ServiceRegistry) AddAcquisitionHandler(req *Request, store *ledger.TxnStore, events ledger.EventSink) (*Response, error) {
	caller, err := req.caller()
	if err != nil {
		return badEnvelope(fmt.Sprintf("Invalid caller: %s", err.Error()))
	}
	var input nuclear.AddAcquisitionInput
	if err := sr.decode(req, &input); err != nil {
		return badEnvelope(fmt.Sprintf("Invalid payload: %s", err.Error()))
	}

	acq, lerr := sr.nuclearEngine(req, store, events).AddAcquisition(caller, input)
	if lerr != nil {
		return errorResponse(lerr)
	}
	return okResponse(http.StatusCreated, acq)
}

func (sr *ServiceRegistry) AddAnalysisHandler(req *Request, store *ledger.TxnStore, events ledger.EventSink) (*Response, error) {
	caller, err := req.caller()
	if err != nil {
		return badEnvelope(fmt.Sprintf("Invalid caller: %s", err.Error()))
	}
	var input nuclear.AddAnalysisInput
	if err := sr.decode(req, &input); err != nil {
		return badEnvelope(fmt.Sprintf("Invalid payload: %s", err.Error()))
	}

	analysis, lerr := sr.nuclearEngine(req, store, events).AddAnalysis(caller, input)
	if lerr != nil {
		return errorResponse(lerr)
	}
	return okResponse(http.StatusCreated, analysis)
}

func (sr *ServiceRegistry) AddAutomaticAnalysisHandler(req *Request, store *ledger.TxnStore, events ledger.EventSink) (*Response, error) {
	caller, err := req.caller()
	if err != nil {
		return badEnvelope(fmt.Sprintf("Invalid caller: %s", err.Error()))
	}
	var input nuclear.AddAutomaticAnalysisInput
	if err := sr.decode(req, &input); err != nil {
		return badEnvelope(fmt.Sprintf("Invalid payload: %s", err.Error()))
	}

	analysis, lerr := sr.nuclearEngine(req, store, events).AddAutomaticAnalysis(caller, input)
	if lerr != nil {
		return errorResponse(lerr)
	}
	return okResponse(http.StatusCreated, analysis)
}
