package shared

import (
	"errors"
	"fmt"
)

// RequestError is used when we want a specific error message and StatusCode.
// Code is the machine readable category a client routes on (billing flow vs
// rephrase flow), it is empty for plain http errors.
//
// Error codes should be bubbled where the RequestError msg is expected to be
// returned to the user. If the user should see a generic error message but
// the error chain should include more detail for logging purposes, then a generic
// error should be joined that provides context
type RequestError struct {
	StatusCode int
	Code       string
	Err        error
}

func (r *RequestError) Error() string {
	return fmt.Sprintf("status %d: err %v", r.StatusCode, r.Err)
}

// Stream and rejection codes sent to clients
const (
	CodeGuardrailRejected   = "GUARDRAIL_REJECTED"
	CodeNoCredits           = "NO_CREDITS"
	CodeInsufficientCredits = "INSUFFICIENT_CREDITS"
	CodeStreamError         = "STREAM_ERROR"
	CodeEmptyResponse       = "EMPTY_RESPONSE"
)

var (
	ErrMissingAuth   = &RequestError{Err: errors.New("missing authorization header"), StatusCode: 401}
	ErrInvalidFormat = &RequestError{Err: errors.New("invalid authentication format"), StatusCode: 401}
	ErrInvalidKeyLen = &RequestError{Err: errors.New("invalid API key length"), StatusCode: 401}
	ErrUnauthorized  = &RequestError{Err: errors.New("unauthorized"), StatusCode: 401}
	ErrForbidden     = &RequestError{Err: errors.New("forbidden"), StatusCode: 403}

	ErrInvalidRequest = &RequestError{Err: errors.New("invalid request body"), StatusCode: 400}
	ErrEmptyMessage   = &RequestError{Err: errors.New("message is required"), StatusCode: 400}

	ErrNoCredits = &RequestError{
		Err:        errors.New("No credits remaining. Please upgrade your plan or purchase credits."),
		StatusCode: 402,
		Code:       CodeNoCredits,
	}

	ErrInternalServerError = &RequestError{Err: errors.New("internal server error"), StatusCode: 500}
	ErrBadRequest          = &RequestError{Err: errors.New("bad request"), StatusCode: 400}
	ErrNotFound            = &RequestError{Err: errors.New("not found"), StatusCode: 404}

	ErrColdStart              = &MetricsError{Msg: "model cold start", Code: "model_cold_start"}
	ErrFailedModelReq         = &MetricsError{Msg: "failed to send http request to model", Code: "model_http_err"}
	ErrFailedModelReqFromCode = &MetricsError{Msg: "model responded with non-200", Code: "model_http_status_err"}
	ErrFailedReadingResponse  = &MetricsError{Msg: "failed to read model response", Code: "model_response_err"}
	ErrMissingDoneToken       = &MetricsError{Msg: "missing [DONE] token", Code: "missing_done_token"}
	ErrModelContext           = &MetricsError{Msg: "model context canceled", Code: "model_context_err"}
	ErrLedgerUnavailable      = &MetricsError{Msg: "usage store unavailable", Code: "ledger_store_err"}
	ErrCommitFailed           = &MetricsError{Msg: "ledger commit failed", Code: "ledger_commit_err"}
	ErrConversationSave       = &MetricsError{Msg: "failed saving conversation", Code: "conversation_save_err"}
)

type MetricsError struct {
	Msg  string
	Code string
}

func (m *MetricsError) Error() string {
	return m.String()
}

func (m *MetricsError) String() string {
	return m.Msg
}
