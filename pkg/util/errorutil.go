package util

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/jackc/pgx/v5"
)

// Error codes surfaced by the escalation engine.
const (
	CodeEscalationConflict        = "ESCALATION_CONFLICT"
	CodeUploadFailed              = "UPLOAD_FAILED"
	CodeCreateFailed              = "CREATE_FAILED"
	CodeUpdateFailed              = "UPDATE_FAILED"
	CodePersistAfterRemoteSuccess = "PERSIST_AFTER_REMOTE_SUCCESS"
	CodeFetchFailed               = "FETCH_FAILED"
	CodeListFailed                = "LIST_FAILED"
	CodeDownloadFailed            = "DOWNLOAD_FAILED"
)

// DomainError standardizes application errors.
type DomainError struct {
	Code       string
	Message    string
	HTTPStatus int
	Details    map[string]any
	Err        error
}

func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// NewDomainError constructs a DomainError.
func NewDomainError(code, message string, status int, details map[string]any) *DomainError {
	return &DomainError{Code: code, Message: message, HTTPStatus: status, Details: details}
}

func NewValidationError(message string, details map[string]any) error {
	return NewDomainError("VALIDATION_FAILED", message, http.StatusBadRequest, details)
}

func NewNotFound(resource string, details map[string]any) error {
	if details == nil {
		details = map[string]any{}
	}
	return &DomainError{
		Code:       "NOT_FOUND",
		Message:    fmt.Sprintf("%s not found", resource),
		HTTPStatus: http.StatusNotFound,
		Details:    details,
	}
}

func NewUnauthorized(message string) error {
	return NewDomainError("UNAUTHORIZED", message, http.StatusUnauthorized, nil)
}

func NewForbidden(message string) error {
	return NewDomainError("FORBIDDEN", message, http.StatusForbidden, nil)
}

func NewInternalError(err error) error {
	return &DomainError{
		Code:       "INTERNAL_ERROR",
		Message:    "internal server error",
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// NewClaimConflict reports that a ticket could not be claimed for escalation:
// another attempt is in progress or succeeded, or the ticket is resolved or
// closed. Not retryable by re-submitting the same request.
func NewClaimConflict(ticketID int64) error {
	return &DomainError{
		Code:       CodeEscalationConflict,
		Message:    "ticket cannot be escalated in its current state",
		HTTPStatus: http.StatusConflict,
		Details:    map[string]any{"ticket_id": ticketID},
	}
}

// NewNotEscalated rejects an operation that requires a linked remote issue.
func NewNotEscalated(ticketID int64) error {
	return &DomainError{
		Code:       CodeEscalationConflict,
		Message:    "ticket has no linked bug tracker issue",
		HTTPStatus: http.StatusConflict,
		Details:    map[string]any{"ticket_id": ticketID},
	}
}

// NewUploadFailed reports a failed attachment upload; the whole escalation
// attempt is aborted and the ticket set to FAILED.
func NewUploadFailed(err error) error {
	return &DomainError{
		Code:       CodeUploadFailed,
		Message:    "attachment upload to bug tracker failed",
		HTTPStatus: http.StatusBadGateway,
		Err:        err,
	}
}

// NewCreateFailed reports that remote issue creation failed.
func NewCreateFailed(err error) error {
	return &DomainError{
		Code:       CodeCreateFailed,
		Message:    "bug tracker issue creation failed",
		HTTPStatus: http.StatusBadGateway,
		Err:        err,
	}
}

// NewUpdateFailed reports a failed issue update. After a successful create
// this is non-fatal: the escalation stays SUCCESSFUL and the error is carried
// as a warning on the result.
func NewUpdateFailed(err error) error {
	return &DomainError{
		Code:       CodeUpdateFailed,
		Message:    "bug tracker issue update failed",
		HTTPStatus: http.StatusBadGateway,
		Err:        err,
	}
}

// NewPersistAfterRemoteSuccess reports that local bookkeeping failed after
// the remote issue was created. The issue is orphaned locally and must never
// be silently dropped.
func NewPersistAfterRemoteSuccess(issueID int64, err error) error {
	return &DomainError{
		Code:       CodePersistAfterRemoteSuccess,
		Message:    "remote issue created but local bookkeeping failed",
		HTTPStatus: http.StatusInternalServerError,
		Details:    map[string]any{"issue_id": issueID},
		Err:        err,
	}
}

// NewFetchFailed reports a failed remote issue fetch during reconciliation.
func NewFetchFailed(issueID int64, err error) error {
	return &DomainError{
		Code:       CodeFetchFailed,
		Message:    "bug tracker issue fetch failed",
		HTTPStatus: http.StatusBadGateway,
		Details:    map[string]any{"issue_id": issueID},
		Err:        err,
	}
}

// NewListFailed reports a failed issue listing during reconciliation.
func NewListFailed(err error) error {
	return &DomainError{
		Code:       CodeListFailed,
		Message:    "bug tracker issue listing failed",
		HTTPStatus: http.StatusBadGateway,
		Err:        err,
	}
}

// NewDownloadFailed reports a failed attachment download during
// reconciliation; the diff will retry it on the next tick.
func NewDownloadFailed(externalID int64, err error) error {
	return &DomainError{
		Code:       CodeDownloadFailed,
		Message:    "bug tracker attachment download failed",
		HTTPStatus: http.StatusBadGateway,
		Details:    map[string]any{"attachment_id": externalID},
		Err:        err,
	}
}

// HasCode reports whether err carries the given DomainError code.
func HasCode(err error, code string) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Code == code
	}
	return false
}

// ToDomainError converts generic errors to DomainError.
func ToDomainError(err error) *DomainError {
	if err == nil {
		return nil
	}
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr
	}
	if errors.Is(err, pgx.ErrNoRows) {
		if de, ok := NewNotFound("resource", nil).(*DomainError); ok {
			return de
		}
	}
	return &DomainError{
		Code:       "INTERNAL_ERROR",
		Message:    "internal server error",
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

func MapError(err error) error {
	return ToDomainError(err)
}
