package app

import (
	"errors"
	"fmt"
	"net/http"
)

const (
	CodeValidation = "validation_error"
	CodeInvalidID  = "invalid_id"
	CodeNotFound   = "not_found"
	CodeForbidden  = "forbidden"
)

// DomainError is a client-facing failure. Field is a dotted path into the
// request body when the error concerns one field.
type DomainError struct {
	Status  int
	Code    string
	Field   string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	if e.Field != "" {
		return fmt.Sprintf("%s: %s: %s", e.Code, e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func validationError(field, message string) *DomainError {
	e := domainError(http.StatusBadRequest, CodeValidation, message, nil)
	e.Field = field
	return e
}

func IsValidation(err error) bool { return hasCode(err, CodeValidation) }
func IsInvalidID(err error) bool  { return hasCode(err, CodeInvalidID) }
func IsNotFound(err error) bool   { return hasCode(err, CodeNotFound) }
func IsForbidden(err error) bool  { return hasCode(err, CodeForbidden) }

func hasCode(err error, code string) bool {
	var de *DomainError
	return errors.As(err, &de) && de.Code == code
}
