// Package epciserr defines the repository's error kinds and the structured
// detail each carries to the HTTP/SOAP boundary. It mirrors the
// ServiceError pattern the rest of the codebase's ambient code uses:
// one concrete type, a Code enum, and per-kind constructors that fix the
// wire status so handlers never hand-pick one.
package epciserr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code enumerates the error kinds of spec §7.
type Code string

const (
	CodeMalformedDocument        Code = "MALFORMED_DOCUMENT"
	CodeSchemaInvalid            Code = "SCHEMA_INVALID"
	CodeUnsupportedVersion       Code = "UNSUPPORTED_VERSION"
	CodeOversizedDocument        Code = "OVERSIZED_DOCUMENT"
	CodeValidationFailed         Code = "VALIDATION_FAILED"
	CodeCaptureLimitExceeded     Code = "CAPTURE_LIMIT_EXCEEDED"
	CodeUnsupportedParameter     Code = "UNSUPPORTED_PARAMETER"
	CodeInvalidParameterValue    Code = "INVALID_PARAMETER_VALUE"
	CodeQueryTooLargeException   Code = "QUERY_TOO_LARGE_EXCEPTION"
	CodeStorageError             Code = "STORAGE_ERROR"
	CodeNetworkError             Code = "NETWORK_ERROR"
	CodeCanceled                 Code = "CANCELED"
	CodeSubscriptionAlreadyExists Code = "SUBSCRIPTION_ALREADY_EXISTS"
	CodeNotFound                 Code = "NOT_FOUND"
	CodeUnauthorized             Code = "UNAUTHORIZED"
	CodeUnsupportedContentType   Code = "UNSUPPORTED_CONTENT_TYPE"
	CodeRateLimited              Code = "RATE_LIMITED"
)

// RuleViolation names one semantic rule a Capture failed, per spec §4.2.
type RuleViolation struct {
	Rule    string `json:"rule"`
	Message string `json:"message"`
	Path    string `json:"path,omitempty"`
}

// RepositoryError is the single error type returned across package
// boundaries in this module.
type RepositoryError struct {
	Code       Code
	Message    string
	HTTPStatus int
	Details    map[string]interface{}
	Rules      []RuleViolation
	Err        error
}

func (e *RepositoryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *RepositoryError) Unwrap() error { return e.Err }

// WithDetails attaches structured key/value detail and returns the same
// error for chaining.
func (e *RepositoryError) WithDetails(details map[string]interface{}) *RepositoryError {
	e.Details = details
	return e
}

func newErr(code Code, status int, msg string) *RepositoryError {
	return &RepositoryError{Code: code, Message: msg, HTTPStatus: status}
}

func wrapErr(code Code, status int, msg string, err error) *RepositoryError {
	return &RepositoryError{Code: code, Message: msg, HTTPStatus: status, Err: err}
}

// MalformedDocument reports a document the decoder could not tokenize.
func MalformedDocument(reason string) *RepositoryError {
	return newErr(CodeMalformedDocument, http.StatusBadRequest, "document is not well-formed: "+reason)
}

// SchemaInvalid reports the first N schema violations for a document.
func SchemaInvalid(violations ...RuleViolation) *RepositoryError {
	e := newErr(CodeSchemaInvalid, http.StatusBadRequest, "document failed schema validation")
	e.Rules = violations
	return e
}

// UnsupportedVersion reports an unrecognized schemaVersion.
func UnsupportedVersion(version string) *RepositoryError {
	return newErr(CodeUnsupportedVersion, http.StatusBadRequest, "unsupported schemaVersion: "+version)
}

// OversizedDocument reports a document exceeding the configured byte budget.
func OversizedDocument(limit, got int64) *RepositoryError {
	e := newErr(CodeOversizedDocument, http.StatusRequestEntityTooLarge, "document exceeds captureSizeLimit")
	return e.WithDetails(map[string]interface{}{"limit": limit, "size": got})
}

// ValidationFailed reports one or more semantic rule violations.
func ValidationFailed(violations ...RuleViolation) *RepositoryError {
	e := newErr(CodeValidationFailed, http.StatusBadRequest, "capture failed semantic validation")
	e.Rules = violations
	return e
}

// CaptureLimitExceeded reports an event count exceeding maxEventsPerCall.
func CaptureLimitExceeded(limit, got int) *RepositoryError {
	e := newErr(CodeCaptureLimitExceeded, http.StatusRequestEntityTooLarge, "event count exceeds maxEventsPerCall")
	return e.WithDetails(map[string]interface{}{"limit": limit, "count": got})
}

// UnsupportedParameter reports an unknown query parameter name.
func UnsupportedParameter(name string) *RepositoryError {
	e := newErr(CodeUnsupportedParameter, http.StatusBadRequest, "unsupported query parameter")
	return e.WithDetails(map[string]interface{}{"parameter": name})
}

// InvalidParameterValue reports a malformed value for a known parameter.
func InvalidParameterValue(name, value string) *RepositoryError {
	e := newErr(CodeInvalidParameterValue, http.StatusBadRequest, "invalid value for query parameter")
	return e.WithDetails(map[string]interface{}{"parameter": name, "value": value})
}

// QueryTooLarge reports a query whose eventCountLimit would be truncated.
func QueryTooLarge(cap, wanted int) *RepositoryError {
	e := newErr(CodeQueryTooLargeException, http.StatusRequestEntityTooLarge, "query result exceeds eventCountLimit")
	return e.WithDetails(map[string]interface{}{"cap": cap, "wanted": wanted})
}

// StorageError wraps an underlying storage-engine error without leaking it
// to the client.
func StorageError(err error) *RepositoryError {
	return wrapErr(CodeStorageError, http.StatusInternalServerError, "storage operation failed", err)
}

// NetworkError wraps a subscription-delivery network failure.
func NetworkError(err error) *RepositoryError {
	return wrapErr(CodeNetworkError, http.StatusBadGateway, "network operation failed", err)
}

// Canceled reports a caller-initiated cancellation.
func Canceled() *RepositoryError {
	return newErr(CodeCanceled, 499, "request canceled")
}

// SubscriptionAlreadyExists reports a duplicate subscription name for the tenant.
func SubscriptionAlreadyExists(name string) *RepositoryError {
	e := newErr(CodeSubscriptionAlreadyExists, http.StatusConflict, "subscription already exists")
	return e.WithDetails(map[string]interface{}{"name": name})
}

// NotFound reports a missing resource.
func NotFound(resource, id string) *RepositoryError {
	e := newErr(CodeNotFound, http.StatusNotFound, resource+" not found")
	return e.WithDetails(map[string]interface{}{"id": id})
}

// Unauthorized reports a request that could not be mapped to a tenant.
func Unauthorized(reason string) *RepositoryError {
	return newErr(CodeUnauthorized, http.StatusUnauthorized, "unauthorized: "+reason)
}

// RateLimited reports a caller exceeding its request rate.
func RateLimited() *RepositoryError {
	return newErr(CodeRateLimited, http.StatusTooManyRequests, "rate limit exceeded")
}

// UnsupportedContentType reports a Content-Type with no matching decoder.
func UnsupportedContentType(contentType string) *RepositoryError {
	e := newErr(CodeUnsupportedContentType, http.StatusUnsupportedMediaType, "unsupported content type")
	return e.WithDetails(map[string]interface{}{"contentType": contentType})
}

// AsRepositoryError unwraps err looking for a *RepositoryError.
func AsRepositoryError(err error) (*RepositoryError, bool) {
	var re *RepositoryError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}

// GetHTTPStatus returns the HTTP status to use for err, defaulting to 500
// for anything that isn't a *RepositoryError.
func GetHTTPStatus(err error) int {
	if re, ok := AsRepositoryError(err); ok {
		return re.HTTPStatus
	}
	return http.StatusInternalServerError
}
