// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package control

import (
	"net/http"
	"strings"

	"aced.dev/ace/internal/errors"
)

// Categories mirror the control API's external error taxonomy. They are
// deliberately coarser than errors.Kind in places (e.g. several Kinds can
// surface as ENFORCER_FAILED) and finer in others (KindValidation splits
// by message into NOT_FOUND, ALREADY_TERMINATED, DUPLICATE_SESSION,
// BOUND_CHECK and INVALID_INPUT), matching the names external callers are
// expected to branch on.
const (
	CategoryInvalidInput    = "INVALID_INPUT"
	CategoryBlockedDevice   = "BLOCKED_DEVICE"
	CategoryDuplicateSess   = "DUPLICATE_SESSION"
	CategoryEnforcerFailed  = "ENFORCER_FAILED"
	CategoryConflict        = "CONFLICT"
	CategoryNotFound        = "NOT_FOUND"
	CategoryAlreadyTerm     = "ALREADY_TERMINATED"
	CategoryExpired         = "EXPIRED"
	CategoryBoundCheck      = "BOUND_CHECK"
	CategoryInconsistent    = "INCONSISTENT"
	CategoryInternal        = "INTERNAL"
)

// APIError is the structured {category, detail, sessionId?} shape every
// control API failure returns; internal errors never cross this boundary
// as raw exceptions.
type APIError struct {
	Category  string `json:"category"`
	Detail    string `json:"detail"`
	SessionID string `json:"sessionId,omitempty"`
}

// classify maps an internal error to its external category and the HTTP
// status an adapter should answer with.
func classify(err error) (category string, status int) {
	if err == nil {
		return "", http.StatusOK
	}
	kind := errors.GetKind(err)
	msg := err.Error()

	switch {
	case kind == errors.KindPolicyDenied:
		return CategoryBlockedDevice, http.StatusForbidden
	case kind == errors.KindConflict:
		return CategoryConflict, http.StatusConflict
	case kind == errors.KindEnforcerTransient, kind == errors.KindEnforcerPermanent:
		return CategoryEnforcerFailed, http.StatusBadGateway
	case kind == errors.KindInconsistent:
		return CategoryInconsistent, http.StatusConflict
	case kind == errors.KindValidation && strings.Contains(msg, "not found"):
		return CategoryNotFound, http.StatusNotFound
	case kind == errors.KindValidation && strings.Contains(msg, "already terminated"):
		return CategoryAlreadyTerm, http.StatusConflict
	case kind == errors.KindValidation && strings.Contains(msg, "duplicate"):
		return CategoryDuplicateSess, http.StatusConflict
	case kind == errors.KindValidation && strings.Contains(msg, "cannot extend session in state"):
		return CategoryBoundCheck, http.StatusConflict
	case kind == errors.KindValidation:
		return CategoryInvalidInput, http.StatusBadRequest
	case kind == errors.KindNotFound:
		return CategoryNotFound, http.StatusNotFound
	case kind == errors.KindTimeout:
		return CategoryEnforcerFailed, http.StatusGatewayTimeout
	default:
		return CategoryInternal, http.StatusInternalServerError
	}
}

// NewAPIError builds the response body for err, optionally tagging the
// session it concerned.
func NewAPIError(err error, sessionID string) (APIError, int) {
	category, status := classify(err)
	return APIError{Category: category, Detail: err.Error(), SessionID: sessionID}, status
}
