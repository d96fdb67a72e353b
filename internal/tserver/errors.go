package tserver

import (
	"fmt"

	"github.com/zeebo/errs"

	"github.com/shale-io/shale/internal/constraints"
	"github.com/shale-io/shale/internal/kv"
)

// Error classes. Errors that are not one of the typed errors below are
// wrapped with Error before they leave the server.
var (
	Error           = errs.Class("tserver")
	IllegalArgument = errs.Class("illegal argument")
)

// NotServingTabletError means the tablet is not hosted here. The client
// should locate it again and retry elsewhere.
type NotServingTabletError struct {
	Extent kv.Extent
}

func (e *NotServingTabletError) Error() string {
	return fmt.Sprintf("tserver: not serving tablet %s", e.Extent)
}

// NoSuchScanIDError means the session id is unknown or expired. The client
// must start over.
type NoSuchScanIDError struct {
	ID int64
}

func (e *NoSuchScanIDError) Error() string {
	return fmt.Sprintf("tserver: no such session %d", e.ID)
}

// TooManyFilesError means a scan ran out of file handles.
type TooManyFilesError struct {
	Extent kv.Extent
	Err    error
}

func (e *TooManyFilesError) Error() string {
	return fmt.Sprintf("tserver: too many files open scanning %s: %v", e.Extent, e.Err)
}

func (e *TooManyFilesError) Unwrap() error { return e.Err }

// ConstraintViolationError carries the violations of a rejected update.
type ConstraintViolationError struct {
	Violations []constraints.Violation
}

func (e *ConstraintViolationError) Error() string {
	if len(e.Violations) == 0 {
		return "tserver: constraint violation"
	}
	v := e.Violations[0]
	return fmt.Sprintf("tserver: %d constraint violations, first %s code %d: %s",
		len(e.Violations), v.Constraint, v.Code, v.Description)
}

// SecurityCode says why a request was refused.
type SecurityCode string

const (
	BadCredentials    SecurityCode = "BAD_CREDENTIALS"
	BadAuthorizations SecurityCode = "BAD_AUTHORIZATIONS"
	PermissionDenied  SecurityCode = "PERMISSION_DENIED"
)

// SecurityError is an authentication or authorization failure.
type SecurityError struct {
	User string
	Code SecurityCode
}

func (e *SecurityError) Error() string {
	return fmt.Sprintf("tserver: user %q: %s", e.User, e.Code)
}
