package rpc

import (
	"context"
	"encoding/json"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/shale-io/shale/internal/constraints"
	"github.com/shale-io/shale/internal/kv"
	"github.com/shale-io/shale/internal/session"
	"github.com/shale-io/shale/internal/tserver"
)

// errorTrailer carries the JSON payload of a domain error.
const errorTrailer = "shale-error"

// errorDetail is the payload of a domain error on the wire.
type errorDetail struct {
	Extent     *kv.Extent              `json:"extent,omitempty"`
	ScanID     int64                   `json:"scanId,omitempty"`
	User       string                  `json:"user,omitempty"`
	Code       tserver.SecurityCode    `json:"code,omitempty"`
	Violations []constraints.Violation `json:"violations,omitempty"`
}

// toStatus converts a server error into the detail to send alongside it
// and a status error.
func toStatus(err error) (*errorDetail, error) {
	if err == nil {
		return nil, nil
	}
	if _, ok := status.FromError(err); ok {
		return nil, err
	}

	var (
		notServing *tserver.NotServingTabletError
		noSuchScan *tserver.NoSuchScanIDError
		tooMany    *tserver.TooManyFilesError
		security   *tserver.SecurityError
		violation  *tserver.ConstraintViolationError
	)
	switch {
	case errors.As(err, &notServing):
		return &errorDetail{Extent: &notServing.Extent}, status.Error(codes.Unavailable, err.Error())
	case errors.As(err, &noSuchScan):
		return &errorDetail{ScanID: noSuchScan.ID}, status.Error(codes.NotFound, err.Error())
	case errors.As(err, &tooMany):
		return &errorDetail{Extent: &tooMany.Extent}, status.Error(codes.ResourceExhausted, err.Error())
	case errors.As(err, &security):
		return &errorDetail{User: security.User, Code: security.Code}, status.Error(codes.PermissionDenied, err.Error())
	case errors.As(err, &violation):
		return &errorDetail{Violations: violation.Violations}, status.Error(codes.FailedPrecondition, err.Error())
	case tserver.IllegalArgument.Has(err):
		return nil, status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, session.ErrAlreadyReserved):
		return nil, status.Error(codes.Aborted, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return nil, status.FromContextError(err).Err()
	default:
		return nil, status.Error(codes.Internal, err.Error())
	}
}

func (d *errorDetail) trailer() metadata.MD {
	b, err := json.Marshal(d)
	if err != nil {
		return nil
	}
	return metadata.Pairs(errorTrailer, string(b))
}

// fromStatus rebuilds the domain error of a failed call.
func fromStatus(err error, trailer metadata.MD) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	var d errorDetail
	if v := trailer.Get(errorTrailer); len(v) > 0 {
		if jerr := json.Unmarshal([]byte(v[0]), &d); jerr != nil {
			return err
		}
	}

	switch st.Code() {
	case codes.Unavailable:
		if d.Extent != nil {
			return &tserver.NotServingTabletError{Extent: *d.Extent}
		}
	case codes.NotFound:
		return &tserver.NoSuchScanIDError{ID: d.ScanID}
	case codes.ResourceExhausted:
		if d.Extent != nil {
			return &tserver.TooManyFilesError{Extent: *d.Extent, Err: errors.New(st.Message())}
		}
	case codes.PermissionDenied:
		return &tserver.SecurityError{User: d.User, Code: d.Code}
	case codes.FailedPrecondition:
		return &tserver.ConstraintViolationError{Violations: d.Violations}
	case codes.InvalidArgument:
		return tserver.IllegalArgument.New("%s", st.Message())
	case codes.Aborted:
		return session.ErrAlreadyReserved
	case codes.Internal:
		return tserver.Error.New("%s", st.Message())
	}
	return err
}
