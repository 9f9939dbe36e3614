package transport

import (
	"context"
	"errors"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/zde37/tessera/pkg"
)

// errorCodes maps error kinds to status codes. Order matters: the first kind
// the error matches wins.
var errorCodes = []struct {
	kind error
	code codes.Code
}{
	{pkg.ErrKeyNotFound, codes.NotFound},
	{pkg.ErrTxUnknown, codes.DataLoss},
	{pkg.ErrOptimisticConflict, codes.Aborted},
	{pkg.ErrEntryRemoved, codes.Aborted},
	{pkg.ErrRollbackOnly, codes.Aborted},
	{pkg.ErrTimeout, codes.DeadlineExceeded},
	{pkg.ErrIllegalState, codes.FailedPrecondition},
	{pkg.ErrFatalConfiguration, codes.InvalidArgument},
	{pkg.ErrStorageUnavailable, codes.Unavailable},
	{pkg.ErrContextCanceled, codes.Canceled},
}

// kindNames prefix status messages so kinds sharing a code decode exactly.
var kindNames = map[error]string{
	pkg.ErrKeyNotFound:        "key_not_found",
	pkg.ErrTxUnknown:          "tx_unknown",
	pkg.ErrOptimisticConflict: "optimistic_conflict",
	pkg.ErrEntryRemoved:       "entry_removed",
	pkg.ErrRollbackOnly:       "rollback_only",
	pkg.ErrTimeout:            "timeout",
	pkg.ErrIllegalState:       "illegal_state",
	pkg.ErrFatalConfiguration: "fatal_configuration",
	pkg.ErrStorageUnavailable: "storage_unavailable",
	pkg.ErrContextCanceled:    "context_canceled",
}

// ToStatus converts an error into a gRPC status error. Errors that already
// carry a status pass through.
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	for _, ec := range errorCodes {
		if errors.Is(err, ec.kind) {
			return status.Error(ec.code, kindNames[ec.kind]+": "+err.Error())
		}
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

// kindError keeps the remote message and unwraps to the local kind.
type kindError struct {
	kind error
	msg  string
}

func (e *kindError) Error() string { return e.msg }
func (e *kindError) Unwrap() error { return e.kind }

// FromStatus converts a status error back into an error matching the kind the
// server reported, so errors.Is works across the wire.
func FromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}

	msg := st.Message()
	for kind, name := range kindNames {
		if rest, found := strings.CutPrefix(msg, name+": "); found {
			return &kindError{kind: kind, msg: rest}
		}
	}

	switch st.Code() {
	case codes.NotFound:
		return &kindError{kind: pkg.ErrKeyNotFound, msg: msg}
	case codes.DeadlineExceeded:
		return &kindError{kind: pkg.ErrTimeout, msg: msg}
	case codes.Canceled:
		return &kindError{kind: pkg.ErrContextCanceled, msg: msg}
	case codes.Unavailable:
		return &kindError{kind: pkg.ErrStorageUnavailable, msg: msg}
	}
	return err
}
