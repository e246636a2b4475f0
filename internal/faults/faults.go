// Package faults defines the error taxonomy shared by the control plane
// and the metadata service. Every fault has a class that callers branch
// on and a stable code plus message that operators and tests match on.
package faults

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Class groups faults by how callers must react to them
type Class string

const (
	// ClassIllegalCommand is a validation failure detected before any mutation.
	ClassIllegalCommand Class = "IllegalCommand"
	// ClassSafetyGate is a refusal protecting the cluster from split brain
	// or an unsafe override.
	ClassSafetyGate Class = "SafetyGate"
	// ClassDataLoss is raised when an operation would lose acknowledged writes.
	ClassDataLoss Class = "DataLoss"
	// ClassNotMaster is returned by a replica that is not the master.
	ClassNotMaster Class = "NotMaster"
	// ClassNotReady is returned while no master is known.
	ClassNotReady Class = "NotReady"
	// ClassConnectivity means the contacted admin could not be reached.
	ClassConnectivity Class = "Connectivity"
	ClassNotFound     Class = "NotFound"
	ClassPlanFailed   Class = "PlanFailed"
	ClassInternal     Class = "Internal"
)

// Stable fault codes
const (
	CodeUnknownMember            = "UnknownMember"
	CodeUnknownZone              = "UnknownZone"
	CodeNoQuorumPossible         = "NoQuorumPossible"
	CodeMajorityAlreadyAvailable = "MajorityAlreadyAvailable"
	CodeEmptyMembership          = "EmptyMembership"
	CodeZonesNotFound            = "ZonesNotFound"
	CodeMultipleTypes            = "MultipleTypes"
	CodeNoOnlinePrimary          = "NoOnlinePrimary"
	CodeZoneReachable            = "ZoneReachable"
	CodeZoneUnreachable          = "ZoneUnreachable"
	CodeRFReduction              = "RFReduction"
	CodeDataLoss                 = "DataLoss"
	CodeTopologyViolations       = "TopologyViolations"
	CodeCandidateBusy            = "CandidateBusy"
	CodeCandidateExists          = "CandidateExists"
	CodeInvalidState             = "InvalidState"
	CodeInvalidArgument          = "InvalidArgument"
	CodePolicyDenied             = "PolicyDenied"
	CodeNotMaster                = "NotMaster"
	CodeNoMaster                 = "NoMaster"
	CodeLeaderTimeout            = "LeaderTimeout"
	CodeAwaitTimeout             = "AwaitTimeout"
	CodeCannotContactAdmin       = "CannotContactAdmin"
	CodeNoAdminReachable         = "NoAdminReachable"
	CodeNotFound                 = "NotFound"
	CodePlanFailed               = "PlanFailed"
	CodeTooManyInterruptions     = "TooManyInterruptions"
	CodeInternal                 = "Internal"
)

// Fault is a classified control-plane error
type Fault struct {
	Class   Class  `json:"class"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

func (f *Fault) Error() string {
	if f.Cause != nil {
		return fmt.Sprintf("%s: %v", f.Message, f.Cause)
	}
	return f.Message
}

func (f *Fault) Unwrap() error { return f.Cause }

// Is matches another fault with the same class and code, so sentinel
// faults can be used with errors.Is
func (f *Fault) Is(target error) bool {
	var t *Fault
	if !errors.As(target, &t) {
		return false
	}
	return f.Class == t.Class && (t.Code == "" || f.Code == t.Code)
}

// New creates a fault without a cause
func New(class Class, code, format string, args ...interface{}) *Fault {
	return &Fault{Class: class, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a fault preserving cause
func Wrap(cause error, class Class, code, format string, args ...interface{}) *Fault {
	return &Fault{Class: class, Code: code, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// IllegalCommand creates a validation fault
func IllegalCommand(code, format string, args ...interface{}) *Fault {
	return New(ClassIllegalCommand, code, format, args...)
}

// NotMaster is returned by replicas that cannot accept a mutation
func NotMaster(format string, args ...interface{}) *Fault {
	return New(ClassNotMaster, CodeNotMaster, "not the master: "+format, args...)
}

// NotReady is returned while no master can be located
func NotReady(code, format string, args ...interface{}) *Fault {
	return New(ClassNotReady, code, format, args...)
}

// NotFound creates a missing-resource fault
func NotFound(format string, args ...interface{}) *Fault {
	return New(ClassNotFound, CodeNotFound, format, args...)
}

// Internal wraps an unexpected failure
func Internal(cause error, format string, args ...interface{}) *Fault {
	return Wrap(cause, ClassInternal, CodeInternal, format, args...)
}

// As returns the first fault in err's chain
func As(err error) (*Fault, bool) {
	var f *Fault
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

// Is reports whether err carries a fault of the given class
func Is(err error, class Class) bool {
	f, ok := As(err)
	return ok && f.Class == class
}

// HasCode reports whether err carries a fault with the given code
func HasCode(err error, code string) bool {
	f, ok := As(err)
	return ok && f.Code == code
}

// ClassOf returns the fault class of err, ClassInternal for plain errors
// and an empty class for nil
func ClassOf(err error) Class {
	if err == nil {
		return ""
	}
	if f, ok := As(err); ok {
		return f.Class
	}
	if st, ok := status.FromError(err); ok && st.Code() != codes.Unknown {
		return classFromCode(st.Code())
	}
	return ClassInternal
}

// IsLeadershipTransient reports whether err is expected to clear once a
// master is elected or the contacted replica comes back
func IsLeadershipTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	switch ClassOf(err) {
	case ClassNotMaster, ClassNotReady, ClassConnectivity:
		return true
	}
	return false
}

// HTTPStatus maps a fault class to an HTTP status code
func HTTPStatus(err error) int {
	switch ClassOf(err) {
	case ClassIllegalCommand:
		return http.StatusBadRequest
	case ClassSafetyGate, ClassDataLoss:
		return http.StatusPreconditionFailed
	case ClassNotMaster:
		return http.StatusMisdirectedRequest
	case ClassNotReady, ClassConnectivity:
		return http.StatusServiceUnavailable
	case ClassNotFound:
		return http.StatusNotFound
	case ClassPlanFailed:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// GRPCCode maps a fault class to a gRPC status code
func GRPCCode(err error) codes.Code {
	if err == nil {
		return codes.OK
	}
	switch ClassOf(err) {
	case ClassIllegalCommand:
		return codes.InvalidArgument
	case ClassSafetyGate, ClassDataLoss, ClassPlanFailed:
		return codes.FailedPrecondition
	case ClassNotMaster:
		return codes.Aborted
	case ClassNotReady, ClassConnectivity:
		return codes.Unavailable
	case ClassNotFound:
		return codes.NotFound
	}
	return codes.Internal
}

// ToStatus converts err into a gRPC status carrying the fault message
func ToStatus(err error) *status.Status {
	return status.New(GRPCCode(err), err.Error())
}

func classFromCode(c codes.Code) Class {
	switch c {
	case codes.InvalidArgument:
		return ClassIllegalCommand
	case codes.FailedPrecondition:
		return ClassSafetyGate
	case codes.Aborted:
		return ClassNotMaster
	case codes.Unavailable, codes.DeadlineExceeded:
		return ClassConnectivity
	case codes.NotFound:
		return ClassNotFound
	}
	return ClassInternal
}
