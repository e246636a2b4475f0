package models

import "fmt"

// ViolationKind is the closed set of structural problems a topology may have
type ViolationKind string

const (
	// ViolationRFMismatch: DATA replicas in a zone differ from the zone RF.
	ViolationRFMismatch ViolationKind = "RFMismatch"
	// ViolationArbiterNotAllowed: arbiter in a zone without AllowArbiters
	// or while the primary RF does not permit arbiters.
	ViolationArbiterNotAllowed ViolationKind = "ArbiterNotAllowed"
	// ViolationDataInZeroRFZone: DATA replica in a zone with RF 0.
	ViolationDataInZeroRFZone ViolationKind = "DataInZeroRFZone"
	// ViolationWrongNodeType: arbiter hosted in a secondary zone.
	ViolationWrongNodeType ViolationKind = "WrongNodeType"
	// ViolationUnderCapacity: node over capacity or replicas could not be placed.
	ViolationUnderCapacity ViolationKind = "UnderCapacity"
	// ViolationUnknownStorageNode: replica or admin references a missing node.
	ViolationUnknownStorageNode ViolationKind = "UnknownStorageNode"
	// ViolationOfflineZone: replica in a zone marked offline, pending repair.
	ViolationOfflineZone ViolationKind = "OfflineZone"
	// ViolationEmptyReplicaGroup: group without replicas.
	ViolationEmptyReplicaGroup ViolationKind = "EmptyReplicaGroup"
	// ViolationRMIFailed: storage node unreachable during verification.
	ViolationRMIFailed ViolationKind = "RMIFailed"
)

// Violation is a structural problem tied to one resource
type Violation struct {
	Kind     ViolationKind `json:"kind"`
	Resource string        `json:"resource"`
	Detail   string        `json:"detail"`
}

// NewViolation builds a violation for the resource named by res
func NewViolation(kind ViolationKind, res fmt.Stringer, format string, args ...interface{}) Violation {
	return Violation{
		Kind:     kind,
		Resource: res.String(),
		Detail:   fmt.Sprintf(format, args...),
	}
}

// PendingRepair reports whether the violation clears once offline
// zones or nodes are repaired, rather than needing a topology change
func (v Violation) PendingRepair() bool {
	return v.Kind == ViolationOfflineZone || v.Kind == ViolationRMIFailed
}

func (v Violation) String() string {
	return fmt.Sprintf("%s on %s: %s", v.Kind, v.Resource, v.Detail)
}

// FilterViolations returns the violations not matching any of the kinds
func FilterViolations(vs []Violation, ignore ...ViolationKind) []Violation {
	var out []Violation
	for _, v := range vs {
		skip := false
		for _, k := range ignore {
			if v.Kind == k {
				skip = true
				break
			}
		}
		if !skip {
			out = append(out, v)
		}
	}
	return out
}

// HasViolation reports whether vs contains a violation of kind
func HasViolation(vs []Violation, kind ViolationKind) bool {
	for _, v := range vs {
		if v.Kind == kind {
			return true
		}
	}
	return false
}
