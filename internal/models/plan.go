package models

import (
	"fmt"
	"time"
)

// PlanID is a monotonic plan identifier assigned by the metadata store
type PlanID int64

func (id PlanID) String() string { return fmt.Sprintf("plan-%d", int64(id)) }

// PlanKind describes the intent of a plan
type PlanKind string

const (
	PlanKindDeployTopology  PlanKind = "DEPLOY_TOPOLOGY"
	PlanKindFailover        PlanKind = "FAILOVER"
	PlanKindRepair          PlanKind = "REPAIR"
	// PlanKindAdminMembership targets an admin membership, not a candidate.
	PlanKindAdminMembership PlanKind = "ADMIN_MEMBERSHIP"
)

// PlanState represents the lifecycle state of a plan
type PlanState string

const (
	PlanStateNew         PlanState = "NEW"
	PlanStateApproved    PlanState = "APPROVED"
	PlanStateRunning     PlanState = "RUNNING"
	PlanStateInterrupted PlanState = "INTERRUPTED"
	PlanStateSucceeded   PlanState = "SUCCEEDED"
	PlanStateError       PlanState = "ERROR"
	PlanStateCanceled    PlanState = "CANCELED"
)

// IsTerminal reports whether no further transition can happen
// without operator action. ERROR may still be canceled or re-executed.
func (s PlanState) IsTerminal() bool {
	switch s {
	case PlanStateSucceeded, PlanStateError, PlanStateCanceled:
		return true
	}
	return false
}

// IsFinished reports whether the plan can never change state again
func (s PlanState) IsFinished() bool {
	return s == PlanStateSucceeded || s == PlanStateCanceled
}

// Settled reports whether an await on the plan should return
func (s PlanState) Settled() bool {
	return s.IsTerminal() || s == PlanStateInterrupted
}

// TaskType identifies the executor of a task
type TaskType string

const (
	TaskChangeZoneType        TaskType = "change-zone-type"
	TaskChangeZoneArbiters    TaskType = "change-zone-arbiters"
	TaskUpdateReplicaGroup    TaskType = "update-replica-group"
	TaskUpdateStorageNodes    TaskType = "update-storage-nodes"
	TaskUpdateAdminMembership TaskType = "update-admin-membership"
	TaskBringZoneOnline       TaskType = "bring-zone-online"
	TaskReconcileReplicas     TaskType = "reconcile-replicas"
	TaskVerifyTopology        TaskType = "verify-topology"
	TaskCommitTopology        TaskType = "commit-topology"
)

// TaskState represents the execution state of a single task
type TaskState string

const (
	TaskStatePending   TaskState = "PENDING"
	TaskStateRunning   TaskState = "RUNNING"
	TaskStateSucceeded TaskState = "SUCCEEDED"
	TaskStateError     TaskState = "ERROR"
)

// Task is an idempotent unit of plan work
type Task struct {
	Index       int            `json:"index"`
	Type        TaskType       `json:"type"`
	Zone        ZoneID         `json:"zone,omitempty"`
	Group       ReplicaGroupID `json:"group,omitempty"`
	Description string         `json:"description"`
	State       TaskState      `json:"state"`
	Error       string         `json:"error,omitempty"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	EndedAt     *time.Time     `json:"ended_at,omitempty"`
}

// PlanTarget holds exactly one of a candidate name or an admin membership
type PlanTarget struct {
	Candidate  string    `json:"candidate,omitempty"`
	Membership []AdminID `json:"membership,omitempty"`
}

// IsMembership reports whether the target is an admin membership change
func (t PlanTarget) IsMembership() bool {
	return t.Candidate == "" && len(t.Membership) > 0
}

// Plan is a durable, steppable unit of control-plane work
type Plan struct {
	ID            PlanID     `json:"id"`
	Name          string     `json:"name"`
	Kind          PlanKind   `json:"kind"`
	State         PlanState  `json:"state"`
	Target        PlanTarget `json:"target"`
	Tasks         []*Task    `json:"tasks"`
	Rationale     string     `json:"rationale,omitempty"`
	Error         string     `json:"error,omitempty"`
	ExecutionTerm uint64     `json:"execution_term"`
	Attempts      int        `json:"attempts"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
}

// Clone returns a deep copy of the plan
func (p *Plan) Clone() *Plan {
	if p == nil {
		return nil
	}
	c := *p
	c.Target.Membership = append([]AdminID(nil), p.Target.Membership...)
	c.Tasks = make([]*Task, 0, len(p.Tasks))
	for _, t := range p.Tasks {
		tc := *t
		c.Tasks = append(c.Tasks, &tc)
	}
	return &c
}

// Progress returns the number of succeeded tasks and the total
func (p *Plan) Progress() (done, total int) {
	for _, t := range p.Tasks {
		if t.State == TaskStateSucceeded {
			done++
		}
	}
	return done, len(p.Tasks)
}

// AddTask appends a pending task and numbers it
func (p *Plan) AddTask(t *Task) {
	t.Index = len(p.Tasks)
	t.State = TaskStatePending
	p.Tasks = append(p.Tasks, t)
}

func (p *Plan) String() string {
	return fmt.Sprintf("%s %q [%s]", p.ID, p.Name, p.State)
}
