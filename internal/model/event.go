package model

import "time"

// EventAckRef identifies the Coordination Store node backing an event, so
// that acknowledging it is a delete-with-version rather than a re-scan.
//
// Grounded on zuul/zk/event_queues.py's EventAckRef namedtuple.
type EventAckRef struct {
	Path    string
	Version int64
}

// EventKind tags the polymorphic Event variants (spec §3, §9: "tagged
// variant enum" replaces the source's class-based event dispatch).
type EventKind string

const (
	EventKindTrigger    EventKind = "trigger"
	EventKindManagement EventKind = "management"
	EventKindResult     EventKind = "result"
)

// ManagementAction enumerates the operations a ManagementEvent can carry.
type ManagementAction string

const (
	ManagementFullReconfigure   ManagementAction = "full-reconfigure"
	ManagementSmartReconfigure  ManagementAction = "smart-reconfigure"
	ManagementTenantReconfigure ManagementAction = "tenant-reconfigure"
	ManagementPromote           ManagementAction = "promote"
	ManagementEnqueue           ManagementAction = "enqueue"
	ManagementDequeue           ManagementAction = "dequeue"
	ManagementSupercede         ManagementAction = "supercede"
)

// ResultAction enumerates the operations a ResultEvent can carry.
type ResultAction string

const (
	ResultBuildStarted     ResultAction = "build-started"
	ResultBuildPaused      ResultAction = "build-paused"
	ResultBuildCompleted   ResultAction = "build-completed"
	ResultMergeCompleted   ResultAction = "merge-completed"
	ResultNodesProvisioned ResultAction = "nodes-provisioned"
)

// TriggerEvent is published by an external source driver and consumed by
// the scheduler main loop, which forwards it into matching pipeline
// trigger queues. Grounded on spec §4.B "Special fields on a TriggerEvent".
type TriggerEvent struct {
	AckRef               EventAckRef
	DriverName           string
	EventType            string
	Project              string
	Branch               string
	Ref                  string
	ZuulEventLtime       int64
	MinReconfigureLtime  int64
	BranchCacheLtime     map[string]int64
	Data                 map[string]any
}

// TenantReconfigureEvent is a ManagementEvent payload that can collapse
// with equal instances from the same batch on queue iteration (spec §4.B).
type TenantReconfigureEvent struct {
	Tenant          string
	ProjectBranches map[string][]string // project -> branches, unioned on merge
	MergedEvents    []EventAckRef       // ack refs of merged-in duplicates
}

// Merge unions other's project/branch set into e and records other's ack
// ref so that Ack() can acknowledge every collapsed event with one
// traceback, mirroring event_queues.py's ZooKeeperManagementEventQueue.__iter__.
func (e *TenantReconfigureEvent) Merge(other *TenantReconfigureEvent, otherAck EventAckRef) {
	if e.ProjectBranches == nil {
		e.ProjectBranches = make(map[string][]string)
	}
	for project, branches := range other.ProjectBranches {
		existing := e.ProjectBranches[project]
		for _, b := range branches {
			if !containsStr(existing, b) {
				existing = append(existing, b)
			}
		}
		e.ProjectBranches[project] = existing
	}
	e.MergedEvents = append(e.MergedEvents, otherAck)
}

func containsStr(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// ManagementEvent wraps a management action with an optional result future
// reference (spec §4.B point 2).
type ManagementEvent struct {
	AckRef       EventAckRef
	Action       ManagementAction
	Tenant       string
	Pipeline     string
	ResultPath   string // non-empty if a result is expected
	Reconfigure  *TenantReconfigureEvent
	QueueName    string
	ItemUUID     string
	Change       string
}

// ManagementEventResult is written to ResultPath by the consumer; a
// non-empty Traceback means the operation failed.
type ManagementEventResult struct {
	Traceback string
}

// ResultEvent reports progress or completion of a build, merge, or node
// provisioning operation back to the manager that initiated it.
type ResultEvent struct {
	AckRef          EventAckRef
	Action          ResultAction
	BuildUUID       string
	BuildSetUUID    string
	JobName         string
	Result          string
	Data            map[string]any
	EndTime         time.Time
	MergeCommit     string
	MergeFiles      map[string]string
	UnableToMerge   bool
	NodeRequestUUID string
}
