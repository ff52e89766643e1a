package model

import (
	"time"

	"github.com/google/uuid"
)

// BuildResult enumerates terminal (and the running/nil) states of a Build
// (spec §3 Build). MergeFailure unifies the source's mid-rename
// MERGER_FAILURE/MERGE_CONFLICT per spec §9 Open Question.
type BuildResult string

const (
	ResultNone         BuildResult = "" // still running
	ResultSuccess      BuildResult = "SUCCESS"
	ResultFailure      BuildResult = "FAILURE"
	ResultAborted      BuildResult = "ABORTED"
	ResultMergeFailure BuildResult = "MERGE_FAILURE"
	ResultRetryLimit   BuildResult = "RETRY_LIMIT"
	ResultPostFailure  BuildResult = "POST_FAILURE"
	ResultDiskFull     BuildResult = "DISK_FULL"
	ResultNodeFailure  BuildResult = "NODE_FAILURE"
	ResultTimedOut     BuildResult = "TIMED_OUT"
	ResultSkipped      BuildResult = "SKIPPED"
	ResultCanceled     BuildResult = "CANCELED"
	ResultRetry        BuildResult = "RETRY" // transient, retried up to job.Attempts
	ResultDequeued     BuildResult = "DEQUEUED"
)

// IsMergeFailureClass reports whether a result belongs to the "recoverable
// infrastructure" class spec §9 asks MERGER_FAILURE and MERGE_CONFLICT to
// share for retry purposes.
func (r BuildResult) IsMergeFailureClass() bool {
	return r == ResultMergeFailure
}

// BuildRequestState enumerates the dispatch-queue lifecycle of a Build's
// CS record, independent of its terminal BuildResult (spec §6 "Build
// request payload").
type BuildRequestState string

const (
	BuildRequestStateRequested BuildRequestState = "requested"
	BuildRequestStateHold      BuildRequestState = "hold"
	BuildRequestStateRunning   BuildRequestState = "running"
	BuildRequestStatePaused    BuildRequestState = "paused"
	BuildRequestStateCompleted BuildRequestState = "completed"
)

// Build is one execution of one job (spec §3 Build), combining the
// dispatch-queue request record the scheduler writes for the executor
// to claim (spec §6 "Build request payload": state, precedence, zone,
// tenant/pipeline, event id, a separate sharded params sidecar) and the
// result record the executor reports back (spec §6 "Build result
// payload": result, data, secret_data, warnings, end_time, error_detail,
// held, node_labels, node_name). Combining both into one CS-backed
// record mirrors how model.NodeRequest already folds a node allocator's
// request and lifecycle fields together in this tree.
type Build struct {
	UUID         uuid.UUID
	JobName      string
	State        BuildRequestState
	Precedence   int
	Zone         string
	TenantName   string
	PipelineName string
	EventID      string
	Params       map[string]any // written to a separate sharded sidecar (spec §6)

	StartTime     time.Time
	EndTime       time.Time
	Result        BuildResult
	URL           string
	WorkerInfo    map[string]string
	Paused        bool
	Held          bool
	Retry         bool
	Canceled      bool
	ResultData    map[string]any
	SecretData    map[string]any
	Warnings      []string
	ErrorDetail   string
	NodeLabels    []string
	NodeName      string
	NodesetLabels []string
	TraceSpanID   string // §4.K: span ended on build completion result event

	// ID mirrors the CS path's sequence suffix under build-requests/.
	ID string
}

// IsFinal reports whether the build has a terminal, immutable result.
// Per spec §8 invariant: "no later event promotes a canceled Build to
// success" — callers must check this before applying a new result.
func (b *Build) IsFinal() bool {
	return b.Canceled || (b.Result != ResultNone && b.Result != ResultRetry)
}

// NodeRequestState enumerates NodeRequest lifecycle states (spec §3, §4.D).
type NodeRequestState string

const (
	NodeRequestStateRequested NodeRequestState = "requested"
	NodeRequestStatePending   NodeRequestState = "pending"
	NodeRequestStateFulfilled NodeRequestState = "fulfilled"
	NodeRequestStateFailed    NodeRequestState = "failed"
)

// NodeRequest is a request for a set of labeled nodes (spec §3, §4.D).
type NodeRequest struct {
	UUID             uuid.UUID
	Labels           []string
	Priority         int
	RelativePriority int
	State            NodeRequestState
	AllocatedNodeIDs []string
	Requestor        string
	StateTime        time.Time
	// ID mirrors the CS path's sequence suffix. Nothing in this tree
	// clears it or resubmits the request after session loss.
	ID string
}

// NodeState enumerates Node lifecycle states (spec §3 Node).
type NodeState string

const (
	NodeStateReady  NodeState = "ready"
	NodeStateInUse  NodeState = "in-use"
	NodeStateUsed   NodeState = "used"
	NodeStateHold   NodeState = "hold"
	NodeStateFailed NodeState = "failed"
)

// Node is an allocated resource (spec §3 Node).
type Node struct {
	ID             string
	Label          string
	State          NodeState
	LockHolder     string
	ConnectionInfo map[string]string
}

// HoldRequest supports autoholds: when a matching job fails, one of its
// nodes transitions to Hold instead of Used (spec §4.D).
type HoldRequest struct {
	UUID         uuid.UUID
	Tenant       string
	Project      string
	Job          string
	RefFilter    string
	Comment      string
	MaxCount     int
	CurrentCount int
	Handler      string // scheduler identity that created it, for crash-restart dedup
}

// MergeState tracks a BuildSet's repository merge phase (spec §3 BuildSet).
type MergeState string

const (
	MergePending  MergeState = "pending"
	MergeComplete MergeState = "complete"
)

// BuildSet is one attempt at running all of an item's jobs against a
// speculative merged state (spec §3 BuildSet).
type BuildSet struct {
	UUID            uuid.UUID
	FrozenJobs      []JobVariant
	MergeState      MergeState
	MergeCommit     string
	Files           map[string]string
	NodeRequests    map[string]*NodeRequest // job name -> request
	Builds          map[string]*Build       // job name -> build
	Tries           map[string]int          // job name -> attempt count
	UnableToMerge   bool
	Warnings        []string
}

// NewBuildSet creates an empty BuildSet for the given frozen job graph.
func NewBuildSet(jobs []JobVariant) *BuildSet {
	return &BuildSet{
		UUID:         uuid.New(),
		FrozenJobs:   jobs,
		MergeState:   MergePending,
		NodeRequests: make(map[string]*NodeRequest),
		Builds:       make(map[string]*Build),
		Tries:        make(map[string]int),
	}
}

// DidAnyJobFail reports whether any build in this buildset has a failing
// terminal result (used by processOneItem step 5, spec §4.H).
func (bs *BuildSet) DidAnyJobFail() bool {
	for _, b := range bs.Builds {
		if b.Result != ResultNone && b.Result != ResultSuccess && b.Result != ResultRetry {
			return true
		}
	}
	return false
}

// AllComplete reports whether every frozen job has a final build result,
// used to decide when the head item is ready to report (spec §4.H step 7).
func (bs *BuildSet) AllComplete() bool {
	for _, j := range bs.FrozenJobs {
		b, ok := bs.Builds[j.Name]
		if !ok || !b.IsFinal() {
			return false
		}
	}
	return true
}

// QueueItem is one change's position in a queue (spec §3 QueueItem).
//
// item_ahead/items_behind are modeled as UUID references resolved lazily
// through the owning ChangeQueue, per spec §9's guidance to avoid object
// graph cycles.
type QueueItem struct {
	UUID        uuid.UUID
	Change      string // opaque change reference; driver semantics out of scope
	Live        bool
	EnqueueTime time.Time
	DequeueTime time.Time // zero until dequeueItem runs; reportStats uses it to time resident duration
	ItemAhead   uuid.UUID // zero UUID = none (head of queue)
	ItemsBehind []uuid.UUID

	CurrentBuildSet *BuildSet

	Reported              bool
	Dequeued              bool
	DequeuedNeedingChange bool // spec §9 open question: kept distinct from physical removal
	Failing               bool
	FailingReasons        []string

	Layout *Layout // inherited from item_ahead or pipeline static layout; nil until prepareLayout runs

	TraceSpanID string
}

// NewQueueItem creates a QueueItem (live or not) for change with a fresh empty
// BuildSet, mirroring addChange's construction in manager/__init__.py.
func NewQueueItem(change string, live bool) *QueueItem {
	return &QueueItem{
		UUID:            uuid.New(),
		Change:          change,
		Live:            live,
		CurrentBuildSet: NewBuildSet(nil),
	}
}

// ChangeQueue is an ordered sequence of QueueItems (spec §3 ChangeQueue).
type ChangeQueue struct {
	ID           string
	Pipeline     string
	Projects     []string // project membership; empty = global
	Branch       string   // non-empty when QueueDef.PerBranch partitions by branch
	Window       int
	WindowParams WindowParams
	Dynamic      bool
	Items        []*QueueItem // head-first
}

// NewChangeQueue creates a queue seeded from a pipeline's window params
// (zuul/manager/dependent.py's ChangeQueueManager.getOrCreateQueue).
func NewChangeQueue(id, pipeline string, params WindowParams, dynamic bool) *ChangeQueue {
	return &ChangeQueue{
		ID:           id,
		Pipeline:     pipeline,
		Window:       params.Initial,
		WindowParams: params,
		Dynamic:      dynamic,
	}
}

// ItemByUUID resolves a QueueItem pointer within this queue by UUID,
// implementing the lazy-reference resolution spec §9 calls for.
func (q *ChangeQueue) ItemByUUID(id uuid.UUID) *QueueItem {
	if id == uuid.Nil {
		return nil
	}
	for _, it := range q.Items {
		if it.UUID == id {
			return it
		}
	}
	return nil
}

// Enqueue appends item to the tail, linking ItemAhead/ItemsBehind.
func (q *ChangeQueue) Enqueue(item *QueueItem) {
	if len(q.Items) > 0 {
		tail := q.Items[len(q.Items)-1]
		item.ItemAhead = tail.UUID
		tail.ItemsBehind = append(tail.ItemsBehind, item.UUID)
	}
	q.Items = append(q.Items, item)
}

// RemoveItem splices item out of the queue, fixing up neighbor links so
// that the invariant "item_ahead.items_behind contains item" (spec §8)
// continues to hold for the remaining items.
func (q *ChangeQueue) RemoveItem(item *QueueItem) {
	idx := -1
	for i, it := range q.Items {
		if it.UUID == item.UUID {
			idx = i
			break
		}
	}
	if idx == -1 {
		return
	}
	ahead := q.ItemByUUID(item.ItemAhead)
	for _, behindID := range item.ItemsBehind {
		behind := q.ItemByUUID(behindID)
		if behind == nil {
			continue
		}
		if ahead != nil {
			behind.ItemAhead = ahead.UUID
			ahead.ItemsBehind = append(ahead.ItemsBehind, behind.UUID)
		} else {
			behind.ItemAhead = uuid.Nil
		}
	}
	if ahead != nil {
		ahead.ItemsBehind = removeUUID(ahead.ItemsBehind, item.UUID)
	}
	q.Items = append(q.Items[:idx], q.Items[idx+1:]...)
}

// MoveItem splices item out of its current slot and reinserts it directly
// behind nnfi (or at the head if nnfi is nil), implementing NNFI
// reparenting (spec §4.H step 3, §8 invariant).
func (q *ChangeQueue) MoveItem(item *QueueItem, nnfi *QueueItem) {
	q.RemoveItem(item)
	item.ItemAhead = uuid.Nil
	if nnfi == nil {
		// Reinsert at head: existing head becomes behind item.
		if len(q.Items) > 0 {
			head := q.Items[0]
			head.ItemAhead = item.UUID
			item.ItemsBehind = []uuid.UUID{head.UUID}
			q.Items = append([]*QueueItem{item}, q.Items...)
			return
		}
		q.Items = []*QueueItem{item}
		return
	}
	for i, it := range q.Items {
		if it.UUID == nnfi.UUID {
			after := it.ItemsBehind
			item.ItemAhead = it.UUID
			it.ItemsBehind = []uuid.UUID{item.UUID}
			rest := make([]*QueueItem, 0, len(q.Items))
			rest = append(rest, q.Items[:i+1]...)
			rest = append(rest, item)
			for _, id := range after {
				if id == item.UUID {
					continue
				}
				if next := q.ItemByUUID(id); next != nil {
					next.ItemAhead = item.UUID
					item.ItemsBehind = append(item.ItemsBehind, next.UUID)
					rest = append(rest, next)
				}
			}
			for _, it2 := range q.Items[i+1:] {
				if it2.UUID == item.UUID {
					continue
				}
				found := false
				for _, r := range rest {
					if r.UUID == it2.UUID {
						found = true
						break
					}
				}
				if !found {
					rest = append(rest, it2)
				}
			}
			q.Items = rest
			return
		}
	}
}

// IncreaseWindow grows the window per WindowParams on a successful merge
// (spec §4.H window resizing).
func (q *ChangeQueue) IncreaseWindow() {
	if q.WindowParams.IsStatic() {
		return
	}
	switch q.WindowParams.IncreaseType {
	case WindowLinear:
		q.Window += q.WindowParams.IncreaseFactor
	case WindowExponential:
		factor := q.WindowParams.IncreaseFactor
		if factor < 1 {
			factor = 1
		}
		if q.Window < 1 {
			q.Window = 1
		}
		q.Window *= factor
	}
}

// DecreaseWindow shrinks the window per WindowParams on a failed report,
// clamped to the floor (spec §4.H window resizing).
func (q *ChangeQueue) DecreaseWindow() {
	if q.WindowParams.IsStatic() {
		return
	}
	switch q.WindowParams.DecreaseType {
	case WindowLinear:
		q.Window -= q.WindowParams.DecreaseFactor
	case WindowExponential:
		factor := q.WindowParams.DecreaseFactor
		if factor < 1 {
			factor = 1
		}
		q.Window /= factor
	}
	if q.Window < q.WindowParams.Floor {
		q.Window = q.WindowParams.Floor
	}
}

func removeUUID(list []uuid.UUID, v uuid.UUID) []uuid.UUID {
	out := list[:0]
	for _, id := range list {
		if id != v {
			out = append(out, id)
		}
	}
	return out
}
