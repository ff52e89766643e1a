// Package manager implements the Pipeline Manager (spec §4.H): the
// enqueue/dequeue logic, Nearest-Non-Failing-Item reparenting, window
// sizing, and dependency-following behavior shared by the four pipeline
// kinds. Grounded on zuul/manager/__init__.py's PipelineManager
// (processOneItem/processQueue, addChange, removeItem, reportItem) with
// the per-kind queue-resolution strategies from zuul/manager/dependent.py,
// serial.py, and supercedent.py; the independent kind has no retrieved
// source file and is built from spec §4.H's "Manager variants" text
// directly.
//
// Source-system drivers, the executor worker, and the node allocator's
// placement algorithm are explicitly out of scope (spec §1) and are
// modeled here only as the collaborator interfaces below.
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"zuul/internal/logging"
	"zuul/internal/model"
)

// ChangeSource abstracts the source-driver facts a manager needs about an
// opaque change reference: its project/branch, mergeability, and
// build-time dependency graph (spec §6 — driver implementations out of
// scope, specified only by interface).
type ChangeSource interface {
	Project(change string) string
	Branch(change string) string
	CanMerge(change string) bool
	IsMerged(change string) bool
	// NeedsChanges lists changes this change's commit depends on ("ahead").
	NeedsChanges(change string) []string
	// NeededByChanges lists changes that depend on this change ("behind").
	NeededByChanges(change string) []string
}

// NodeRequester requests and cancels pooled build resources for a job
// (spec §4.D collaborator).
type NodeRequester interface {
	RequestNodes(buildSet *model.BuildSet, job model.JobVariant) (*model.NodeRequest, error)
	CancelRequest(req *model.NodeRequest) error
}

// SemaphoreAcquirer acquires and releases tenant-scoped named semaphores
// for a job (spec §4.E collaborator).
type SemaphoreAcquirer interface {
	Acquire(ctx context.Context, itemUUID uuid.UUID, jobName string, sem model.JobSemaphoreUse, requestResources bool) (bool, error)
	Release(ctx context.Context, itemUUID uuid.UUID, jobName string, sem model.JobSemaphoreUse) error
}

// Executor submits and cancels build requests (spec §6 build request
// payload; the executor worker runtime itself is out of scope).
type Executor interface {
	Launch(job model.JobVariant, item *model.QueueItem, pipelineName string, dependentItems []*model.QueueItem) (*model.Build, error)
	Cancel(build *model.Build) error
}

// Reporter sends an item's outcome to pluggable reporters (driver
// implementations out of scope; spec §4.H reportItem).
type Reporter interface {
	Report(outcome model.ReporterOutcome, pipelineName string, item *model.QueueItem) error
}

// StatsSink receives per-item/queue gauges and timers (spec §4.K).
type StatsSink interface {
	Gauge(name string, value int)
	Timing(name string, d time.Duration)
	Incr(name string)
}

// NopStatsSink discards everything; used when statsd is not configured,
// mirroring `if not self.sched.statsd: return` in reportStats.
type NopStatsSink struct{}

func (NopStatsSink) Gauge(string, int)            {}
func (NopStatsSink) Timing(string, time.Duration) {}
func (NopStatsSink) Incr(string)                  {}

// AddChangeOptions carries addChange's optional parameters (spec §4.H).
type AddChangeOptions struct {
	Quiet               bool
	EnqueueTime         time.Time
	IgnoreRequirements  bool
	Live                bool
	ChangeQueue         *model.ChangeQueue
	History             map[string]bool // changes already visited this recursive walk, cycle detection
}

// now is overridable in tests; real code always uses time.Now.
var now = time.Now

// Manager is the common interface every pipeline-kind implementation
// satisfies, driven by the Scheduler Main Loop (spec §4.I).
type Manager interface {
	Kind() model.ManagerKind
	EventMatches(forcedPipeline string) bool
	AddChange(change string, opts AddChangeOptions) bool
	RemoveItem(item *model.QueueItem)
	PromoteQueue(queueID string)
	ProcessQueue() bool
}

// resolver picks (creating if necessary) the ChangeQueue a change belongs
// to — the one piece of behavior that differs per manager kind
// (dependent.py's getChangeQueue / serial's shared-queue variant /
// supercedent's per-project variant / independent's always-fresh
// dynamic queue).
type resolver interface {
	resolveQueue(b *Base, change string) *model.ChangeQueue
}

// Base implements the algorithm shared by all four manager kinds:
// addChange, removeItem, dequeueItem, processQueue/processOneItem, and
// reportItem, exactly as zuul/manager/__init__.py's PipelineManager.
// Concrete kinds embed Base and supply a resolver plus (optionally)
// overrides like supercedent's post-addChange queue pruning.
type Base struct {
	PipelineName string
	ChangesMerge bool // whether a successful report means the change actually merged (dependent/independent); false for serial/supercedent
	Window       model.WindowParams

	// PipelineLayout is the pipeline's static Layout, inherited by items
	// whose change does not itself reconfigure (manager/__init__.py's
	// self.pipeline.layout). Set once at construction/reconfiguration.
	PipelineLayout *model.Layout

	Queues []*model.ChangeQueue

	Source     ChangeSource
	Nodes      NodeRequester
	Semaphores SemaphoreAcquirer
	Exec       Executor
	Report     Reporter
	Stats      StatsSink
	logger     *slog.Logger

	resolve resolver

	// afterAddChange runs after a successful addChange, used by the
	// supercedent kind to prune superseded items (supercedent.py's
	// addChange override calling _pruneQueues).
	afterAddChange func()

	// The following hooks give per-kind behavior over an otherwise shared
	// algorithm (Go has no virtual dispatch through embedding, so overrides
	// are function fields set by each kind's constructor rather than
	// overridden methods, the way Python subclasses override
	// isChangeReadyToBeEnqueued/checkForChangesNeededBy/etc.).
	isChangeReadyFn            func(change string) bool
	checkForChangesNeededByFn  func(item *model.QueueItem, q *model.ChangeQueue) bool
	getFailingDependentItemsFn func(item *model.QueueItem, q *model.ChangeQueue) []*model.QueueItem
	enqueueChangesAheadFn      func(change string, opts AddChangeOptions, q *model.ChangeQueue, history map[string]bool) bool
	enqueueChangesBehindFn     func(change string, opts AddChangeOptions, q *model.ChangeQueue, history map[string]bool)

	disabled            bool
	consecutiveFailures int
	disableAt           int
}

func newBase(pipelineName string, changesMerge bool, window model.WindowParams, src ChangeSource, nodes NodeRequester, sem SemaphoreAcquirer, exec Executor, report Reporter, stats StatsSink, logger *slog.Logger, resolve resolver) *Base {
	if stats == nil {
		stats = NopStatsSink{}
	}
	b := &Base{
		PipelineName: pipelineName,
		ChangesMerge: changesMerge,
		Window:       window,
		Source:       src,
		Nodes:        nodes,
		Semaphores:   sem,
		Exec:         exec,
		Report:       report,
		Stats:        stats,
		logger:       logging.Default(logger).With("component", "manager", "pipeline", pipelineName),
		resolve:      resolve,
	}
	b.isChangeReadyFn = func(change string) bool { return true }
	b.checkForChangesNeededByFn = func(item *model.QueueItem, q *model.ChangeQueue) bool { return true }
	b.getFailingDependentItemsFn = func(item *model.QueueItem, q *model.ChangeQueue) []*model.QueueItem { return nil }
	b.enqueueChangesAheadFn = func(change string, opts AddChangeOptions, q *model.ChangeQueue, history map[string]bool) bool {
		return true
	}
	b.enqueueChangesBehindFn = func(change string, opts AddChangeOptions, q *model.ChangeQueue, history map[string]bool) {}
	return b
}

// EventMatches reports whether an event explicitly forced to
// forcedPipeline targets this manager's pipeline (spec §4.H
// eventMatches; the per-filter-set match against undirected events is a
// layout-config concern, out of scope for this package — the Scheduler
// Main Loop resolves that before calling addChange).
func (b *Base) EventMatches(forcedPipeline string) bool {
	return forcedPipeline == "" || forcedPipeline == b.PipelineName
}

// ListQueues returns the manager's live ChangeQueues, for persistence and
// inspection by the Scheduler Main Loop.
func (b *Base) ListQueues() []*model.ChangeQueue { return b.Queues }

// RestoreQueues replaces the manager's in-memory queues with ones loaded
// from the Pipeline State Store, for use at startup before the first
// ProcessQueue pass (scheduler.py's prime/_reenqueuePipeline path).
func (b *Base) RestoreQueues(queues []*model.ChangeQueue) { b.Queues = queues }

// GetQueue finds an existing queue by ID.
func (b *Base) GetQueue(id string) *model.ChangeQueue {
	for _, q := range b.Queues {
		if q.ID == id {
			return q
		}
	}
	return nil
}

// getQueueForProject returns the first queue whose Projects list contains
// project, or nil (pipeline.py's getQueue(project, branch)).
func (b *Base) getQueueForProject(project, branch string) *model.ChangeQueue {
	for _, q := range b.Queues {
		if branch != "" && q.Branch != "" && q.Branch != branch {
			continue
		}
		for _, p := range q.Projects {
			if p == project {
				return q
			}
		}
	}
	return nil
}

// addQueue registers a newly created queue.
func (b *Base) addQueue(q *model.ChangeQueue) {
	b.Queues = append(b.Queues, q)
}

// removeQueue drops a (now-empty) dynamic queue.
func (b *Base) removeQueue(q *model.ChangeQueue) {
	for i, existing := range b.Queues {
		if existing == q {
			b.Queues = append(b.Queues[:i], b.Queues[i+1:]...)
			return
		}
	}
}

// isChangeAlreadyInPipeline checks every live item across every queue
// (manager/__init__.py's isChangeAlreadyInPipeline).
func (b *Base) isChangeAlreadyInPipeline(change string) bool {
	for _, q := range b.Queues {
		for _, item := range q.Items {
			if item.Live && item.Change == change {
				return true
			}
		}
	}
	return false
}

func isChangeAlreadyInQueue(q *model.ChangeQueue, change string) bool {
	for _, item := range q.Items {
		if item.Change == change {
			return true
		}
	}
	return false
}

// AddChange implements manager/__init__.py's addChange, generalized over
// the resolver/dependency hooks each kind supplies.
func (b *Base) AddChange(change string, opts AddChangeOptions) bool {
	b.logger.Debug("considering adding change", "change", change)

	if opts.Live && b.isChangeAlreadyInPipeline(change) {
		b.logger.Debug("change already in pipeline, ignoring", "change", change)
		return true
	}

	if !b.isChangeReadyFn(change) {
		b.logger.Debug("change not ready to be enqueued, ignoring", "change", change)
		return false
	}

	q := opts.ChangeQueue
	if q == nil {
		q = b.resolve.resolveQueue(b, change)
	}
	if q == nil {
		b.logger.Debug("unable to find change queue for change", "change", change)
		return false
	}

	history := opts.History
	if history == nil {
		history = make(map[string]bool)
	}
	if !b.enqueueChangesAheadFn(change, opts, q, history) {
		b.logger.Debug("failed to enqueue changes ahead", "change", change)
		return false
	}

	if isChangeAlreadyInQueue(q, change) {
		b.logger.Debug("change already in queue, ignoring", "change", change)
		return true
	}

	b.logger.Debug("adding change to queue", "change", change, "queue", q.ID)
	item := model.NewQueueItem(change, opts.Live)
	if !opts.EnqueueTime.IsZero() {
		item.EnqueueTime = opts.EnqueueTime
	} else {
		item.EnqueueTime = now()
	}
	q.Enqueue(item)
	b.reportStats(item)
	if !opts.Quiet {
		if err := b.Report.Report(model.ReportEnqueue, b.PipelineName, item); err != nil {
			b.logger.Error("error reporting enqueue", "change", change, "error", err)
		}
	}
	b.enqueueChangesBehindFn(change, opts, q, history)

	if b.afterAddChange != nil {
		b.afterAddChange()
	}
	return true
}

// ReenqueueItem re-admits an already-populated QueueItem — one carried
// over from a structurally different prior pipeline definition — into
// this manager's queue structure, keeping its existing BuildSet rather
// than starting it over (manager/__init__.py's reEnqueueItem). Any frozen
// job no longer present in newJobs is dropped from the BuildSet, and its
// outstanding build/node request (if any) is returned for the caller to
// cancel, mirroring scheduler.py's _reenqueuePipeline loop over
// item.current_build_set.getBuilds()/node_requests after a successful
// reEnqueueItem. Returns ok=false with nothing mutated if item's change
// resolves to no queue under the new structure at all (the "no new_project"
// branch in the source), in which case the caller must cancel every one of
// item's outstanding builds/requests itself and drop the item.
func (b *Base) ReenqueueItem(item *model.QueueItem, newJobs map[string]bool) (buildsToCancel []*model.Build, requestsToCancel []*model.NodeRequest, ok bool) {
	q := b.resolve.resolveQueue(b, item.Change)
	if q == nil {
		return nil, nil, false
	}

	item.ItemAhead = uuid.Nil
	item.ItemsBehind = nil
	item.Layout = nil // stale against the old pipeline definition; prepareLayout re-derives it
	q.Enqueue(item)

	if bs := item.CurrentBuildSet; bs != nil {
		kept := bs.FrozenJobs[:0:0]
		for _, job := range bs.FrozenJobs {
			if newJobs[job.Name] {
				kept = append(kept, job)
				continue
			}
			if build, has := bs.Builds[job.Name]; has {
				buildsToCancel = append(buildsToCancel, build)
				delete(bs.Builds, job.Name)
			}
			if req, has := bs.NodeRequests[job.Name]; has {
				requestsToCancel = append(requestsToCancel, req)
				delete(bs.NodeRequests, job.Name)
			}
		}
		bs.FrozenJobs = kept
	}

	b.reportStats(item)
	return buildsToCancel, requestsToCancel, true
}

// RemoveItem cancels an item's builds, dequeues it, and reports stats
// (manager/__init__.py's removeItem).
func (b *Base) RemoveItem(item *model.QueueItem) {
	b.logger.Debug("canceling builds behind change because it is being removed", "change", item.Change)
	b.cancelJobs(item, true)
	b.dequeueItem(item)
	b.reportStats(item)
}

// dequeueItem removes item from its queue and, if that queue was dynamic
// and is now empty, removes the queue too — the cleanup every kind's
// dequeueItem override performs (dependent.py/serial.py/supercedent.py
// all do exactly this; independent's dynamic one-item queues benefit from
// the same rule with no special-casing needed).
func (b *Base) dequeueItem(item *model.QueueItem) {
	q := b.findQueue(item)
	if q == nil {
		return
	}
	q.RemoveItem(item)
	item.Dequeued = true
	item.DequeueTime = now()
	if q.Dynamic && len(q.Items) == 0 {
		b.removeQueue(q)
	}
}

func (b *Base) findQueue(item *model.QueueItem) *model.ChangeQueue {
	for _, q := range b.Queues {
		if q.ItemByUUID(item.UUID) != nil {
			return q
		}
	}
	return nil
}

// PromoteQueue moves a ChangeQueue to the head of the pipeline's queue
// list (spec §4.H promoteQueue) — processQueue visits queues in list
// order, so promotion affects scheduling priority among queues.
func (b *Base) PromoteQueue(queueID string) {
	for i, q := range b.Queues {
		if q.ID == queueID {
			b.Queues = append(append([]*model.ChangeQueue{q}, b.Queues[:i]...), b.Queues[i+1:]...)
			return
		}
	}
}

// cancelJobs cancels every outstanding node request and build for item's
// current buildset, recursing into items behind (manager/__init__.py's
// cancelJobs). prime resets builds so they can be relaunched; a failing
// dependency cancels without resetting (prime=false, spec §4.H step 2).
func (b *Base) cancelJobs(item *model.QueueItem, prime bool) bool {
	canceled := false
	bs := item.CurrentBuildSet
	if bs == nil {
		return false
	}
	for name, req := range bs.NodeRequests {
		if err := b.Nodes.CancelRequest(req); err != nil {
			b.logger.Warn("error canceling node request", "job", name, "error", err)
		}
	}
	bs.NodeRequests = make(map[string]*model.NodeRequest)
	for _, build := range bs.Builds {
		if build.IsFinal() {
			continue
		}
		if err := b.Exec.Cancel(build); err != nil {
			b.logger.Warn("error canceling build", "job", build.JobName, "error", err)
		}
		build.Canceled = true
		build.Result = model.ResultCanceled
		canceled = true
	}
	if prime {
		bs.Builds = make(map[string]*model.Build)
		bs.Tries = make(map[string]int)
	}
	q := b.findQueue(item)
	if q != nil {
		for _, behindID := range item.ItemsBehind {
			behind := q.ItemByUUID(behindID)
			if behind == nil {
				continue
			}
			if b.cancelJobs(behind, prime) {
				canceled = true
			}
		}
	}
	return canceled
}

// provisionNodes submits a NodeRequest for every job with no outstanding
// request, build, or result yet (manager/__init__.py's provisionNodes).
func (b *Base) provisionNodes(item *model.QueueItem) bool {
	jobs := b.findJobsToRequest(item)
	if len(jobs) == 0 {
		return false
	}
	bs := item.CurrentBuildSet
	for _, job := range jobs {
		req, err := b.Nodes.RequestNodes(bs, job)
		if err != nil {
			b.logger.Error("error requesting nodes", "job", job.Name, "error", err)
			continue
		}
		bs.NodeRequests[job.Name] = req
	}
	return true
}

func (b *Base) findJobsToRequest(item *model.QueueItem) []model.JobVariant {
	if item.CurrentBuildSet == nil || item.Layout == nil {
		return nil
	}
	var out []model.JobVariant
	for _, job := range item.CurrentBuildSet.FrozenJobs {
		if _, hasReq := item.CurrentBuildSet.NodeRequests[job.Name]; hasReq {
			continue
		}
		if _, hasBuild := item.CurrentBuildSet.Builds[job.Name]; hasBuild {
			continue
		}
		if !b.dependenciesSatisfied(item, job) {
			continue
		}
		out = append(out, job)
	}
	return out
}

func (b *Base) dependenciesSatisfied(item *model.QueueItem, job model.JobVariant) bool {
	for _, dep := range job.Dependencies {
		build, ok := item.CurrentBuildSet.Builds[dep]
		if !ok || build.Result != model.ResultSuccess {
			return false
		}
	}
	return true
}

// launchJobs acquires semaphores and submits a build for every job whose
// nodes are ready and dependencies satisfied (manager/__init__.py's
// launchJobs/_launchJobs).
func (b *Base) launchJobs(item *model.QueueItem) bool {
	if item.Layout == nil {
		return false
	}
	jobs := b.findJobsToRun(item)
	if len(jobs) == 0 {
		return false
	}
	dependentItems := b.getDependentItems(item)
	launched := false
	for _, job := range jobs {
		if !b.acquireSemaphores(item, job) {
			continue
		}
		build, err := b.Exec.Launch(job, item, b.PipelineName, dependentItems)
		if err != nil {
			b.logger.Error("error launching job", "job", job.Name, "change", item.Change, "error", err)
			continue
		}
		item.CurrentBuildSet.Builds[job.Name] = build
		launched = true
	}
	return launched
}

func (b *Base) findJobsToRun(item *model.QueueItem) []model.JobVariant {
	if item.CurrentBuildSet == nil {
		return nil
	}
	var out []model.JobVariant
	for _, job := range item.CurrentBuildSet.FrozenJobs {
		if _, hasBuild := item.CurrentBuildSet.Builds[job.Name]; hasBuild {
			continue
		}
		req, hasReq := item.CurrentBuildSet.NodeRequests[job.Name]
		if !hasReq || req.State != model.NodeRequestStateFulfilled {
			continue
		}
		if !b.dependenciesSatisfied(item, job) {
			continue
		}
		out = append(out, job)
	}
	return out
}

func (b *Base) acquireSemaphores(item *model.QueueItem, job model.JobVariant) bool {
	for _, use := range job.Semaphores {
		ok, err := b.Semaphores.Acquire(context.Background(), item.UUID, job.Name, use, false)
		if err != nil {
			b.logger.Error("error acquiring semaphore", "semaphore", use.Name, "job", job.Name, "error", err)
			return false
		}
		if !ok {
			return false
		}
	}
	return true
}

// getDependentItems walks item_ahead links to the head of the queue
// (manager/__init__.py's getDependentItems).
func (b *Base) getDependentItems(item *model.QueueItem) []*model.QueueItem {
	q := b.findQueue(item)
	if q == nil {
		return nil
	}
	var items []*model.QueueItem
	cur := item
	for {
		ahead := q.ItemByUUID(cur.ItemAhead)
		if ahead == nil {
			break
		}
		items = append(items, ahead)
		cur = ahead
	}
	return items
}

// prepareLayout materializes or inherits item's Layout (manager/__init__
// .py's prepareLayout). Dynamic-layout generation from merger output is
// an explicit collaborator of the merger subsystem (out of scope); here,
// prepareLayout only inherits from item_ahead or the pipeline's static
// layout, leaving item.Layout nil (not-yet-ready) if neither is
// available.
func (b *Base) prepareLayout(item *model.QueueItem) bool {
	if item.Layout != nil {
		return true
	}
	q := b.findQueue(item)
	var itemAhead *model.QueueItem
	if q != nil {
		itemAhead = q.ItemByUUID(item.ItemAhead)
	}
	if itemAhead != nil && itemAhead.Layout != nil {
		item.Layout = itemAhead.Layout
		return true
	}
	if b.PipelineLayout != nil {
		item.Layout = b.PipelineLayout
		return true
	}
	return false
}

// ProcessOneItem implements manager/__init__.py's _processOneItem. It is
// exported (capital-letter) so tests and the scheduler main loop can
// drive it directly per-item, the way _processOneItem is the unit the
// Python source's own tests exercise.
func (b *Base) ProcessOneItem(item *model.QueueItem, nnfi *model.QueueItem) (changed bool, newNNFI *model.QueueItem) {
	newNNFI = nnfi
	q := b.findQueue(item)
	if q == nil {
		return false, nnfi
	}

	var itemAhead *model.QueueItem
	if item.ItemAhead != uuid.Nil {
		itemAhead = q.ItemByUUID(item.ItemAhead)
		if itemAhead != nil && !itemAhead.Live {
			itemAhead = nil
		}
	}

	var failingReasons []string

	if !b.checkForChangesNeededByFn(item, q) {
		b.logger.Info("dequeuing change because it can no longer merge", "change", item.Change)
		b.cancelJobs(item, true)
		b.dequeueItem(item)
		item.DequeuedNeedingChange = true
		if item.Live {
			b.reportItem(item)
		}
		return true, nnfi
	}

	depItems := b.getFailingDependentItemsFn(item, q)
	actionable := b.isActionable(q, item)
	ready := false
	if len(depItems) > 0 {
		failingReasons = append(failingReasons, "a needed change is failing")
		b.cancelJobs(item, false)
	} else {
		itemAheadMerged := itemAhead != nil && b.Source != nil && b.Source.IsMerged(itemAhead.Change)
		var nnfiUUID uuid.UUID
		if nnfi != nil {
			nnfiUUID = nnfi.UUID
		}
		var itemAheadUUID uuid.UUID
		if itemAhead != nil {
			itemAheadUUID = itemAhead.UUID
		}
		if itemAheadUUID != nnfiUUID && !itemAheadMerged {
			b.logger.Info("resetting builds: item ahead is not the nearest non-failing item",
				"change", item.Change)
			q.MoveItem(item, nnfi)
			changed = true
			b.cancelJobs(item, true)
		}
		if actionable {
			ready = b.prepareLayout(item)
			if item.CurrentBuildSet != nil && item.CurrentBuildSet.UnableToMerge {
				failingReasons = append(failingReasons, "it has a merge conflict")
			}
			if ready && b.provisionNodes(item) {
				changed = true
			}
		}
	}

	if actionable && ready && b.launchJobs(item) {
		changed = true
	}

	if item.CurrentBuildSet != nil && item.CurrentBuildSet.DidAnyJobFail() {
		failingReasons = append(failingReasons, "at least one job failed")
	}

	if !item.Live && len(item.ItemsBehind) == 0 {
		failingReasons = append(failingReasons, "is a non-live item with no items behind")
		b.dequeueItem(item)
		changed = true
	}

	if itemAhead == nil && item.Live && item.CurrentBuildSet != nil && item.CurrentBuildSet.AllComplete() {
		mergeFailed := !b.reportItem(item)
		if mergeFailed {
			failingReasons = append(failingReasons, "it did not merge")
			for _, behindID := range item.ItemsBehind {
				if behind := q.ItemByUUID(behindID); behind != nil {
					b.logger.Info("resetting builds: item ahead failed to merge", "change", behind.Change)
					b.cancelJobs(behind, true)
				}
			}
		}
		b.dequeueItem(item)
		changed = true
	} else if len(failingReasons) == 0 && item.Live {
		newNNFI = item
	}

	if item.CurrentBuildSet != nil {
		item.CurrentBuildSet.Warnings = nil
		item.FailingReasons = failingReasons
		item.Failing = len(failingReasons) > 0
	}
	if len(failingReasons) > 0 {
		b.logger.Debug("item is failing", "change", item.Change, "reasons", failingReasons)
	}
	return changed, newNNFI
}

// isActionable reports whether item's position is within the queue's
// current window (ChangeQueue.isActionable in the source, inlined here
// since window semantics are this package's concern, not model's).
func (b *Base) isActionable(q *model.ChangeQueue, item *model.QueueItem) bool {
	for i, it := range q.Items {
		if it.UUID == item.UUID {
			return i < q.Window
		}
	}
	return false
}

// ProcessQueue drives every queue's items head-first, tracking the
// nearest non-failing item per queue (manager/__init__.py's
// processQueue).
func (b *Base) ProcessQueue() bool {
	b.logger.Debug("starting queue processor")
	changed := false
	for _, q := range b.Queues {
		var nnfi *model.QueueItem
		items := append([]*model.QueueItem(nil), q.Items...)
		for _, item := range items {
			itemChanged, newNNFI := b.ProcessOneItem(item, nnfi)
			nnfi = newNNFI
			if itemChanged {
				changed = true
			}
			b.reportStats(item)
		}
	}
	b.logger.Debug("finished queue processor", "changed", changed)
	return changed
}

// reportItem reports item's outcome once (reported flag guards re-entry,
// spec §9 open question) and adjusts the queue's window on
// success/failure for managers whose changes actually merge
// (manager/__init__.py's reportItem). Returns false on a merge/report
// failure, mirroring the source raising MergeFailure.
func (b *Base) reportItem(item *model.QueueItem) bool {
	ok := true
	if !item.Reported {
		if err := b.sendOutcomeReport(item); err != nil {
			b.logger.Error("error reporting item", "change", item.Change, "error", err)
			ok = false
		}
		item.Reported = true
	}
	if !b.ChangesMerge {
		return ok
	}
	succeeded := item.CurrentBuildSet != nil && !item.CurrentBuildSet.DidAnyJobFail()
	merged := item.Reported && succeeded && b.Source != nil && b.Source.IsMerged(item.Change)
	b.logger.Info("reported change status", "change", item.Change, "all-succeeded", succeeded, "merged", merged)
	q := b.findQueue(item)
	if q == nil {
		return ok
	}
	if !(succeeded && merged) {
		b.logger.Debug("reported change failed tests or failed to merge", "change", item.Change)
		q.DecreaseWindow()
		b.logger.Debug("window size decreased", "queue", q.ID, "window", q.Window)
		return false
	}
	q.IncreaseWindow()
	b.logger.Debug("window size increased", "queue", q.ID, "window", q.Window)
	return ok
}

func (b *Base) sendOutcomeReport(item *model.QueueItem) error {
	outcome := model.ReportSuccess
	switch {
	case item.CurrentBuildSet == nil || len(item.CurrentBuildSet.FrozenJobs) == 0:
		return nil // no jobs: don't send empty reports, matching _reportItem
	case item.CurrentBuildSet.DidAnyJobFail():
		if hasMergeFailure(item.CurrentBuildSet) {
			outcome = model.ReportMergeFailure
		} else {
			outcome = model.ReportFailure
			b.consecutiveFailures++
		}
	default:
		b.consecutiveFailures = 0
	}
	if b.disabled {
		outcome = model.ReportDisabled
	}
	if b.disableAt > 0 && !b.disabled && b.consecutiveFailures >= b.disableAt {
		b.disabled = true
	}
	return b.Report.Report(outcome, b.PipelineName, item)
}

func hasMergeFailure(bs *model.BuildSet) bool {
	for _, build := range bs.Builds {
		if build.Result.IsMergeFailureClass() {
			return true
		}
	}
	return false
}

// reportStats updates gauges/timers (manager/__init__.py's reportStats).
func (b *Base) reportStats(item *model.QueueItem) {
	total := 0
	for _, q := range b.Queues {
		total += len(q.Items)
	}
	key := fmt.Sprintf("zuul.pipeline.%s", b.PipelineName)
	b.Stats.Gauge(key+".current_changes", total)
	if item.Dequeued && !item.DequeueTime.IsZero() {
		dt := item.DequeueTime.Sub(item.EnqueueTime)
		b.Stats.Timing(key+".resident_time", dt)
		b.Stats.Incr(key + ".total_changes")
	}
}
