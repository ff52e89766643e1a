package manager

import (
	"log/slog"

	"zuul/internal/model"
)

// queueGroup is the Go analogue of dependent.py's ChangeQueueManager: a
// named grouping of projects that share a ChangeQueue, with queues
// created lazily (and per-branch, if the QueueDef says so) on first use.
type queueGroup struct {
	name      string
	perBranch bool
	projects  map[string]bool
	byBranch  map[string]*model.ChangeQueue // branch "" is the shared/no-branch bucket
}

// DependentManager shares one ChangeQueue per queue-name across all
// projects configured into it; changes merge in strict order and follow
// cross-repo dependencies forward and backward. Grounded on
// zuul/manager/dependent.py's DependentPipelineManager.
type DependentManager struct {
	*Base
	groups       []*queueGroup
	groupsByName map[string]*queueGroup
}

// NewDependentManager builds a DependentPipelineManager-equivalent for
// pipelineDef, wiring project→queue-name membership from
// pipelineDef.Projects/Queues (dependent.py's buildChangeQueues).
func NewDependentManager(pipelineDef *model.Pipeline, src ChangeSource, nodes NodeRequester, sem SemaphoreAcquirer, exec Executor, report Reporter, stats StatsSink, logger *slog.Logger) *DependentManager {
	m := &DependentManager{groupsByName: make(map[string]*queueGroup)}
	m.Base = newBase(pipelineDef.Name, true, pipelineDef.Window, src, nodes, sem, exec, report, stats, logger, m)
	m.Base.PipelineLayout = nil
	m.Base.isChangeReadyFn = m.isChangeReadyToBeEnqueued
	m.Base.checkForChangesNeededByFn = m.checkForChangesNeededBy
	m.Base.getFailingDependentItemsFn = m.getFailingDependentItems
	m.Base.enqueueChangesAheadFn = m.enqueueChangesAhead
	m.Base.enqueueChangesBehindFn = m.enqueueChangesBehind
	m.buildChangeQueues(pipelineDef)
	return m
}

func (m *DependentManager) Kind() model.ManagerKind { return model.ManagerDependent }

func (m *DependentManager) buildChangeQueues(pipelineDef *model.Pipeline) {
	m.logger.Debug("building shared change queues")
	for _, pc := range pipelineDef.Projects {
		queueName := pc.QueueName()
		if queueName == "" {
			continue // no shared queue configured: gets a dynamic queue per change
		}
		g, ok := m.groupsByName[queueName]
		if !ok {
			def, _ := pipelineDef.GetQueueDef(queueName)
			g = &queueGroup{name: queueName, perBranch: def.PerBranch, projects: make(map[string]bool), byBranch: make(map[string]*model.ChangeQueue)}
			m.groupsByName[queueName] = g
			m.groups = append(m.groups, g)
		}
		g.projects[pc.Project] = true
	}
}

func (m *DependentManager) groupFor(project string) *queueGroup {
	for _, g := range m.groups {
		if g.projects[project] {
			return g
		}
	}
	return nil
}

// resolveQueue implements dependent.py's getChangeQueue: look for an
// already-existing static queue covering this project/branch; failing
// that, lazily get-or-create one from the matching queue group; failing
// that, fall back to a one-off dynamic queue.
func (m *DependentManager) resolveQueue(b *Base, change string) *model.ChangeQueue {
	project := m.Source.Project(change)
	branch := m.Source.Branch(change)

	if q := b.getQueueForProject(project, ""); q != nil {
		return q
	}

	if g := m.groupFor(project); g != nil {
		key := ""
		if g.perBranch {
			key = branch
		}
		if q, ok := g.byBranch[key]; ok {
			return q
		}
		q := model.NewChangeQueue(queueID(g.name, key), b.PipelineName, b.Window, false)
		q.Branch = key
		for p := range g.projects {
			q.Projects = append(q.Projects, p)
		}
		g.byBranch[key] = q
		b.addQueue(q)
		m.logger.Debug("created queue", "queue", q.ID)
		return q
	}

	if q := b.getQueueForProject(project, branch); q != nil {
		return q
	}

	q := model.NewChangeQueue(change, b.PipelineName, b.Window, true)
	q.Projects = []string{project}
	b.addQueue(q)
	m.logger.Debug("dynamically created queue", "queue", q.ID)
	return q
}

func queueID(name, branch string) string {
	if branch == "" {
		return name
	}
	return name + "/" + branch
}

func (m *DependentManager) isChangeReadyToBeEnqueued(change string) bool {
	return m.Source.CanMerge(change)
}

// enqueueChangesAhead recursively enqueues a change's unmet dependencies
// into the same queue before the change itself, refusing if a needed
// change belongs to a different queue or cannot merge
// (dependent.py's enqueueChangesAhead/checkForChangesNeededBy).
func (m *DependentManager) enqueueChangesAhead(change string, opts AddChangeOptions, q *model.ChangeQueue, history map[string]bool) bool {
	if history[change] {
		return true // cycle guard: already visited this change this walk
	}
	history[change] = true

	needed := m.Source.NeedsChanges(change)
	for _, dep := range needed {
		if m.Source.IsMerged(dep) {
			continue
		}
		depQueue := m.resolveQueue(m.Base, dep)
		if depQueue != q {
			m.logger.Debug("needed change does not share a queue", "change", change, "needed", dep)
			return false
		}
		if isChangeAlreadyInQueue(q, dep) {
			continue
		}
		if !m.Source.CanMerge(dep) {
			m.logger.Debug("needed change cannot merge", "needed", dep)
			return false
		}
		depOpts := opts
		depOpts.ChangeQueue = q
		depOpts.History = history
		if !m.AddChange(dep, depOpts) {
			return false
		}
	}
	return true
}

// enqueueChangesBehind recursively enqueues changes that depend on
// change, provided they resolve to the same queue and can merge
// (dependent.py's enqueueChangesBehind).
func (m *DependentManager) enqueueChangesBehind(change string, opts AddChangeOptions, q *model.ChangeQueue, history map[string]bool) {
	for _, dependent := range m.Source.NeededByChanges(change) {
		depQueue := m.resolveQueue(m.Base, dependent)
		if depQueue != q {
			continue
		}
		if !m.Source.CanMerge(dependent) {
			continue
		}
		depOpts := opts
		depOpts.ChangeQueue = q
		depOpts.History = history
		m.AddChange(dependent, depOpts)
	}
}

// checkForChangesNeededBy reports whether change's unmet dependencies are
// still satisfiable — false means the change must be dequeued
// (dependent.py's checkForChangesNeededBy, simplified since the full
// commit-dependency-graph bookkeeping lives in the source driver, out of
// scope here).
func (m *DependentManager) checkForChangesNeededBy(item *model.QueueItem, q *model.ChangeQueue) bool {
	for _, dep := range m.Source.NeedsChanges(item.Change) {
		if m.Source.IsMerged(dep) {
			continue
		}
		if !isChangeAlreadyInQueue(q, dep) {
			return false
		}
	}
	return true
}

// getFailingDependentItems returns the items this item's unmet
// dependencies correspond to, when those items are themselves failing
// (dependent.py's getFailingDependentItems).
func (m *DependentManager) getFailingDependentItems(item *model.QueueItem, q *model.ChangeQueue) []*model.QueueItem {
	var failing []*model.QueueItem
	for _, dep := range m.Source.NeedsChanges(item.Change) {
		for _, it := range q.Items {
			if it.Change == dep && len(it.FailingReasons) > 0 {
				failing = append(failing, it)
			}
		}
	}
	return failing
}
