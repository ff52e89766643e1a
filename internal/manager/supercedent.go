package manager

import (
	"log/slog"

	"zuul/internal/model"
)

// supercedentWindow matches supercedent.py's buildChangeQueues: window
// fixed at one and never resized ("window_increase_type='none',
// window_decrease_type='none'").
var supercedentWindow = model.WindowParams{Initial: 1, Floor: 1, IncreaseType: model.WindowLinear, IncreaseFactor: 0, DecreaseType: model.WindowLinear, DecreaseFactor: 0}

// SupercedentManager gives every project its own single-item-window queue
// and, after each successful enqueue, prunes every item strictly between
// the head and tail so only the newest and currently-running change
// survive. Grounded on zuul/manager/supercedent.py's
// SupercedentPipelineManager (buildChangeQueues, getChangeQueue,
// _pruneQueues, the addChange override calling it).
type SupercedentManager struct {
	*Base
	queuesByProject map[string]*model.ChangeQueue
}

// NewSupercedentManager builds a SupercedentPipelineManager-equivalent for
// pipelineDef.
func NewSupercedentManager(pipelineDef *model.Pipeline, src ChangeSource, nodes NodeRequester, sem SemaphoreAcquirer, exec Executor, report Reporter, stats StatsSink, logger *slog.Logger) *SupercedentManager {
	m := &SupercedentManager{queuesByProject: make(map[string]*model.ChangeQueue)}
	m.Base = newBase(pipelineDef.Name, false, supercedentWindow, src, nodes, sem, exec, report, stats, logger, m)
	m.Base.afterAddChange = m.pruneQueues
	m.buildChangeQueues(pipelineDef)
	return m
}

func (m *SupercedentManager) Kind() model.ManagerKind { return model.ManagerSupercedent }

// buildChangeQueues creates one static, per-project queue for every
// project configured into this pipeline, window fixed at one
// (supercedent.py's buildChangeQueues).
func (m *SupercedentManager) buildChangeQueues(pipelineDef *model.Pipeline) {
	for _, pc := range pipelineDef.Projects {
		if _, ok := m.queuesByProject[pc.Project]; ok {
			continue
		}
		q := model.NewChangeQueue(pc.Project, pipelineDef.Name, supercedentWindow, false)
		q.Projects = []string{pc.Project}
		m.queuesByProject[pc.Project] = q
		m.Base.addQueue(q)
	}
}

// resolveQueue returns the static per-project queue if one is configured,
// else a one-off dynamic per-project queue (supercedent.py's
// getChangeQueue).
func (m *SupercedentManager) resolveQueue(b *Base, change string) *model.ChangeQueue {
	project := m.Source.Project(change)
	if q, ok := m.queuesByProject[project]; ok {
		return q
	}
	if q := b.getQueueForProject(project, ""); q != nil {
		return q
	}
	q := model.NewChangeQueue(project, b.PipelineName, supercedentWindow, true)
	q.Projects = []string{project}
	b.addQueue(q)
	m.logger.Debug("dynamically created supercedent queue", "queue", q.ID)
	return q
}

// pruneQueues removes every item strictly between the head and tail of
// each queue, so only the item currently being built (head) and the
// latest superceding change (tail) remain (supercedent.py's _pruneQueues:
// "queue.queue[1:-1]").
func (m *SupercedentManager) pruneQueues() {
	for _, q := range m.Queues {
		for len(q.Items) > 2 {
			victim := q.Items[1]
			m.logger.Debug("pruning superceded change", "change", victim.Change, "queue", q.ID)
			m.cancelJobs(victim, true)
			q.RemoveItem(victim)
			victim.Dequeued = true
			victim.DequeueTime = now()
		}
	}
}
