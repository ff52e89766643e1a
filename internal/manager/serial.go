package manager

import (
	"log/slog"

	"zuul/internal/model"
)

// serialWindow is the window policy every serial queue runs under: fixed
// at one item in flight regardless of the pipeline's configured window,
// per serial.py's SerialPipelineManager ("changes_merge = False" and a
// shared queue whose window never grows).
var serialWindow = model.WindowParams{Initial: 1, Floor: 1, IncreaseType: model.WindowLinear, IncreaseFactor: 0, DecreaseType: model.WindowLinear, DecreaseFactor: 0}

// SerialManager shares one queue per queue-name like DependentManager, but
// processes strictly one item at a time and does not treat a successful
// report as a merge. Grounded on zuul/manager/serial.py, which overrides
// only dequeueItem and changes_merge against an unretrieved
// SharedQueuePipelineManager base — the shared-queue grouping here is
// ported from dependent.py's ChangeQueueManager since serial.py's own base
// class was not present in the retrieved pack, and the two are described
// in spec §4.H as sharing that mechanism.
type SerialManager struct {
	*Base
	groups       []*queueGroup
	groupsByName map[string]*queueGroup
}

// NewSerialManager builds a SerialPipelineManager-equivalent for
// pipelineDef.
func NewSerialManager(pipelineDef *model.Pipeline, src ChangeSource, nodes NodeRequester, sem SemaphoreAcquirer, exec Executor, report Reporter, stats StatsSink, logger *slog.Logger) *SerialManager {
	m := &SerialManager{groupsByName: make(map[string]*queueGroup)}
	m.Base = newBase(pipelineDef.Name, false, serialWindow, src, nodes, sem, exec, report, stats, logger, m)
	m.buildChangeQueues(pipelineDef)
	return m
}

func (m *SerialManager) Kind() model.ManagerKind { return model.ManagerSerial }

func (m *SerialManager) buildChangeQueues(pipelineDef *model.Pipeline) {
	for _, pc := range pipelineDef.Projects {
		queueName := pc.QueueName()
		if queueName == "" {
			continue
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

func (m *SerialManager) groupFor(project string) *queueGroup {
	for _, g := range m.groups {
		if g.projects[project] {
			return g
		}
	}
	return nil
}

// resolveQueue mirrors DependentManager.resolveQueue's group lookup, but
// every created queue runs under serialWindow rather than the pipeline's
// configured window.
func (m *SerialManager) resolveQueue(b *Base, change string) *model.ChangeQueue {
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
		q := model.NewChangeQueue(queueID(g.name, key), b.PipelineName, serialWindow, false)
		q.Branch = key
		for p := range g.projects {
			q.Projects = append(q.Projects, p)
		}
		g.byBranch[key] = q
		b.addQueue(q)
		m.logger.Debug("created serial queue", "queue", q.ID)
		return q
	}

	q := model.NewChangeQueue(change, b.PipelineName, serialWindow, true)
	q.Projects = []string{project}
	b.addQueue(q)
	m.logger.Debug("dynamically created serial queue", "queue", q.ID)
	return q
}
