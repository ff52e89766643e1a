package manager

import (
	"log/slog"

	"zuul/internal/model"
)

// IndependentManager gives every change its own one-item dynamic queue: no
// change waits on, or is reordered against, any other. There is no
// retrieved source file for this kind (only dependent.py/serial.py/
// supercedent.py were present in the pack); built directly from spec
// §4.H's "Manager variants" description: "every change gets a dynamic
// one-item queue; no cross-item ordering".
type IndependentManager struct {
	*Base
}

// NewIndependentManager builds an IndependentPipelineManager-equivalent
// for pipelineDef.
func NewIndependentManager(pipelineDef *model.Pipeline, src ChangeSource, nodes NodeRequester, sem SemaphoreAcquirer, exec Executor, report Reporter, stats StatsSink, logger *slog.Logger) *IndependentManager {
	m := &IndependentManager{}
	m.Base = newBase(pipelineDef.Name, true, pipelineDef.Window, src, nodes, sem, exec, report, stats, logger, m)
	return m
}

func (m *IndependentManager) Kind() model.ManagerKind { return model.ManagerIndependent }

// resolveQueue always creates a fresh one-item dynamic queue: independent
// pipelines never share ordering across changes.
func (m *IndependentManager) resolveQueue(b *Base, change string) *model.ChangeQueue {
	q := model.NewChangeQueue(change, b.PipelineName, b.Window, true)
	if proj := m.Source.Project(change); proj != "" {
		q.Projects = []string{proj}
	}
	b.addQueue(q)
	m.logger.Debug("dynamically created independent queue", "queue", q.ID)
	return q
}
