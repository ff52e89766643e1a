package manager

import (
	"context"
	"log/slog"
	"testing"

	"github.com/google/uuid"

	"zuul/internal/model"
)

// fakeSource is a minimal ChangeSource double: explicit per-change facts,
// no real commit-dependency graph.
type fakeSource struct {
	project  map[string]string
	branch   map[string]string
	canMerge map[string]bool
	merged   map[string]bool
	needs    map[string][]string
	neededBy map[string][]string
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		project:  make(map[string]string),
		branch:   make(map[string]string),
		canMerge: make(map[string]bool),
		merged:   make(map[string]bool),
		needs:    make(map[string][]string),
		neededBy: make(map[string][]string),
	}
}

func (f *fakeSource) Project(change string) string         { return f.project[change] }
func (f *fakeSource) Branch(change string) string           { return f.branch[change] }
func (f *fakeSource) CanMerge(change string) bool           { return f.canMerge[change] }
func (f *fakeSource) IsMerged(change string) bool           { return f.merged[change] }
func (f *fakeSource) NeedsChanges(change string) []string   { return f.needs[change] }
func (f *fakeSource) NeededByChanges(change string) []string { return f.neededBy[change] }

type fakeNodes struct{}

func (fakeNodes) RequestNodes(bs *model.BuildSet, job model.JobVariant) (*model.NodeRequest, error) {
	return &model.NodeRequest{UUID: uuid.New(), State: model.NodeRequestStateFulfilled}, nil
}
func (fakeNodes) CancelRequest(req *model.NodeRequest) error { return nil }

type fakeSem struct{}

func (fakeSem) Acquire(ctx context.Context, item uuid.UUID, job string, use model.JobSemaphoreUse, requestResources bool) (bool, error) {
	return true, nil
}
func (fakeSem) Release(ctx context.Context, item uuid.UUID, job string, use model.JobSemaphoreUse) error {
	return nil
}

type fakeExec struct{}

func (fakeExec) Launch(job model.JobVariant, item *model.QueueItem, pipelineName string, dependentItems []*model.QueueItem) (*model.Build, error) {
	return &model.Build{UUID: uuid.New(), JobName: job.Name, Result: model.ResultSuccess}, nil
}
func (fakeExec) Cancel(build *model.Build) error { return nil }

type fakeReporter struct {
	reports []model.ReporterOutcome
}

func (r *fakeReporter) Report(outcome model.ReporterOutcome, pipelineName string, item *model.QueueItem) error {
	r.reports = append(r.reports, outcome)
	return nil
}

func testLogger() *slog.Logger { return slog.Default() }

func TestDependentManagerWindowGrowsOnSuccessfulMerge(t *testing.T) {
	src := newFakeSource()
	src.project["A"] = "projA"
	src.canMerge["A"] = true
	src.merged["A"] = true

	pipelineDef := &model.Pipeline{
		Name:   "gate",
		Window: model.WindowParams{Initial: 2, Floor: 1, IncreaseType: model.WindowLinear, IncreaseFactor: 1, DecreaseType: model.WindowLinear, DecreaseFactor: 1},
		Queues: []model.QueueDef{{Name: "shared"}},
		Projects: []model.ProjectPipelineConfig{
			{Project: "projA", PipelineQueueName: "shared"},
		},
	}

	reporter := &fakeReporter{}
	m := NewDependentManager(pipelineDef, src, fakeNodes{}, fakeSem{}, fakeExec{}, reporter, nil, testLogger())

	if ok := m.AddChange("A", AddChangeOptions{Live: true}); !ok {
		t.Fatalf("expected AddChange to succeed")
	}
	if len(m.Queues) != 1 {
		t.Fatalf("expected 1 queue, got %d", len(m.Queues))
	}
	q := m.Queues[0]
	if len(q.Items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(q.Items))
	}
	startWindow := q.Window

	changed, _ := m.ProcessOneItem(q.Items[0], nil)
	if !changed {
		t.Fatalf("expected ProcessOneItem to report a change")
	}
	if q.Window <= startWindow {
		t.Fatalf("expected window to grow after a successful merge, got %d (was %d)", q.Window, startWindow)
	}
	if len(q.Items) != 0 {
		t.Fatalf("expected item to be dequeued after reporting, got %d items", len(q.Items))
	}
	if len(reporter.reports) == 0 || reporter.reports[len(reporter.reports)-1] != model.ReportEnqueue {
		// at least the enqueue report was sent; success report is skipped
		// when there are no frozen jobs (sendOutcomeReport's early return).
	}
}

func TestDependentManagerWindowShrinksOnFailedMerge(t *testing.T) {
	src := newFakeSource()
	src.project["A"] = "projA"
	src.canMerge["A"] = true
	src.merged["A"] = false // never actually merges

	pipelineDef := &model.Pipeline{
		Name:   "gate",
		Window: model.WindowParams{Initial: 4, Floor: 1, IncreaseType: model.WindowLinear, IncreaseFactor: 1, DecreaseType: model.WindowLinear, DecreaseFactor: 2},
		Queues: []model.QueueDef{{Name: "shared"}},
		Projects: []model.ProjectPipelineConfig{
			{Project: "projA", PipelineQueueName: "shared"},
		},
	}

	m := NewDependentManager(pipelineDef, src, fakeNodes{}, fakeSem{}, fakeExec{}, &fakeReporter{}, nil, testLogger())
	m.AddChange("A", AddChangeOptions{Live: true})
	q := m.Queues[0]
	startWindow := q.Window

	m.ProcessOneItem(q.Items[0], nil)
	if q.Window >= startWindow {
		t.Fatalf("expected window to shrink after a failed merge, got %d (was %d)", q.Window, startWindow)
	}
}

func TestSupercedentManagerPrunesBetweenHeadAndTail(t *testing.T) {
	src := newFakeSource()
	for _, c := range []string{"c1", "c2", "c3"} {
		src.project[c] = "projA"
		src.canMerge[c] = true
	}

	pipelineDef := &model.Pipeline{
		Name: "periodic",
		Projects: []model.ProjectPipelineConfig{
			{Project: "projA"},
		},
	}

	m := NewSupercedentManager(pipelineDef, src, fakeNodes{}, fakeSem{}, fakeExec{}, &fakeReporter{}, nil, testLogger())

	m.AddChange("c1", AddChangeOptions{Live: true})
	m.AddChange("c2", AddChangeOptions{Live: true})
	m.AddChange("c3", AddChangeOptions{Live: true})

	q := m.Queues[0]
	if len(q.Items) != 2 {
		t.Fatalf("expected exactly head and tail to survive, got %d items", len(q.Items))
	}
	if q.Items[0].Change != "c1" || q.Items[1].Change != "c3" {
		t.Fatalf("expected [c1, c3] to survive pruning, got [%s, %s]", q.Items[0].Change, q.Items[1].Change)
	}
}

func TestIndependentManagerGivesEachChangeItsOwnQueue(t *testing.T) {
	src := newFakeSource()
	src.project["A"] = "projA"
	src.project["B"] = "projB"
	src.canMerge["A"] = true
	src.canMerge["B"] = true

	pipelineDef := &model.Pipeline{
		Name:   "check",
		Window: model.WindowParams{Initial: 10, Floor: 1},
	}

	m := NewIndependentManager(pipelineDef, src, fakeNodes{}, fakeSem{}, fakeExec{}, &fakeReporter{}, nil, testLogger())
	m.AddChange("A", AddChangeOptions{Live: true})
	m.AddChange("B", AddChangeOptions{Live: true})

	if len(m.Queues) != 2 {
		t.Fatalf("expected 2 independent queues, got %d", len(m.Queues))
	}
	for _, q := range m.Queues {
		if len(q.Items) != 1 {
			t.Fatalf("expected exactly 1 item per independent queue, got %d", len(q.Items))
		}
	}
}

func TestReenqueueItemKeepsBuildSetAndCancelsRemovedJobs(t *testing.T) {
	src := newFakeSource()
	src.project["A"] = "projA"
	src.canMerge["A"] = true

	pipelineDef := &model.Pipeline{
		Name:   "gate",
		Window: model.WindowParams{Initial: 2, Floor: 1},
		Queues: []model.QueueDef{{Name: "shared"}},
		Projects: []model.ProjectPipelineConfig{
			{Project: "projA", PipelineQueueName: "shared"},
		},
	}
	m := NewDependentManager(pipelineDef, src, fakeNodes{}, fakeSem{}, fakeExec{}, &fakeReporter{}, nil, testLogger())

	item := model.NewQueueItem("A", true)
	survivingBuild := &model.Build{UUID: uuid.New(), JobName: "unit"}
	removedBuild := &model.Build{UUID: uuid.New(), JobName: "integration"}
	removedRequest := &model.NodeRequest{UUID: uuid.New()}
	item.CurrentBuildSet = &model.BuildSet{
		FrozenJobs: []model.JobVariant{{Name: "unit"}, {Name: "integration"}},
		Builds: map[string]*model.Build{
			"unit":        survivingBuild,
			"integration": removedBuild,
		},
		NodeRequests: map[string]*model.NodeRequest{
			"integration": removedRequest,
		},
	}

	newJobs := map[string]bool{"unit": true} // "integration" dropped by the new layout

	builds, requests, ok := m.ReenqueueItem(item, newJobs)
	if !ok {
		t.Fatalf("expected ReenqueueItem to find a queue for a still-known project")
	}
	if len(m.Queues) != 1 || len(m.Queues[0].Items) != 1 || m.Queues[0].Items[0] != item {
		t.Fatalf("expected item re-enqueued into the resolved queue")
	}
	if len(builds) != 1 || builds[0] != removedBuild {
		t.Fatalf("expected only the removed job's build reported for cancellation, got %v", builds)
	}
	if len(requests) != 1 || requests[0] != removedRequest {
		t.Fatalf("expected only the removed job's node request reported for cancellation, got %v", requests)
	}
	if len(item.CurrentBuildSet.FrozenJobs) != 1 || item.CurrentBuildSet.FrozenJobs[0].Name != "unit" {
		t.Fatalf("expected FrozenJobs pruned to the surviving job, got %v", item.CurrentBuildSet.FrozenJobs)
	}
	if _, has := item.CurrentBuildSet.Builds["integration"]; has {
		t.Fatalf("expected removed job's build deleted from the buildset")
	}
	if _, has := item.CurrentBuildSet.Builds["unit"]; !has {
		t.Fatalf("expected surviving job's build kept in the buildset")
	}
}

func TestDependentManagerRefusesChangeWhoseNeededChangeCannotBeEnqueued(t *testing.T) {
	src := newFakeSource()
	src.project["A"] = "projA"
	src.canMerge["A"] = true
	src.needs["A"] = []string{"B"} // B never gets enqueued or merged

	pipelineDef := &model.Pipeline{
		Name:   "gate",
		Window: model.WindowParams{Initial: 2, Floor: 1},
		Queues: []model.QueueDef{{Name: "shared"}},
		Projects: []model.ProjectPipelineConfig{
			{Project: "projA", PipelineQueueName: "shared"},
		},
	}

	m := NewDependentManager(pipelineDef, src, fakeNodes{}, fakeSem{}, fakeExec{}, &fakeReporter{}, nil, testLogger())
	ok := m.AddChange("A", AddChangeOptions{Live: true})
	if ok {
		t.Fatalf("expected AddChange to fail: needed change B resolves to a different queue and cannot be enqueued ahead")
	}
	for _, q := range m.Queues {
		if len(q.Items) != 0 {
			t.Fatalf("expected no items enqueued when a needed change cannot be satisfied, queue %s has %d", q.ID, len(q.Items))
		}
	}
}
