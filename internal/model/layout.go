package model

import "github.com/google/uuid"

// WindowAdjustType selects the arithmetic of a ChangeQueue window
// increase or decrease (spec §4.H "Window resizing").
type WindowAdjustType string

const (
	WindowLinear      WindowAdjustType = "linear"
	WindowExponential WindowAdjustType = "exponential"
)

// Precedence orders pipelines for scheduling priority.
type Precedence string

const (
	PrecedenceHigh   Precedence = "high"
	PrecedenceNormal Precedence = "normal"
	PrecedenceLow    Precedence = "low"
)

// ManagerKind selects which PipelineManager implementation drives a
// Pipeline (spec §4.H "Manager variants").
type ManagerKind string

const (
	ManagerDependent   ManagerKind = "dependent"
	ManagerIndependent ManagerKind = "independent"
	ManagerSerial      ManagerKind = "serial"
	ManagerSupercedent ManagerKind = "supercedent"
)

// ReporterOutcome names the pipeline event a Reporter set is keyed by.
type ReporterOutcome string

const (
	ReportStart        ReporterOutcome = "start"
	ReportSuccess      ReporterOutcome = "success"
	ReportFailure      ReporterOutcome = "failure"
	ReportMergeFailure ReporterOutcome = "merge-failure"
	ReportNoJobs       ReporterOutcome = "no-jobs"
	ReportDisabled     ReporterOutcome = "disabled"
	ReportDequeue      ReporterOutcome = "dequeue"
	ReportEnqueue      ReporterOutcome = "enqueue"
)

// WindowParams captures a pipeline's window sizing policy, copied onto
// each ChangeQueue it creates (spec §3 Pipeline, §4.H window resizing).
type WindowParams struct {
	Initial        int
	Floor          int
	IncreaseType   WindowAdjustType
	IncreaseFactor int
	DecreaseType   WindowAdjustType
	DecreaseFactor int
}

// IsStatic reports whether a queue governed by these params never resizes
// across reconfiguration — the "static window" detection from
// zuul/scheduler.py's _reenqueuePipeline, preserved per spec §4.H.
func (w WindowParams) IsStatic() bool {
	return w.IncreaseType == WindowExponential &&
		w.DecreaseType == WindowExponential &&
		w.IncreaseFactor == 1 &&
		w.DecreaseFactor == 1
}

// JobVariant is one specificity-ordered definition of a job; the full job
// DSL is out of scope (spec §1), so only the fields the scheduler itself
// needs to drive dependency resolution, semaphores, and node requests are
// modeled.
type JobVariant struct {
	Name          string
	Dependencies  []string // names of jobs this one depends on within a buildset
	Semaphores    []JobSemaphoreUse
	NodesetLabels []string
	Attempts      int
	ResultData    map[string]any // free-form fields carried with the variant; no reporter in this tree reads them
}

// JobSemaphoreUse names a semaphore a job acquires and whether it is
// acquired resources-first (spec §4.E).
type JobSemaphoreUse struct {
	Name           string
	ResourcesFirst bool
}

// SemaphoreDef is a tenant-scoped named counter definition (spec §3
// Semaphore, §4.E).
type SemaphoreDef struct {
	Name    string
	Max     int
}

// QueueDef names a pipeline-level ChangeQueue grouping, including whether
// membership is partitioned per-branch (zuul/manager/dependent.py's
// `per_branch`).
type QueueDef struct {
	Name      string
	PerBranch bool
}

// ProjectPipelineConfig is the per-(project, pipeline) slice of config
// relevant to the scheduler: which queue the project joins.
type ProjectPipelineConfig struct {
	Project           string
	PipelineQueueName string
	ProjectQueueName  string // takes precedence over PipelineQueueName, per dependent.py buildChangeQueues
}

// QueueName resolves the effective queue-name for this project/pipeline
// pair, following zuul/manager/dependent.py: "project_queue_name takes
// precedence over pipeline_queue_name".
func (p ProjectPipelineConfig) QueueName() string {
	if p.ProjectQueueName != "" {
		return p.ProjectQueueName
	}
	return p.PipelineQueueName
}

// Pipeline is part of a Layout (spec §3 Pipeline).
type Pipeline struct {
	Name        string
	ManagerKind ManagerKind
	Precedence  Precedence
	Window      WindowParams
	Queues      []QueueDef
	Projects    []ProjectPipelineConfig
	Reporters   map[ReporterOutcome][]string // outcome -> reporter connection names, driver impl out of scope
}

// GetQueueDef looks up a named QueueDef, reporting whether per-branch
// partitioning applies.
func (p *Pipeline) GetQueueDef(name string) (QueueDef, bool) {
	for _, q := range p.Queues {
		if q.Name == name {
			return q, true
		}
	}
	return QueueDef{}, false
}

// Layout is the immutable, per-tenant configuration snapshot (spec §3
// Layout). Once published, a Layout's contents never change; reconfigure
// replaces the Layout pointer on the Tenant.
type Layout struct {
	UUID          uuid.UUID
	Pipelines     []*Pipeline
	Jobs          map[string][]JobVariant // name -> variants ordered by specificity
	Semaphores    map[string]SemaphoreDef
	LoadingErrors []string // ConfigurationSyntaxError accumulation, spec §7
}

// GetPipeline finds a pipeline by name.
func (l *Layout) GetPipeline(name string) (*Pipeline, bool) {
	for _, p := range l.Pipelines {
		if p.Name == name {
			return p, true
		}
	}
	return nil, false
}

// Tenant is a configuration scope (spec §3 Tenant).
type Tenant struct {
	Name              string
	MaxNodesPerJob    int
	MaxJobTimeout     int // seconds
	AllowedLabels     []string
	AllowedTriggers   []string
	AllowedReporters  []string
	TrustedProjects   []string
	UntrustedProjects []string
	Layout            *Layout
}

// LayoutState is the Layout Store's persisted record (spec §4.F).
type LayoutState struct {
	UUID                 uuid.UUID
	Ltime                int64
	Hostname             string
	LastReconfigured     int64
	BranchCacheMinLtimes map[string]map[string]int64 // project -> branch -> ltime
}
