package model

// ComponentState enumerates a registered process's lifecycle state.
// Spec §3 ComponentRegistration names four states; the original source's
// zuul/zk/components.py ZooKeeperComponentState enum has only three
// (stopped/running/paused) — the spec is authoritative here per the task
// rule that original_source resolves ambiguity but never overrides spec,
// so Initializing is kept as a fourth state.
type ComponentState string

const (
	ComponentStopped      ComponentState = "stopped"
	ComponentInitializing ComponentState = "initializing"
	ComponentRunning      ComponentState = "running"
	ComponentPaused       ComponentState = "paused"
)

// ComponentKind names the kind of process registering (scheduler,
// executor, merger, launcher — spec §2 data flow).
type ComponentKind string

const (
	ComponentScheduler ComponentKind = "scheduler"
	ComponentExecutor  ComponentKind = "executor"
	ComponentMerger    ComponentKind = "merger"
	ComponentLauncher  ComponentKind = "launcher"
)

// ComponentRegistration is the ephemeral record of a live process
// (spec §3 ComponentRegistration, §4.C).
type ComponentRegistration struct {
	Hostname       string
	Kind           ComponentKind
	State          ComponentState
	Version        string
	Zone           string // executors only
	AcceptingWork  bool
	Path           string // CS path, including the sequence suffix; set on register
}
