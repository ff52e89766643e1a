// Package tenantconfig loads the scheduler's tenant/pipeline/job
// definitions from a YAML file on disk and watches it for changes,
// producing model.Tenant values ready to hand to scheduler.AddTenant.
//
// The full project-config parsing pipeline (fetching and merging
// untrusted-project zuul.yaml fragments from source-system repos,
// running them through the job DSL) is out of scope (spec §1); this
// package plays the role of that pipeline's *output* — a single,
// already-merged YAML document per process, in the same main.yaml
// shape the upstream project itself uses for its tenant config layer.
// Hot-reload is grounded on lookup.GeoIP's fsnotify watch-and-atomic-swap
// pattern.
package tenantconfig

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"zuul/internal/logging"
	"zuul/internal/model"
)

type fileWindow struct {
	Initial        int    `yaml:"initial"`
	Floor          int    `yaml:"floor"`
	IncreaseType   string `yaml:"increase-type"`
	IncreaseFactor int    `yaml:"increase-factor"`
	DecreaseType   string `yaml:"decrease-type"`
	DecreaseFactor int    `yaml:"decrease-factor"`
}

type fileQueue struct {
	Name      string `yaml:"name"`
	PerBranch bool   `yaml:"per-branch"`
}

type fileProject struct {
	Project string `yaml:"project"`
	Queue   string `yaml:"queue"`
}

type filePipeline struct {
	Name       string              `yaml:"name"`
	Manager    string              `yaml:"manager"`
	Precedence string              `yaml:"precedence"`
	Window     fileWindow          `yaml:"window"`
	Queues     []fileQueue         `yaml:"queues"`
	Projects   []fileProject       `yaml:"projects"`
	Reporters  map[string][]string `yaml:"reporters"`
}

type fileSemaphoreUse struct {
	Name           string `yaml:"name"`
	ResourcesFirst bool   `yaml:"resources-first"`
}

type fileJob struct {
	Name          string             `yaml:"name"`
	Dependencies  []string           `yaml:"dependencies"`
	Semaphores    []fileSemaphoreUse `yaml:"semaphores"`
	NodesetLabels []string           `yaml:"nodeset-labels"`
	Attempts      int                `yaml:"attempts"`
}

type fileSemaphore struct {
	Name string `yaml:"name"`
	Max  int    `yaml:"max"`
}

type fileTenant struct {
	Name              string          `yaml:"name"`
	MaxNodesPerJob    int             `yaml:"max-nodes-per-job"`
	MaxJobTimeout     int             `yaml:"max-job-timeout"`
	AllowedLabels     []string        `yaml:"allowed-labels"`
	AllowedTriggers   []string        `yaml:"allowed-triggers"`
	AllowedReporters  []string        `yaml:"allowed-reporters"`
	TrustedProjects   []string        `yaml:"trusted-projects"`
	UntrustedProjects []string        `yaml:"untrusted-projects"`
	Pipelines         []filePipeline  `yaml:"pipelines"`
	Semaphores        []fileSemaphore `yaml:"semaphores"`
	Jobs              []fileJob       `yaml:"jobs"`
}

type fileDocument struct {
	Tenants []fileTenant `yaml:"tenants"`
}

// Parse converts a YAML tenant-config document into model.Tenant values.
// Every returned Tenant carries a freshly minted Layout UUID, modeling a
// single reconfigure generation of this file's contents.
func Parse(data []byte) ([]*model.Tenant, error) {
	var doc fileDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse tenant config: %w", err)
	}

	tenants := make([]*model.Tenant, 0, len(doc.Tenants))
	for _, ft := range doc.Tenants {
		layout := &model.Layout{
			UUID:       uuid.New(),
			Jobs:       make(map[string][]model.JobVariant),
			Semaphores: make(map[string]model.SemaphoreDef),
		}
		for _, fj := range ft.Jobs {
			uses := make([]model.JobSemaphoreUse, 0, len(fj.Semaphores))
			for _, fs := range fj.Semaphores {
				uses = append(uses, model.JobSemaphoreUse{Name: fs.Name, ResourcesFirst: fs.ResourcesFirst})
			}
			layout.Jobs[fj.Name] = append(layout.Jobs[fj.Name], model.JobVariant{
				Name:          fj.Name,
				Dependencies:  fj.Dependencies,
				Semaphores:    uses,
				NodesetLabels: fj.NodesetLabels,
				Attempts:      fj.Attempts,
			})
		}
		for _, fs := range ft.Semaphores {
			layout.Semaphores[fs.Name] = model.SemaphoreDef{Name: fs.Name, Max: fs.Max}
		}
		for _, fp := range ft.Pipelines {
			pipeline, err := toPipeline(fp)
			if err != nil {
				return nil, fmt.Errorf("tenant %s: %w", ft.Name, err)
			}
			layout.Pipelines = append(layout.Pipelines, pipeline)
		}

		tenants = append(tenants, &model.Tenant{
			Name:              ft.Name,
			MaxNodesPerJob:    ft.MaxNodesPerJob,
			MaxJobTimeout:     ft.MaxJobTimeout,
			AllowedLabels:     ft.AllowedLabels,
			AllowedTriggers:   ft.AllowedTriggers,
			AllowedReporters:  ft.AllowedReporters,
			TrustedProjects:   ft.TrustedProjects,
			UntrustedProjects: ft.UntrustedProjects,
			Layout:            layout,
		})
	}
	return tenants, nil
}

func toPipeline(fp filePipeline) (*model.Pipeline, error) {
	precedence := model.PrecedenceNormal
	switch fp.Precedence {
	case "", string(model.PrecedenceNormal):
		precedence = model.PrecedenceNormal
	case string(model.PrecedenceHigh):
		precedence = model.PrecedenceHigh
	case string(model.PrecedenceLow):
		precedence = model.PrecedenceLow
	default:
		return nil, fmt.Errorf("pipeline %s: unknown precedence %q", fp.Name, fp.Precedence)
	}

	queues := make([]model.QueueDef, 0, len(fp.Queues))
	for _, fq := range fp.Queues {
		queues = append(queues, model.QueueDef{Name: fq.Name, PerBranch: fq.PerBranch})
	}
	projects := make([]model.ProjectPipelineConfig, 0, len(fp.Projects))
	for _, fpr := range fp.Projects {
		projects = append(projects, model.ProjectPipelineConfig{Project: fpr.Project, PipelineQueueName: fpr.Queue})
	}
	reporters := make(map[model.ReporterOutcome][]string, len(fp.Reporters))
	for outcome, conns := range fp.Reporters {
		reporters[model.ReporterOutcome(outcome)] = conns
	}

	return &model.Pipeline{
		Name:        fp.Name,
		ManagerKind: model.ManagerKind(fp.Manager),
		Precedence:  precedence,
		Window: model.WindowParams{
			Initial:        fp.Window.Initial,
			Floor:          fp.Window.Floor,
			IncreaseType:   model.WindowAdjustType(fp.Window.IncreaseType),
			IncreaseFactor: fp.Window.IncreaseFactor,
			DecreaseType:   model.WindowAdjustType(fp.Window.DecreaseType),
			DecreaseFactor: fp.Window.DecreaseFactor,
		},
		Queues:    queues,
		Projects:  projects,
		Reporters: reporters,
	}, nil
}

// Load reads and parses path once.
func Load(path string) ([]*model.Tenant, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tenant config %s: %w", path, err)
	}
	return Parse(data)
}

// Watcher reloads path whenever it changes on disk and calls onChange
// with the newly parsed tenants. Parse errors are logged and leave the
// previous, still-valid configuration in effect — a bad edit to the
// tenant config file must never take down a running scheduler.
type Watcher struct {
	path      string
	onChange  func([]*model.Tenant)
	logger    *slog.Logger
	mu        sync.Mutex
	watcher   *fsnotify.Watcher
}

// NewWatcher creates a Watcher for path. Call Start to begin watching.
func NewWatcher(path string, logger *slog.Logger, onChange func([]*model.Tenant)) *Watcher {
	return &Watcher{
		path:     path,
		onChange: onChange,
		logger:   logging.Default(logger).With("component", "tenantconfig"),
	}
}

// Start performs an initial load (invoking onChange synchronously) then
// watches path itself (not its parent directory) for further changes
// until ctx is done.
func (w *Watcher) Start(ctx context.Context) error {
	tenants, err := Load(w.path)
	if err != nil {
		return err
	}
	w.onChange(tenants)

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create tenant config watcher: %w", err)
	}
	w.mu.Lock()
	w.watcher = fw
	w.mu.Unlock()

	if err := fw.Add(w.path); err != nil {
		_ = fw.Close()
		return fmt.Errorf("watch tenant config %s: %w", w.path, err)
	}

	go w.run(ctx, fw)
	return nil
}

func (w *Watcher) run(ctx context.Context, fw *fsnotify.Watcher) {
	defer fw.Close()
	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				debounce = time.After(200 * time.Millisecond)
			}
		case <-debounce:
			debounce = nil
			tenants, err := Load(w.path)
			if err != nil {
				w.logger.Error("tenant config reload failed, keeping previous layout", "error", err)
				continue
			}
			w.onChange(tenants)
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.logger.Error("tenant config watcher error", "error", err)
		}
	}
}

// Stop closes the underlying file watcher, if started.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watcher != nil {
		_ = w.watcher.Close()
	}
}
