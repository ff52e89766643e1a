package tenantconfig

import (
	"testing"

	"zuul/internal/model"
)

const sampleConfig = `
tenants:
  - name: example
    max-nodes-per-job: 5
    trusted-projects: ["common-config"]
    untrusted-projects: ["org/project1"]
    semaphores:
      - name: build-semaphore
        max: 2
    jobs:
      - name: run-tests
        nodeset-labels: ["ubuntu-focal"]
        attempts: 3
        semaphores:
          - name: build-semaphore
            resources-first: true
    pipelines:
      - name: check
        manager: independent
        precedence: normal
        window:
          initial: 20
          floor: 3
        queues:
          - name: integrated
            per-branch: false
        projects:
          - project: org/project1
            queue: integrated
        reporters:
          success: ["gerrit"]
          failure: ["gerrit"]
`

func TestParseBuildsTenantAndLayout(t *testing.T) {
	tenants, err := Parse([]byte(sampleConfig))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(tenants) != 1 {
		t.Fatalf("expected 1 tenant, got %d", len(tenants))
	}

	tenant := tenants[0]
	if tenant.Name != "example" || tenant.MaxNodesPerJob != 5 {
		t.Fatalf("unexpected tenant fields: %+v", tenant)
	}
	if len(tenant.UntrustedProjects) != 1 || tenant.UntrustedProjects[0] != "org/project1" {
		t.Fatalf("unexpected untrusted projects: %v", tenant.UntrustedProjects)
	}

	layout := tenant.Layout
	if layout.UUID.String() == "" {
		t.Fatalf("expected a non-zero layout UUID")
	}
	sem, ok := layout.Semaphores["build-semaphore"]
	if !ok || sem.Max != 2 {
		t.Fatalf("expected build-semaphore with max 2, got %+v ok=%v", sem, ok)
	}

	jobs, ok := layout.Jobs["run-tests"]
	if !ok || len(jobs) != 1 {
		t.Fatalf("expected 1 run-tests variant, got %v", jobs)
	}
	if jobs[0].Attempts != 3 || len(jobs[0].Semaphores) != 1 || jobs[0].Semaphores[0].Name != "build-semaphore" {
		t.Fatalf("unexpected job variant: %+v", jobs[0])
	}

	pipeline, ok := layout.GetPipeline("check")
	if !ok {
		t.Fatalf("expected check pipeline")
	}
	if pipeline.ManagerKind != model.ManagerIndependent {
		t.Fatalf("expected independent manager, got %s", pipeline.ManagerKind)
	}
	if pipeline.Window.Initial != 20 || pipeline.Window.Floor != 3 {
		t.Fatalf("unexpected window params: %+v", pipeline.Window)
	}
	if len(pipeline.Projects) != 1 || pipeline.Projects[0].QueueName() != "integrated" {
		t.Fatalf("unexpected project config: %+v", pipeline.Projects)
	}
	if got := pipeline.Reporters[model.ReportSuccess]; len(got) != 1 || got[0] != "gerrit" {
		t.Fatalf("unexpected success reporters: %v", got)
	}
}

func TestParseRejectsUnknownPrecedence(t *testing.T) {
	_, err := Parse([]byte(`
tenants:
  - name: example
    pipelines:
      - name: check
        manager: independent
        precedence: urgent
`))
	if err == nil {
		t.Fatalf("expected error for unknown precedence")
	}
}
