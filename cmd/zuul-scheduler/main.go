// Command zuul-scheduler runs a single scheduler process: a Raft/CS
// node, the Component Registry, the pipeline manager main loop, the
// Cleanup/Maintenance sweeps, and the Stats/Tracing reporter, all
// driven from one tenant-config YAML file.
//
// Logging follows the same dependency-injected, no-globals convention
// as cmd/gastrolog: a single base logger is built here and threaded
// through every component via constructor parameters.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"zuul/internal/buildrequest"
	"zuul/internal/cleanup"
	"zuul/internal/clusterboot"
	"zuul/internal/collab"
	"zuul/internal/components"
	"zuul/internal/events"
	"zuul/internal/logging"
	"zuul/internal/manager"
	"zuul/internal/model"
	"zuul/internal/nodepool"
	"zuul/internal/pipeline"
	"zuul/internal/scheduler"
	"zuul/internal/semaphore"
	"zuul/internal/stats"
	"zuul/internal/tenantconfig"
	"zuul/internal/zk"
)

var version = "dev"

func main() {
	baseHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
	filterHandler := logging.NewComponentFilterHandler(baseHandler, slog.LevelInfo)
	logger := slog.New(filterHandler)

	rootCmd := &cobra.Command{
		Use:   "zuul-scheduler",
		Short: "Distributed project-gating CI scheduler",
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler process",
		RunE: func(cmd *cobra.Command, args []string) error {
			nodeID, _ := cmd.Flags().GetString("node-id")
			raftAddr, _ := cmd.Flags().GetString("raft-addr")
			dataDir, _ := cmd.Flags().GetString("data-dir")
			bootstrap, _ := cmd.Flags().GetBool("bootstrap")
			tenantConfigPath, _ := cmd.Flags().GetString("tenant-config")
			blobRetention, _ := cmd.Flags().GetDuration("blob-retention")

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			return run(ctx, logger, runConfig{
				nodeID:           nodeID,
				raftAddr:         raftAddr,
				dataDir:          dataDir,
				bootstrap:        bootstrap,
				tenantConfigPath: tenantConfigPath,
				blobRetention:    blobRetention,
			})
		},
	}
	serveCmd.Flags().String("node-id", "", "unique Raft node id (default: hostname-based)")
	serveCmd.Flags().String("raft-addr", ":4568", "Raft/gRPC transport listen address")
	serveCmd.Flags().String("data-dir", "", "directory for Raft log/stable/snapshot storage")
	serveCmd.Flags().Bool("bootstrap", false, "bootstrap a new single-node Raft cluster")
	serveCmd.Flags().String("tenant-config", "", "path to the tenant-config YAML file")
	serveCmd.Flags().Duration("blob-retention", 0, "blob store retention before GC (default: 24h)")
	_ = serveCmd.MarkFlagRequired("tenant-config")
	_ = serveCmd.MarkFlagRequired("data-dir")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run:   func(cmd *cobra.Command, args []string) { fmt.Println(version) },
	}

	rootCmd.AddCommand(serveCmd, versionCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

type runConfig struct {
	nodeID           string
	raftAddr         string
	dataDir          string
	bootstrap        bool
	tenantConfigPath string
	blobRetention    time.Duration
}

func run(ctx context.Context, logger *slog.Logger, cfg runConfig) error {
	nodeID := cfg.nodeID
	if nodeID == "" {
		hostname, _ := os.Hostname()
		nodeID = fmt.Sprintf("%s-%s", hostname, uuid.New().String()[:8])
	}

	fsm := zk.NewFSM()
	node, err := clusterboot.New(clusterboot.Config{
		NodeID:    nodeID,
		RaftAddr:  cfg.raftAddr,
		DataDir:   cfg.dataDir,
		Bootstrap: cfg.bootstrap,
	}, fsm)
	if err != nil {
		return fmt.Errorf("start raft node: %w", err)
	}

	group, gctx := errgroup.WithContext(ctx)
	group.Go(node.Serve)

	if err := node.WaitForLeader(10 * time.Second); err != nil {
		logger.Warn("no raft leader yet, continuing to wait in background", "error", err)
	}

	client := zk.New(node.Raft, fsm, nodeID, time.Second, logger)

	registry := components.NewRegistry(client, logger)
	hostname, _ := os.Hostname()
	self, err := registry.Register(hostname, model.ComponentScheduler, version, "")
	if err != nil {
		return fmt.Errorf("register scheduler component: %w", err)
	}
	if err := self.SetState(model.ComponentRunning); err != nil {
		logger.Warn("failed to advertise running state", "error", err)
	}

	sink := manager.NopStatsSink{}
	sched, err := scheduler.New(client, logger)
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}

	maint, err := cleanup.New(client, cfg.blobRetention, logger)
	if err != nil {
		return fmt.Errorf("create cleanup maintenance: %w", err)
	}

	reporter := stats.New(client, registry, sink, logger)

	applyTenants := func(tenants []*model.Tenant) {
		for _, tenant := range tenants {
			if err := wireTenant(client, sched, maint, reporter, sink, tenant, logger); err != nil {
				logger.Error("failed to wire tenant", "tenant", tenant.Name, "error", err)
			}
		}
	}

	watcher := tenantconfig.NewWatcher(cfg.tenantConfigPath, logger, applyTenants)
	if err := watcher.Start(gctx); err != nil {
		return fmt.Errorf("start tenant config watcher: %w", err)
	}
	defer watcher.Stop()

	group.Go(func() error { return sched.Start(gctx) })
	group.Go(func() error { return maint.Start(gctx) })
	group.Go(func() error { return reporter.Run(gctx) })

	<-gctx.Done()
	sched.Stop()
	_ = self.Unregister()
	node.Stop()

	if err := group.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// wireTenant registers tenant with the scheduler's pipeline manager
// loop and, independently, with the cleanup sweeps and stats reporter,
// constructing its own pipeline.Store/event-queue handles exactly as
// scheduler.AddTenant does internally. These are thin, stateless handles
// onto shared CS paths, so building them twice for two independent
// subsystems carries no extra cost or risk of divergence.
func wireTenant(client *zk.Client, sched *scheduler.Scheduler, maint *cleanup.Maintenance, reporter *stats.Reporter, sink manager.StatsSink, tenant *model.Tenant, logger *slog.Logger) error {
	collabs := scheduler.Collaborators{
		Source: collab.NoopSource{},
		Nodes:  collab.NewNodeService(nodepool.NewService(client, logger)),
		Sem:    semaphore.NewHandler(client, tenant.Name, tenant.Layout, logger),
		Exec:   collab.NewNoopExecutor(buildrequest.NewService(client, logger), logger),
		Report: collab.NewNoopReporter(logger),
		Stats:  sink,
	}
	if err := sched.AddTenant(tenant, collabs); err != nil {
		return fmt.Errorf("add tenant to scheduler: %w", err)
	}

	if tenant.Layout == nil {
		return nil
	}
	maint.RegisterTenant(tenant.Name, tenant.Layout)
	for _, pdef := range tenant.Layout.Pipelines {
		store, err := pipeline.NewStore(client, tenant.Name, pdef.Name, logger)
		if err != nil {
			return fmt.Errorf("open pipeline store for stats/cleanup: %w", err)
		}
		maint.RegisterPipeline(tenant.Name, pdef.Name, store)

		trigger := events.NewPipelineTriggerEventQueue(client, tenant.Name, pdef.Name)
		resultQ := events.NewResultEventQueue(client, tenant.Name, pdef.Name)
		mgmt := events.NewPipelineManagementEventQueue(client, tenant.Name, pdef.Name)
		reporter.RegisterPipeline(tenant.Name, pdef.Name, store, trigger, resultQ, mgmt)
	}
	return nil
}
