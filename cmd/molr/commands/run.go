package commands

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"

	"github.com/molr/molr/pkg/config"
	"github.com/molr/molr/pkg/engine"
	"github.com/molr/molr/pkg/leaf"
	"github.com/molr/molr/pkg/policy"
	"github.com/molr/molr/pkg/stores"
	"github.com/molr/molr/pkg/telemetry"
)

type runOptions struct {
	metricsAddr string
	journalPath string
	policyPaths []string
	auto        bool
	watch       bool
}

func newRunCommand() *cobra.Command {
	opts := runOptions{}

	cmd := &cobra.Command{
		Use:   "run <manifest>",
		Short: "Run a mission under interactive control",
		Long: `Run a mission described by a YAML manifest.

The mission starts paused. The console accepts strand commands (resume, pause,
skip, step-into, step-over), shows the state of every strand and prints mission
events as they happen. With --auto the root strand is resumed immediately and
the command returns when the mission finishes.`,
		Example: `  # Supervise a mission interactively
  molr run falcon.yaml

  # Run to completion, journal events and expose metrics
  molr run falcon.yaml --auto --journal molr.db --metrics-addr :9090

  # Check operator commands against extra Rego policies
  molr run falcon.yaml --policy policies/

  # Reload the log level when the config file changes
  molr run falcon.yaml -c molr.yaml --watch`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMission(cmd.Context(), args[0], opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	cmd.Flags().StringVar(&opts.journalPath, "journal", "", "journal mission events to this SQLite database")
	cmd.Flags().StringSliceVar(&opts.policyPaths, "policy", nil, "load Rego command policies from these files or directories")
	cmd.Flags().BoolVar(&opts.auto, "auto", false, "resume immediately and exit when the mission finishes")
	cmd.Flags().BoolVar(&opts.watch, "watch", false, "reload the config file when it changes")

	return cmd
}

func runMission(ctx context.Context, manifestPath string, opts runOptions, out io.Writer) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if opts.metricsAddr != "" {
		cfg.Telemetry.Metrics.Enabled = true
		cfg.Telemetry.Metrics.ListenAddress = opts.metricsAddr
	}
	if opts.journalPath != "" {
		cfg.Store.Enabled = true
		cfg.Store.Path = opts.journalPath
	}
	cfg.Policy.Paths = append(cfg.Policy.Paths, opts.policyPaths...)
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}

	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Telemetry shutdown failed")
		}
	}()
	if err := tel.StartMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}
	logger := tel.Logger.Zerolog()

	mission, err := config.LoadManifest(manifestPath)
	if err != nil {
		return err
	}

	scripts := leaf.NewStarlarkExecutor(cfg.Leaf.Timeout, logger)
	scripts.SetMissingResult(cfg.Leaf.MissingResult)
	if err := mission.Install(scripts); err != nil {
		return err
	}

	modules, err := leaf.NewWasmExecutor(ctx, cfg.Leaf.WasmConfig(), scripts, logger)
	if err != nil {
		return err
	}
	defer modules.Close(context.WithoutCancel(ctx))
	if err := mission.InstallModules(ctx, modules); err != nil {
		return err
	}

	m := engine.NewMissionExecutor(
		mission.Tree.Structure(),
		leaf.NewInstrumented(modules, tel),
		cfg.Engine.Options(logger, tel.Metrics),
	)
	defer m.Close()

	policies, err := cfg.Policy.NewEngine(ctx, logger)
	if err != nil {
		return err
	}
	guard := policy.NewGuard(policies, m, logger)

	ctx, span := tel.Tracer.StartMissionSpan(ctx, m.RunID(), mission.Name)
	traced := traceStrands(m.Events(ctx), span)
	defer func() {
		m.Close()
		<-traced
		span.End()
	}()

	if cfg.Store.Enabled {
		journalDone, closeJournal, err := startJournal(ctx, cfg.Store.Config, m, mission)
		if err != nil {
			return err
		}
		defer func() {
			m.Close()
			<-journalDone
			closeJournal()
		}()
	}

	if opts.watch && configPath != "" {
		watcher := config.NewWatcher(configPath, logger)
		if err := watcher.Watch(ctx, func(next *config.Config) error {
			lvl := telemetry.ApplyGlobalLevel(next.Telemetry.Logging.Level)
			log.Info().Str("level", lvl.String()).Msg("Applied reloaded log level")
			return nil
		}); err != nil {
			return err
		}
		defer watcher.Close()
	}

	log.Info().
		Str("mission", mission.Name).
		Str("run_id", m.RunID()).
		Int("blocks", mission.Tree.Len()).
		Msg("Starting mission")

	if opts.auto {
		return runAuto(ctx, m, mission, guard, out)
	}
	return runInteractive(ctx, m, mission, guard)
}

// traceStrands adds strand lifecycle events to the mission span until the
// event stream ends.
func traceStrands(events <-chan engine.Event, span trace.Span) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range events {
			switch ev.Type {
			case engine.EventStrandCreated:
				telemetry.AddStrandEvent(span, ev.Strand.ID, string(ev.Type), "created at "+string(ev.Block.ID))
			case engine.EventCommandConsumed:
				telemetry.AddStrandEvent(span, ev.Strand.ID, string(ev.Type), string(ev.Command))
			case engine.EventError:
				telemetry.AddStrandEvent(span, ev.Strand.ID, string(ev.Type), ev.Err.Error())
			}
		}
	}()
	return done
}

// startJournal records mission events until the mission executor is closed.
func startJournal(ctx context.Context, cfg stores.Config, m *engine.MissionExecutor, mission *config.Mission) (<-chan struct{}, func(), error) {
	journal, err := stores.NewSQLiteJournal(cfg)
	if err != nil {
		return nil, nil, err
	}
	if err := journal.Init(ctx); err != nil {
		return nil, nil, err
	}
	if err := journal.Migrate(ctx); err != nil {
		_ = journal.Close()
		return nil, nil, err
	}

	recorder := stores.NewRecorder(journal, log.Logger)
	events := m.Events(ctx)
	info := stores.MissionInfo{
		RunID:     m.RunID(),
		Name:      mission.Name,
		RootBlock: string(mission.Tree.Root().ID),
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := recorder.Record(ctx, info, events); err != nil {
			log.Error().Err(err).Msg("Mission journal failed")
		}
	}()

	closeJournal := func() {
		if err := journal.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close journal")
		}
	}
	return done, closeJournal, nil
}

// runAuto resumes the root strand and prints events until the mission
// finishes. A failing leaf pauses its strand, so it ends the run. Failures
// are read from the mission's results, not from the event stream.
func runAuto(ctx context.Context, m *engine.MissionExecutor, mission *config.Mission, guard *policy.Guard, out io.Writer) error {
	con := newConsole(m, mission.Tree, out)
	con.guard = guard
	events := m.Events(ctx)

	root, err := m.Start()
	if err != nil {
		return err
	}
	if err := con.instruct(root.Strand().ID, engine.CommandResume); err != nil {
		return err
	}

	ticker := time.NewTicker(autoFailureCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				con.printResults()
				return failedLeaf(m, mission)
			}
			if line := formatEvent(ev); line != "" {
				con.printf("%s\n", line)
			}
			if ev.Type != engine.EventLeafResult || ev.Result == engine.ResultSuccess {
				continue
			}
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}

		if err := failedLeaf(m, mission); err != nil {
			con.printResults()
			return err
		}
	}
}

const autoFailureCheckInterval = 100 * time.Millisecond

// failedLeaf reports the first leaf, in tree order, whose latest result is
// not SUCCESS, along with the strand paused on it.
func failedLeaf(m *engine.MissionExecutor, mission *config.Mission) error {
	snap := m.Snapshot()
	for _, block := range mission.Tree.Structure().AllBlocks() {
		result, ok := snap.Results[block.ID]
		if !ok || result == engine.ResultSuccess {
			continue
		}
		for _, s := range snap.Strands {
			if s.Block.ID == block.ID && s.State == engine.RunStatePaused {
				return fmt.Errorf("leaf %s failed, strand %s paused", blockLabel(block), s.Strand.ID)
			}
		}
		return fmt.Errorf("leaf %s failed", blockLabel(block))
	}
	return nil
}

func runInteractive(ctx context.Context, m *engine.MissionExecutor, mission *config.Mission, guard *policy.Guard) error {
	rl, err := newReadline()
	if err != nil {
		return err
	}
	defer rl.Close()

	con := newConsole(m, mission.Tree, rl.Stdout())
	con.guard = guard
	go con.PrintEvents(m.Events(ctx))

	if _, err := m.Start(); err != nil {
		return err
	}
	go func() {
		select {
		case <-m.Done():
			con.printf("mission finished, type 'results' or 'quit'\n")
		case <-ctx.Done():
		}
	}()

	con.printf("%s: %d blocks, paused at the root. Type 'help' for commands.\n", mission.Name, mission.Tree.Len())
	return con.Run(ctx, rl)
}
