// ============================================================================
// Contact-order CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra commands that wire configuration, executors and the batch
//          scheduler together
//
// Command Structure:
//   contactorder                   # Root command
//   ├── run                        # Run the batch (direct or download variant)
//   │   ├── --manifest [path]      # Download variant: read URIs from a manifest
//   │   ├── --resume               # Continue from the progress marker
//   │   └── --strict               # Exit non-zero if any file failed
//   ├── status                     # Show progress of the last run
//   ├── serve-worker               # Serve the remote compute worker over gRPC
//   ├── bench-download             # Download throughput benchmark
//   ├── --config, -c               # Config file (default configs/default.yaml)
//   ├── --log-level / --log-format # slog handler settings
//   └── --version
//
// Configuration precedence (low to high):
//   built-in defaults < YAML file < .env / environment < command line flags
//   SCRATCH only fills directory roots that are still unset:
//     $SCRATCH/lsc_data/data, manifest.txt, contact_order_results.csv, logs.csv
//
// Signal Handling:
//   run / serve-worker / bench-download stop on SIGINT or SIGTERM. An
//   interrupted run discards the checkpoint in progress; run --resume
//   continues after the last one written.
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"github.com/ChuLiYu/contact-order/internal/bench"
	"github.com/ChuLiYu/contact-order/internal/checkpoint"
	"github.com/ChuLiYu/contact-order/internal/fetch"
	"github.com/ChuLiYu/contact-order/internal/metrics"
	"github.com/ChuLiYu/contact-order/internal/scheduler"
	"github.com/ChuLiYu/contact-order/internal/server"
	"github.com/ChuLiYu/contact-order/internal/snapshot"
	"github.com/ChuLiYu/contact-order/internal/task"
	"github.com/ChuLiYu/contact-order/internal/worker"
	"github.com/ChuLiYu/contact-order/pkg/types"
)

// ErrFilesFailed is returned by run --strict when at least one row has an error
var ErrFilesFailed = errors.New("some files failed")

// manifestFromConfig is the --manifest value meaning "use manifest_path"
const manifestFromConfig = "-"

// globalOptions are the persistent flags of the root command
type globalOptions struct {
	configFile string
	logLevel   string
	logFormat  string
}

// runOptions are the flags of the run command
type runOptions struct {
	manifest      string
	resume        bool
	strict        bool
	inputDir      string
	results       string
	logFile       string
	marker        string
	tmpDir        string
	workers       int
	checkpoints   int
	chunkSize     int
	cutoff        float64
	taskTimeout   time.Duration
	remoteWorkers []string
}

func BuildCLI() *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:   "contactorder",
		Short: "Contact order of protein structures in checkpointed batches",
		Long: `contactorder computes the relative contact order of every structure
in a directory or a manifest of object-storage URIs:
- Checkpointed, append-only CSV results and timing log
- Bounded parallelism with per-file error rows
- Resume after interruption
- Optional remote gRPC workers and Prometheus metrics`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", DefaultConfigPath, "config file path")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&opts.logFormat, "log-format", "", "log format: text or json")

	rootCmd.AddCommand(buildRunCommand(opts))
	rootCmd.AddCommand(buildStatusCommand(opts))
	rootCmd.AddCommand(buildServeWorkerCommand(opts))
	rootCmd.AddCommand(buildBenchCommand(opts))

	return rootCmd
}

// settings loads the configuration and installs the logger
func (o *globalOptions) settings(cmd *cobra.Command) (*Config, *slog.Logger, error) {
	explicit := cmd.Flags().Changed("config")
	cfg, err := loadSettings(o.configFile, explicit)
	if err != nil {
		return nil, nil, err
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	if o.logFormat != "" {
		cfg.Log.Format = o.logFormat
	}

	logger, err := newLogger(cmd.ErrOrStderr(), cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(logger)
	return cfg, logger, nil
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand(global *globalOptions) *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a contact order batch",
		Long:  "Process every structure file in checkpoints and append the rows to the results and log tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := global.settings(cmd)
			if err != nil {
				return err
			}
			opts.apply(cmd, cfg)
			if err := cfg.finalize(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return runBatch(ctx, cfg, opts, logger, cmd.OutOrStdout())
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.manifest, "manifest", "", "download variant: manifest of remote URIs (bare flag uses manifest_path)")
	f.Lookup("manifest").NoOptDefVal = manifestFromConfig
	f.BoolVar(&opts.resume, "resume", false, "continue from the progress marker of an interrupted run")
	f.BoolVar(&opts.strict, "strict", false, "exit with an error if any file failed")
	f.StringVar(&opts.inputDir, "input-dir", "", "directory of structure files (direct variant)")
	f.StringVar(&opts.results, "results", "", "results table path")
	f.StringVar(&opts.logFile, "log-file", "", "checkpoint log table path")
	f.StringVar(&opts.marker, "marker", "", "progress marker path")
	f.StringVar(&opts.tmpDir, "tmp-dir", "", "temporary download directory")
	f.IntVarP(&opts.workers, "workers", "w", 0, "max parallel workers")
	f.IntVar(&opts.checkpoints, "checkpoints", 0, "number of checkpoints")
	f.IntVar(&opts.chunkSize, "checkpoint-size", 0, "files per checkpoint (overrides --checkpoints)")
	f.Float64Var(&opts.cutoff, "cutoff", 0, "contact distance cutoff in angstrom")
	f.DurationVar(&opts.taskTimeout, "task-timeout", 0, "per-file timeout (0 = none)")
	f.StringSliceVar(&opts.remoteWorkers, "remote-workers", nil, "remote worker addresses; computation is sent to them")

	return cmd
}

// apply copies the flags the user actually set onto cfg
func (o *runOptions) apply(cmd *cobra.Command, cfg *Config) {
	f := cmd.Flags()
	if f.Changed("manifest") && o.manifest != manifestFromConfig {
		cfg.ManifestPath = o.manifest
	}
	if f.Changed("input-dir") {
		cfg.InputDirectory = o.inputDir
	}
	if f.Changed("results") {
		cfg.OutputResultsPath = o.results
	}
	if f.Changed("log-file") {
		cfg.OutputLogPath = o.logFile
	}
	if f.Changed("marker") {
		cfg.MarkerPath = o.marker
	}
	if f.Changed("tmp-dir") {
		cfg.TempDownloadDirectory = o.tmpDir
	}
	if f.Changed("workers") {
		cfg.MaxParallelWorkers = o.workers
	}
	if f.Changed("checkpoints") {
		cfg.NumCheckpoints = o.checkpoints
	}
	if f.Changed("checkpoint-size") {
		cfg.CheckpointSize = o.chunkSize
	}
	if f.Changed("cutoff") {
		cfg.DistanceCutoff = o.cutoff
	}
	if f.Changed("task-timeout") {
		cfg.TaskTimeout = o.taskTimeout
	}
	if f.Changed("remote-workers") {
		cfg.Remote.Workers = o.remoteWorkers
	}
}

func (o *runOptions) download() bool {
	return o.manifest != ""
}

// loadInputs enumerates the input list for the selected variant
func loadInputs(cfg *Config, download bool, logger *slog.Logger) ([]types.InputReference, error) {
	if !download {
		return scheduler.ListDirectory(cfg.InputDirectory, cfg.InputSuffix)
	}
	refs, skipped, err := fetch.ReadManifest(cfg.ManifestPath, cfg.Storage.Scheme)
	if err != nil {
		return nil, err
	}
	if skipped > 0 {
		logger.Warn("Manifest lines skipped", "manifest", cfg.ManifestPath, "skipped", skipped)
	}
	return refs, nil
}

func runBatch(ctx context.Context, cfg *Config, opts *runOptions, logger *slog.Logger, out io.Writer) error {
	inputs, err := loadInputs(cfg, opts.download(), logger)
	if err != nil {
		return err
	}
	if len(inputs) == 0 {
		fmt.Fprintln(out, "No CIF files found in the specified directory.")
		return nil
	}

	// Processor: local file task or remote workers
	var processor task.Processor = task.NewFileTask(cfg.DistanceCutoff)
	if len(cfg.Remote.Workers) > 0 {
		client, err := server.Dial(cfg.Remote.Workers, cfg.DistanceCutoff)
		if err != nil {
			return err
		}
		defer client.Close()
		processor = client
		logger.Info("Using remote workers", "workers", cfg.Remote.Workers)
	}

	deps := scheduler.Deps{Processor: processor}

	if opts.download() {
		fetcher, err := fetch.NewObjectStoreFetcher(cfg.Storage)
		if err != nil {
			return err
		}
		deps.Fetcher = fetcher

		download := worker.NewPool[string](cfg.MaxParallelWorkers)
		if err := download.Start(cfg.MaxParallelWorkers); err != nil {
			return fmt.Errorf("failed to start download pool: %w", err)
		}
		defer download.Stop()
		deps.Download = download
	}

	compute := worker.NewPool[types.ContactOrderResult](cfg.MaxParallelWorkers)
	if err := compute.Start(cfg.MaxParallelWorkers); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}
	defer compute.Stop()
	deps.Compute = compute

	if cfg.Metrics.Enabled {
		collector, shutdown, err := startMetrics(cfg.Metrics.Port, logger)
		if err != nil {
			return err
		}
		defer shutdown()
		deps.Metrics = collector
	}

	writer := checkpoint.NewWriter(cfg.OutputResultsPath, cfg.OutputLogPath)
	defer writer.Close()
	deps.Writer = writer
	deps.Marker = snapshot.NewManager(cfg.MarkerPath)

	sched, err := scheduler.New(scheduler.Config{
		NumCheckpoints: cfg.NumCheckpoints,
		CheckpointSize: cfg.CheckpointSize,
		TaskTimeout:    cfg.TaskTimeout,
		TempDir:        cfg.TempDownloadDirectory,
		Resume:         opts.resume,
		Logger:         logger,
	}, deps)
	if err != nil {
		return err
	}

	summary, err := sched.Run(ctx, inputs)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warn("Batch interrupted; rerun with --resume to continue",
				"completed_checkpoints", summary.Completed,
				"checkpoints", summary.Checkpoints)
		}
		return err
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close output tables: %w", err)
	}

	fmt.Fprintf(out, "Processed %d files in %d checkpoints (%d failed) in %s\n",
		summary.Files, summary.Checkpoints, summary.Failures, summary.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(out, "Results: %s\nLog:     %s\n", cfg.OutputResultsPath, cfg.OutputLogPath)

	if opts.strict && summary.Failures > 0 {
		return fmt.Errorf("%w: %d of %d", ErrFilesFailed, summary.Failures, summary.Files)
	}
	return nil
}

// startMetrics registers the collector on a fresh registry and serves /metrics
func startMetrics(port int, logger *slog.Logger) (*metrics.Collector, func(), error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	collector, err := metrics.NewCollector(reg)
	if err != nil {
		return nil, nil, err
	}

	srv := metrics.NewServer(port, reg)
	go func() {
		logger.Info("Starting metrics server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server error", "error", err)
		}
	}()

	shutdown := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
	return collector, shutdown, nil
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand(global *globalOptions) *cobra.Command {
	var markerPath string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show batch status",
		Long:  "Display the progress marker written after each checkpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := global.settings(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("marker") {
				cfg.MarkerPath = markerPath
			}
			if err := cfg.finalize(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			return showStatus(cfg, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&markerPath, "marker", "", "progress marker path")
	return cmd
}

func showStatus(cfg *Config, out io.Writer) error {
	fmt.Fprintln(out, "\n╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintln(out, "║           Contact Order Batch Status                      ║")
	fmt.Fprintln(out, "╚═══════════════════════════════════════════════════════════╝")
	fmt.Fprintln(out)

	fmt.Fprintln(out, "📋 Configuration:")
	fmt.Fprintf(out, "  ├─ Distance Cutoff:  %g Å\n", cfg.DistanceCutoff)
	fmt.Fprintf(out, "  ├─ Workers:          %d\n", cfg.MaxParallelWorkers)
	fmt.Fprintf(out, "  ├─ Results Table:    %s\n", cfg.OutputResultsPath)
	fmt.Fprintf(out, "  ├─ Log Table:        %s\n", cfg.OutputLogPath)
	fmt.Fprintf(out, "  └─ Progress Marker:  %s\n", cfg.MarkerPath)
	fmt.Fprintln(out)

	marker, err := snapshot.NewManager(cfg.MarkerPath).Load()
	switch {
	case errors.Is(err, snapshot.ErrSnapshotNotFound):
		fmt.Fprintln(out, "📊 Progress:")
		fmt.Fprintln(out, "  └─ No progress marker (run 'contactorder run' to start)")
		fmt.Fprintln(out)
		return nil
	case err != nil:
		return err
	}

	done := marker.LastCompleted + 1
	fmt.Fprintln(out, "📊 Progress:")
	fmt.Fprintf(out, "  ├─ Checkpoints:  %d/%d\n", done, marker.NumCheckpoints)
	fmt.Fprintf(out, "  ├─ Files:        %d/%d\n", marker.Files, marker.Total)
	fmt.Fprintf(out, "  ├─ ❌ Failed:     %d\n", marker.Failures)
	fmt.Fprintf(out, "  ├─ Elapsed:      %s\n", (time.Duration(marker.GlobalElapsedSeconds * float64(time.Second))).Round(time.Second))
	fmt.Fprintf(out, "  └─ Updated At:   %s\n", marker.UpdatedAt.Local().Format(time.RFC3339))
	fmt.Fprintln(out)

	if marker.Files > 0 {
		fmt.Fprintf(out, "📈 Success Rate: %.1f%%\n", float64(marker.Files-marker.Failures)/float64(marker.Files)*100)
		fmt.Fprintln(out)
	}
	if done < marker.NumCheckpoints {
		fmt.Fprintln(out, "⏳ Incomplete: run 'contactorder run --resume' to continue")
	} else {
		fmt.Fprintln(out, "✅ Complete")
	}
	fmt.Fprintln(out, "═══════════════════════════════════════════════════════════")
	return nil
}

// ============================================================================
// serve-worker
// ============================================================================

func buildServeWorkerCommand(global *globalOptions) *cobra.Command {
	var listen string
	var cacheSize int

	cmd := &cobra.Command{
		Use:   "serve-worker",
		Short: "Serve the remote compute worker over gRPC",
		Long:  "Accept Compute requests from 'run --remote-workers'. The worker must see the same file paths as the coordinator.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := global.settings(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("listen") {
				cfg.Remote.Listen = listen
			}
			if cmd.Flags().Changed("cache-size") {
				cfg.Remote.CacheSize = cacheSize
			}
			if err := cfg.finalize(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serveWorker(ctx, cfg, logger)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (default :50051)")
	cmd.Flags().IntVar(&cacheSize, "cache-size", 0, "results kept in memory for repeated requests (0 disables)")
	return cmd
}

func serveWorker(ctx context.Context, cfg *Config, logger *slog.Logger) error {
	var cache *task.ResultCache
	if cfg.Remote.CacheSize > 0 {
		c, err := task.NewResultCache(cfg.Remote.CacheSize)
		if err != nil {
			return err
		}
		cache = c
	}

	lis, err := net.Listen("tcp", cfg.Remote.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Remote.Listen, err)
	}

	grpcServer := grpc.NewServer()
	srv := server.NewServer(cfg.DistanceCutoff, cache, logger)
	server.RegisterComputeServer(grpcServer, srv)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gRPC worker listening", "addr", lis.Addr().String())
		errCh <- grpcServer.Serve(lis)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Received shutdown signal, stopping gracefully...")
	grpcServer.GracefulStop()
	computed, hits := srv.Stats()
	logger.Info("Worker stopped", "computed", computed, "cache_hits", hits)
	return nil
}

// ============================================================================
// bench-download
// ============================================================================

func buildBenchCommand(global *globalOptions) *cobra.Command {
	var (
		manifest string
		workers  []int
		limit    int
		interval int
		outDir   string
	)

	cmd := &cobra.Command{
		Use:   "bench-download",
		Short: "Measure manifest download throughput for several worker counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := global.settings(cmd)
			if err != nil {
				return err
			}
			f := cmd.Flags()
			if f.Changed("manifest") {
				cfg.ManifestPath = manifest
			}
			if f.Changed("workers") {
				cfg.Bench.Workers = workers
			}
			if f.Changed("limit") {
				cfg.Bench.Limit = limit
			}
			if f.Changed("interval") {
				cfg.Bench.Interval = interval
			}
			if f.Changed("out") {
				cfg.Bench.OutDir = outDir
			}
			if err := cfg.finalize(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			fetcher, err := fetch.NewObjectStoreFetcher(cfg.Storage)
			if err != nil {
				return err
			}
			return runBench(ctx, cfg, fetcher, logger, cmd.OutOrStdout())
		},
	}

	f := cmd.Flags()
	f.StringVar(&manifest, "manifest", "", "manifest of remote URIs")
	f.IntSliceVar(&workers, "workers", nil, "worker counts to test")
	f.IntVar(&limit, "limit", 0, "download only the first N entries (0 = all)")
	f.IntVar(&interval, "interval", 0, "log progress every N files")
	f.StringVar(&outDir, "out", "", "output directory for results_<N>_workers folders")
	return cmd
}

func runBench(ctx context.Context, cfg *Config, fetcher fetch.Fetcher, logger *slog.Logger, out io.Writer) error {
	refs, skipped, err := fetch.ReadManifest(cfg.ManifestPath, cfg.Storage.Scheme)
	if err != nil {
		return err
	}
	if skipped > 0 {
		logger.Warn("Manifest lines skipped", "manifest", cfg.ManifestPath, "skipped", skipped)
	}

	runner, err := bench.NewRunner(bench.Config{
		WorkerCounts: cfg.Bench.Workers,
		Limit:        cfg.Bench.Limit,
		Interval:     cfg.Bench.Interval,
		OutDir:       cfg.Bench.OutDir,
		DownloadDir:  cfg.TempDownloadDirectory,
		Logger:       logger,
	}, fetcher)
	if err != nil {
		return err
	}

	rounds, err := runner.Run(ctx, refs)
	for _, r := range rounds {
		fmt.Fprintf(out, "%4d workers: %d files (%d failed) in %s\n", r.Workers, r.Files, r.Failures, r.Elapsed.Round(time.Millisecond))
	}
	return err
}
