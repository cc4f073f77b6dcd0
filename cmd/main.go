package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"

	"smt-cosched/internal/affinity"
	"smt-cosched/internal/config"
	"smt-cosched/internal/control"
	"smt-cosched/internal/database"
	"smt-cosched/internal/host"
	"smt-cosched/internal/ipcengine"
	"smt-cosched/internal/lifecycle"
	"smt-cosched/internal/logging"
	"smt-cosched/internal/perfmon"
	"smt-cosched/internal/placement"
	"smt-cosched/internal/proctree"
	"smt-cosched/internal/scoremap"
	"smt-cosched/internal/shm"
	"smt-cosched/internal/workloads"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const Version = "1.0.0"

func loadEnvironment() {
	logger := logging.GetLogger()

	envFile := ".env"
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			logger.WithField("file", envFile).WithError(err).Warn("Error loading .env file")
		} else {
			logger.WithField("file", envFile).Debug("Loaded environment variables")
		}
	} else if execPath, err := os.Executable(); err == nil {
		envFile = filepath.Join(filepath.Dir(execPath), ".env")
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err != nil {
				logger.WithField("file", envFile).WithError(err).Warn("Error loading .env file")
			} else {
				logger.WithField("file", envFile).Debug("Loaded environment variables")
			}
		}
	}
}

func main() {
	logger := logging.GetLogger()

	var configFile string
	var logLevel string
	var socketPath string

	rootCmd := &cobra.Command{
		Use:   "smt-cosched",
		Short: "SMT-aware co-scheduling controller",
		Long:  "A daemon that pairs long-running workloads onto hyperthread siblings to maximize system throughput, driven by per-process-group IPC accounting",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if logLevel != "" {
				if err := logging.SetLogLevel(logLevel); err != nil {
					return fmt.Errorf("invalid log level: %w", err)
				}
			}
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Set log level (trace, debug, info, warn, error)")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the co-scheduling daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			loadEnvironment()
			return runDaemon(configFile)
		},
	}
	runCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to daemon configuration file")

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a daemon configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return validateConfig(configFile)
		},
	}
	validateCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to daemon configuration file")
	validateCmd.MarkFlagRequired("config")

	ctlCmd := &cobra.Command{
		Use:   "ctl",
		Short: "Send a command to a running daemon",
	}
	ctlCmd.PersistentFlags().StringVar(&socketPath, "socket", "/run/smt-cosched.sock", "Control socket path")

	var pgid, jobid, workers, seconds, endpoint, pid int

	resetCmd := &cobra.Command{
		Use:   "reset",
		Short: "Reset all IPC counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(socketPath, func(c *control.Client) error {
				return c.ResetCounters()
			})
		},
	}

	addCmd := &cobra.Command{
		Use:   "add-pgid",
		Short: "Track a process group",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(socketPath, func(c *control.Client) error {
				return c.AddPgid(int32(pgid), int32(jobid), int32(workers))
			})
		},
	}
	addCmd.Flags().IntVar(&pgid, "pgid", 0, "Process group id")
	addCmd.Flags().IntVar(&jobid, "jobid", 0, "Global job id")
	addCmd.Flags().IntVar(&workers, "workers", 1, "Worker count")
	addCmd.MarkFlagRequired("pgid")
	addCmd.MarkFlagRequired("jobid")

	removeCmd := &cobra.Command{
		Use:   "remove-pgid",
		Short: "Untrack a process group",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(socketPath, func(c *control.Client) error {
				return c.RemovePgid(int32(pgid))
			})
		},
	}
	removeCmd.Flags().IntVar(&pgid, "pgid", 0, "Process group id")
	removeCmd.MarkFlagRequired("pgid")

	thresholdCmd := &cobra.Command{
		Use:   "set-threshold",
		Short: "Set the long-running threshold",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(socketPath, func(c *control.Client) error {
				return c.SetThreshold(int32(seconds))
			})
		},
	}
	thresholdCmd.Flags().IntVar(&seconds, "seconds", 0, "Threshold in seconds")
	thresholdCmd.MarkFlagRequired("seconds")

	agentCmd := &cobra.Command{
		Use:   "set-agent",
		Short: "Set the profiling agent endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(socketPath, func(c *control.Client) error {
				return c.SetAgentEndpoint(int32(endpoint))
			})
		},
	}
	agentCmd.Flags().IntVar(&endpoint, "id", 0, "Agent endpoint id (UDP port)")
	agentCmd.MarkFlagRequired("id")

	profileCmd := &cobra.Command{
		Use:   "request-profile",
		Short: "Force a profile request for a task's process group",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(socketPath, func(c *control.Client) error {
				return c.RequestProfile(int32(pid))
			})
		},
	}
	profileCmd.Flags().IntVar(&pid, "pid", 0, "Task pid")
	profileCmd.MarkFlagRequired("pid")

	ctlCmd.AddCommand(resetCmd, addCmd, removeCmd, thresholdCmd, agentCmd, profileCmd)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(ctlCmd)

	if err := rootCmd.Execute(); err != nil {
		logger.WithError(err).Fatal("Command execution failed")
	}
}

func withClient(socketPath string, fn func(*control.Client) error) error {
	client, err := control.Dial(socketPath)
	if err != nil {
		return err
	}
	defer client.Close()
	return fn(client)
}

func validateConfig(configFile string) error {
	logger := logging.GetLogger()

	_, err := config.LoadConfig(configFile)
	if err != nil {
		logger.WithField("config_file", configFile).WithError(err).Error("Configuration validation failed")
		return err
	}
	logger.WithField("config_file", configFile).Info("Configuration is valid")
	return nil
}

func runDaemon(configFile string) error {
	logger := logging.GetLogger()

	var cfg *config.DaemonConfig
	var err error
	if configFile != "" {
		cfg, err = config.LoadConfig(configFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
	} else {
		cfg = config.Default()
		logger.Info("No configuration file given, using defaults")
	}

	if err := logging.SetLogLevel(cfg.Daemon.LogLevel); err != nil {
		logger.WithField("log_level", cfg.Daemon.LogLevel).WithError(err).Warn("Invalid log level in config, using INFO")
	}
	if err := logging.SetPlacementLogLevel(cfg.Daemon.PlacementLogLevel); err != nil {
		logger.WithField("log_level", cfg.Daemon.PlacementLogLevel).WithError(err).Warn("Invalid placement log level in config, using INFO")
	}

	hostConfig, err := host.GetHostConfig()
	if err != nil {
		logger.WithError(err).Error("Failed to initialize host configuration")
		return err
	}

	logger.WithFields(logrus.Fields{
		"version":        Version,
		"hostname":       hostConfig.Hostname,
		"cpu_model":      hostConfig.CPUModel,
		"physical_cores": hostConfig.Topology.PhysicalCores,
		"logical_cores":  hostConfig.Topology.LogicalCores,
		"rdt_supported":  hostConfig.RDT.Supported,
	}).Info("Starting smt-cosched")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Shared snapshot region.
	region, err := shm.CreateFile(cfg.Daemon.ShmPath)
	if err != nil {
		return fmt.Errorf("failed to create snapshot region: %w", err)
	}
	defer region.Close()

	// Per-CPU PMU counters and the IPC engine over them.
	numCPU := hostConfig.Topology.LogicalCores
	if numCPU <= 0 {
		numCPU = runtime.NumCPU()
	}
	pmu, err := perfmon.OpenPMU(numCPU)
	if err != nil {
		return fmt.Errorf("failed to open PMU counters: %w", err)
	}
	defer pmu.Close()

	engine := ipcengine.New(region, pmu, numCPU)
	defer engine.Teardown()

	switchSource, err := perfmon.OpenSwitchSource(numCPU, engine)
	if err != nil {
		return fmt.Errorf("failed to open switch source: %w", err)
	}
	defer switchSource.Close()
	if err := switchSource.Run(ctx); err != nil {
		return fmt.Errorf("failed to start switch source: %w", err)
	}

	// Lifecycle controller with its profile-request transport.
	transport, err := lifecycle.NewUDPTransport(cfg.Lifecycle.AgentHost, cfg.Lifecycle.AgentPort)
	if err != nil {
		return fmt.Errorf("failed to open profile transport: %w", err)
	}
	defer transport.Close()

	tree := proctree.NewProcFS()
	controller := lifecycle.New(engine, transport, tree,
		lifecycle.WithScanInterval(cfg.ScanInterval()))
	if err := controller.SetThreshold(int32(cfg.Lifecycle.ThresholdSeconds)); err != nil {
		return err
	}
	controller.Run(ctx)
	defer controller.Close()

	ackListener, err := lifecycle.ListenAck(cfg.Lifecycle.AckListen, controller.HandleAck)
	if err != nil {
		return fmt.Errorf("failed to open ack listener: %w", err)
	}
	defer ackListener.Close()
	ackListener.Run(ctx)

	// Score oracle, optionally preloaded from a trained model.
	oracle := scoremap.New()
	if cfg.Scores.ModelFile != "" {
		if err := oracle.LoadModel(cfg.Scores.ModelFile); err != nil {
			logger.WithField("model_file", cfg.Scores.ModelFile).WithError(err).Warn("Failed to load score model")
		} else {
			logger.WithFields(logrus.Fields{
				"model_file": cfg.Scores.ModelFile,
				"pairs":      oracle.Len(),
			}).Info("Score model loaded")
		}
	}

	// Placement scheduler.
	scheduler := placement.New(
		&placement.RegionSource{Region: region},
		oracle,
		affinity.NewProcApplier(tree),
		engine,
		hostConfig.Topology,
		placement.Config{
			ProbeInterval: cfg.ProbeInterval(),
			PassInterval:  cfg.PassInterval(),
			MaxCandidates: cfg.Placement.MaxCandidates,
		},
	)

	if cfg.Database != nil {
		sink, err := database.NewInfluxDBClient(*cfg.Database, hostConfig.Hostname)
		if err != nil {
			logger.WithError(err).Warn("Probe result export disabled")
		} else {
			defer sink.Close()
			scheduler.SetResultSink(sink)
		}
	}

	go scheduler.Run(ctx)

	// Optional docker workload source.
	if cfg.Workloads.Docker.Enabled {
		watcher, err := workloads.NewDockerWatcher(cfg.Workloads.Docker, controller)
		if err != nil {
			logger.WithError(err).Warn("Docker workload source disabled")
		} else {
			watcher.Run(ctx)
			defer watcher.Close()
		}
	}

	// Control endpoint.
	server := control.NewServer(cfg.Daemon.ControlSocket, controller, engine)
	if err := server.Listen(); err != nil {
		return err
	}
	defer server.Close()
	server.Serve(ctx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("Received interrupt signal, shutting down")
	cancel()

	return nil
}
