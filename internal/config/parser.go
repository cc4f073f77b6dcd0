package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"smt-cosched/internal/logging"

	"gopkg.in/yaml.v3"
)

// Defaults applied before the file is parsed, so a minimal config only
// names what it changes.
func defaultConfig() DaemonConfig {
	return DaemonConfig{
		Daemon: DaemonInfo{
			LogLevel:          "info",
			PlacementLogLevel: "info",
			ControlSocket:     "/run/smt-cosched.sock",
			ShmPath:           "/dev/shm/smt-cosched-region",
		},
		Lifecycle: LifecycleConfig{
			ScanIntervalMS:   1000,
			ThresholdSeconds: 3600,
			AgentHost:        "127.0.0.1",
			AgentPort:        0,
			AckListen:        "127.0.0.1:9772",
		},
		Placement: PlacementConfig{
			ProbeIntervalSeconds: 20,
			PassIntervalSeconds:  60,
			MaxCandidates:        3,
		},
		Workloads: WorkloadsConfig{
			Docker: DockerWorkloadConfig{
				PollIntervalMS: 2000,
				JobidLabel:     "smt.jobid",
				WorkersLabel:   "smt.workers",
			},
		},
	}
}

func LoadConfig(filepath string) (*DaemonConfig, error) {
	logger := logging.GetLogger()

	data, err := os.ReadFile(filepath)
	if err != nil {
		logger.WithField("filepath", filepath).WithError(err).Error("Failed to read config file")
		return nil, err
	}

	expanded := expandEnvVars(string(data))

	config := defaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), &config); err != nil {
		logger.WithField("filepath", filepath).WithError(err).Error("Failed to parse config file")
		return nil, err
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// Default returns the built-in configuration, for running without a file.
func Default() *DaemonConfig {
	config := defaultConfig()
	return &config
}

func expandEnvVars(content string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(content, func(match string) string {
		envVar := strings.Trim(match, "${}")
		if value := os.Getenv(envVar); value != "" {
			return value
		}
		return match
	})
}

func validateConfig(config *DaemonConfig) error {
	if config.Daemon.ControlSocket == "" {
		return fmt.Errorf("daemon.control_socket must be set")
	}
	if config.Daemon.ShmPath == "" {
		return fmt.Errorf("daemon.shm_path must be set")
	}
	if config.Lifecycle.ScanIntervalMS <= 0 {
		return fmt.Errorf("lifecycle.scan_interval_ms must be positive")
	}
	if config.Lifecycle.ThresholdSeconds <= 0 {
		return fmt.Errorf("lifecycle.threshold_seconds must be positive")
	}
	if config.Lifecycle.AgentPort < 0 {
		return fmt.Errorf("lifecycle.agent_port must be non-negative")
	}
	if config.Placement.ProbeIntervalSeconds <= 0 {
		return fmt.Errorf("placement.probe_interval_seconds must be positive")
	}
	if config.Placement.PassIntervalSeconds <= 0 {
		return fmt.Errorf("placement.pass_interval_seconds must be positive")
	}
	if config.Placement.MaxCandidates <= 0 {
		return fmt.Errorf("placement.max_candidates must be positive")
	}
	if config.Database != nil {
		if config.Database.Host == "" || config.Database.Bucket == "" || config.Database.Org == "" {
			return fmt.Errorf("database requires host, bucket and org")
		}
	}
	if config.Workloads.Docker.Enabled && config.Workloads.Docker.PollIntervalMS <= 0 {
		return fmt.Errorf("workloads.docker.poll_interval_ms must be positive")
	}
	return nil
}
