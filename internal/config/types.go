package config

import (
	"time"
)

type DaemonConfig struct {
	Daemon    DaemonInfo      `yaml:"daemon"`
	Lifecycle LifecycleConfig `yaml:"lifecycle"`
	Placement PlacementConfig `yaml:"placement"`
	Scores    ScoresConfig    `yaml:"scores"`
	Database  *DatabaseConfig `yaml:"database,omitempty"`
	Workloads WorkloadsConfig `yaml:"workloads"`
}

type DaemonInfo struct {
	LogLevel          string `yaml:"log_level"`
	PlacementLogLevel string `yaml:"placement_log_level"`
	ControlSocket     string `yaml:"control_socket"`
	ShmPath           string `yaml:"shm_path"`
}

type LifecycleConfig struct {
	ScanIntervalMS   int    `yaml:"scan_interval_ms"`
	ThresholdSeconds int    `yaml:"threshold_seconds"`
	AgentHost        string `yaml:"agent_host"`
	AgentPort        int    `yaml:"agent_port"`
	AckListen        string `yaml:"ack_listen"`
}

type PlacementConfig struct {
	ProbeIntervalSeconds int `yaml:"probe_interval_seconds"`
	PassIntervalSeconds  int `yaml:"pass_interval_seconds"`
	MaxCandidates        int `yaml:"max_candidates"`
}

type ScoresConfig struct {
	ModelFile string `yaml:"model_file"`
}

type DatabaseConfig struct {
	Host   string `yaml:"host"`
	Bucket string `yaml:"bucket"`
	Token  string `yaml:"token"`
	Org    string `yaml:"org"`
}

type WorkloadsConfig struct {
	Docker DockerWorkloadConfig `yaml:"docker"`
}

type DockerWorkloadConfig struct {
	Enabled        bool   `yaml:"enabled"`
	PollIntervalMS int    `yaml:"poll_interval_ms"`
	JobidLabel     string `yaml:"jobid_label"`
	WorkersLabel   string `yaml:"workers_label"`
}

func (c *DaemonConfig) ScanInterval() time.Duration {
	return time.Duration(c.Lifecycle.ScanIntervalMS) * time.Millisecond
}

func (c *DaemonConfig) ProbeInterval() time.Duration {
	return time.Duration(c.Placement.ProbeIntervalSeconds) * time.Second
}

func (c *DaemonConfig) PassInterval() time.Duration {
	return time.Duration(c.Placement.PassIntervalSeconds) * time.Second
}

func (c *DaemonConfig) DockerPollInterval() time.Duration {
	return time.Duration(c.Workloads.Docker.PollIntervalMS) * time.Millisecond
}
