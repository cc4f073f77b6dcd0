package host

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"

	"smt-cosched/internal/logging"

	"github.com/intel/goresctrl/pkg/rdt"
	"github.com/sirupsen/logrus"
)

// HostConfig contains host system configuration information.
// Initialized once at startup and used throughout the daemon.
type HostConfig struct {
	CPUVendor string
	CPUModel  string

	Topology CPUTopology

	RDT RDTConfig

	Hostname      string
	OSInfo        string
	KernelVersion string
}

// CPUTopology describes the logical/physical core layout, SMT-2 assumed.
type CPUTopology struct {
	PhysicalCores  int
	LogicalCores   int
	ThreadsPerCore int

	// SiblingMap maps a physical core id to its two logical CPUs.
	// On non-SMT hosts both entries are the same logical CPU.
	SiblingMap map[int][2]int
}

// RDTConfig reports resctrl capabilities, informational for this daemon.
type RDTConfig struct {
	Supported           bool
	MonitoringSupported bool
	AvailableClasses    []string
}

var (
	globalHostConfig *HostConfig
	hostConfigOnce   sync.Once
)

// GetHostConfig returns the global host configuration, initializing it on
// first call.
func GetHostConfig() (*HostConfig, error) {
	var err error
	hostConfigOnce.Do(func() {
		globalHostConfig, err = initializeHostConfig()
	})
	if globalHostConfig == nil && err == nil {
		err = fmt.Errorf("host configuration initialization previously failed")
	}
	return globalHostConfig, err
}

func initializeHostConfig() (*HostConfig, error) {
	logger := logging.GetLogger()
	logger.Info("Initializing host configuration")

	config := &HostConfig{}

	if err := config.initSystemInfo(); err != nil {
		return nil, fmt.Errorf("failed to initialize system info: %w", err)
	}

	if err := config.initCPUInfo(); err != nil {
		return nil, fmt.Errorf("failed to initialize CPU info: %w", err)
	}

	if err := config.initTopology("/sys/devices/system/cpu"); err != nil {
		logger.WithError(err).Warn("Failed to read sysfs topology, assuming no SMT")
		config.Topology = FlatTopology(runtime.NumCPU())
	}

	if err := config.initRDTInfo(); err != nil {
		logger.WithError(err).Warn("Failed to initialize RDT info, RDT reporting disabled")
		config.RDT.Supported = false
	}

	logger.WithFields(logrus.Fields{
		"cpu_model":      config.CPUModel,
		"physical_cores": config.Topology.PhysicalCores,
		"logical_cores":  config.Topology.LogicalCores,
		"rdt_supported":  config.RDT.Supported,
	}).Info("Host configuration initialized")

	return config, nil
}

func (hc *HostConfig) initSystemInfo() error {
	hostname, err := os.Hostname()
	if err != nil {
		return fmt.Errorf("failed to get hostname: %w", err)
	}
	hc.Hostname = hostname
	hc.OSInfo = runtime.GOOS + "/" + runtime.GOARCH

	if data, err := os.ReadFile("/proc/version"); err == nil {
		version := strings.Fields(string(data))
		if len(version) >= 3 {
			hc.KernelVersion = version[2]
		}
	}
	if hc.KernelVersion == "" {
		hc.KernelVersion = "unknown"
	}

	return nil
}

func (hc *HostConfig) initCPUInfo() error {
	file, err := os.Open("/proc/cpuinfo")
	if err != nil {
		hc.CPUVendor = "unknown"
		hc.CPUModel = "unknown"
		return nil
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		if strings.HasPrefix(line, "vendor_id") && hc.CPUVendor == "" {
			if parts := strings.SplitN(line, ":", 2); len(parts) == 2 {
				hc.CPUVendor = strings.TrimSpace(parts[1])
			}
		} else if strings.HasPrefix(line, "model name") && hc.CPUModel == "" {
			if parts := strings.SplitN(line, ":", 2); len(parts) == 2 {
				hc.CPUModel = strings.TrimSpace(parts[1])
			}
		}
	}

	if hc.CPUVendor == "" {
		hc.CPUVendor = "unknown"
	}
	if hc.CPUModel == "" {
		hc.CPUModel = "unknown"
	}
	return nil
}

// initTopology builds the sibling map from sysfs thread_siblings_list
// entries.
func (hc *HostConfig) initTopology(sysfsCPURoot string) error {
	entries, err := filepath.Glob(filepath.Join(sysfsCPURoot, "cpu[0-9]*"))
	if err != nil || len(entries) == 0 {
		return fmt.Errorf("no cpu entries under %s", sysfsCPURoot)
	}

	// Group logical CPUs by their sibling set; the lowest member names
	// the physical core.
	siblingSets := make(map[int][]int)
	logicalCount := 0

	for _, entry := range entries {
		id, err := strconv.Atoi(strings.TrimPrefix(filepath.Base(entry), "cpu"))
		if err != nil {
			continue
		}
		logicalCount++

		data, err := os.ReadFile(filepath.Join(entry, "topology", "thread_siblings_list"))
		if err != nil {
			return fmt.Errorf("read thread_siblings_list for cpu%d: %w", id, err)
		}
		siblings, err := parseCPUList(strings.TrimSpace(string(data)))
		if err != nil {
			return fmt.Errorf("parse thread_siblings_list for cpu%d: %w", id, err)
		}
		if len(siblings) == 0 {
			siblings = []int{id}
		}
		sort.Ints(siblings)
		siblingSets[siblings[0]] = siblings
	}

	topo := CPUTopology{
		LogicalCores: logicalCount,
		SiblingMap:   make(map[int][2]int, len(siblingSets)),
	}

	coreIDs := make([]int, 0, len(siblingSets))
	for first := range siblingSets {
		coreIDs = append(coreIDs, first)
	}
	sort.Ints(coreIDs)

	for physID, first := range coreIDs {
		siblings := siblingSets[first]
		pair := [2]int{siblings[0], siblings[0]}
		if len(siblings) >= 2 {
			pair[1] = siblings[1]
		}
		topo.SiblingMap[physID] = pair
	}

	topo.PhysicalCores = len(topo.SiblingMap)
	if topo.PhysicalCores > 0 {
		topo.ThreadsPerCore = topo.LogicalCores / topo.PhysicalCores
	}

	hc.Topology = topo
	return nil
}

// FlatTopology fabricates a no-SMT topology for numCPU logical CPUs.
func FlatTopology(numCPU int) CPUTopology {
	topo := CPUTopology{
		PhysicalCores:  numCPU,
		LogicalCores:   numCPU,
		ThreadsPerCore: 1,
		SiblingMap:     make(map[int][2]int, numCPU),
	}
	for i := 0; i < numCPU; i++ {
		topo.SiblingMap[i] = [2]int{i, i}
	}
	return topo
}

// SMT2Topology fabricates a contiguous-sibling SMT-2 topology: physical
// core p owns logical CPUs 2p and 2p+1. Used by tests and synthetic runs.
func SMT2Topology(physicalCores int) CPUTopology {
	topo := CPUTopology{
		PhysicalCores:  physicalCores,
		LogicalCores:   2 * physicalCores,
		ThreadsPerCore: 2,
		SiblingMap:     make(map[int][2]int, physicalCores),
	}
	for p := 0; p < physicalCores; p++ {
		topo.SiblingMap[p] = [2]int{2 * p, 2*p + 1}
	}
	return topo
}

func (hc *HostConfig) initRDTInfo() error {
	if err := rdt.Initialize(""); err != nil {
		return err
	}

	hc.RDT.Supported = true
	hc.RDT.MonitoringSupported = rdt.MonSupported()

	for _, class := range rdt.GetClasses() {
		hc.RDT.AvailableClasses = append(hc.RDT.AvailableClasses, class.Name())
	}
	return nil
}

// parseCPUList parses sysfs cpu list strings like "0,8" or "0-3,8-11".
func parseCPUList(spec string) ([]int, error) {
	var cpus []int
	seen := make(map[int]bool)

	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		if strings.Contains(part, "-") {
			rangeParts := strings.SplitN(part, "-", 2)
			start, err := strconv.Atoi(strings.TrimSpace(rangeParts[0]))
			if err != nil {
				return nil, fmt.Errorf("invalid cpu range start: %s", rangeParts[0])
			}
			end, err := strconv.Atoi(strings.TrimSpace(rangeParts[1]))
			if err != nil {
				return nil, fmt.Errorf("invalid cpu range end: %s", rangeParts[1])
			}
			if start > end {
				return nil, fmt.Errorf("invalid cpu range: %s", part)
			}
			for i := start; i <= end; i++ {
				if !seen[i] {
					cpus = append(cpus, i)
					seen[i] = true
				}
			}
		} else {
			cpu, err := strconv.Atoi(part)
			if err != nil {
				return nil, fmt.Errorf("invalid cpu number: %s", part)
			}
			if !seen[cpu] {
				cpus = append(cpus, cpu)
				seen[cpu] = true
			}
		}
	}

	return cpus, nil
}
