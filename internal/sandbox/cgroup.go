package sandbox

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

const cgroupRoot = "/sys/fs/cgroup"

// cgroup is one run's trio of v1 sub-groups. The nonce keeps concurrent
// runs on one host from colliding.
type cgroup struct {
	cpu    string
	memory string
	pids   string
}

func newCgroup(nonce string) (*cgroup, error) {
	cg := &cgroup{
		cpu:    filepath.Join(cgroupRoot, "cpu", "heng-sandbox", nonce),
		memory: filepath.Join(cgroupRoot, "memory", "heng-sandbox", nonce),
		pids:   filepath.Join(cgroupRoot, "pids", "heng-sandbox", nonce),
	}
	for _, dir := range []string{cg.cpu, cg.memory, cg.pids} {
		if err := ensureCgroupDir(dir); err != nil {
			return nil, err
		}
	}
	return cg, nil
}

func ensureCgroupDir(dir string) error {
	if err := unix.Access(dir, unix.F_OK); err == nil {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create cgroup directory %s: %w", dir, err)
	}
	return nil
}

func writeCgroupFile(dir, name string, value any) error {
	path := filepath.Join(dir, name)
	return os.WriteFile(path, []byte(fmt.Sprint(value)), 0o644)
}

func readCgroupUint(dir, name string) (uint64, error) {
	content, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(strings.TrimSpace(string(content)), 10, 64)
}

func addPidToCgroup(dir string, pid int) error {
	f, err := os.OpenFile(filepath.Join(dir, "tasks"), os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = fmt.Fprintf(f, "%d", pid)
	return err
}

// statistics are the per-run accounting values read back after the wait.
type statistics struct {
	sysTime  uint64 // milliseconds
	userTime uint64 // milliseconds
	cpuTime  uint64 // milliseconds
	memory   uint64 // KiB
}

func (cg *cgroup) collectStatistics() (*statistics, error) {
	sysNS, err := readCgroupUint(cg.cpu, "cpuacct.usage_sys")
	if err != nil {
		return nil, fmt.Errorf("read cpuacct.usage_sys: %w", err)
	}
	userNS, err := readCgroupUint(cg.cpu, "cpuacct.usage_user")
	if err != nil {
		return nil, fmt.Errorf("read cpuacct.usage_user: %w", err)
	}
	maxUsage, err := readCgroupUint(cg.memory, "memory.max_usage_in_bytes")
	if err != nil {
		return nil, fmt.Errorf("read memory.max_usage_in_bytes: %w", err)
	}
	return &statistics{
		sysTime:  sysNS / 1_000_000,
		userTime: userNS / 1_000_000,
		cpuTime:  (sysNS + userNS) / 1_000_000,
		memory:   maxUsage / 1024,
	}, nil
}

// killAll stops then kills every process still accounted to the run's
// cgroup; the SIGSTOP first prevents a forker from racing the sweep.
func (cg *cgroup) killAll() error {
	content, err := os.ReadFile(filepath.Join(cg.cpu, "cgroup.procs"))
	if err != nil {
		return fmt.Errorf("read cgroup.procs: %w", err)
	}

	var pids []int
	for _, line := range strings.Split(string(content), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		pid, err := strconv.Atoi(line)
		if err != nil {
			continue
		}
		pids = append(pids, pid)
	}

	for _, pid := range pids {
		unix.Kill(pid, unix.SIGSTOP)
	}
	for _, pid := range pids {
		unix.Kill(pid, unix.SIGKILL)
	}
	return nil
}

// cleanup kills stragglers and removes the sub-group directories.
func (cg *cgroup) cleanup() {
	if err := cg.killAll(); err != nil {
		log.Printf("[Sandbox] cgroup killall: %v", err)
	}
	for _, dir := range []string{cg.cpu, cg.memory, cg.pids} {
		if err := unix.Rmdir(dir); err != nil {
			log.Printf("[Sandbox] remove cgroup %s: %v", dir, err)
		}
	}
}
