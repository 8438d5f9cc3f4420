package sandbox

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// Run executes one sandboxed invocation and blocks until the child is
// reaped and the cgroups are cleaned up. Run is safe for concurrent use;
// each call owns a unique cgroup nonce.
func Run(cfg *Config) (*Output, error) {
	nonce := uuid.NewString()
	cg, err := newCgroup(nonce)
	if err != nil {
		return nil, fmt.Errorf("create cgroup: %w", err)
	}
	defer cg.cleanup()

	cfg.CgroupCPU = cg.cpu
	cfg.CgroupMemory = cg.memory
	cfg.CgroupPids = cg.pids

	spec, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal sandbox spec: %w", err)
	}

	specR, specW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("spec pipe: %w", err)
	}
	statusR, statusW, err := os.Pipe()
	if err != nil {
		specR.Close()
		specW.Close()
		return nil, fmt.Errorf("status pipe: %w", err)
	}

	cmd := exec.Command("/proc/self/exe", ChildArg)
	cmd.Env = []string{}
	// child reads the spec on fd 3 and reports startup errors on fd 4
	cmd.ExtraFiles = []*os.File{specR, statusW}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Pdeathsig: syscall.SIGKILL,
		Setpgid:   true,
	}

	t0 := time.Now()
	if err := cmd.Start(); err != nil {
		specR.Close()
		specW.Close()
		statusR.Close()
		statusW.Close()
		return nil, fmt.Errorf("start sandbox child: %w", err)
	}
	pid := cmd.Process.Pid

	// parent keeps only its ends
	specR.Close()
	statusW.Close()

	if _, err := specW.Write(spec); err != nil {
		specW.Close()
		statusR.Close()
		unix.Kill(pid, unix.SIGKILL)
		reap(pid)
		return nil, fmt.Errorf("write sandbox spec: %w", err)
	}
	specW.Close()

	// arm the wall-clock killer before blocking on the child
	var killer *time.Timer
	if cfg.RealTimeLimitMS > 0 {
		killer = time.AfterFunc(time.Duration(cfg.RealTimeLimitMS)*time.Millisecond, func() {
			unix.Kill(pid, unix.SIGKILL)
		})
		defer killer.Stop()
	}

	// EOF without payload means the child reached exec
	startupErr := readChildError(statusR)
	statusR.Close()

	status, rusage, err := wait4(pid)
	if err != nil {
		return nil, fmt.Errorf("wait4: %w", err)
	}

	realTime := uint64(time.Since(t0).Milliseconds())

	if startupErr != nil {
		return nil, startupErr
	}

	stats, err := cg.collectStatistics()
	if err != nil {
		return nil, fmt.Errorf("collect cgroup statistics: %w", err)
	}

	out := &Output{
		Status:   int(status),
		RealTime: realTime,
		SysTime:  stats.sysTime,
		UserTime: stats.userTime,
		CPUTime:  stats.cpuTime,
		Memory:   stats.memory,
	}
	if status.Exited() {
		out.Code = status.ExitStatus()
	}
	if status.Signaled() {
		out.Signal = int(status.Signal())
	}
	_ = rusage // cgroup accounting supersedes rusage times

	return out, nil
}

func readChildError(r io.Reader) error {
	payload, err := io.ReadAll(r)
	if err != nil || len(payload) == 0 {
		return nil
	}
	var ce childError
	if err := json.Unmarshal(payload, &ce); err != nil {
		return fmt.Errorf("sandbox child failed: %s", payload)
	}
	return &ce
}

func wait4(pid int) (unix.WaitStatus, *unix.Rusage, error) {
	var status unix.WaitStatus
	var rusage unix.Rusage
	for {
		wpid, err := unix.Wait4(pid, &status, unix.WUNTRACED, &rusage)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return status, nil, err
		}
		if wpid == pid && (status.Exited() || status.Signaled()) {
			return status, &rusage, nil
		}
	}
}

func reap(pid int) {
	var status unix.WaitStatus
	unix.Wait4(pid, &status, 0, nil)
}
