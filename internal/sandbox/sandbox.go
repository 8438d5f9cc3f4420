// Package sandbox executes one untrusted program under cgroup v1 limits,
// rlimits, chroot, and a uid/gid drop. The child half runs in this same
// binary: the worker re-execs /proc/self/exe with ChildArg before its
// normal startup, so no separate helper binary is shipped.
package sandbox

import (
	"fmt"
)

// ChildArg is the argv[1] sentinel that routes a process into ChildMain.
const ChildArg = "__heng_sandbox_child__"

// Config describes one sandboxed invocation. Zero values mean "no limit"
// or "no redirection".
type Config struct {
	Bin  string   `json:"bin"`
	Args []string `json:"args"`
	Env  []string `json:"env"`

	Stdin  string `json:"stdin,omitempty"`
	Stdout string `json:"stdout,omitempty"`
	Stderr string `json:"stderr,omitempty"`

	Chroot string `json:"chroot,omitempty"`

	UID uint32 `json:"uid"`
	GID uint32 `json:"gid"`

	RealTimeLimitMS uint64 `json:"realTimeLimitMs,omitempty"`
	RlimitCPUSec    uint64 `json:"rlimitCpuSec,omitempty"`
	RlimitAS        uint64 `json:"rlimitAs,omitempty"`
	RlimitData      uint64 `json:"rlimitData,omitempty"`
	RlimitFsize     uint64 `json:"rlimitFsize,omitempty"`

	CgLimitMemory  uint64 `json:"cgLimitMemory,omitempty"`
	CgLimitMaxPids uint32 `json:"cgLimitMaxPids,omitempty"`

	BindMountsRO []string `json:"bindMountsRo,omitempty"`
	BindMountsRW []string `json:"bindMountsRw,omitempty"`
	MountProc    string   `json:"mountProc,omitempty"`
	MountTmpfs   string   `json:"mountTmpfs,omitempty"`

	Priority int `json:"priority,omitempty"`

	// filled by the parent before handing the spec to the child
	CgroupCPU    string `json:"cgroupCpu,omitempty"`
	CgroupMemory string `json:"cgroupMemory,omitempty"`
	CgroupPids   string `json:"cgroupPids,omitempty"`
}

// Output is the measured result of one invocation.
type Output struct {
	Code   int `json:"code"`
	Signal int `json:"signal"`
	Status int `json:"status"`

	RealTime uint64 `json:"real_time"` // milliseconds
	SysTime  uint64 `json:"sys_time"`  // milliseconds
	UserTime uint64 `json:"user_time"` // milliseconds
	CPUTime  uint64 `json:"cpu_time"`  // milliseconds
	Memory   uint64 `json:"memory"`    // KiB
}

// Success reports a clean zero exit.
func (o *Output) Success() bool {
	return o.Signal == 0 && o.Code == 0
}

// childError crosses the startup pipe when the child fails before exec.
type childError struct {
	Stage   string `json:"stage"`
	Message string `json:"message"`
}

func (e *childError) Error() string {
	return fmt.Sprintf("sandbox child failed at %s: %s", e.Stage, e.Message)
}
