package sandbox

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// ChildMain is the helper-process entrypoint. It must be dispatched before
// any other startup work in the worker binary. It never returns: the
// process either becomes the judged program via exec or exits 101.
func ChildMain() {
	specFile := os.NewFile(3, "sandbox-spec")
	statusFile := os.NewFile(4, "sandbox-status")

	stage, err := runChild(specFile)
	if err == nil {
		// unreachable: runChild ends in exec
		os.Exit(101)
	}

	payload, _ := json.Marshal(childError{Stage: stage, Message: err.Error()})
	statusFile.Write(payload)
	statusFile.Close()
	os.Exit(101)
}

func runChild(specFile *os.File) (string, error) {
	var cfg Config
	if err := json.NewDecoder(specFile).Decode(&cfg); err != nil {
		return "spec", err
	}
	specFile.Close()

	// the status pipe must vanish at exec so the parent sees EOF
	if _, err := unix.FcntlInt(uintptr(4), unix.F_SETFD, unix.FD_CLOEXEC); err != nil {
		return "cloexec", err
	}

	if err := redirectStdio(&cfg); err != nil {
		return "stdio", err
	}
	if err := applyRlimits(&cfg); err != nil {
		return "rlimit", err
	}
	if err := joinCgroups(&cfg); err != nil {
		return "cgroup", err
	}
	if err := setupMounts(&cfg); err != nil {
		return "mount", err
	}
	if cfg.Priority != 0 {
		if err := unix.Setpriority(unix.PRIO_PROCESS, 0, cfg.Priority); err != nil {
			return "priority", err
		}
	}
	if err := dropPrivileges(&cfg); err != nil {
		return "privileges", err
	}

	bin, err := resolveBin(cfg.Bin, cfg.Env)
	if err != nil {
		return "lookup", err
	}

	argv := append([]string{cfg.Bin}, cfg.Args...)
	if err := unix.Exec(bin, argv, cfg.Env); err != nil {
		return "exec", err
	}
	panic("unreachable")
}

func redirectStdio(cfg *Config) error {
	// dup2 clears O_CLOEXEC on the target fd, so the opened fds do not
	// survive into the judged program
	if cfg.Stdin != "" {
		fd, err := unix.Open(cfg.Stdin, unix.O_RDONLY|unix.O_CLOEXEC, 0)
		if err != nil {
			return fmt.Errorf("open stdin %s: %w", cfg.Stdin, err)
		}
		if err := unix.Dup2(fd, 0); err != nil {
			return err
		}
		unix.Close(fd)
	}
	for _, target := range []struct {
		path string
		fd   int
	}{{cfg.Stdout, 1}, {cfg.Stderr, 2}} {
		if target.path == "" {
			continue
		}
		fd, err := unix.Open(target.path, unix.O_WRONLY|unix.O_CREAT|unix.O_TRUNC|unix.O_CLOEXEC, 0o644)
		if err != nil {
			return fmt.Errorf("open %s: %w", target.path, err)
		}
		if err := unix.Dup2(fd, target.fd); err != nil {
			return err
		}
		unix.Close(fd)
	}
	return nil
}

func applyRlimits(cfg *Config) error {
	set := func(resource int, value uint64) error {
		lim := unix.Rlimit{Cur: value, Max: value}
		return unix.Setrlimit(resource, &lim)
	}
	if cfg.RlimitCPUSec > 0 {
		if err := set(unix.RLIMIT_CPU, cfg.RlimitCPUSec); err != nil {
			return fmt.Errorf("RLIMIT_CPU: %w", err)
		}
	}
	if cfg.RlimitAS > 0 {
		if err := set(unix.RLIMIT_AS, cfg.RlimitAS); err != nil {
			return fmt.Errorf("RLIMIT_AS: %w", err)
		}
	}
	if cfg.RlimitData > 0 {
		if err := set(unix.RLIMIT_DATA, cfg.RlimitData); err != nil {
			return fmt.Errorf("RLIMIT_DATA: %w", err)
		}
	}
	if cfg.RlimitFsize > 0 {
		if err := set(unix.RLIMIT_FSIZE, cfg.RlimitFsize); err != nil {
			return fmt.Errorf("RLIMIT_FSIZE: %w", err)
		}
	}
	return nil
}

func joinCgroups(cfg *Config) error {
	pid := os.Getpid()

	if err := addPidToCgroup(cfg.CgroupCPU, pid); err != nil {
		return fmt.Errorf("join cpu cgroup: %w", err)
	}
	if err := addPidToCgroup(cfg.CgroupMemory, pid); err != nil {
		return fmt.Errorf("join memory cgroup: %w", err)
	}
	if cfg.CgLimitMemory > 0 {
		if err := writeCgroupFile(cfg.CgroupMemory, "memory.limit_in_bytes", cfg.CgLimitMemory); err != nil {
			return fmt.Errorf("set memory limit: %w", err)
		}
	}
	if cfg.CgLimitMaxPids > 0 {
		if err := writeCgroupFile(cfg.CgroupPids, "pids.max", cfg.CgLimitMaxPids); err != nil {
			return fmt.Errorf("set pids limit: %w", err)
		}
		if err := addPidToCgroup(cfg.CgroupPids, pid); err != nil {
			return fmt.Errorf("join pids cgroup: %w", err)
		}
	}

	// zero the accounting so the run starts from a clean baseline
	if err := writeCgroupFile(cfg.CgroupCPU, "cpuacct.usage", 0); err != nil {
		return fmt.Errorf("reset cpuacct.usage: %w", err)
	}
	if err := writeCgroupFile(cfg.CgroupMemory, "memory.max_usage_in_bytes", 0); err != nil {
		return fmt.Errorf("reset memory.max_usage_in_bytes: %w", err)
	}
	return nil
}

func setupMounts(cfg *Config) error {
	if cfg.Chroot == "" {
		return nil
	}

	// private mount namespace so binds die with the child
	if err := unix.Unshare(unix.CLONE_NEWNS); err != nil {
		return fmt.Errorf("unshare mount ns: %w", err)
	}
	if err := unix.Mount("", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
		return fmt.Errorf("make mounts private: %w", err)
	}

	for _, src := range cfg.BindMountsRO {
		if err := bindMount(src, cfg.Chroot, true); err != nil {
			return err
		}
	}
	for _, src := range cfg.BindMountsRW {
		if err := bindMount(src, cfg.Chroot, false); err != nil {
			return err
		}
	}

	if cfg.MountProc != "" {
		target := filepath.Join(cfg.Chroot, cfg.MountProc)
		if err := os.MkdirAll(target, 0o755); err != nil {
			return err
		}
		if err := unix.Mount("proc", target, "proc", 0, ""); err != nil {
			return fmt.Errorf("mount proc: %w", err)
		}
	}
	if cfg.MountTmpfs != "" {
		target := filepath.Join(cfg.Chroot, cfg.MountTmpfs)
		if err := os.MkdirAll(target, 0o755); err != nil {
			return err
		}
		if err := unix.Mount("tmpfs", target, "tmpfs", 0, "size=16m"); err != nil {
			return fmt.Errorf("mount tmpfs: %w", err)
		}
	}

	if err := unix.Chroot(cfg.Chroot); err != nil {
		return fmt.Errorf("chroot %s: %w", cfg.Chroot, err)
	}
	if err := unix.Chdir("/"); err != nil {
		return fmt.Errorf("chdir /: %w", err)
	}
	return nil
}

func bindMount(src, chroot string, readonly bool) error {
	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("stat bind source %s: %w", src, err)
	}

	target := filepath.Join(chroot, src)
	if info.IsDir() {
		if err := os.MkdirAll(target, 0o755); err != nil {
			return err
		}
	} else {
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		f, err := os.OpenFile(target, os.O_CREATE, 0o644)
		if err != nil {
			return err
		}
		f.Close()
	}

	if err := unix.Mount(src, target, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("bind %s: %w", src, err)
	}
	if readonly {
		flags := uintptr(unix.MS_BIND | unix.MS_REMOUNT | unix.MS_RDONLY | unix.MS_REC)
		if err := unix.Mount("", target, "", flags, ""); err != nil {
			return fmt.Errorf("remount ro %s: %w", src, err)
		}
	}
	return nil
}

func dropPrivileges(cfg *Config) error {
	if cfg.GID > 0 {
		gid := int(cfg.GID)
		if err := unix.Setgroups([]int{gid}); err != nil {
			return fmt.Errorf("setgroups: %w", err)
		}
		if err := unix.Setgid(gid); err != nil {
			return fmt.Errorf("setgid: %w", err)
		}
	}
	if cfg.UID > 0 {
		if err := unix.Setuid(int(cfg.UID)); err != nil {
			return fmt.Errorf("setuid: %w", err)
		}
	}
	return nil
}

// resolveBin performs the execvpe-style PATH search using the child's
// environment, after any chroot has taken effect.
func resolveBin(bin string, env []string) (string, error) {
	if strings.Contains(bin, "/") {
		return bin, nil
	}
	var pathEnv string
	for _, kv := range env {
		if v, ok := strings.CutPrefix(kv, "PATH="); ok {
			pathEnv = v
			break
		}
	}
	if pathEnv == "" {
		pathEnv = "/usr/local/bin:/usr/bin:/bin"
	}
	for _, dir := range strings.Split(pathEnv, ":") {
		if dir == "" {
			continue
		}
		candidate := filepath.Join(dir, bin)
		if err := unix.Access(candidate, unix.X_OK); err == nil {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("executable %q not found in PATH", bin)
}
