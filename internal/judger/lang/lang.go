// Package lang maps a submission's Environment to a concrete compile+run
// pipeline. Each adapter pins the file-name conventions and builds the two
// sandbox command descriptors; actually running them is the executor's job.
package lang

import (
	"fmt"

	"github.com/hengoj/heng/internal/judger/config"
	"github.com/hengoj/heng/internal/protocol"
)

// Command is one sandbox invocation described by an adapter. Bin and Args
// are resolved inside the chroot; stdio paths are host paths, set by the
// adapter for compile steps and by the executor for run steps.
type Command struct {
	Bin  string
	Args []string
	Env  []string

	Stdin  string
	Stdout string
	Stderr string

	// extra read-only binds for the toolchain, on top of the base set
	BindMountsRO []string
}

// defaultPath is the PATH seen by compilers and runtimes in the sandbox.
const defaultPath = "PATH=/usr/local/bin:/usr/bin:/bin"

// Language is one toolchain adapter.
type Language interface {
	Name() string
	NeedsCompile() bool

	// SrcName is the fixed source file name inside the sandbox root.
	SrcName() string
	// MsgName is the file collecting compiler diagnostics.
	MsgName() string

	// Compile builds the compile command; runDir is the absolute host path
	// of the sandbox root. Returns nil when NeedsCompile is false.
	Compile(runDir string) *Command
	// Run builds the run command with stdio left for the executor to fill.
	Run(runDir string) *Command
}

// Resolve picks the adapter for an environment.
func Resolve(env *protocol.Environment, cfg *config.Executor) (Language, error) {
	o2 := env.BoolOption("o2")
	switch env.Language {
	case "c89", "c99", "c11", "cpp11", "cpp14", "cpp17":
		return newCCpp(env.Language, o2, cfg)
	case "rust":
		return &Rust{o2: o2, cfg: cfg.Rust}, nil
	case "java":
		return &Java{cfg: cfg.Java}, nil
	case "python":
		return &Python{cfg: cfg.Python}, nil
	case "javascript":
		return &JavaScript{cfg: cfg.JavaScript}, nil
	default:
		return nil, protocol.NewError(protocol.ErrNotSupported, "unsupported language %q", env.Language)
	}
}

func toolchainMounts(l config.Lang, bins ...string) []string {
	mounts := make([]string, 0, len(bins)+len(l.Mount))
	for _, bin := range bins {
		if bin != "" {
			mounts = append(mounts, bin)
		}
	}
	mounts = append(mounts, l.Mount...)
	return mounts
}

func fmtStd(std string) string {
	switch std {
	case "c89":
		return "gnu89"
	case "c99":
		return "gnu99"
	case "c11":
		return "gnu11"
	case "cpp11":
		return "gnu++11"
	case "cpp14":
		return "gnu++14"
	case "cpp17":
		return "gnu++17"
	default:
		panic(fmt.Sprintf("unreachable std %q", std))
	}
}
