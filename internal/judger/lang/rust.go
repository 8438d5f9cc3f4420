package lang

import (
	"path/filepath"

	"github.com/hengoj/heng/internal/judger/config"
)

type Rust struct {
	o2  bool
	cfg config.Lang
}

func (l *Rust) Name() string       { return "rust" }
func (l *Rust) NeedsCompile() bool { return true }
func (l *Rust) SrcName() string    { return "src.rs" }
func (l *Rust) MsgName() string    { return "msg" }

func (l *Rust) Compile(runDir string) *Command {
	var args []string
	if l.o2 {
		args = append(args, "-O")
	}
	args = append(args, "-o", "src", l.SrcName())

	return &Command{
		Bin:          l.cfg.Compiler,
		Args:         args,
		Env:          []string{defaultPath},
		Stdin:        "/dev/null",
		Stdout:       "/dev/null",
		Stderr:       filepath.Join(runDir, l.MsgName()),
		BindMountsRO: toolchainMounts(l.cfg, l.cfg.Compiler),
	}
}

func (l *Rust) Run(string) *Command {
	return &Command{
		Bin: "./src",
		Env: []string{defaultPath},
	}
}
