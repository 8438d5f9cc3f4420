package lang

import (
	"path/filepath"

	"github.com/hengoj/heng/internal/judger/config"
)

type Java struct {
	cfg config.Lang
}

func (l *Java) Name() string       { return "java" }
func (l *Java) NeedsCompile() bool { return true }
func (l *Java) SrcName() string    { return "Main.java" }
func (l *Java) MsgName() string    { return "msg" }

func (l *Java) Compile(runDir string) *Command {
	return &Command{
		Bin: l.cfg.Compiler,
		Args: []string{
			"-J-Xms64m", "-J-Xmx512m",
			"-encoding", "UTF-8",
			"-sourcepath", ".",
			l.SrcName(),
		},
		Env:   []string{defaultPath},
		Stdin: "/dev/null",
		// javac writes its compile errors to stdout
		Stdout:       filepath.Join(runDir, l.MsgName()),
		Stderr:       "/dev/null",
		BindMountsRO: toolchainMounts(l.cfg, l.cfg.Compiler, l.cfg.Runtime),
	}
}

func (l *Java) Run(string) *Command {
	return &Command{
		Bin:          l.cfg.Runtime,
		Args:         []string{"-cp", ".", "-Xms64m", "-Xmx512m", "Main"},
		Env:          []string{defaultPath},
		BindMountsRO: toolchainMounts(l.cfg, l.cfg.Compiler, l.cfg.Runtime),
	}
}
