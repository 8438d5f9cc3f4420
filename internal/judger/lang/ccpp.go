package lang

import (
	"path/filepath"
	"strings"

	"github.com/hengoj/heng/internal/judger/config"
)

// CCpp covers the C and C++ standards sharing one gcc/g++ pipeline.
type CCpp struct {
	std string
	o2  bool
	cfg config.Lang
}

func newCCpp(std string, o2 bool, cfg *config.Executor) (*CCpp, error) {
	lang := cfg.C
	if strings.HasPrefix(std, "cpp") {
		lang = cfg.Cpp
	}
	return &CCpp{std: std, o2: o2, cfg: lang}, nil
}

func (l *CCpp) isCpp() bool { return strings.HasPrefix(l.std, "cpp") }

func (l *CCpp) Name() string {
	if l.isCpp() {
		return "cpp"
	}
	return "c"
}

func (l *CCpp) NeedsCompile() bool { return true }

func (l *CCpp) SrcName() string {
	if l.isCpp() {
		return "src.cpp"
	}
	return "src.c"
}

func (l *CCpp) MsgName() string { return "msg" }

func (l *CCpp) exeName() string { return "src" }

func (l *CCpp) Compile(runDir string) *Command {
	args := []string{"--std=" + fmtStd(l.std), "-static"}
	if l.o2 {
		args = append(args, "-O2")
	}
	if !l.isCpp() {
		// libm is not linked implicitly for C
		args = append(args, "-lm")
	}
	args = append(args, "-o", l.exeName(), l.SrcName())

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

func (l *CCpp) Run(string) *Command {
	return &Command{
		Bin: "./" + l.exeName(),
		Env: []string{defaultPath},
	}
}
