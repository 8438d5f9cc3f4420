package lang

import "github.com/hengoj/heng/internal/judger/config"

// Python and JavaScript share the no-compile shape: the runtime interprets
// the source directly.

type Python struct {
	cfg config.Lang
}

func (l *Python) Name() string            { return "python" }
func (l *Python) NeedsCompile() bool      { return false }
func (l *Python) SrcName() string         { return "src.py" }
func (l *Python) MsgName() string         { return "" }
func (l *Python) Compile(string) *Command { return nil }

func (l *Python) Run(string) *Command {
	return &Command{
		Bin:          l.cfg.Runtime,
		Args:         []string{l.SrcName()},
		Env:          []string{defaultPath},
		BindMountsRO: toolchainMounts(l.cfg, l.cfg.Runtime),
	}
}

type JavaScript struct {
	cfg config.Lang
}

func (l *JavaScript) Name() string            { return "javascript" }
func (l *JavaScript) NeedsCompile() bool      { return false }
func (l *JavaScript) SrcName() string         { return "src.js" }
func (l *JavaScript) MsgName() string         { return "" }
func (l *JavaScript) Compile(string) *Command { return nil }

func (l *JavaScript) Run(string) *Command {
	return &Command{
		Bin:          l.cfg.Runtime,
		Args:         []string{l.SrcName()},
		Env:          []string{defaultPath},
		BindMountsRO: toolchainMounts(l.cfg, l.cfg.Runtime),
	}
}
