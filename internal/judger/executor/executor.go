// Package executor drives one judge task on the worker: workspace setup,
// artifact fetches, per-executable compilation, and the per-case sandbox
// runs that produce the verdict list.
package executor

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hengoj/heng/internal/judger/config"
	"github.com/hengoj/heng/internal/judger/data"
	"github.com/hengoj/heng/internal/judger/lang"
	"github.com/hengoj/heng/internal/metrics"
	"github.com/hengoj/heng/internal/protocol"
	"github.com/hengoj/heng/internal/sandbox"
)

// device nodes and system trees visible inside every sandbox, matching the
// toolchains' expectations
var (
	baseBindRW = []string{"/dev/null", "/dev/zero", "/dev/random", "/dev/urandom"}
	baseBindRO = []string{"/bin", "/sbin", "/etc", "/usr", "/lib", "/lib64", "/var", "/run"}
)

type Module struct {
	data *data.Module

	workspaceRoot string
	uid, gid      uint32
	hardLimit     config.HardLimit
	langs         config.Executor

	logger *log.Logger
}

func New(cfg *config.Config, dataModule *data.Module) (*Module, error) {
	if err := os.MkdirAll(cfg.Executor.WorkspaceRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	return &Module{
		data:          dataModule,
		workspaceRoot: cfg.Executor.WorkspaceRoot,
		uid:           cfg.Executor.UID,
		gid:           cfg.Executor.GID,
		hardLimit:     cfg.Executor.HardLimit,
		langs:         cfg.Executor,
		logger:        log.New(log.Writer(), "[Executor] ", log.LstdFlags),
	}, nil
}

// limit is the effective resource budget of one sandbox invocation.
type limit struct {
	cpuTime uint64 // milliseconds
	memory  uint64 // bytes
	output  uint64 // bytes
	pids    uint32
}

// effectiveLimit clamps the task-requested budget to the configured
// ceiling, element-wise.
func (m *Module) effectiveLimit(cpuTime, memory, output uint64) limit {
	return limit{
		cpuTime: min(cpuTime, m.hardLimit.CPUTime),
		memory:  min(memory, m.hardLimit.Memory),
		output:  min(output, m.hardLimit.Output),
		pids:    m.hardLimit.Pids,
	}
}

// Exec runs one judge task to completion and assembles its result. onState
// receives the coarse lifecycle transitions for progress reporting.
func (m *Module) Exec(args *protocol.CreateJudgeArgs, onState func(protocol.JudgeState)) (*protocol.JudgeResult, error) {
	ws, err := m.createWorkspace(args.ID)
	if err != nil {
		return nil, err
	}
	defer ws.destroy()

	onState(protocol.StatePreparing)

	var dataDir string
	if args.Data != nil {
		dataDir, err = m.data.LoadData(args.Data)
		if err != nil {
			return nil, fmt.Errorf("load data: %w", err)
		}
	}

	if err := m.loadDynamicFiles(ws, args.DynamicFiles); err != nil {
		return nil, err
	}
	if err := m.loadSources(ws, &args.Judge); err != nil {
		return nil, err
	}

	onState(protocol.StateJudging)

	result := &protocol.JudgeResult{Extra: &protocol.JudgeResultExtra{}}

	user, err := m.prepareExecutable(ws, ws.run, userCodeName, &args.Judge.User)
	if err != nil {
		return nil, err
	}
	if user.compileKind != "" {
		// compile failure settles every case at once
		for range args.Test.Cases {
			result.Cases = append(result.Cases, protocol.JudgeCaseResult{
				Kind:   user.compileKind,
				Time:   user.compileTime,
				Memory: user.compileMemory,
			})
		}
		result.Extra.User = &protocol.ExecutionInfo{CompileMessage: user.compileMessage}
		return result, nil
	}
	result.Extra.User = &protocol.ExecutionInfo{CompileMessage: user.compileMessage}

	if err := m.prepareCompanions(ws, args, result); err != nil {
		return nil, err
	}

	runLimit := m.effectiveLimit(
		args.Judge.User.Limit.Runtime.CPUTime,
		args.Judge.User.Limit.Runtime.Memory,
		args.Judge.User.Limit.Runtime.Output,
	)

	for i, testCase := range args.Test.Cases {
		caseResult, err := m.runCase(ws, user, dataDir, i, &testCase, runLimit)
		if err != nil {
			return nil, err
		}
		result.Cases = append(result.Cases, *caseResult)

		if args.Test.Policy == protocol.TestPolicyFuse && caseResult.Kind != protocol.Accepted {
			break
		}
	}

	return result, nil
}

// prepareCompanions compiles the special judge or interactor when the
// judge variant carries one, recording their compile diagnostics.
func (m *Module) prepareCompanions(ws *workspace, args *protocol.CreateJudgeArgs, result *protocol.JudgeResult) error {
	switch args.Judge.Type {
	case protocol.JudgeTypeSpecial:
		dir, err := m.extraRoot(ws, "spj")
		if err != nil {
			return err
		}
		spj, err := m.prepareExecutable(ws, dir, spjCodeName, args.Judge.SPJ)
		if err != nil {
			return err
		}
		result.Extra.SPJ = &protocol.ExecutionInfo{CompileMessage: spj.compileMessage}
		if spj.compileKind != "" {
			return fmt.Errorf("special judge failed to compile")
		}
	case protocol.JudgeTypeInteractive:
		dir, err := m.extraRoot(ws, "interactor")
		if err != nil {
			return err
		}
		interactor, err := m.prepareExecutable(ws, dir, interactorCodeName, args.Judge.Interactor)
		if err != nil {
			return err
		}
		result.Extra.Interactor = &protocol.ExecutionInfo{CompileMessage: interactor.compileMessage}
		if interactor.compileKind != "" {
			return fmt.Errorf("interactor failed to compile")
		}
	}
	return nil
}

// loadDynamicFiles fetches every remote dynamic file into files/
// concurrently and returns the first failure. A failure does not cancel
// the other downloads; each one runs to completion.
func (m *Module) loadDynamicFiles(ws *workspace, dynFiles []protocol.DynamicFile) error {
	if len(dynFiles) == 0 {
		return nil
	}
	if err := checkDynamicFiles(dynFiles); err != nil {
		return err
	}

	g, _ := errgroup.WithContext(context.Background())
	for _, df := range dynFiles {
		if df.Remote == nil {
			continue
		}
		remote := df.Remote
		g.Go(func() error {
			return m.data.DownloadFile(&remote.File, filepath.Join(ws.files, remote.Name))
		})
	}
	return g.Wait()
}

// loadSources fetches the task's source files into files/ under their
// fixed names.
func (m *Module) loadSources(ws *workspace, judge *protocol.Judge) error {
	g, _ := errgroup.WithContext(context.Background())

	g.Go(func() error {
		return m.data.DownloadFile(&judge.User.Source, filepath.Join(ws.files, userCodeName))
	})
	if judge.Type == protocol.JudgeTypeSpecial {
		g.Go(func() error {
			return m.data.DownloadFile(&judge.SPJ.Source, filepath.Join(ws.files, spjCodeName))
		})
	}
	if judge.Type == protocol.JudgeTypeInteractive {
		g.Go(func() error {
			return m.data.DownloadFile(&judge.Interactor.Source, filepath.Join(ws.files, interactorCodeName))
		})
	}
	return g.Wait()
}

// preparedExecutable is one compiled (or script) program rooted at dir.
type preparedExecutable struct {
	language lang.Language
	dir      string

	compileKind    protocol.JudgeResultKind // empty on success
	compileTime    uint64
	compileMemory  uint64
	compileMessage string
}

// prepareExecutable stages the source into the executable's sandbox root
// and compiles it when the language requires it.
func (m *Module) prepareExecutable(ws *workspace, dir, sourceName string, exe *protocol.Executable) (*preparedExecutable, error) {
	language, err := lang.Resolve(&exe.Environment, &m.langs)
	if err != nil {
		return nil, err
	}

	srcPath := filepath.Join(dir, language.SrcName())
	if err := copyFile(filepath.Join(ws.files, sourceName), srcPath); err != nil {
		return nil, fmt.Errorf("stage source: %w", err)
	}
	if err := m.chownToSandbox(srcPath); err != nil {
		return nil, err
	}

	prepared := &preparedExecutable{language: language, dir: dir}
	if !language.NeedsCompile() {
		return prepared, nil
	}

	compileLimit := m.effectiveLimit(
		exe.Limit.Compiler.CPUTime,
		exe.Limit.Compiler.Memory,
		exe.Limit.Compiler.Output,
	)
	out, err := m.sandboxRun(language.Compile(dir), dir, compileLimit)
	if err != nil {
		return nil, fmt.Errorf("compile: %w", err)
	}

	prepared.compileMessage = m.readCompileMessage(dir, language, exe.Limit.Compiler.Message)
	if !out.Success() {
		prepared.compileKind = classifyCompile(out, compileLimit)
		prepared.compileTime = out.CPUTime
		prepared.compileMemory = out.Memory
	}
	return prepared, nil
}

func (m *Module) readCompileMessage(dir string, language lang.Language, messageLimit uint64) string {
	if language.MsgName() == "" {
		return ""
	}
	f, err := os.Open(filepath.Join(dir, language.MsgName()))
	if err != nil {
		return ""
	}
	defer f.Close()

	if messageLimit == 0 {
		messageLimit = 64 * 1024
	}
	msg, err := io.ReadAll(io.LimitReader(f, int64(messageLimit)))
	if err != nil {
		return ""
	}
	return string(msg)
}

// runCase executes the user program against one test case.
func (m *Module) runCase(ws *workspace, user *preparedExecutable, dataDir string, index int, testCase *protocol.TestCase, runLimit limit) (*protocol.JudgeCaseResult, error) {
	stdin := "/dev/null"
	if dataDir != "" && testCase.Input != "" {
		stdin = filepath.Join(dataDir, testCase.Input)
	}
	stdout := filepath.Join(ws.files, fmt.Sprintf("case-%d.out", index))
	stderr := filepath.Join(ws.files, fmt.Sprintf("case-%d.err", index))

	cmd := user.language.Run(user.dir)
	cmd.Stdin = stdin
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	out, err := m.sandboxRun(cmd, user.dir, runLimit)
	if err != nil {
		return nil, fmt.Errorf("run case %d: %w", index, err)
	}

	return &protocol.JudgeCaseResult{
		Kind:   classifyRun(out, runLimit),
		Time:   out.CPUTime,
		Memory: out.Memory,
	}, nil
}

// sandboxRun executes one command descriptor chrooted at dir with the
// given effective limits.
func (m *Module) sandboxRun(cmd *lang.Command, dir string, l limit) (*sandbox.Output, error) {
	cfg := &sandbox.Config{
		Bin:    cmd.Bin,
		Args:   cmd.Args,
		Env:    cmd.Env,
		Stdin:  cmd.Stdin,
		Stdout: cmd.Stdout,
		Stderr: cmd.Stderr,
		Chroot: dir,
		UID:    m.uid,
		GID:    m.gid,

		RealTimeLimitMS: m.hardLimit.RealTime,
		RlimitCPUSec:    roundupDiv(l.cpuTime, 1000),
		RlimitFsize:     l.output,
		CgLimitMemory:   l.memory,
		CgLimitMaxPids:  l.pids,

		BindMountsRO: append(existingPaths(baseBindRO), cmd.BindMountsRO...),
		BindMountsRW: existingPaths(baseBindRW),
		MountProc:    "/proc",
		MountTmpfs:   "/tmp",
		Priority:     -20,
	}

	start := time.Now()
	out, err := sandbox.Run(cfg)
	metrics.SandboxRunSeconds.Observe(time.Since(start).Seconds())
	return out, err
}

// classifyRun orders limit checks the way downstream consumers expect:
// time beats memory beats output beats a generic runtime error.
func classifyRun(out *sandbox.Output, l limit) protocol.JudgeResultKind {
	if out.Success() {
		// verdict placeholder: output grading happens downstream
		return protocol.Accepted
	}
	switch {
	case l.cpuTime > 0 && out.CPUTime >= l.cpuTime:
		return protocol.TimeLimitExceeded
	case out.Signal == 9: // wall-clock killer
		return protocol.TimeLimitExceeded
	case l.memory > 0 && out.Memory*1024 >= l.memory:
		return protocol.MemoryLimitExceeded
	case out.Signal == 25: // SIGXFSZ
		return protocol.OutputLimitExceeded
	default:
		return protocol.RuntimeError
	}
}

func classifyCompile(out *sandbox.Output, l limit) protocol.JudgeResultKind {
	switch {
	case l.cpuTime > 0 && out.CPUTime >= l.cpuTime:
		return protocol.CompileTimeExceeded
	case out.Signal == 9:
		return protocol.CompileTimeExceeded
	case l.memory > 0 && out.Memory*1024 >= l.memory:
		return protocol.CompileMemryExceeded
	case out.Signal == 25:
		return protocol.CompileFileExceeded
	default:
		return protocol.CompileError
	}
}

func roundupDiv(a, b uint64) uint64 {
	return (a + b - 1) / b
}

func existingPaths(paths []string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			out = append(out, p)
		}
	}
	return out
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
