package executor

import (
	"log"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hengoj/heng/internal/judger/config"
	"github.com/hengoj/heng/internal/protocol"
	"github.com/hengoj/heng/internal/sandbox"
)

func testExecutorModule(t *testing.T) *Module {
	t.Helper()
	return &Module{
		workspaceRoot: t.TempDir(),
		uid:           uint32(os.Getuid()),
		gid:           uint32(os.Getgid()),
		hardLimit: config.HardLimit{
			RealTime: 10000,
			CPUTime:  5000,
			Memory:   256 << 20,
			Output:   16 << 20,
			Pids:     16,
		},
		logger: log.New(log.Writer(), "[Executor] ", log.LstdFlags),
	}
}

func TestValidateDynFileName(t *testing.T) {
	valid := []string{"input.txt", "a", "data-1_2.bin", "A.B-C_d"}
	for _, name := range valid {
		assert.True(t, validateDynFileName(name), name)
	}

	invalid := []string{"", "__reserved", "has space", "slash/name", "ref;name", string(make([]byte, 65))}
	for _, name := range invalid {
		assert.False(t, validateDynFileName(name), name)
	}
}

func TestCheckDynamicFiles(t *testing.T) {
	file := protocol.File{Type: protocol.FileTypeDirect, Content: "x"}

	err := checkDynamicFiles([]protocol.DynamicFile{
		{BuiltIn: &protocol.BuiltInFile{Name: "__user_code"}},
		{Remote: &protocol.RemoteFile{Name: "data.txt", File: file}},
	})
	assert.NoError(t, err)

	// reserved builtin name
	err = checkDynamicFiles([]protocol.DynamicFile{{BuiltIn: &protocol.BuiltInFile{Name: "__other"}}})
	var info *protocol.ErrorInfo
	require.ErrorAs(t, err, &info)
	assert.Equal(t, protocol.ErrNotSupported, info.Code)

	// duplicate name
	err = checkDynamicFiles([]protocol.DynamicFile{
		{Remote: &protocol.RemoteFile{Name: "a", File: file}},
		{Remote: &protocol.RemoteFile{Name: "a", File: file}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")

	// invalid remote name
	err = checkDynamicFiles([]protocol.DynamicFile{{Remote: &protocol.RemoteFile{Name: "__x", File: file}}})
	require.ErrorAs(t, err, &info)
	assert.Equal(t, protocol.ErrInvalidRequest, info.Code)
}

func TestEffectiveLimitClampsToHardLimit(t *testing.T) {
	m := testExecutorModule(t)

	l := m.effectiveLimit(60000, 1<<40, 1<<40)
	assert.Equal(t, uint64(5000), l.cpuTime)
	assert.Equal(t, uint64(256<<20), l.memory)
	assert.Equal(t, uint64(16<<20), l.output)
	assert.Equal(t, uint32(16), l.pids)

	l = m.effectiveLimit(1000, 64<<20, 1<<20)
	assert.Equal(t, uint64(1000), l.cpuTime)
	assert.Equal(t, uint64(64<<20), l.memory)
}

func TestClassifyRun(t *testing.T) {
	l := limit{cpuTime: 1000, memory: 64 << 20, output: 1 << 20}

	assert.Equal(t, protocol.Accepted, classifyRun(&sandbox.Output{}, l))
	assert.Equal(t, protocol.TimeLimitExceeded, classifyRun(&sandbox.Output{Signal: 9, CPUTime: 1200}, l))
	assert.Equal(t, protocol.TimeLimitExceeded, classifyRun(&sandbox.Output{Signal: 9, CPUTime: 10}, l),
		"wall-clock kill with low cpu still reads as TLE")
	assert.Equal(t, protocol.MemoryLimitExceeded, classifyRun(&sandbox.Output{Code: 1, Memory: 70 << 10}, l))
	assert.Equal(t, protocol.OutputLimitExceeded, classifyRun(&sandbox.Output{Signal: 25}, l))
	assert.Equal(t, protocol.RuntimeError, classifyRun(&sandbox.Output{Code: 1}, l))
	assert.Equal(t, protocol.RuntimeError, classifyRun(&sandbox.Output{Signal: 11}, l))
}

func TestClassifyCompile(t *testing.T) {
	l := limit{cpuTime: 10000, memory: 1 << 30}

	assert.Equal(t, protocol.CompileError, classifyCompile(&sandbox.Output{Code: 1}, l))
	assert.Equal(t, protocol.CompileTimeExceeded, classifyCompile(&sandbox.Output{Signal: 9, CPUTime: 10000}, l))
	assert.Equal(t, protocol.CompileFileExceeded, classifyCompile(&sandbox.Output{Signal: 25}, l))
}

func TestRoundupDiv(t *testing.T) {
	assert.Equal(t, uint64(1), roundupDiv(1000, 1000))
	assert.Equal(t, uint64(2), roundupDiv(1001, 1000))
	assert.Equal(t, uint64(1), roundupDiv(1, 1000))
}

func TestCreateWorkspaceReplacesStale(t *testing.T) {
	m := testExecutorModule(t)

	ws, err := m.createWorkspace("task-1")
	require.NoError(t, err)
	assert.DirExists(t, ws.files)
	assert.DirExists(t, ws.run)

	// leave a stale file behind and recreate
	stale := filepath.Join(ws.root, "files", "leftover")
	require.NoError(t, os.WriteFile(stale, []byte("x"), 0o644))

	ws2, err := m.createWorkspace("task-1")
	require.NoError(t, err)
	assert.Equal(t, ws.root, ws2.root)
	assert.NoFileExists(t, stale)

	ws2.destroy()
	assert.NoDirExists(t, ws2.root)
}
