package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validTOML = `
[client]
remote_domain = "127.0.0.1:8080"
access_key = "root-ak"
secret_key = "root-sk"
rpc_timeout = 5000
max_task_count = 8

[redis]
url = "redis://127.0.0.1:6379/0"
max_open = 8

[data]
directory = "/var/lib/heng/data"
download_size_limit = 268435456

[executor]
workspace_root = "/var/lib/heng/workspace"
uid = 1000
gid = 1000

[executor.hard_limit]
real_time = 10000
cpu_time = 10000
memory = 1073741824
output = 67108864
pids = 16

[executor.c]
compiler = "/usr/bin/gcc"

[executor.cpp]
compiler = "/usr/bin/g++"

[executor.rust]
compiler = "/usr/bin/rustc"
mount = ["/usr/lib/rustlib"]

[executor.java]
compiler = "/usr/bin/javac"
runtime = "/usr/bin/java"
mount = ["/usr/lib/jvm"]

[executor.python]
runtime = "/usr/bin/python3"

[executor.javascript]
runtime = "/usr/bin/node"
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "heng-judger.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestFromFile(t *testing.T) {
	cfg, err := FromFile(writeConfig(t, validTOML))
	require.NoError(t, err)

	assert.Equal(t, uint32(8), cfg.Client.MaxTaskCount)
	assert.Equal(t, "/var/lib/heng/data", cfg.Data.Directory)
	assert.Equal(t, uint64(10000), cfg.Executor.HardLimit.RealTime)
	assert.Equal(t, uint32(16), cfg.Executor.HardLimit.Pids)
	assert.Equal(t, "/usr/bin/g++", cfg.Executor.Cpp.Compiler)
	assert.Equal(t, []string{"/usr/lib/jvm"}, cfg.Executor.Java.Mount)
}

func TestValidateRequiresAbsolutePaths(t *testing.T) {
	cfg, err := FromFile(writeConfig(t, validTOML))
	require.NoError(t, err)

	cfg.Data.Directory = "relative/path"
	assert.Error(t, cfg.Validate())

	cfg.Data.Directory = "/abs"
	cfg.Executor.WorkspaceRoot = "./workspace"
	assert.Error(t, cfg.Validate())

	cfg.Executor.WorkspaceRoot = "/abs/ws"
	cfg.Executor.Rust.Mount = []string{"not/abs"}
	assert.Error(t, cfg.Validate())
}

func TestValidateTaskCountRange(t *testing.T) {
	cfg, err := FromFile(writeConfig(t, validTOML))
	require.NoError(t, err)

	cfg.Client.MaxTaskCount = 0
	assert.Error(t, cfg.Validate())

	cfg.Client.MaxTaskCount = 65
	assert.Error(t, cfg.Validate())
}

func TestValidateHardLimit(t *testing.T) {
	cfg, err := FromFile(writeConfig(t, validTOML))
	require.NoError(t, err)

	cfg.Executor.HardLimit.Pids = 0
	assert.Error(t, cfg.Validate())
}
