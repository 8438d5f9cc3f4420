package executor

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/hengoj/heng/internal/protocol"
)

// workspace is the per-task directory tree:
//
//	<root>/<task_id>/
//	    files/   fetched artifacts (__user_code, dynamic files, ...)
//	    run/     sandbox chroot of the user program
//	    spj/     sandbox chroot of the special judge, when present
//	    interactor/  sandbox chroot of the interactor, when present
type workspace struct {
	root  string
	files string
	run   string
}

const (
	userCodeName       = "__user_code"
	spjCodeName        = "__spj_code"
	interactorCodeName = "__interactor_code"
)

func (m *Module) createWorkspace(id string) (*workspace, error) {
	root := filepath.Join(m.workspaceRoot, id)
	if _, err := os.Stat(root); err == nil {
		if err := os.RemoveAll(root); err != nil {
			return nil, fmt.Errorf("clear stale workspace: %w", err)
		}
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}

	ws := &workspace{
		root:  root,
		files: filepath.Join(root, "files"),
		run:   filepath.Join(root, "run"),
	}
	for _, dir := range []string{ws.files, ws.run} {
		if err := os.Mkdir(dir, 0o755); err != nil {
			return nil, err
		}
	}
	if err := m.chownToSandbox(root, ws.files, ws.run); err != nil {
		return nil, err
	}
	return ws, nil
}

// extraRoot creates an additional sandbox root beside run/ for the special
// judge or interactor executable.
func (m *Module) extraRoot(ws *workspace, name string) (string, error) {
	dir := filepath.Join(ws.root, name)
	if err := os.Mkdir(dir, 0o755); err != nil {
		return "", err
	}
	if err := m.chownToSandbox(dir); err != nil {
		return "", err
	}
	return dir, nil
}

func (m *Module) chownToSandbox(paths ...string) error {
	for _, path := range paths {
		if err := os.Chown(path, int(m.uid), int(m.gid)); err != nil {
			return fmt.Errorf("chown %s: %w", path, err)
		}
	}
	return nil
}

// destroy removes the workspace tree, best effort.
func (ws *workspace) destroy() {
	os.RemoveAll(ws.root)
}

var dynFileName = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

// validateDynFileName enforces the dynamic-file naming rules; the "__"
// prefix is reserved for built-in names.
func validateDynFileName(name string) bool {
	if len(name) >= 2 && name[0] == '_' && name[1] == '_' {
		return false
	}
	return dynFileName.MatchString(name)
}

// checkDynamicFiles validates names and rejects duplicates up front, before
// any download starts.
func checkDynamicFiles(dynFiles []protocol.DynamicFile) error {
	seen := make(map[string]struct{}, len(dynFiles))
	for _, df := range dynFiles {
		switch {
		case df.BuiltIn != nil:
			if df.BuiltIn.Name != userCodeName {
				return protocol.NewError(protocol.ErrNotSupported, "unsupported dynamic file name %q", df.BuiltIn.Name)
			}
			if _, dup := seen[df.BuiltIn.Name]; dup {
				return fmt.Errorf("duplicate dynamic file name %q", df.BuiltIn.Name)
			}
			seen[df.BuiltIn.Name] = struct{}{}
		case df.Remote != nil:
			if !validateDynFileName(df.Remote.Name) {
				return protocol.NewError(protocol.ErrInvalidRequest, "invalid dynamic file name %q", df.Remote.Name)
			}
			if _, dup := seen[df.Remote.Name]; dup {
				return fmt.Errorf("duplicate dynamic file name %q", df.Remote.Name)
			}
			seen[df.Remote.Name] = struct{}{}
		default:
			return protocol.NewError(protocol.ErrInvalidRequest, "empty dynamic file entry")
		}
	}
	return nil
}
