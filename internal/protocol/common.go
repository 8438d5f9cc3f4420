package protocol

import (
	"encoding/json"
	"fmt"
)

// File is a tagged union referencing an artifact either by URL or inline.
// Wire form: {"type":"url","url":...,"hashsum":...} or
// {"type":"direct","content":...,"hashsum":...,"base64":...}.
type File struct {
	Type string `json:"type"` // "url" | "direct"

	// url variant
	URL string `json:"url,omitempty"`

	// direct variant
	Content string `json:"content,omitempty"`
	Base64  bool   `json:"base64,omitempty"`

	// Hashsum, when present, is the lowercase hex SHA-256 of the content.
	Hashsum string `json:"hashsum,omitempty"`
}

const (
	FileTypeURL    = "url"
	FileTypeDirect = "direct"
)

// Validate checks the discriminator and variant fields.
func (f *File) Validate() error {
	switch f.Type {
	case FileTypeURL:
		if f.URL == "" {
			return fmt.Errorf("file: url variant requires a url")
		}
	case FileTypeDirect:
	default:
		return fmt.Errorf("file: unknown type %q", f.Type)
	}
	return nil
}

// BuiltInFile names a file the worker materializes on its own.
type BuiltInFile struct {
	Name string `json:"name"`
}

// RemoteFile pairs a workspace file name with its content reference.
type RemoteFile struct {
	Name string `json:"name"`
	File File   `json:"file"`
}

// DynamicFile is an externally-tagged union: {"builtin":{...}} or
// {"remote":{...}}.
type DynamicFile struct {
	BuiltIn *BuiltInFile `json:"builtin,omitempty"`
	Remote  *RemoteFile  `json:"remote,omitempty"`
}

// TestPolicy controls whether judging stops at the first failed case.
type TestPolicy string

const (
	TestPolicyFuse TestPolicy = "fuse"
	TestPolicyAll  TestPolicy = "all"
)

// TestCase names the input and expected-output entries inside the test data.
type TestCase struct {
	Input  string `json:"input"`
	Output string `json:"output"`
}

type Test struct {
	Cases  []TestCase `json:"cases"`
	Policy TestPolicy `json:"policy"`
}

// Environment selects the language pipeline and its options.
type Environment struct {
	Language string                     `json:"language"`
	System   string                     `json:"system"`
	Arch     string                     `json:"arch"`
	Options  map[string]json.RawMessage `json:"options"`
}

// BoolOption reads a boolean from the environment options, false when absent.
func (e *Environment) BoolOption(name string) bool {
	raw, ok := e.Options[name]
	if !ok {
		return false
	}
	var v bool
	if err := json.Unmarshal(raw, &v); err != nil {
		return false
	}
	return v
}

type RuntimeLimit struct {
	Memory  uint64 `json:"memory"`  // bytes
	CPUTime uint64 `json:"cpuTime"` // milliseconds
	Output  uint64 `json:"output"`  // bytes
}

type CompilerLimit struct {
	Memory  uint64 `json:"memory"`  // bytes
	CPUTime uint64 `json:"cpuTime"` // milliseconds
	Output  uint64 `json:"output"`  // bytes
	Message uint64 `json:"message"` // bytes of diagnostic text returned
}

type Limit struct {
	Runtime  RuntimeLimit  `json:"runtime"`
	Compiler CompilerLimit `json:"compiler"`
}

// Executable is a source file plus the environment and limits to judge it in.
type Executable struct {
	Source      File        `json:"source"`
	Environment Environment `json:"environment"`
	Limit       Limit       `json:"limit"`
}

// Judge is a tagged union over the three judge variants.
// Wire form: {"type":"normal","user":{...}} etc.
type Judge struct {
	Type       string      `json:"type"` // "normal" | "special" | "interactive"
	User       Executable  `json:"user"`
	SPJ        *Executable `json:"spj,omitempty"`
	Interactor *Executable `json:"interactor,omitempty"`
}

const (
	JudgeTypeNormal      = "normal"
	JudgeTypeSpecial     = "special"
	JudgeTypeInteractive = "interactive"
)

// Validate checks the discriminator against the populated variants.
func (j *Judge) Validate() error {
	switch j.Type {
	case JudgeTypeNormal:
		if j.SPJ != nil || j.Interactor != nil {
			return fmt.Errorf("judge: normal variant carries extra executables")
		}
	case JudgeTypeSpecial:
		if j.SPJ == nil {
			return fmt.Errorf("judge: special variant requires spj")
		}
	case JudgeTypeInteractive:
		if j.Interactor == nil {
			return fmt.Errorf("judge: interactive variant requires interactor")
		}
	default:
		return fmt.Errorf("judge: unknown type %q", j.Type)
	}
	return j.User.Source.Validate()
}

// JudgeState is the lifecycle of one judge task as reported by a worker.
type JudgeState string

const (
	StateConfirmed JudgeState = "confirmed"
	StatePending   JudgeState = "pending"
	StatePreparing JudgeState = "preparing"
	StateJudging   JudgeState = "judging"
	StateFinished  JudgeState = "finished"
)

// JudgeResultKind is the per-case verdict.
type JudgeResultKind string

const (
	Accepted    JudgeResultKind = "Accepted"
	WrongAnswer JudgeResultKind = "WrongAnswer"

	RuntimeError         JudgeResultKind = "RuntimeError"
	TimeLimitExceeded    JudgeResultKind = "TimeLimitExceeded"
	MemoryLimitExceeded  JudgeResultKind = "MemoryLimitExceeded"
	OutputLimitExceeded  JudgeResultKind = "OutputLimitExceeded"
	CompileError         JudgeResultKind = "CompileError"
	CompileTimeExceeded  JudgeResultKind = "CompileTimeLimitExceeded"
	CompileMemryExceeded JudgeResultKind = "CompileMemoryLimitExceeded"
	CompileFileExceeded  JudgeResultKind = "CompileFileLimitExceeded"

	SystemError JudgeResultKind = "SystemError"
)

type JudgeCaseResult struct {
	Kind   JudgeResultKind `json:"kind"`
	Time   uint64          `json:"time"`   // milliseconds
	Memory uint64          `json:"memory"` // KiB
}

type JudgeResult struct {
	Cases []JudgeCaseResult `json:"cases"`
	Extra *JudgeResultExtra `json:"extra,omitempty"`
}

type JudgeResultExtra struct {
	User       *ExecutionInfo `json:"user,omitempty"`
	SPJ        *ExecutionInfo `json:"spj,omitempty"`
	Interactor *ExecutionInfo `json:"interactive,omitempty"`
}

type ExecutionInfo struct {
	CompileMessage string `json:"compileMessage,omitempty"`
}

// JudgeStatus is the counter snapshot carried by ReportStatus.
type JudgeStatus struct {
	Pending   uint32 `json:"pending"`
	Preparing uint32 `json:"preparing"`
	Judging   uint32 `json:"judging"`
	Finished  uint32 `json:"finished"`
}

// ConnectionSettings are the session knobs a Control request can adjust.
type ConnectionSettings struct {
	StatusReportInterval uint64 `json:"statusReportInterval"` // milliseconds
}

type PartialConnectionSettings struct {
	StatusReportInterval *uint64 `json:"statusReportInterval,omitempty"`
}
