package indexer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	symbolsToolExe = "JetBrains.CommandLine.Symbols.exe"
	pdbstrExe      = "pdbstr.exe"
	srctoolExe     = "srctool.exe"

	srcsrvStreamName = "srcsrv"

	defaultToolTimeout = 5 * time.Minute
)

// PdbType is the container flavour reported by the symbols tool.
type PdbType string

const (
	PdbTypeWindows          PdbType = "windows"
	PdbTypePortable         PdbType = "portable"
	PdbTypeEmbeddedPortable PdbType = "embeddedPortable"
	PdbTypeDeterministic    PdbType = "deterministic"
	PdbTypeUndefined        PdbType = "undefined"
)

// ParsePdbType maps the tool output to a PdbType.
func ParsePdbType(out string) PdbType {
	out = strings.TrimSpace(out)
	for _, t := range []PdbType{PdbTypeWindows, PdbTypePortable, PdbTypeEmbeddedPortable, PdbTypeDeterministic} {
		if strings.EqualFold(out, string(t)) {
			return t
		}
	}
	return PdbTypeUndefined
}

// Format returns the source link stream flavour for the type.
func (t PdbType) Format() SymbolFormat {
	if t == PdbTypePortable {
		return FormatPortable
	}
	return FormatLegacy
}

// ToolResult is the outcome of one external tool run.
type ToolResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Lines returns the non-empty stdout lines.
func (r ToolResult) Lines() []string {
	var lines []string
	for _, line := range strings.Split(r.Stdout, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		lines = append(lines, line)
	}
	return lines
}

// Runner runs an external program. A non-zero exit code is reported in the
// result, not as an error.
type Runner interface {
	Run(ctx context.Context, dir, exe string, args ...string) (ToolResult, error)
}

// ExecRunner runs programs as bounded subprocesses.
type ExecRunner struct {
	Timeout time.Duration
	Log     zerolog.Logger
}

func (r ExecRunner) Run(ctx context.Context, dir, exe string, args ...string) (ToolResult, error) {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = defaultToolTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, exe, args...)
	cmd.Dir = dir
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.Log.Debug().Str("exe", exe).Strs("args", args).Msg("running tool")
	err := cmd.Run()
	res := ToolResult{ExitCode: -1, Stdout: stdout.String(), Stderr: stderr.String()}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}

	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return res, fmt.Errorf("run %s: %w", filepath.Base(exe), err)
	}
	if ctx.Err() != nil {
		return res, fmt.Errorf("run %s: %w", filepath.Base(exe), ctx.Err())
	}
	return res, nil
}

// SymbolsTool drives JetBrains.CommandLine.Symbols.exe.
type SymbolsTool struct {
	path string
	run  Runner
	log  zerolog.Logger
}

// NewSymbolsTool locates the symbols tool in homeDir.
func NewSymbolsTool(homeDir string, run Runner, log zerolog.Logger) *SymbolsTool {
	return &SymbolsTool{path: filepath.Join(homeDir, symbolsToolExe), run: run, log: log}
}

// DumpPdbSignatures writes a signature index document for files to output
// and returns the tool exit code.
func (t *SymbolsTool) DumpPdbSignatures(ctx context.Context, files []string, output string) (int, error) {
	input, err := os.CreateTemp(filepath.Dir(output), "dumpSymbolSign-*.input")
	if err != nil {
		return -1, err
	}
	defer os.Remove(input.Name())

	for _, f := range files {
		if _, err := fmt.Fprintln(input, f); err != nil {
			input.Close()
			return -1, err
		}
	}
	if err := input.Close(); err != nil {
		return -1, err
	}

	res, err := t.run.Run(ctx, "", t.path, "dumpSymbolSign", "/o="+output, "/i="+input.Name())
	if err != nil {
		return -1, err
	}
	t.logResult("dumpSymbolSign", res)
	return res.ExitCode, nil
}

// PdbType reports the container flavour of pdb.
func (t *SymbolsTool) PdbType(ctx context.Context, pdb string) (PdbType, error) {
	res, err := t.run.Run(ctx, "", t.path, "getPdbType", pdb)
	if err != nil {
		return PdbTypeUndefined, err
	}
	t.logResult("getPdbType", res)
	if res.ExitCode != 0 {
		return PdbTypeUndefined, fmt.Errorf("getPdbType exited with code %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	lines := res.Lines()
	if len(lines) == 0 {
		return PdbTypeUndefined, nil
	}
	return ParsePdbType(lines[0]), nil
}

// ListSources returns the source files referenced by a portable pdb.
func (t *SymbolsTool) ListSources(ctx context.Context, pdb string) ([]string, error) {
	res, err := t.run.Run(ctx, "", t.path, "listSources", pdb)
	if err != nil {
		return nil, err
	}
	t.logResult("listSources", res)
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("listSources exited with code %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return res.Lines(), nil
}

// UpdateSourceURLs embeds the source link document stream into a portable pdb.
func (t *SymbolsTool) UpdateSourceURLs(ctx context.Context, pdb, stream string) (ToolResult, error) {
	res, err := t.run.Run(ctx, "", t.path, "updateSourceUrls", pdb, "/i="+stream)
	if err == nil {
		t.logResult("updateSourceUrls", res)
	}
	return res, err
}

func (t *SymbolsTool) logResult(command string, res ToolResult) {
	if res.ExitCode == 0 {
		if out := strings.TrimSpace(res.Stdout); out != "" {
			t.log.Debug().Str("command", command).Str("stdout", out).Msg("symbols tool output")
		}
		return
	}
	t.log.Warn().
		Str("command", command).
		Int("exit_code", res.ExitCode).
		Str("stdout", res.Stdout).
		Str("stderr", res.Stderr).
		Msg("symbols tool completed with a non-zero exit code")
}

// PdbStr reads and writes named streams of Windows pdb files.
type PdbStr struct {
	path string
	run  Runner
}

// NewPdbStr locates pdbstr.exe in the source server tools directory.
func NewPdbStr(srcsrvDir string, run Runner) *PdbStr {
	return &PdbStr{path: filepath.Join(srcsrvDir, pdbstrExe), run: run}
}

// WriteStream replaces the srcsrv stream of pdb with the content of input.
func (p *PdbStr) WriteStream(ctx context.Context, pdb, input string) (ToolResult, error) {
	return p.command(ctx, "-w", pdb, input)
}

// ReadStream dumps the srcsrv stream of pdb into output.
func (p *PdbStr) ReadStream(ctx context.Context, pdb, output string) (ToolResult, error) {
	return p.command(ctx, "-r", pdb, output)
}

func (p *PdbStr) command(ctx context.Context, op, pdb, file string) (ToolResult, error) {
	pdbAbs, err := filepath.Abs(pdb)
	if err != nil {
		return ToolResult{ExitCode: -1}, err
	}
	fileAbs, err := filepath.Abs(file)
	if err != nil {
		return ToolResult{ExitCode: -1}, err
	}
	return p.run.Run(ctx, filepath.Dir(p.path), p.path,
		op, "-p:"+pdbAbs, "-i:"+fileAbs, "-s:"+srcsrvStreamName)
}

// SrcTool lists the sources referenced by Windows pdb files.
type SrcTool struct {
	path string
	run  Runner
}

// NewSrcTool locates srctool.exe in the source server tools directory.
func NewSrcTool(srcsrvDir string, run Runner) *SrcTool {
	return &SrcTool{path: filepath.Join(srcsrvDir, srctoolExe), run: run}
}

// ListSources returns the referenced source files. srctool exits with the
// number of files found, so only a negative code is a failure. The last
// output line is a summary, not a path.
func (s *SrcTool) ListSources(ctx context.Context, pdb string) ([]string, error) {
	pdbAbs, err := filepath.Abs(pdb)
	if err != nil {
		return nil, err
	}
	res, err := s.run.Run(ctx, filepath.Dir(s.path), s.path, "-r", pdbAbs)
	if err != nil {
		return nil, err
	}
	if res.ExitCode < 0 {
		return nil, fmt.Errorf("srctool failed on %s: %s", pdb, strings.TrimSpace(res.Stderr))
	}
	lines := res.Lines()
	if len(lines) <= 1 {
		return nil, nil
	}
	return lines[:len(lines)-1], nil
}
