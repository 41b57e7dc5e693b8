package search

import (
	"bufio"
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"codeindex/internal/errors"
	"codeindex/internal/filter"
)

// Tool names in rank order.
const (
	ToolUgrep    = "ugrep"
	ToolRipgrep  = "rg"
	ToolAg       = "ag"
	ToolGrep     = "grep"
	ToolInternal = "internal"
)

// waitDelay bounds how long a killed child may hold its output pipes open.
const waitDelay = 2 * time.Second

// RunResult is the outcome of a finished subprocess.
type RunResult struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Runner starts search executables.
type Runner interface {
	LookPath(name string) (string, error)
	// Run returns a non-nil error only when the process could not be
	// started or was killed by ctx; non-zero exits are in RunResult.
	Run(ctx context.Context, dir, name string, args ...string) (RunResult, error)
}

// ExecRunner runs real processes.
type ExecRunner struct{}

// LookPath implements Runner.
func (ExecRunner) LookPath(name string) (string, error) {
	return exec.LookPath(name)
}

// Run implements Runner.
func (ExecRunner) Run(ctx context.Context, dir, name string, args ...string) (RunResult, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = waitDelay

	err := cmd.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return RunResult{}, ctxErr
	}
	var exitErr *exec.ExitError
	if stderrors.As(err, &exitErr) {
		return RunResult{Stdout: stdout.Bytes(), Stderr: stderr.Bytes(), ExitCode: exitErr.ExitCode()}, nil
	}
	if err != nil {
		return RunResult{}, err
	}
	return RunResult{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}, nil
}

// externalTool drives one search executable.
type externalTool struct {
	name        string
	binary      string
	versionArgs []string
	nativeFuzzy bool
	args        func(req Request, root string) []string
	runner      Runner
}

// DefaultStrategies returns every supported strategy, richest first, ending
// with the internal scanner. A nil runner uses ExecRunner.
func DefaultStrategies(runner Runner) []Strategy {
	if runner == nil {
		runner = ExecRunner{}
	}
	return []Strategy{
		&externalTool{name: ToolUgrep, binary: "ugrep", versionArgs: []string{"--version"}, nativeFuzzy: true, args: ugrepArgs, runner: runner},
		&externalTool{name: ToolRipgrep, binary: "rg", versionArgs: []string{"--version"}, args: ripgrepArgs, runner: runner},
		&externalTool{name: ToolAg, binary: "ag", versionArgs: []string{"--version"}, args: agArgs, runner: runner},
		&externalTool{name: ToolGrep, binary: "grep", versionArgs: []string{"--version"}, args: grepArgs, runner: runner},
		NewScanner(),
	}
}

func (t *externalTool) Name() string      { return t.name }
func (t *externalTool) NativeFuzzy() bool { return t.nativeFuzzy }

// Probe looks the binary up and asks it for its version.
func (t *externalTool) Probe(ctx context.Context) (string, error) {
	bin, err := t.runner.LookPath(t.binary)
	if err != nil {
		return "", fmt.Errorf("%s not found in PATH", t.binary)
	}
	res, err := t.runner.Run(ctx, "", bin, t.versionArgs...)
	if err != nil {
		return "", fmt.Errorf("%s version probe failed: %w", t.binary, err)
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("%s version probe exited with code %d", t.binary, res.ExitCode)
	}
	return parseVersion(string(res.Stdout)), nil
}

// Search runs the tool from the project root. Exit code 1 means no matches
// for every supported tool.
func (t *externalTool) Search(ctx context.Context, req Request) ([]Match, error) {
	root := req.Filter.Root()
	res, err := t.runner.Run(ctx, root, t.binary, t.args(req, root)...)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, errors.New(errors.ToolUnavailable, t.name+" could not be started", err)
	}

	switch {
	case res.ExitCode == 0 || res.ExitCode == 1:
		return parseOutput(res.Stdout, root), nil
	case patternErrorRe.Match(res.Stderr):
		return nil, errors.New(errors.InvalidPattern,
			fmt.Sprintf("%s rejected the pattern", t.name),
			stderrors.New(firstLine(res.Stderr)))
	case len(res.Stdout) > 0:
		// grep exits 2 when some files were unreadable but still reports matches.
		return parseOutput(res.Stdout, root), nil
	default:
		return nil, errors.New(errors.ToolUnavailable,
			fmt.Sprintf("%s exited with code %d", t.name, res.ExitCode),
			stderrors.New(firstLine(res.Stderr)))
	}
}

var (
	// outputLineRe splits "path:line:text" with the path as short as possible.
	outputLineRe   = regexp.MustCompile(`^(.+?):(\d+):(.*)$`)
	patternErrorRe = regexp.MustCompile(`(?i)regex|regular expression|pattern|unmatched|unbalanced|repetition|parenthes|bracket|brace|invalid (?:range|character class|escape)`)
	versionRe      = regexp.MustCompile(`v?(\d+\.\d+(?:\.\d+)?)`)
)

// parseOutput converts tool output lines into matches with root-relative
// slash paths.
func parseOutput(out []byte, root string) []Match {
	var matches []Match
	prefix := strings.TrimSuffix(root, string(filepath.Separator)) + string(filepath.Separator)
	sc := bufio.NewScanner(bytes.NewReader(out))
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		m := outputLineRe.FindStringSubmatch(strings.TrimSuffix(sc.Text(), "\r"))
		if m == nil {
			continue
		}
		line, err := strconv.Atoi(m[2])
		if err != nil || line < 1 {
			continue
		}
		p := strings.TrimPrefix(m[1], prefix)
		p = strings.TrimPrefix(filepath.ToSlash(p), "./")
		matches = append(matches, Match{Path: p, Line: line, Text: m[3]})
	}
	return matches
}

func parseVersion(output string) string {
	if m := versionRe.FindStringSubmatch(output); len(m) >= 2 {
		return m[1]
	}
	return firstLine([]byte(output))
}

func firstLine(b []byte) string {
	s := strings.TrimSpace(string(b))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return s
}

func ugrepArgs(req Request, root string) []string {
	args := []string{"-r", "-n", "-H", "-I", "-s", "--color=never"}
	if !req.CaseSensitive {
		args = append(args, "-i")
	}
	if req.Regex {
		args = append(args, "-E")
	} else {
		args = append(args, "-F")
	}
	if req.MaxDistance > 0 {
		args = append(args, "-Z"+strconv.Itoa(req.MaxDistance))
	}
	for _, d := range req.Filter.ExcludeDirs() {
		args = append(args, "--exclude-dir="+d)
	}
	for _, f := range req.Filter.ExcludeFilePatterns() {
		args = append(args, "--exclude="+f)
	}
	if req.FileGlob != "" {
		args = append(args, "--include="+req.FileGlob)
	}
	return append(args, "-e", req.Pattern, root)
}

func ripgrepArgs(req Request, root string) []string {
	args := []string{
		"--line-number", "--with-filename", "--no-heading", "--color=never",
		"--no-messages", "--no-config", "--no-ignore", "--hidden",
	}
	if req.CaseSensitive {
		args = append(args, "--case-sensitive")
	} else {
		args = append(args, "--ignore-case")
	}
	if !req.Regex {
		args = append(args, "--fixed-strings")
	}
	for _, d := range req.Filter.ExcludeDirs() {
		args = append(args, "--glob", "!**/"+d+"/**")
	}
	for _, f := range req.Filter.ExcludeFilePatterns() {
		args = append(args, "--glob", "!"+f)
	}
	if req.FileGlob != "" {
		args = append(args, "--glob", req.FileGlob)
	}
	if n := req.Filter.MaxFileSize(); n > 0 {
		args = append(args, "--max-filesize", strconv.FormatInt(n, 10))
	}
	return append(args, "-e", req.Pattern, root)
}

// agArgs leaves hidden files out; ag has no way to skip only hidden
// directories.
func agArgs(req Request, root string) []string {
	args := []string{"--nocolor", "--nogroup", "--numbers", "--filename", "--silent", "--skip-vcs-ignores"}
	if req.CaseSensitive {
		args = append(args, "--case-sensitive")
	} else {
		args = append(args, "--ignore-case")
	}
	if !req.Regex {
		args = append(args, "--literal")
	}
	for _, d := range req.Filter.ExcludeDirs() {
		if d == filter.HiddenDirPattern {
			continue
		}
		args = append(args, "--ignore", d)
	}
	for _, f := range req.Filter.ExcludeFilePatterns() {
		args = append(args, "--ignore", f)
	}
	return append(args, "--", req.Pattern, root)
}

func grepArgs(req Request, root string) []string {
	args := []string{"-r", "-n", "-H", "-I", "-s", "--color=never"}
	if !req.CaseSensitive {
		args = append(args, "-i")
	}
	if req.Regex {
		args = append(args, "-E")
	} else {
		args = append(args, "-F")
	}
	for _, d := range req.Filter.ExcludeDirs() {
		args = append(args, "--exclude-dir="+d)
	}
	for _, f := range req.Filter.ExcludeFilePatterns() {
		args = append(args, "--exclude="+f)
	}
	// grep's --include only sees base names.
	if req.FileGlob != "" && !strings.Contains(req.FileGlob, "/") {
		args = append(args, "--include="+req.FileGlob)
	}
	return append(args, "-e", req.Pattern, root)
}
