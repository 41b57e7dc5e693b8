package search

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codeindex/internal/errors"
	"codeindex/internal/filter"
)

type fakeRunner struct {
	mu      sync.Mutex
	missing map[string]bool
	result  RunResult
	err     error
	calls   [][]string
}

func (r *fakeRunner) LookPath(name string) (string, error) {
	if r.missing[name] {
		return "", fmt.Errorf("exec: %q: executable file not found in $PATH", name)
	}
	return "/usr/bin/" + name, nil
}

func (r *fakeRunner) Run(_ context.Context, _ string, name string, args ...string) (RunResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, append([]string{name}, args...))
	return r.result, r.err
}

func toolNamed(t *testing.T, runner Runner, name string) Strategy {
	t.Helper()
	for _, st := range DefaultStrategies(runner) {
		if st.Name() == name {
			return st
		}
	}
	t.Fatalf("no strategy %s", name)
	return nil
}

func argValues(args []string, flag string) []string {
	var out []string
	for i, a := range args {
		if a == flag && i+1 < len(args) {
			out = append(out, args[i+1])
		}
		if strings.HasPrefix(a, flag+"=") {
			out = append(out, strings.TrimPrefix(a, flag+"="))
		}
	}
	return out
}

func TestDefaultStrategies_Order(t *testing.T) {
	var names []string
	for _, st := range DefaultStrategies(&fakeRunner{}) {
		names = append(names, st.Name())
	}
	assert.Equal(t, []string{ToolUgrep, ToolRipgrep, ToolAg, ToolGrep, ToolInternal}, names)
}

func TestToolArgs_CarryFilterExclusions(t *testing.T) {
	f := filter.New("/proj", filter.Options{ExcludeDirs: []string{"generated"}})
	req := Request{Filter: f, Pattern: "mongo", CaseSensitive: true}

	rg := ripgrepArgs(req, "/proj")
	globs := argValues(rg, "--glob")
	assert.Contains(t, globs, "!**/node_modules/**")
	assert.Contains(t, globs, "!**/generated/**")
	assert.Contains(t, globs, "!*.min.js")
	assert.Contains(t, rg, "--fixed-strings")
	assert.Equal(t, []string{"-e", "mongo", "/proj"}, rg[len(rg)-3:])

	for name, args := range map[string][]string{
		"ugrep": ugrepArgs(req, "/proj"),
		"grep":  grepArgs(req, "/proj"),
	} {
		assert.Contains(t, argValues(args, "--exclude-dir"), "node_modules", name)
		assert.Contains(t, argValues(args, "--exclude-dir"), "generated", name)
		assert.Contains(t, argValues(args, "--exclude"), "*.pyc", name)
		assert.Contains(t, args, "-F", name)
	}

	ag := agArgs(req, "/proj")
	assert.Contains(t, argValues(ag, "--ignore"), "node_modules")
	assert.NotContains(t, argValues(ag, "--ignore"), filter.HiddenDirPattern)
	assert.Equal(t, []string{"--", "mongo", "/proj"}, ag[len(ag)-3:])
}

func TestToolArgs_ModeFlags(t *testing.T) {
	f := filter.New("/proj", filter.Options{})
	req := Request{Filter: f, Pattern: "get.*Data", Regex: true, CaseSensitive: false, MaxDistance: 2, FileGlob: "src/**/*.py"}

	ug := ugrepArgs(req, "/proj")
	assert.Contains(t, ug, "-E")
	assert.Contains(t, ug, "-i")
	assert.Contains(t, ug, "-Z2")
	assert.Contains(t, ug, "--include=src/**/*.py")

	rg := ripgrepArgs(req, "/proj")
	assert.Contains(t, rg, "--ignore-case")
	assert.NotContains(t, rg, "--fixed-strings")
	assert.Contains(t, argValues(rg, "--glob"), "src/**/*.py")

	assert.Empty(t, argValues(rg, "--max-filesize"))
	sized := req
	sized.Filter = filter.New("/proj", filter.Options{MaxFileSize: 100})
	assert.Equal(t, []string{"100"}, argValues(ripgrepArgs(sized, "/proj"), "--max-filesize"))

	gr := grepArgs(req, "/proj")
	assert.Empty(t, argValues(gr, "--include"), "grep only understands base-name globs")
	req.FileGlob = "*.py"
	assert.Equal(t, []string{"*.py"}, argValues(grepArgs(req, "/proj"), "--include"))
}

func TestParseOutput(t *testing.T) {
	root := filepath.FromSlash("/proj")
	out := strings.Join([]string{
		filepath.FromSlash("/proj/src/a.py") + ":12:    return getUserData(x)",
		filepath.FromSlash("/proj/b.go") + ":3:ratio := 1:2:3\r",
		"./c.js:7:const a = 1;",
		"Binary file matches",
		filepath.FromSlash("/proj/d.py") + ":0:ignored",
	}, "\n")

	got := parseOutput([]byte(out), root)
	assert.Equal(t, []Match{
		{Path: "src/a.py", Line: 12, Text: "    return getUserData(x)"},
		{Path: "b.go", Line: 3, Text: "ratio := 1:2:3"},
		{Path: "c.js", Line: 7, Text: "const a = 1;"},
	}, got)
}

func TestExternalTool_ExitCodes(t *testing.T) {
	f := filter.New("/proj", filter.Options{})
	req := Request{Filter: f, Pattern: "x", Regex: true, CaseSensitive: true}

	tests := []struct {
		name   string
		result RunResult
		err    error
		want   errors.ErrorCode
		count  int
	}{
		{"matches", RunResult{Stdout: []byte("/proj/a.py:1:x\n")}, nil, "", 1},
		{"no matches", RunResult{ExitCode: 1}, nil, "", 0},
		{"bad regex", RunResult{ExitCode: 2, Stderr: []byte("grep: Unmatched ( or \\(\n")}, nil, errors.InvalidPattern, 0},
		{"partial read errors", RunResult{ExitCode: 2, Stdout: []byte("/proj/a.py:4:x\n")}, nil, "", 1},
		{"crashed", RunResult{ExitCode: 139, Stderr: []byte("segmentation fault")}, nil, errors.ToolUnavailable, 0},
		{"not startable", RunResult{}, fmt.Errorf("fork/exec: permission denied"), errors.ToolUnavailable, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{result: tt.result, err: tt.err}
			matches, err := toolNamed(t, runner, ToolGrep).Search(context.Background(), req)
			if tt.want != "" {
				assert.Equal(t, tt.want, errors.CodeOf(err), "err = %v", err)
				return
			}
			require.NoError(t, err)
			assert.Len(t, matches, tt.count)
		})
	}
}

func TestExternalTool_Probe(t *testing.T) {
	runner := &fakeRunner{
		missing: map[string]bool{"ag": true},
		result:  RunResult{Stdout: []byte("ripgrep 14.1.0\n-SIMD -AVX\n")},
	}

	version, err := toolNamed(t, runner, ToolRipgrep).Probe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "14.1.0", version)

	_, err = toolNamed(t, runner, ToolAg).Probe(context.Background())
	assert.Error(t, err)

	runner.result = RunResult{ExitCode: 2}
	_, err = toolNamed(t, runner, ToolUgrep).Probe(context.Background())
	assert.Error(t, err)
}

func TestToolCache_ProbesOnce(t *testing.T) {
	runner := &fakeRunner{missing: map[string]bool{"ugrep": true, "ag": true}, result: RunResult{Stdout: []byte("v1.2.3")}}
	cache := NewToolCache(DefaultStrategies(runner), []string{ToolGrep}, 0, nil)

	assert.Equal(t, ToolRipgrep, cache.Active(context.Background()))
	probes := len(runner.calls)
	cache.Candidates(context.Background())
	assert.Equal(t, probes, len(runner.calls))

	status := cache.Status(context.Background())
	byName := make(map[string]ToolStatus)
	for _, s := range status {
		byName[s.Name] = s
	}
	assert.False(t, byName[ToolUgrep].Available)
	assert.Equal(t, "1.2.3", byName[ToolRipgrep].Version)
	assert.True(t, byName[ToolGrep].Disabled)
	assert.True(t, byName[ToolInternal].Available)
}
