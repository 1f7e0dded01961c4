// Package testrun executes test commands and normalizes their outcome into
// evidence.TestRun facts.
package testrun

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/Mindburn-Labs/relgate/pkg/evidence"
)

// Command is an external command line.
type Command struct {
	Name string            `yaml:"name" json:"name"`
	Args []string          `yaml:"args,omitempty" json:"args,omitempty"`
	Dir  string            `yaml:"dir,omitempty" json:"dir,omitempty"`
	Env  map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
}

func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Output is what a finished command left behind.
type Output struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	Duration time.Duration
}

const maxStderr = 64 << 10

// Exec runs cmd to completion. A non-zero exit is reported in Output, not as
// an error; err is non-nil only when the command could not run at all or ctx
// ended first.
func Exec(ctx context.Context, cmd Command) (Output, error) {
	if cmd.Name == "" {
		return Output{}, errors.New("empty command")
	}
	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	c.Dir = cmd.Dir
	c.Env = os.Environ()
	keys := make([]string, 0, len(cmd.Env))
	for k := range cmd.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		c.Env = append(c.Env, k+"="+cmd.Env[k])
	}
	c.WaitDelay = time.Second

	var stdout bytes.Buffer
	stderr := &limitedBuffer{max: maxStderr}
	c.Stdout = &stdout
	c.Stderr = stderr

	start := time.Now()
	err := c.Run()
	out := Output{Stdout: stdout.Bytes(), Stderr: stderr.buf.Bytes(), Duration: time.Since(start)}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return out, fmt.Errorf("%s: %w", cmd, ctxErr)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		out.ExitCode = exitErr.ExitCode()
		return out, nil
	}
	if err != nil {
		return out, fmt.Errorf("run %s: %w", cmd, err)
	}
	return out, nil
}

// Run executes a command that emits `go test -json` output and parses it.
func Run(ctx context.Context, cmd Command) (evidence.TestRun, error) {
	out, err := Exec(ctx, cmd)
	if err != nil {
		return evidence.TestRun{}, err
	}
	run, err := ParseGoTestJSON(bytes.NewReader(out.Stdout))
	if err != nil {
		return evidence.TestRun{}, fmt.Errorf("%s: %w", cmd, err)
	}
	if out.ExitCode != 0 && run.Failed == 0 {
		return evidence.TestRun{}, fmt.Errorf("%s exited %d without test failures: %s", cmd, out.ExitCode, tail(out.Stderr))
	}
	return run, nil
}

// event is one test2json record.
type event struct {
	Action  string `json:"Action"`
	Package string `json:"Package"`
	Test    string `json:"Test"`
}

// ParseGoTestJSON reads a test2json stream. Only terminal actions are
// counted, so interleaving and timing do not affect the result. The output
// hash covers the sorted terminal outcomes and excludes elapsed times.
func ParseGoTestJSON(r io.Reader) (evidence.TestRun, error) {
	final := make(map[string]string)
	pkgFailed := make(map[string]bool)
	pkgHasFailingTest := make(map[string]bool)
	seen := 0

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), 4<<20)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		var ev event
		if err := json.Unmarshal(line, &ev); err != nil {
			return evidence.TestRun{}, fmt.Errorf("malformed test event: %w", err)
		}
		seen++
		switch ev.Action {
		case "pass", "fail", "skip":
		default:
			continue
		}
		if ev.Test == "" {
			if ev.Action == "fail" {
				pkgFailed[ev.Package] = true
			}
			continue
		}
		final[ev.Package+"."+ev.Test] = ev.Action
		if ev.Action == "fail" {
			pkgHasFailingTest[ev.Package] = true
		}
	}
	if err := sc.Err(); err != nil {
		return evidence.TestRun{}, fmt.Errorf("read test events: %w", err)
	}
	if seen == 0 {
		return evidence.TestRun{}, errors.New("no test events")
	}
	for pkg := range pkgFailed {
		if !pkgHasFailingTest[pkg] {
			return evidence.TestRun{}, fmt.Errorf("package %s failed outside any test", pkg)
		}
	}

	ids := make([]string, 0, len(final))
	for id := range final {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	run := evidence.TestRun{Failing: []string{}}
	h := sha256.New()
	for _, id := range ids {
		action := final[id]
		fmt.Fprintf(h, "%s %s\n", action, id)
		switch action {
		case "pass":
			run.Passed++
		case "fail":
			run.Failed++
			run.Failing = append(run.Failing, id)
		case "skip":
			run.Skipped++
		}
	}
	run.Total = run.Passed + run.Failed + run.Skipped
	run.OutputHash = "sha256:" + hex.EncodeToString(h.Sum(nil))
	return run, nil
}

// ReadReport loads a JSON summary report
// ({"passed":..,"failed":..,"total":..,"failing":[..]}).
func ReadReport(path string) (evidence.TestRun, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return evidence.TestRun{}, fmt.Errorf("read test report: %w", err)
	}
	var run evidence.TestRun
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&run); err != nil {
		return evidence.TestRun{}, fmt.Errorf("decode test report %s: %w", path, err)
	}
	if run.Failing == nil {
		run.Failing = []string{}
	}
	sort.Strings(run.Failing)
	return run, nil
}

type limitedBuffer struct {
	buf bytes.Buffer
	max int
}

func (l *limitedBuffer) Write(p []byte) (int, error) {
	if room := l.max - l.buf.Len(); room > 0 {
		if len(p) > room {
			l.buf.Write(p[:room])
		} else {
			l.buf.Write(p)
		}
	}
	return len(p), nil
}

func tail(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 512 {
		s = "..." + s[len(s)-512:]
	}
	return s
}
