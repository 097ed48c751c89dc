// Package scripts spawns workspace scripts and tests as child
// processes, streams their output as flow events, and scopes each run
// with a short-lived token the child uses to call back into the
// control plane.
package scripts

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// Kind separates script runs from test runs; they differ only in the
// event types they emit and the interpreter table they draw from.
type Kind string

const (
	KindScript Kind = "script"
	KindTest   Kind = "test"
)

// Runner is one interpreter a script or test can run under.
type Runner struct {
	Name       string   `json:"name"`
	Command    []string `json:"command"`
	Extensions []string `json:"extensions,omitempty"`
	Available  bool     `json:"available"`
}

var defaultRunners = []Runner{
	{Name: "bash", Command: []string{"bash"}, Extensions: []string{".sh", ".bash"}},
	{Name: "node", Command: []string{"node"}, Extensions: []string{".js", ".mjs"}},
	{Name: "python", Command: []string{"python3"}, Extensions: []string{".py"}},
}

var defaultFrameworks = []Runner{
	{Name: "pytest", Command: []string{"python3", "-m", "pytest"}, Extensions: []string{".py"}},
	{Name: "jest", Command: []string{"npx", "jest"}, Extensions: []string{".js", ".mjs", ".ts"}},
	{Name: "bash", Command: []string{"bash"}, Extensions: []string{".sh", ".bash"}},
}

func available(name string) bool {
	p, err := exec.LookPath(name)
	return err == nil && p != ""
}

func withAvailability(table []Runner) []Runner {
	out := make([]Runner, len(table))
	for i, r := range table {
		r.Available = available(r.Command[0])
		out[i] = r
	}
	return out
}

func pickRunner(table []Runner, name, path string) (Runner, bool) {
	if name != "" {
		for _, r := range table {
			if r.Name == name {
				return r, true
			}
		}
		return Runner{}, false
	}
	ext := strings.ToLower(filepath.Ext(path))
	for _, r := range table {
		for _, e := range r.Extensions {
			if e == ext {
				return r, true
			}
		}
	}
	return Runner{}, false
}

// childEnv is the environment handed to a spawned run: a minimal host
// slice plus the scoped token and the control-plane address.
func childEnv(token, addr string, extra map[string]string) []string {
	envs := []string{
		"REQD_TOKEN=" + token,
		"REQD_ADDR=" + addr,
	}
	for _, key := range []string{"PATH", "HOME", "LANG", "TMPDIR"} {
		if v := os.Getenv(key); v != "" {
			envs = append(envs, key+"="+v)
		}
	}
	for k, v := range extra {
		envs = append(envs, k+"="+v)
	}
	return envs
}

// StartRequest describes a script or test to spawn.
type StartRequest struct {
	// Path is the workspace-relative script or test file.
	Path string `json:"path"`
	// Args are appended after the path on the interpreter command line.
	Args []string `json:"args,omitempty"`
	// Runner selects the interpreter by name; inferred from the file
	// extension when empty.
	Runner string `json:"runner,omitempty"`

	FlowID    string `json:"flowId,omitempty"`
	SessionID string `json:"sessionId,omitempty"`

	// Env is overlaid on the child environment.
	Env map[string]string `json:"env,omitempty"`
}

// Info is the read model of a running (or just-started) run.
type Info struct {
	RunID     string    `json:"runId"`
	Kind      Kind      `json:"kind"`
	Path      string    `json:"path"`
	Runner    string    `json:"runner"`
	PID       int32     `json:"pid"`
	FlowID    string    `json:"flowId,omitempty"`
	SessionID string    `json:"sessionId,omitempty"`
	StartedAt time.Time `json:"startedAt"`
}
