package process

import (
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

type Op struct {
	commandArgs []string
	dir         string
	envs        []string
	stdin       string
}

type OpOption func(*Op)

func (op *Op) applyOpts(opts []OpOption) error {
	for _, opt := range opts {
		opt(op)
	}

	if len(op.commandArgs) == 0 {
		return errors.New("no command provided")
	}
	if !commandExists(op.commandArgs[0]) {
		return fmt.Errorf("command not found: %q", op.commandArgs[0])
	}

	foundEnvs := make(map[string]struct{})
	for _, env := range op.envs {
		parts := strings.SplitN(env, "=", 2)
		if len(parts) != 2 {
			return fmt.Errorf("invalid environment variable format: %s", env)
		}
		if _, ok := foundEnvs[parts[0]]; ok {
			return fmt.Errorf("duplicate environment variable: %s", parts[0])
		}
		foundEnvs[parts[0]] = struct{}{}
	}

	return nil
}

// WithCommand sets the command and its arguments.
func WithCommand(args ...string) OpOption {
	return func(op *Op) {
		op.commandArgs = args
	}
}

// WithDir sets the working directory of the child.
func WithDir(dir string) OpOption {
	return func(op *Op) {
		op.dir = dir
	}
}

// WithEnvs appends environment variables in `KEY=VALUE` form. The
// child inherits nothing else.
func WithEnvs(envs ...string) OpOption {
	return func(op *Op) {
		op.envs = append(op.envs, envs...)
	}
}

// WithStdin feeds the given string to the child's stdin. Useful for
// piping an inline script to an interpreter without touching disk.
func WithStdin(input string) OpOption {
	return func(op *Op) {
		op.stdin = input
	}
}

func commandExists(name string) bool {
	p, err := exec.LookPath(name)
	if err != nil {
		return false
	}
	return p != ""
}
