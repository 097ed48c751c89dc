package interp

import (
	"context"
	"time"

	"github.com/robertkrimen/otto"

	"github.com/reqd-dev/reqd/pkg/errdefs"
)

// jsEvalTimeout bounds a single js() expression.
const jsEvalTimeout = 5 * time.Second

var errJSInterrupted = errdefs.New(errdefs.CodeTimeout, "js() evaluation interrupted")

// resolveJS evaluates a JavaScript expression in a throwaway VM. No
// host objects are exposed; the expression sees only the ECMAScript
// builtins.
func resolveJS(ctx context.Context, arg string) (out string, err error) {
	if arg == "" {
		return "", errdefs.New(errdefs.CodeValidation, "js() requires an expression")
	}

	vm := otto.New()
	vm.Interrupt = make(chan func(), 1)

	evalCtx, cancel := context.WithTimeout(ctx, jsEvalTimeout)
	defer cancel()
	watchdogDone := make(chan struct{})
	defer close(watchdogDone)
	go func() {
		select {
		case <-evalCtx.Done():
			vm.Interrupt <- func() { panic(errJSInterrupted) }
		case <-watchdogDone:
		}
	}()

	defer func() {
		if r := recover(); r != nil {
			if r == errJSInterrupted {
				err = errJSInterrupted
				return
			}
			panic(r)
		}
	}()

	value, err := vm.Run(arg)
	if err != nil {
		return "", errdefs.Wrap(errdefs.CodeValidation, "js() evaluation failed", err)
	}
	return value.ToString()
}
