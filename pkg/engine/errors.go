package engine

import "github.com/reqd-dev/reqd/pkg/errdefs"

var errValidationBoth = errdefs.New(errdefs.CodeValidation, "requestName and requestIndex are mutually exclusive")

func errRequestNotFound(name string) error {
	return errdefs.Newf(errdefs.CodeRequestNotFound, "request named %q not found in document", name)
}

func errIndexOutOfRange(i, n int) error {
	return errdefs.Newf(errdefs.CodeRequestIndexRange, "request index %d out of range, document has %d requests", i, n)
}
