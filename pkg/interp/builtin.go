package interp

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/reqd-dev/reqd/pkg/errdefs"
)

func builtins() map[string]Resolver {
	return map[string]Resolver{
		"env":          resolveEnv,
		"uuid":         resolveUUID,
		"timestamp":    resolveTimestamp,
		"isoTimestamp": resolveISOTimestamp,
		"randomInt":    resolveRandomInt,
		"js":           resolveJS,
	}
}

func resolveEnv(_ context.Context, arg string) (string, error) {
	name := strings.Trim(arg, `"' `)
	if name == "" {
		return "", errdefs.New(errdefs.CodeValidation, "env() requires a variable name")
	}
	return os.Getenv(name), nil
}

func resolveUUID(context.Context, string) (string, error) {
	return uuid.NewString(), nil
}

func resolveTimestamp(context.Context, string) (string, error) {
	return strconv.FormatInt(time.Now().UnixMilli(), 10), nil
}

func resolveISOTimestamp(context.Context, string) (string, error) {
	return time.Now().UTC().Format(time.RFC3339), nil
}

// resolveRandomInt accepts "max" or "min,max" and returns a uniform
// integer in [min, max).
func resolveRandomInt(_ context.Context, arg string) (string, error) {
	min, max := int64(0), int64(1000)
	switch parts := strings.Split(arg, ","); {
	case arg == "":
	case len(parts) == 1:
		n, err := strconv.ParseInt(strings.TrimSpace(parts[0]), 10, 64)
		if err != nil {
			return "", errdefs.Wrap(errdefs.CodeValidation, "randomInt() bound", err)
		}
		max = n
	case len(parts) == 2:
		lo, err := strconv.ParseInt(strings.TrimSpace(parts[0]), 10, 64)
		if err != nil {
			return "", errdefs.Wrap(errdefs.CodeValidation, "randomInt() lower bound", err)
		}
		hi, err := strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64)
		if err != nil {
			return "", errdefs.Wrap(errdefs.CodeValidation, "randomInt() upper bound", err)
		}
		min, max = lo, hi
	default:
		return "", errdefs.Newf(errdefs.CodeValidation, "randomInt() takes at most two bounds, got %q", arg)
	}
	if max <= min {
		return "", errdefs.Newf(errdefs.CodeValidation, "randomInt() empty range [%d, %d)", min, max)
	}
	n, err := rand.Int(rand.Reader, big.NewInt(max-min))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d", min+n.Int64()), nil
}
