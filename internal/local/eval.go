package local

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
)

// ErrEmptyScript is returned for blank scripts.
var ErrEmptyScript = errors.New("script must not be empty")

// scopePackage is the import path under which a script sees its cluster.
const scopePackage = "shardbridge/cluster"

// Scope is what a script can see of the cluster evaluating it.
type Scope struct {
	ClusterID int
	Shards    []int
	Context   any
}

// Evaluator runs Go snippets with the yaegi interpreter. Every evaluation
// gets a fresh interpreter with the standard library and an importable
// "cluster" package exposing ID(), Shards() and Context():
//
//	import "shardbridge/cluster"
//	len(cluster.Shards()) * 10
//
// The value of the last expression is the result.
type Evaluator struct {
	timeout time.Duration
}

// NewEvaluator returns an evaluator aborting scripts after timeout; zero
// means only the caller's context bounds them.
func NewEvaluator(timeout time.Duration) *Evaluator {
	return &Evaluator{timeout: timeout}
}

// Eval evaluates script in scope.
func (e *Evaluator) Eval(ctx context.Context, scope Scope, script string) (any, error) {
	if strings.TrimSpace(script) == "" {
		return nil, ErrEmptyScript
	}
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("eval: load stdlib: %w", err)
	}
	if err := i.Use(scopeExports(scope)); err != nil {
		return nil, fmt.Errorf("eval: load scope: %w", err)
	}

	imports, body := splitImports(script)
	if strings.TrimSpace(body) == "" {
		return nil, ErrEmptyScript
	}
	for _, imp := range imports {
		if _, err := i.EvalWithContext(ctx, imp); err != nil {
			return nil, fmt.Errorf("eval: %w", err)
		}
	}
	v, err := i.EvalWithContext(ctx, body)
	if err != nil {
		return nil, fmt.Errorf("eval: %w", err)
	}
	return resultOf(v)
}

// splitImports separates the leading import declarations of script from
// the statements that follow. Each import, single-line or parenthesized,
// must be evaluated on its own before the body.
func splitImports(script string) (imports []string, body string) {
	lines := strings.Split(script, "\n")
	var block []string
	for n, line := range lines {
		trimmed := strings.TrimSpace(line)
		switch {
		case block != nil:
			block = append(block, line)
			if trimmed == ")" {
				imports = append(imports, strings.Join(block, "\n"))
				block = nil
			}
		case trimmed == "":
		case strings.HasPrefix(trimmed, "import ("):
			block = []string{line}
		case strings.HasPrefix(trimmed, "import "):
			imports = append(imports, trimmed)
		default:
			return imports, strings.Join(lines[n:], "\n")
		}
	}
	return imports, ""
}

func scopeExports(scope Scope) interp.Exports {
	shards := append([]int(nil), scope.Shards...)
	return interp.Exports{
		scopePackage + "/cluster": {
			"ID":      reflect.ValueOf(func() int { return scope.ClusterID }),
			"Shards":  reflect.ValueOf(func() []int { return append([]int(nil), shards...) }),
			"Context": reflect.ValueOf(func() any { return scope.Context }),
		},
	}
}

func resultOf(v reflect.Value) (any, error) {
	if !v.IsValid() {
		return nil, nil
	}
	switch v.Kind() {
	case reflect.Func, reflect.Chan, reflect.UnsafePointer:
		return nil, fmt.Errorf("eval: result of kind %s cannot be returned", v.Kind())
	}
	if !v.CanInterface() {
		return nil, errors.New("eval: result is not exported")
	}
	return v.Interface(), nil
}
