// Package expr provides the sandboxed expression language used by
// conditional and for-each nodes. Expressions are Common Expression
// Language (CEL) — no I/O, no unbounded loops, no access outside the
// variables explicitly passed in for a single evaluation.
package expr

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	defaultMaxExpressionLength = 4096
	defaultTimeout             = 2 * time.Second
)

// reservedVarNames are always declared in every compiled environment and
// never treated as dynamic top-level variables for cache-key purposes.
var reservedVarNames = map[string]bool{"inputs": true, "context": true}

// Evaluator compiles and caches CEL programs, and evaluates them against a
// per-call variable set. It is safe for concurrent use.
type Evaluator struct {
	mu      sync.Mutex
	cache   map[string]cel.Program
	maxLen  int
	timeout time.Duration
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithMaxExpressionLength overrides the default 4096-character cap on
// expression source length.
func WithMaxExpressionLength(n int) Option {
	return func(e *Evaluator) { e.maxLen = n }
}

// WithTimeout overrides the default 2-second bound on a single evaluation.
func WithTimeout(d time.Duration) Option {
	return func(e *Evaluator) { e.timeout = d }
}

// NewEvaluator creates an Evaluator with an empty program cache.
func NewEvaluator(opts ...Option) *Evaluator {
	e := &Evaluator{
		cache:   make(map[string]cel.Program),
		maxLen:  defaultMaxExpressionLength,
		timeout: defaultTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate compiles (or reuses a cached compile of) source and runs it
// against vars, returning a JSON-compatible Go value. vars always carries
// "inputs" and "context"; callers (for-each bodies) may add further
// top-level names such as an item or index variable, which extends the
// compiled environment and therefore the cache key.
func (e *Evaluator) Evaluate(ctx context.Context, source string, vars map[string]any) (any, error) {
	if len(source) > e.maxLen {
		return nil, fmt.Errorf("%w: %d chars > %d", ErrExpressionTooLong, len(source), e.maxLen)
	}

	extra := dynamicVarNames(vars)
	prg, err := e.program(source, extra)
	if err != nil {
		return nil, err
	}

	evalCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	out, _, err := prg.ContextEval(evalCtx, vars)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrEvaluate, source, err)
	}

	native, err := out.ConvertToNative(reflect.TypeOf(&structpb.Value{}))
	if err != nil {
		return nil, fmt.Errorf("%w: converting result of %q: %v", ErrEvaluate, source, err)
	}
	return native.(*structpb.Value).AsInterface(), nil
}

// EvaluateBool evaluates source and applies this engine's truthiness rule:
// false, 0, "", and null are false; anything else (including non-empty
// strings, non-zero numbers, and lists or maps, empty or not) is true.
func (e *Evaluator) EvaluateBool(ctx context.Context, source string, vars map[string]any) (bool, error) {
	v, err := e.Evaluate(ctx, source, vars)
	if err != nil {
		return false, err
	}
	return truthy(v), nil
}

// truthy applies the conditional-node truthiness rule to an arbitrary
// evaluation result.
func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	case float32:
		return t != 0
	case int:
		return t != 0
	case int64:
		return t != 0
	default:
		return true
	}
}

// EvaluateString evaluates source and stringifies the result
// deterministically: strings pass through, scalars use their natural
// textual form, and other shapes fall back to a stable %v rendering.
func (e *Evaluator) EvaluateString(ctx context.Context, source string, vars map[string]any) (string, error) {
	v, err := e.Evaluate(ctx, source, vars)
	if err != nil {
		return "", err
	}
	return stringify(v), nil
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		if t {
			return "true"
		}
		return "false"
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// EvaluateSlice evaluates source and requires the result to be a list,
// returned as []any. Used by for-each nodes to resolve their collection
// expression.
func (e *Evaluator) EvaluateSlice(ctx context.Context, source string, vars map[string]any) ([]any, error) {
	v, err := e.Evaluate(ctx, source, vars)
	if err != nil {
		return nil, err
	}
	s, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: %q evaluated to %T, want list", ErrWrongType, source, v)
	}
	return s, nil
}

// program returns a compiled CEL program for source, declaring extraVars as
// additional dynamically-typed top-level variables. Programs are cached by
// source plus the sorted set of extra variable names, since CEL requires
// every variable an expression may reference to be declared up front and
// for-each bodies choose their own item/index variable names.
func (e *Evaluator) program(source string, extraVars []string) (cel.Program, error) {
	key := programCacheKey(source, extraVars)

	e.mu.Lock()
	if prg, ok := e.cache[key]; ok {
		e.mu.Unlock()
		return prg, nil
	}
	e.mu.Unlock()

	envOpts := []cel.EnvOption{
		cel.Variable("inputs", cel.DynType),
		cel.Variable("context", cel.DynType),
	}
	for _, v := range extraVars {
		envOpts = append(envOpts, cel.Variable(v, cel.DynType))
	}

	env, err := cel.NewEnv(envOpts...)
	if err != nil {
		return nil, fmt.Errorf("%w: building environment: %v", ErrCompile, err)
	}

	ast, issues := env.Compile(source)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrCompile, source, issues.Err())
	}

	prg, err := env.Program(ast, cel.InterruptCheckFrequency(100))
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrCompile, source, err)
	}

	e.mu.Lock()
	e.cache[key] = prg
	e.mu.Unlock()
	return prg, nil
}

func programCacheKey(source string, extraVars []string) string {
	if len(extraVars) == 0 {
		return source
	}
	sorted := append([]string(nil), extraVars...)
	sort.Strings(sorted)
	return source + "\x00" + strings.Join(sorted, ",")
}

func dynamicVarNames(vars map[string]any) []string {
	names := make([]string, 0, len(vars))
	for k := range vars {
		if reservedVarNames[k] {
			continue
		}
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
