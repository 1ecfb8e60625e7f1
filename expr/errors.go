package expr

import "errors"

// ErrExpressionTooLong is returned when a source expression exceeds
// MaxExpressionLength before it is ever compiled.
var ErrExpressionTooLong = errors.New("expr: expression exceeds maximum length")

// ErrCompile wraps a CEL parse/check failure for an expression source.
var ErrCompile = errors.New("expr: failed to compile expression")

// ErrEvaluate wraps a CEL runtime evaluation failure, including an
// expression that ran past its deadline.
var ErrEvaluate = errors.New("expr: failed to evaluate expression")

// ErrWrongType is returned by the typed Evaluate* helpers when an
// expression evaluates successfully but to a value of the wrong CEL type.
var ErrWrongType = errors.New("expr: expression result has unexpected type")
