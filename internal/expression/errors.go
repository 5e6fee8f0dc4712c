package expression

import (
	"errors"
	"fmt"
)

var (
	// ErrTooShort means normalization left too little text to hold an expression.
	ErrTooShort = errors.New("too little signal after normalization")
	// ErrNoOperator means no operator flanked by digits survived normalization.
	ErrNoOperator = errors.New("no operator between two numbers")

	// ErrDivisionByZero is returned when a segment divides by zero.
	ErrDivisionByZero = errors.New("division by zero")
	// ErrMalformed means the expression does not alternate numbers and operators.
	ErrMalformed = errors.New("malformed expression")
	// ErrOverflow means an intermediate value left the int64 range.
	ErrOverflow = errors.New("integer overflow")
)

// ExtractionError reports raw text from which no expression could be recovered.
// The same input always fails the same way, so callers must not retry it.
type ExtractionError struct {
	RawText   string
	Processed string
	Cause     error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("failed to extract expression from text %q: %v", e.RawText, e.Cause)
}

func (e *ExtractionError) Unwrap() error {
	return e.Cause
}

// EvaluationError reports a canonical expression that could not be computed.
type EvaluationError struct {
	Expression string
	Cause      error
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("failed to calculate expression %q: %v", e.Expression, e.Cause)
}

func (e *EvaluationError) Unwrap() error {
	return e.Cause
}
