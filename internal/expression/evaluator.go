package expression

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Evaluation is the outcome of evaluating a canonical expression.
type Evaluation struct {
	Expression string
	Result     int64
	// Steps starts with the expression and ends with the result.
	Steps []string
}

// Calculation renders the trace the way clients display it.
func (e *Evaluation) Calculation() string {
	return strings.Join(e.Steps, " = ")
}

// Evaluator computes canonical expressions: "*" and "/" bind tighter than
// "+" and "-", each level runs left to right, and "/" floors.
type Evaluator struct {
	limits TraceLimits
}

// NewEvaluator returns an evaluator recording steps under limits.
func NewEvaluator(limits TraceLimits) *Evaluator {
	return &Evaluator{limits: limits}
}

// Evaluate computes expr. It fails with *EvaluationError on malformed input,
// division by zero or int64 overflow, and never returns a partial result.
func (ev *Evaluator) Evaluate(expr string) (*Evaluation, error) {
	segments, signs, err := splitTerms(expr)
	if err != nil {
		return nil, &EvaluationError{Expression: expr, Cause: err}
	}

	steps := []string{expr}
	var total int64

	for i, segment := range segments {
		sub, err := ev.evalSegment(segment, &steps)
		if err != nil {
			return nil, &EvaluationError{Expression: expr, Cause: err}
		}

		if i == 0 {
			total = sub
			continue
		}

		prev := total
		op := signs[i-1]
		switch op {
		case '+':
			total, err = addInt64(prev, sub)
		case '-':
			total, err = subInt64(prev, sub)
		}
		if err != nil {
			return nil, &EvaluationError{Expression: expr, Cause: err}
		}

		if len(steps) < ev.limits.AddSub {
			steps = append(steps, formatStep(prev, op, sub, total))
		}
	}

	steps = append(steps, strconv.FormatInt(total, 10))

	return &Evaluation{Expression: expr, Result: total, Steps: steps}, nil
}

// evalSegment folds a run of "*" and "/" left to right.
func (ev *Evaluator) evalSegment(segment string, steps *[]string) (int64, error) {
	numbers, ops, err := splitFactors(segment)
	if err != nil {
		return 0, err
	}

	acc := numbers[0]
	for j, op := range ops {
		prev, operand := acc, numbers[j+1]
		switch op {
		case '*':
			acc, err = mulInt64(prev, operand)
		case '/':
			acc, err = floorDiv(prev, operand)
		}
		if err != nil {
			return 0, err
		}

		if len(*steps) < ev.limits.MulDiv {
			*steps = append(*steps, formatStep(prev, op, operand, acc))
		}
	}
	return acc, nil
}

// splitTerms splits expr on "+" and "-", returning the segments and the sign
// preceding each segment after the first.
func splitTerms(expr string) ([]string, []byte, error) {
	if expr == "" {
		return nil, nil, fmt.Errorf("%w: empty expression", ErrMalformed)
	}
	if !strings.ContainsAny(expr, "+-*/") {
		return nil, nil, fmt.Errorf("%w: no operator", ErrMalformed)
	}

	var (
		segments []string
		signs    []byte
		start    int
	)
	for i := 0; i < len(expr); i++ {
		c := expr[i]
		switch {
		case c >= '0' && c <= '9', c == '*', c == '/':
		case c == '+' || c == '-':
			segments = append(segments, expr[start:i])
			signs = append(signs, c)
			start = i + 1
		default:
			return nil, nil, fmt.Errorf("%w: unexpected character %q at %d", ErrMalformed, c, i)
		}
	}
	segments = append(segments, expr[start:])

	for i, s := range segments {
		if s == "" {
			return nil, nil, fmt.Errorf("%w: missing operand in term %d", ErrMalformed, i+1)
		}
	}
	return segments, signs, nil
}

// splitFactors parses a segment of digits joined by "*" and "/".
func splitFactors(segment string) ([]int64, []byte, error) {
	var (
		numbers []int64
		ops     []byte
		start   int
	)
	flush := func(end int) error {
		if end == start {
			return fmt.Errorf("%w: missing operand in %q", ErrMalformed, segment)
		}
		n, err := strconv.ParseInt(segment[start:end], 10, 64)
		if err != nil {
			if errors.Is(err, strconv.ErrRange) {
				return fmt.Errorf("%w: operand %s", ErrOverflow, segment[start:end])
			}
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		numbers = append(numbers, n)
		return nil
	}

	for i := 0; i < len(segment); i++ {
		if c := segment[i]; c == '*' || c == '/' {
			if err := flush(i); err != nil {
				return nil, nil, err
			}
			ops = append(ops, c)
			start = i + 1
		}
	}
	if err := flush(len(segment)); err != nil {
		return nil, nil, err
	}
	return numbers, ops, nil
}

func formatStep(prev int64, op byte, operand, result int64) string {
	return fmt.Sprintf("%d%c%d=%d", prev, op, operand, result)
}

func floorDiv(a, b int64) (int64, error) {
	if b == 0 {
		return 0, ErrDivisionByZero
	}
	if a == math.MinInt64 && b == -1 {
		return 0, ErrOverflow
	}
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q, nil
}

func mulInt64(a, b int64) (int64, error) {
	if a == 0 || b == 0 {
		return 0, nil
	}
	r := a * b
	if r/b != a || (a == -1 && b == math.MinInt64) || (b == -1 && a == math.MinInt64) {
		return 0, ErrOverflow
	}
	return r, nil
}

func addInt64(a, b int64) (int64, error) {
	r := a + b
	if (b > 0 && r < a) || (b < 0 && r > a) {
		return 0, ErrOverflow
	}
	return r, nil
}

func subInt64(a, b int64) (int64, error) {
	r := a - b
	if (b > 0 && r > a) || (b < 0 && r < a) {
		return 0, ErrOverflow
	}
	return r, nil
}

var defaultEvaluator = NewEvaluator(DefaultTraceLimits())

// Evaluate runs the default evaluator and returns the result and its trace.
func Evaluate(expr string) (int64, []string, error) {
	ev, err := defaultEvaluator.Evaluate(expr)
	if err != nil {
		return 0, nil, err
	}
	return ev.Result, ev.Steps, nil
}
