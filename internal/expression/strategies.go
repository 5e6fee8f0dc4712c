package expression

import (
	"regexp"
	"strings"
)

var (
	reThreeOperands = regexp.MustCompile(`\d+[+\-*/]\d+[+\-*/]\d+`)
	reTwoOperands   = regexp.MustCompile(`\d+[+\-*/]\d+`)
	reDigitRun      = regexp.MustCompile(`\d+`)
	reOperator      = regexp.MustCompile(`[+\-*/]`)
)

// Strategy proposes a candidate expression for normalized text. Strategies
// are pure and independent; the extractor tries them in order.
type Strategy struct {
	Name string
	Fn   func(s string) (string, bool)
}

// Strategy names reported in Extraction.Strategy.
const (
	StrategyThreeOperands = "three-operands"
	StrategyTwoOperands   = "two-operands"
	StrategyPrefixScan    = "prefix-scan"
	StrategyRebuild       = "rebuild"
	StrategyPassthrough   = "passthrough"
)

// ThreeOperands matches NUMBER OP NUMBER OP NUMBER, leftmost.
func ThreeOperands(s string) (string, bool) {
	return matchLeftmost(reThreeOperands, s)
}

// TwoOperands matches NUMBER OP NUMBER, leftmost.
func TwoOperands(s string) (string, bool) {
	return matchLeftmost(reTwoOperands, s)
}

func matchLeftmost(re *regexp.Regexp, s string) (string, bool) {
	if m := re.FindString(s); m != "" {
		return m, true
	}
	return "", false
}

// PrefixScan returns a strategy accepting the shortest prefix, between min and
// max bytes long, that holds an operator and at least two digit runs.
func PrefixScan(min, max int) func(string) (string, bool) {
	return func(s string) (string, bool) {
		for n := min; n <= max && n <= len(s); n++ {
			prefix := s[:n]
			if hasSignal(prefix) {
				return prefix, true
			}
		}
		return "", false
	}
}

// Rebuild returns a strategy that reassembles an alternating sequence of
// digit runs and operators, keeping at most maxOperands numbers.
func Rebuild(maxOperands int) func(string) (string, bool) {
	return func(s string) (string, bool) {
		numbers := reDigitRun.FindAllString(s, -1)
		operators := reOperator.FindAllString(s, -1)
		if len(numbers) == 0 || len(operators) == 0 || len(numbers) != len(operators)+1 {
			return "", false
		}

		var b strings.Builder
		b.WriteString(numbers[0])
		for i := 0; i < len(operators) && i < maxOperands-1; i++ {
			b.WriteString(operators[i])
			b.WriteString(numbers[i+1])
		}
		return b.String(), true
	}
}

// Passthrough accepts the normalized text as-is. Evaluation may still reject it.
func Passthrough(s string) (string, bool) {
	return s, s != ""
}

// hasSignal reports whether s contains an operator and two separate numbers.
func hasSignal(s string) bool {
	return reOperator.MatchString(s) && len(reDigitRun.FindAllStringIndex(s, 2)) >= 2
}

// DefaultStrategies returns the extraction cascade for cfg.
func DefaultStrategies(cfg Config) []Strategy {
	return []Strategy{
		{Name: StrategyThreeOperands, Fn: ThreeOperands},
		{Name: StrategyTwoOperands, Fn: TwoOperands},
		{Name: StrategyPrefixScan, Fn: PrefixScan(cfg.PrefixScanMin, cfg.PrefixScanMax)},
		{Name: StrategyRebuild, Fn: Rebuild(cfg.MaxOperands)},
		{Name: StrategyPassthrough, Fn: Passthrough},
	}
}

// shortenStrategies shrink an over-long candidate before evaluation.
func shortenStrategies(cfg Config) []Strategy {
	return []Strategy{
		{Name: StrategyThreeOperands, Fn: ThreeOperands},
		{Name: StrategyTwoOperands, Fn: TwoOperands},
		{Name: StrategyPrefixScan, Fn: PrefixScan(cfg.PrefixScanMin, cfg.ShortenPrefixMax)},
	}
}
