package expression

import (
	"encoding/json"
	"fmt"
	"os"
)

// CorrectionTable maps an exact normalized string to its repaired form.
// Entries are empirical fixes for one captcha generator's recurring misreads.
type CorrectionTable map[string]string

// DefaultCorrections returns the built-in table. The caller owns the copy.
func DefaultCorrections() CorrectionTable {
	return CorrectionTable{
		"0*8+67": "0*8+6", // trailing "?" read as 7
		"9+0-75": "9+0-7",
	}
}

// Apply returns the correction for s, or s unchanged.
func (t CorrectionTable) Apply(s string) (string, bool) {
	if good, ok := t[s]; ok {
		return good, true
	}
	return s, false
}

// Merge returns a new table holding t overlaid with other.
func (t CorrectionTable) Merge(other CorrectionTable) CorrectionTable {
	out := make(CorrectionTable, len(t)+len(other))
	for k, v := range t {
		out[k] = v
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}

// LoadCorrections reads a JSON object of {"bad": "good"} pairs from path.
func LoadCorrections(path string) (CorrectionTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read noise table: %w", err)
	}

	var table CorrectionTable
	if err := json.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("failed to parse noise table %s: %w", path, err)
	}

	for bad, good := range table {
		if bad == "" || good == "" {
			return nil, fmt.Errorf("noise table %s: empty pattern in entry %q -> %q", path, bad, good)
		}
	}

	return table, nil
}

// Config holds the tunable heuristics of the extractor.
type Config struct {
	// MaxProcessedLen clamps normalized text; longer residue is treated as noise.
	MaxProcessedLen int
	// MinProcessedLen rejects inputs with too little signal.
	MinProcessedLen int
	// MaxExpressionLen triggers the shortening pass on over-long candidates.
	MaxExpressionLen int

	// PrefixScanMin and PrefixScanMax bound the prefix-scan fallback.
	PrefixScanMin int
	PrefixScanMax int
	// ShortenPrefixMax bounds the prefix scan used when shortening.
	ShortenPrefixMax int

	// MaxOperands caps the structural rebuild.
	MaxOperands int

	Corrections CorrectionTable
}

// DefaultConfig returns the heuristics tuned for the reference captcha generator.
func DefaultConfig() Config {
	return Config{
		MaxProcessedLen:  6,
		MinProcessedLen:  3,
		MaxExpressionLen: 10,
		PrefixScanMin:    3,
		PrefixScanMax:    5,
		ShortenPrefixMax: 8,
		MaxOperands:      3,
		Corrections:      DefaultCorrections(),
	}
}

// Validate checks the bounds are coherent.
func (c Config) Validate() error {
	if c.MinProcessedLen < 1 {
		return fmt.Errorf("MinProcessedLen must be positive, got %d", c.MinProcessedLen)
	}
	if c.MaxProcessedLen < c.MinProcessedLen {
		return fmt.Errorf("MaxProcessedLen (%d) must be >= MinProcessedLen (%d)", c.MaxProcessedLen, c.MinProcessedLen)
	}
	if c.MaxExpressionLen < c.MinProcessedLen {
		return fmt.Errorf("MaxExpressionLen (%d) must be >= MinProcessedLen (%d)", c.MaxExpressionLen, c.MinProcessedLen)
	}
	if c.PrefixScanMin < 1 || c.PrefixScanMax < c.PrefixScanMin {
		return fmt.Errorf("invalid prefix scan range %d..%d", c.PrefixScanMin, c.PrefixScanMax)
	}
	if c.ShortenPrefixMax < c.PrefixScanMin {
		return fmt.Errorf("ShortenPrefixMax (%d) must be >= PrefixScanMin (%d)", c.ShortenPrefixMax, c.PrefixScanMin)
	}
	if c.MaxOperands < 2 {
		return fmt.Errorf("MaxOperands must be at least 2, got %d", c.MaxOperands)
	}
	return nil
}

// TraceLimits caps how many steps the evaluator records. A step of a given
// kind is appended only while the trace is shorter than its limit.
type TraceLimits struct {
	MulDiv int
	AddSub int
}

// DefaultTraceLimits matches the trace shape clients already parse.
func DefaultTraceLimits() TraceLimits {
	return TraceLimits{MulDiv: 3, AddSub: 4}
}
