package expression

import "fmt"

// Extraction carries every intermediate value of one extraction so callers
// can report them without re-running the pipeline.
type Extraction struct {
	// Cleaned is the raw text with whitespace removed.
	Cleaned string
	// Processed is the clamped, corrected operator/digit stream.
	Processed string
	// Expression is the candidate handed to the evaluator.
	Expression string
	// Strategy names the candidate strategy that produced Expression.
	Strategy string
	// Corrected reports a known-noise table hit.
	Corrected bool
	// Shortened reports that the length guard replaced an over-long candidate.
	Shortened bool
}

// Extractor turns raw OCR text into a canonical expression. It is immutable
// after construction and safe for concurrent use.
type Extractor struct {
	cfg        Config
	strategies []Strategy
	shorteners []Strategy
}

// NewExtractor builds an extractor with the default strategy cascade.
func NewExtractor(cfg Config) (*Extractor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid extractor config: %w", err)
	}
	if cfg.Corrections == nil {
		cfg.Corrections = CorrectionTable{}
	}

	return &Extractor{
		cfg:        cfg,
		strategies: DefaultStrategies(cfg),
		shorteners: shortenStrategies(cfg),
	}, nil
}

// Config returns the heuristics this extractor runs with.
func (e *Extractor) Config() Config {
	return e.cfg
}

// Extract runs the normalization pipeline and the candidate cascade.
// It fails with *ExtractionError when nothing plausible remains.
func (e *Extractor) Extract(raw string) (*Extraction, error) {
	out := &Extraction{Cleaned: CollapseWhitespace(raw)}

	stream := NormalizeGlyphs(StripTrailer(out.Cleaned))
	processed := Clamp(stream, e.cfg.MaxProcessedLen)
	processed, out.Corrected = e.cfg.Corrections.Apply(processed)
	out.Processed = processed

	if len(processed) < e.cfg.MinProcessedLen {
		return nil, &ExtractionError{RawText: raw, Processed: processed, Cause: ErrTooShort}
	}
	// The clamp may cut the operator off a real expression; the candidate is
	// still produced so the loss surfaces at evaluation, not here.
	if !reTwoOperands.MatchString(stream) && !reTwoOperands.MatchString(processed) {
		return nil, &ExtractionError{RawText: raw, Processed: processed, Cause: ErrNoOperator}
	}

	for _, s := range e.strategies {
		if candidate, ok := s.Fn(processed); ok {
			out.Expression = candidate
			out.Strategy = s.Name
			break
		}
	}
	if out.Expression == "" {
		return nil, &ExtractionError{RawText: raw, Processed: processed, Cause: ErrNoOperator}
	}

	if len(out.Expression) > e.cfg.MaxExpressionLen {
		for _, s := range e.shorteners {
			if shorter, ok := s.Fn(out.Expression); ok && len(shorter) <= e.cfg.MaxExpressionLen {
				out.Expression = shorter
				out.Strategy = s.Name
				out.Shortened = true
				break
			}
		}
	}

	return out, nil
}

var defaultExtractor = mustExtractor(DefaultConfig())

func mustExtractor(cfg Config) *Extractor {
	e, err := NewExtractor(cfg)
	if err != nil {
		panic(err)
	}
	return e
}

// Extract runs the default extractor and returns only the canonical expression.
func Extract(raw string) (string, error) {
	x, err := defaultExtractor.Extract(raw)
	if err != nil {
		return "", err
	}
	return x.Expression, nil
}
