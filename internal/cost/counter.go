package cost

import (
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// Counter counts tokens for a text/model pair. Implementations must be
// deterministic for the same input.
type Counter interface {
	Count(text, model string) int
}

// TiktokenCounter counts with the cl100k_base BPE, which tracks the
// tokenizers of the hosted models closely enough for billing. The encoding
// is loaded once and shared.
type TiktokenCounter struct {
	once sync.Once
	enc  *tiktoken.Tiktoken
	err  error
}

// NewCounter returns the default token counter.
func NewCounter() *TiktokenCounter {
	return &TiktokenCounter{}
}

// Count returns the token count for text. If the encoding table cannot be
// loaded it falls back to the rune-length heuristic so metering degrades
// rather than failing the pipeline.
func (c *TiktokenCounter) Count(text, model string) int {
	c.once.Do(func() {
		c.enc, c.err = tiktoken.GetEncoding(tiktoken.MODEL_CL100K_BASE)
	})
	if c.err != nil || c.enc == nil {
		return heuristicCount(text)
	}
	return len(c.enc.Encode(text, nil, nil))
}

// HeuristicCounter approximates token counts without a BPE table. Used in
// tests and as the degraded path.
type HeuristicCounter struct{}

func (HeuristicCounter) Count(text, model string) int {
	return heuristicCount(text)
}

// heuristicCount approximates one token per four characters, minimum one
// for non-empty text.
func heuristicCount(text string) int {
	if text == "" {
		return 0
	}
	n := utf8.RuneCountInString(text)
	tokens := n / 4
	if tokens == 0 {
		tokens = 1
	}
	return tokens
}
