// Package tokencount provides the Tokeniser capability (spec §1/§4.4):
// a fallback token estimator used only when a provider response omits
// usage. Exact correctness of token counts is out of scope; this exists
// so LedgerWriter always has a number to price against.
package tokencount

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

type Tokeniser interface {
	Count(model, text string) int
}

// TiktokenCounter wraps pkoukk/tiktoken-go, caching one encoding per
// model name since construction is not free.
type TiktokenCounter struct {
	mu        sync.Mutex
	encodings map[string]*tiktoken.Tiktoken
}

func NewTiktokenCounter() *TiktokenCounter {
	return &TiktokenCounter{encodings: make(map[string]*tiktoken.Tiktoken)}
}

func (t *TiktokenCounter) Count(model, text string) int {
	if text == "" {
		return 0
	}
	enc := t.encodingFor(model)
	if enc == nil {
		// crude fallback: ~4 chars per token, matching the rule of
		// thumb the corpus's gateways use when no encoder is found.
		return len(text) / 4
	}
	return len(enc.Encode(text, nil, nil))
}

func (t *TiktokenCounter) encodingFor(model string) *tiktoken.Tiktoken {
	t.mu.Lock()
	defer t.mu.Unlock()
	if enc, ok := t.encodings[model]; ok {
		return enc
	}
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			t.encodings[model] = nil
			return nil
		}
	}
	t.encodings[model] = enc
	return enc
}
