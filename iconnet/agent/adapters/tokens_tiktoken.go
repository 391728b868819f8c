package adapters

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

// DefaultEncoding is the BPE used for context budgeting.
const DefaultEncoding = "cl100k_base"

// NewTiktokenEstimator returns a token counter for the named encoding. Loading
// the encoding may need network access on first use.
func NewTiktokenEstimator(encoding string) (func(string) int, error) {
	if encoding == "" {
		encoding = DefaultEncoding
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("load tiktoken encoding %s: %w", encoding, err)
	}
	return func(s string) int {
		return len(enc.Encode(s, nil, nil))
	}, nil
}
