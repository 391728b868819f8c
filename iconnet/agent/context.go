package agent

import (
	"sort"
)

// Snippet is a block of tool output with a priority and token estimate.
type Snippet struct {
	Text       string
	Score      float32 // higher is packed first
	TokenCount int
	Source     string // tool name
}

// Budget specifies maximum tokens allocated to context packing.
type Budget struct {
	MaxContextTokens int // hard cap for snippets
	MaxSnippets      int // safety bound on number of snippets
}

// TokenEstimator counts tokens in s.
type TokenEstimator func(s string) int

// ContextAssembler selects and packs tool output within a token budget.
type ContextAssembler struct {
	defaultBudget  Budget
	TokenEstimator TokenEstimator
}

// NewContextAssembler uses est, or a ~4 chars per token heuristic when nil.
func NewContextAssembler(b Budget, est TokenEstimator) *ContextAssembler {
	if est == nil {
		est = func(s string) int {
			l := len(s)
			if l == 0 {
				return 0
			}
			return (l + 3) / 4
		}
	}
	return &ContextAssembler{defaultBudget: b, TokenEstimator: est}
}

// Pack sorts snippets by score and packs them up to budget. A snippet that does
// not fit is truncated to the remaining budget instead of dropped, so every tool
// that succeeded stays visible to synthesis.
func (a *ContextAssembler) Pack(snippets []Snippet, b *Budget) []string {
	if b == nil {
		b = &a.defaultBudget
	}
	if len(snippets) == 0 || b.MaxContextTokens <= 0 || b.MaxSnippets <= 0 {
		return nil
	}

	sorted := make([]Snippet, len(snippets))
	copy(sorted, snippets)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Score > sorted[j].Score })

	remaining := b.MaxContextTokens
	packed := make([]string, 0, min(len(sorted), b.MaxSnippets))

	for _, sn := range sorted {
		if len(packed) >= b.MaxSnippets || remaining <= 0 {
			break
		}
		text := normalize(sn.Text)
		tokens := sn.TokenCount
		if tokens <= 0 {
			tokens = a.TokenEstimator(text)
		}
		if tokens > remaining {
			// Truncate proportionally to the remaining budget
			runes := []rune(text)
			keep := len(runes) * remaining / tokens
			if keep <= 0 {
				continue
			}
			text = string(runes[:keep]) + " …[truncated]"
			tokens = remaining
		}
		packed = append(packed, text)
		remaining -= tokens
	}

	return packed
}
