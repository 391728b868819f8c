package agent

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	ports "github.com/PT-Indonesia-Comnets-Plus/database-management-web/iconnet/agent/ports"
)

// RetryPolicy bounds language model retries.
type RetryPolicy struct {
	Attempts   int           // total attempts, including the first
	Backoff    time.Duration // base delay of the exponential backoff
	MaxBackoff time.Duration // cap on a single delay
}

// DefaultRetryPolicy returns three attempts starting at 200ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, Backoff: 200 * time.Millisecond, MaxBackoff: 2 * time.Second}
}

// llmInvoker wraps a Provider with bounded exponential retries.
type llmInvoker struct {
	provider ports.Provider
	policy   RetryPolicy
	logger   zerolog.Logger
}

func newLLMInvoker(provider ports.Provider, policy RetryPolicy, logger zerolog.Logger) *llmInvoker {
	if policy.Attempts <= 0 {
		policy.Attempts = 1
	}
	if policy.Backoff <= 0 {
		policy.Backoff = time.Millisecond
	}
	if policy.MaxBackoff < policy.Backoff {
		policy.MaxBackoff = policy.Backoff
	}
	return &llmInvoker{provider: provider, policy: policy, logger: logger}
}

// complete calls the provider, retrying transient failures. Exhaustion yields a
// LanguageModelServiceError for stage.
func (i *llmInvoker) complete(ctx context.Context, stage string, in ports.PromptInput, opts ports.Options) (ports.Completion, error) {
	backoff := retry.NewExponential(i.policy.Backoff)
	backoff = retry.WithCappedDuration(i.policy.MaxBackoff, backoff)
	backoff = retry.WithJitterPercent(10, backoff)
	backoff = retry.WithMaxRetries(uint64(i.policy.Attempts-1), backoff) // #nosec G115 -- Attempts >= 1

	var (
		out      ports.Completion
		attempts int
	)
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		completion, callErr := i.provider.Complete(ctx, in, opts)
		if callErr != nil {
			i.logger.Warn().Err(callErr).Str("stage", stage).Int("attempt", attempts).Msg("language model call failed")
			if isRetryableError(callErr) {
				return retry.RetryableError(callErr)
			}
			return callErr
		}
		out = completion
		return nil
	})
	if err != nil {
		return ports.Completion{}, &LanguageModelServiceError{Stage: stage, Attempts: attempts, Err: err}
	}
	return out, nil
}
