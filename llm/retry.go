package llm

import "time"

// RetryConfig shapes per-endpoint retry behavior.
type RetryConfig struct {
	MaxAttempts int // attempts per endpoint, including the first

	// Backoff between attempts: BackoffBase grows by BackoffMultiplier each
	// retry, capped at MaxBackoff. Jitter is added by the client.
	BackoffBase       time.Duration
	BackoffMultiplier float64
	MaxBackoff        time.Duration
}

// DefaultRetryConfig returns retry defaults tuned for in-call latency:
// a live supplier is waiting on the line, so retries are short and few.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       2,
		BackoffBase:       500 * time.Millisecond,
		BackoffMultiplier: 2.0,
		MaxBackoff:        2 * time.Second,
	}
}
