package queue

import "time"

// QueueState is the single durable metadata record for a storage
// directory: aggregate counters plus the daemon-level rate-limit flag.
//
// The scheduler owns the only mutable instance; storage persists it
// after every state-affecting transition.
type QueueState struct {
	Added     int `json:"added"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`

	RateLimitedCount int `json:"rate_limited_count"`

	RateLimited      bool      `json:"rate_limited"`
	EstimatedResetAt time.Time `json:"estimated_reset_at,omitempty"`

	LastProcessedAt time.Time `json:"last_processed_at,omitempty"`
}

// SetRateLimited records a detected throttle window.
func (s *QueueState) SetRateLimited(resetAt time.Time) {
	s.RateLimited = true
	s.EstimatedResetAt = resetAt
	s.RateLimitedCount++
}

// ClearRateLimited drops the throttle flag. Called when the next
// execution is attempted (optimistic retry), not on timer expiry.
func (s *QueueState) ClearRateLimited() {
	s.RateLimited = false
	s.EstimatedResetAt = time.Time{}
}

// RateLimitInfo classifies one agent invocation's output.
type RateLimitInfo struct {
	Detected         bool
	RawMessage       string
	DetectedAt       time.Time
	EstimatedResetAt time.Time
}

// ExecutionResult is what the executor hands back to the scheduler.
type ExecutionResult struct {
	Succeeded    bool
	Output       string
	ErrorMessage string
	Elapsed      time.Duration

	RateLimit RateLimitInfo
}

// RateLimited reports whether the attempt hit the agent's usage limit.
func (r ExecutionResult) RateLimited() bool {
	return r.RateLimit.Detected
}
