package retry

import "time"

// Policy decides, per failed attempt, whether a job is re-enqueued with a
// delay or terminated. The delay after the n-th failure is baseDelay^n
// seconds, so base 2 with a budget of 5 yields the 2, 4, 8, 16, 32 schedule.
type Policy struct {
	maxRetries   int
	baseDelaySec int
}

func NewPolicy(maxRetries, baseDelaySec int) Policy {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if baseDelaySec < 1 {
		baseDelaySec = 2
	}
	return Policy{maxRetries: maxRetries, baseDelaySec: baseDelaySec}
}

// ShouldRetry reports whether a job with the given post-increment retry count
// still has budget left; once it returns false the job is dead-lettered.
func (p Policy) ShouldRetry(retryCount int) bool {
	return retryCount < p.maxRetries
}

// Delay returns the backoff before the retryCount-th re-attempt.
func (p Policy) Delay(retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	pow := 1
	for i := 0; i < retryCount; i++ {
		pow *= p.baseDelaySec
	}
	return time.Duration(pow) * time.Second
}

// Schedule lists every backoff delay the policy can produce, in order.
func (p Policy) Schedule() []time.Duration {
	delays := make([]time.Duration, 0, p.maxRetries)
	for n := 1; n <= p.maxRetries; n++ {
		delays = append(delays, p.Delay(n))
	}
	return delays
}

func (p Policy) MaxRetries() int {
	return p.maxRetries
}
