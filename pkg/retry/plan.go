package retry

import (
	"time"
)

// Plan is the full attempt schedule for one key, starting at the first attempt.
type Plan struct {
	Key         string     `json:"key"`
	PolicyID    string     `json:"policy_id"`
	Schedule    []Schedule `json:"schedule"`
	MaxAttempts int        `json:"max_attempts"`
	CreatedAt   time.Time  `json:"created_at"`
}

type Schedule struct {
	AttemptIndex int       `json:"attempt_index"`
	DelayMs      int64     `json:"delay_ms"`
	ScheduledAt  time.Time `json:"scheduled_at"`
}

// GeneratePlan creates a deterministic retry plan. Attempt 0 runs at now;
// every later attempt waits its backoff after the previous one.
func GeneratePlan(key string, policy Policy, now time.Time) *Plan {
	schedule := make([]Schedule, policy.MaxAttempts)
	current := now
	for i := 0; i < policy.MaxAttempts; i++ {
		var delay time.Duration
		if i > 0 {
			delay = ComputeBackoff(Params{PolicyID: policy.PolicyID, Key: key, AttemptIndex: i}, policy)
		}
		current = current.Add(delay)
		schedule[i] = Schedule{
			AttemptIndex: i,
			DelayMs:      delay.Milliseconds(),
			ScheduledAt:  current,
		}
	}
	return &Plan{
		Key:         key,
		PolicyID:    policy.PolicyID,
		Schedule:    schedule,
		MaxAttempts: policy.MaxAttempts,
		CreatedAt:   now,
	}
}

// NextAttempt reports when attempt number `attempts` (zero based) may run,
// given that the previous one happened at last. ok is false once the policy
// is exhausted or disabled.
func NextAttempt(key string, policy Policy, attempts int, last time.Time) (at time.Time, ok bool) {
	if policy.MaxAttempts <= 0 || attempts >= policy.MaxAttempts {
		return time.Time{}, false
	}
	if attempts == 0 || last.IsZero() {
		return last, true
	}
	delay := ComputeBackoff(Params{PolicyID: policy.PolicyID, Key: key, AttemptIndex: attempts}, policy)
	return last.Add(delay), true
}
