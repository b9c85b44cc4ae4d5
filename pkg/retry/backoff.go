package retry

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// Params identifies a single attempt. Jitter is derived from it, so every
// process looking at the same key and attempt computes the same delay.
type Params struct {
	PolicyID     string
	Key          string
	AttemptIndex int
}

// Policy is an exponential backoff with a cap and bounded jitter.
type Policy struct {
	PolicyID    string        `yaml:"policy_id"`
	MaxAttempts int           `yaml:"max_attempts"`
	Base        time.Duration `yaml:"base_delay"`
	Max         time.Duration `yaml:"max_delay"`
	MaxJitter   time.Duration `yaml:"max_jitter"`
}

// ComputeBackoff returns the delay for a specific attempt using deterministic jitter.
func ComputeBackoff(params Params, policy Policy) time.Duration {
	// delay = base * 2^attempt
	factor := int64(1)
	if params.AttemptIndex > 0 {
		if params.AttemptIndex > 30 {
			factor = 1 << 30
		} else {
			factor = 1 << params.AttemptIndex
		}
	}

	baseDelay := policy.Base * time.Duration(factor)
	if baseDelay < 0 || (policy.Max > 0 && baseDelay > policy.Max) {
		baseDelay = policy.Max
	}

	return baseDelay + ComputeDeterministicJitter(params, policy)
}

func ComputeDeterministicJitter(params Params, policy Policy) time.Duration {
	if policy.MaxJitter <= 0 {
		return 0
	}
	seed := fmt.Sprintf("%s:%s:%d", params.PolicyID, params.Key, params.AttemptIndex)
	hash := sha256.Sum256([]byte(seed))
	jitterBasis := binary.BigEndian.Uint64(hash[:8])

	return time.Duration(jitterBasis % uint64(policy.MaxJitter)) //nolint:gosec // MaxJitter is positive here
}
