package config

import (
	"strings"
	"time"
)

// GetModelTimeout maps a model name to a per-model-tier timeout.
// Adapted from the teacher's per-model token-limit tiers
// (GetModelLimits) into a per-model-tier timeout instead. The forwarder
// does not call it: upstream requests carry no per-model or idle read
// timeout.
func GetModelTimeout(modelName string) time.Duration {
	lower := strings.ToLower(modelName)
	switch {
	case strings.Contains(lower, "deepseek"):
		return 90 * time.Second
	case strings.Contains(lower, "claude"):
		return 5 * time.Minute
	case strings.Contains(lower, "gpt"):
		return 3 * time.Minute
	case strings.Contains(lower, "gemini"):
		return 3 * time.Minute
	default:
		return 2 * time.Minute
	}
}

// IsSlowModel reports whether a model is known to commonly exceed the
// default timeout tier, informing callers that want to log a
// diagnostic rather than treat a long-running request as anomalous.
func IsSlowModel(modelName string) bool {
	lower := strings.ToLower(modelName)
	return strings.Contains(lower, "o1") || strings.Contains(lower, "o3") || strings.Contains(lower, "reason")
}
