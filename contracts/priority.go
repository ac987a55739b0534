package contracts

import (
	"fmt"
	"strings"
)

// Priority controls delivery precedence and the default retry ceiling.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// UnlimitedRetries marks an envelope that is never dropped for retry
// exhaustion. Used as the default ceiling for PriorityCritical.
const UnlimitedRetries = -1

// String returns the lowercase name of the priority
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Valid reports whether p is one of the defined priority levels
func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityCritical
}

// DefaultMaxRetries returns the retry ceiling implied by the priority when
// the publisher does not set one explicitly.
func (p Priority) DefaultMaxRetries() int {
	switch p {
	case PriorityLow:
		return 1
	case PriorityNormal:
		return 3
	case PriorityHigh:
		return 10
	case PriorityCritical:
		return UnlimitedRetries
	default:
		return 3
	}
}

// ParsePriority converts a priority name to a Priority
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow, nil
	case "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	default:
		return PriorityNormal, fmt.Errorf("unknown priority: %q", s)
	}
}
