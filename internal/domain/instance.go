package domain

import "strings"

// InstanceState is the lifecycle state of one requested instance.
//
//	pending -> negotiating -> running -> terminated
//
// Any state may move to terminated.
type InstanceState string

const (
	InstanceStatePending     InstanceState = "pending"
	InstanceStateNegotiating InstanceState = "negotiating"
	InstanceStateRunning     InstanceState = "running"
	InstanceStateTerminated  InstanceState = "terminated"
)

// NormalizeInstanceState maps free-form status values to canonical states.
func NormalizeInstanceState(value string) InstanceState {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(InstanceStatePending), "requested":
		return InstanceStatePending
	case string(InstanceStateNegotiating), "starting", "deploying":
		return InstanceStateNegotiating
	case string(InstanceStateRunning):
		return InstanceStateRunning
	case string(InstanceStateTerminated), "stopped", "failed":
		return InstanceStateTerminated
	default:
		return ""
	}
}

// CanTransitionInstanceState enforces forward-only progression.
func CanTransitionInstanceState(current, next InstanceState) bool {
	if current == "" || next == "" {
		return false
	}
	if current == next {
		return true
	}
	return instanceStateOrder(current) < instanceStateOrder(next)
}

func instanceStateOrder(state InstanceState) int {
	switch state {
	case InstanceStatePending:
		return 1
	case InstanceStateNegotiating:
		return 2
	case InstanceStateRunning:
		return 3
	case InstanceStateTerminated:
		return 4
	default:
		return 0
	}
}

// ExecutionContext is assigned once an offer has been accepted and the
// workload begins deploying on the provider.
type ExecutionContext struct {
	ActivityID   string
	AgreementID  string
	ProviderID   ProviderID
	ProviderName string
}

// Instance is a read-only snapshot of one requested instance.
type Instance struct {
	Name    string
	State   InstanceState
	Context *ExecutionContext
	Err     error
}

// Usable reports whether the instance carries an execution context.
func (i Instance) Usable() bool {
	return i.Context != nil
}

// WithContext filters instances down to those with an execution context.
func WithContext(instances []Instance) []Instance {
	out := make([]Instance, 0, len(instances))
	for _, inst := range instances {
		if inst.Usable() {
			out = append(out, inst)
		}
	}
	return out
}
