package workload

import (
	"iter"
	"sync/atomic"
)

// StepKind names one deployment script command.
type StepKind string

const (
	StepDeploy StepKind = "deploy"
	StepStart  StepKind = "start"
)

type Step struct {
	Index int
	Kind  StepKind
}

// Script is the deployment script for one instance. Steps are produced lazily
// and the script can be walked only once; later walks yield nothing.
type Script struct {
	kinds    []StepKind
	consumed atomic.Bool
}

func NewScript(kinds ...StepKind) *Script {
	return &Script{kinds: append([]StepKind(nil), kinds...)}
}

// Steps returns the step sequence. The first walk marks the script consumed.
func (s *Script) Steps() iter.Seq[Step] {
	return func(yield func(Step) bool) {
		if s == nil || !s.consumed.CompareAndSwap(false, true) {
			return
		}
		for i, kind := range s.kinds {
			if !yield(Step{Index: i, Kind: kind}) {
				return
			}
		}
	}
}

func (s *Script) Consumed() bool {
	return s != nil && s.consumed.Load()
}

func (s *Script) Len() int {
	if s == nil {
		return 0
	}
	return len(s.kinds)
}
