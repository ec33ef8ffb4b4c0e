package message

import "fmt"

// Kind identifies one of the supported message types on the bus.
type Kind string

// Supported message kinds. StepUpdate is reserved and carries no schema yet.
const (
	KindTaskProgress   Kind = "task.progress"
	KindTaskStatus     Kind = "task.status"
	KindModuleStart    Kind = "module.start"
	KindModuleComplete Kind = "module.complete"
	KindModuleError    Kind = "module.error"
	KindStepUpdate     Kind = "step.update"
)

// Kinds returns every kind that may be published, in a fixed order.
func Kinds() []Kind {
	return []Kind{
		KindTaskProgress,
		KindTaskStatus,
		KindModuleStart,
		KindModuleComplete,
		KindModuleError,
		KindStepUpdate,
	}
}

// ModuleKinds returns the kinds emitted by the analysis pipeline for a
// single step's lifecycle.
func ModuleKinds() []Kind {
	return []Kind{KindModuleStart, KindModuleComplete, KindModuleError}
}

// ParseKind converts a wire string into a Kind or fails for unknown values.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindTaskProgress, KindTaskStatus, KindModuleStart, KindModuleComplete, KindModuleError, KindStepUpdate:
		return Kind(s), nil
	default:
		return "", fmt.Errorf("unknown message kind %q", s)
	}
}

// String implements fmt.Stringer.
func (k Kind) String() string {
	return string(k)
}
