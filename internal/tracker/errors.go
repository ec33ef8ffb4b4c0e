package tracker

import (
	"fmt"

	"github.com/ytwei72/TradingAgents-CN-sub000/internal/message"
)

// TransitionError reports a control call that is not legal from the task's
// current state. The task state is left unchanged.
type TransitionError struct {
	AnalysisID string
	From       message.TaskStatus
	Op         string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal transition: cannot %s analysis %s while %s", e.Op, e.AnalysisID, e.From)
}
