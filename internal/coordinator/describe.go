package coordinator

import (
	"encoding/json"
	"fmt"

	"github.com/fyrsmithlabs/agentloop/internal/blackboard"
)

func describeOutcome(step blackboard.Step, out blackboard.Outcome) string {
	if out.Failed() {
		return fmt.Sprintf("%s -> %s", step.Describe(), out.Err)
	}
	b, err := json.Marshal(out.Value)
	if err != nil {
		return fmt.Sprintf("%s -> %v", step.Describe(), out.Value)
	}
	return fmt.Sprintf("%s -> %s", step.Describe(), b)
}
