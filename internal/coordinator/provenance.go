package coordinator

import (
	"github.com/fyrsmithlabs/agentloop/internal/blackboard"
	"github.com/fyrsmithlabs/agentloop/internal/memory"
	"github.com/fyrsmithlabs/agentloop/internal/tools"
)

// provenance describes where the run's answer came from. External tools
// outrank document search, which outranks local tools; a run that executed
// nothing answered from the model alone.
func (r *run) provenance() memory.Provenance {
	view := r.bb.View()
	prov := memory.Provenance{Source: memory.SourceModel, Confidence: view.Snapshot.Confidence}
	rank := map[memory.Source]int{memory.SourceModel: 0, memory.SourceTools: 1, memory.SourceDocuments: 2, memory.SourceExternal: 3}

	for _, step := range view.Plan {
		if step.Status != blackboard.StatusDone {
			continue
		}
		var src memory.Source
		switch step.Kind {
		case blackboard.KindCode:
			src = memory.SourceTools
		case blackboard.KindToolCall:
			src = r.c.toolSource(step.Payload.Tool)
		default:
			continue
		}
		if rank[src] > rank[prov.Source] {
			prov.Source = src
		}
	}
	return prov
}

func (c *Coordinator) toolSource(name string) memory.Source {
	if c.config.Tools == nil {
		return memory.SourceTools
	}
	t, err := c.config.Tools.Get(name)
	if err != nil {
		return memory.SourceTools
	}
	switch t.Category {
	case tools.CategoryExternal:
		return memory.SourceExternal
	case tools.CategoryMemory:
		return memory.SourceDocuments
	}
	return memory.SourceTools
}
