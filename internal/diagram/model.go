package diagram

import (
	"github.com/rendis/ensemble/internal/store"
	"github.com/rendis/ensemble/pkg/schema"
)

// NodeView is one node of a plan with its runtime status overlay.
type NodeView struct {
	ID         string
	Name       string
	Capability string
	Status     schema.NodeStatus
}

// StageView is one stage of a plan.
type StageView struct {
	Mode  schema.StageMode
	Nodes []NodeView
}

// Model is the renderer-independent view of a workflow plan.
type Model struct {
	Query       string
	Strategy    schema.StrategyType
	Stages      []StageView
	Synthesizer string
}

// Build converts a plan (plus an optional runtime status overlay) into
// a render model. Nodes without an execution record show as pending.
func Build(plan *schema.WorkflowPlan, execs []*store.NodeExecution) (*Model, error) {
	if plan == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "plan is nil")
	}

	statuses := make(map[string]schema.NodeStatus, len(execs))
	for _, e := range execs {
		statuses[e.NodeID] = e.Status
	}

	m := &Model{
		Query:       plan.Query,
		Strategy:    plan.Strategy,
		Synthesizer: plan.Synthesizer,
	}
	for _, stage := range plan.Stages {
		sv := StageView{Mode: stage.Mode}
		for _, node := range stage.Nodes {
			status, ok := statuses[node.ID]
			if !ok {
				status = schema.NodeStatusPending
			}
			sv.Nodes = append(sv.Nodes, NodeView{
				ID:         node.ID,
				Name:       node.Name,
				Capability: node.Capability,
				Status:     status,
			})
		}
		m.Stages = append(m.Stages, sv)
	}
	return m, nil
}

// label picks the display name for a node.
func (n NodeView) label() string {
	if n.Name != "" {
		return n.Name
	}
	return n.ID
}
