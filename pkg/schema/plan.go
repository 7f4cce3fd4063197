package schema

// WorkflowPlan is the JSON-serializable execution blueprint. It describes
// what to run — stages of agent nodes plus the action configs wrapped
// around them — and is immutable once handed to the orchestrator.
type WorkflowPlan struct {
	Query             string          `json:"query"`
	Strategy          StrategyType    `json:"strategy"`
	Stages            []WorkflowStage `json:"stages"`
	Synthesizer       string          `json:"synthesizer,omitempty"`        // capability id; required when >1 terminal result
	RequireAllNodes   bool            `json:"require_all_nodes,omitempty"`  // fail the run if any node fails
	EstimatedDuration string          `json:"estimated_duration,omitempty"` // advisory, e.g. "2m"
	InitialActions    []ActionConfig  `json:"initial_actions,omitempty"`
	FinalActions      []ActionConfig  `json:"final_actions,omitempty"`
	Metadata          map[string]any  `json:"metadata,omitempty"`
}

// StrategyType enumerates the workflow execution strategies.
type StrategyType string

const (
	StrategySimple     StrategyType = "simple"
	StrategySequential StrategyType = "sequential"
	StrategyParallel   StrategyType = "parallel"
	StrategyMixed      StrategyType = "mixed"
)

// StageMode enumerates how nodes within a stage execute.
type StageMode string

const (
	StageParallel   StageMode = "parallel"
	StageSequential StageMode = "sequential"
)

// WorkflowStage is one phase of execution. Sequential stages run their
// nodes in list order, each node receiving the predecessor's transformed
// output; parallel stages run all nodes concurrently against the stage's
// shared input.
type WorkflowStage struct {
	Mode  StageMode      `json:"mode"`
	Nodes []WorkflowNode `json:"nodes"`
}

// WorkflowNode is one schedulable unit of agent work.
type WorkflowNode struct {
	ID            string         `json:"id"`
	Capability    string         `json:"capability"`          // resolved against the agent invoker
	Name          string         `json:"name,omitempty"`      // human-readable, for logs and validation messages
	Input         string         `json:"input,omitempty"`     // text or expr template rendered against {query, context}
	Rationale     string         `json:"rationale,omitempty"` // why the planner included this node
	Timeout       string         `json:"timeout,omitempty"`   // per-invocation timeout, e.g. "90s"
	InputActions  []ActionConfig `json:"input_actions,omitempty"`
	OutputActions []ActionConfig `json:"output_actions,omitempty"`
}

// ActionConfig configures one registered action within a pipeline.
// Method must name a registered action — enforced at plan validation
// time, before anything is dispatched. Priority ascending, ties broken
// by list order (stable sort).
type ActionConfig struct {
	Method    string         `json:"method"`
	Params    map[string]any `json:"params,omitempty"`
	Priority  int            `json:"priority"`
	Condition string         `json:"condition,omitempty"` // optional CEL guard; false skips the action
}

// NodeCount returns the total number of nodes across all stages.
func (p *WorkflowPlan) NodeCount() int {
	n := 0
	for _, st := range p.Stages {
		n += len(st.Nodes)
	}
	return n
}

// TerminalResultCount returns how many independent results reach
// synthesis: every node of a final parallel stage contributes one, a
// final sequential stage contributes exactly one.
func (p *WorkflowPlan) TerminalResultCount() int {
	if len(p.Stages) == 0 {
		return 0
	}
	last := p.Stages[len(p.Stages)-1]
	if last.Mode == StageParallel {
		return len(last.Nodes)
	}
	if len(last.Nodes) > 0 {
		return 1
	}
	return 0
}

// Nodes returns all nodes in plan order (stage order, then list order).
func (p *WorkflowPlan) Nodes() []WorkflowNode {
	out := make([]WorkflowNode, 0, p.NodeCount())
	for _, st := range p.Stages {
		out = append(out, st.Nodes...)
	}
	return out
}

// ActionConfigs returns every action config referenced anywhere in the
// plan: initial, final, and per-node input/output configs.
func (p *WorkflowPlan) ActionConfigs() []ActionConfig {
	var out []ActionConfig
	out = append(out, p.InitialActions...)
	for _, st := range p.Stages {
		for _, n := range st.Nodes {
			out = append(out, n.InputActions...)
			out = append(out, n.OutputActions...)
		}
	}
	out = append(out, p.FinalActions...)
	return out
}
