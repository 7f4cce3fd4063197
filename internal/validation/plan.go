package validation

import (
	"fmt"
	"time"

	"github.com/rendis/ensemble/internal/actions"
	"github.com/rendis/ensemble/internal/agent"
	"github.com/rendis/ensemble/pkg/schema"
)

// PlanValidator performs pre-flight validation of workflow plans.
// Everything it rejects surfaces synchronously to the caller before a
// single node is dispatched.
type PlanValidator struct {
	registry *actions.Registry
	invoker  agent.Invoker
	params   *ParamValidator
}

// NewPlanValidator creates a validator bound to the action registry and
// the capability invoker.
func NewPlanValidator(registry *actions.Registry, invoker agent.Invoker) (*PlanValidator, error) {
	params, err := NewParamValidator()
	if err != nil {
		return nil, err
	}
	return &PlanValidator{registry: registry, invoker: invoker, params: params}, nil
}

// Validate runs all structural, capability, and action checks and
// aggregates every issue rather than stopping at the first.
func (v *PlanValidator) Validate(plan *schema.WorkflowPlan) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if plan == nil {
		result.AddError("", "nil_plan", "plan is nil")
		return result
	}

	v.checkStructure(plan, result)
	v.checkCapabilities(plan, result)
	v.checkActions(plan, result)
	return result
}

func (v *PlanValidator) checkStructure(plan *schema.WorkflowPlan, result *schema.ValidationResult) {
	if plan.Query == "" {
		result.AddError("query", "empty_query", "plan query must not be empty")
	}

	switch plan.Strategy {
	case schema.StrategySimple, schema.StrategySequential, schema.StrategyParallel, schema.StrategyMixed:
	case "":
		result.AddError("strategy", "missing_strategy", "plan strategy is required")
	default:
		result.AddError("strategy", "unknown_strategy",
			fmt.Sprintf("unknown strategy %q", plan.Strategy))
	}

	if len(plan.Stages) == 0 {
		result.AddError("stages", "no_stages", "plan must have at least one stage")
		return
	}

	switch plan.Strategy {
	case schema.StrategySimple:
		if len(plan.Stages) != 1 || len(plan.Stages[0].Nodes) != 1 {
			result.AddError("stages", "simple_shape",
				"simple strategy requires exactly one stage with one node")
		}
	case schema.StrategySequential:
		if len(plan.Stages) != 1 || plan.Stages[0].Mode != schema.StageSequential {
			result.AddError("stages", "sequential_shape",
				"sequential strategy requires exactly one sequential stage")
		}
	case schema.StrategyParallel:
		if len(plan.Stages) != 1 || plan.Stages[0].Mode != schema.StageParallel {
			result.AddError("stages", "parallel_shape",
				"parallel strategy requires exactly one parallel stage")
		}
	case schema.StrategyMixed:
		if len(plan.Stages) < 2 {
			result.AddError("stages", "mixed_shape",
				"mixed strategy requires at least two stages")
		}
	}

	seen := make(map[string]struct{})
	for si, stage := range plan.Stages {
		stagePath := fmt.Sprintf("stages[%d]", si)

		if stage.Mode != schema.StageParallel && stage.Mode != schema.StageSequential {
			result.AddError(stagePath+".mode", "unknown_mode",
				fmt.Sprintf("unknown stage mode %q", stage.Mode))
		}
		if len(stage.Nodes) == 0 {
			result.AddError(stagePath+".nodes", "empty_stage", "stage has no nodes")
		}

		for ni, node := range stage.Nodes {
			nodePath := fmt.Sprintf("%s.nodes[%d]", stagePath, ni)
			if node.ID == "" {
				result.AddError(nodePath+".id", "missing_node_id", "node id is required")
				continue
			}
			if _, dup := seen[node.ID]; dup {
				result.AddError(nodePath+".id", "duplicate_node_id",
					fmt.Sprintf("duplicate node id %q", node.ID))
			}
			seen[node.ID] = struct{}{}

			if node.Capability == "" {
				result.AddError(nodePath+".capability", "missing_capability",
					fmt.Sprintf("node %s has no capability", node.ID))
			}
			if node.Timeout != "" {
				if _, err := time.ParseDuration(node.Timeout); err != nil {
					result.AddError(nodePath+".timeout", "bad_timeout",
						fmt.Sprintf("node %s timeout %q is not a duration", node.ID, node.Timeout))
				}
			}
		}
	}

	// Multiple terminal results need a synthesizer to merge them.
	if plan.TerminalResultCount() > 1 && plan.Synthesizer == "" {
		result.AddError("synthesizer", "synthesizer_required",
			fmt.Sprintf("%d terminal results require a synthesizer", plan.TerminalResultCount()))
	}

	if plan.EstimatedDuration != "" {
		if _, err := time.ParseDuration(plan.EstimatedDuration); err != nil {
			result.AddWarning("estimated_duration", "bad_duration",
				fmt.Sprintf("estimated_duration %q is not a duration", plan.EstimatedDuration))
		}
	}
}

func (v *PlanValidator) checkCapabilities(plan *schema.WorkflowPlan, result *schema.ValidationResult) {
	if v.invoker == nil {
		return
	}
	for _, node := range plan.Nodes() {
		if node.Capability == "" {
			continue
		}
		if !v.invoker.Supports(node.Capability) {
			result.AddError("stages", "unknown_capability",
				fmt.Sprintf("node %s: capability %q is not available", node.ID, node.Capability))
		}
	}
	if plan.Synthesizer != "" && !v.invoker.Supports(plan.Synthesizer) {
		result.AddError("synthesizer", "unknown_capability",
			fmt.Sprintf("synthesizer capability %q is not available", plan.Synthesizer))
	}
}

func (v *PlanValidator) checkActions(plan *schema.WorkflowPlan, result *schema.ValidationResult) {
	if v.registry == nil {
		return
	}
	for i, cfg := range plan.ActionConfigs() {
		path := fmt.Sprintf("actions[%d]", i)
		if cfg.Method == "" {
			result.AddError(path+".method", "missing_method", "action method is required")
			continue
		}

		action, err := v.registry.Resolve(cfg.Method)
		if err != nil {
			result.AddError(path+".method", "unknown_action",
				fmt.Sprintf("action %q is not registered", cfg.Method))
			continue
		}

		// Action-specific semantic validation first, then the declared
		// JSON schema for the params shape.
		if err := action.Validate(cfg.Params); err != nil {
			result.AddError(path+".params", "invalid_params", err.Error())
			continue
		}
		if raw := action.Schema().ParamSchema; len(raw) > 0 {
			if err := v.params.ValidateParams(cfg.Params, raw); err != nil {
				result.AddError(path+".params", "schema_violation", err.Error())
			}
		}
	}
}
