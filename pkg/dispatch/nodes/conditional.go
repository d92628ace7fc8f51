package nodes

import (
	"fmt"

	"github.com/randalmurphal/flowdispatch/pkg/dispatch"
	"github.com/randalmurphal/flowdispatch/pkg/dispatch/condition"
)

// Conditional branch keys.
const (
	BranchIf   = "IF"
	BranchElse = "ELSE"
)

// ElseIf returns the key of the n-th ELSE IF branch (1-based).
func ElseIf(n int) string {
	return fmt.Sprintf("ELSE IF %d", n)
}

// Branch is one IF / ELSE IF arm. A non-empty Expression is evaluated with
// CEL instead of List.
type Branch struct {
	Condition  condition.Logic `json:"condition,omitempty"`
	List       []Comparison    `json:"list,omitempty"`
	Expression string          `json:"expression,omitempty"`
}

// Comparison compares a referenced value with a literal. String literals
// are rendered first.
type Comparison struct {
	Variable *dispatch.Reference `json:"variable"`
	Operator condition.Operator  `json:"condition"`
	Value    any                 `json:"value,omitempty"`
}

// Conditional evaluates the ifElseList input in order and activates the
// handle of the first arm that holds, or ELSE. It outputs ifElseResult.
type Conditional struct {
	cel    *condition.CEL
	celErr error
}

// NewConditional creates a conditional executor with its CEL environment.
func NewConditional() *Conditional {
	c, err := condition.NewCEL()
	return &Conditional{cel: c, celErr: err}
}

// Execute implements dispatch.Executor.
func (c *Conditional) Execute(ctx dispatch.Context, in dispatch.Inputs) (*dispatch.NodeResult, error) {
	var branches []Branch
	if err := decodeInput(in, "ifElseList", &branches); err != nil {
		return nil, err
	}

	result := BranchElse
	for i, b := range branches {
		ok, err := c.holds(ctx, b)
		if err != nil {
			return nil, fmt.Errorf("branch %d: %w", i, err)
		}
		if !ok {
			continue
		}
		result = BranchIf
		if i > 0 {
			result = ElseIf(i)
		}
		break
	}

	return &dispatch.NodeResult{
		Outputs: map[string]any{"ifElseResult": result},
		Handles: []string{SourceHandle(ctx.Node().ID, result)},
	}, nil
}

func (c *Conditional) holds(ctx dispatch.Context, b Branch) (bool, error) {
	if b.Expression != "" {
		if c.celErr != nil {
			return false, c.celErr
		}
		nodes := make(map[string]any)
		for id, out := range ctx.Outputs() {
			nodes[id] = out
		}
		return c.cel.Eval(b.Expression, ctx.Variables(), nodes)
	}

	vars := ctx.Variables()
	items := make([]condition.Item, 0, len(b.List))
	for _, cmp := range b.List {
		var left any
		if r := cmp.Variable; r != nil {
			if r.NodeID == dispatch.VariableNodeID {
				left = vars[r.Key]
			} else {
				left, _ = ctx.Output(r.NodeID, r.Key)
			}
		}
		right := cmp.Value
		if s, ok := right.(string); ok {
			rendered, err := ctx.Render(s)
			if err != nil {
				return false, err
			}
			right = rendered
		}
		items = append(items, condition.Item{Left: left, Operator: cmp.Operator, Right: right})
	}
	logic := b.Condition
	if logic == "" {
		logic = condition.And
	}
	return condition.Evaluate(logic, items)
}
