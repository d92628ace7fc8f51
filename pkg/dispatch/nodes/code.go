package nodes

import (
	"fmt"
	"time"

	"github.com/randalmurphal/flowdispatch/pkg/dispatch"
	"github.com/randalmurphal/flowdispatch/pkg/dispatch/sandbox"
)

// CodeRun runs its code input in the sandbox. Every other input is a
// program variable; the program's result keys become outputs, and the whole
// result is also available as rawResponse.
//
// Inputs: codeType (expr or jq, default expr), code, timeoutMs.
type CodeRun struct{}

// Execute implements dispatch.Executor.
func (CodeRun) Execute(ctx dispatch.Context, in dispatch.Inputs) (*dispatch.NodeResult, error) {
	sb := ctx.Sandbox()
	if sb == nil {
		return nil, fmt.Errorf("sandbox: %w", dispatch.ErrNilCollaborator)
	}

	vars := make(map[string]any, len(in))
	for k, v := range in {
		switch k {
		case "code", "codeType", "timeoutMs":
		default:
			vars[k] = v
		}
	}

	req := sandbox.Request{
		Language:  in.String("codeType"),
		Code:      in.String("code"),
		Variables: vars,
	}
	if ms := in.Int("timeoutMs", 0); ms > 0 {
		req.Limits.Timeout = time.Duration(ms) * time.Millisecond
	}

	res, err := sb.Run(ctx, req)
	if err != nil {
		return nil, dispatch.WrapCollaborator("sandbox", "run", err)
	}
	if res.Error != "" {
		return nil, fmt.Errorf("code run: %s", res.Error)
	}

	outputs := make(map[string]any, len(res.Output)+1)
	for k, v := range res.Output {
		outputs[k] = v
	}
	outputs["rawResponse"] = res.Output

	out := &dispatch.NodeResult{Outputs: outputs}
	if len(res.Logs) > 0 {
		out.Detail = &dispatch.Detail{Extra: map[string]any{"logs": res.Logs}}
	}
	return out, nil
}
