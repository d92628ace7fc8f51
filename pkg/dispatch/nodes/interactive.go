package nodes

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/randalmurphal/flowdispatch/pkg/dispatch"
)

// Keys that receive the user's reply when an interactive node resumes.
const (
	KeySelectResult = "selectResult"
	KeyFormResult   = "formInputResult"
)

// ErrUnknownOption is returned when a resumed userSelect node gets a reply
// that matches none of its options.
var ErrUnknownOption = errors.New("reply matches no option")

// UserSelect suspends the run with a choice between its userSelectOptions.
// On resume the user's reply selects an option by value or key; the node
// outputs selectResult and activates the option's handle.
type UserSelect struct{}

// Execute implements dispatch.Executor.
func (UserSelect) Execute(ctx dispatch.Context, in dispatch.Inputs) (*dispatch.NodeResult, error) {
	var opts []dispatch.SelectOption
	if err := decodeInput(in, "userSelectOptions", &opts); err != nil {
		return nil, err
	}

	if ctx.LastInteractive() == nil {
		return &dispatch.NodeResult{Interactive: &dispatch.Interactive{
			Type:     dispatch.InteractiveUserSelect,
			Prompt:   in.String("description"),
			Options:  opts,
			InputKey: KeySelectResult,
		}}, nil
	}

	reply := strings.TrimSpace(in.String(KeySelectResult))
	for _, o := range opts {
		if o.Value == reply || o.Key == reply {
			return &dispatch.NodeResult{
				Outputs: map[string]any{KeySelectResult: o.Value},
				Handles: []string{SourceHandle(ctx.Node().ID, o.Key)},
			}, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownOption, reply)
}

// UserInput suspends the run with the form in userInputForms. On resume the
// reply is a JSON object of field values (plain text fills a single-field
// form). Each field becomes an output, and formInputResult holds them all.
type UserInput struct{}

// Execute implements dispatch.Executor.
func (UserInput) Execute(ctx dispatch.Context, in dispatch.Inputs) (*dispatch.NodeResult, error) {
	var forms []dispatch.FormField
	if err := decodeInput(in, "userInputForms", &forms); err != nil {
		return nil, err
	}

	if ctx.LastInteractive() == nil {
		return &dispatch.NodeResult{Interactive: &dispatch.Interactive{
			Type:     dispatch.InteractiveUserInput,
			Prompt:   in.String("description"),
			Forms:    forms,
			InputKey: KeyFormResult,
		}}, nil
	}

	values, err := formValues(in.Get(KeyFormResult), forms)
	if err != nil {
		return nil, err
	}

	outputs := make(map[string]any, len(forms)+1)
	for _, f := range forms {
		v := values[f.Key]
		if f.Required && (v == nil || v == "") {
			return nil, fmt.Errorf("%w: %s", dispatch.ErrMissingInput, f.Key)
		}
		outputs[f.Key] = dispatch.FormatValue(f.ValueType, v)
	}
	outputs[KeyFormResult] = values
	return &dispatch.NodeResult{Outputs: outputs}, nil
}

func formValues(reply any, forms []dispatch.FormField) (map[string]any, error) {
	switch v := reply.(type) {
	case map[string]any:
		return v, nil
	case string:
		var values map[string]any
		if err := json.Unmarshal([]byte(v), &values); err == nil {
			return values, nil
		}
		if len(forms) == 1 {
			return map[string]any{forms[0].Key: v}, nil
		}
		return nil, errors.New("form reply is not a JSON object")
	case nil:
		return map[string]any{}, nil
	}
	return nil, fmt.Errorf("form reply has type %T", reply)
}
