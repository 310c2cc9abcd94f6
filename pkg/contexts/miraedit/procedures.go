package miraedit

import (
	"context"
	"fmt"

	"github.com/harun/askem/pkg/beaker"
	"github.com/harun/askem/pkg/toolexecutor"
)

// procedure is a tool that renders the template of the same name into a code
// cell.
type procedure struct {
	name        string
	description string
	params      []toolexecutor.ToolParameter
}

func (p procedure) tool(b *beaker.BaseContext) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        p.name,
		Description: p.description,
		Parameters:  p.params,
		KeepOutput:  true,
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			vars, err := p.vars(params)
			if err != nil {
				return nil, err
			}
			return b.CodeCell(ctx, p.name, vars)
		},
	}
}

// vars fills in defaults and checks the model variable.
func (p procedure) vars(params map[string]interface{}) (map[string]any, error) {
	vars := make(map[string]any, len(p.params))
	for _, def := range p.params {
		v, ok := params[def.Name]
		if !ok || v == nil {
			v = def.Default
		}
		if v != nil {
			vars[def.Name] = v
		}
	}
	model, _ := vars["model"].(string)
	if err := beaker.VariableName(model); err != nil {
		return nil, fmt.Errorf("model: %w", err)
	}
	return vars, nil
}

const modelDoc = "The variable name identifier of the model. If not known or specified, the default value of `model` should be used."

func modelParam() toolexecutor.ToolParameter {
	return toolexecutor.ToolParameter{Name: "model", Type: "string", Description: modelDoc, Default: "model"}
}

func str(name, description string) toolexecutor.ToolParameter {
	return toolexecutor.ToolParameter{Name: name, Type: "string", Description: description, Required: true}
}

func list(name, items, description string, required bool) toolexecutor.ToolParameter {
	return toolexecutor.ToolParameter{Name: name, Type: "array", Items: items, Description: description, Required: required}
}

func flag(name, description string, fallback bool) toolexecutor.ToolParameter {
	return toolexecutor.ToolParameter{Name: name, Type: "boolean", Description: description, Default: fallback}
}

func initial(state string) toolexecutor.ToolParameter {
	return toolexecutor.ToolParameter{
		Name:        state + "_initial_value",
		Type:        "number",
		Description: "The number associated with the " + state + " state at its first step in time. If not known or not specified the default value of `1` should be used.",
		Default:     1.0,
	}
}

const (
	subjectDoc    = "The state name that is the source of the new transition. This is the state population comes from."
	outcomeDoc    = "The state name that is the new transition's output. This is the state population moves to."
	controllerDoc = "The name of the controller state. This is the state that will impact the transition's rate."
)

// rateParams are shared by every template that adds a transition.
func rateParams() []toolexecutor.ToolParameter {
	return []toolexecutor.ToolParameter{
		str("parameter_name", "The name of the parameter."),
		{Name: "parameter_units", Type: "string", Description: "The units associated with the parameter.", Default: "1"},
		{Name: "parameter_value", Type: "string", Description: "The value of the parameter provided by the user.", Required: true},
		{Name: "parameter_description", Type: "string", Description: "The description associated with the parameter. If not known or not specified the default value of `` should be used.", Default: ""},
		str("template_expression", "The mathematical rate law for the transition."),
		str("template_name", "The name of the transition."),
	}
}

func params(ps ...toolexecutor.ToolParameter) []toolexecutor.ToolParameter {
	return append([]toolexecutor.ToolParameter{modelParam()}, ps...)
}

var procedures = []procedure{
	{
		name:        "replace_template_name",
		description: "This tool is used when a user wants to rename a template that is part of a model.",
		params: params(
			str("old_name", "The old/existing name of the template as it exists in the model before changing."),
			str("new_name", "The name that the template should be changed to."),
		),
	},
	{
		name:        "replace_state_name",
		description: "This tool is used when a user wants to rename a state name within a template that is part of a model.",
		params: params(
			str("template_name", "The template within the model where these changes will be made."),
			str("old_name", "The old/existing name of the state as it exists in the model before changing."),
			str("new_name", "The name that the state should be changed to."),
		),
	},
	{
		name: "add_natural_conversion_template",
		description: "This tool is used when a user wants to add a natural conversion to the model. " +
			"A natural conversion is a template that contains two states and a transition where one state is sending population to the transition and one state is receiving population from the transition. " +
			"The transition rate may only depend on the subject state.\n\n" +
			`An example of this would be "Add a new transition from S to R with the name vaccine with the rate of v" ` +
			"where S is the subject state, R is the outcome state, vaccine is the template_name, and v is the template_expression.",
		params: params(append([]toolexecutor.ToolParameter{
			str("subject_name", subjectDoc), initial("subject"),
			str("outcome_name", outcomeDoc), initial("outcome"),
		}, rateParams()...)...),
	},
	{
		name: "add_controlled_conversion_template",
		description: "This tool is used when a user wants to add a controlled conversion to the model. " +
			"A controlled conversion is a template that contains two states and a transition where one state is sending population to the transition and one state is receiving population from the transition. " +
			"This transition rate depends on a controller state. This controller state can be an existing or new state in the model.\n\n" +
			`An example of this would be "Add a new transition from S to R with the name vaccine with the rate of v. v depends on I" ` +
			"where S is the subject state, R is the outcome state, vaccine is the template_name, v is the template_expression and I is the controller_name.",
		params: params(append([]toolexecutor.ToolParameter{
			str("subject_name", subjectDoc), initial("subject"),
			str("outcome_name", outcomeDoc), initial("outcome"),
			str("controller_name", controllerDoc), initial("controller"),
		}, rateParams()...)...),
	},
	{
		name: "add_natural_production_template",
		description: "This tool is used when a user wants to add a natural production to the model. " +
			"A natural production is a template that contains one state which is receiving population by one transition. The transition will not depend on any state.\n\n" +
			`An example of this would be "Add a new transition from the transition rec to S with a rate of f." ` +
			"where S is the outcome state, rec is the template_name, and f is the template_expression.",
		params: params(append([]toolexecutor.ToolParameter{
			str("outcome_name", outcomeDoc), initial("outcome"),
		}, rateParams()...)...),
	},
	{
		name: "add_controlled_production_template",
		description: "This tool is used when a user wants to add a controlled production to the model. " +
			"A controlled production is a template that contains one state which is receiving population by one transition. " +
			"This transition rate depends on a controller state. This controller state can be an existing or new state in the model.\n\n" +
			`An example of this would be "Add a new transition from the transition rec to S with a rate of f. f depends on R." ` +
			"where S is the outcome state, rec is the template_name, f is the template_expression and the controller is R.",
		params: params(append([]toolexecutor.ToolParameter{
			str("outcome_name", outcomeDoc), initial("outcome"),
			str("controller_name", controllerDoc), initial("controller"),
		}, rateParams()...)...),
	},
	{
		name: "add_natural_degradation_template",
		description: "This tool is used when a user wants to add a natural degradation to the model. " +
			"A natural degradation is a template that contains one state in which the population is leaving through one transition. The transition may only depend on the subject state.\n\n" +
			`An example of this would be "Add a new transition from state S to transition rec with a rate of v." ` +
			"where S is the subject state, rec is the template_name, and v is the template_expression.",
		params: params(append([]toolexecutor.ToolParameter{
			str("subject_name", subjectDoc), initial("subject"),
		}, rateParams()...)...),
	},
	{
		name: "add_controlled_degradation_template",
		description: "This tool is used when a user wants to add a controlled degradation to the model. " +
			"A controlled degradation is a template that contains one state in which the population is leaving through one transition. " +
			"This transition rate depends on a controller state. This controller state can be an existing or new state in the model.\n\n" +
			`An example of this would be "Add a new transition from S to rec with a rate of v. v depends on R." ` +
			"where S is the subject state, rec is the template_name, v is the template_expression and R is the controller state.",
		params: params(append([]toolexecutor.ToolParameter{
			str("subject_name", subjectDoc), initial("subject"),
			str("controller_name", controllerDoc), initial("controller"),
		}, rateParams()...)...),
	},
	{
		name: "add_group_controlled_conversion_template",
		description: "This tool is used when a user wants to add a grouped controlled conversion to the model. " +
			"A grouped controlled conversion moves population from a subject state to an outcome state at a rate that depends on several controller states. " +
			"Controllers that are not yet in the model are added with an initial value of 1.",
		params: params(append([]toolexecutor.ToolParameter{
			str("subject_name", subjectDoc), initial("subject"),
			str("outcome_name", outcomeDoc), initial("outcome"),
			list("controller_names", "string", "The names of the controller states.", true),
		}, rateParams()...)...),
	},
	{
		name:        "remove_templates",
		description: "This tool is used when a user wants to remove one or more templates from a model. Initial values of states no longer used are removed too.",
		params: params(
			list("template_names", "string", "The names of the templates to remove.", true),
		),
	},
	{
		name:        "replace_ratelaw",
		description: "This tool is used when a user wants to replace the rate law of a transition in a model.",
		params: params(
			str("template_name", "The name of the transition whose rate law is to be replaced."),
			str("new_rate_law", "The new rate law, as a mathematical expression of the model's parameters and states."),
		),
	},
	{
		name:        "replace_parameter_name",
		description: "This tool is used when a user wants to rename a parameter. The parameter is renamed in every rate law, observable and initial expression of the model.",
		params: params(
			str("old_name", "The existing name of the parameter."),
			str("new_name", "The name the parameter should be changed to."),
		),
	},
	{
		name: "substitute_parameter",
		description: "This tool is used when a user wants to replace a parameter with a value and remove it from the model. " +
			"Use 1 if the parameter is used multiplicatively and 0 if it is used additively.",
		params: params(
			str("parameter_name", "The name of the parameter to substitute."),
			str("replacement_value", "The value or expression that replaces the parameter."),
		),
	},
	{
		name: "stratify",
		description: "This tool is used when a user wants to stratify a model, for example by age group or location. " +
			"Every state and parameter is split into one copy per stratum unless listed as preserved.",
		params: params(
			str("key", "The name of the stratification, such as `age` or `city`."),
			list("strata", "string", "The names of the strata, such as `young` and `old`.", true),
			list("structure", "array", "Pairs of strata between which population can move. If not given, every pair is connected.", false),
			flag("directed", "Whether transitions between strata only go in the order given in structure.", false),
			flag("cartesian_control", "Whether controlled transitions are split over every combination of strata.", false),
			flag("modify_names", "Whether stratified names get the stratum appended.", true),
			list("concepts_to_stratify", "string", "The states to stratify. If not given, every state is stratified.", false),
			list("concepts_to_preserve", "string", "The states to leave unstratified.", false),
			list("params_to_stratify", "string", "The parameters to stratify. If not given, every parameter is stratified.", false),
			list("params_to_preserve", "string", "The parameters to leave unstratified.", false),
			flag("add_param_factor", "Whether each stratified parameter gets a separate stratification factor.", true),
		),
	},
	{
		name:        "add_observable_pattern",
		description: "This tool is used when a user wants to add an observable that sums every state matching a set of identifiers and context values.",
		params: params(
			str("new_name", "The name of the new observable."),
			list("identifier_keys", "string", "The identifier namespaces to match, such as `ido`.", false),
			list("identifier_values", "string", "The identifier values, in the same order as identifier_keys.", false),
			list("context_keys", "string", "The context keys to match, such as `age`.", false),
			list("context_values", "string", "The context values, in the same order as context_keys.", false),
		),
	},
}
