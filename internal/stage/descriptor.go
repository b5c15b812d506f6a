package stage

import (
	"fmt"
	"sort"

	"mediamill/internal/artifact"
	"mediamill/internal/services"
)

// ParamSpec declares one parameter a stage accepts.
type ParamSpec struct {
	Name     string
	Required bool
	// Validate checks a provided value. Nil means any value is accepted.
	Validate func(value string) error
}

// Descriptor declares a stage's name, the artifact kinds it consumes and
// produces, and the parameters it accepts. The workflow compiler uses the
// kind declarations to reject pipelines whose stages cannot be chained.
type Descriptor struct {
	Name       string
	InputKind  artifact.Kind
	OutputKind artifact.Kind
	Params     []ParamSpec
}

// ValidateParams checks a submission's parameters against the declaration.
// Unknown parameters and missing required parameters are validation errors.
func (d Descriptor) ValidateParams(params map[string]string) error {
	specs := make(map[string]ParamSpec, len(d.Params))
	for _, spec := range d.Params {
		specs[spec.Name] = spec
	}
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		spec, ok := specs[name]
		if !ok {
			return services.Wrap(services.ErrValidation, d.Name, "validate params",
				fmt.Sprintf("unknown parameter %q for stage %s", name, d.Name), nil)
		}
		if spec.Validate != nil {
			if err := spec.Validate(params[name]); err != nil {
				return services.Wrap(services.ErrValidation, d.Name, "validate params",
					fmt.Sprintf("invalid value for parameter %q", name), err)
			}
		}
	}
	for _, spec := range d.Params {
		if spec.Required {
			if _, ok := params[spec.Name]; !ok {
				return services.Wrap(services.ErrValidation, d.Name, "validate params",
					fmt.Sprintf("stage %s requires parameter %q", d.Name, spec.Name), nil)
			}
		}
	}
	return nil
}
