package pipeline

import (
	"fmt"

	"mediamill/internal/artifact"
	"mediamill/internal/progress"
	"mediamill/internal/services"
	"mediamill/internal/stage"
)

// StageRequest names one stage of a submission with its parameters.
type StageRequest struct {
	Name   string            `json:"name" yaml:"name"`
	Params map[string]string `json:"params,omitempty" yaml:"params,omitempty"`
}

// Compiler turns a requested stage sequence into the resolved specs a job
// executes. Compilation fails the whole submission on the first unknown
// stage, bad parameter, or kind mismatch; nothing is enqueued on error.
type Compiler struct {
	registry *stage.Registry
}

// NewCompiler builds a compiler over the registered stages.
func NewCompiler(registry *stage.Registry) *Compiler {
	return &Compiler{registry: registry}
}

// Compile validates that each stage exists, its parameters check out, and
// the artifact kind produced by each stage satisfies the input declaration
// of the next.
func (c *Compiler) Compile(inputKind artifact.Kind, requests []StageRequest) ([]progress.StageSpec, error) {
	if len(requests) == 0 {
		return nil, services.Wrap(services.ErrValidation, "", "compile pipeline",
			"a job needs at least one stage", nil)
	}

	specs := make([]progress.StageSpec, 0, len(requests))
	current := inputKind
	for i, request := range requests {
		handler, err := c.registry.Lookup(request.Name)
		if err != nil {
			return nil, err
		}
		desc := handler.Descriptor()
		if err := desc.ValidateParams(request.Params); err != nil {
			return nil, err
		}
		if !current.Satisfies(desc.InputKind) {
			return nil, services.Wrap(services.ErrValidation, request.Name, "compile pipeline",
				fmt.Sprintf("stage %d (%s) consumes %s but receives %s", i, request.Name, desc.InputKind, current), nil)
		}
		specs = append(specs, progress.StageSpec{
			Name:       request.Name,
			Params:     request.Params,
			InputKind:  desc.InputKind,
			OutputKind: desc.OutputKind,
		})
		current = desc.OutputKind
	}
	return specs, nil
}
