package stage

import (
	"context"

	"mediamill/internal/artifact"
)

// ProgressFunc reports handler progress as a percentage in [0,100] with an
// optional human-readable message. Implementations must tolerate nil.
type ProgressFunc func(percent float64, message string)

// Request carries everything a handler needs to run one stage attempt. The
// input artifact has already been fetched to InputPath inside WorkDir; the
// handler writes its output under WorkDir and names it in the Result.
type Request struct {
	JobID      string
	StageIndex int
	Attempt    int
	Input      artifact.Ref
	InputPath  string
	WorkDir    string
	Params     map[string]string
}

// Param returns a parameter value with a fallback default.
func (r *Request) Param(name, fallback string) string {
	if v, ok := r.Params[name]; ok && v != "" {
		return v
	}
	return fallback
}

// Result describes the artifact a handler produced.
type Result struct {
	OutputPath string
	OutputKind artifact.Kind
	Message    string
}

// Handler executes one kind of pipeline stage. Implementations must be safe
// for concurrent use: the worker pool runs one handler instance across many
// tasks. Execute must honor ctx cancellation and return classified errors
// (services.ErrTransient / services.ErrPermanent) so the retry policy can
// decide what to do with a failure.
type Handler interface {
	Descriptor() Descriptor
	Execute(ctx context.Context, req *Request, report ProgressFunc) (*Result, error)
}
