package dispatch

import (
	"context"

	"github.com/mattjoyce/stepd/internal/protocol"
	"github.com/mattjoyce/stepd/internal/script"
	"github.com/mattjoyce/stepd/internal/taskexec"
)

//go:generate mockgen -destination=mocks/mock_dispatch.go -package=mocks github.com/mattjoyce/stepd/internal/dispatch Launcher,Reporter,ScriptRunner
//go:generate mockgen -destination=mocks/mock_process.go -package=mocks github.com/mattjoyce/stepd/internal/taskexec Process

// ScriptRunner runs prolog and epilog scripts.
type ScriptRunner interface {
	Run(ctx context.Context, d script.Descriptor) (int, error)
}

// Launcher forks task processes.
type Launcher interface {
	Start(ctx context.Context, spec taskexec.TaskSpec) (taskexec.Process, error)
}

// Reporter receives terminal step reports.
type Reporter interface {
	Report(ctx context.Context, rep *protocol.StepReport) error
}
