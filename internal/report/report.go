// Package report delivers terminal step reports to whoever asked for them.
package report

import (
	"context"
	"errors"

	"github.com/mattjoyce/stepd/internal/protocol"
)

// Reporter receives the terminal report of every step.
type Reporter interface {
	Report(ctx context.Context, rep *protocol.StepReport) error
}

// Multi sends a report to every reporter and joins their errors.
type Multi []Reporter

func (m Multi) Report(ctx context.Context, rep *protocol.StepReport) error {
	var errs []error
	for _, r := range m {
		if r == nil {
			continue
		}
		if err := r.Report(ctx, rep); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Func adapts a function to Reporter.
type Func func(ctx context.Context, rep *protocol.StepReport) error

func (f Func) Report(ctx context.Context, rep *protocol.StepReport) error { return f(ctx, rep) }
