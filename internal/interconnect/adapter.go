// Package interconnect defines the fabric lifecycle a step goes through and
// the fabric variants the daemon ships with.
//
// A variant is selected once at daemon start and used for every step. The
// dispatcher only sees the Adapter interface.
package interconnect

import (
	"context"
	"fmt"

	"github.com/mattjoyce/stepd/internal/config"
	"github.com/mattjoyce/stepd/internal/environ"
	"github.com/mattjoyce/stepd/internal/job"
)

//go:generate mockgen -destination=../dispatch/mocks/mock_adapter.go -package=mocks github.com/mattjoyce/stepd/internal/interconnect Adapter

// Adapter is the four-call fabric lifecycle of a step.
type Adapter interface {
	// Init reserves per-step fabric resources. Calling it twice for the same
	// step is harmless.
	Init(ctx context.Context, j *job.Record) error
	// Attach binds task taskIndex to the step's resources before exec.
	Attach(ctx context.Context, j *job.Record, taskIndex int) error
	// Env adds fabric variables for task taskIndex to env.
	Env(j *job.Record, taskIndex int, env *environ.List) error
	// Fini releases per-step resources. It must tolerate a failed or missing Init.
	Fini(ctx context.Context, j *job.Record) error
}

// New returns the variant named by cfg.Type.
func New(cfg config.InterconnectConfig) (Adapter, error) {
	switch cfg.Type {
	case "", TypeNone:
		return None{}, nil
	case TypeStatic:
		return NewStatic(cfg.Slots, cfg.Env), nil
	default:
		return nil, fmt.Errorf("unknown interconnect type %q", cfg.Type)
	}
}

const (
	TypeNone   = "none"
	TypeStatic = "static"
)

// None is used on nodes without a high-speed fabric. Every call succeeds.
type None struct{}

func (None) Init(context.Context, *job.Record) error { return nil }
func (None) Attach(context.Context, *job.Record, int) error { return nil }
func (None) Env(*job.Record, int, *environ.List) error { return nil }
func (None) Fini(context.Context, *job.Record) error { return nil }
