package interconnect

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/mattjoyce/stepd/internal/environ"
	"github.com/mattjoyce/stepd/internal/job"
)

// SlotVar is the variable through which the static fabric tells a task which
// slot its step holds.
const SlotVar = "STEPD_FABRIC_SLOT"

// holdKey names one dispatcher instance's hold on a slot.
type holdKey struct {
	instance string
	jobID    uint32
	stepID   uint32
}

func keyOf(j *job.Record) holdKey {
	return holdKey{instance: j.Instance, jobID: j.JobID, stepID: j.StepID}
}

// Static is a fabric with a fixed number of per-node slots. Each step instance
// that calls Init holds its own slot until its own Fini, even when another
// instance (a spawn joining a launch) carries the same job and step ids.
// Tasks receive the configured variables and their instance's slot number.
type Static struct {
	slots int
	keys  []string
	env   map[string]string

	mu     sync.Mutex
	active map[holdKey]int
}

// NewStatic returns a static fabric with the given capacity. A non-positive
// capacity means one slot.
func NewStatic(slots int, env map[string]string) *Static {
	if slots <= 0 {
		slots = 1
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return &Static{
		slots:  slots,
		keys:   keys,
		env:    env,
		active: make(map[holdKey]int),
	}
}

func (s *Static) Init(_ context.Context, j *job.Record) error {
	key := keyOf(j)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.active[key]; ok {
		return nil
	}
	slot, ok := s.freeSlotLocked()
	if !ok {
		return fmt.Errorf("static fabric: all %d slots in use", s.slots)
	}
	s.active[key] = slot
	return nil
}

func (s *Static) Attach(_ context.Context, j *job.Record, taskIndex int) error {
	if _, err := j.Task(taskIndex); err != nil {
		return fmt.Errorf("static fabric: %w", err)
	}
	if _, ok := s.slot(j); !ok {
		return fmt.Errorf("static fabric: step %s not initialised", j)
	}
	return nil
}

func (s *Static) Env(j *job.Record, taskIndex int, env *environ.List) error {
	if _, err := j.Task(taskIndex); err != nil {
		return fmt.Errorf("static fabric: %w", err)
	}
	slot, ok := s.slot(j)
	if !ok {
		return fmt.Errorf("static fabric: step %s not initialised", j)
	}
	for _, k := range s.keys {
		if err := env.Set(k, s.env[k]); err != nil {
			return err
		}
	}
	return env.Set(SlotVar, strconv.Itoa(slot))
}

func (s *Static) Fini(_ context.Context, j *job.Record) error {
	s.mu.Lock()
	delete(s.active, keyOf(j))
	s.mu.Unlock()
	return nil
}

// InUse returns the number of held slots.
func (s *Static) InUse() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

func (s *Static) slot(j *job.Record) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot, ok := s.active[keyOf(j)]
	return slot, ok
}

func (s *Static) freeSlotLocked() (int, bool) {
	used := make(map[int]bool, len(s.active))
	for _, slot := range s.active {
		used[slot] = true
	}
	for i := 0; i < s.slots; i++ {
		if !used[i] {
			return i, true
		}
	}
	return 0, false
}
