package command

import "github.com/rng-ops/infrasim/pkg/graph"

// GraphSnapshot returns the current desired-state dependency graph.
func (s *Service) GraphSnapshot() (*graph.Graph, error) {
	var g *graph.Graph
	err := instrument("graph.snapshot", func() error {
		var err error
		g, err = s.graph.Snapshot()
		return err
	})
	return g, err
}

// GraphPlan validates a batch of operations against the current desired
// graph and returns an opaque plan for a later GraphApply.
func (s *Service) GraphPlan(ops []graph.Op) (*graph.Plan, error) {
	var plan *graph.Plan
	err := instrument("graph.plan", func() error {
		var err error
		plan, err = s.graph.Plan(ops)
		return err
	})
	return plan, err
}

// GraphApply commits a previously built plan, then wakes the reconciler so
// the new desired state starts converging immediately.
func (s *Service) GraphApply(planID string) error {
	return instrument("graph.apply", func() error {
		if err := s.graph.Apply(planID); err != nil {
			return err
		}
		s.wake()
		return nil
	})
}

// GraphValidate runs a read-only pass over the current desired graph and
// returns its warnings.
func (s *Service) GraphValidate() ([]graph.Warning, error) {
	var warnings []graph.Warning
	err := instrument("graph.validate", func() error {
		var err error
		warnings, err = s.graph.Validate()
		return err
	})
	return warnings, err
}
