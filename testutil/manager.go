package testutil

import (
	"github.com/skosovsky/turnsy"
)

// NewTestManager returns a Manager over the given tools with panic recovery
// enabled and the default approval policy, suitable for tests.
func NewTestManager(tools ...turnsy.Tool) (*turnsy.Manager, *turnsy.Registry) {
	reg := turnsy.NewRegistry()
	for _, t := range tools {
		reg.Register(t)
	}
	mgr := turnsy.NewManager(reg, turnsy.WithRecoverPanics(true))
	return mgr, reg
}
