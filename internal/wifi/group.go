package wifi

import (
	"errors"

	"bridge-controller/internal/core"
)

// Group drives several radios as one. Start runs in order and Stop in
// reverse; every member is attempted and the errors are joined.
type Group struct {
	name   string
	radios []core.Radio
}

func NewGroup(name string, radios ...core.Radio) *Group {
	return &Group{name: name, radios: radios}
}

func (g *Group) Name() string { return g.name }

func (g *Group) Start() error {
	var errs []error
	for _, r := range g.radios {
		if err := r.Start(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (g *Group) Stop() error {
	var errs []error
	for i := len(g.radios) - 1; i >= 0; i-- {
		if err := g.radios[i].Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Noop stands in for hardware the host does not have.
type Noop string

func (n Noop) Name() string { return string(n) }
func (Noop) Start() error   { return nil }
func (Noop) Stop() error    { return nil }
