package command

import (
	"errors"
	"fmt"
)

// Designation is one prepared action applied to one or many targets. Prepare
// sets auxiliary global state the action relies on; Restore undoes it.
type Designation interface {
	Prepare()
	Restore()
	Targets() int
	ApplyTo(i int) error
}

// RunDesignator applies d to every target. Restore runs even when ApplyTo
// fails or panics, so auxiliary state never leaks past the command.
func RunDesignator(d Designation) (err error) {
	d.Prepare()
	defer d.Restore()

	var errs []error
	for i := 0; i < d.Targets(); i++ {
		if e := d.ApplyTo(i); e != nil {
			errs = append(errs, fmt.Errorf("target %d: %w", i, e))
		}
	}
	return errors.Join(errs...)
}
