package l2tp

import (
	"errors"
	"fmt"
)

var errNoTransition = errors.New("no transition defined")

// fsmCallback runs the work associated with a transition.  If it
// returns an error the transition is abandoned.
type fsmCallback func() error

type eventDesc struct {
	from, to HandshakeState
	events   []string
	cb       fsmCallback
}

type fsm struct {
	current HandshakeState
	table   []eventDesc
}

func (f *fsm) handleEvent(e string) error {
	for _, t := range f.table {
		if f.current == t.from {
			for _, event := range t.events {
				if e == event {
					if t.cb != nil {
						if err := t.cb(); err != nil {
							return err
						}
					}
					f.current = t.to
					return nil
				}
			}
		}
	}
	return fmt.Errorf("%w for event %v in state %v", errNoTransition, e, f.current)
}
