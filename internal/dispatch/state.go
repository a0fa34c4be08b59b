package dispatch

import "fmt"

// State is the delivery state of one envelope for one subscriber.
type State int

const (
	StatePending State = iota
	StateDelivering
	StateDelivered
	StateFailed
	StateRetrying
	StateAbandoned
	// StateCancelled ends jobs whose subscriber went away before completion.
	StateCancelled
	// StateDropped ends jobs evicted from a full subscriber queue.
	StateDropped
)

var stateNames = map[State]string{
	StatePending:    "pending",
	StateDelivering: "delivering",
	StateDelivered:  "delivered",
	StateFailed:     "failed",
	StateRetrying:   "retrying",
	StateAbandoned:  "abandoned",
	StateCancelled:  "cancelled",
	StateDropped:    "dropped",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return len(transitions[s]) == 0
}

var transitions = map[State][]State{
	StatePending:    {StateDelivering, StateCancelled, StateDropped},
	StateDelivering: {StateDelivered, StateFailed, StateCancelled},
	StateFailed:     {StateRetrying, StateAbandoned, StateCancelled},
	StateRetrying:   {StateDelivering, StateAbandoned, StateCancelled},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// path records the states a job passes through.
type path []State

func (p *path) current() State { return (*p)[len(*p)-1] }

func (p *path) to(s State) {
	if from := p.current(); !canTransition(from, s) {
		panic(fmt.Sprintf("dispatch: illegal transition %s -> %s", from, s))
	}
	*p = append(*p, s)
}
