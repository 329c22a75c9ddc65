package session

import (
	"fmt"
)

// Status is a session's position in the lifecycle state machine.
type Status string

const (
	StatusPending         Status = "pending"
	StatusWorking         Status = "working"
	StatusWaitingApproval Status = "waiting_approval"
	StatusWaitingInput    Status = "waiting_input"
	StatusIdle            Status = "idle"
	StatusCompleted       Status = "completed"
	StatusFailed          Status = "failed"
	StatusCancelled       Status = "cancelled"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{
	StatusPending, StatusWorking, StatusWaitingApproval, StatusWaitingInput,
	StatusIdle, StatusCompleted, StatusFailed, StatusCancelled,
}

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// IsWaiting reports whether the agent is blocked on the user.
func (s Status) IsWaiting() bool {
	return s == StatusWaitingApproval || s == StatusWaitingInput
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

var transitions = map[Status][]Status{
	StatusPending:         {StatusWorking, StatusFailed, StatusCancelled},
	StatusWorking:         {StatusWaitingApproval, StatusWaitingInput, StatusIdle, StatusCompleted, StatusFailed, StatusCancelled},
	StatusWaitingApproval: {StatusWorking, StatusCancelled},
	StatusWaitingInput:    {StatusWorking, StatusCancelled},
	StatusIdle:            {StatusWorking, StatusCompleted, StatusFailed, StatusCancelled},
	StatusCompleted:       {},
	StatusFailed:          {},
	StatusCancelled:       {},
}

// ValidateTransition returns an error unless from -> to is an edge of the
// lifecycle state machine.
func ValidateTransition(from, to Status) error {
	allowed, ok := transitions[from]
	if !ok {
		return fmt.Errorf("unknown status %q", from)
	}
	for _, s := range allowed {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("invalid transition %s -> %s", from, to)
}

// PathTo returns the shortest chain of statuses leading from from to to,
// excluding from itself. It returns nil when to is unreachable. Used when a
// process exit arrives while the session sits in a waiting state and must
// pass back through working before it can terminate.
func PathTo(from, to Status) []Status {
	if from == to {
		return nil
	}
	type node struct {
		s    Status
		path []Status
	}
	seen := map[Status]bool{from: true}
	queue := []node{{s: from}}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range transitions[cur.s] {
			if seen[next] {
				continue
			}
			path := append(append([]Status(nil), cur.path...), next)
			if next == to {
				return path
			}
			seen[next] = true
			queue = append(queue, node{s: next, path: path})
		}
	}
	return nil
}
