// Package intent tracks push-payment attempts from creation to resolution.
package intent

// Status is the lifecycle state of a payment intent.
type Status string

const (
	StatusCreated   Status = "created"
	StatusPushed    Status = "pushed"
	StatusSettled   Status = "settled"
	StatusDeclined  Status = "declined"
	StatusTimedOut  Status = "timed_out"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusSettled, StatusDeclined, StatusTimedOut, StatusCancelled:
		return true
	}
	return false
}

// transitions lists the allowed moves out of each non-terminal status. A
// created intent can fail before its push completes: a synchronous gateway
// rejection declines it and the sweep can expire it, so every terminal
// status except settled is reachable from created. Settlement requires a
// completed push.
var transitions = map[Status][]Status{
	StatusCreated: {StatusPushed, StatusDeclined, StatusTimedOut, StatusCancelled},
	StatusPushed:  {StatusSettled, StatusDeclined, StatusTimedOut, StatusCancelled},
}

// CanTransition reports whether moving from one status to another is legal.
func CanTransition(from, to Status) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
