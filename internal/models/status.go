package models

type Status string

const (
	StatusPending   Status = "pending"
	StatusAccepted  Status = "accepted"
	StatusRejected  Status = "rejected"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// transitions maps a target status to the statuses it may be entered from.
// pending is never a target.
var transitions = map[Status][]Status{
	StatusAccepted:  {StatusPending},
	StatusRejected:  {StatusPending},
	StatusCancelled: {StatusPending, StatusAccepted},
	StatusCompleted: {StatusAccepted},
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusAccepted, StatusRejected, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

func (s Status) Terminal() bool {
	return s == StatusRejected || s == StatusCompleted || s == StatusCancelled
}

// AllowedFrom returns the statuses from which to may be entered. A nil result
// means to is not a valid target.
func AllowedFrom(to Status) []Status {
	from := transitions[to]
	if from == nil {
		return nil
	}
	return append([]Status(nil), from...)
}

func CanTransition(from, to Status) bool {
	for _, s := range transitions[to] {
		if s == from {
			return true
		}
	}
	return false
}
