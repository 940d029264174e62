// README: Lifecycle transition table and per-role cancellation authority.
package request

// AllowedTransitions represents the request state flow as code.
var AllowedTransitions = map[Status][]Status{
	StatusPending:    {StatusQuoted, StatusCancelled},
	StatusQuoted:     {StatusAccepted, StatusCancelled},
	StatusAccepted:   {StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusCompleted, StatusCancelled},
}

func CanTransition(from, to Status) bool {
	next, ok := AllowedTransitions[from]
	if !ok {
		return false
	}
	for _, s := range next {
		if s == to {
			return true
		}
	}
	return false
}

// CancelAuthority lists the source statuses each role may cancel from.
var CancelAuthority = map[ActorRole][]Status{
	ActorClient: {StatusPending, StatusQuoted},
	ActorDriver: {StatusQuoted, StatusAccepted},
	ActorSystem: {StatusAccepted, StatusInProgress},
}

func CanCancel(role ActorRole, from Status) bool {
	for _, s := range CancelAuthority[role] {
		if s == from {
			return true
		}
	}
	return false
}

// advanceTargets are the statuses a driver may drive the request into.
var advanceTargets = map[Status]bool{
	StatusInProgress: true,
	StatusCompleted:  true,
}
