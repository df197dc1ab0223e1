package domain

// transitions is the closed set of legal status moves. CANCELED is terminal.
var transitions = map[Status]map[Status]bool{
	StatusTrialing: {
		StatusActive:   true, // first successful payment
		StatusPastDue:  true, // payment failure during trial conversion
		StatusCanceled: true, // explicit cancel
	},
	StatusActive: {
		StatusPastDue:  true, // payment failure
		StatusCanceled: true, // explicit cancel at period end
	},
	StatusPastDue: {
		StatusActive:   true, // recovered payment before retry limit
		StatusCanceled: true, // retries exhausted or explicit cancel
	},
	StatusCanceled: {},
}

// CanTransition reports whether moving from one status to another is legal.
func CanTransition(from, to Status) bool {
	if from == to {
		return false
	}
	allowed, ok := transitions[from]
	if !ok {
		return false
	}
	return allowed[to]
}
