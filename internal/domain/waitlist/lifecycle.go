package waitlist

import "fmt"

// transitions lists the legal target statuses for each status. Regulated to
// regulated is a re-regulation.
var transitions = map[Status]map[Status]bool{
	StatusPending:   {StatusRegulated: true, StatusCancelled: true},
	StatusRegulated: {StatusRegulated: true, StatusScheduled: true, StatusCancelled: true},
	StatusScheduled: {StatusCompleted: true, StatusCancelled: true},
	StatusCompleted: {},
	StatusCancelled: {},
}

// CanTransition reports whether an entry may move from one status to another.
func CanTransition(from, to Status) bool {
	return transitions[from][to]
}

func checkTransition(from, to Status) error {
	if !to.Valid() {
		return fieldError("status", fmt.Sprintf("is not a valid status: %q", to))
	}
	if !CanTransition(from, to) {
		return validationError(
			fmt.Sprintf("illegal transition %s -> %s", from, to),
			map[string]string{"status": fmt.Sprintf("cannot move from %s to %s", from, to)},
		)
	}
	return nil
}

// reclassifiable statuses allow a tier change without a status change.
var reclassifiable = map[Status]bool{StatusPending: true, StatusRegulated: true}

func checkReclassify(from Status) error {
	if !reclassifiable[from] {
		return validationError(
			fmt.Sprintf("illegal reclassification of a %s entry", from),
			map[string]string{"status": "reclassify requires pending or regulated"},
		)
	}
	return nil
}
