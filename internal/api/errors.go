package api

import "fmt"

// These wrap the error-frame message text produced by protocol handlers.
// They don't implement a typed error taxonomy beyond plain strings because
// the only consumer is sendError, which just echoes Error().

func errMissingField(fields string) error {
	return fmt.Errorf("missing required field(s): %s", fields)
}

func errWrongState() error {
	return fmt.Errorf("message not valid in current session state")
}

func errInternal() error {
	return fmt.Errorf("internal error")
}

func errPrecondition(outcome string) error {
	return fmt.Errorf("precondition failed: %s", outcome)
}
