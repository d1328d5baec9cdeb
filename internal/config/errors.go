package config

import "fmt"

// PreconditionError marks a missing artifact, missing tool, or unusable
// setting. It is fatal and never retried.
type PreconditionError struct {
	What string
	Err  error
}

func (e *PreconditionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("precondition failed: %s: %v", e.What, e.Err)
	}
	return fmt.Sprintf("precondition failed: %s", e.What)
}

func (e *PreconditionError) Unwrap() error {
	return e.Err
}

// Missing builds a PreconditionError for an absent file or tool.
func Missing(kind, name string) error {
	return &PreconditionError{What: fmt.Sprintf("%s %s not found", kind, name)}
}
