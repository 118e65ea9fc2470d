package main

// ExitCodeError wraps an error with a specific process exit code.
//
// Usage errors and run-level failures exit with 1. A run that completed but
// left some tasks unscored exits with exitTaskFailures so scripts can tell the
// two apart.
type ExitCodeError struct {
	Code int
	Err  error
}

const exitTaskFailures = 2

func (e *ExitCodeError) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

func (e *ExitCodeError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
