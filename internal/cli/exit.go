package cli

import "fmt"

// Process exit codes.
const (
	exitConfig    = 1
	exitRuntime   = 2
	exitNotFound  = 3
	exitToolError = 4
	exitTimeout   = 10
)

// ExitError carries the process exit code a command wants main to use.
type ExitError struct {
	Code    int
	Message string
}

func (e *ExitError) Error() string {
	return e.Message
}

func exitError(code int, format string, args ...any) *ExitError {
	return &ExitError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}
