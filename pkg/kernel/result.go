package kernel

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	// ErrTimeout is returned when an execution does not finish in time.
	ErrTimeout = errors.New("kernel execution timed out")
	// ErrClosed is returned when the kernel connection is gone.
	ErrClosed = errors.New("kernel connection closed")
)

// ExecutionError is an exception raised by code running in the kernel.
type ExecutionError struct {
	EName     string   `json:"ename"`
	EValue    string   `json:"evalue"`
	Traceback []string `json:"traceback"`
}

func (e *ExecutionError) Error() string {
	if e.EValue == "" {
		return e.EName
	}
	return e.EName + ": " + e.EValue
}

var ansi = regexp.MustCompile(`\x1b\[[0-9;]*[A-Za-z]`)

// PlainTraceback returns the traceback joined into one string with terminal
// color codes removed.
func (e *ExecutionError) PlainTraceback() string {
	return ansi.ReplaceAllString(strings.Join(e.Traceback, "\n"), "")
}

// ExecutionResult collects everything an execute_request produced.
type ExecutionResult struct {
	Status         string `json:"status"`
	ExecutionCount int    `json:"execution_count"`
	Stdout         string `json:"stdout"`
	Stderr         string `json:"stderr"`
	// Return is the text/plain form of the execute_result, if any.
	Return      string           `json:"return"`
	Data        map[string]any   `json:"data,omitempty"`
	DisplayData []map[string]any `json:"display_data,omitempty"`
	Error       *ExecutionError  `json:"error,omitempty"`
}

// Err returns the kernel exception, if one was raised.
func (r *ExecutionResult) Err() error {
	if r.Error != nil {
		return r.Error
	}
	if r.Status == "error" {
		return &ExecutionError{EName: "Error", EValue: "execution failed"}
	}
	return nil
}

// Output returns stdout followed by the text/plain return value.
func (r *ExecutionResult) Output() string {
	switch {
	case r.Stdout == "":
		return r.Return
	case r.Return == "":
		return r.Stdout
	}
	return strings.TrimRight(r.Stdout, "\n") + "\n" + r.Return
}

func (r *ExecutionResult) String() string {
	if err := r.Err(); err != nil {
		return fmt.Sprintf("execution failed: %v", err)
	}
	return r.Output()
}
