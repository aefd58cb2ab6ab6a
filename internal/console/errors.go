package console

import (
	"errors"
	"fmt"
)

// ErrTerminated is returned by every operation on a terminated session.
var ErrTerminated = errors.New("console session terminated")

// UnreachableError means the console process is gone. The session cannot
// be used again; callers restart by launching a new one.
type UnreachableError struct {
	Endpoint Endpoint
	Reason   string
	Err      error
}

func (e *UnreachableError) Error() string {
	msg := "console unreachable at " + e.Endpoint.Addr()
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *UnreachableError) Unwrap() error {
	return e.Err
}

// UserException carries an exception raised by the submitted code. The
// session remains usable.
type UserException struct {
	Exc ExceptionInfo
}

func (e *UserException) Error() string {
	if e.Exc.Value == "" {
		return e.Exc.Type
	}
	return fmt.Sprintf("%s: %s", e.Exc.Type, e.Exc.Value)
}

// AgentError is an agent-level failure reported in a reply, such as a
// command sent while the interpreter is busy.
type AgentError struct {
	Type  string
	Value string
}

func (e *AgentError) Error() string {
	return fmt.Sprintf("console agent error: %s: %s", e.Type, e.Value)
}
