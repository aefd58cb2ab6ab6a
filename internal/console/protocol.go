package console

import (
	"encoding/json"

	"github.com/ivle/jailconsole/internal/wire"
)

// Commands understood by the in-sandbox agent.
const (
	CmdChat      = "chat"
	CmdBlock     = "block"
	CmdExecute   = "execute"
	CmdCall      = "call"
	CmdGlobals   = "globals"
	CmdSetVars   = "set_vars"
	CmdTerminate = "terminate"
)

// CmdPing is answered by the agent itself. The launcher uses it to check
// that the process behind a port holds the console secret.
const CmdPing = "ping"

// KnownCommand reports whether name is a command the agent understands.
func KnownCommand(name string) bool {
	switch name {
	case CmdChat, CmdBlock, CmdExecute, CmdCall, CmdGlobals, CmdSetVars, CmdTerminate:
		return true
	}
	return false
}

// StructuredCommand reports whether the text of name is a JSON value
// rather than source code.
func StructuredCommand(name string) bool {
	switch name {
	case CmdCall, CmdGlobals, CmdSetVars:
		return true
	}
	return false
}

// Command is the request sent to the agent.
type Command struct {
	Cmd  string `json:"cmd"`
	Text any    `json:"text,omitempty"`
}

// IncomingCommand is Command as the agent receives it.
type IncomingCommand struct {
	Cmd  string          `json:"cmd"`
	Text json.RawMessage `json:"text,omitempty"`
}

// ExceptionInfo describes an exception raised by user code.
type ExceptionInfo struct {
	Type      string `json:"type"`
	Value     string `json:"value"`
	Traceback string `json:"traceback"`
}

// CallRequest is the text of a call command.
type CallRequest struct {
	Function string                `json:"function"`
	Args     []wire.Value          `json:"args,omitempty"`
	Kwargs   map[string]wire.Value `json:"kwargs,omitempty"`
}

// Response is the union of every reply shape the agent produces. Exactly
// one group of fields is set on a well-formed reply.
type Response struct {
	// Partial output, followed by an empty chat to continue.
	Output *string `json:"output,omitempty"`
	Stderr string  `json:"stderr,omitempty"`
	// The program is blocked reading a line of stdin.
	Input bool `json:"input,omitempty"`

	// A block or execute finished normally.
	Okay bool `json:"okay,omitempty"`
	// A chat line was buffered as an incomplete statement.
	More bool `json:"more,omitempty"`
	// User code raised.
	Exc *ExceptionInfo `json:"exc,omitempty"`

	// Replies to globals and call.
	Globals   map[string]wire.Value `json:"globals,omitempty"`
	Result    *wire.Value           `json:"result,omitempty"`
	Exception *ExceptionInfo        `json:"exception,omitempty"`
	Stdout    string                `json:"stdout,omitempty"`

	// The agent is shutting down or its interpreter is gone.
	Terminate string `json:"terminate,omitempty"`

	// Set when the agent failed to handle the request at all.
	ErrorType      string `json:"type,omitempty"`
	ErrorValue     string `json:"value,omitempty"`
	ErrorTraceback string `json:"traceback,omitempty"`
}

// OutputText returns the partial output, or "" when there is none.
func (r Response) OutputText() string {
	if r.Output == nil {
		return ""
	}
	return *r.Output
}

// HasOutput reports whether r is a partial-output reply.
func (r Response) HasOutput() bool {
	return r.Output != nil
}

// Failed reports whether r is an agent-level error reply.
func (r Response) Failed() bool {
	return r.ErrorType != ""
}

// OutputResponse builds a partial-output reply.
func OutputResponse(stdout, stderr string) Response {
	return Response{Output: &stdout, Stderr: stderr}
}
