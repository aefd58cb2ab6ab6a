// Package consoleapi holds the request and response types of the console
// service together with the procedure names and codec shared by server
// and client.
package consoleapi

import (
	"encoding/json"
	"errors"

	"github.com/ivle/jailconsole/internal/console"
)

const ServiceName = "jailconsole.v1.ConsoleService"

const (
	StartProcedure     = "/" + ServiceName + "/Start"
	ChatProcedure      = "/" + ServiceName + "/Chat"
	RunProcedure       = "/" + ServiceName + "/Run"
	TerminateProcedure = "/" + ServiceName + "/Terminate"
)

// UserHeader names the login the caller acts for. The web tier sets it
// after authenticating the end user.
const UserHeader = "X-Jailconsole-User"

type StartRequest struct {
	CWD string `json:"cwd,omitempty"`
}

type StartResponse struct {
	Key string `json:"key"`
}

// ChatRequest sends one command to a console. Kind defaults to "chat".
// For call, globals and set_vars, Text is a JSON document.
type ChatRequest struct {
	Key  string `json:"key"`
	Text string `json:"text"`
	Kind string `json:"kind,omitempty"`
}

// ChatResponse is either the console's reply verbatim or, when the console
// had to be restarted, the reason and the key of its replacement. The
// command that triggered a restart was not run.
type ChatResponse struct {
	Reply   json.RawMessage
	Restart string
	Key     string
}

type restartJSON struct {
	Restart string `json:"restart"`
	Key     string `json:"key"`
}

func (r ChatResponse) Restarted() bool {
	return r.Restart != ""
}

func (r ChatResponse) MarshalJSON() ([]byte, error) {
	if r.Restarted() {
		return json.Marshal(restartJSON{Restart: r.Restart, Key: r.Key})
	}
	if len(r.Reply) == 0 {
		return []byte("{}"), nil
	}
	return r.Reply, nil
}

func (r *ChatResponse) UnmarshalJSON(data []byte) error {
	var peek struct {
		Restart *string `json:"restart"`
		Key     string  `json:"key"`
	}
	if err := json.Unmarshal(data, &peek); err != nil {
		return err
	}
	if peek.Restart != nil {
		if *peek.Restart == "" || peek.Key == "" {
			return errors.New("restart response without reason or key")
		}
		*r = ChatResponse{Restart: *peek.Restart, Key: peek.Key}
		return nil
	}
	*r = ChatResponse{Reply: append(json.RawMessage(nil), data...)}
	return nil
}

// Response decodes the console reply. It fails on a restart response.
func (r ChatResponse) Response() (console.Response, error) {
	if r.Restarted() {
		return console.Response{}, errors.New("console restarted: " + r.Restart)
	}
	var resp console.Response
	if len(r.Reply) == 0 {
		return resp, nil
	}
	if err := json.Unmarshal(r.Reply, &resp); err != nil {
		return console.Response{}, err
	}
	return resp, nil
}

// RunRequest runs Code to completion in a fresh console, feeding Stdin a
// line at a time, and discards the console afterwards.
type RunRequest struct {
	CWD   string   `json:"cwd,omitempty"`
	Code  string   `json:"code"`
	Stdin []string `json:"stdin,omitempty"`
}

type RunResponse struct {
	RunID     string                 `json:"run_id"`
	Stdout    string                 `json:"stdout"`
	Stderr    string                 `json:"stderr,omitempty"`
	Exception *console.ExceptionInfo `json:"exception,omitempty"`
	// Exited is set when the code ended the interpreter itself, for
	// example with sys.exit. Output printed before that is kept.
	Exited string `json:"exited,omitempty"`
}

type TerminateRequest struct {
	Key string `json:"key"`
}

type TerminateResponse struct {
	Terminated bool   `json:"terminated"`
	Message    string `json:"message"`
}
