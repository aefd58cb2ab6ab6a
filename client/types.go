package client

import (
	"github.com/ivle/jailconsole/internal/console"
	"github.com/ivle/jailconsole/internal/consoleapi"
	"github.com/ivle/jailconsole/internal/wire"
)

type StartRequest = consoleapi.StartRequest
type StartResponse = consoleapi.StartResponse
type ChatRequest = consoleapi.ChatRequest
type ChatResponse = consoleapi.ChatResponse
type RunRequest = consoleapi.RunRequest
type RunResponse = consoleapi.RunResponse
type TerminateRequest = consoleapi.TerminateRequest
type TerminateResponse = consoleapi.TerminateResponse

// Response is a decoded console reply.
type Response = console.Response
type ExceptionInfo = console.ExceptionInfo

// Value is a tagged value exchanged with call, globals and set_vars.
type Value = wire.Value

// Command kinds accepted by Chat.
const (
	KindChat      = console.CmdChat
	KindBlock     = console.CmdBlock
	KindExecute   = console.CmdExecute
	KindCall      = console.CmdCall
	KindGlobals   = console.CmdGlobals
	KindSetVars   = console.CmdSetVars
	KindTerminate = console.CmdTerminate
)
