package consoleapi

import (
	"encoding/json"
	"testing"

	"connectrpc.com/connect"
)

func TestChatResponsePassesReplyThrough(t *testing.T) {
	t.Parallel()

	var resp ChatResponse
	if err := json.Unmarshal([]byte(`{"output":"2\n"}`), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Restarted() {
		t.Fatal("plain reply decoded as restart")
	}
	decoded, err := resp.Response()
	if err != nil {
		t.Fatalf("Response: %v", err)
	}
	if got, want := decoded.OutputText(), "2\n"; got != want {
		t.Fatalf("got %q want %q", got, want)
	}

	raw, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if got, want := string(raw), `{"output":"2\n"}`; got != want {
		t.Fatalf("got %s want %s", got, want)
	}
}

func TestChatResponseRestartShape(t *testing.T) {
	t.Parallel()

	raw, err := json.Marshal(ChatResponse{Restart: "console unreachable", Key: "abcd"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if got, want := string(raw), `{"restart":"console unreachable","key":"abcd"}`; got != want {
		t.Fatalf("got %s want %s", got, want)
	}

	var resp ChatResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !resp.Restarted() || resp.Key != "abcd" {
		t.Fatalf("unexpected decode: %+v", resp)
	}
	if _, err := resp.Response(); err == nil {
		t.Fatal("expected Response to fail on a restart")
	}
}

func TestChatResponseRejectsIncompleteRestart(t *testing.T) {
	t.Parallel()

	var resp ChatResponse
	if err := json.Unmarshal([]byte(`{"restart":"gone"}`), &resp); err == nil {
		t.Fatal("expected error for restart without key")
	}
}

func TestEmptyChatResponseMarshalsAsObject(t *testing.T) {
	t.Parallel()

	raw, err := json.Marshal(ChatResponse{})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if got, want := string(raw), `{}`; got != want {
		t.Fatalf("got %s want %s", got, want)
	}
}

func TestCodecRoundTrip(t *testing.T) {
	t.Parallel()

	var codec connect.Codec = Codec{}
	if got, want := codec.Name(), "json"; got != want {
		t.Fatalf("got %q want %q", got, want)
	}
	raw, err := codec.Marshal(&RunRequest{Code: "print(1)", Stdin: []string{"a"}})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var req RunRequest
	if err := codec.Unmarshal(raw, &req); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if req.Code != "print(1)" || len(req.Stdin) != 1 {
		t.Fatalf("unexpected request: %+v", req)
	}
}
