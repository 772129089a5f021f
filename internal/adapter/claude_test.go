package adapter

import (
	"strings"
	"testing"

	"github.com/codedeck/agentd/internal/config"
	"github.com/codedeck/agentd/internal/event"
)

func newTestClaude() *claudeAdapter {
	return newClaudeAdapter(config.BackendConfig{Bin: "claude"}, event.NewSequencer("s1"))
}

func TestClaudeInvocation(t *testing.T) {
	a := newTestClaude()
	inv := a.BuildInvocation("fix the bug", "opus", "/work/p1")
	if inv.Path != "claude" {
		t.Errorf("path = %q", inv.Path)
	}
	if inv.UsePTY {
		t.Error("structured backend must not use a pty")
	}
	joined := strings.Join(inv.Args, " ")
	for _, want := range []string{"-p fix the bug", "--output-format stream-json", "--verbose", "--model claude-opus-4"} {
		if !strings.Contains(joined, want) {
			t.Errorf("args %q missing %q", joined, want)
		}
	}
}

func TestClaudeDecodeAssistantBlocks(t *testing.T) {
	a := newTestClaude()
	line := `{"type":"assistant","message":{"content":[` +
		`{"type":"thinking","thinking":"let me look"},` +
		`{"type":"text","text":"Found it."},` +
		`{"type":"tool_use","id":"t1","name":"Read","input":{"file_path":"/work/p1/main.go"}}]}}` + "\n"

	events := a.Decode([]byte(line))
	kinds := eventKinds(events)
	want := []event.Kind{
		event.KindReasoningStart, event.KindReasoningDelta, event.KindReasoningEnd,
		event.KindMessageStart, event.KindTextDelta, event.KindMessageEnd,
		event.KindToolStart,
	}
	if !kindsEqual(kinds, want) {
		t.Fatalf("kinds = %v, want %v", kinds, want)
	}
	if events[1].Text != "let me look" {
		t.Errorf("reasoning text = %q", events[1].Text)
	}
	if events[4].Text != "Found it." {
		t.Errorf("text = %q", events[4].Text)
	}
	tool := events[6]
	if tool.ToolCallID != "t1" || tool.ToolName != "Read" {
		t.Errorf("tool = %q/%q", tool.ToolCallID, tool.ToolName)
	}

	// Sequence numbers are strictly increasing.
	for i := 1; i < len(events); i++ {
		if events[i].Seq <= events[i-1].Seq {
			t.Fatalf("seq not increasing at %d: %d then %d", i, events[i-1].Seq, events[i].Seq)
		}
	}
}

func TestClaudeDecodeToolResult(t *testing.T) {
	a := newTestClaude()
	line := `{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"t1","content":"package main"}]}}` + "\n"
	events := a.Decode([]byte(line))
	if len(events) != 1 || events[0].Kind != event.KindToolEnd {
		t.Fatalf("events = %v", eventKinds(events))
	}
	if events[0].ToolCallID != "t1" || events[0].Text != "package main" {
		t.Errorf("got %q/%q", events[0].ToolCallID, events[0].Text)
	}
}

func TestClaudeDecodeToolResultBlocks(t *testing.T) {
	a := newTestClaude()
	line := `{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"t1","content":[{"type":"text","text":"one"},{"type":"text","text":"two"}]}]}}` + "\n"
	events := a.Decode([]byte(line))
	if len(events) != 1 || events[0].Text != "one\ntwo" {
		t.Fatalf("events = %+v", events)
	}
}

func TestClaudeDecodeLifecycle(t *testing.T) {
	a := newTestClaude()
	events := a.Decode([]byte(`{"type":"system","subtype":"init","session_id":"x"}` + "\n"))
	if len(events) != 1 || events[0].Kind != event.KindStatus || events[0].Status != "starting" {
		t.Fatalf("init events = %+v", events)
	}

	events = a.Decode([]byte(`{"type":"result","subtype":"success","is_error":false}` + "\n"))
	if len(events) != 1 || events[0].Status != "completed" {
		t.Fatalf("result events = %+v", events)
	}

	events = a.Decode([]byte(`{"type":"result","subtype":"error_during_execution","is_error":true,"result":"limit reached"}` + "\n"))
	if len(events) != 1 || events[0].Kind != event.KindError || events[0].ErrorDetail != "limit reached" {
		t.Fatalf("error events = %+v", events)
	}
}

func TestClaudeDecodeMalformedDropped(t *testing.T) {
	a := newTestClaude()
	chunk := "not json at all\n" +
		`{"type":"assistant","message":{"content":[{"type":"text","text":"ok"}]}}` + "\n" +
		"{\"type\":\"assistant\",truncated\n"
	events := a.Decode([]byte(chunk))
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3 (malformed lines dropped): %v", len(events), eventKinds(events))
	}
}

func TestClaudeDecodeSplitLine(t *testing.T) {
	a := newTestClaude()
	full := `{"type":"assistant","message":{"content":[{"type":"text","text":"split across reads"}]}}` + "\n"
	half := len(full) / 2

	if events := a.Decode([]byte(full[:half])); len(events) != 0 {
		t.Fatalf("incomplete line produced %v", eventKinds(events))
	}
	events := a.Decode([]byte(full[half:]))
	if len(events) != 3 || events[1].Text != "split across reads" {
		t.Fatalf("got %v", eventKinds(events))
	}
}

func TestClaudeFlushDecodesTrailingLine(t *testing.T) {
	a := newTestClaude()
	// No trailing newline before the process exits.
	a.Decode([]byte(`{"type":"result","subtype":"success","is_error":false}`))
	events := a.Flush()
	if len(events) != 1 || events[0].Status != "completed" {
		t.Fatalf("flush events = %+v", events)
	}
	if again := a.Flush(); len(again) != 0 {
		t.Fatalf("second flush produced %v", eventKinds(again))
	}
}

func eventKinds(events []event.Event) []event.Kind {
	kinds := make([]event.Kind, len(events))
	for i, ev := range events {
		kinds[i] = ev.Kind
	}
	return kinds
}

func kindsEqual(a, b []event.Kind) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
