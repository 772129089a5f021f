package assembly

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/codedeck/agentd/internal/bus"
	"github.com/codedeck/agentd/internal/event"
	"github.com/codedeck/agentd/internal/marker"
	"github.com/codedeck/agentd/internal/store"
	"github.com/codedeck/agentd/internal/store/memory"
)

func newTestAssembler(messages store.MessageStore) (*Assembler, *bus.Subscriber) {
	b := bus.New(64)
	sub := b.Subscribe("p1")
	asm := New("p1", "s1", "r1", "claude", messages, b, marker.NewDetector(nil))
	return asm, sub
}

func drain(sub *bus.Subscriber) []bus.Update {
	var out []bus.Update
	for {
		select {
		case u := <-sub.Updates():
			out = append(out, u)
		default:
			return out
		}
	}
}

func finals(updates []bus.Update) []bus.Update {
	var out []bus.Update
	for _, u := range updates {
		if u.Type == bus.UpdateMessage && u.Final {
			out = append(out, u)
		}
	}
	return out
}

func TestDeltasConcatenateIntoOneMessage(t *testing.T) {
	ctx := context.Background()
	messages := memory.NewMessageStore()
	asm, sub := newTestAssembler(messages)
	seq := event.NewSequencer("s1")

	asm.Handle(ctx, seq.MessageStart())
	asm.Handle(ctx, seq.TextDelta("Hello "))
	asm.Handle(ctx, seq.TextDelta("world."))
	asm.Handle(ctx, seq.MessageEnd())

	if got := messages.CountMessages("p1"); got != 1 {
		t.Fatalf("persisted %d messages, want 1", got)
	}
	persisted, _ := messages.ListRecentMessages(ctx, "p1", 1)
	if persisted[0].Content != "Hello world." {
		t.Errorf("content = %q", persisted[0].Content)
	}
	if persisted[0].Type != store.MessageChat || persisted[0].Role != store.RoleAssistant {
		t.Errorf("type/role = %q/%q", persisted[0].Type, persisted[0].Role)
	}
	if persisted[0].RequestID != "r1" || persisted[0].Backend != "claude" {
		t.Errorf("request/backend = %q/%q", persisted[0].RequestID, persisted[0].Backend)
	}

	updates := drain(sub)
	// Two streaming snapshots plus one final, all sharing the id.
	var snapshots int
	for _, u := range updates {
		if u.Type != bus.UpdateMessage {
			continue
		}
		if u.Message.ID != persisted[0].ID {
			t.Errorf("snapshot id %q differs from final %q", u.Message.ID, persisted[0].ID)
		}
		if !u.Final {
			snapshots++
		}
	}
	if snapshots != 2 {
		t.Errorf("snapshots = %d, want 2", snapshots)
	}
}

func TestStaleSequenceDropped(t *testing.T) {
	ctx := context.Background()
	messages := memory.NewMessageStore()
	asm, sub := newTestAssembler(messages)

	mk := func(seq int64, kind event.Kind, text string) event.Event {
		return event.Event{Kind: kind, SessionID: "s1", Seq: seq, Text: text}
	}
	// Sequence [1,2,2,4,3]: the duplicate 2 and late 3 are dropped.
	asm.Handle(ctx, mk(1, event.KindMessageStart, ""))
	asm.Handle(ctx, mk(2, event.KindTextDelta, "a"))
	asm.Handle(ctx, mk(2, event.KindTextDelta, "dup"))
	asm.Handle(ctx, mk(4, event.KindTextDelta, "b"))
	asm.Handle(ctx, mk(3, event.KindTextDelta, "late"))
	asm.FinalizeSession(ctx)

	persisted, _ := messages.ListRecentMessages(ctx, "p1", 1)
	if len(persisted) != 1 || persisted[0].Content != "ab" {
		t.Fatalf("persisted = %+v", persisted)
	}
	drain(sub)
}

func TestStartCoalescesOpenBuffer(t *testing.T) {
	ctx := context.Background()
	messages := memory.NewMessageStore()
	asm, _ := newTestAssembler(messages)
	seq := event.NewSequencer("s1")

	asm.Handle(ctx, seq.MessageStart())
	asm.Handle(ctx, seq.TextDelta("first"))
	// A second start without an end finalizes the first buffer.
	asm.Handle(ctx, seq.MessageStart())
	asm.Handle(ctx, seq.TextDelta("second"))
	asm.Handle(ctx, seq.MessageEnd())

	persisted, _ := messages.ListRecentMessages(ctx, "p1", 10)
	if len(persisted) != 2 {
		t.Fatalf("persisted %d, want 2", len(persisted))
	}
	if persisted[0].Content != "first" || persisted[1].Content != "second" {
		t.Errorf("contents = %q, %q", persisted[0].Content, persisted[1].Content)
	}
}

func TestReasoningFoldsSeparately(t *testing.T) {
	ctx := context.Background()
	messages := memory.NewMessageStore()
	asm, _ := newTestAssembler(messages)
	seq := event.NewSequencer("s1")

	asm.Handle(ctx, seq.ReasoningStart())
	asm.Handle(ctx, seq.ReasoningDelta("hmm"))
	asm.Handle(ctx, seq.ReasoningEnd())
	asm.Handle(ctx, seq.MessageStart())
	asm.Handle(ctx, seq.TextDelta("answer"))
	asm.Handle(ctx, seq.MessageEnd())

	persisted, _ := messages.ListRecentMessages(ctx, "p1", 10)
	if len(persisted) != 2 {
		t.Fatalf("persisted %d, want 2", len(persisted))
	}
	if persisted[0].Type != store.MessageReasoning || persisted[1].Type != store.MessageChat {
		t.Errorf("types = %q, %q", persisted[0].Type, persisted[1].Type)
	}
}

func TestToolLifecycle(t *testing.T) {
	ctx := context.Background()
	messages := memory.NewMessageStore()
	asm, _ := newTestAssembler(messages)
	seq := event.NewSequencer("s1")

	asm.Handle(ctx, seq.ToolStart("t1", "Read", "Read main.go", []byte(`{"file_path":"main.go"}`)))
	asm.Handle(ctx, seq.ToolEnd("t1", "package main"))
	// tool_end for a call never started is ignored.
	asm.Handle(ctx, seq.ToolEnd("ghost", "nope"))

	persisted, _ := messages.ListRecentMessages(ctx, "p1", 10)
	if len(persisted) != 2 {
		t.Fatalf("persisted %d, want 2", len(persisted))
	}
	use, result := persisted[0], persisted[1]
	if use.Type != store.MessageToolUse || use.Role != store.RoleTool || use.Content != "Read main.go" {
		t.Errorf("tool_use = %+v", use)
	}
	if use.Metadata["tool_call_id"] != "t1" || use.Metadata["tool_name"] != "Read" {
		t.Errorf("tool_use metadata = %v", use.Metadata)
	}
	if result.Type != store.MessageToolResult || result.Content != "package main" {
		t.Errorf("tool_result = %+v", result)
	}
}

func TestMarkerReplacesChatWithAction(t *testing.T) {
	ctx := context.Background()
	messages := memory.NewMessageStore()
	b := bus.New(64)
	sub := b.Subscribe("p1")
	asm := New("p1", "s1", "r1", "claude", messages, b, marker.NewDetector(map[string]bool{"github": false}))
	seq := event.NewSequencer("s1")

	asm.Handle(ctx, seq.MessageStart())
	asm.Handle(ctx, seq.TextDelta("You need a repo. [[needs-integration: github]]"))
	asm.Handle(ctx, seq.MessageEnd())

	persisted, _ := messages.ListRecentMessages(ctx, "p1", 10)
	if len(persisted) != 1 {
		t.Fatalf("persisted %d, want 1", len(persisted))
	}
	msg := persisted[0]
	if msg.Type != store.MessageAction {
		t.Errorf("type = %q, want action", msg.Type)
	}
	if strings.Contains(msg.Content, "needs-integration") {
		t.Errorf("token leaked into content: %q", msg.Content)
	}
	if msg.Metadata["integration"] != "github" || msg.Metadata["cta"] == "" {
		t.Errorf("metadata = %v", msg.Metadata)
	}

	// The streaming snapshot never showed the token either.
	for _, u := range drain(sub) {
		if u.Type == bus.UpdateMessage && strings.Contains(u.Message.Content, "[[") {
			t.Errorf("token visible in snapshot: %q", u.Message.Content)
		}
	}
}

func TestConnectedIntegrationKeepsChatTokenFree(t *testing.T) {
	ctx := context.Background()
	messages := memory.NewMessageStore()
	b := bus.New(64)
	asm := New("p1", "s1", "r1", "claude", messages, b, marker.NewDetector(map[string]bool{"github": true}))
	seq := event.NewSequencer("s1")

	asm.Handle(ctx, seq.MessageStart())
	asm.Handle(ctx, seq.TextDelta("Pushing now. [[needs-integration: github]]"))
	asm.Handle(ctx, seq.MessageEnd())

	persisted, _ := messages.ListRecentMessages(ctx, "p1", 10)
	if len(persisted) != 1 {
		t.Fatalf("persisted %d, want 1", len(persisted))
	}
	msg := persisted[0]
	if msg.Type != store.MessageChat {
		t.Errorf("type = %q, want chat", msg.Type)
	}
	if msg.Content != "Pushing now." {
		t.Errorf("content = %q, token not stripped", msg.Content)
	}
}

func TestTokenOnlyMessageForConnectedIntegrationSkipped(t *testing.T) {
	ctx := context.Background()
	messages := memory.NewMessageStore()
	b := bus.New(64)
	asm := New("p1", "s1", "r1", "claude", messages, b, marker.NewDetector(map[string]bool{"github": true}))
	seq := event.NewSequencer("s1")

	asm.Handle(ctx, seq.MessageStart())
	asm.Handle(ctx, seq.TextDelta("[[needs-integration: github]]"))
	asm.Handle(ctx, seq.MessageEnd())

	persisted, _ := messages.ListRecentMessages(ctx, "p1", 10)
	if len(persisted) != 0 {
		t.Fatalf("persisted %d, want 0", len(persisted))
	}
}

func TestSnapshotHoldsBackPartialToken(t *testing.T) {
	ctx := context.Background()
	messages := memory.NewMessageStore()
	asm, sub := newTestAssembler(messages)
	seq := event.NewSequencer("s1")

	asm.Handle(ctx, seq.MessageStart())
	asm.Handle(ctx, seq.TextDelta("Almost done. [[needs-int"))

	updates := drain(sub)
	if len(updates) != 1 {
		t.Fatalf("updates = %d", len(updates))
	}
	if got := updates[0].Message.Content; got != "Almost done." {
		t.Errorf("snapshot = %q, want partial token held back", got)
	}
}

type failingMessageStore struct{}

func (failingMessageStore) CreateMessage(context.Context, store.Message) (store.Message, error) {
	return store.Message{}, errors.New("disk full")
}

func (failingMessageStore) ListRecentMessages(context.Context, string, int) ([]store.Message, error) {
	return nil, nil
}

func TestPersistFailureStillBroadcasts(t *testing.T) {
	ctx := context.Background()
	asm, sub := newTestAssembler(failingMessageStore{})
	seq := event.NewSequencer("s1")

	asm.Handle(ctx, seq.MessageStart())
	asm.Handle(ctx, seq.TextDelta("important output"))
	asm.Handle(ctx, seq.MessageEnd())

	got := finals(drain(sub))
	if len(got) != 1 {
		t.Fatalf("final broadcasts = %d, want 1", len(got))
	}
	msg := got[0].Message
	if msg.Content != "important output" {
		t.Errorf("content = %q", msg.Content)
	}
	if msg.Metadata["unsaved"] != "true" {
		t.Errorf("metadata = %v, want unsaved flag", msg.Metadata)
	}
}

func TestStatusEventsPassThrough(t *testing.T) {
	ctx := context.Background()
	messages := memory.NewMessageStore()
	asm, sub := newTestAssembler(messages)
	seq := event.NewSequencer("s1")

	asm.Handle(ctx, seq.Status("running"))
	updates := drain(sub)
	if len(updates) != 1 || updates[0].Type != bus.UpdateEvent {
		t.Fatalf("updates = %+v", updates)
	}
	if updates[0].Event.Status != "running" {
		t.Errorf("status = %q", updates[0].Event.Status)
	}
	if messages.CountMessages("p1") != 0 {
		t.Error("status events must not persist")
	}
}

func TestErrorEventPersists(t *testing.T) {
	ctx := context.Background()
	messages := memory.NewMessageStore()
	asm, _ := newTestAssembler(messages)
	seq := event.NewSequencer("s1")

	asm.Handle(ctx, seq.Error("backend crashed"))
	persisted, _ := messages.ListRecentMessages(ctx, "p1", 1)
	if len(persisted) != 1 || persisted[0].Type != store.MessageError {
		t.Fatalf("persisted = %+v", persisted)
	}
	if persisted[0].Content != "backend crashed" {
		t.Errorf("content = %q", persisted[0].Content)
	}
}
