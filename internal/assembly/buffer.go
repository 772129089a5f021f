// Package assembly folds the per-session event stream into chat
// messages. One Assembler exists per run; it owns the open text and
// reasoning buffers, the in-flight tool table and the session's
// last-seen sequence number, and is not safe for concurrent use.
package assembly

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/codedeck/agentd/internal/bus"
	"github.com/codedeck/agentd/internal/event"
	"github.com/codedeck/agentd/internal/marker"
	"github.com/codedeck/agentd/internal/store"
)

type openBuffer struct {
	messageID string
	content   strings.Builder
}

type openTool struct {
	messageID string
	name      string
	title     string
	input     json.RawMessage
}

type Assembler struct {
	projectID string
	sessionID string
	requestID string
	backend   string

	messages store.MessageStore
	bus      *bus.Bus
	detector *marker.Detector

	lastSeq   int64
	text      *openBuffer
	reasoning *openBuffer
	tools     map[string]*openTool
}

func New(projectID, sessionID, requestID, backend string, messages store.MessageStore, b *bus.Bus, detector *marker.Detector) *Assembler {
	return &Assembler{
		projectID: projectID,
		sessionID: sessionID,
		requestID: requestID,
		backend:   backend,
		messages:  messages,
		bus:       b,
		detector:  detector,
		tools:     make(map[string]*openTool),
	}
}

// Handle folds one event into the session state. Events whose sequence
// number does not advance past the last accepted one are dropped.
func (a *Assembler) Handle(ctx context.Context, ev event.Event) {
	if ev.Seq <= a.lastSeq {
		log.Printf("[assembly] session %s: dropping stale event seq=%d last=%d", a.sessionID, ev.Seq, a.lastSeq)
		return
	}
	a.lastSeq = ev.Seq

	switch ev.Kind {
	case event.KindMessageStart:
		if a.text != nil {
			log.Printf("[assembly] session %s: message_start with open buffer, finalizing previous", a.sessionID)
			a.finalizeText(ctx)
		}
		a.text = &openBuffer{messageID: uuid.NewString()}
	case event.KindTextDelta:
		if a.text == nil {
			a.text = &openBuffer{messageID: uuid.NewString()}
		}
		a.text.content.WriteString(ev.Text)
		a.snapshot(a.text, store.MessageChat)
	case event.KindMessageEnd:
		a.finalizeText(ctx)
	case event.KindReasoningStart:
		if a.reasoning != nil {
			log.Printf("[assembly] session %s: reasoning_start with open buffer, finalizing previous", a.sessionID)
			a.finalizeReasoning(ctx)
		}
		a.reasoning = &openBuffer{messageID: uuid.NewString()}
	case event.KindReasoningDelta:
		if a.reasoning == nil {
			a.reasoning = &openBuffer{messageID: uuid.NewString()}
		}
		a.reasoning.content.WriteString(ev.Text)
		a.snapshot(a.reasoning, store.MessageReasoning)
	case event.KindReasoningEnd:
		a.finalizeReasoning(ctx)
	case event.KindToolStart:
		a.toolStart(ctx, ev)
	case event.KindToolEnd:
		a.toolEnd(ctx, ev)
	case event.KindStatus:
		a.bus.Publish(a.projectID, bus.Update{Type: bus.UpdateEvent, Event: &ev, Final: true})
	case event.KindError:
		a.persistAndBroadcast(ctx, store.Message{
			ID:      uuid.NewString(),
			Role:    store.RoleAssistant,
			Type:    store.MessageError,
			Content: ev.ErrorDetail,
		})
	default:
		log.Printf("[assembly] session %s: ignoring unknown event kind %q", a.sessionID, ev.Kind)
	}
}

// FinalizeSession flushes whatever is still open when the process
// exits. Tools without a tool_end stay unresolved; their tool_use
// record was already written.
func (a *Assembler) FinalizeSession(ctx context.Context) {
	a.finalizeText(ctx)
	a.finalizeReasoning(ctx)
	for id := range a.tools {
		log.Printf("[assembly] session %s: tool call %s never completed", a.sessionID, id)
		delete(a.tools, id)
	}
}

// Fail records a run-level failure as an error message. It bypasses
// the sequence guard since the detail comes from the supervisor, not
// from the event stream.
func (a *Assembler) Fail(ctx context.Context, detail string) {
	a.persistAndBroadcast(ctx, store.Message{
		ID:      uuid.NewString(),
		Role:    store.RoleAssistant,
		Type:    store.MessageError,
		Content: detail,
	})
}

// snapshot broadcasts the open buffer's accumulated content as a
// non-final message so subscribers can render the stream in place. A
// directive token, complete or still arriving, is kept out of it.
func (a *Assembler) snapshot(buf *openBuffer, typ store.MessageType) {
	content := marker.StripToken(buf.content.String())
	if typ == store.MessageChat && marker.ContainsTokenPrefix(content) {
		if idx := strings.LastIndex(content, "[["); idx >= 0 {
			content = strings.TrimRight(content[:idx], " \t")
		}
	}
	msg := store.Message{
		ID:        buf.messageID,
		ProjectID: a.projectID,
		SessionID: a.sessionID,
		RequestID: a.requestID,
		Role:      store.RoleAssistant,
		Type:      typ,
		Content:   content,
		Backend:   a.backend,
		CreatedAt: time.Now().UTC(),
	}
	a.bus.Publish(a.projectID, bus.Update{Type: bus.UpdateMessage, Message: &msg, Final: false})
}

func (a *Assembler) finalizeText(ctx context.Context) {
	if a.text == nil {
		return
	}
	buf := a.text
	a.text = nil
	content := strings.TrimSpace(buf.content.String())
	if content == "" {
		return
	}
	msg := store.Message{
		ID:      buf.messageID,
		Role:    store.RoleAssistant,
		Type:    store.MessageChat,
		Content: content,
	}
	if directive, ok := a.detector.Detect(content); ok {
		msg.Type = store.MessageAction
		msg.Content = directive.Body
		msg.Metadata = map[string]string{
			"integration": directive.Integration,
			"cta":         "Connect " + directive.Integration + " to continue.",
		}
	} else {
		// A token for an already-connected integration does not produce
		// an action, but the literal marker stays out of chat either way.
		msg.Content = strings.TrimSpace(marker.StripToken(content))
		if msg.Content == "" {
			return
		}
	}
	a.persistAndBroadcast(ctx, msg)
}

func (a *Assembler) finalizeReasoning(ctx context.Context) {
	if a.reasoning == nil {
		return
	}
	buf := a.reasoning
	a.reasoning = nil
	content := strings.TrimSpace(buf.content.String())
	if content == "" {
		return
	}
	a.persistAndBroadcast(ctx, store.Message{
		ID:      buf.messageID,
		Role:    store.RoleAssistant,
		Type:    store.MessageReasoning,
		Content: content,
	})
}

func (a *Assembler) toolStart(ctx context.Context, ev event.Event) {
	if _, exists := a.tools[ev.ToolCallID]; exists {
		log.Printf("[assembly] session %s: duplicate tool_start for %s", a.sessionID, ev.ToolCallID)
		return
	}
	tool := &openTool{
		messageID: uuid.NewString(),
		name:      ev.ToolName,
		title:     ev.ToolTitle,
		input:     ev.ToolInput,
	}
	a.tools[ev.ToolCallID] = tool
	meta := map[string]string{
		"tool_call_id": ev.ToolCallID,
		"tool_name":    ev.ToolName,
	}
	if len(ev.ToolInput) > 0 {
		meta["tool_input"] = string(ev.ToolInput)
	}
	a.persistAndBroadcast(ctx, store.Message{
		ID:       tool.messageID,
		Role:     store.RoleTool,
		Type:     store.MessageToolUse,
		Content:  ev.ToolTitle,
		Metadata: meta,
	})
}

func (a *Assembler) toolEnd(ctx context.Context, ev event.Event) {
	tool, ok := a.tools[ev.ToolCallID]
	if !ok {
		log.Printf("[assembly] session %s: tool_end for unknown call %s, ignoring", a.sessionID, ev.ToolCallID)
		return
	}
	delete(a.tools, ev.ToolCallID)
	a.persistAndBroadcast(ctx, store.Message{
		ID:      uuid.NewString(),
		Role:    store.RoleTool,
		Type:    store.MessageToolResult,
		Content: ev.Text,
		Metadata: map[string]string{
			"tool_call_id": ev.ToolCallID,
			"tool_name":    tool.name,
		},
	})
}

// persistAndBroadcast writes the record and publishes it as final. On
// a store failure the message still reaches live subscribers, flagged
// unsaved, so the stream does not silently lose content.
func (a *Assembler) persistAndBroadcast(ctx context.Context, msg store.Message) {
	msg.ProjectID = a.projectID
	msg.SessionID = a.sessionID
	msg.RequestID = a.requestID
	msg.Backend = a.backend
	saved, err := a.messages.CreateMessage(ctx, msg)
	if err != nil {
		log.Printf("[assembly] session %s: persist failed for message %s: %v", a.sessionID, msg.ID, err)
		if msg.Metadata == nil {
			msg.Metadata = map[string]string{}
		}
		msg.Metadata["unsaved"] = "true"
		msg.CreatedAt = time.Now().UTC()
		a.bus.Publish(a.projectID, bus.Update{Type: bus.UpdateMessage, Message: &msg, Final: true})
		return
	}
	a.bus.Publish(a.projectID, bus.Update{Type: bus.UpdateMessage, Message: &saved, Final: true})
}
