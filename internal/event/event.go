// Package event defines the canonical event vocabulary that every
// backend adapter decodes into. Everything downstream of an adapter
// (assembly buffer, bus, subscribers) operates on this closed set of
// kinds rather than backend-specific payloads.
package event

import (
	"encoding/json"
	"time"
)

type Kind string

const (
	KindMessageStart   Kind = "message_start"
	KindTextDelta      Kind = "text_delta"
	KindMessageEnd     Kind = "message_end"
	KindReasoningStart Kind = "reasoning_start"
	KindReasoningDelta Kind = "reasoning_delta"
	KindReasoningEnd   Kind = "reasoning_end"
	KindToolStart      Kind = "tool_start"
	KindToolEnd        Kind = "tool_end"
	KindStatus         Kind = "status"
	KindError          Kind = "error"
)

// Event is one normalized unit of agent output. Seq is monotonically
// increasing per session and assigned by the adapter that decoded the
// event; the assembly buffer rejects anything out of order.
type Event struct {
	Kind        Kind            `json:"kind"`
	SessionID   string          `json:"session_id"`
	Seq         int64           `json:"seq"`
	Time        time.Time       `json:"ts"`
	Text        string          `json:"text,omitempty"`
	ToolCallID  string          `json:"tool_call_id,omitempty"`
	ToolName    string          `json:"tool_name,omitempty"`
	ToolTitle   string          `json:"tool_title,omitempty"`
	ToolInput   json.RawMessage `json:"tool_input,omitempty"`
	Status      string          `json:"status,omitempty"`
	ErrorDetail string          `json:"error,omitempty"`
}

// Sequencer hands out per-session sequence numbers. Each adapter owns
// one for the lifetime of a run.
type Sequencer struct {
	sessionID string
	next      int64
}

func NewSequencer(sessionID string) *Sequencer {
	return &Sequencer{sessionID: sessionID}
}

func (s *Sequencer) SessionID() string {
	return s.sessionID
}

func (s *Sequencer) stamp(ev Event) Event {
	s.next++
	ev.SessionID = s.sessionID
	ev.Seq = s.next
	ev.Time = time.Now().UTC()
	return ev
}

func (s *Sequencer) MessageStart() Event {
	return s.stamp(Event{Kind: KindMessageStart})
}

func (s *Sequencer) TextDelta(text string) Event {
	return s.stamp(Event{Kind: KindTextDelta, Text: text})
}

func (s *Sequencer) MessageEnd() Event {
	return s.stamp(Event{Kind: KindMessageEnd})
}

func (s *Sequencer) ReasoningStart() Event {
	return s.stamp(Event{Kind: KindReasoningStart})
}

func (s *Sequencer) ReasoningDelta(text string) Event {
	return s.stamp(Event{Kind: KindReasoningDelta, Text: text})
}

func (s *Sequencer) ReasoningEnd() Event {
	return s.stamp(Event{Kind: KindReasoningEnd})
}

func (s *Sequencer) ToolStart(callID, name, title string, input json.RawMessage) Event {
	return s.stamp(Event{Kind: KindToolStart, ToolCallID: callID, ToolName: name, ToolTitle: title, ToolInput: input})
}

func (s *Sequencer) ToolEnd(callID, result string) Event {
	return s.stamp(Event{Kind: KindToolEnd, ToolCallID: callID, Text: result})
}

func (s *Sequencer) Status(status string) Event {
	return s.stamp(Event{Kind: KindStatus, Status: status})
}

func (s *Sequencer) Error(detail string) Event {
	return s.stamp(Event{Kind: KindError, ErrorDetail: detail})
}
