package event

import "testing"

func TestSequencerStampsEvents(t *testing.T) {
	s := NewSequencer("sess")
	first := s.MessageStart()
	second := s.TextDelta("hi")

	if first.SessionID != "sess" || second.SessionID != "sess" {
		t.Errorf("session ids = %q, %q", first.SessionID, second.SessionID)
	}
	if first.Seq != 1 || second.Seq != 2 {
		t.Errorf("seqs = %d, %d", first.Seq, second.Seq)
	}
	if first.Time.IsZero() {
		t.Error("time not stamped")
	}
	if second.Text != "hi" {
		t.Errorf("text = %q", second.Text)
	}
}

func TestSequencerToolEvents(t *testing.T) {
	s := NewSequencer("sess")
	start := s.ToolStart("t1", "Bash", "Bash ls", []byte(`{"command":"ls"}`))
	end := s.ToolEnd("t1", "ok")

	if start.Kind != KindToolStart || start.ToolCallID != "t1" || start.ToolName != "Bash" {
		t.Errorf("start = %+v", start)
	}
	if end.Kind != KindToolEnd || end.Text != "ok" {
		t.Errorf("end = %+v", end)
	}
}
