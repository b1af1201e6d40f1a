package frames

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/wybert/earth-agent-gateway/internal/protocol"
)

// recordingSink captures sink invocations for assertions.
type recordingSink struct {
	mu        sync.Mutex
	appends   map[string][]string
	completed map[string]string
	failed    map[string]error
	events    []string
}

func newRecordingSink() *recordingSink {
	return &recordingSink{
		appends:   make(map[string][]string),
		completed: make(map[string]string),
		failed:    make(map[string]error),
	}
}

func (s *recordingSink) Append(requestID, fragment string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appends[requestID] = append(s.appends[requestID], fragment)
	s.events = append(s.events, "append:"+requestID)
}

func (s *recordingSink) Complete(requestID, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed[requestID] = text
	s.events = append(s.events, "complete:"+requestID)
}

func (s *recordingSink) Fail(requestID, userMessage string, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed[requestID] = cause
	s.events = append(s.events, "fail:"+requestID)
}

func (s *recordingSink) terminalCount(requestID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ev := range s.events {
		if ev == "complete:"+requestID || ev == "fail:"+requestID {
			n++
		}
	}
	return n
}

func chunk(id, text string) *protocol.Message {
	return &protocol.Message{Type: protocol.TypeChatStreamChunk, RequestID: id, Chunk: text}
}

func end(id, data string) *protocol.Message {
	return &protocol.Message{Type: protocol.TypeChatStreamEnd, RequestID: id, Data: data}
}

func TestReassembler_OrderedConcatenation(t *testing.T) {
	sink := newRecordingSink()
	r := New(sink)

	r.Track("r1")
	r.HandleFrame(chunk("r1", "The "))
	r.HandleFrame(chunk("r1", "NDVI "))
	r.HandleFrame(chunk("r1", "band"))
	r.HandleFrame(end("r1", ""))

	if got := sink.completed["r1"]; got != "The NDVI band" {
		t.Errorf("Expected concatenated text, got %q", got)
	}
	if n := sink.terminalCount("r1"); n != 1 {
		t.Errorf("Expected exactly one terminal event, got %d", n)
	}
}

func TestReassembler_EndDataIsAuthoritative(t *testing.T) {
	sink := newRecordingSink()
	r := New(sink)

	r.Track("r1")
	r.HandleFrame(chunk("r1", "garbled"))
	r.HandleFrame(end("r1", "full clean answer"))

	if got := sink.completed["r1"]; got != "full clean answer" {
		t.Errorf("Expected end frame data to win, got %q", got)
	}
}

func TestReassembler_UnknownIDDropped(t *testing.T) {
	sink := newRecordingSink()
	r := New(sink)

	r.HandleFrame(chunk("never-tracked", "x"))
	r.HandleFrame(end("never-tracked", "y"))

	if len(sink.appends) != 0 || len(sink.completed) != 0 {
		t.Errorf("Expected untracked frames dropped, got appends=%v completed=%v", sink.appends, sink.completed)
	}
}

func TestReassembler_DuplicateTerminalIgnored(t *testing.T) {
	sink := newRecordingSink()
	r := New(sink)

	r.Track("r1")
	r.HandleFrame(chunk("r1", "answer"))
	r.HandleFrame(end("r1", ""))
	// Late duplicates after the terminal.
	r.HandleFrame(end("r1", "other"))
	r.HandleFrame(chunk("r1", "stray"))
	r.HandleFrame(&protocol.Message{Type: protocol.TypeError, RequestID: "r1", Error: "late"})

	if n := sink.terminalCount("r1"); n != 1 {
		t.Errorf("Expected exactly one terminal event, got %d", n)
	}
	if got := sink.completed["r1"]; got != "answer" {
		t.Errorf("Expected first terminal to win, got %q", got)
	}
	if len(sink.appends["r1"]) != 1 {
		t.Errorf("Expected stray post-terminal chunk dropped, got %v", sink.appends["r1"])
	}
}

func TestReassembler_ErrorDiscardsPartialText(t *testing.T) {
	sink := newRecordingSink()
	r := New(sink)

	r.Track("r1")
	r.HandleFrame(chunk("r1", "partial "))
	r.HandleFrame(&protocol.Message{Type: protocol.TypeError, RequestID: "r1", Error: "upstream exploded"})

	if _, ok := sink.completed["r1"]; ok {
		t.Error("Expected no completion for a failed request")
	}
	cause, ok := sink.failed["r1"]
	if !ok {
		t.Fatal("Expected failure to reach the sink")
	}
	if cause.Error() != "upstream exploded" {
		t.Errorf("Expected raw cause preserved, got %v", cause)
	}
}

func TestReassembler_DirectResponseCompletes(t *testing.T) {
	sink := newRecordingSink()
	r := New(sink)

	r.Track("r1")
	r.HandleFrame(&protocol.Message{Type: protocol.TypeChatResponse, RequestID: "r1", Data: "whole answer"})

	if got := sink.completed["r1"]; got != "whole answer" {
		t.Errorf("Expected direct completion, got %q", got)
	}
	if _, tracked := r.State("r1"); tracked {
		t.Error("Expected terminal request removed from tracking")
	}
}

func TestReassembler_CancelDropsLaterChunks(t *testing.T) {
	sink := newRecordingSink()
	r := New(sink)

	r.Track("r1")
	r.HandleFrame(chunk("r1", "before cancel"))
	r.Cancel("r1")
	// Frames already on the wire arrive after the cancel.
	r.HandleFrame(chunk("r1", "after cancel"))
	r.HandleFrame(end("r1", "late end"))

	if len(sink.appends["r1"]) != 1 {
		t.Errorf("Expected post-cancel chunks dropped, got %v", sink.appends["r1"])
	}
	if n := sink.terminalCount("r1"); n != 0 {
		t.Errorf("Expected no terminal sink event for a cancelled request, got %d", n)
	}
}

func TestReassembler_FailAllAbandonsInflight(t *testing.T) {
	sink := newRecordingSink()
	r := New(sink)

	r.Track("r1")
	r.Track("r2")
	r.HandleFrame(chunk("r1", "streaming"))
	r.HandleFrame(end("r2", "already done"))

	cause := errors.New("connection dropped")
	r.FailAll(cause)

	if got := sink.failed["r1"]; !errors.Is(got, cause) {
		t.Errorf("Expected r1 failed with the drop cause, got %v", got)
	}
	if _, ok := sink.failed["r2"]; ok {
		t.Error("Expected completed request untouched by FailAll")
	}
}

func TestReassembler_InterleavedRequests(t *testing.T) {
	sink := newRecordingSink()
	r := New(sink)

	r.Track("a")
	r.Track("b")
	for i := 0; i < 3; i++ {
		r.HandleFrame(chunk("a", fmt.Sprintf("a%d ", i)))
		r.HandleFrame(chunk("b", fmt.Sprintf("b%d ", i)))
	}
	r.HandleFrame(end("a", ""))
	r.HandleFrame(end("b", ""))

	if got := sink.completed["a"]; got != "a0 a1 a2 " {
		t.Errorf("Expected per-request ordering for a, got %q", got)
	}
	if got := sink.completed["b"]; got != "b0 b1 b2 " {
		t.Errorf("Expected per-request ordering for b, got %q", got)
	}
}
