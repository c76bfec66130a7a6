package codeassist

import (
	"bytes"
	"testing"
)

func TestSSEParserSingleLineEvent(t *testing.T) {
	var events [][]byte
	p := newSSEParser(func(data []byte) { events = append(events, data) })

	p.pushLine([]byte(`data: {"hello":"world"}`))
	p.pushLine([]byte(""))

	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if string(events[0]) != `{"hello":"world"}` {
		t.Fatalf("got %q", events[0])
	}
}

func TestSSEParserMultiLineDataJoinedWithNewline(t *testing.T) {
	var events [][]byte
	p := newSSEParser(func(data []byte) { events = append(events, data) })

	p.pushLine([]byte("data: line one"))
	p.pushLine([]byte("data: line two"))
	p.pushLine([]byte(""))

	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if string(events[0]) != "line one\nline two" {
		t.Fatalf("got %q", events[0])
	}
}

func TestSSEParserIgnoresCommentLines(t *testing.T) {
	var events [][]byte
	p := newSSEParser(func(data []byte) { events = append(events, data) })

	p.pushLine([]byte(": keep-alive"))
	p.pushLine([]byte("data: payload"))
	p.pushLine([]byte(""))

	if len(events) != 1 || string(events[0]) != "payload" {
		t.Fatalf("got %v", events)
	}
}

func TestSSEParserIgnoresOtherFields(t *testing.T) {
	var events [][]byte
	p := newSSEParser(func(data []byte) { events = append(events, data) })

	p.pushLine([]byte("event: message"))
	p.pushLine([]byte("id: 42"))
	p.pushLine([]byte("data: payload"))
	p.pushLine([]byte(""))

	if len(events) != 1 || string(events[0]) != "payload" {
		t.Fatalf("got %v", events)
	}
}

func TestSSEParserBlankLineWithNoDataEmitsNothing(t *testing.T) {
	var events [][]byte
	p := newSSEParser(func(data []byte) { events = append(events, data) })

	p.pushLine([]byte(""))
	p.pushLine([]byte(""))

	if len(events) != 0 {
		t.Fatalf("got %d events, want 0", len(events))
	}
}

func TestSSEParserFinishFlushesTrailingEventWithoutBlankLine(t *testing.T) {
	var events [][]byte
	p := newSSEParser(func(data []byte) { events = append(events, data) })

	p.pushLine([]byte("data: trailing"))
	p.finish()

	if len(events) != 1 || string(events[0]) != "trailing" {
		t.Fatalf("got %v", events)
	}
}

func TestSSEParserMultipleEventsInSequence(t *testing.T) {
	var events [][]byte
	p := newSSEParser(func(data []byte) { events = append(events, data) })

	lines := []string{"data: first", "", "data: second", "", "data: third", ""}
	for _, l := range lines {
		p.pushLine([]byte(l))
	}

	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	want := []string{"first", "second", "third"}
	for i, w := range want {
		if !bytes.Equal(events[i], []byte(w)) {
			t.Fatalf("event %d: got %q, want %q", i, events[i], w)
		}
	}
}
