package codeassist

import "bytes"

// sseParser is a small stateful SSE parser: pushLine accumulates field
// lines and onEvent fires once per blank-line delimited event, rather
// than the string-splitting recipe a one-shot bytes.Split over the whole
// body would require. This keeps parsing correct under arbitrary chunk
// boundaries and makes the cancellation path in adapter.go trivial (stop
// reading, the parser just never flushes its last partial event).
type sseParser struct {
	dataBuf bytes.Buffer
	hasData bool
	onEvent func(data []byte)
}

func newSSEParser(onEvent func(data []byte)) *sseParser {
	return &sseParser{onEvent: onEvent}
}

// pushLine feeds one line (without its trailing newline) to the parser.
// Callers typically get lines from a bufio.Scanner reading the SSE byte
// stream.
func (p *sseParser) pushLine(line []byte) {
	if len(line) == 0 {
		p.flush()
		return
	}
	if bytes.HasPrefix(line, []byte(":")) {
		// comment/keep-alive line, ignored per the SSE spec
		return
	}
	if rest, ok := cutPrefix(line, []byte("data:")); ok {
		rest = bytes.TrimPrefix(rest, []byte(" "))
		if p.hasData {
			p.dataBuf.WriteByte('\n')
		}
		p.dataBuf.Write(rest)
		p.hasData = true
		return
	}
	// event:, id:, retry: and any other field are irrelevant to Code
	// Assist's payload shape and are ignored.
}

func (p *sseParser) flush() {
	if !p.hasData {
		return
	}
	data := append([]byte(nil), p.dataBuf.Bytes()...)
	p.dataBuf.Reset()
	p.hasData = false
	p.onEvent(data)
}

// finish flushes any trailing event that never received its closing blank
// line, which a server that closes the connection right after its last
// "data:" line will produce.
func (p *sseParser) finish() {
	p.flush()
}

func cutPrefix(s, prefix []byte) ([]byte, bool) {
	if !bytes.HasPrefix(s, prefix) {
		return nil, false
	}
	return s[len(prefix):], true
}
