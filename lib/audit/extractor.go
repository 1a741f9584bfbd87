// Package audit records the commands users run through the proxy.
package audit

import (
	"strings"

	"github.com/volumcloud/sshgate/lib/protocol"
)

// Extractor parses the client-to-upstream keystroke stream of a shell session
// into logical command lines. It is a passive tap: the pump forwards exactly
// the bytes it showed the extractor, so observation can never corrupt the
// session.
//
// The extraction is line-oriented, not a terminal emulation: backspace, arrow
// keys, and readline editing are not interpreted, and a pasted block yields
// one command per embedded newline. Ctrl-C discards the pending line. Bytes
// that do not decode as UTF-8 are dropped from the extracted text only.
type Extractor struct {
	buff []byte
	emit func(line string)
}

// NewExtractor creates an extractor delivering command lines to emit.
// Emitted lines are trimmed of surrounding whitespace and never empty.
func NewExtractor(emit func(line string)) *Extractor {
	return &Extractor{emit: emit}
}

// Observe consumes one forwarded chunk. Safe for a single pump goroutine;
// chunks may split lines, multi-byte characters, and CRLF pairs arbitrarily.
func (e *Extractor) Observe(p []byte) {
	for _, b := range p {
		if b == protocol.CtrlC {
			e.buff = e.buff[:0]
			continue
		}
		e.buff = append(e.buff, b)
		if b == '\r' || b == '\n' {
			e.flush()
		}
	}
}

// flush splits the accumulator on line terminators and emits non-empty lines.
func (e *Extractor) flush() {
	text := strings.ToValidUTF8(string(e.buff), "")
	text = strings.ReplaceAll(text, "\r", "\n")
	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			e.emit(line)
		}
	}
	e.buff = e.buff[:0]
}
