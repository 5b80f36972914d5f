// Package sse frames raw bytes from an upstream server-sent-events response
// into data: payloads, tolerating arbitrary chunk boundaries.
package sse

import "strings"

// Framer buffers bytes across reads and yields the payload of each data:
// line it has seen so far. It carries an unterminated trailing line across
// Push calls the way bufio.Scanner would, but without requiring a blocking
// io.Reader — callers push chunks as they arrive off the wire.
type Framer struct {
	pending string
}

// NewFramer returns an empty Framer.
func NewFramer() *Framer {
	return &Framer{}
}

// Push feeds a new byte chunk and returns the data: payloads completed by
// it, in arrival order. Only lines beginning with "data:" are surfaced;
// event:, id:, and comment lines are dropped. A single leading space after
// the colon is stripped, then the payload is trimmed.
func (f *Framer) Push(chunk []byte) []string {
	f.pending += string(chunk)
	lines := strings.Split(f.pending, "\n")
	// The last element is either "" (chunk ended on a newline) or a partial
	// line to carry forward.
	f.pending = lines[len(lines)-1]
	lines = lines[:len(lines)-1]

	var out []string
	for _, line := range lines {
		if payload, ok := parseDataLine(line); ok {
			out = append(out, payload)
		}
	}
	return out
}

// Flush emits the residual partial line, if any, as a final payload and
// resets internal state. Call this once the upstream connection closes.
func (f *Framer) Flush() []string {
	if f.pending == "" {
		return nil
	}
	var out []string
	if payload, ok := parseDataLine(f.pending); ok {
		out = append(out, payload)
	}
	f.pending = ""
	return out
}

func parseDataLine(line string) (string, bool) {
	line = strings.TrimSuffix(line, "\r")
	if !strings.HasPrefix(line, "data:") {
		return "", false
	}
	payload := line[len("data:"):]
	payload = strings.TrimPrefix(payload, " ")
	return strings.TrimSpace(payload), true
}
