// Package streamtee implements the stream collector: a pass-through
// transform placed between the upstream response and the downstream
// writer that forwards bytes unchanged while parsing SSE data lines
// for observation (spec §4.F).
package streamtee

import (
	"bufio"
	"io"
	"net/http"
	"strings"
	"time"
)

// Result is yielded once the upstream stream ends.
type Result struct {
	Chunks             []string
	TimeToFirstTokenMs *int64
}

// Tee wraps an io.Writer (the client response) and forwards every byte
// written to it in arrival order, while independently parsing
// `data:` lines out of the stream to build chunks and stamp
// time-to-first-token. It implements http.Flusher passthrough so SSE
// streaming keeps working when w is also a ResponseWriter.
type Tee struct {
	w            io.Writer
	flusher      http.Flusher
	requestStart time.Time

	buf        strings.Builder
	chunks     []string
	firstByte  *int64
	sawContent bool
}

// New wraps w (typically the client's http.ResponseWriter). requestStart
// anchors the time-to-first-token measurement.
func New(w io.Writer, requestStart time.Time) *Tee {
	t := &Tee{w: w, requestStart: requestStart}
	if f, ok := w.(http.Flusher); ok {
		t.flusher = f
	}
	return t
}

// Write forwards p to the underlying writer unchanged and feeds a copy
// into the line-decode window for SSE parsing. Forwarding errors are
// still returned to the caller; content tracking already happened
// best-effort before the write, so the record stays useful even if the
// client write fails.
func (t *Tee) Write(p []byte) (int, error) {
	t.feed(p)
	n, err := t.w.Write(p)
	if t.flusher != nil {
		t.flusher.Flush()
	}
	return n, err
}

// Flush implements http.Flusher passthrough.
func (t *Tee) Flush() {
	if t.flusher != nil {
		t.flusher.Flush()
	}
}

func (t *Tee) feed(p []byte) {
	t.buf.Write(p)
	data := t.buf.String()

	lastNewline := strings.LastIndexByte(data, '\n')
	if lastNewline < 0 {
		return
	}
	complete, remainder := data[:lastNewline+1], data[lastNewline+1:]
	t.buf.Reset()
	t.buf.WriteString(remainder)

	scanner := bufio.NewScanner(strings.NewReader(complete))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		t.chunks = append(t.chunks, payload)
		if payload == "[DONE]" {
			continue
		}
		if payload != "" && !t.sawContent {
			t.sawContent = true
			ms := time.Since(t.requestStart).Milliseconds()
			t.firstByte = &ms
		}
	}
}

// Finish flushes any remaining partial line in the decode window and
// returns the accumulated result. Called once upstream reaches EOF
// (success or error).
func (t *Tee) Finish() Result {
	if t.buf.Len() > 0 {
		t.feed([]byte("\n"))
	}
	return Result{Chunks: t.chunks, TimeToFirstTokenMs: t.firstByte}
}

// LooksLikeSSE reports whether the response's declared content type or
// transfer encoding signals an SSE body, used by the forwarder to pick
// the streaming vs. buffered path (spec §4.F).
func LooksLikeSSE(contentType, transferEncoding string, bodyPrefix []byte) bool {
	if strings.Contains(strings.ToLower(contentType), "text/event-stream") {
		return true
	}
	if strings.EqualFold(transferEncoding, "chunked") {
		trimmed := strings.TrimSpace(string(bodyPrefix))
		if strings.HasPrefix(trimmed, "data:") || strings.HasPrefix(trimmed, "event:") {
			return true
		}
	}
	return false
}
