// Splits subprocess output into lines for logging, and remembers the last few of them
package logtee

import (
	"bytes"
	"container/ring"
	"io"
	"sync"
)

type LineSplitter struct {
	buf           []byte // bytes after the last \n
	lineCompleted func(string)
	mu            sync.Mutex
}

// returns io.Writer that tees full lines to lineCompleted callback. sink may be nil.
// \r\n line endings are normalized (Wine programs write them).
func NewLineSplitterTee(sink io.Writer, lineCompleted func(string)) *LineSplitterWriter {
	splitter := &LineSplitter{
		lineCompleted: lineCompleted,
	}

	if sink == nil {
		sink = io.Discard
	}

	return &LineSplitterWriter{
		Writer:   io.MultiWriter(sink, splitter),
		splitter: splitter,
	}
}

type LineSplitterWriter struct {
	io.Writer
	splitter *LineSplitter
}

// emits the possible unterminated last line. process exits don't always end in \n.
func (l *LineSplitterWriter) Flush() {
	l.splitter.flush()
}

func (l *LineSplitter) Write(data []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.buf = append(l.buf, data...)

	for {
		idx := bytes.IndexByte(l.buf, '\n')
		if idx == -1 {
			break
		}

		l.lineCompleted(string(bytes.TrimSuffix(l.buf[:idx], []byte{'\r'})))

		l.buf = l.buf[idx+1:]
	}

	return len(data), nil
}

func (l *LineSplitter) flush() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.buf) > 0 {
		l.lineCompleted(string(bytes.TrimSuffix(l.buf, []byte{'\r'})))
		l.buf = nil
	}
}

// keeps only "capacity" last lines (which you can retrieve with Snapshot() )
type StringTail struct {
	lines *ring.Ring
	mu    sync.Mutex
}

func NewStringTail(capacity int) *StringTail {
	return &StringTail{
		lines: ring.New(capacity),
	}
}

func (t *StringTail) Write(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.lines.Value = line
	t.lines = t.lines.Next()
}

// oldest first
func (t *StringTail) Snapshot() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	lines := []string{}
	t.lines.Do(func(val interface{}) {
		if val != nil { // slot not yet written to
			lines = append(lines, val.(string))
		}
	})

	return lines
}
