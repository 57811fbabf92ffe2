package lauui

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/function61/laukaisin/pkg/lauprogress"
	"github.com/function61/laukaisin/pkg/lauqueue"
	"github.com/mattn/go-isatty"
)

const barLength = 24

type taskState struct {
	percent       float64
	indeterminate bool
	status        string
	lastPrinted   int // non-interactive: last printed tenth of progress
}

// renders queue progress. on a terminal, the active task is redrawn in place. otherwise
// (pipes, log files) only status changes and every 10 % of progress are printed as lines.
// safe for concurrent use by both queues of a pair.
type Terminal struct {
	out         io.Writer
	interactive bool
	theme       ProgressBarTheme

	mu          sync.Mutex
	tasks       map[string]*taskState
	linePending bool // interactive line drawn without a trailing newline
}

func NewTerminal(out *os.File) *Terminal {
	interactive := isatty.IsTerminal(out.Fd()) || isatty.IsCygwinTerminal(out.Fd())

	return NewTerminalWriter(out, interactive)
}

func NewTerminalWriter(out io.Writer, interactive bool) *Terminal {
	theme := ProgressBarASCIITheme()
	if interactive {
		theme = ProgressBarDefaultTheme()
	}

	return &Terminal{
		out:         out,
		interactive: interactive,
		theme:       theme,
		tasks:       map[string]*taskState{},
	}
}

var _ lauqueue.Display = (*Terminal)(nil)

func (t *Terminal) Show(task lauqueue.Task, ev lauprogress.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	label := taskLabel(task)

	state, found := t.tasks[label]
	if !found {
		state = &taskState{lastPrinted: -1}
		t.tasks[label] = state
	}

	statusChanged := false

	switch ev.Kind {
	case lauprogress.KindProgress:
		state.percent = ev.Percent
		state.indeterminate = false
	case lauprogress.KindIndeterminate:
		state.indeterminate = true
	case lauprogress.KindStatus:
		message := lauprogress.Format(ev)
		statusChanged = message != state.status
		state.status = message
	}

	if t.interactive {
		t.redraw(label, state)
		return
	}

	tenth := int(state.percent / 10)

	switch {
	case statusChanged:
		t.println(fmt.Sprintf("[%s] %s", label, state.status))
	case ev.Kind == lauprogress.KindProgress && tenth != state.lastPrinted:
		state.lastPrinted = tenth
		t.println(fmt.Sprintf("[%s] %s %5.1f%%", label, ProgressBar(state.percent, barLength, t.theme), state.percent))
	}
}

// previous operation failed but the session goes on. forget its progress.
func (t *Terminal) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.endLine()
	t.tasks = map[string]*taskState{}
}

// user-facing alert, on its own line. implements lauclient.Notifier.
func (t *Terminal) Alert(key lauprogress.StatusKey, args ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.println("! " + lauprogress.Format(lauprogress.SetStatus(key, args...)))
}

// terminates an in-place line so that later output starts on a fresh one
func (t *Terminal) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.endLine()
}

func (t *Terminal) redraw(label string, state *taskState) {
	progress := fmt.Sprintf("%s %5.1f%%", ProgressBar(state.percent, barLength, t.theme), state.percent)
	if state.indeterminate {
		progress = strings.Repeat(" ", barLength) + "    ..."
	}

	// \r + erase line
	fmt.Fprintf(t.out, "\r\033[K[%s] %s %s", label, progress, state.status)

	t.linePending = true
}

func (t *Terminal) println(line string) {
	t.endLine()

	fmt.Fprintln(t.out, line)
}

func (t *Terminal) endLine() {
	if t.linePending {
		fmt.Fprintln(t.out)
		t.linePending = false
	}
}

func taskLabel(task lauqueue.Task) string {
	if task.Title == "" {
		return task.Kind
	}

	return task.Kind + " " + task.Title
}
