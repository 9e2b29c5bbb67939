package reporter

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"golang.org/x/term"

	"github.com/paratest-core/paratest/internal/config"
	"github.com/paratest-core/paratest/internal/testmodel"
)

const (
	ansiRed     = "\033[1;31m"
	ansiGreen   = "\033[1;32m"
	ansiYellow  = "\033[1;33m"
	ansiMagenta = "\033[1;35m"
	ansiReset   = "\033[0m"
)

// TextReporter prints a one-line-per-attempt, dot-style summary to an
// io.Writer, coloring pass/fail/skip/timeout labels when writing to a
// terminal. Fuller formats (line, list, json, junit) are a CLI-layer
// concern and are out of scope here.
type TextReporter struct {
	w      io.Writer
	color  bool
	mu     sync.Mutex
	maxLen int
}

// NewTextReporter builds a TextReporter writing to w. If fd is a valid
// terminal file descriptor, output is colorized; pass -1 to force plain
// text (e.g. when writing to a file).
func NewTextReporter(w io.Writer, fd int) *TextReporter {
	color := fd >= 0 && term.IsTerminal(fd)
	return &TextReporter{w: w, color: color}
}

func (t *TextReporter) OnBegin(cfg *config.Config, root *testmodel.Suite) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, spec := range root.Specs() {
		if len(spec.FullTitle()) > t.maxLen {
			t.maxLen = len(spec.FullTitle())
		}
	}
	fmt.Fprintln(t.w, strings.Repeat("-", 80))
}

func (t *TextReporter) OnTestBegin(test *testmodel.Test) {}

func (t *TextReporter) OnStdOut(chunk []byte, test *testmodel.Test) {}

func (t *TextReporter) OnStdErr(chunk []byte, test *testmodel.Test) {}

func (t *TextReporter) OnTestEnd(test *testmodel.Test, result *testmodel.TestResult) {
	t.mu.Lock()
	defer t.mu.Unlock()

	label, plain := t.label(result.Status)
	name := fmt.Sprintf("%-*s", t.maxLen, test.FullTitle())
	ts := time.Now().UTC().Format("2006-01-02T15:04:05.000000Z")

	if t.color {
		fmt.Fprintf(t.w, "%s %s %s\n", ts, name, label)
	} else {
		fmt.Fprintf(t.w, "%s %s %s\n", ts, name, plain)
	}
	if result.Error != nil {
		fmt.Fprintf(t.w, "%s    %s\n", ts, result.Error.Error())
	}
}

func (t *TextReporter) label(status testmodel.Status) (colored, plain string) {
	switch status {
	case testmodel.StatusPassed:
		plain = "[ PASS ]"
	case testmodel.StatusSkipped:
		plain = "[ SKIP ]"
	case testmodel.StatusTimedOut:
		plain = "[TIMEOUT]"
	default:
		plain = "[ FAIL ]"
	}
	if !t.color {
		return plain, plain
	}
	switch status {
	case testmodel.StatusPassed:
		return ansiGreen + plain + ansiReset, plain
	case testmodel.StatusSkipped:
		return ansiYellow + plain + ansiReset, plain
	case testmodel.StatusTimedOut:
		return ansiMagenta + plain + ansiReset, plain
	default:
		return ansiRed + plain + ansiReset, plain
	}
}

func (t *TextReporter) OnTimeout(ms int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.w, "run exceeded global timeout of %dms\n", ms)
}

func (t *TextReporter) OnError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.w, "error: %s\n", err.Error())
}

func (t *TextReporter) OnEnd() {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintln(t.w, strings.Repeat("-", 80))
}

var _ Reporter = (*TextReporter)(nil)
