package monitor

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"

	"companion/pkg/api"
)

// CLIMonitor implements the Monitor interface, printing the conversation
// to the terminal. Narration chunks are written as they stream in.
type CLIMonitor struct {
	writer io.Writer // The output destination, typically os.Stdout.

	mu        sync.Mutex
	streaming bool // a narration line is open

	stamp   *color.Color
	user    *color.Color
	ai      *color.Color
	failure *color.Color
	status  *color.Color
}

// NewCLIMonitor creates a new CLI monitor
func NewCLIMonitor() *CLIMonitor {
	return NewCLIMonitorTo(os.Stdout)
}

// NewCLIMonitorTo creates a CLI monitor writing to w. Colours are dropped
// when w is a file that is not a terminal.
func NewCLIMonitorTo(w io.Writer) *CLIMonitor {
	m := &CLIMonitor{
		writer:  w,
		stamp:   color.New(color.FgHiBlack),
		user:    color.New(color.FgCyan, color.Bold),
		ai:      color.New(color.FgGreen, color.Bold),
		failure: color.New(color.FgRed),
		status:  color.New(color.FgYellow),
	}
	if f, ok := w.(*os.File); ok && !isTerminal(f) {
		for _, c := range []*color.Color{m.stamp, m.user, m.ai, m.failure, m.status} {
			c.DisableColor()
		}
	}
	return m
}

func isTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Start starts the CLI monitor
func (m *CLIMonitor) Start() error {
	fmt.Fprintln(m.writer, "----------------------------------------------------------------")
	fmt.Fprintln(m.writer, "💬 CLI Monitor Active - the conversation will appear here")
	fmt.Fprintln(m.writer, "----------------------------------------------------------------")
	return nil
}

// Stop stops the CLI monitor
func (m *CLIMonitor) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeLine()
	return nil
}

// OnEvent receives and displays a conversation event
func (m *CLIMonitor) OnEvent(ev api.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch ev.Type {
	case api.EventUser:
		m.closeLine()
		m.prefix(ev)
		fmt.Fprintf(m.writer, "%s %s\n", m.user.Sprintf("[%s]", ev.Speaker), trimSpeaker(ev.Text))
	case api.EventData:
		if !m.streaming {
			m.prefix(ev)
			fmt.Fprint(m.writer, m.ai.Sprint("[AI] "))
			m.streaming = true
		}
		fmt.Fprint(m.writer, ev.Text)
	case api.EventEnd:
		if !m.streaming && ev.Text != "" {
			// the gate held everything back
			m.prefix(ev)
			fmt.Fprintf(m.writer, "%s%s", m.ai.Sprint("[AI] "), ev.Text)
			m.streaming = true
		}
		m.closeLine()
	case api.EventError:
		m.closeLine()
		m.prefix(ev)
		fmt.Fprintln(m.writer, m.failure.Sprintf("[ERROR] %v", ev.Err))
	case api.EventAbort:
		m.closeLine()
		m.prefix(ev)
		fmt.Fprintln(m.writer, m.status.Sprint("[ABORT]"))
	case api.EventStatus:
		if !ev.Waiting {
			return
		}
		m.closeLine()
		m.prefix(ev)
		fmt.Fprintln(m.writer, m.status.Sprint("[TOOL] waiting for a tool..."))
	}
}

func (m *CLIMonitor) prefix(ev api.Event) {
	// Use gray color for timestamp
	fmt.Fprint(m.writer, m.stamp.Sprintf("[%s] ", ev.Time.Format("2006-01-02 15:04:05")))
}

func (m *CLIMonitor) closeLine() {
	if m.streaming {
		fmt.Fprintln(m.writer)
		m.streaming = false
	}
}

// trimSpeaker drops the "<speaker>： " prefix of a user turn.
func trimSpeaker(content string) string {
	if _, rest, ok := strings.Cut(content, "： "); ok {
		return rest
	}
	return content
}
