package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/ship-commander/agentvisor/internal/supervisor"
	"golang.org/x/term"
)

// styles holds the CLI palette. The zero value renders plain text.
type styles struct {
	enabled bool
	info    lipgloss.Style
	warn    lipgloss.Style
	err     lipgloss.Style
	stream  lipgloss.Style
	json    lipgloss.Style
	label   lipgloss.Style
	ok      lipgloss.Style
	dim     lipgloss.Style
}

func newStyles(enabled bool) styles {
	if !enabled {
		return styles{}
	}
	return styles{
		enabled: true,
		info:    lipgloss.NewStyle().Foreground(lipgloss.Color("#5FAFFF")),
		warn:    lipgloss.NewStyle().Foreground(lipgloss.Color("#FFAF00")),
		err:     lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5F5F")).Bold(true),
		stream:  lipgloss.NewStyle(),
		json:    lipgloss.NewStyle().Foreground(lipgloss.Color("#8787AF")),
		label:   lipgloss.NewStyle().Bold(true),
		ok:      lipgloss.NewStyle().Foreground(lipgloss.Color("#87D787")).Bold(true),
		dim:     lipgloss.NewStyle().Faint(true),
	}
}

func (s styles) render(style lipgloss.Style, text string) string {
	if !s.enabled {
		return text
	}
	return style.Render(text)
}

// isTerminal reports whether w is a terminal that can take colour.
func isTerminal(w io.Writer) bool {
	file, ok := w.(*os.File)
	if !ok {
		return false
	}
	return term.IsTerminal(int(file.Fd()))
}

// printer writes run output lines. Callbacks arrive from the run goroutine
// while the command goroutine prints the result, so writes are serialized.
type printer struct {
	mu     sync.Mutex
	out    io.Writer
	styles styles
	json   bool
}

func newPrinter(out io.Writer, jsonOutput bool) *printer {
	return &printer{
		out:    out,
		styles: newStyles(!jsonOutput && isTerminal(out)),
		json:   jsonOutput,
	}
}

func (p *printer) logEntry(entry supervisor.LogEntry) {
	if p.json {
		return
	}
	line := strings.TrimRight(entry.Line, "\n")
	var rendered string
	switch entry.Level {
	case supervisor.LevelInfo:
		rendered = p.styles.render(p.styles.info, "• "+line)
	case supervisor.LevelWarn:
		rendered = p.styles.render(p.styles.warn, "! "+line)
	case supervisor.LevelError:
		rendered = p.styles.render(p.styles.err, "✗ "+line)
	case supervisor.LevelJSON:
		rendered = p.styles.render(p.styles.json, line)
	default:
		rendered = p.styles.render(p.styles.stream, line)
	}
	p.println(rendered)
}

func (p *printer) sessionID(id string) {
	if p.json {
		return
	}
	p.println(p.styles.render(p.styles.dim, "session "+id))
}

func (p *printer) result(result supervisor.Result) {
	if p.json {
		return
	}
	status := p.styles.render(p.styles.err, result.Summary())
	if result.Succeeded() {
		status = p.styles.render(p.styles.ok, result.Summary())
	}
	p.println("")
	p.println(p.styles.render(p.styles.label, "result: ") + status)
	if result.SessionID != "" {
		p.println(p.styles.render(p.styles.label, "session: ") + result.SessionID)
	}
	p.println(p.styles.render(p.styles.label, "duration: ") + result.Duration.Round(time.Millisecond).String())
	if result.ProviderError != "" {
		p.println(p.styles.render(p.styles.warn, "provider error: "+result.ProviderError))
	}
	if result.Succeeded() && result.Text != "" {
		p.println("")
		p.println(result.Text)
	}
}

func (p *printer) println(line string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := fmt.Fprintln(p.out, line); err != nil {
		_ = err
	}
}
