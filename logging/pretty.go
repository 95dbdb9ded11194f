package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Printer writes human-facing CLI output. It is separate from the
// structured loggers, which go to the log file.
type Printer struct {
	writer io.Writer
	styles PrettyStyles
}

// PrettyStyles contains lipgloss styles for different output kinds.
type PrettyStyles struct {
	Success lipgloss.Style
	Info    lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
	Key     lipgloss.Style
	Value   lipgloss.Style
	Roles   map[string]lipgloss.Style
}

// DefaultPrettyStyles returns the default styling.
func DefaultPrettyStyles() PrettyStyles {
	return PrettyStyles{
		Success: lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true),
		Info:    lipgloss.NewStyle().Foreground(lipgloss.Color("12")),
		Warning: lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
		Error:   lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true),
		Key:     lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
		Value:   lipgloss.NewStyle().Foreground(lipgloss.Color("14")).Bold(true),
		Roles: map[string]lipgloss.Style{
			"user":      lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true),
			"assistant": lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true),
			"info":      lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
			"error":     lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true),
			"commit":    lipgloss.NewStyle().Foreground(lipgloss.Color("5")),
		},
	}
}

// NewPrinter creates a printer writing to stdout.
func NewPrinter() *Printer {
	return &Printer{
		writer: os.Stdout,
		styles: DefaultPrettyStyles(),
	}
}

// WithWriter sets a custom writer.
func (p *Printer) WithWriter(w io.Writer) *Printer {
	p.writer = w
	return p
}

// Writer returns the underlying writer.
func (p *Printer) Writer() io.Writer {
	return p.writer
}

// Success prints a message with a checkmark.
func (p *Printer) Success(message string) {
	fmt.Fprintf(p.writer, "%s %s\n",
		p.styles.Success.Render("✓"),
		p.styles.Success.Render(message))
}

// Info prints a plain informational line.
func (p *Printer) Info(message string) {
	fmt.Fprintf(p.writer, "%s\n", p.styles.Info.Render(message))
}

// Warn prints a warning.
func (p *Printer) Warn(message string) {
	fmt.Fprintf(p.writer, "%s %s\n",
		p.styles.Warning.Render("⚠"),
		p.styles.Warning.Render(message))
}

// Error prints an error with an optional cause.
func (p *Printer) Error(message string, err error) {
	fmt.Fprintf(p.writer, "%s %s",
		p.styles.Error.Render("✗"),
		p.styles.Error.Render(message))
	if err != nil {
		fmt.Fprintf(p.writer, ": %s", p.styles.Error.Render(err.Error()))
	}
	fmt.Fprintln(p.writer)
}

// Field prints a key-value pair.
func (p *Printer) Field(key string, value interface{}) {
	fmt.Fprintf(p.writer, "%s: %s\n",
		p.styles.Key.Render(key),
		p.styles.Value.Render(fmt.Sprint(value)))
}

// Role prints a chat message prefixed by its styled role. Unknown roles
// are printed unstyled.
func (p *Printer) Role(role, content string) {
	style, ok := p.styles.Roles[role]
	if !ok {
		style = lipgloss.NewStyle()
	}
	fmt.Fprintf(p.writer, "%s %s\n", style.Render(role+">"), strings.TrimRight(content, "\n"))
}

// Divider prints a horizontal rule.
func (p *Printer) Divider() {
	fmt.Fprintln(p.writer, p.styles.Key.Render(strings.Repeat("─", 60)))
}
