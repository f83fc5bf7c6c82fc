// Package console renders the user-facing terminal messages of the
// requestor. Structured diagnostics go to the log file; everything printed
// here is meant for the operator watching the terminal.
package console

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
)

const HandbookURL = "https://handbook.golem.network/requestor-tutorials/flash-tutorial-of-requestor-development"

// Printer writes styled lines to a terminal. Colors are dropped
// automatically when the writer is not a TTY.
type Printer struct {
	mu sync.Mutex
	w  io.Writer

	notice    lipgloss.Style
	failure   lipgloss.Style
	highlight lipgloss.Style
	muted     lipgloss.Style
}

func New(w io.Writer) *Printer {
	r := lipgloss.NewRenderer(w)
	return &Printer{
		w:         w,
		notice:    r.NewStyle().Foreground(lipgloss.Color("#E5C07B")),
		failure:   r.NewStyle().Foreground(lipgloss.Color("#FF6B6B")),
		highlight: r.NewStyle().Foreground(lipgloss.Color("#E5C07B")).Bold(true),
		muted:     r.NewStyle().Foreground(lipgloss.Color("#888888")),
	}
}

func (p *Printer) Println(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.w, s)
}

// Banner prints the marketplace settings the run was started with.
func (p *Printer) Banner(version, subnet, driver, network string) {
	p.Println(fmt.Sprintf(
		"requestor version: %s\nUsing subnet: %s, payment driver: %s, and network: %s\n",
		p.highlight.Render(version),
		p.highlight.Render(subnet),
		p.highlight.Render(driver),
		p.highlight.Render(network),
	))
}

// PaymentAccountMissing prints the remediation message for a requestor
// without a funded account.
func (p *Printer) PaymentAccountMissing(driver, network string) {
	p.Println(p.failure.Render(fmt.Sprintf(
		"No payment account initialized for driver `%s` and network `%s`.\n\nSee %s on how to initialize payment accounts for a requestor node.",
		driver, network, HandbookURL,
	)))
}

func (p *Printer) Failure(msg string) {
	p.Println(p.failure.Render(msg))
}

func (p *Printer) ShuttingDown() {
	p.Println(p.notice.Render("Shutting down gracefully, please wait a short while or press Ctrl+C to exit immediately..."))
}

func (p *Printer) ShutdownCompleted() {
	p.Println(p.notice.Render("Shutdown completed, thank you for waiting!"))
}

// Hint prints secondary information such as the log file location.
func (p *Printer) Hint(msg string) {
	p.Println(p.muted.Render(msg))
}

// StatusLine formats `name: state` entries the way the run loop reports them.
func StatusLine(entries []string) string {
	quoted := make([]string, 0, len(entries))
	for _, e := range entries {
		quoted = append(quoted, "'"+e+"'")
	}
	return "instances: [" + strings.Join(quoted, ", ") + "]"
}
