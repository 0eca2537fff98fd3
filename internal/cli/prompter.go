package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/g960059/posguard/internal/health"
	"github.com/g960059/posguard/internal/model"
)

var _ health.Prompter = (*TerminalPrompter)(nil)

// TerminalPrompter asks the operator line-based questions. A closed input
// answers every question with "no".
type TerminalPrompter struct {
	mu  sync.Mutex
	in  *bufio.Reader
	out io.Writer
}

func NewTerminalPrompter(in io.Reader, out io.Writer) *TerminalPrompter {
	return &TerminalPrompter{in: bufio.NewReader(in), out: out}
}

func (p *TerminalPrompter) OfferContingency(ctx context.Context, status model.HealthStatus) bool {
	if ctx.Err() != nil {
		return false
	}
	return p.Confirm(fmt.Sprintf("Tax backend check failed (%s). Enter contingency mode?", offerLabel(status)))
}

func offerLabel(status model.HealthStatus) string {
	switch status {
	case model.HealthNetworkFailure:
		return "no connection"
	case model.HealthServerFault:
		return "server error"
	default:
		return string(status)
	}
}

func (p *TerminalPrompter) Confirm(question string) bool {
	answer, err := p.Ask(question + " [y/N]")
	if err != nil {
		return false
	}
	switch strings.ToLower(answer) {
	case "y", "yes", "s", "si", "sí":
		return true
	default:
		return false
	}
}

// Ask prints question and returns the trimmed answer line. io.EOF is
// returned once the input is exhausted without an answer.
func (p *TerminalPrompter) Ask(question string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, _ = fmt.Fprintf(p.out, "%s ", question)
	line, err := p.in.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		_, _ = fmt.Fprintln(p.out)
		return "", err
	}
	return strings.TrimSpace(line), nil
}
