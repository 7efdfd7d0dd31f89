package approval

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"

	"atp/internal/logging"
)

// Interactive prompts on the terminal for each approval request. Meant for
// single-operator deployments and local development; a timeout or any read
// failure denies.
type Interactive struct {
	timeout time.Duration
	in      *bufio.Reader
	color   bool
	logger  logging.Logger
}

// NewInteractive builds a terminal approver. timeout <= 0 defaults to 60s.
func NewInteractive(timeout time.Duration, colorEnabled bool) *Interactive {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Interactive{
		timeout: timeout,
		in:      bufio.NewReader(os.Stdin),
		color:   colorEnabled,
		logger:  logging.NewComponentLogger("Approval"),
	}
}

// Approve displays the request and waits for a y/n answer.
func (a *Interactive) Approve(ctx context.Context, req Request) (Decision, error) {
	a.display(req)

	type answer struct {
		approved bool
		err      error
	}
	answers := make(chan answer, 1)
	go func() {
		approved, err := a.prompt()
		answers <- answer{approved, err}
	}()

	timeoutCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	select {
	case ans := <-answers:
		if ans.err != nil {
			return Decision{Approved: false, Reason: "input unavailable"}, nil
		}
		if ans.approved {
			return Decision{Approved: true, Reason: "approved by operator"}, nil
		}
		return Decision{Approved: false, Reason: "rejected by operator"}, nil
	case <-timeoutCtx.Done():
		fmt.Println()
		fmt.Println(a.colorize("Timeout - request denied", color.FgRed))
		a.logger.Warn("approval for %s timed out, denying", req.Tool)
		return Decision{Approved: false, Reason: "approval timeout"}, nil
	}
}

func (a *Interactive) display(req Request) {
	separator := strings.Repeat("=", 72)

	fmt.Println()
	fmt.Println(a.colorize(separator, color.FgCyan))
	fmt.Println(a.colorize(fmt.Sprintf("Approval requested: %s", req.Tool), color.FgYellow, color.Bold))
	fmt.Println(a.colorize(fmt.Sprintf("Session: %s  Execution: %s", req.SessionID, req.ExecutionID), color.FgHiBlack))
	if req.Message != "" {
		fmt.Println(req.Message)
	}
	if len(req.Args) > 0 {
		fmt.Println(a.colorize("Arguments:", color.FgCyan))
		for k, v := range req.Args {
			fmt.Printf("  %s: %v\n", k, v)
		}
	}
	fmt.Println(a.colorize(separator, color.FgCyan))
}

func (a *Interactive) prompt() (bool, error) {
	for {
		fmt.Print(a.colorize("Allow? [y/N]: ", color.FgYellow))
		input, err := a.in.ReadString('\n')
		if err != nil {
			return false, fmt.Errorf("read approval input: %w", err)
		}
		switch strings.TrimSpace(strings.ToLower(input)) {
		case "y", "yes":
			return true, nil
		case "n", "no", "":
			return false, nil
		default:
			fmt.Println(a.colorize("Please answer y or n.", color.FgRed))
		}
	}
}

func (a *Interactive) colorize(text string, attributes ...color.Attribute) string {
	if !a.color {
		return text
	}
	return color.New(attributes...).Sprint(text)
}
