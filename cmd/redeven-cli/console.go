package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"

	"github.com/floegence/redeven-cli/internal/ai"
	"github.com/floegence/redeven-cli/internal/ai/tools"
)

// ANSI codes for terminal styling.
const (
	ansiReset = "\033[0m"
	ansiBold  = "\033[1m"
	ansiDim   = "\033[2m"
	ansiCyan  = "\033[96m"
)

// console owns stdin and stdout for the REPL. Chat input and confirmation
// answers come from one line reader goroutine, so a prompt abandoned on
// Ctrl-C never swallows the next line.
type console struct {
	in          *bufio.Reader
	out         io.Writer
	inFile      *os.File
	interactive bool
	ansi        bool

	pumpOnce sync.Once
	lines    chan lineRead
}

type lineRead struct {
	text string
	err  error
}

func newConsole(in *os.File, out io.Writer) *console {
	return &console{
		in:          bufio.NewReader(in),
		out:         out,
		inFile:      in,
		interactive: in != nil && term.IsTerminal(int(in.Fd())),
		ansi:        isTerminalWriter(out),
	}
}

func (c *console) startPump() {
	c.pumpOnce.Do(func() {
		c.lines = make(chan lineRead)
		go func() {
			defer close(c.lines)
			for {
				line, err := c.in.ReadString('\n')
				if line != "" && (err == nil || errors.Is(err, io.EOF)) {
					c.lines <- lineRead{text: strings.TrimRight(line, "\r\n")}
				}
				if err != nil {
					c.lines <- lineRead{err: err}
					return
				}
			}
		}()
	})
}

// readLine returns the next line without its newline, or ctx.Err() if ctx is
// done first. io.EOF is returned only when no text precedes it.
func (c *console) readLine(ctx context.Context) (string, error) {
	c.startPump()
	select {
	case r, ok := <-c.lines:
		if !ok {
			return "", io.EOF
		}
		return r.text, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (c *console) prompt(ctx context.Context, label string) (string, error) {
	fmt.Fprint(c.out, c.style(ansiBold, label))
	return c.readLine(ctx)
}

// confirm asks a yes/no question. Without a terminal on stdin the answer is
// no. The only error is ctx.Err() when the turn is canceled mid-prompt.
func (c *console) confirm(ctx context.Context, req ai.ApprovalRequest) (bool, error) {
	args := strings.TrimSpace(req.ArgsJSON)
	if args == "" {
		args = "{}"
	}
	if !c.interactive {
		fmt.Fprintf(c.out, "\n%s\n", c.style(ansiDim, fmt.Sprintf("[declined %s: confirmation needs an interactive terminal]", req.ToolName)))
		return false, nil
	}
	fmt.Fprintf(c.out, "\n%s %s ", c.style(ansiBold, "Allow "+req.ToolName+" "+args+"?"), "[y/N]")
	answer, err := c.readLine(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return false, ctxErr
		}
		return false, nil
	}
	return parseYes(answer), nil
}

func parseYes(answer string) bool {
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true
	default:
		return false
	}
}

// readSecret reads a key without echo on a terminal, or a plain line otherwise.
func (c *console) readSecret(label string) (string, error) {
	if !c.interactive {
		v, err := c.readLine(context.Background())
		return strings.TrimSpace(v), err
	}
	fmt.Fprint(c.out, label)
	b, err := term.ReadPassword(int(c.inFile.Fd()))
	fmt.Fprintln(c.out)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

// observer renders streamed text and tool activity.
func (c *console) observer() ai.Observer {
	return ai.Hooks{
		Delta: func(text string) { fmt.Fprint(c.out, text) },
		ToolCall: func(ev tools.Event) {
			if ev.Kind != tools.EventKindRequested {
				return
			}
			fmt.Fprintf(c.out, "\n%s\n", c.style(ansiCyan, "-> "+ev.ToolName+" "+truncate(ev.Args, 120)))
		},
		ToolResult: func(ev tools.Event) {
			label := "<- "
			switch ev.Kind {
			case tools.EventKindRejected:
				label = "<- rejected "
			case tools.EventKindError:
				label = "<- failed "
			}
			fmt.Fprintf(c.out, "%s\n", c.style(ansiDim, label+ev.ToolName+" "+truncate(ev.Result, 160)))
		},
	}
}

func (c *console) style(code string, s string) string {
	if !c.ansi {
		return s
	}
	return code + s + ansiReset
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

func isTerminalWriter(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}

func (c *console) banner(version string, backendID string) {
	fmt.Fprintln(c.out, c.style(ansiBold, "redeven-cli "+version))
	if backendID != "" {
		fmt.Fprintln(c.out, c.style(ansiDim, "backend: "+backendID))
	}
	fmt.Fprintln(c.out, c.style(ansiDim, "commands: /backend <id>, /backends, /usage, /reset, /exit"))
	fmt.Fprintln(c.out)
}
