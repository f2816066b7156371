package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/floegence/redeven-cli/internal/ai"
	"github.com/floegence/redeven-cli/internal/ai/backend"
	"github.com/floegence/redeven-cli/internal/ai/history"
	"github.com/floegence/redeven-cli/internal/auditlog"
	"github.com/floegence/redeven-cli/internal/config"
)

func chatCmd(args []string) int {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	backendID := fs.String("backend", "", "Backend id to prefer for this session")
	autoApprove := fs.Bool("auto-approve", false, "Run confirmation-required tools without asking")
	maxIter := fs.Int("max-iterations", 0, "Backend round trips per turn (default: from config)")
	logFormat := fs.String("log-format", "", "Log format: json|text (default: from config)")
	logLevel := fs.String("log-level", "", "Log level: debug|info|warn|error (default: from config)")
	_ = fs.Parse(args)

	ctx := context.Background()
	a, err := loadApp(ctx, appOptions{ConfigPath: *cfgPath, LogFormat: *logFormat, LogLevel: *logLevel, Preferred: *backendID})
	if err != nil {
		fmt.Fprintf(os.Stderr, "chat: %v\n", err)
		return 1
	}
	defer a.Close()

	caps, err := demoCapabilities(nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "chat: %v\n", err)
		return 1
	}

	con := newConsole(os.Stdin, os.Stdout)
	audit, err := auditlog.New(auditlog.Options{Logger: a.log, Dir: config.DefaultAuditDir(a.cfgPath)})
	if err != nil {
		// The trail is best-effort; chatting still works without it.
		a.log.Warn("audit log unavailable", "error", err)
	}
	var broker *ai.ApprovalBroker
	broker = ai.NewApprovalBroker(a.log, func(ctx context.Context, req ai.ApprovalRequest) {
		approved, err := con.confirm(ctx, req)
		if err != nil {
			// Canceled mid-prompt; the broker reports ctx.Err() to the agent.
			return
		}
		if err := broker.Resolve(req.ID, approved); err != nil {
			a.log.Warn("resolve approval failed", "approval_id", req.ID, "error", err)
		}
	})

	agentCfg := a.cfg.Agent
	iterations := agentCfg.EffectiveMaxIterations()
	if *maxIter > 0 {
		iterations = *maxIter
	}
	var memory ai.MemorySource
	if agentCfg != nil && strings.TrimSpace(agentCfg.MemoryFile) != "" {
		memory = ai.MemoryFile{Path: expandHome(agentCfg.MemoryFile)}
	}
	instructions := ""
	if agentCfg != nil {
		instructions = agentCfg.Instructions
	}

	agent, err := ai.New(ai.Options{
		Backends: a.registry,
		Tools:    caps,
		Budget: history.TokenBudget{
			Total:           agentCfg.EffectiveContextWindow(),
			SystemReserve:   agentCfg.EffectiveSystemReserve(),
			ResponseReserve: agentCfg.EffectiveResponseReserve(),
		},
		MaxIterations: iterations,
		AutoApprove:   *autoApprove || agentCfg.EffectiveAutoApprove(),
		Instructions:  instructions,
		Memory:        memory,
		Confirmer:     broker,
		Observer:      auditObserver{next: con.observer(), store: audit, backends: a.registry},
		Log:           a.log,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "chat: %v\n", err)
		return 1
	}

	active, err := a.registry.Active(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "chat: %v\n", err)
		return 1
	}
	con.banner(Version, active.Descriptor().ID)

	r := &repl{app: a, agent: agent, con: con}
	return r.loop(ctx)
}

type repl struct {
	app   *app
	agent *ai.Agent
	con   *console
}

func (r *repl) loop(ctx context.Context) int {
	for {
		line, err := r.con.prompt(ctx, "> ")
		if err != nil {
			if errors.Is(err, io.EOF) {
				fmt.Fprintln(r.con.out)
				return 0
			}
			fmt.Fprintf(os.Stderr, "read input: %v\n", err)
			return 1
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			if quit := r.command(ctx, line); quit {
				return 0
			}
			continue
		}
		r.turn(ctx, line)
	}
}

// turn runs one user message. Ctrl-C cancels only the turn in flight.
func (r *repl) turn(ctx context.Context, line string) {
	turnCtx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	_, err := r.agent.Run(turnCtx, line)
	fmt.Fprintln(r.con.out)
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		fmt.Fprintln(r.con.out, r.con.style(ansiDim, "[canceled]"))
	case errors.Is(err, ai.ErrIterationLimit):
		fmt.Fprintln(r.con.out, r.con.style(ansiDim, "[stopped: "+err.Error()+"]"))
	default:
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
	}
}

func (r *repl) command(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/exit", "/quit":
		return true
	case "/reset":
		r.agent.Reset()
		fmt.Fprintln(r.con.out, "conversation cleared")
	case "/backends":
		printBackends(r.con.out, r.app.registry.List(ctx))
	case "/backend":
		if len(fields) != 2 {
			fmt.Fprintln(r.con.out, "usage: /backend <id>")
			return false
		}
		if err := r.app.registry.SetActive(ctx, fields[1]); err != nil {
			fmt.Fprintf(r.con.out, "cannot switch: %v\n", err)
			return false
		}
		fmt.Fprintf(r.con.out, "active backend: %s\n", fields[1])
	case "/usage":
		totals := r.app.registry.Usage().Snapshot()
		if len(totals) == 0 {
			fmt.Fprintln(r.con.out, "no usage yet")
		}
		for _, t := range totals {
			fmt.Fprintf(r.con.out, "%-20s calls=%d prompt~%d completion~%d\n", t.BackendID, t.Calls, t.PromptTokens, t.CompletionTokens)
		}
	default:
		fmt.Fprintf(r.con.out, "unknown command %s\n", fields[0])
	}
	return false
}

func printBackends(w io.Writer, entries []backend.Entry) {
	for _, e := range entries {
		mark := " "
		if e.Active {
			mark = "*"
		}
		state := "available"
		detail := e.Status.SelectedModel
		if !e.Status.Available {
			state = "unavailable"
			detail = e.Status.Reason
		}
		fmt.Fprintf(w, "%s %-18s %-14s %-12s %s\n", mark, e.Descriptor.ID, e.Descriptor.Kind, state, detail)
	}
}

func expandHome(path string) string {
	path = strings.TrimSpace(path)
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return home + path[1:]
		}
	}
	return path
}
