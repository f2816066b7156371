package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/floegence/redeven-cli/internal/ai"
	"github.com/floegence/redeven-cli/internal/ai/tools"
	"github.com/floegence/redeven-cli/internal/auditlog"
	"github.com/floegence/redeven-cli/internal/config"
)

// auditObserver records tool events before passing them on.
type auditObserver struct {
	next     ai.Observer
	store    *auditlog.Store
	backends ai.Backends
}

func (o auditObserver) OnDelta(text string) { o.next.OnDelta(text) }

func (o auditObserver) OnToolCall(ev tools.Event) {
	o.record(ev)
	o.next.OnToolCall(ev)
}

func (o auditObserver) OnToolResult(ev tools.Event) {
	o.record(ev)
	o.next.OnToolResult(ev)
}

func (o auditObserver) record(ev tools.Event) {
	if o.store == nil {
		return
	}
	e := auditlog.FromToolEvent(ev)
	if o.backends != nil {
		// The turn already resolved the active backend, so this does not probe.
		if a, err := o.backends.Active(context.Background()); err == nil {
			e.BackendID = a.Descriptor().ID
		}
	}
	o.store.Append(e)
}

func auditCmd(args []string) int {
	fs := flag.NewFlagSet("audit", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	limit := fs.Int("limit", 20, "Entries to show, newest first")
	_ = fs.Parse(args)

	log, err := newLogger(os.Stderr, "text", "warn")
	if err != nil {
		fmt.Fprintf(os.Stderr, "audit: %v\n", err)
		return 1
	}
	store, err := auditlog.New(auditlog.Options{Logger: log, Dir: config.DefaultAuditDir(*cfgPath)})
	if err != nil {
		fmt.Fprintf(os.Stderr, "audit: %v\n", err)
		return 1
	}
	entries, err := store.List(*limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "audit: %v\n", err)
		return 1
	}
	printAudit(os.Stdout, entries)
	return 0
}

func printAudit(w io.Writer, entries []auditlog.Entry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "no tool activity recorded")
		return
	}
	for _, e := range entries {
		line := fmt.Sprintf("%s  %-14s %-9s %-12s %-14s", e.CreatedAt, e.Action, e.Status, e.BackendID, e.ToolName)
		if e.Error != "" {
			line += " " + e.Error
		}
		fmt.Fprintln(w, line)
	}
}
