package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/floegence/redeven-cli/internal/config"
	"github.com/floegence/redeven-cli/internal/settings"
)

func backendsCmd(args []string) int {
	fs := flag.NewFlagSet("backends", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	timeout := fs.Duration("timeout", 10*time.Second, "Probe timeout")
	_ = fs.Parse(args)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	a, err := loadApp(ctx, appOptions{ConfigPath: *cfgPath})
	if err != nil {
		fmt.Fprintf(os.Stderr, "backends: %v\n", err)
		return 1
	}
	defer a.Close()

	if sel, err := a.registry.Detect(ctx); err == nil && sel != nil {
		fmt.Printf("default: %s\n", sel.Adapter.Descriptor().ID)
	} else {
		fmt.Println("default: none available")
	}
	printBackends(os.Stdout, a.registry.List(ctx))
	return 0
}

func keyCmd(args []string) int {
	if len(args) >= 1 && args[0] == "list" {
		return keyListCmd(args[1:])
	}
	if len(args) < 2 || (args[0] != "set" && args[0] != "clear") {
		fmt.Fprintln(os.Stderr, "usage: redeven-cli key set|clear <backend-id> [--config path]\n       redeven-cli key list [--config path]")
		return 2
	}
	action, backendID := args[0], strings.TrimSpace(args[1])

	fs := flag.NewFlagSet("key", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	_ = fs.Parse(args[2:])

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "key: load config: %v\n", err)
		return 1
	}
	bc, ok := cfg.Backend(backendID)
	if !ok {
		fmt.Fprintf(os.Stderr, "key: backend %q is not configured\n", backendID)
		return 1
	}
	if !config.IsCloud(bc.Type) {
		fmt.Fprintf(os.Stderr, "key: backend %q (%s) does not use an API key\n", backendID, bc.Type)
		return 1
	}
	store := settings.NewSecretsStore(config.DefaultSecretsPath(*cfgPath))

	if action == "clear" {
		removed, err := store.ClearAPIKey(backendID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "key: %v\n", err)
			return 1
		}
		if !removed {
			fmt.Printf("No stored API key for %s\n", backendID)
			return 0
		}
		fmt.Printf("API key cleared for %s\n", backendID)
		return 0
	}

	con := newConsole(os.Stdin, os.Stdout)
	key, err := con.readSecret(fmt.Sprintf("API key for %s: ", backendID))
	if err != nil {
		fmt.Fprintf(os.Stderr, "key: read: %v\n", err)
		return 1
	}
	if key == "" {
		fmt.Fprintln(os.Stderr, "key: empty key")
		return 1
	}
	if err := store.SetAPIKey(backendID, key); err != nil {
		fmt.Fprintf(os.Stderr, "key: %v\n", err)
		return 1
	}
	fmt.Printf("API key saved for %s (%s)\n", backendID, store.Path())
	if vars := settings.EnvVars(bc.Type); len(vars) > 0 {
		fmt.Printf("The stored key takes precedence over %s.\n", strings.Join(vars, ", "))
	}
	return 0
}

func keyListCmd(args []string) int {
	fs := flag.NewFlagSet("key list", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	_ = fs.Parse(args)

	keys, err := settings.NewSecretsStore(config.DefaultSecretsPath(*cfgPath)).List()
	if err != nil {
		fmt.Fprintf(os.Stderr, "key: %v\n", err)
		return 1
	}
	printKeys(os.Stdout, keys)
	return 0
}

func printKeys(w io.Writer, keys []settings.KeyInfo) {
	if len(keys) == 0 {
		fmt.Fprintln(w, "no stored API keys")
		return
	}
	for _, k := range keys {
		hint := "****"
		if k.Hint != "" {
			hint = "****" + k.Hint
		}
		updated := "-"
		if !k.UpdatedAt.IsZero() {
			updated = k.UpdatedAt.Local().Format(time.DateTime)
		}
		fmt.Fprintf(w, "%-18s %-10s %s\n", k.BackendID, hint, updated)
	}
}
