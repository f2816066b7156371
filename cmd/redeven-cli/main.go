package main

import (
	"fmt"
	"os"
)

var (
	// Version is set via -ldflags at build time.
	Version = "dev"
	// Commit is set via -ldflags at build time.
	Commit = "unknown"
	// BuildTime is set via -ldflags at build time.
	BuildTime = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	var code int
	switch os.Args[1] {
	case "chat":
		code = chatCmd(os.Args[2:])
	case "backends":
		code = backendsCmd(os.Args[2:])
	case "key":
		code = keyCmd(os.Args[2:])
	case "audit":
		code = auditCmd(os.Args[2:])
	case "version":
		fmt.Printf("redeven-cli %s (%s) %s\n", Version, Commit, BuildTime)
	default:
		printUsage()
		code = 2
	}
	os.Exit(code)
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `redeven-cli

Usage:
  redeven-cli chat [flags]
  redeven-cli backends [flags]
  redeven-cli key set|clear <backend-id> [flags]
  redeven-cli key list [flags]
  redeven-cli audit [flags]
  redeven-cli version

Commands:
  chat        Start an interactive conversation with the best available backend.
  backends    Probe every configured backend and print its status.
  key         Store, remove or list backend API keys.
  audit       Show recent tool activity.
  version     Print build information.

`)
}
