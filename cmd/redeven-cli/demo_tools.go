package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/floegence/redeven-cli/internal/ai/model"
	"github.com/floegence/redeven-cli/internal/ai/tools"
)

// demoCapabilities are small built-ins that exercise every tier and the
// confirmation gate. Real capability packs register through tools.Registry.
func demoCapabilities(now func() time.Time) (*tools.StaticRegistry, error) {
	if now == nil {
		now = time.Now
	}
	return tools.NewStaticRegistry(
		tools.Capability{
			Descriptor: model.CapabilityDescriptor{
				Name:        "clock.now",
				Description: "Returns the current date and time, optionally in an IANA time zone.",
				Schema:      json.RawMessage(`{"type":"object","properties":{"timezone":{"type":"string","description":"IANA zone such as Europe/Berlin"}}}`),
				Tier:        model.TierCore,
			},
			Handler: func(ctx context.Context, argsJSON string) (string, error) {
				var args struct {
					Timezone string `json:"timezone"`
				}
				if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
					return "", &tools.ToolError{Code: tools.ErrorCodeInvalidArguments, Message: err.Error(), Retryable: true}
				}
				t := now()
				if tz := strings.TrimSpace(args.Timezone); tz != "" {
					loc, err := time.LoadLocation(tz)
					if err != nil {
						return "", &tools.ToolError{Code: tools.ErrorCodeInvalidArguments, Message: "unknown timezone " + tz, Retryable: true}
					}
					t = t.In(loc)
				}
				return t.Format(time.RFC1123Z), nil
			},
		},
		tools.Capability{
			Descriptor: model.CapabilityDescriptor{
				Name:        "text.count",
				Description: "Counts characters, words and lines in a text.",
				Schema:      json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`),
				Tier:        model.TierImportant,
			},
			Handler: func(ctx context.Context, argsJSON string) (string, error) {
				var args struct {
					Text *string `json:"text"`
				}
				if err := json.Unmarshal([]byte(argsJSON), &args); err != nil || args.Text == nil {
					return "", &tools.ToolError{Code: tools.ErrorCodeInvalidArguments, Message: "text is required", Retryable: true}
				}
				text := *args.Text
				lines := 0
				if text != "" {
					lines = strings.Count(text, "\n") + 1
				}
				out, _ := json.Marshal(map[string]int{
					"characters": utf8.RuneCountInString(text),
					"words":      len(strings.Fields(text)),
					"lines":      lines,
				})
				return string(out), nil
			},
		},
		tools.Capability{
			Descriptor: model.CapabilityDescriptor{
				Name:                 "shell.echo",
				Description:          "Prints a message on the user's terminal. Asks the user first.",
				Schema:               json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`),
				RequiresConfirmation: true,
				Tier:                 model.TierExtended,
			},
			Handler: func(ctx context.Context, argsJSON string) (string, error) {
				var args struct {
					Text string `json:"text"`
				}
				if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
					return "", &tools.ToolError{Code: tools.ErrorCodeInvalidArguments, Message: err.Error(), Retryable: true}
				}
				return fmt.Sprintf("echoed %d bytes: %s", len(args.Text), args.Text), nil
			},
		},
	)
}
