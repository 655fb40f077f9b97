// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/holomush/starry/internal/eventbus"
	"github.com/holomush/starry/internal/manager"
	"github.com/holomush/starry/pkg/extension"
)

// Output formats of the list command.
const (
	outputTable = "table"
	outputJSON  = "json"
	outputYAML  = "yaml"
)

const commandTimeout = 30 * time.Second

// NewInstallCmd creates the install subcommand.
func NewInstallCmd(deps *Deps) *cobra.Command {
	return &cobra.Command{
		Use:   "install <library>",
		Short: "Install an extension library",
		Long: `Copy an extension library built with -buildmode=plugin into the
install directory, load it and remember it across restarts.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := filepath.Abs(args[0])
			if err != nil {
				return fmt.Errorf("resolve %s: %w", args[0], err)
			}
			return oneShot(cmd, deps, manager.EventInstalled, func(m *manager.Manager, req manager.Request) <-chan error {
				return m.Install(path, req)
			}, func(events []extension.Event) error {
				var p manager.ExtensionPayload
				if err := json.Unmarshal([]byte(events[len(events)-1].Payload), &p); err != nil {
					return fmt.Errorf("decode notification: %w", err)
				}
				cmd.Printf("Installed %s\n", p.ID)
				return nil
			})
		},
	}
}

// NewRemoveCmd creates the remove subcommand.
func NewRemoveCmd(deps *Deps) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove an installed extension",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return oneShot(cmd, deps, manager.EventUnloaded, func(m *manager.Manager, req manager.Request) <-chan error {
				return m.Remove(id, req)
			}, func([]extension.Event) error {
				cmd.Printf("Removed %s\n", id)
				return nil
			})
		},
	}
}

// NewListCmd creates the list subcommand.
func NewListCmd(deps *Deps) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List installed extensions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			switch output {
			case outputTable, outputJSON, outputYAML:
			default:
				return fmt.Errorf("output must be table, json or yaml, got %q", output)
			}
			return oneShot(cmd, deps, manager.EventListed, func(m *manager.Manager, req manager.Request) <-chan error {
				return m.List(req)
			}, func(events []extension.Event) error {
				entries, err := listEntries(events)
				if err != nil {
					return err
				}
				return writeList(cmd.OutOrStdout(), output, entries)
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", outputTable, "output format (table, json or yaml)")
	return cmd
}

// oneShot opens the host, submits one command and hands the notifications
// that carry its request id to done, ending with the terminal event.
func oneShot(
	cmd *cobra.Command,
	deps *Deps,
	terminal string,
	submit func(*manager.Manager, manager.Request) <-chan error,
	done func([]extension.Event) error,
) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	logger, err := setupLogging(cfg, deps)
	if err != nil {
		return err
	}

	h, err := openHost(ctx, cfg, deps, logger)
	if err != nil {
		return err
	}
	defer h.close()

	req := manager.Request{ID: eventbus.NewID().String()}
	events := make(chan extension.Event, 1024)
	if _, err := h.bus.Subscribe("*", func(ev extension.Event) {
		if ev.ID == req.ID {
			events <- ev
		}
	}); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	h.start(ctx)
	if err := waitResult(ctx, submit(h.manager, req)); err != nil {
		return err
	}

	collected, err := collect(ctx, events, terminal)
	if err != nil {
		return err
	}
	return done(collected)
}

func waitResult(ctx context.Context, result <-chan error) error {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return fmt.Errorf("waiting for extension manager: %w", ctx.Err())
	}
}

// collect reads events until terminal arrives.
func collect(ctx context.Context, events <-chan extension.Event, terminal string) ([]extension.Event, error) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	var out []extension.Event
	for {
		select {
		case ev := <-events:
			out = append(out, ev)
			if ev.Name == terminal {
				return out, nil
			}
		case <-ctx.Done():
			return out, fmt.Errorf("waiting for %s notification: %w", terminal, ctx.Err())
		}
	}
}

// listEntry is one row of list output.
type listEntry struct {
	ID   string         `json:"id" yaml:"id"`
	Info map[string]any `json:"info" yaml:"info"`
}

func listEntries(events []extension.Event) ([]listEntry, error) {
	entries := make([]listEntry, 0, len(events))
	for _, ev := range events {
		if ev.Name != manager.EventLoaded {
			continue
		}
		var p manager.ExtensionPayload
		if err := json.Unmarshal([]byte(ev.Payload), &p); err != nil {
			return nil, fmt.Errorf("decode notification: %w", err)
		}
		e := listEntry{ID: p.ID, Info: map[string]any{}}
		if len(p.Info) > 0 {
			if err := json.Unmarshal(p.Info, &e.Info); err != nil {
				return nil, fmt.Errorf("decode info of %s: %w", p.ID, err)
			}
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return entries, nil
}

func writeList(w io.Writer, format string, entries []listEntry) error {
	switch format {
	case outputJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(entries) //nolint:wrapcheck // terminal output
	case outputYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(entries); err != nil {
			return fmt.Errorf("encode yaml: %w", err)
		}
		return enc.Close() //nolint:wrapcheck // terminal output
	default:
		if len(entries) == 0 {
			_, err := fmt.Fprintln(w, "No extensions installed")
			return err //nolint:wrapcheck // terminal output
		}
		_, err := fmt.Fprintln(w, renderTable(entries))
		return err //nolint:wrapcheck // terminal output
	}
}

var headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)

var cellStyle = lipgloss.NewStyle().Padding(0, 1)

func renderTable(entries []listEntry) string {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("ID", "NAME", "VERSION", "DESCRIPTION").
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	for _, e := range entries {
		t.Row(e.ID, infoString(e.Info, "name"), infoString(e.Info, "version"), infoString(e.Info, "description"))
	}
	return t.String()
}

func infoString(info map[string]any, key string) string {
	v, ok := info[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
