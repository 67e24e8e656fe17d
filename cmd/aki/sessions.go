package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nugget/aki/internal/agent"
	"github.com/nugget/aki/internal/llm"
	"github.com/nugget/aki/internal/session"
)

func (c *cli) sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect saved conversations",
	}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List the most recently updated sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withStore(cmd.Context(), func(store session.Store) error {
				infos, err := store.List(cmd.Context(), limit)
				if err != nil {
					return err
				}
				if c.output == "json" {
					if infos == nil {
						infos = []session.Info{}
					}
					return c.printJSON(infos)
				}
				printSessionList(c.stdout, infos)
				return nil
			})
		},
	}
	list.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of sessions")

	show := &cobra.Command{
		Use:   "show <id>",
		Short: "Print a session's history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withStore(cmd.Context(), func(store session.Store) error {
				st, err := store.Load(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if c.output == "json" {
					return c.printJSON(st.Flatten())
				}
				printSession(c.stdout, st)
				return nil
			})
		},
	}

	del := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withStore(cmd.Context(), func(store session.Store) error {
				if err := store.Delete(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(c.stdout, "deleted %s\n", args[0])
				return nil
			})
		},
	}

	cmd.AddCommand(list, show, del)
	return cmd
}

// withStore opens the configured session store for the duration of fn.
func (c *cli) withStore(ctx context.Context, fn func(session.Store) error) error {
	cfg, _, err := c.loadConfig()
	if err != nil {
		return err
	}
	store, err := session.Open(ctx, cfg.Storage.Driver, cfg.Storage.DSN)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	defer store.Close()
	return fn(store)
}

func printSessionList(w io.Writer, infos []session.Info) {
	if len(infos) == 0 {
		fmt.Fprintln(w, "No sessions found.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tUPDATED\tMODEL\tMESSAGES\tTOKENS")
	for _, in := range infos {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\n",
			in.ID, in.UpdatedAt.Local().Format(time.DateTime), in.ModelID, in.MessageCount, in.TokenCount)
	}
	tw.Flush()
}

func printSession(w io.Writer, st *agent.State) {
	fmt.Fprintf(w, "session %s\n", st.ID)
	fmt.Fprintf(w, "  model:   %s\n", st.Model.ModelID)
	fmt.Fprintf(w, "  tokens:  %d\n", st.TokenCount)
	fmt.Fprintf(w, "  updated: %s\n", st.UpdatedAt.Local().Format(time.DateTime))
	if st.Summary != "" {
		fmt.Fprintf(w, "\nsummary:\n%s\n", indent(st.Summary))
	}
	for _, m := range st.Messages {
		fmt.Fprintf(w, "\n[%s]\n", m.Role)
		if text := m.Text(); text != "" {
			fmt.Fprintln(w, indent(text))
		}
		for _, b := range m.Blocks {
			switch b.Kind {
			case llm.BlockToolUse:
				args, _ := json.Marshal(b.ToolCall.Args)
				fmt.Fprintf(w, "  -> %s %s\n", b.ToolCall.Name, args)
			case llm.BlockToolResult:
				fmt.Fprintf(w, "  <- %s (%s)\n", b.ToolResult.ToolCallID, b.ToolResult.Status)
			}
		}
	}
}

func indent(s string) string {
	return "  " + strings.ReplaceAll(strings.TrimSpace(s), "\n", "\n  ")
}
