package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nugget/aki/internal/agent"
	"github.com/nugget/aki/internal/events"
	"github.com/nugget/aki/internal/llm"
	"github.com/nugget/aki/internal/session"
)

type turnStarter interface {
	Start(ctx context.Context, st *agent.State, input llm.Message, sink events.Sink) *agent.Turn
}

func (c *cli) chatCmd() *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat in the terminal (Ctrl-C stops the running turn)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.runChat(cmd.Context(), sessionID)
		},
	}
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "resume or create the session with this id")
	return cmd
}

func (c *cli) runChat(ctx context.Context, sessionID string) error {
	cfg, logger, err := c.loadConfig()
	if err != nil {
		return err
	}
	inst, shutdownTelemetry := instruments(ctx, cfg, logger)
	defer shutdownTelemetry(context.WithoutCancel(ctx))

	rt, err := buildRuntime(ctx, cfg, logger, inst)
	if err != nil {
		return err
	}
	defer rt.Close()

	st := rt.newState(sessionID)
	if sessionID != "" {
		loaded, err := rt.store.Load(ctx, sessionID)
		switch {
		case err == nil:
			st = loaded
		case !errors.Is(err, session.ErrNotFound):
			return err
		}
	}

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, syscall.SIGINT)
	defer signal.Stop(interrupts)

	ch := &chat{
		in:         c.stdin,
		out:        c.stdout,
		engine:     rt.engine,
		store:      rt.store,
		state:      st,
		interrupts: interrupts,
	}
	return ch.loop(ctx)
}

// chat is the terminal REPL. Each input line is one turn.
type chat struct {
	in         io.Reader
	out        io.Writer
	engine     turnStarter
	store      session.Store
	state      *agent.State
	interrupts <-chan os.Signal
}

func (c *chat) loop(ctx context.Context) error {
	fmt.Fprintf(c.out, "session %s (%d messages). /exit to quit.\n", c.state.ID, len(c.state.Messages))

	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(c.in)
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for sc.Scan() {
			lines <- sc.Text()
		}
		readErr <- sc.Err()
	}()

	for {
		fmt.Fprint(c.out, "> ")
		var line string
		select {
		case <-ctx.Done():
			return nil
		case <-c.interrupts:
			fmt.Fprintln(c.out)
			return nil
		case err := <-readErr:
			fmt.Fprintln(c.out)
			return err
		case line = <-lines:
		}

		line = strings.TrimSpace(line)
		switch line {
		case "":
			continue
		case "/exit", "/quit":
			return nil
		}
		if err := c.turn(ctx, line); err != nil {
			fmt.Fprintf(c.out, "error: %v\n", err)
		}
	}
}

// turn runs one turn, printing the reply as it streams. An interrupt
// stops the turn instead of exiting.
func (c *chat) turn(ctx context.Context, text string) error {
	t := c.engine.Start(ctx, c.state, llm.NewHumanMessage(text), events.SinkFunc(c.print))

	select {
	case <-t.Done():
	case <-c.interrupts:
		t.Stop()
	}
	res, err := t.Wait()
	fmt.Fprintln(c.out)

	if !errors.Is(err, agent.ErrInvalidInput) {
		if saveErr := c.store.Save(context.WithoutCancel(ctx), c.state); saveErr != nil {
			fmt.Fprintf(c.out, "warning: session not saved: %v\n", saveErr)
		}
	}
	if err != nil {
		return err
	}
	if res.Stopped {
		fmt.Fprintln(c.out, "(stopped)")
	}
	if res.Summarized {
		fmt.Fprintln(c.out, "(history summarized)")
	}
	return nil
}

func (c *chat) print(ev events.TurnEvent) {
	switch ev.Kind {
	case events.KindToken:
		fmt.Fprint(c.out, ev.Text)
	case events.KindToolStepStart:
		fmt.Fprintf(c.out, "\n[%s] ", ev.ToolCall.Name)
	case events.KindToolStepEnd:
		fmt.Fprintf(c.out, "%s\n", ev.ToolResult.Status)
	}
}
