// Command aki runs the conversation engine as an HTTP service, as an
// interactive terminal chat, or as a tool for inspecting saved sessions.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
)

// main only constructs the OS-level environment and delegates to [run],
// so the whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdin, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Cancelling ctx shuts down whatever the
// command started. Structured logs go to stderr; command output goes to
// stdout.
func run(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) error {
	root := newRootCmd(stdin, stdout, stderr)
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}
