package main

import (
	"fmt"
	"os"

	"github.com/joeycumines/go-sandboxloop"
	"github.com/spf13/cobra"
)

func newProbeCommand() *cobra.Command {
	var backendName string
	cmd := &cobra.Command{
		Use:   "probe [interface...]",
		Short: "Report what the backend supports on this host",
		RunE: func(cmd *cobra.Command, args []string) error {
			return probe(cmd, backendName, args)
		},
	}
	backendFlag(cmd, &backendName)
	return cmd
}

func probe(cmd *cobra.Command, backendName string, names []string) error {
	backend, err := newBackend(backendName)
	if err != nil {
		return err
	}
	loop, err := sandboxloop.New(sandboxloop.WithBackend(backend))
	if err != nil {
		return err
	}
	defer loop.Close()

	out := cmd.OutOrStdout()
	caps := loop.Capabilities()
	_, _ = fmt.Fprintf(out, "backend: %s\n", loop.BackendName())
	_, _ = fmt.Fprintf(out, "capabilities: readiness=%t wakeup=%t change_watch=%t\n",
		caps.Readiness, caps.Wakeup, caps.ChangeWatch)

	for _, fd := range []int{int(os.Stdin.Fd()), -1} {
		_, _ = fmt.Fprintf(out, "checkfd(%d): %s\n", fd, result(backend.CheckFD(fd)))
	}
	_, _ = fmt.Fprintf(out, "fork: %s\n", result(loop.Fork()))

	for _, name := range names {
		if idx, ok := loop.InterfaceIndex(name); ok {
			_, _ = fmt.Fprintf(out, "interface(%s): %d\n", name, idx)
		} else {
			_, _ = fmt.Fprintf(out, "interface(%s): absent\n", name)
		}
	}

	_, _ = fmt.Fprintf(out, "args: %q\n", sandboxloop.SetupArgs(os.Args))
	return nil
}

func result(err error) string {
	if err != nil {
		return err.Error()
	}
	return "ok"
}
