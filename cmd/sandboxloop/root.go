package main

import (
	"fmt"

	"github.com/joeycumines/go-sandboxloop"
	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "sandboxloop",
		Short:         "Run and inspect event loops on the host's platform backend",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCommand(), newProbeCommand())
	return root
}

// backendFlag registers --backend on cmd.
func backendFlag(cmd *cobra.Command, p *string) {
	cmd.Flags().StringVar(p, "backend", "auto", `platform backend, "auto" or "sandbox"`)
}

func newBackend(name string) (sandboxloop.Backend, error) {
	switch name {
	case "auto", "":
		return sandboxloop.NewBackend(), nil
	case "sandbox":
		return sandboxloop.NewSandboxBackend(), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", name)
	}
}
