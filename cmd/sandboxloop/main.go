// Command sandboxloop runs and inspects sandboxloop event loops.
package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/charmbracelet/fang"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := fang.Execute(ctx, newRootCommand(), fang.WithVersion(version)); err != nil {
		stop()
		os.Exit(1)
	}
}
