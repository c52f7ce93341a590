package sandboxloop_test

import (
	"context"
	"errors"
	"fmt"
	"time"

	sandboxloop "github.com/joeycumines/go-sandboxloop"
)

// Example_sandboxBackend demonstrates a loop on the sandbox backend, where
// polling is a sleep and process duplication is unsupported.
func Example_sandboxBackend() {
	loop, err := sandboxloop.New(sandboxloop.WithBackend(sandboxloop.NewSandboxBackend()))
	if err != nil {
		fmt.Printf("Failed to create loop: %v\n", err)
		return
	}

	fmt.Println("fork supported:", !errors.Is(loop.Fork(), sandboxloop.ErrNotSupported))

	_, _ = loop.ScheduleTimer(20*time.Millisecond, func() {
		fmt.Println("second")
		_ = loop.Close()
	})
	_, _ = loop.ScheduleTimer(10*time.Millisecond, func() {
		fmt.Println("first")
	})

	if err := loop.Run(context.Background()); err != nil {
		fmt.Printf("Run: %v\n", err)
	}
	fmt.Println("state:", loop.State())

	// Output:
	// fork supported: false
	// first
	// second
	// state: Terminated
}

// ExampleSetupArgs shows that arguments pass through untouched.
func ExampleSetupArgs() {
	fmt.Printf("%q\n", sandboxloop.SetupArgs([]string{"prog", "--flag", "value"}))

	// Output:
	// ["prog" "--flag" "value"]
}
