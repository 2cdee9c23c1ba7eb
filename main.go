// benchclient opens gRPC channels to a benchmark server the way the
// load generator does and reports on the connection phase.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"benchclient/cmd"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := cmd.Execute(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "benchclient: %v\n", err)
		os.Exit(1)
	}
}
